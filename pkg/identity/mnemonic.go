// Package identity derives the long-term cryptographic identity —
// keypair, fingerprint and display name — from a 12-word mnemonic
// phrase, per spec.md §4.1.
package identity

import (
	"crypto/sha256"
	"fmt"
	"math/big"
	"strings"

	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/resources"
	"golang.org/x/crypto/pbkdf2"
)

const (
	// EntropyBits is the amount of randomness a fresh mnemonic encodes.
	EntropyBits = 128
	// EntropyBytes is EntropyBits in bytes.
	EntropyBytes = EntropyBits / 8
	// ChecksumBits is the number of checksum bits appended to the
	// entropy before splitting into 11-bit word indices.
	ChecksumBits = EntropyBits / 32
	// MnemonicWords is the number of words in a mnemonic phrase.
	MnemonicWords = (EntropyBits + ChecksumBits) / 11

	// pbkdf2Iterations and seedSize follow spec.md §4.1's
	// PBKDF2-HMAC-SHA512 seed stretching parameters.
	pbkdf2Iterations = 2048
	seedSize         = 64
	pbkdf2Salt       = "mnemonic"
)

// GenerateMnemonic creates a fresh random 12-word mnemonic phrase.
func GenerateMnemonic() (string, error) {
	entropy, err := crypto.GenerateRandomBytes(EntropyBytes)
	if err != nil {
		return "", fmt.Errorf("failed to generate entropy: %w", err)
	}
	return EntropyToMnemonic(entropy)
}

// EntropyToMnemonic encodes 128 bits of entropy as a 12-word mnemonic
// phrase with an appended checksum, per spec.md §4.1.
func EntropyToMnemonic(entropy []byte) (string, error) {
	if len(entropy) != EntropyBytes {
		return "", fmt.Errorf("entropy must be %d bytes, got %d", EntropyBytes, len(entropy))
	}
	words, err := resources.Wordlist()
	if err != nil {
		return "", fmt.Errorf("failed to load wordlist: %w", err)
	}

	checksum := sha256.Sum256(entropy)
	checksumByte := checksum[0] >> (8 - ChecksumBits)

	bits := make([]byte, 0, EntropyBits+ChecksumBits)
	for _, b := range entropy {
		for i := 7; i >= 0; i-- {
			bits = append(bits, (b>>uint(i))&1)
		}
	}
	for i := ChecksumBits - 1; i >= 0; i-- {
		bits = append(bits, (checksumByte>>uint(i))&1)
	}

	phrase := make([]string, 0, MnemonicWords)
	for i := 0; i < MnemonicWords; i++ {
		idx := 0
		for j := 0; j < 11; j++ {
			idx = idx<<1 | int(bits[i*11+j])
		}
		phrase = append(phrase, words[idx])
	}
	return strings.Join(phrase, " "), nil
}

// ValidateMnemonic checks that phrase consists of exactly
// MnemonicWords words drawn from the embedded wordlist and that its
// embedded checksum matches the recomputed SHA-256 of the entropy.
func ValidateMnemonic(phrase string) error {
	_, err := mnemonicToEntropy(phrase)
	return err
}

// mnemonicToEntropy recovers the original 128-bit entropy from a
// mnemonic phrase, verifying its checksum. This is not required by
// the identity-derivation path (which hashes the mnemonic text
// directly per spec.md §4.1) but is used by ValidateMnemonic to
// reject malformed phrases early.
func mnemonicToEntropy(phrase string) ([]byte, error) {
	fields := strings.Fields(phrase)
	if len(fields) != MnemonicWords {
		return nil, fmt.Errorf("mnemonic must have %d words, got %d", MnemonicWords, len(fields))
	}
	words, err := resources.Wordlist()
	if err != nil {
		return nil, fmt.Errorf("failed to load wordlist: %w", err)
	}
	index := make(map[string]int, len(words))
	for i, w := range words {
		index[w] = i
	}

	bits := make([]byte, 0, MnemonicWords*11)
	for _, f := range fields {
		idx, ok := index[f]
		if !ok {
			return nil, fmt.Errorf("word %q is not in the mnemonic wordlist", f)
		}
		for j := 10; j >= 0; j-- {
			bits = append(bits, byte((idx>>uint(j))&1))
		}
	}

	entropy := make([]byte, EntropyBytes)
	for i := 0; i < EntropyBytes; i++ {
		var b byte
		for j := 0; j < 8; j++ {
			b = b<<1 | bits[i*8+j]
		}
		entropy[i] = b
	}

	checksum := sha256.Sum256(entropy)
	wantChecksum := checksum[0] >> (8 - ChecksumBits)

	var gotChecksum byte
	for j := 0; j < ChecksumBits; j++ {
		gotChecksum = gotChecksum<<1 | bits[EntropyBits+j]
	}
	if wantChecksum != gotChecksum {
		return nil, fmt.Errorf("mnemonic checksum mismatch")
	}
	return entropy, nil
}

// seedFromMnemonic stretches a mnemonic phrase into a 64-byte seed via
// PBKDF2-HMAC-SHA512, per spec.md §4.1.
func seedFromMnemonic(phrase string) []byte {
	return pbkdf2.Key([]byte(phrase), []byte(pbkdf2Salt), pbkdf2Iterations, seedSize, sha512New)
}

// scalarFromSeed reduces a seed into a valid P-256 private scalar in
// [1, N-1]. If the reduction yields zero, it retries by rehashing the
// seed with HMAC-SHA512, per spec.md §4.1's failure-handling clause.
func scalarFromSeed(seed []byte, curveOrder *big.Int) *big.Int {
	nMinusOne := new(big.Int).Sub(curveOrder, big.NewInt(1))
	current := seed
	for {
		n := new(big.Int).SetBytes(current)
		n.Mod(n, nMinusOne)
		n.Add(n, big.NewInt(1))
		if n.Sign() != 0 {
			return n
		}
		current = hmacSHA512(current, []byte("retry"))
	}
}
