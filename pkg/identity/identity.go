package identity

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/hex"
	"fmt"
	"hash"
	"strings"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

// DiscriminatorLen is the number of hex characters in a discriminator
// (first 4 bytes of the fingerprint), per spec.md §3.
const DiscriminatorLen = 8

// Identity is a node's long-term cryptographic identity: a P-256
// keypair deterministically derived from a mnemonic, plus its
// fingerprint and discriminator. Created at first launch and never
// rotated for a given mnemonic.
type Identity struct {
	Mnemonic      string
	KeyPair       *crypto.KeyPair
	PublicKeyDER  []byte
	Fingerprint   []byte // 32 bytes, SHA-256(PublicKeyDER)
	Discriminator string // first 8 hex chars of Fingerprint, uppercase
}

// Derive builds an Identity deterministically from a mnemonic phrase:
// two calls with the same mnemonic always yield byte-equal public keys
// and fingerprints (spec.md §8, testable property).
func Derive(mnemonic string) (*Identity, error) {
	if err := ValidateMnemonic(mnemonic); err != nil {
		return nil, fmt.Errorf("invalid mnemonic: %w", err)
	}

	seed := seedFromMnemonic(mnemonic)
	curveOrder := curveP256Order()
	scalar := scalarFromSeed(seed, curveOrder)

	keyPair, err := crypto.KeyPairFromScalar(scalar)
	if err != nil {
		return nil, fmt.Errorf("failed to derive keypair from scalar: %w", err)
	}

	der, err := keyPair.PublicKeyDER()
	if err != nil {
		return nil, fmt.Errorf("failed to marshal derived public key: %w", err)
	}
	fp := crypto.Fingerprint(der)

	return &Identity{
		Mnemonic:      mnemonic,
		KeyPair:       keyPair,
		PublicKeyDER:  der,
		Fingerprint:   fp,
		Discriminator: strings.ToUpper(hex.EncodeToString(fp[:DiscriminatorLen/2])),
	}, nil
}

// New generates a fresh random mnemonic and derives an Identity from
// it, for first-launch setup.
func New() (*Identity, error) {
	mnemonic, err := GenerateMnemonic()
	if err != nil {
		return nil, fmt.Errorf("failed to generate mnemonic: %w", err)
	}
	return Derive(mnemonic)
}

// FingerprintHex returns the uppercase hex encoding of the fingerprint.
func (id *Identity) FingerprintHex() string {
	return strings.ToUpper(hex.EncodeToString(id.Fingerprint))
}

// Username formats a display name as "name#DISCRIMINATOR", per
// spec.md §3.
func (id *Identity) Username(name string) string {
	return fmt.Sprintf("%s#%s", name, id.Discriminator)
}

// ParseUsername splits a "name#DISCRIMINATOR" string into its parts.
func ParseUsername(username string) (name, discriminator string, err error) {
	idx := strings.LastIndex(username, "#")
	if idx < 0 || idx == len(username)-1 {
		return "", "", fmt.Errorf("username %q is missing a discriminator", username)
	}
	return username[:idx], username[idx+1:], nil
}

func sha512New() hash.Hash {
	return sha512.New()
}

func hmacSHA512(key, data []byte) []byte {
	mac := hmac.New(sha512.New, key)
	mac.Write(data)
	return mac.Sum(nil)
}
