package session

import (
	"encoding/binary"

	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/security"
)

// SessionKeys holds the symmetric material for one AEAD channel: a
// 32-byte AES-256 key and a 12-byte nonce base. Immutable after
// construction; Destroy zeroes both.
type SessionKeys struct {
	key       []byte
	nonceBase []byte
}

func newSessionKeys(key, nonceBase []byte) *SessionKeys {
	return &SessionKeys{key: key, nonceBase: nonceBase}
}

// ComputeNonce returns nonce_base XOR big-endian seq in the low 8
// bytes, per spec.md §3.
func (k *SessionKeys) ComputeNonce(seq uint64) []byte {
	nonce := make([]byte, len(k.nonceBase))
	copy(nonce, k.nonceBase)

	var seqBytes [8]byte
	binary.BigEndian.PutUint64(seqBytes[:], seq)

	offset := len(nonce) - 8
	for i := 0; i < 8; i++ {
		nonce[offset+i] ^= seqBytes[i]
	}
	return nonce
}

// Key returns the raw 32-byte AES-256 key. Callers must not retain or
// mutate the returned slice beyond the channel's lifetime.
func (k *SessionKeys) Key() []byte {
	return k.key
}

// Destroy zeroes the key and nonce base in place, per spec.md §3 and
// §5 ("SessionKeys are destroyed (memory zeroed) on channel close").
func (k *SessionKeys) Destroy() {
	security.SecureZero(k.key)
	security.SecureZero(k.nonceBase)
}

// seal and open are thin wrappers so SecureChannel does not reach
// into pkg/crypto directly, keeping the AEAD call sites in one place.
func (k *SessionKeys) seal(seq uint64, plaintext []byte) []byte {
	nonce := k.ComputeNonce(seq)
	ct, err := crypto.SealGCM(k.key, nonce, plaintext, nil)
	if err != nil {
		// SealGCM only fails on malformed key/nonce sizes, which this
		// type guarantees internally; a failure here is a programming
		// error, not a runtime condition callers can recover from.
		panic(err)
	}
	return ct
}

func (k *SessionKeys) open(seq uint64, ciphertext []byte) ([]byte, error) {
	nonce := k.ComputeNonce(seq)
	return crypto.OpenGCM(k.key, nonce, ciphertext, nil)
}
