// Package session implements the signed ephemeral key exchange and
// the resulting AEAD-protected channel between two authenticated
// identities, per spec.md §4.2.
package session

import (
	"bytes"
	"fmt"

	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/security"
)

const (
	saltSession  = "ANONET_SESSION_V1"
	infoEncKey   = "ANONET_ENC_KEY"
	infoNonceBase = "ANONET_NONCE_BASE"
)

// SignedEphemeralKey is the single message exchanged by both sides of
// the 1-RTT handshake: an ephemeral public key signed by the sender's
// long-term identity key, plus that identity's own public key so the
// receiver can verify against an expected fingerprint.
type SignedEphemeralKey struct {
	EphemeralPublicDER []byte
	Signature          []byte
	IdentityPublicDER  []byte
}

// BuildSignedEphemeralKey generates a fresh ephemeral P-256 keypair
// and signs its DER-encoded public key with the caller's long-term
// identity key.
func BuildSignedEphemeralKey(identityKeyPair *crypto.KeyPair) (*SignedEphemeralKey, *crypto.KeyPair, error) {
	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to generate ephemeral keypair: %w", err)
	}
	ephemeralDER, err := ephemeral.PublicKeyDER()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal ephemeral public key: %w", err)
	}
	identityDER, err := identityKeyPair.PublicKeyDER()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to marshal identity public key: %w", err)
	}
	sig, err := identityKeyPair.Sign(ephemeralDER)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to sign ephemeral public key: %w", err)
	}
	return &SignedEphemeralKey{
		EphemeralPublicDER: ephemeralDER,
		Signature:          sig,
		IdentityPublicDER:  identityDER,
	}, ephemeral, nil
}

// Verify checks the embedded signature and, if expectedFingerprint is
// non-nil, that the carried identity public key hashes to it. A
// mismatch is an authentication failure (ERR_AUTH), per spec.md §4.2.
func (s *SignedEphemeralKey) Verify(expectedFingerprint []byte) error {
	if !crypto.Verify(s.IdentityPublicDER, s.EphemeralPublicDER, s.Signature) {
		return fmt.Errorf("ERR_AUTH: signature verification failed")
	}
	if expectedFingerprint != nil {
		fp := crypto.Fingerprint(s.IdentityPublicDER)
		if !security.ConstantTimeCompare(fp, expectedFingerprint) {
			return fmt.Errorf("ERR_AUTH: peer fingerprint mismatch")
		}
	}
	return nil
}

// DeriveSessionKeys completes the handshake: given the local ephemeral
// private key and the verified peer SignedEphemeralKey, computes the
// ECDH shared secret and derives the symmetric SessionKeys per
// spec.md §4.2. Z is zeroed before returning.
func DeriveSessionKeys(localEphemeral *crypto.KeyPair, localIdentityDER []byte, peer *SignedEphemeralKey) (*SessionKeys, error) {
	peerEphemeralPub, err := crypto.ParsePublicKeyDER(peer.EphemeralPublicDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer ephemeral key: %w", err)
	}
	z, err := crypto.ECDH(localEphemeral.Private, peerEphemeralPub)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement failed: %w", err)
	}
	defer security.SecureZero(z)

	combined := combinedIdentities(localIdentityDER, peer.IdentityPublicDER)

	key, err := crypto.HKDFExpand([]byte(saltSession), z, append([]byte(infoEncKey), combined...), crypto.AES256KeySize)
	if err != nil {
		return nil, fmt.Errorf("failed to derive session key: %w", err)
	}
	nonceBase, err := crypto.HKDFExpand([]byte(saltSession), z, append([]byte(infoNonceBase), combined...), crypto.GCMNonceSize)
	if err != nil {
		security.SecureZero(key)
		return nil, fmt.Errorf("failed to derive nonce base: %w", err)
	}

	return newSessionKeys(key, nonceBase), nil
}

// combinedIdentities implements spec.md §4.2's
// concat(min(pkA,pkB), max(pkA,pkB)) ordering, using byte-wise
// comparison of the DER-encoded public keys so both sides of the
// handshake compute identical HKDF info strings.
func combinedIdentities(a, b []byte) []byte {
	if bytes.Compare(a, b) <= 0 {
		return append(append([]byte{}, a...), b...)
	}
	return append(append([]byte{}, b...), a...)
}
