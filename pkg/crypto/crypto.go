// Package crypto provides the cryptographic primitives for the anonet
// core: P-256 keypairs, ECDSA signatures, ECDH key agreement,
// HKDF-SHA256 key derivation, AES-256-GCM AEAD, and SHA-256
// fingerprinting.
//
// Security considerations:
// - All random number generation uses crypto/rand (CSPRNG)
// - Sensitive key material should be zeroed after use (see
//   pkg/security.SecureZero)
// - Fingerprint and tag comparisons use constant-time operations (see
//   pkg/security.ConstantTimeCompare)
package crypto

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/sha256"
	"crypto/x509"
	"fmt"
	"io"
	"math/big"

	"golang.org/x/crypto/hkdf"
)

// Key and digest sizes used throughout the core.
const (
	// AES256KeySize is the size of an AES-256 key in bytes.
	AES256KeySize = 32
	// GCMNonceSize is the size of an AES-GCM nonce in bytes.
	GCMNonceSize = 12
	// SHA256Size is the size of a SHA-256 digest in bytes.
	SHA256Size = 32
)

// GenerateRandomBytes returns n cryptographically random bytes.
func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("failed to generate random bytes: %w", err)
	}
	return b, nil
}

// SHA256Hash computes the SHA-256 hash of data.
func SHA256Hash(data []byte) []byte {
	h := sha256.Sum256(data)
	return h[:]
}

// KeyPair is a P-256 elliptic-curve keypair. Used both for long-term
// identity keys and for per-session/per-hop ephemeral keys.
type KeyPair struct {
	Private *ecdsa.PrivateKey
}

// GenerateKeyPair creates a new random P-256 keypair, used for
// ephemeral keys (session and onion-hop ECDH).
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("failed to generate P-256 keypair: %w", err)
	}
	return &KeyPair{Private: priv}, nil
}

// KeyPairFromScalar builds a deterministic P-256 keypair from a
// private scalar, used by pkg/identity to derive the long-term
// identity key from a mnemonic seed. The caller is responsible for
// ensuring scalar is reduced into [1, N-1].
func KeyPairFromScalar(scalar *big.Int) (*KeyPair, error) {
	curve := elliptic.P256()
	if scalar.Sign() <= 0 || scalar.Cmp(curve.Params().N) >= 0 {
		return nil, fmt.Errorf("scalar out of range")
	}
	priv := new(ecdsa.PrivateKey)
	priv.PublicKey.Curve = curve
	priv.D = scalar
	priv.PublicKey.X, priv.PublicKey.Y = curve.ScalarBaseMult(scalar.Bytes())
	return &KeyPair{Private: priv}, nil
}

// PublicKeyDER returns the DER (SubjectPublicKeyInfo) encoding of the
// public key, the canonical form used for fingerprinting,
// PeerAnnouncement serialization and the relay auth protocol.
func (k *KeyPair) PublicKeyDER() ([]byte, error) {
	der, err := x509.MarshalPKIXPublicKey(&k.Private.PublicKey)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal public key: %w", err)
	}
	return der, nil
}

// ParsePublicKeyDER parses a DER-encoded P-256 public key, as carried
// in a PeerAnnouncement or relay auth response.
func ParsePublicKeyDER(der []byte) (*ecdsa.PublicKey, error) {
	pub, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("failed to parse public key: %w", err)
	}
	ecdsaPub, ok := pub.(*ecdsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("public key is not P-256 ECDSA")
	}
	if ecdsaPub.Curve != elliptic.P256() {
		return nil, fmt.Errorf("public key is not on curve P-256")
	}
	return ecdsaPub, nil
}

// Fingerprint computes the 32-byte SHA-256 fingerprint of a DER-encoded
// public key, as specified in spec.md §3 (IdentityKey.Fingerprint).
func Fingerprint(publicKeyDER []byte) []byte {
	return SHA256Hash(publicKeyDER)
}

// Sign produces an ECDSA-SHA256 signature over message using the
// keypair's private key. Used for PeerAnnouncement signing and
// SignedEphemeralKey construction.
func (k *KeyPair) Sign(message []byte) ([]byte, error) {
	digest := sha256.Sum256(message)
	sig, err := ecdsa.SignASN1(rand.Reader, k.Private, digest[:])
	if err != nil {
		return nil, fmt.Errorf("ECDSA sign failed: %w", err)
	}
	return sig, nil
}

// Verify checks an ECDSA-SHA256 signature over message against a
// DER-encoded public key.
func Verify(publicKeyDER, message, signature []byte) bool {
	pub, err := ParsePublicKeyDER(publicKeyDER)
	if err != nil {
		return false
	}
	digest := sha256.Sum256(message)
	return ecdsa.VerifyASN1(pub, digest[:], signature)
}

// ECDH computes the Diffie-Hellman shared secret between a local P-256
// private key and a peer's P-256 public key. The result is the raw
// X-coordinate of the shared point, suitable only as HKDF input
// keying material — never used directly as a symmetric key.
func ECDH(priv *ecdsa.PrivateKey, peerPub *ecdsa.PublicKey) ([]byte, error) {
	localECDH, err := priv.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert private key to ECDH: %w", err)
	}
	peerECDH, err := peerPub.ECDH()
	if err != nil {
		return nil, fmt.Errorf("failed to convert peer public key to ECDH: %w", err)
	}
	secret, err := localECDH.ECDH(peerECDH)
	if err != nil {
		return nil, fmt.Errorf("ECDH agreement failed: %w", err)
	}
	return secret, nil
}

// ParsePublicECDH parses a DER-encoded public key directly into an
// *ecdh.PublicKey, a convenience used by callers that only need the
// ECDH half of the key (onion hop keys, session ephemerals).
func ParsePublicECDH(der []byte) (*ecdh.PublicKey, error) {
	pub, err := ParsePublicKeyDER(der)
	if err != nil {
		return nil, err
	}
	return pub.ECDH()
}

// HKDFExpand derives outLen bytes of key material from ikm using
// HKDF-SHA256 with the given salt and info, per spec.md §4.2 (session
// key / nonce-base derivation) and §4.8 (per-hop onion keys).
func HKDFExpand(salt, ikm, info []byte, outLen int) ([]byte, error) {
	reader := hkdf.New(sha256.New, ikm, salt, info)
	out := make([]byte, outLen)
	if _, err := io.ReadFull(reader, out); err != nil {
		return nil, fmt.Errorf("HKDF expand failed: %w", err)
	}
	return out, nil
}

// SealGCM encrypts plaintext with AES-256-GCM under key and nonce,
// optionally binding additionalData (not used by the session channel,
// but available to onion cell framing). Returns ciphertext||tag.
func SealGCM(key, nonce, plaintext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	return gcm.Seal(nil, nonce, plaintext, additionalData), nil
}

// OpenGCM decrypts and authenticates ciphertext||tag with AES-256-GCM
// under key and nonce. Returns ERR_CRYPTO-class errors on tag mismatch.
func OpenGCM(key, nonce, ciphertext, additionalData []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("failed to create AES cipher: %w", err)
	}
	gcm, err := cipher.NewGCMWithNonceSize(block, len(nonce))
	if err != nil {
		return nil, fmt.Errorf("failed to create GCM: %w", err)
	}
	plaintext, err := gcm.Open(nil, nonce, ciphertext, additionalData)
	if err != nil {
		return nil, fmt.Errorf("AEAD authentication failed: %w", err)
	}
	return plaintext, nil
}
