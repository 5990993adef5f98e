package crypto

import (
	"bytes"
	"testing"
)

func TestKeyPairSignVerify(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	der, err := kp.PublicKeyDER()
	if err != nil {
		t.Fatalf("PublicKeyDER: %v", err)
	}

	msg := []byte("peer-announcement-bytes")
	sig, err := kp.Sign(msg)
	if err != nil {
		t.Fatalf("Sign: %v", err)
	}
	if !Verify(der, msg, sig) {
		t.Fatal("expected signature to verify")
	}

	// Flip a byte and expect verification to fail.
	flipped := append([]byte(nil), msg...)
	flipped[0] ^= 0xFF
	if Verify(der, flipped, sig) {
		t.Fatal("expected signature verification to fail on tampered message")
	}
}

func TestFingerprintMatchesPublicKey(t *testing.T) {
	kp, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	der, _ := kp.PublicKeyDER()
	fp := Fingerprint(der)
	if len(fp) != SHA256Size {
		t.Fatalf("expected fingerprint of %d bytes, got %d", SHA256Size, len(fp))
	}
	if !bytes.Equal(fp, SHA256Hash(der)) {
		t.Fatal("fingerprint must equal SHA-256(DER(publicKey))")
	}
}

func TestECDHAgreement(t *testing.T) {
	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A: %v", err)
	}
	b, err := GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair B: %v", err)
	}

	secretA, err := ECDH(a.Private, &b.Private.PublicKey)
	if err != nil {
		t.Fatalf("ECDH A->B: %v", err)
	}
	secretB, err := ECDH(b.Private, &a.Private.PublicKey)
	if err != nil {
		t.Fatalf("ECDH B->A: %v", err)
	}
	if !bytes.Equal(secretA, secretB) {
		t.Fatal("ECDH shared secrets must match from both sides")
	}
}

func TestHKDFExpandDeterministic(t *testing.T) {
	ikm := []byte("shared-secret-material")
	salt := []byte("ANONET_SESSION_V1")
	info := []byte("ANONET_ENC_KEY")

	k1, err := HKDFExpand(salt, ikm, info, 32)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	k2, err := HKDFExpand(salt, ikm, info, 32)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	if !bytes.Equal(k1, k2) {
		t.Fatal("HKDF expansion must be deterministic for identical inputs")
	}

	k3, err := HKDFExpand(salt, ikm, []byte("ANONET_NONCE_BASE"), 12)
	if err != nil {
		t.Fatalf("HKDFExpand: %v", err)
	}
	if bytes.Equal(k1[:12], k3) {
		t.Fatal("different info strings must yield different key material")
	}
}

func TestSealOpenGCMRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x42}, AES256KeySize)
	nonce := bytes.Repeat([]byte{0x01}, GCMNonceSize)
	plaintext := []byte("file transfer payload")

	ct, err := SealGCM(key, nonce, plaintext, nil)
	if err != nil {
		t.Fatalf("SealGCM: %v", err)
	}
	pt, err := OpenGCM(key, nonce, ct, nil)
	if err != nil {
		t.Fatalf("OpenGCM: %v", err)
	}
	if !bytes.Equal(pt, plaintext) {
		t.Fatal("decrypted plaintext does not match original")
	}

	ct[0] ^= 0xFF
	if _, err := OpenGCM(key, nonce, ct, nil); err == nil {
		t.Fatal("expected AEAD authentication failure on tampered ciphertext")
	}
}
