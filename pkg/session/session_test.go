package session

import (
	"bytes"
	"testing"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

func newIdentity(t *testing.T) *crypto.KeyPair {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	return kp
}

// negotiate runs the full 1-RTT handshake between two identities and
// returns each side's derived SessionKeys.
func negotiate(t *testing.T) (*SessionKeys, *SessionKeys) {
	t.Helper()
	idA := newIdentity(t)
	idB := newIdentity(t)

	msgA, ephA, err := BuildSignedEphemeralKey(idA)
	if err != nil {
		t.Fatalf("BuildSignedEphemeralKey A: %v", err)
	}
	msgB, ephB, err := BuildSignedEphemeralKey(idB)
	if err != nil {
		t.Fatalf("BuildSignedEphemeralKey B: %v", err)
	}

	if err := msgB.Verify(nil); err != nil {
		t.Fatalf("A verifying B: %v", err)
	}
	if err := msgA.Verify(nil); err != nil {
		t.Fatalf("B verifying A: %v", err)
	}

	idADER, _ := idA.PublicKeyDER()
	idBDER, _ := idB.PublicKeyDER()

	keysA, err := DeriveSessionKeys(ephA, idADER, msgB)
	if err != nil {
		t.Fatalf("DeriveSessionKeys A: %v", err)
	}
	keysB, err := DeriveSessionKeys(ephB, idBDER, msgA)
	if err != nil {
		t.Fatalf("DeriveSessionKeys B: %v", err)
	}
	return keysA, keysB
}

func TestHandshakeProducesSymmetricNonces(t *testing.T) {
	keysA, keysB := negotiate(t)
	for n := uint64(0); n < 8; n++ {
		if !bytes.Equal(keysA.ComputeNonce(n), keysB.ComputeNonce(n)) {
			t.Fatalf("nonce mismatch at seq %d", n)
		}
	}
	if !bytes.Equal(keysA.Key(), keysB.Key()) {
		t.Fatal("both sides must derive the same session key")
	}
}

func TestHandshakeRejectsFingerprintMismatch(t *testing.T) {
	idA := newIdentity(t)
	msgA, _, err := BuildSignedEphemeralKey(idA)
	if err != nil {
		t.Fatalf("BuildSignedEphemeralKey: %v", err)
	}
	wrongFingerprint := bytes.Repeat([]byte{0xAA}, 32)
	if err := msgA.Verify(wrongFingerprint); err == nil {
		t.Fatal("expected fingerprint mismatch to fail verification")
	}
}

// TestChannelReplayRejected exercises S4 (spec.md §8): a second
// decrypt of the same EncryptedRecord returns ERR_CRYPTO and leaves
// the receive counter unadvanced.
func TestChannelReplayRejected(t *testing.T) {
	keysA, keysB := negotiate(t)
	chanA := NewSecureChannel(keysA)
	chanB := NewSecureChannel(keysB)

	record, err := chanA.Encrypt([]byte("x"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}

	pt, err := chanB.Decrypt(record)
	if err != nil {
		t.Fatalf("first Decrypt: %v", err)
	}
	if string(pt) != "x" {
		t.Fatalf("expected plaintext 'x', got %q", pt)
	}

	if _, err := chanB.Decrypt(record); err == nil {
		t.Fatal("expected replayed record to be rejected")
	}
}

func TestChannelRejectsTooFarAhead(t *testing.T) {
	keysA, keysB := negotiate(t)
	chanA := NewSecureChannel(keysA)
	chanB := NewSecureChannel(keysB)

	var last []byte
	for i := 0; i < MaxSeqSkew+2; i++ {
		rec, err := chanA.Encrypt([]byte("y"))
		if err != nil {
			t.Fatalf("Encrypt: %v", err)
		}
		last = rec
	}
	if _, err := chanB.Decrypt(last); err == nil {
		t.Fatal("expected out-of-window record to be rejected")
	}
}
