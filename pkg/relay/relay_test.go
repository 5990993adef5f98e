package relay

import (
	"bytes"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

func startTestServer(t *testing.T) *Server {
	t.Helper()
	s := NewServer("127.0.0.1:0", nil)
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() { s.Stop() })
	return s
}

func attachTestClient(t *testing.T, addr string) (*Client, *crypto.KeyPair) {
	t.Helper()
	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	c, err := Dial(addr, kp, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c, kp
}

// TestRelayPairingAndDataTransfer exercises S6 (spec.md §8): two
// clients attach, A requests pairing with B, both receive ACCEPT, and
// a 1 MiB payload sent from A arrives byte-identical at B.
func TestRelayPairingAndDataTransfer(t *testing.T) {
	s := startTestServer(t)
	addr := s.Addr().String()

	clientA, _ := attachTestClient(t, addr)
	clientB, kpB := attachTestClient(t, addr)

	derB, err := kpB.PublicKeyDER()
	if err != nil {
		t.Fatalf("PublicKeyDER: %v", err)
	}
	fpB := crypto.Fingerprint(derB)

	if err := clientA.RequestPeer(fpB, 3*time.Second); err != nil {
		t.Fatalf("RequestPeer: %v", err)
	}

	payload := make([]byte, 1024*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	const chunkSize = 32 * 1024
	sendDone := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += chunkSize {
			end := off + chunkSize
			if end > len(payload) {
				end = len(payload)
			}
			if err := clientA.Send(payload[off:end]); err != nil {
				sendDone <- err
				return
			}
		}
		sendDone <- nil
	}()

	received := make([]byte, 0, len(payload))
	deadline := time.Now().Add(10 * time.Second)
	for len(received) < len(payload) {
		if time.Now().After(deadline) {
			t.Fatalf("timed out after receiving %d/%d bytes", len(received), len(payload))
		}
		chunk, err := clientB.Recv()
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		received = append(received, chunk...)
	}

	if err := <-sendDone; err != nil {
		t.Fatalf("Send: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("received payload does not match sent payload")
	}
}

// TestRelayRejectsUnattachedTarget exercises the REJECT path when the
// requested fingerprint is not currently attached.
func TestRelayRejectsUnattachedTarget(t *testing.T) {
	s := startTestServer(t)
	addr := s.Addr().String()

	clientA, _ := attachTestClient(t, addr)

	bogusFP := make([]byte, 32)
	if _, err := rand.Read(bogusFP); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	err := clientA.RequestPeer(bogusFP, 2*time.Second)
	if err == nil {
		t.Fatal("expected RequestPeer to fail for an unattached target")
	}
}
