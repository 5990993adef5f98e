package onion

import (
	"bytes"
	"sync"
	"testing"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/crypto"
)

// TestThreeHopCircuitDelivery exercises S7 (spec.md §8): build a
// circuit across three in-process relays and confirm a small payload
// sent by the initiator arrives unmodified at the exit, having been
// peeled exactly once at every hop.
func TestThreeHopCircuitDelivery(t *testing.T) {
	guardID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	middleID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	exitID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}

	var mu sync.Mutex
	var delivered []byte
	done := make(chan struct{})

	exit := NewRelay(exitID, nil, func(circuitID string, plaintext []byte) {
		mu.Lock()
		delivered = append([]byte(nil), plaintext...)
		mu.Unlock()
		close(done)
	}, nil)
	middle := NewRelay(middleID, exit, nil, nil)
	guard := NewRelay(guardID, middle, nil, nil)

	relays := [HopCount]*Relay{guard, middle, exit}

	circuit, err := Build(relays, nil, nil)
	if err != nil {
		t.Fatalf("Build: %v", err)
	}
	if circuit.State() != StateOpen {
		t.Fatalf("expected circuit state OPEN, got %s", circuit.State())
	}

	payload := []byte{0x42, 0x17}
	if err := circuit.Send(payload); err != nil {
		t.Fatalf("Send: %v", err)
	}

	<-done
	mu.Lock()
	got := delivered
	mu.Unlock()
	if !bytes.Equal(got, payload) {
		t.Fatalf("exit received %v, want %v", got, payload)
	}

	circuit.Destroy()
	if circuit.State() != StateClosed {
		t.Fatalf("expected circuit state CLOSED after Destroy, got %s", circuit.State())
	}
}

// TestForwardRejectsUnknownCircuit confirms a relay that never saw a
// CREATE for circuitID rejects a Forward rather than guessing at key
// material.
func TestForwardRejectsUnknownCircuit(t *testing.T) {
	exitID, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	exit := NewRelay(exitID, nil, func(string, []byte) {}, nil)

	c, err := cell.New([]byte{0x01, 0x02, 0x03})
	if err != nil {
		t.Fatalf("cell.New: %v", err)
	}
	if err := exit.Forward("nonexistent-circuit", c); err == nil {
		t.Fatal("expected Forward to fail for an unknown circuit")
	}
}
