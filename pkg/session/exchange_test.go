package session

import (
	"bytes"
	"sync"
	"testing"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

// pipeTransport is an in-memory RecordTransport backed by a pair of
// buffered channels, letting both sides of PerformHandshake run
// concurrently in one test process without any real socket.
type pipeTransport struct {
	out chan<- []byte
	in  <-chan []byte
}

func newPipeTransportPair() (*pipeTransport, *pipeTransport) {
	a := make(chan []byte, 4)
	b := make(chan []byte, 4)
	return &pipeTransport{out: a, in: b}, &pipeTransport{out: b, in: a}
}

func (p *pipeTransport) WriteRecord(record []byte) error {
	cp := append([]byte(nil), record...)
	p.out <- cp
	return nil
}

func (p *pipeTransport) ReadRecord() ([]byte, error) {
	return <-p.in, nil
}

func TestPerformHandshakeExchangesPeerIdentity(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)
	derA, err := idA.PublicKeyDER()
	if err != nil {
		t.Fatalf("idA.PublicKeyDER: %v", err)
	}
	derB, err := idB.PublicKeyDER()
	if err != nil {
		t.Fatalf("idB.PublicKeyDER: %v", err)
	}
	fpA := crypto.Fingerprint(derA)
	fpB := crypto.Fingerprint(derB)

	transportA, transportB := newPipeTransportPair()

	var wg sync.WaitGroup
	wg.Add(2)

	var channelA, channelB *SecureChannel
	var peerA, peerB *PeerIdentity
	var errA, errB error

	go func() {
		defer wg.Done()
		channelA, peerA, errA = PerformHandshake(transportA, idA, fpB, true)
	}()
	go func() {
		defer wg.Done()
		channelB, peerB, errB = PerformHandshake(transportB, idB, nil, false)
	}()
	wg.Wait()

	if errA != nil {
		t.Fatalf("initiator handshake: %v", errA)
	}
	if errB != nil {
		t.Fatalf("responder handshake: %v", errB)
	}

	if !bytes.Equal(peerA.Fingerprint, fpB) {
		t.Fatalf("initiator learned wrong peer fingerprint: got %x, want %x", peerA.Fingerprint, fpB)
	}
	if !bytes.Equal(peerB.Fingerprint, fpA) {
		t.Fatalf("responder learned wrong peer fingerprint: got %x, want %x", peerB.Fingerprint, fpA)
	}
	if !bytes.Equal(peerA.PublicKeyDER, derB) {
		t.Fatal("initiator's learned public key does not match responder's")
	}

	record, err := channelA.Encrypt([]byte("hello"))
	if err != nil {
		t.Fatalf("Encrypt: %v", err)
	}
	plaintext, err := channelB.Decrypt(record)
	if err != nil {
		t.Fatalf("Decrypt: %v", err)
	}
	if string(plaintext) != "hello" {
		t.Fatalf("expected 'hello', got %q", plaintext)
	}
}

func TestPerformHandshakeRejectsWrongExpectedFingerprint(t *testing.T) {
	idA := newIdentity(t)
	idB := newIdentity(t)

	transportA, transportB := newPipeTransportPair()
	wrongFingerprint := bytes.Repeat([]byte{0xAA}, 32)

	var wg sync.WaitGroup
	wg.Add(2)

	var errA, errB error
	go func() {
		defer wg.Done()
		_, _, errA = PerformHandshake(transportA, idA, wrongFingerprint, true)
	}()
	go func() {
		defer wg.Done()
		_, _, errB = PerformHandshake(transportB, idB, nil, false)
	}()
	wg.Wait()

	if errA == nil {
		t.Fatal("expected initiator handshake to reject the wrong expected fingerprint")
	}
}
