package filetransfer

import (
	"bytes"
	"crypto/rand"
	"os"
	"path/filepath"
	"testing"

	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/session"
)

// pipeTransport is an in-memory RecordTransport pairing, used to drive
// a Transfer's sender and receiver within a single test process.
type pipeTransport struct {
	out chan []byte
	in  chan []byte
}

func newPipePair() (*pipeTransport, *pipeTransport) {
	a := make(chan []byte, 64)
	b := make(chan []byte, 64)
	return &pipeTransport{out: a, in: b}, &pipeTransport{out: b, in: a}
}

func (p *pipeTransport) WriteRecord(record []byte) error {
	p.out <- append([]byte(nil), record...)
	return nil
}

func (p *pipeTransport) ReadRecord() ([]byte, error) {
	return <-p.in, nil
}

func negotiateChannels(t *testing.T) (*session.SecureChannel, *session.SecureChannel) {
	t.Helper()
	idA, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair A: %v", err)
	}
	idB, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair B: %v", err)
	}

	msgA, ephA, err := session.BuildSignedEphemeralKey(idA)
	if err != nil {
		t.Fatalf("BuildSignedEphemeralKey A: %v", err)
	}
	msgB, ephB, err := session.BuildSignedEphemeralKey(idB)
	if err != nil {
		t.Fatalf("BuildSignedEphemeralKey B: %v", err)
	}

	idADER, _ := idA.PublicKeyDER()
	idBDER, _ := idB.PublicKeyDER()

	keysA, err := session.DeriveSessionKeys(ephA, idADER, msgB)
	if err != nil {
		t.Fatalf("DeriveSessionKeys A: %v", err)
	}
	keysB, err := session.DeriveSessionKeys(ephB, idBDER, msgA)
	if err != nil {
		t.Fatalf("DeriveSessionKeys B: %v", err)
	}
	return session.NewSecureChannel(keysA), session.NewSecureChannel(keysB)
}

// TestFileTransferRoundTrip builds a small file, sends it over a pair
// of in-memory RecordTransports driven by independent sender/receiver
// SecureChannels, and checks the received file is byte-identical.
func TestFileTransferRoundTrip(t *testing.T) {
	chanSend, chanRecv := negotiateChannels(t)
	transportSend, transportRecv := newPipePair()

	srcDir := t.TempDir()
	dstDir := t.TempDir()

	payload := make([]byte, ChunkSize*3+17)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}
	srcPath := filepath.Join(srcDir, "payload.bin")
	if err := os.WriteFile(srcPath, payload, 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	sender := New(chanSend, transportSend, nil)
	receiver := New(chanRecv, transportRecv, nil)

	recvDone := make(chan error, 1)
	var dstPath string
	go func() {
		p, err := receiver.ReceiveFile(dstDir)
		dstPath = p
		recvDone <- err
	}()

	if err := sender.SendFile(srcPath); err != nil {
		t.Fatalf("SendFile: %v", err)
	}
	if err := <-recvDone; err != nil {
		t.Fatalf("ReceiveFile: %v", err)
	}

	got, err := os.ReadFile(dstPath)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatal("received file does not match sent file")
	}
	if sender.State() != StateComplete {
		t.Fatalf("expected sender state COMPLETE, got %s", sender.State())
	}
	if receiver.State() != StateComplete {
		t.Fatalf("expected receiver state COMPLETE, got %s", receiver.State())
	}
}

// TestFileTransferRejectsCorruptedHash confirms the receiver refuses
// COMPLETE when the computed hash doesn't match the declared one.
func TestFileTransferRejectsCorruptedHash(t *testing.T) {
	chanSend, chanRecv := negotiateChannels(t)
	transportSend, transportRecv := newPipePair()
	dstDir := t.TempDir()

	sender := New(chanSend, transportSend, nil)
	receiver := New(chanRecv, transportRecv, nil)

	recvDone := make(chan error, 1)
	go func() {
		_, err := receiver.ReceiveFile(dstDir)
		recvDone <- err
	}()

	if err := sender.send(Message{Type: MessageMetadata, Filename: "x.bin", Size: 4}); err != nil {
		t.Fatalf("send METADATA: %v", err)
	}
	if err := sender.send(Message{Type: MessageChunk, ChunkIndex: 0, Bytes: []byte{1, 2, 3, 4}}); err != nil {
		t.Fatalf("send CHUNK: %v", err)
	}
	if err := sender.send(Message{Type: MessageComplete, SHA256Hex: "0000000000000000000000000000000000000000000000000000000000000000"}); err != nil {
		t.Fatalf("send COMPLETE: %v", err)
	}

	if err := <-recvDone; err == nil {
		t.Fatal("expected ReceiveFile to reject a mismatched hash")
	}
}
