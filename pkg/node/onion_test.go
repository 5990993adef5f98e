package node

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"testing"

	"github.com/opd-ai/go-tor/pkg/crypto"
	"github.com/opd-ai/go-tor/pkg/filetransfer"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/onion"
	"github.com/opd-ai/go-tor/pkg/session"
)

func testLogger() *logger.Logger { return logger.NewDefault() }

// negotiateTestChannels runs the real signed-ephemeral-key handshake
// primitives between two fresh identities and returns a SecureChannel
// for each side, mirroring what node.dial's session.PerformHandshake
// call produces.
func negotiateTestChannels(t *testing.T) (*session.SecureChannel, *session.SecureChannel) {
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
	derA, _ := idA.PublicKeyDER()
	derB, _ := idB.PublicKeyDER()

	keysA, err := session.DeriveSessionKeys(ephA, derA, msgB)
	if err != nil {
		t.Fatalf("DeriveSessionKeys A: %v", err)
	}
	keysB, err := session.DeriveSessionKeys(ephB, derB, msgA)
	if err != nil {
		t.Fatalf("DeriveSessionKeys B: %v", err)
	}
	return session.NewSecureChannel(keysA), session.NewSecureChannel(keysB)
}

// recordingTransport collects every WriteRecord call in order, for
// assertions, and is not meant to be read from.
type recordingTransport struct {
	records [][]byte
}

func (t *recordingTransport) WriteRecord(record []byte) error {
	t.records = append(t.records, append([]byte(nil), record...))
	return nil
}

func (t *recordingTransport) ReadRecord() ([]byte, error) {
	return nil, io.EOF
}

func TestStreamFileAsRecordsRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	payload := bytes.Repeat([]byte("anonet"), 1000) // exceeds one ChunkSize
	hash := sha256.Sum256(payload)

	tmp := t.TempDir() + "/payload.bin"
	if err := os.WriteFile(tmp, payload, 0o600); err != nil {
		t.Fatalf("os.WriteFile: %v", err)
	}

	if err := streamFileAsRecords(tmp, &buf); err != nil {
		t.Fatalf("streamFileAsRecords: %v", err)
	}

	meta, err := readLengthPrefixed(&buf)
	if err != nil {
		t.Fatalf("readLengthPrefixed metadata: %v", err)
	}
	if meta.Type != filetransfer.MessageMetadata {
		t.Fatalf("expected METADATA, got %s", meta.Type)
	}
	if meta.Size != uint64(len(payload)) {
		t.Fatalf("expected size %d, got %d", len(payload), meta.Size)
	}

	var reassembled bytes.Buffer
	for {
		m, err := readLengthPrefixed(&buf)
		if err != nil {
			t.Fatalf("readLengthPrefixed: %v", err)
		}
		if m.Type == filetransfer.MessageComplete {
			if m.SHA256Hex != hex.EncodeToString(hash[:]) {
				t.Fatalf("hash mismatch: got %s, want %x", m.SHA256Hex, hash)
			}
			break
		}
		if m.Type != filetransfer.MessageChunk {
			t.Fatalf("unexpected message type %s", m.Type)
		}
		reassembled.Write(m.Bytes)
	}

	if !bytes.Equal(reassembled.Bytes(), payload) {
		t.Fatal("reassembled payload does not match original")
	}
}

func TestOnionStreamWriterFragmentsAndReassembles(t *testing.T) {
	guardID, _ := crypto.GenerateKeyPair()
	middleID, _ := crypto.GenerateKeyPair()
	exitID, _ := crypto.GenerateKeyPair()
	log := testLogger()

	pr, pw := io.Pipe()
	exit := onion.NewRelay(exitID, nil, func(_ string, plaintext []byte) {
		pw.Write(plaintext)
	}, log)
	middle := onion.NewRelay(middleID, exit, nil, log)
	guard := onion.NewRelay(guardID, middle, nil, log)

	circuit, err := onion.Build([onion.HopCount]*onion.Relay{guard, middle, exit}, log, nil)
	if err != nil {
		t.Fatalf("onion.Build: %v", err)
	}

	payload := bytes.Repeat([]byte{0x42}, onionCellCapacity*3+17) // spans multiple cells
	writer := &onionStreamWriter{circuit: circuit}

	done := make(chan []byte, 1)
	go func() {
		buf, _ := io.ReadAll(pr)
		done <- buf
	}()

	n, err := writer.Write(payload)
	if err != nil {
		t.Fatalf("Write: %v", err)
	}
	if n != len(payload) {
		t.Fatalf("expected %d bytes written, got %d", len(payload), n)
	}
	circuit.Destroy()
	pw.Close()

	got := <-done
	if !bytes.Equal(got, payload) {
		t.Fatal("reassembled circuit output does not match original payload")
	}
}

func TestForwardOnionStreamReseals(t *testing.T) {
	senderChannel, receiverChannel := negotiateTestChannels(t)

	var input bytes.Buffer
	if err := writeLengthPrefixed(&input, filetransfer.Message{
		Type:     filetransfer.MessageMetadata,
		Filename: "report.txt",
		Size:     5,
	}); err != nil {
		t.Fatalf("writeLengthPrefixed metadata: %v", err)
	}
	if err := writeLengthPrefixed(&input, filetransfer.Message{
		Type:       filetransfer.MessageChunk,
		ChunkIndex: 0,
		Bytes:      []byte("hello"),
	}); err != nil {
		t.Fatalf("writeLengthPrefixed chunk: %v", err)
	}
	if err := writeLengthPrefixed(&input, filetransfer.Message{
		Type:      filetransfer.MessageComplete,
		SHA256Hex: "deadbeef",
	}); err != nil {
		t.Fatalf("writeLengthPrefixed complete: %v", err)
	}

	transport := &recordingTransport{}
	if err := forwardOnionStream(&input, senderChannel, transport); err != nil {
		t.Fatalf("forwardOnionStream: %v", err)
	}

	if len(transport.records) != 3 {
		t.Fatalf("expected 3 forwarded records, got %d", len(transport.records))
	}

	wantTypes := []filetransfer.MessageType{
		filetransfer.MessageMetadata, filetransfer.MessageChunk, filetransfer.MessageComplete,
	}
	for i, record := range transport.records {
		plaintext, err := receiverChannel.Decrypt(record)
		if err != nil {
			t.Fatalf("record %d: Decrypt: %v", i, err)
		}
		m, err := filetransfer.Decode(plaintext)
		if err != nil {
			t.Fatalf("record %d: Decode: %v", i, err)
		}
		if m.Type != wantTypes[i] {
			t.Fatalf("record %d: expected type %s, got %s", i, wantTypes[i], m.Type)
		}
	}
}
