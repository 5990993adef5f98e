package filetransfer

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/opd-ai/go-tor/pkg/session"
)

// State is a Transfer's life-cycle state.
type State int

const (
	StateIdle State = iota
	StateInProgress
	StateComplete
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "IDLE"
	case StateInProgress:
		return "IN_PROGRESS"
	case StateComplete:
		return "COMPLETE"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// RecordTransport carries opaque, already-framed records between two
// endpoints of a SecureChannel. A rudp.Conn or relay.Client (paired
// with a small length-prefix wrapper) satisfies it.
type RecordTransport interface {
	WriteRecord(record []byte) error
	ReadRecord() ([]byte, error)
}

// Transfer drives one direction of a single file transfer over a
// SecureChannel, per spec.md §4.6.
type Transfer struct {
	channel   *session.SecureChannel
	transport RecordTransport
	log       *logger.Logger

	mu    sync.Mutex
	state State

	metrics *metrics.Registry
}

// New wraps a SecureChannel and RecordTransport for a single transfer.
func New(channel *session.SecureChannel, transport RecordTransport, log *logger.Logger) *Transfer {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Transfer{
		channel:   channel,
		transport: transport,
		log:       log.Component("filetransfer"),
		state:     StateIdle,
	}
}

// SetMetrics attaches a metrics registry the Transfer reports active
// count, byte totals, and failures to. Optional; a nil registry (the
// default) disables reporting.
func (t *Transfer) SetMetrics(m *metrics.Registry) { t.metrics = m }

func (t *Transfer) setState(s State) {
	t.mu.Lock()
	prev := t.state
	t.state = s
	t.mu.Unlock()

	if t.metrics == nil || prev == s {
		return
	}
	if s == StateInProgress {
		t.metrics.TransfersActive.Inc()
		return
	}
	if prev == StateInProgress && (s == StateComplete || s == StateFailed) {
		t.metrics.TransfersActive.Dec()
		if s == StateFailed {
			t.metrics.TransferFailures.Inc()
		}
	}
}

// State returns the transfer's current life-cycle state.
func (t *Transfer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Transfer) send(m Message) error {
	plaintext, err := Encode(m)
	if err != nil {
		return err
	}
	record, err := t.channel.Encrypt(plaintext)
	if err != nil {
		return fmt.Errorf("filetransfer: failed to seal %s: %w", m.Type, err)
	}
	return t.transport.WriteRecord(record)
}

func (t *Transfer) recv() (Message, error) {
	record, err := t.transport.ReadRecord()
	if err != nil {
		return Message{}, err
	}
	plaintext, err := t.channel.Decrypt(record)
	if err != nil {
		return Message{}, anonetErrors.CryptoError("filetransfer: failed to open record", err)
	}
	return Decode(plaintext)
}

// SendFile streams path as METADATA followed by ChunkSize-nominal
// CHUNK messages and a trailing COMPLETE carrying the SHA-256 hex
// digest, then waits for the receiver's ACK.
func (t *Transfer) SendFile(path string) error {
	t.setState(StateInProgress)

	f, err := os.Open(path)
	if err != nil {
		t.setState(StateFailed)
		return fmt.Errorf("filetransfer: failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		t.setState(StateFailed)
		return fmt.Errorf("filetransfer: failed to stat %s: %w", path, err)
	}

	if err := t.send(Message{Type: MessageMetadata, Filename: filepath.Base(path), Size: uint64(info.Size())}); err != nil {
		t.setState(StateFailed)
		return err
	}

	hash := sha256.New()
	buf := make([]byte, ChunkSize)
	var index uint32
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			if err := t.send(Message{Type: MessageChunk, ChunkIndex: index, Bytes: append([]byte(nil), buf[:n]...)}); err != nil {
				t.setState(StateFailed)
				return err
			}
			if t.metrics != nil {
				t.metrics.TransferBytes.Add(float64(n))
			}
			index++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			t.setState(StateFailed)
			return fmt.Errorf("filetransfer: failed to read %s: %w", path, readErr)
		}
	}

	if err := t.send(Message{Type: MessageComplete, SHA256Hex: hex.EncodeToString(hash.Sum(nil))}); err != nil {
		t.setState(StateFailed)
		return err
	}

	reply, err := t.recv()
	if err != nil {
		t.setState(StateFailed)
		return err
	}
	switch reply.Type {
	case MessageAck:
		t.setState(StateComplete)
		t.log.Info("file sent", "path", path, "chunks", index)
		return nil
	case MessageError:
		t.setState(StateFailed)
		return anonetErrors.ProtocolError("filetransfer: receiver reported error: "+reply.ErrorText, nil)
	default:
		t.setState(StateFailed)
		return anonetErrors.ProtocolError("filetransfer: unexpected reply "+reply.Type.String(), nil)
	}
}

// ReceiveFile waits for METADATA, pre-allocates the destination file
// under destDir at its declared size, writes each CHUNK at
// chunkIndex*ChunkSize, and accepts COMPLETE only when the computed
// SHA-256 equals the sender's declared hash. It returns the path
// written.
func (t *Transfer) ReceiveFile(destDir string) (string, error) {
	t.setState(StateInProgress)

	meta, err := t.recv()
	if err != nil {
		t.setState(StateFailed)
		return "", err
	}
	if meta.Type != MessageMetadata {
		t.setState(StateFailed)
		return "", anonetErrors.ProtocolError("filetransfer: expected METADATA, got "+meta.Type.String(), nil)
	}

	destPath := filepath.Join(destDir, filepath.Base(meta.Filename))
	out, err := os.Create(destPath)
	if err != nil {
		t.setState(StateFailed)
		return "", fmt.Errorf("filetransfer: failed to create %s: %w", destPath, err)
	}
	defer out.Close()
	if err := out.Truncate(int64(meta.Size)); err != nil {
		t.setState(StateFailed)
		return "", fmt.Errorf("filetransfer: failed to pre-allocate %s: %w", destPath, err)
	}

	hash := sha256.New()
	var written uint64
	for {
		m, err := t.recv()
		if err != nil {
			t.setState(StateFailed)
			return "", err
		}
		switch m.Type {
		case MessageChunk:
			offset := int64(m.ChunkIndex) * ChunkSize
			if _, err := out.WriteAt(m.Bytes, offset); err != nil {
				t.setState(StateFailed)
				return "", fmt.Errorf("filetransfer: failed to write chunk %d: %w", m.ChunkIndex, err)
			}
			hash.Write(m.Bytes)
			written += uint64(len(m.Bytes))
			if t.metrics != nil {
				t.metrics.TransferBytes.Add(float64(len(m.Bytes)))
			}
		case MessageComplete:
			computed := hex.EncodeToString(hash.Sum(nil))
			if computed != m.SHA256Hex {
				t.setState(StateFailed)
				_ = t.send(Message{Type: MessageError, ErrorText: "sha256 mismatch"})
				return "", anonetErrors.ProtocolError("filetransfer: sha256 mismatch: expected "+m.SHA256Hex+", got "+computed, nil)
			}
			if err := t.send(Message{Type: MessageAck}); err != nil {
				t.setState(StateFailed)
				return "", err
			}
			t.setState(StateComplete)
			t.log.Info("file received", "path", destPath, "bytes", written)
			return destPath, nil
		default:
			t.setState(StateFailed)
			return "", anonetErrors.ProtocolError("filetransfer: unexpected message "+m.Type.String(), nil)
		}
	}
}
