package node

import (
	"context"
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/filetransfer"
	"github.com/opd-ai/go-tor/pkg/onion"
	"github.com/opd-ai/go-tor/pkg/session"
)

// onionCellCapacity is the largest plaintext chunk that survives three
// nested AES-GCM layers inside one fixed cell body: BodyLen minus three
// nonce+tag overheads, per pkg/cell's 512-byte capacity.
const onionCellCapacity = cell.BodyLen - onion.HopCount*(crypto.GCMNonceSize+16)

// SendFileOnion resolves username, builds a fresh 3-hop in-process
// onion circuit (guard, middle, exit), and routes path's file-transfer
// messages through it before the exit re-seals each one as an
// ordinary SecureChannel record and hands it to the already-negotiated
// transport reaching username, per spec.md §4.8. The destination needs
// no onion awareness: it runs Recv/ReceiveFile exactly as it would for
// a direct Send.
//
// The circuit itself is one-way — Circuit.Send has no return path,
// since each hop only ever forwards toward the exit — so the METADATA/
// CHUNK/COMPLETE sequence travels onion-wrapped outbound, but the
// receiver's final ACK is read directly off the real transport,
// bypassing the circuit. This asymmetry is inherent to routing a
// reply through relays that only ever forward one direction; it does
// not weaken confidentiality of the data itself, which remains sealed
// under three AEAD layers plus the destination SecureChannel layer
// until the exit peels it.
func (n *Node) SendFileOnion(ctx context.Context, username, path string) error {
	channel, transport, closer, err := n.dial(ctx, username)
	if err != nil {
		return err
	}
	defer closer.Close()

	guardID, err := crypto.GenerateKeyPair()
	if err != nil {
		return anonetErrors.CryptoError("node: failed to generate guard identity", err)
	}
	middleID, err := crypto.GenerateKeyPair()
	if err != nil {
		return anonetErrors.CryptoError("node: failed to generate middle identity", err)
	}
	exitID, err := crypto.GenerateKeyPair()
	if err != nil {
		return anonetErrors.CryptoError("node: failed to generate exit identity", err)
	}

	pr, pw := io.Pipe()
	exit := onion.NewRelay(exitID, nil, func(_ string, plaintext []byte) {
		if _, werr := pw.Write(plaintext); werr != nil {
			n.log.Debug("onion exit: downstream write failed", "error", werr)
		}
	}, n.log)
	middle := onion.NewRelay(middleID, exit, nil, n.log)
	guard := onion.NewRelay(guardID, middle, nil, n.log)
	if m := n.metrics; m != nil {
		guard.SetMetrics(m)
		middle.SetMetrics(m)
		exit.SetMetrics(m)
	}

	circuit, err := onion.Build([onion.HopCount]*onion.Relay{guard, middle, exit}, n.log, n.metrics)
	if err != nil {
		pw.CloseWithError(err)
		return err
	}

	forwardDone := make(chan error, 1)
	go func() {
		forwardDone <- forwardOnionStream(pr, channel, transport)
	}()

	sendErr := streamFileAsRecords(path, &onionStreamWriter{circuit: circuit})
	circuit.Destroy()
	if sendErr != nil {
		pw.CloseWithError(sendErr)
		<-forwardDone
		return sendErr
	}
	pw.Close()

	if err := <-forwardDone; err != nil {
		return err
	}

	record, err := transport.ReadRecord()
	if err != nil {
		return err
	}
	plaintext, err := channel.Decrypt(record)
	if err != nil {
		return anonetErrors.CryptoError("node: failed to open onion transfer reply", err)
	}
	reply, err := filetransfer.Decode(plaintext)
	if err != nil {
		return anonetErrors.ProtocolError("node: malformed onion transfer reply", err)
	}
	switch reply.Type {
	case filetransfer.MessageAck:
		n.log.Info("onion transfer acknowledged", "username", username, "path", path)
		return nil
	case filetransfer.MessageError:
		return anonetErrors.ProtocolError("node: receiver reported error: "+reply.ErrorText, nil)
	default:
		return anonetErrors.ProtocolError("node: unexpected onion transfer reply "+reply.Type.String(), nil)
	}
}

// forwardOnionStream reads the length-prefixed filetransfer message
// sequence the onion exit reassembles from individual cells and
// re-seals each one as a real SecureChannel record on the
// destination's transport, completing the handoff from the circuit's
// plaintext interior to the conventional session layer.
func forwardOnionStream(r io.Reader, channel *session.SecureChannel, transport filetransfer.RecordTransport) error {
	for {
		m, err := readLengthPrefixed(r)
		if err != nil {
			return err
		}
		plaintext, err := filetransfer.Encode(m)
		if err != nil {
			return err
		}
		record, err := channel.Encrypt(plaintext)
		if err != nil {
			return anonetErrors.CryptoError("node: failed to seal forwarded record", err)
		}
		if err := transport.WriteRecord(record); err != nil {
			return anonetErrors.NetworkError("node: failed to forward onion record", err)
		}
		if m.Type == filetransfer.MessageComplete {
			return nil
		}
	}
}

// onionStreamWriter fragments arbitrary writes into onionCellCapacity-
// sized pieces and sends each through the circuit in order.
type onionStreamWriter struct {
	circuit *onion.Circuit
}

func (w *onionStreamWriter) Write(p []byte) (int, error) {
	total := 0
	for len(p) > 0 {
		n := len(p)
		if n > onionCellCapacity {
			n = onionCellCapacity
		}
		if err := w.circuit.Send(p[:n]); err != nil {
			return total, anonetErrors.NetworkError("node: failed to send onion cell", err)
		}
		p = p[n:]
		total += n
	}
	return total, nil
}

// streamFileAsRecords writes path as a length-prefixed METADATA,
// ChunkSize-nominal CHUNK, and trailing COMPLETE sequence directly to
// w, mirroring filetransfer.Transfer.SendFile's message sequence but
// without a SecureChannel — the exit re-seals each message for its
// real destination once reassembled.
func streamFileAsRecords(path string, w io.Writer) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("node: failed to open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("node: failed to stat %s: %w", path, err)
	}

	if err := writeLengthPrefixed(w, filetransfer.Message{
		Type:     filetransfer.MessageMetadata,
		Filename: filepath.Base(path),
		Size:     uint64(info.Size()),
	}); err != nil {
		return err
	}

	hash := sha256.New()
	buf := make([]byte, filetransfer.ChunkSize)
	var index uint32
	for {
		n, readErr := f.Read(buf)
		if n > 0 {
			hash.Write(buf[:n])
			if err := writeLengthPrefixed(w, filetransfer.Message{
				Type:       filetransfer.MessageChunk,
				ChunkIndex: index,
				Bytes:      append([]byte(nil), buf[:n]...),
			}); err != nil {
				return err
			}
			index++
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return fmt.Errorf("node: failed to read %s: %w", path, readErr)
		}
	}

	return writeLengthPrefixed(w, filetransfer.Message{
		Type:      filetransfer.MessageComplete,
		SHA256Hex: hex.EncodeToString(hash.Sum(nil)),
	})
}

func writeLengthPrefixed(w io.Writer, m filetransfer.Message) error {
	plaintext, err := filetransfer.Encode(m)
	if err != nil {
		return err
	}
	var header [4]byte
	binary.BigEndian.PutUint32(header[:], uint32(len(plaintext)))
	if _, err := w.Write(header[:]); err != nil {
		return anonetErrors.NetworkError("node: failed to write onion record length", err)
	}
	if _, err := w.Write(plaintext); err != nil {
		return anonetErrors.NetworkError("node: failed to write onion record body", err)
	}
	return nil
}

func readLengthPrefixed(r io.Reader) (filetransfer.Message, error) {
	var header [4]byte
	if err := readFull(r, header[:]); err != nil {
		return filetransfer.Message{}, anonetErrors.NetworkError("node: failed to read onion record length", err)
	}
	n := binary.BigEndian.Uint32(header[:])
	if n > maxRecordLen {
		return filetransfer.Message{}, anonetErrors.ProtocolError(fmt.Sprintf("node: onion record length %d exceeds maximum", n), nil)
	}
	body := make([]byte, n)
	if err := readFull(r, body); err != nil {
		return filetransfer.Message{}, anonetErrors.NetworkError("node: failed to read onion record body", err)
	}
	return filetransfer.Decode(body)
}
