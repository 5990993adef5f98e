// Package filetransfer implements the METADATA/CHUNK/COMPLETE/ACK/ERROR
// message protocol carried over a session.SecureChannel, per spec.md
// §4.6. It is a contract-only component: no resumable-transfer
// bookkeeping or progress reporting beyond what the message types
// themselves carry.
package filetransfer

import (
	"encoding/binary"
	"fmt"
)

// ChunkSize is the nominal chunk size in bytes, per spec.md §4.6. The
// final chunk of a file is typically shorter.
const ChunkSize = 1024

// MessageType identifies one of the five wire message kinds.
type MessageType byte

const (
	MessageMetadata MessageType = iota + 1
	MessageChunk
	MessageComplete
	MessageAck
	MessageError
)

func (t MessageType) String() string {
	switch t {
	case MessageMetadata:
		return "METADATA"
	case MessageChunk:
		return "CHUNK"
	case MessageComplete:
		return "COMPLETE"
	case MessageAck:
		return "ACK"
	case MessageError:
		return "ERROR"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", byte(t))
	}
}

// Message is the decoded form of one protocol message. Only the
// fields relevant to Type are meaningful.
type Message struct {
	Type       MessageType
	Filename   string
	Size       uint64
	ChunkIndex uint32
	Bytes      []byte
	SHA256Hex  string
	ErrorText  string
}

// Encode serializes m to its plaintext wire form (the bytes handed to
// SecureChannel.Encrypt, not the encrypted record itself).
func Encode(m Message) ([]byte, error) {
	switch m.Type {
	case MessageMetadata:
		buf := []byte{byte(MessageMetadata)}
		buf = appendString(buf, m.Filename)
		var sizeBuf [8]byte
		binary.BigEndian.PutUint64(sizeBuf[:], m.Size)
		return append(buf, sizeBuf[:]...), nil
	case MessageChunk:
		buf := []byte{byte(MessageChunk)}
		var idxBuf [4]byte
		binary.BigEndian.PutUint32(idxBuf[:], m.ChunkIndex)
		buf = append(buf, idxBuf[:]...)
		return append(buf, m.Bytes...), nil
	case MessageComplete:
		buf := []byte{byte(MessageComplete)}
		return appendString(buf, m.SHA256Hex), nil
	case MessageAck:
		return []byte{byte(MessageAck)}, nil
	case MessageError:
		buf := []byte{byte(MessageError)}
		return appendString(buf, m.ErrorText), nil
	default:
		return nil, fmt.Errorf("filetransfer: cannot encode unknown message type %d", m.Type)
	}
}

// Decode parses a plaintext wire message (as produced by Encode, after
// SecureChannel.Decrypt has already removed the AEAD framing).
func Decode(raw []byte) (Message, error) {
	if len(raw) < 1 {
		return Message{}, fmt.Errorf("filetransfer: empty message")
	}
	t := MessageType(raw[0])
	body := raw[1:]
	switch t {
	case MessageMetadata:
		filename, rest, err := readString(body)
		if err != nil {
			return Message{}, fmt.Errorf("filetransfer: malformed METADATA: %w", err)
		}
		if len(rest) < 8 {
			return Message{}, fmt.Errorf("filetransfer: METADATA missing size field")
		}
		size := binary.BigEndian.Uint64(rest[:8])
		return Message{Type: MessageMetadata, Filename: filename, Size: size}, nil
	case MessageChunk:
		if len(body) < 4 {
			return Message{}, fmt.Errorf("filetransfer: CHUNK missing index field")
		}
		idx := binary.BigEndian.Uint32(body[:4])
		return Message{Type: MessageChunk, ChunkIndex: idx, Bytes: append([]byte(nil), body[4:]...)}, nil
	case MessageComplete:
		hash, _, err := readString(body)
		if err != nil {
			return Message{}, fmt.Errorf("filetransfer: malformed COMPLETE: %w", err)
		}
		return Message{Type: MessageComplete, SHA256Hex: hash}, nil
	case MessageAck:
		return Message{Type: MessageAck}, nil
	case MessageError:
		text, _, err := readString(body)
		if err != nil {
			return Message{}, fmt.Errorf("filetransfer: malformed ERROR: %w", err)
		}
		return Message{Type: MessageError, ErrorText: text}, nil
	default:
		return Message{}, fmt.Errorf("filetransfer: unknown message type %d", t)
	}
}

func appendString(buf []byte, s string) []byte {
	var lenBuf [2]byte
	binary.BigEndian.PutUint16(lenBuf[:], uint16(len(s)))
	buf = append(buf, lenBuf[:]...)
	return append(buf, s...)
}

func readString(buf []byte) (string, []byte, error) {
	if len(buf) < 2 {
		return "", nil, fmt.Errorf("truncated length prefix")
	}
	n := int(binary.BigEndian.Uint16(buf[:2]))
	if 2+n > len(buf) {
		return "", nil, fmt.Errorf("truncated string field")
	}
	return string(buf[2 : 2+n]), buf[2+n:], nil
}
