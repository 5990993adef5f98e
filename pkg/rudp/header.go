// Package rudp implements a reliable, ordered transport over UDP with a
// sliding-window ARQ, per spec.md §4.5. It exists because the overlay
// needs in-order delivery and congestion-free retransmission without
// the cost of a full TCP/IP stack (useful once a path is hole-punched
// but NAT state still needs raw UDP framing).
package rudp

import (
	"encoding/binary"
	"fmt"
)

// HeaderLen is the fixed RUDP segment header size: 4B sequence, 4B ack,
// 1B flags, 2B advertised window, per spec.md §4.5.
const HeaderLen = 11

// MaxPayloadLen bounds a single segment's payload so the full datagram
// (header + payload) stays under common path MTUs.
const MaxPayloadLen = 1389

// MaxSegmentLen is the largest on-wire datagram this package emits.
const MaxSegmentLen = HeaderLen + MaxPayloadLen

// Flag bits carried in a segment header.
const (
	FlagSYN  byte = 1 << 0
	FlagACK  byte = 1 << 1
	FlagFIN  byte = 1 << 2
	FlagDATA byte = 1 << 3
	FlagRST  byte = 1 << 4
)

// header is the decoded form of a wire segment.
type header struct {
	Seq     uint32
	Ack     uint32
	Flags   byte
	Window  uint16
	Payload []byte
}

func (h header) hasFlag(f byte) bool {
	return h.Flags&f != 0
}

func encodeHeader(h header) []byte {
	buf := make([]byte, HeaderLen+len(h.Payload))
	binary.BigEndian.PutUint32(buf[0:4], h.Seq)
	binary.BigEndian.PutUint32(buf[4:8], h.Ack)
	buf[8] = h.Flags
	binary.BigEndian.PutUint16(buf[9:11], h.Window)
	copy(buf[HeaderLen:], h.Payload)
	return buf
}

func decodeHeader(raw []byte) (header, error) {
	if len(raw) < HeaderLen {
		return header{}, fmt.Errorf("rudp: segment too short: %d bytes", len(raw))
	}
	h := header{
		Seq:    binary.BigEndian.Uint32(raw[0:4]),
		Ack:    binary.BigEndian.Uint32(raw[4:8]),
		Flags:  raw[8],
		Window: binary.BigEndian.Uint16(raw[9:11]),
	}
	if len(raw) > HeaderLen {
		h.Payload = append([]byte(nil), raw[HeaderLen:]...)
	}
	return h, nil
}
