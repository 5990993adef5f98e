package session

import (
	"encoding/binary"
	"fmt"
)

// Marshal serializes a SignedEphemeralKey as three length-prefixed
// fields: ephemeralPublicDER, signature, identityPublicDER. This is
// the payload carried inside one filetransfer-style record during the
// handshake exchange, per spec.md §4.2.
func (s *SignedEphemeralKey) Marshal() []byte {
	var out []byte
	out = appendField(out, s.EphemeralPublicDER)
	out = appendField(out, s.Signature)
	out = appendField(out, s.IdentityPublicDER)
	return out
}

// UnmarshalSignedEphemeralKey parses the wire form Marshal produces.
func UnmarshalSignedEphemeralKey(data []byte) (*SignedEphemeralKey, error) {
	ephemeral, n, err := readField(data, 0)
	if err != nil {
		return nil, fmt.Errorf("session: failed to parse ephemeral key: %w", err)
	}
	sig, n, err := readField(data, n)
	if err != nil {
		return nil, fmt.Errorf("session: failed to parse signature: %w", err)
	}
	identityDER, _, err := readField(data, n)
	if err != nil {
		return nil, fmt.Errorf("session: failed to parse identity key: %w", err)
	}
	return &SignedEphemeralKey{
		EphemeralPublicDER: ephemeral,
		Signature:          sig,
		IdentityPublicDER:  identityDER,
	}, nil
}

func appendField(out []byte, data []byte) []byte {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	out = append(out, l[:]...)
	return append(out, data...)
}

func readField(data []byte, offset int) (value []byte, newOffset int, err error) {
	if offset+2 > len(data) {
		return nil, 0, fmt.Errorf("truncated field length")
	}
	l := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if offset+l > len(data) {
		return nil, 0, fmt.Errorf("truncated field body")
	}
	return append([]byte(nil), data[offset:offset+l]...), offset + l, nil
}
