package security

import (
	"crypto/subtle"
	"fmt"
)

// ConstantTimeCompare performs constant-time comparison of two byte
// slices. Used for the handshake's fingerprint check, where a timing
// leak would help an attacker guess the correct value byte-by-byte.
func ConstantTimeCompare(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// SecureZero overwrites data with zeros in place. Called on the
// session key, nonce base and ECDH shared secret once they are no
// longer needed; it cannot prevent a prior copy made
// by the Go runtime (e.g. during a slice append), only scrub the
// buffer under the caller's control.
func SecureZero(data []byte) {
	for i := range data {
		data[i] = 0
	}
}

// ValidateFrameInput performs a minimum sanity check on a wire buffer
// before decoding: reject nil and reject obviously truncated or
// oversized buffers. The cell, RUDP and relay codecs do their own
// length checks and do not call it.
func ValidateFrameInput(data []byte, minLen, maxLen int) error {
	if data == nil {
		return fmt.Errorf("nil input data")
	}
	if len(data) < minLen {
		return fmt.Errorf("frame too short: %d bytes (min %d)", len(data), minLen)
	}
	if len(data) > maxLen {
		return fmt.Errorf("frame too long: %d bytes (max %d)", len(data), maxLen)
	}
	return nil
}
