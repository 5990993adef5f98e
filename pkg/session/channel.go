package session

import (
	"encoding/binary"
	"sync"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
)

// MaxSeqSkew bounds how far ahead of the expected sequence an incoming
// record may be before it is rejected as "too far ahead", per
// spec.md §4.2.
const MaxSeqSkew = 1000

// SequenceHeaderLen is the size of the big-endian sequence prefix on
// an EncryptedRecord.
const SequenceHeaderLen = 8

// SecureChannel is the AEAD-protected record stream built atop a pair
// of SessionKeys. Send and receive each have a single-writer sequence
// counter, matching the concurrency model in spec.md §5.
type SecureChannel struct {
	keys *SessionKeys

	sendMu  sync.Mutex
	sendSeq uint64

	recvMu       sync.Mutex
	expectedSeq  uint64
	destroyed    bool
}

// NewSecureChannel wraps SessionKeys in a send/receive record stream.
func NewSecureChannel(keys *SessionKeys) *SecureChannel {
	return &SecureChannel{keys: keys}
}

// Encrypt seals plaintext as one EncryptedRecord: 8-byte big-endian
// sequence || ciphertext||tag, per spec.md §3.
func (c *SecureChannel) Encrypt(plaintext []byte) ([]byte, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	seq := c.sendSeq
	c.sendSeq++

	ct := c.keys.seal(seq, plaintext)

	record := make([]byte, SequenceHeaderLen+len(ct))
	binary.BigEndian.PutUint64(record[:SequenceHeaderLen], seq)
	copy(record[SequenceHeaderLen:], ct)
	return record, nil
}

// Decrypt opens one EncryptedRecord, enforcing the replay and
// too-far-ahead window from spec.md §4.2. On AEAD failure the channel
// remains usable (the caller decides whether to tear down) but the
// receive counter does not advance.
func (c *SecureChannel) Decrypt(record []byte) ([]byte, error) {
	if len(record) < SequenceHeaderLen {
		return nil, anonetErrors.ProtocolError("record shorter than sequence header", nil)
	}
	seq := binary.BigEndian.Uint64(record[:SequenceHeaderLen])
	ciphertext := record[SequenceHeaderLen:]

	c.recvMu.Lock()
	defer c.recvMu.Unlock()

	if seq < c.expectedSeq {
		return nil, anonetErrors.CryptoError("replay", nil)
	}
	if seq > c.expectedSeq+MaxSeqSkew {
		return nil, anonetErrors.ProtocolError("sequence too far ahead", nil)
	}

	plaintext, err := c.keys.open(seq, ciphertext)
	if err != nil {
		return nil, anonetErrors.CryptoError("AEAD authentication failed", err)
	}

	c.expectedSeq = seq + 1
	return plaintext, nil
}

// Close destroys the underlying SessionKeys. Safe to call more than
// once.
func (c *SecureChannel) Close() {
	c.sendMu.Lock()
	c.recvMu.Lock()
	defer c.sendMu.Unlock()
	defer c.recvMu.Unlock()
	if c.destroyed {
		return
	}
	c.keys.Destroy()
	c.destroyed = true
}
