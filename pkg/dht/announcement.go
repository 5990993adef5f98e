package dht

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

// AcceptanceWindow bounds how far a PeerAnnouncement's timestamp may
// drift from "now" on receive, per spec.md §3.
const AcceptanceWindow = 24 * time.Hour

// RecordExpiry is how long a stored PeerAnnouncement is kept on the
// storing node before it is dropped, per spec.md §4.3.
const RecordExpiry = 2 * time.Hour

// RepublishInterval is how often an announcer re-publishes its
// record, per spec.md §4.3.
const RepublishInterval = 30 * time.Minute

// MaxPortCandidates is the most UDP port candidates a PeerAnnouncement
// may carry, per spec.md §3.
const MaxPortCandidates = 4

// PeerAnnouncement is the signed DHT record advertising a user's
// current network location, per spec.md §3.
type PeerAnnouncement struct {
	Username     string
	Fingerprint  []byte // 32 bytes
	PublicKeyDER []byte
	Ports        []uint16 // 1-4 UDP port candidates, ordered
	TimestampMs  int64
	Signature    []byte
}

// canonicalBytes serializes the fields covered by the signature, in a
// fixed field order, per spec.md §3.
func (a *PeerAnnouncement) canonicalBytes() []byte {
	var buf bytes.Buffer

	writeLenPrefixed(&buf, []byte(a.Username))
	writeLenPrefixed(&buf, a.Fingerprint)
	writeLenPrefixed(&buf, a.PublicKeyDER)

	var portCount [1]byte
	portCount[0] = byte(len(a.Ports))
	buf.Write(portCount[:])
	for _, p := range a.Ports {
		var pb [2]byte
		binary.BigEndian.PutUint16(pb[:], p)
		buf.Write(pb[:])
	}

	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(a.TimestampMs))
	buf.Write(ts[:])

	return buf.Bytes()
}

func writeLenPrefixed(buf *bytes.Buffer, data []byte) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(data)))
	buf.Write(l[:])
	buf.Write(data)
}

// Sign populates a.Signature with an ECDSA-SHA256 signature over the
// canonical serialization, using the announcer's long-term key.
func (a *PeerAnnouncement) Sign(identity *crypto.KeyPair) error {
	sig, err := identity.Sign(a.canonicalBytes())
	if err != nil {
		return fmt.Errorf("failed to sign announcement: %w", err)
	}
	a.Signature = sig
	return nil
}

// Verify checks the signature and the fingerprint/public-key binding,
// per spec.md §3's invariants. It does not check the acceptance
// window; callers check that separately against their own receive
// time since verification may happen well after construction (e.g.
// during tests).
func (a *PeerAnnouncement) Verify() bool {
	if len(a.Ports) == 0 || len(a.Ports) > MaxPortCandidates {
		return false
	}
	expectedFP := crypto.Fingerprint(a.PublicKeyDER)
	if !bytes.Equal(expectedFP, a.Fingerprint) {
		return false
	}
	return crypto.Verify(a.PublicKeyDER, a.canonicalBytes(), a.Signature)
}

// WithinAcceptanceWindow reports whether the announcement's timestamp
// is within AcceptanceWindow of now, per spec.md §3.
func (a *PeerAnnouncement) WithinAcceptanceWindow(now time.Time) bool {
	ts := time.UnixMilli(a.TimestampMs)
	diff := now.Sub(ts)
	if diff < 0 {
		diff = -diff
	}
	return diff <= AcceptanceWindow
}

// NewPeerAnnouncement builds and signs a PeerAnnouncement for the
// given identity, username and port candidates, stamped with the
// current time.
func NewPeerAnnouncement(identity *crypto.KeyPair, username string, fingerprint, publicKeyDER []byte, ports []uint16, now time.Time) (*PeerAnnouncement, error) {
	if len(ports) == 0 || len(ports) > MaxPortCandidates {
		return nil, fmt.Errorf("announcement must carry 1-%d port candidates, got %d", MaxPortCandidates, len(ports))
	}
	a := &PeerAnnouncement{
		Username:     username,
		Fingerprint:  fingerprint,
		PublicKeyDER: publicKeyDER,
		Ports:        ports,
		TimestampMs:  now.UnixMilli(),
	}
	if err := a.Sign(identity); err != nil {
		return nil, err
	}
	return a, nil
}

// ToBytes returns the canonical bytes plus the signature, used for the
// "any byte-flip in A.toBytes() makes verify() false" testable
// property in spec.md §8.
func (a *PeerAnnouncement) ToBytes() []byte {
	return append(a.canonicalBytes(), a.Signature...)
}
