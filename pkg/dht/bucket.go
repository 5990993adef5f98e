package dht

import (
	"net"
	"sync"
	"time"
)

// BucketSize (K) is the maximum number of contacts per k-bucket, per
// spec.md §4.3.
const BucketSize = 20

// Contact is a known peer's routing-table entry: NodeId, socket
// address and last-seen timestamp. Lives in exactly one k-bucket.
type Contact struct {
	ID       NodeID
	Addr     *net.UDPAddr
	LastSeen time.Time
}

// KBucket is an ordered sequence of up to BucketSize contacts, oldest
// at head (least-recently-seen). One lock per bucket, per spec.md §5.
type KBucket struct {
	mu       sync.Mutex
	contacts []Contact
}

// NewKBucket returns an empty bucket.
func NewKBucket() *KBucket {
	return &KBucket{contacts: make([]Contact, 0, BucketSize)}
}

// Len returns the number of contacts currently in the bucket.
func (b *KBucket) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.contacts)
}

// Contacts returns a snapshot copy of the bucket's contacts, oldest
// first.
func (b *KBucket) Contacts() []Contact {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Contact, len(b.contacts))
	copy(out, b.contacts)
	return out
}

// AddOrUpdate moves an existing contact to the tail (most-recently-seen)
// or, if new and the bucket has room, appends it. If the bucket is
// full, it returns the head contact (oldest) as the eviction
// candidate along with inserted=false, so the caller can PING it before
// deciding whether to evict, per spec.md §4.3.
func (b *KBucket) AddOrUpdate(c Contact) (evictionCandidate Contact, inserted bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for i, existing := range b.contacts {
		if existing.ID == c.ID {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			c.LastSeen = time.Now()
			b.contacts = append(b.contacts, c)
			return Contact{}, true
		}
	}

	if len(b.contacts) < BucketSize {
		c.LastSeen = time.Now()
		b.contacts = append(b.contacts, c)
		return Contact{}, true
	}

	return b.contacts[0], false
}

// EvictHeadAndInsert drops the oldest contact (after a failed probe)
// and appends the newcomer, per spec.md §4.3.
func (b *KBucket) EvictHeadAndInsert(c Contact) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.contacts) >= BucketSize {
		b.contacts = b.contacts[1:]
	}
	c.LastSeen = time.Now()
	b.contacts = append(b.contacts, c)
}

// Remove deletes a contact by NodeId, if present.
func (b *KBucket) Remove(id NodeID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, existing := range b.contacts {
		if existing.ID == id {
			b.contacts = append(b.contacts[:i], b.contacts[i+1:]...)
			return
		}
	}
}
