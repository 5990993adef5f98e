package dht

import "sort"

// BitWidth is the number of k-buckets in a routing table (one per bit
// of the 160-bit NodeId space).
const BitWidth = NodeIDLen * 8

// RoutingTable owns the 160 k-buckets for one local NodeId.
type RoutingTable struct {
	self    NodeID
	buckets [BitWidth]*KBucket
}

// NewRoutingTable creates an empty routing table for self.
func NewRoutingTable(self NodeID) *RoutingTable {
	rt := &RoutingTable{self: self}
	for i := range rt.buckets {
		rt.buckets[i] = NewKBucket()
	}
	return rt
}

// Self returns the local NodeId this table is organized around.
func (rt *RoutingTable) Self() NodeID {
	return rt.self
}

// bucketFor returns the bucket that owns id, or nil if id == self (the
// local node has no bucket of its own).
func (rt *RoutingTable) bucketFor(id NodeID) *KBucket {
	idx := rt.self.BucketIndex(id)
	if idx < 0 {
		return nil
	}
	return rt.buckets[idx]
}

// AddOrUpdate records contact activity, per spec.md §4.3. Returns an
// eviction candidate the caller should PING when the owning bucket is
// full and the contact is new.
func (rt *RoutingTable) AddOrUpdate(c Contact) (evictionCandidate Contact, inserted bool) {
	b := rt.bucketFor(c.ID)
	if b == nil {
		return Contact{}, false
	}
	return b.AddOrUpdate(c)
}

// EvictAndInsert evicts a dead head contact from c's owning bucket and
// inserts c in its place.
func (rt *RoutingTable) EvictAndInsert(c Contact) {
	if b := rt.bucketFor(c.ID); b != nil {
		b.EvictHeadAndInsert(c)
	}
}

// Remove deletes a contact from its owning bucket.
func (rt *RoutingTable) Remove(id NodeID) {
	if b := rt.bucketFor(id); b != nil {
		b.Remove(id)
	}
}

// Closest returns up to n contacts from the whole table ordered by
// ascending XOR distance to target, used to answer FIND_NODE and to
// seed iterative lookups.
func (rt *RoutingTable) Closest(target NodeID, n int) []Contact {
	var all []Contact
	for _, b := range rt.buckets {
		all = append(all, b.Contacts()...)
	}
	sort.Slice(all, func(i, j int) bool {
		di := all[i].ID.XOR(target)
		dj := all[j].ID.XOR(target)
		return di.Less(dj)
	})
	if len(all) > n {
		all = all[:n]
	}
	return all
}

// BucketIndices returns the indices of every non-empty bucket, used
// by the hourly bucket-refresh task to find buckets needing a
// FIND_NODE for a random ID in their range.
func (rt *RoutingTable) BucketIndices() []int {
	var idxs []int
	for i, b := range rt.buckets {
		if b.Len() > 0 {
			idxs = append(idxs, i)
		}
	}
	return idxs
}

// BucketAt exposes bucket i for maintenance tasks (refresh, periodic
// PING sweeps).
func (rt *RoutingTable) BucketAt(i int) *KBucket {
	if i < 0 || i >= BitWidth {
		return nil
	}
	return rt.buckets[i]
}
