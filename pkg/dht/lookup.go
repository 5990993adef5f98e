package dht

import (
	"context"
	"crypto/rand"
	"net"
	"sync"
	"time"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
)

// shortlist tracks the iterative-lookup working set: every contact
// seen so far for the target, and which of them have been queried.
type shortlist struct {
	mu      sync.Mutex
	target  NodeID
	queried map[NodeID]bool
	known   map[NodeID]Contact
}

func newShortlist(target NodeID, seed []Contact) *shortlist {
	s := &shortlist{
		target:  target,
		queried: make(map[NodeID]bool),
		known:   make(map[NodeID]Contact),
	}
	for _, c := range seed {
		s.known[c.ID] = c
	}
	return s
}

func (s *shortlist) unqueried(n int) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Contact
	for _, c := range s.known {
		if !s.queried[c.ID] {
			all = append(all, c)
		}
	}
	sortByDistance(all, s.target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func (s *shortlist) markQueried(id NodeID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queried[id] = true
}

func (s *shortlist) add(contacts []Contact) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range contacts {
		if _, ok := s.known[c.ID]; !ok {
			s.known[c.ID] = c
		}
	}
}

func (s *shortlist) closest(n int) []Contact {
	s.mu.Lock()
	defer s.mu.Unlock()
	var all []Contact
	for _, c := range s.known {
		all = append(all, c)
	}
	sortByDistance(all, s.target)
	if len(all) > n {
		all = all[:n]
	}
	return all
}

func sortByDistance(contacts []Contact, target NodeID) {
	for i := 1; i < len(contacts); i++ {
		for j := i; j > 0; j-- {
			di := contacts[j].ID.XOR(target)
			dj := contacts[j-1].ID.XOR(target)
			if di.Less(dj) {
				contacts[j], contacts[j-1] = contacts[j-1], contacts[j]
			} else {
				break
			}
		}
	}
}

// IterativeFindNode performs the standard Kademlia iterative lookup:
// query the alpha closest unqueried contacts in parallel, merge their
// results, and repeat until no newly-seen contact is closer than the
// current best, per spec.md §4.3.
func (c *Client) IterativeFindNode(ctx context.Context, target NodeID) ([]Contact, error) {
	seed := c.table.Closest(target, BucketSize)
	list := newShortlist(target, seed)

	for {
		batch := list.unqueried(Alpha)
		if len(batch) == 0 {
			break
		}
		bestBefore := list.closest(1)

		var wg sync.WaitGroup
		for _, contact := range batch {
			contact := contact
			list.markQueried(contact.ID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				callCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
				defer cancel()
				contacts, err := c.FindNode(callCtx, contact.Addr, target)
				if err != nil {
					return
				}
				list.add(contacts)
				for _, ct := range contacts {
					c.table.AddOrUpdate(ct)
				}
			}()
		}
		wg.Wait()

		bestAfter := list.closest(1)
		if len(bestBefore) > 0 && len(bestAfter) > 0 {
			if !bestAfter[0].ID.XOR(target).Less(bestBefore[0].ID.XOR(target)) {
				break
			}
		}
	}
	return list.closest(BucketSize), nil
}

// IterativeFindValue looks up key, returning as soon as any responder
// yields a valid signed announcement within the acceptance window; it
// otherwise behaves like IterativeFindNode and returns ERR_NOT_FOUND
// once the search converges with nothing found, per spec.md §4.3 and
// §9 (FIND_VALUE early-return resolution). The returned address is the
// announcer's UDP source address as observed by the responding node,
// used for NAT traversal since the announcement itself only carries
// port candidates (spec.md §3, §4.4).
func (c *Client) IterativeFindValue(ctx context.Context, key NodeID) (*PeerAnnouncement, *net.UDPAddr, error) {
	if c.metrics != nil {
		start := time.Now()
		defer func() { c.metrics.DHTLookupDuration.Observe(time.Since(start).Seconds()) }()
	}
	seed := c.table.Closest(key, BucketSize)
	list := newShortlist(key, seed)

	for {
		batch := list.unqueried(Alpha)
		if len(batch) == 0 {
			break
		}
		bestBefore := list.closest(1)

		type result struct {
			record   *PeerAnnouncement
			addr     *net.UDPAddr
			contacts []Contact
		}
		results := make(chan result, len(batch))

		var wg sync.WaitGroup
		for _, contact := range batch {
			contact := contact
			list.markQueried(contact.ID)
			wg.Add(1)
			go func() {
				defer wg.Done()
				callCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
				defer cancel()
				r, err := c.FindValue(callCtx, contact.Addr, key)
				if err != nil {
					return
				}
				if r.Record != nil && r.Record.Verify() && r.Record.WithinAcceptanceWindow(time.Now()) {
					results <- result{record: r.Record, addr: r.Addr}
					return
				}
				results <- result{contacts: r.Contacts}
			}()
		}
		wg.Wait()
		close(results)

		for r := range results {
			if r.record != nil {
				if c.metrics != nil {
					c.metrics.DHTLookups.WithLabelValues("found").Inc()
				}
				return r.record, r.addr, nil
			}
			list.add(r.contacts)
			for _, ct := range r.contacts {
				c.table.AddOrUpdate(ct)
			}
		}

		bestAfter := list.closest(1)
		if len(bestBefore) > 0 && len(bestAfter) > 0 {
			if !bestAfter[0].ID.XOR(key).Less(bestBefore[0].ID.XOR(key)) {
				break
			}
		}
	}
	if c.metrics != nil {
		c.metrics.DHTLookups.WithLabelValues("not_found").Inc()
	}
	return nil, nil, anonetErrors.NotFoundError("dht lookup converged without a result")
}

// Announce computes the DHT key for username, performs an iterative
// FIND_NODE, and STOREs the announcement at the K closest nodes. A
// STORE to a dead node is a local non-error; Announce succeeds once at
// least one of the K closest answers its STORE. The answer's ack byte
// is not inspected, so a node that rejected the record also counts.
func (c *Client) Announce(ctx context.Context, username string, announcement *PeerAnnouncement) error {
	key := NodeIDFromUsername(username)
	closest, err := c.IterativeFindNode(ctx, key)
	if err != nil {
		return err
	}
	if len(closest) == 0 {
		return anonetErrors.NotFoundError("no known contacts to announce to")
	}

	var wg sync.WaitGroup
	var mu sync.Mutex
	accepted := 0
	for _, contact := range closest {
		contact := contact
		wg.Add(1)
		go func() {
			defer wg.Done()
			storeCtx, cancel := context.WithTimeout(ctx, RPCTimeout)
			defer cancel()
			if err := c.StoreAt(storeCtx, contact.Addr, key, announcement); err == nil {
				mu.Lock()
				accepted++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if accepted == 0 {
		return anonetErrors.NetworkError("announcement rejected or unreachable at all known closest nodes", nil)
	}
	if c.metrics != nil {
		c.metrics.DHTAnnouncements.Inc()
	}
	return nil
}

// Lookup resolves username to its most recently announced location
// and the announcer's observed UDP address.
func (c *Client) Lookup(ctx context.Context, username string) (*PeerAnnouncement, *net.UDPAddr, error) {
	return c.IterativeFindValue(ctx, NodeIDFromUsername(username))
}

// RunMaintenance starts the background republish and bucket-refresh
// tickers described in spec.md §4.3, returning a stop function. The
// caller is responsible for calling stop before Close, keeping the
// "every background task is released on component stop" contract from
// spec.md §5.
func (c *Client) RunMaintenance(ctx context.Context, username string, announcement *PeerAnnouncement) (stop func()) {
	maintCtx, cancel := context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		republish := time.NewTicker(RepublishInterval)
		refresh := time.NewTicker(time.Hour)
		defer republish.Stop()
		defer refresh.Stop()
		for {
			select {
			case <-maintCtx.Done():
				return
			case <-c.stopped:
				return
			case <-republish.C:
				_ = c.Announce(maintCtx, username, announcement)
			case <-refresh.C:
				c.refreshBuckets(maintCtx)
			}
		}
	}()
	return cancel
}

// refreshBuckets issues a FIND_NODE for a random ID in the range of
// every non-empty bucket, per spec.md §4.3.
func (c *Client) refreshBuckets(ctx context.Context) {
	for _, idx := range c.table.BucketIndices() {
		target := randomIDInBucket(c.self, idx)
		_, _ = c.IterativeFindNode(ctx, target)
	}
}

// randomIDInBucket returns a random NodeId whose first differing bit
// from self is exactly bit idx, i.e. a member of bucket idx's range.
func randomIDInBucket(self NodeID, idx int) NodeID {
	id := self
	byteIdx := idx / 8
	bitInByte := idx % 8
	mask := byte(0x80 >> uint(bitInByte))
	id[byteIdx] ^= mask

	randTail := make([]byte, NodeIDLen-byteIdx-1)
	_, _ = rand.Read(randTail)
	copy(id[byteIdx+1:], randTail)

	var randByte [1]byte
	_, _ = rand.Read(randByte[:])
	keepBits := byte(0xFF) << uint(8-bitInByte)
	id[byteIdx] = (id[byteIdx] & (keepBits | mask)) | (randByte[0] &^ (keepBits | mask))

	return id
}
