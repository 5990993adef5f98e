package dht

import (
	"context"
	"crypto/rand"
	"testing"
	"time"

	"github.com/opd-ai/go-tor/pkg/crypto"
)

func newTestClient(t *testing.T) *Client {
	t.Helper()
	var id NodeID
	if _, err := rand.Read(id[:]); err != nil {
		t.Fatalf("failed to generate node id: %v", err)
	}
	c, err := NewClient(id, "127.0.0.1:0", nil)
	if err != nil {
		t.Fatalf("NewClient: %v", err)
	}
	t.Cleanup(func() { c.Close() })
	return c
}

// TestDHTThreeNodeRoundtrip exercises S3 (spec.md §8): three in-memory
// nodes; node 1 STOREs a PeerAnnouncement; node 3, knowing only node 2
// as bootstrap, iteratively looks up by username and receives the
// identical, verifiable announcement.
func TestDHTThreeNodeRoundtrip(t *testing.T) {
	node1 := newTestClient(t)
	node2 := newTestClient(t)
	node3 := newTestClient(t)

	// node1 and node2 know each other; node3 only knows node2.
	node1.table.AddOrUpdate(Contact{ID: node2.Self(), Addr: node2.LocalAddr()})
	node2.table.AddOrUpdate(Contact{ID: node1.Self(), Addr: node1.LocalAddr()})
	node3.table.AddOrUpdate(Contact{ID: node2.Self(), Addr: node2.LocalAddr()})
	node2.table.AddOrUpdate(Contact{ID: node3.Self(), Addr: node3.LocalAddr()})

	kp, err := crypto.GenerateKeyPair()
	if err != nil {
		t.Fatalf("GenerateKeyPair: %v", err)
	}
	der, _ := kp.PublicKeyDER()
	fp := crypto.Fingerprint(der)
	announcement, err := NewPeerAnnouncement(kp, "alice", fp, der, []uint16{51821}, time.Now())
	if err != nil {
		t.Fatalf("NewPeerAnnouncement: %v", err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := node1.Announce(ctx, "alice", announcement); err != nil {
		t.Fatalf("Announce: %v", err)
	}

	found, _, err := node3.Lookup(ctx, "alice")
	if err != nil {
		t.Fatalf("Lookup from node3: %v", err)
	}
	if !found.Verify() {
		t.Fatal("expected looked-up announcement to verify")
	}
	if found.Username != "alice" {
		t.Fatalf("expected username alice, got %q", found.Username)
	}
}
