package dht

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/eventbus"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// Event kinds published on a Client's event bus, per spec.md §9's
// listener-callback redesign.
const (
	EventContactAdded   eventbus.Kind = "dht.contact_added"
	EventContactEvicted eventbus.Kind = "dht.contact_evicted"
)

// ContactEvent is the Data payload for EventContactAdded and
// EventContactEvicted.
type ContactEvent struct {
	Contact Contact
}

// Alpha is the iterative-lookup concurrency factor, per spec.md §4.3.
const Alpha = 3

// RPCTimeout is the deadline for a single outstanding RPC, per
// spec.md §5.
const RPCTimeout = 5 * time.Second

// pendingCall tracks one in-flight request awaiting a response,
// completed by the single-writer receive loop, per spec.md §5.
type pendingCall struct {
	respCh chan *Message
}

// Store is the storage-side interface the DHT client uses to persist
// received announcements; kept separate from RoutingTable so an
// in-memory map (tests) or a future bounded cache can both satisfy it.
type Store interface {
	Put(key NodeID, a *PeerAnnouncement, addr *net.UDPAddr, expiresAt time.Time)
	Get(key NodeID) (*PeerAnnouncement, *net.UDPAddr, bool)
}

// memoryStore is the default Store: an expiring in-memory map. It
// remembers the UDP source address the STORE arrived from alongside
// the record, so a later FIND_VALUE can hand callers the announcer's
// observed (ip, port) for NAT traversal — the PeerAnnouncement itself
// only carries port candidates, per spec.md §3.
type memoryStore struct {
	mu      sync.Mutex
	records map[NodeID]storedRecord
}

type storedRecord struct {
	announcement *PeerAnnouncement
	addr         *net.UDPAddr
	expiresAt    time.Time
}

func newMemoryStore() *memoryStore {
	return &memoryStore{records: make(map[NodeID]storedRecord)}
}

func (s *memoryStore) Put(key NodeID, a *PeerAnnouncement, addr *net.UDPAddr, expiresAt time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[key] = storedRecord{announcement: a, addr: addr, expiresAt: expiresAt}
}

func (s *memoryStore) Get(key NodeID) (*PeerAnnouncement, *net.UDPAddr, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[key]
	if !ok {
		return nil, nil, false
	}
	if time.Now().After(rec.expiresAt) {
		delete(s.records, key)
		return nil, nil, false
	}
	return rec.announcement, rec.addr, true
}

// Client is a DHT node: UDP RPC endpoint, routing table and record
// store. One lock-per-bucket routing table, one concurrent map of
// in-flight transactions completed by a single receiver goroutine,
// per spec.md §5.
type Client struct {
	self    NodeID
	conn    *net.UDPConn
	table   *RoutingTable
	store   Store
	log     *logger.Logger
	stopped chan struct{}
	wg      sync.WaitGroup

	pendingMu sync.Mutex
	pending   map[TxID]*pendingCall

	events  *eventbus.Bus
	metrics *metrics.Registry
}

// SetEvents attaches an event bus the client publishes contact
// lifecycle events to. Optional; a nil bus (the default) means no
// events are published.
func (c *Client) SetEvents(bus *eventbus.Bus) {
	c.events = bus
}

// SetMetrics attaches a metrics registry the client updates bucket
// occupancy and lookup counters on. Optional.
func (c *Client) SetMetrics(reg *metrics.Registry) {
	c.metrics = reg
	c.refreshOccupancyMetrics()
}

func (c *Client) refreshOccupancyMetrics() {
	if c.metrics == nil {
		return
	}
	total := 0
	for _, idx := range c.table.BucketIndices() {
		b := c.table.BucketAt(idx)
		if b == nil {
			continue
		}
		n := b.Len()
		total += n
		c.metrics.DHTBucketOccupancy.WithLabelValues(strconv.Itoa(idx)).Set(float64(n))
	}
	c.metrics.DHTContactsTotal.Set(float64(total))
}

func (c *Client) publish(kind eventbus.Kind, contact Contact) {
	if c.events != nil {
		c.events.Publish(eventbus.Event{Kind: kind, Component: "dht", Data: ContactEvent{Contact: contact}})
	}
}

// NewClient binds a UDP socket at addr and returns a DHT node
// identified by self.
func NewClient(self NodeID, addr string, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, anonetErrors.NetworkError("failed to resolve DHT listen address", err)
	}
	conn, err := net.ListenUDP("udp", udpAddr)
	if err != nil {
		return nil, anonetErrors.NetworkError("failed to bind DHT socket", err)
	}
	c := &Client{
		self:    self,
		conn:    conn,
		table:   NewRoutingTable(self),
		store:   newMemoryStore(),
		log:     log.Component("dht"),
		stopped: make(chan struct{}),
		pending: make(map[TxID]*pendingCall),
	}
	c.wg.Add(1)
	go c.receiveLoop()
	return c, nil
}

// LocalAddr returns the bound UDP address.
func (c *Client) LocalAddr() *net.UDPAddr {
	return c.conn.LocalAddr().(*net.UDPAddr)
}

// Self returns the node's own NodeId.
func (c *Client) Self() NodeID {
	return c.self
}

// Table exposes the routing table for maintenance tasks and tests.
func (c *Client) Table() *RoutingTable {
	return c.table
}

// Close stops the receive loop and closes the socket. Safe to call
// once; every long-lived task watches the stopped channel per
// spec.md §5.
func (c *Client) Close() error {
	select {
	case <-c.stopped:
		return nil
	default:
		close(c.stopped)
	}
	err := c.conn.Close()
	c.wg.Wait()
	return err
}

func (c *Client) receiveLoop() {
	defer c.wg.Done()
	buf := make([]byte, 65536)
	for {
		select {
		case <-c.stopped:
			return
		default:
		}
		n, addr, err := c.conn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-c.stopped:
				return
			default:
				c.log.Warn("dht read error", "error", err)
				continue
			}
		}
		msg, err := DecodeMessage(buf[:n])
		if err != nil {
			c.log.Debug("dropping malformed dht datagram", "from", addr, "error", err)
			continue
		}
		c.handleMessage(msg, addr)
	}
}

func (c *Client) handleMessage(msg *Message, addr *net.UDPAddr) {
	switch msg.Type {
	case RPCPing:
		c.noteContact(msg.Body, addr)
		c.reply(addr, RPCPong, msg.TxID, c.self[:])
	case RPCFindNode:
		if len(msg.Body) < NodeIDLen {
			return
		}
		var target NodeID
		copy(target[:], msg.Body[:NodeIDLen])
		closest := c.table.Closest(target, BucketSize)
		c.reply(addr, RPCFindNodeResponse, msg.TxID, encodeContacts(closest))
	case RPCStore:
		c.handleStore(msg, addr)
	case RPCFindValue:
		c.handleFindValue(msg, addr)
	default:
		// Responses are delivered to the waiting caller, not handled here.
		c.completePending(msg)
	}
}

func (c *Client) handleStore(msg *Message, addr *net.UDPAddr) {
	if len(msg.Body) < NodeIDLen {
		return
	}
	var key NodeID
	copy(key[:], msg.Body[:NodeIDLen])
	announcement, err := decodeAnnouncement(msg.Body[NodeIDLen:])
	ack := byte(1)
	if err != nil || !announcement.Verify() || !announcement.WithinAcceptanceWindow(time.Now()) {
		// Signature or timestamp failures discard the record silently,
		// per spec.md §4.3. Still ack so the announcer doesn't retry a
		// node that is behaving correctly by rejecting a bad record.
		ack = 0
	} else {
		c.store.Put(key, announcement, addr, time.Now().Add(RecordExpiry))
	}
	c.reply(addr, RPCStoreResponse, msg.TxID, []byte{ack})
}

func (c *Client) handleFindValue(msg *Message, addr *net.UDPAddr) {
	if len(msg.Body) < NodeIDLen {
		return
	}
	var key NodeID
	copy(key[:], msg.Body[:NodeIDLen])
	if announcement, observedAddr, ok := c.store.Get(key); ok {
		body := append([]byte{1}, encodeAddr(observedAddr)...)
		body = append(body, encodeAnnouncement(announcement)...)
		c.reply(addr, RPCFindValueResponse, msg.TxID, body)
		return
	}
	closest := c.table.Closest(key, BucketSize)
	body := append([]byte{0}, encodeContacts(closest)...)
	c.reply(addr, RPCFindValueResponse, msg.TxID, body)
}

func (c *Client) reply(addr *net.UDPAddr, t RPCType, txid TxID, body []byte) {
	msg := &Message{Type: t, TxID: txid, Body: body}
	_, _ = c.conn.WriteToUDP(msg.Encode(), addr)
}

func (c *Client) completePending(msg *Message) {
	c.pendingMu.Lock()
	call, ok := c.pending[msg.TxID]
	if ok {
		delete(c.pending, msg.TxID)
	}
	c.pendingMu.Unlock()
	if ok {
		call.respCh <- msg
	}
}

func (c *Client) noteContact(body []byte, addr *net.UDPAddr) {
	if len(body) < NodeIDLen {
		return
	}
	var id NodeID
	copy(id[:], body[:NodeIDLen])
	if id == c.self {
		return
	}
	c.Observe(id, addr)
}

// Observe records traffic from a contact, moving it to the tail of its
// bucket per spec.md §4.3. If the owning bucket is full, the oldest
// contact is PINGed; if it is unresponsive it is evicted and replaced,
// otherwise the newcomer is dropped.
func (c *Client) Observe(id NodeID, addr *net.UDPAddr) {
	contact := Contact{ID: id, Addr: addr, LastSeen: time.Now()}
	candidate, inserted := c.table.AddOrUpdate(contact)
	c.refreshOccupancyMetrics()
	if inserted {
		c.publish(EventContactAdded, contact)
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), RPCTimeout)
		defer cancel()
		if err := c.Ping(ctx, candidate); err != nil {
			c.table.EvictAndInsert(contact)
			c.refreshOccupancyMetrics()
			c.publish(EventContactEvicted, candidate)
			c.publish(EventContactAdded, contact)
		}
	}()
}

// newTxID generates a transaction id from a random v4 UUID: both are
// 16 bytes, so the wire format's fixed TxID field needs no change.
func newTxID() (TxID, error) {
	id, err := uuid.NewRandom()
	if err != nil {
		return TxID{}, fmt.Errorf("failed to generate transaction id: %w", err)
	}
	return TxID(id), nil
}

// call sends a request and blocks for its response or RPCTimeout.
func (c *Client) call(ctx context.Context, addr *net.UDPAddr, reqType RPCType, body []byte) (*Message, error) {
	txid, err := newTxID()
	if err != nil {
		return nil, err
	}
	call := &pendingCall{respCh: make(chan *Message, 1)}
	c.pendingMu.Lock()
	c.pending[txid] = call
	c.pendingMu.Unlock()

	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, txid)
		c.pendingMu.Unlock()
	}()

	msg := &Message{Type: reqType, TxID: txid, Body: body}
	if _, err := c.conn.WriteToUDP(msg.Encode(), addr); err != nil {
		return nil, anonetErrors.NetworkError("failed to send dht rpc", err)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, RPCTimeout)
		defer cancel()
		deadline = time.Now().Add(RPCTimeout)
	}

	select {
	case resp := <-call.respCh:
		return resp, nil
	case <-time.After(time.Until(deadline)):
		if c.metrics != nil {
			c.metrics.DHTRPCTimeouts.WithLabelValues(reqType.String()).Inc()
		}
		return nil, anonetErrors.TimeoutError("dht rpc timed out", nil)
	case <-ctx.Done():
		return nil, anonetErrors.TimeoutError("dht rpc canceled", ctx.Err())
	}
}

// Ping sends a PING RPC and waits for PONG.
func (c *Client) Ping(ctx context.Context, contact Contact) error {
	_, err := c.call(ctx, contact.Addr, RPCPing, c.self[:])
	return err
}

// FindNode sends a FIND_NODE RPC to addr and returns the responder's
// closest known contacts to target.
func (c *Client) FindNode(ctx context.Context, addr *net.UDPAddr, target NodeID) ([]Contact, error) {
	resp, err := c.call(ctx, addr, RPCFindNode, target[:])
	if err != nil {
		return nil, err
	}
	return decodeContacts(resp.Body)
}

// StoreAt sends a STORE RPC carrying announcement under key to addr.
// Returns an error only on transport failure; a dead node not
// responding is reported as an ERR_TIMEOUT which callers treat as a
// local non-error per spec.md §4.3 (the announcer still wins on
// quorum among the K closest).
func (c *Client) StoreAt(ctx context.Context, addr *net.UDPAddr, key NodeID, announcement *PeerAnnouncement) error {
	body := append(append([]byte{}, key[:]...), encodeAnnouncement(announcement)...)
	_, err := c.call(ctx, addr, RPCStore, body)
	return err
}

// FindValueResult is the outcome of one FIND_VALUE RPC: either a
// record plus the announcer's observed address, or a list of closer
// contacts to continue the lookup.
type FindValueResult struct {
	Record   *PeerAnnouncement
	Addr     *net.UDPAddr
	Contacts []Contact
}

// FindValue sends a FIND_VALUE RPC to addr for key.
func (c *Client) FindValue(ctx context.Context, addr *net.UDPAddr, key NodeID) (*FindValueResult, error) {
	resp, err := c.call(ctx, addr, RPCFindValue, key[:])
	if err != nil {
		return nil, err
	}
	if len(resp.Body) < 1 {
		return nil, anonetErrors.ProtocolError("empty find_value response", nil)
	}
	if resp.Body[0] == 1 {
		observedAddr, n, err := decodeAddr(resp.Body[1:])
		if err != nil {
			return nil, err
		}
		rec, err := decodeAnnouncement(resp.Body[1+n:])
		if err != nil {
			return nil, err
		}
		return &FindValueResult{Record: rec, Addr: observedAddr}, nil
	}
	contacts, err := decodeContacts(resp.Body[1:])
	if err != nil {
		return nil, err
	}
	return &FindValueResult{Contacts: contacts}, nil
}

// Bootstrap seeds the routing table from a list of "host:port" seed
// nodes, then performs FIND_NODE(self) to populate buckets, per
// spec.md §4.3.
func (c *Client) Bootstrap(ctx context.Context, seeds []string) error {
	var lastErr error
	seeded := false
	for _, s := range seeds {
		addr, err := net.ResolveUDPAddr("udp", s)
		if err != nil {
			lastErr = err
			continue
		}
		contacts, err := c.FindNode(ctx, addr, c.self)
		if err != nil {
			lastErr = err
			continue
		}
		for _, ct := range contacts {
			c.table.AddOrUpdate(ct)
		}
		seeded = true
	}
	if !seeded {
		return anonetErrors.NetworkError("failed to bootstrap from any seed node", lastErr)
	}
	if _, err := c.IterativeFindNode(ctx, c.self); err != nil {
		return err
	}
	return nil
}
