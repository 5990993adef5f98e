// Package node orchestrates identity, persistence, the DHT client,
// NAT traversal, transport and the onion overlay into the single
// long-lived object cmd/anonet's subcommands drive, grounded on the
// teacher's pkg/client.Client composition root.
package node

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/go-tor/internal/localstore"
	"github.com/opd-ai/go-tor/pkg/config"
	"github.com/opd-ai/go-tor/pkg/dht"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/eventbus"
	"github.com/opd-ai/go-tor/pkg/identity"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/opd-ai/go-tor/pkg/nat"
	"github.com/opd-ai/go-tor/pkg/store"
)

// Node is a running anonet endpoint: one identity, one DHT client, and
// the shared event bus / metrics registry every other component
// reports through.
type Node struct {
	cfg      *config.Config
	log      *logger.Logger
	identity *identity.Identity
	store    *localstore.Store
	events   *eventbus.Bus
	metrics  *metrics.Registry
	dht      *dht.Client
}

// New loads (or creates, on first run) the node's identity from cfg's
// data directory, binds the DHT socket, and wires the shared event
// bus and metrics registry into it.
func New(cfg *config.Config, log *logger.Logger) (*Node, error) {
	if cfg == nil {
		return nil, anonetErrors.ConfigurationError("node: config is required", nil)
	}
	if err := cfg.Validate(); err != nil {
		return nil, anonetErrors.ConfigurationError("node: invalid configuration", err)
	}
	if log == nil {
		log = logger.NewDefault()
	}
	log = log.Component("node")

	st, err := localstore.New(cfg.DataDirectory, log)
	if err != nil {
		return nil, err
	}

	id, err := st.Load()
	if err != nil {
		id, err = identity.New()
		if err != nil {
			return nil, anonetErrors.InternalError("node: failed to generate identity", err)
		}
		if err := st.Save(id); err != nil {
			return nil, err
		}
		log.Info("generated new identity", "fingerprint", id.FingerprintHex())
	} else {
		log.Info("loaded identity", "fingerprint", id.FingerprintHex())
	}

	events := eventbus.New()
	reg := metrics.New()

	selfID := dht.NodeIDFromFingerprint(id.Fingerprint)
	dhtClient, err := dht.NewClient(selfID, net.JoinHostPort("0.0.0.0", strconv.Itoa(cfg.DHTPort)), log)
	if err != nil {
		return nil, err
	}
	dhtClient.SetEvents(events)
	dhtClient.SetMetrics(reg)

	n := &Node{
		cfg:      cfg,
		log:      log,
		identity: id,
		store:    st,
		events:   events,
		metrics:  reg,
		dht:      dhtClient,
	}

	for _, seed := range cfg.BootstrapNodes {
		if err := n.bootstrapFrom(seed); err != nil {
			log.Warn("bootstrap seed unreachable", "seed", seed, "error", err)
		}
	}

	return n, nil
}

func (n *Node) bootstrapFrom(addr string) error {
	udpAddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return anonetErrors.NetworkError("node: failed to resolve bootstrap address "+addr, err)
	}
	seedID := dht.NodeIDFromUsername(addr) // placeholder identity until FIND_NODE replies with the real one
	n.dht.Table().AddOrUpdate(dht.Contact{ID: seedID, Addr: udpAddr})
	ctx, cancel := context.WithTimeout(context.Background(), dht.RPCTimeout)
	defer cancel()
	_, err = n.dht.IterativeFindNode(ctx, n.dht.Self())
	return err
}

// Identity returns the node's long-term identity.
func (n *Node) Identity() *identity.Identity { return n.identity }

// ContactStore exposes the node's address book.
func (n *Node) ContactStore() store.ContactStore { return n.store }

// Metrics returns the node's Prometheus registry, for wiring an HTTP
// handler when cfg.EnableMetrics is set.
func (n *Node) Metrics() *metrics.Registry { return n.metrics }

// Events returns the node's event bus, for diagnostics subscribers.
func (n *Node) Events() *eventbus.Bus { return n.events }

// Close releases the DHT socket and the event bus. Safe to call once.
func (n *Node) Close() error {
	n.events.Close()
	return n.dht.Close()
}

// Announce signs and publishes a PeerAnnouncement advertising this
// node's username and data-plane port candidates, then keeps it
// republished in the background until ctx is done.
func (n *Node) Announce(ctx context.Context, displayName string) (stop func(), err error) {
	pubDER, err := n.identity.KeyPair.PublicKeyDER()
	if err != nil {
		return nil, anonetErrors.CryptoError("node: failed to encode public key", err)
	}
	username := n.identity.Username(displayName)
	ports := nat.PortCandidates(n.cfg.DataPort)
	uintPorts := make([]uint16, 0, len(ports))
	for _, p := range ports {
		uintPorts = append(uintPorts, uint16(p))
	}

	ann, err := dht.NewPeerAnnouncement(n.identity.KeyPair, username, n.identity.Fingerprint, pubDER, uintPorts, time.Now())
	if err != nil {
		return nil, anonetErrors.InternalError("node: failed to build announcement", err)
	}

	announceCtx, cancel := context.WithTimeout(ctx, dht.RPCTimeout*time.Duration(dht.Alpha))
	defer cancel()
	if err := n.dht.Announce(announceCtx, username, ann); err != nil {
		return nil, err
	}
	n.log.Info("announced", "username", username, "ports", ports)

	stopMaintenance := n.dht.RunMaintenance(ctx, username, ann)
	return stopMaintenance, nil
}

// Lookup resolves username to its current PeerAnnouncement via the
// DHT, remembering the result in the local address book. The returned
// address is the announcer's UDP source address as observed by the
// DHT node that served the record; it may be nil if the record was
// served from the local cache without ever being stored remotely.
func (n *Node) Lookup(ctx context.Context, username string) (*dht.PeerAnnouncement, *net.UDPAddr, error) {
	ann, addr, err := n.dht.Lookup(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	name, _, splitErr := identity.ParseUsername(username)
	if splitErr != nil {
		name = username
	}
	now := time.Now()
	if upsertErr := n.store.Upsert(&store.Contact{
		DisplayName:  name,
		Username:     username,
		Fingerprint:  ann.Fingerprint,
		PublicKeyDER: ann.PublicKeyDER,
		AddedAt:      now,
		LastSeen:     now,
	}); upsertErr != nil {
		n.log.Warn("failed to remember contact", "username", username, "error", upsertErr)
	}
	return ann, addr, nil
}
