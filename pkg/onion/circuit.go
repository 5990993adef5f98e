// Package onion implements the 3-hop onion overlay used to forward a
// data payload through a guard, middle, and exit relay without any
// single hop learning both the initiator and the final destination,
// per spec.md §4.8.
package onion

import (
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// State is a circuit's life-cycle state, per spec.md §4.8.
type State int

const (
	StateBuilding State = iota
	StateOpen
	StateClosed
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateBuilding:
		return "BUILDING"
	case StateOpen:
		return "OPEN"
	case StateClosed:
		return "CLOSED"
	case StateFailed:
		return "FAILED"
	default:
		return "UNKNOWN"
	}
}

// HopCount is the fixed circuit length (guard, middle, exit), per
// spec.md §4.8.
const HopCount = 3

// DefaultLifetime is a circuit's nominal lifetime, per spec.md §4.8.
// Nothing in this package enforces it: a circuit stays open until
// Destroy is called.
const DefaultLifetime = 10 * time.Minute

// Circuit is the initiator's view of an established 3-hop path: one
// derived AEAD key per hop, ordered guard-first.
type Circuit struct {
	ID      string
	relays  [HopCount]*Relay
	hopKeys [HopCount][]byte
	log     *logger.Logger

	mu        sync.Mutex
	state     State
	createdAt time.Time

	metrics *metrics.Registry
}

// Build performs the three nested CREATE/CREATED exchanges against
// relays (ordered guard, middle, exit) and returns an OPEN circuit. m
// is optional; pass nil to disable metrics reporting.
func Build(relays [HopCount]*Relay, log *logger.Logger, m *metrics.Registry) (*Circuit, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	idBytes, err := crypto.GenerateRandomBytes(8)
	if err != nil {
		return nil, fmt.Errorf("onion: failed to generate circuit id: %w", err)
	}
	c := &Circuit{
		ID:        hex.EncodeToString(idBytes),
		relays:    relays,
		log:       log.Component("onion"),
		state:     StateBuilding,
		createdAt: time.Now(),
		metrics:   m,
	}

	for i, relay := range relays {
		ephemeral, err := crypto.GenerateKeyPair()
		if err != nil {
			c.setState(StateFailed)
			c.recordBuildOutcome("failed")
			return nil, fmt.Errorf("onion: failed to generate hop %d ephemeral key: %w", i+1, err)
		}
		ephemeralPubDER, err := ephemeral.PublicKeyDER()
		if err != nil {
			c.setState(StateFailed)
			c.recordBuildOutcome("failed")
			return nil, err
		}

		createdPubDER, err := relay.Create(c.ID, i+1, ephemeralPubDER)
		if err != nil {
			c.setState(StateFailed)
			c.recordBuildOutcome("failed")
			return nil, anonetErrors.ProtocolError(fmt.Sprintf("onion: CREATE exchange with hop %d failed", i+1), err)
		}

		peerPub, err := crypto.ParsePublicKeyDER(createdPubDER)
		if err != nil {
			c.setState(StateFailed)
			c.recordBuildOutcome("failed")
			return nil, err
		}
		shared, err := crypto.ECDH(ephemeral.Private, peerPub)
		if err != nil {
			c.setState(StateFailed)
			c.recordBuildOutcome("failed")
			return nil, err
		}
		hopKey, err := deriveHopKey(shared, i+1)
		if err != nil {
			c.setState(StateFailed)
			c.recordBuildOutcome("failed")
			return nil, err
		}
		c.hopKeys[i] = hopKey
	}

	c.setState(StateOpen)
	c.recordBuildOutcome("open")
	if m != nil {
		m.OnionCircuitsActive.Inc()
	}
	return c, nil
}

func (c *Circuit) recordBuildOutcome(outcome string) {
	if c.metrics != nil {
		c.metrics.OnionCircuitBuilds.WithLabelValues(outcome).Inc()
	}
}

func (c *Circuit) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the circuit's current life-cycle state.
func (c *Circuit) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Send layers payload in AES-GCM under the exit key first, then
// middle, then guard (innermost first, per spec.md §4.8), and forwards
// the resulting cell to the guard relay.
func (c *Circuit) Send(payload []byte) error {
	if c.State() != StateOpen {
		return anonetErrors.ProtocolError("onion: Send called on a non-open circuit", nil)
	}

	current := payload
	for i := HopCount - 1; i >= 0; i-- {
		nonce, err := crypto.GenerateRandomBytes(crypto.GCMNonceSize)
		if err != nil {
			return fmt.Errorf("onion: failed to generate layer %d nonce: %w", i+1, err)
		}
		ciphertext, err := crypto.SealGCM(c.hopKeys[i], nonce, current, nil)
		if err != nil {
			return fmt.Errorf("onion: failed to seal layer %d: %w", i+1, err)
		}
		current = append(nonce, ciphertext...)
	}

	outerCell, err := cell.New(current)
	if err != nil {
		return fmt.Errorf("onion: payload too large for circuit cell: %w", err)
	}
	return c.relays[0].Forward(c.ID, outerCell)
}

// Destroy tears the circuit down, marking it closed. Per spec.md
// §4.8 a real deployment sends DESTROY cells in both directions;
// Destroy only flips local state. The in-process relays keep their hop
// key for this circuit: a cell that fails GCM authentication is
// dropped, and Relay has no call that releases a circuit.
func (c *Circuit) Destroy() {
	c.mu.Lock()
	wasOpen := c.state == StateOpen
	c.state = StateClosed
	c.mu.Unlock()
	if wasOpen && c.metrics != nil {
		c.metrics.OnionCircuitsActive.Dec()
	}
}

// Lifetime reports how long the circuit has been open.
func (c *Circuit) Lifetime() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return time.Since(c.createdAt)
}
