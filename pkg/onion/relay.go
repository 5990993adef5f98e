package onion

import (
	"fmt"
	"sync"

	"github.com/opd-ai/go-tor/pkg/cell"
	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// DeliverFunc is called by an exit Relay with the fully unwrapped
// plaintext once the last onion layer has been peeled.
type DeliverFunc func(circuitID string, plaintext []byte)

// hopState is the per-circuit key material a Relay holds for one
// active circuit passing through it.
type hopState struct {
	key []byte
}

// Relay is a single hop's view of the onion overlay: it knows only its
// own derived key per circuit and, if it has one, the next relay in
// the path. A Relay never learns a circuit's full path nor which
// identity originated or will receive the payload, per spec.md §4.8's
// privacy contract.
type Relay struct {
	identity *crypto.KeyPair
	log      *logger.Logger
	next     *Relay
	deliver  DeliverFunc

	mu       sync.Mutex
	circuits map[string]*hopState

	metrics *metrics.Registry
}

// SetMetrics attaches a metrics registry the Relay reports forwarded
// cell counts to. Optional; a nil registry (the default) disables
// reporting.
func (r *Relay) SetMetrics(m *metrics.Registry) { r.metrics = m }

// NewRelay constructs a hop. next is the relay to forward peeled cells
// to; leave it nil and supply deliver for an exit hop.
func NewRelay(identity *crypto.KeyPair, next *Relay, deliver DeliverFunc, log *logger.Logger) *Relay {
	if log == nil {
		log = logger.NewDefault()
	}
	return &Relay{
		identity: identity,
		log:      log.Component("onion-relay"),
		next:     next,
		deliver:  deliver,
		circuits: make(map[string]*hopState),
	}
}

// Create handles an initiator's CREATE for this hop: it generates its
// own ephemeral keypair, computes the shared secret against the
// initiator's ephemeral public key, and derives this circuit's hop
// key. It returns its own ephemeral public key (the CREATED reply).
func (r *Relay) Create(circuitID string, hopIndex int, initiatorEphemeralPubDER []byte) ([]byte, error) {
	peerPub, err := crypto.ParsePublicKeyDER(initiatorEphemeralPubDER)
	if err != nil {
		return nil, anonetErrors.ProtocolError("onion: malformed CREATE public key", err)
	}

	ephemeral, err := crypto.GenerateKeyPair()
	if err != nil {
		return nil, fmt.Errorf("onion: relay failed to generate ephemeral key: %w", err)
	}
	shared, err := crypto.ECDH(ephemeral.Private, peerPub)
	if err != nil {
		return nil, fmt.Errorf("onion: relay ECDH failed: %w", err)
	}
	key, err := deriveHopKey(shared, hopIndex)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.circuits[circuitID] = &hopState{key: key}
	r.mu.Unlock()

	return ephemeral.PublicKeyDER()
}

// Forward peels exactly one layer off c for circuitID. If this relay
// is the exit hop, the peeled plaintext is handed to deliver;
// otherwise the peeled cell is forwarded to next. A GCM verification
// failure is dropped silently, per spec.md §4.8.
func (r *Relay) Forward(circuitID string, c *cell.Cell) error {
	r.mu.Lock()
	hs, ok := r.circuits[circuitID]
	r.mu.Unlock()
	if !ok {
		return anonetErrors.NotFoundError("onion: unknown circuit " + circuitID)
	}

	layer := c.Payload()
	if len(layer) < crypto.GCMNonceSize {
		return nil // malformed cell, drop silently
	}
	nonce := layer[:crypto.GCMNonceSize]
	ciphertext := layer[crypto.GCMNonceSize:]

	plaintext, err := crypto.OpenGCM(hs.key, nonce, ciphertext, nil)
	if err != nil {
		r.log.Debug("onion: dropping cell that failed to authenticate", "circuit", circuitID)
		return nil
	}
	r.log.Debug("onion: peeled one layer", "circuit", circuitID)
	if r.metrics != nil {
		r.metrics.OnionCellsForwarded.Inc()
	}

	if r.next == nil {
		if r.deliver != nil {
			r.deliver(circuitID, plaintext)
		}
		return nil
	}

	nextCell, err := cell.New(plaintext)
	if err != nil {
		return fmt.Errorf("onion: peeled layer too large to forward: %w", err)
	}
	return r.next.Forward(circuitID, nextCell)
}

// PublicKeyDER returns this relay's long-term identity public key, as
// advertised out-of-band (e.g. via the DHT) for path selection.
func (r *Relay) PublicKeyDER() ([]byte, error) {
	return r.identity.PublicKeyDER()
}
