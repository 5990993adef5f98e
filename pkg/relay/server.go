package relay

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/eventbus"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"golang.org/x/time/rate"
)

// Event kinds published on a Server's event bus, per spec.md §9's
// listener-callback redesign.
const (
	EventSessionAttached eventbus.Kind = "relay.session_attached"
	EventSessionPaired   eventbus.Kind = "relay.session_paired"
	EventSessionClosed   eventbus.Kind = "relay.session_closed"
)

// SessionEvent is the Data payload for the relay event kinds above.
type SessionEvent struct {
	SessionID   string
	Fingerprint string
}

// SessionTimeout is how long an attached session may sit idle before
// the maintenance sweep evicts it, per spec.md §4.7.
const SessionTimeout = 5 * time.Minute

// MaintenanceInterval is how often the server scans for stale
// sessions, per spec.md §4.7.
const MaintenanceInterval = 60 * time.Second

// RateLimitBurst and RateLimitPerSecond bound the per-source-IP token
// bucket applied to new attach attempts, per spec.md §4.7 (expanded to
// use golang.org/x/time/rate, per SPEC_FULL.md §4.7).
const (
	RateLimitBurst     = 10
	RateLimitPerSecond = 1
)

const authNonceSize = 32

// Server accepts relay clients, runs the attach handshake, pairs
// requesters with their requested peer, and forwards DATA frames
// between paired sessions without inspecting payload.
type Server struct {
	address  string
	listener net.Listener
	log      *logger.Logger

	mu       sync.RWMutex
	sessions map[string]*session // keyed by sessionID
	byFP     map[string]*session // keyed by hex fingerprint, attached clients only

	limiters sync.Map // sourceIP string -> *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	events  *eventbus.Bus
	metrics *metrics.Registry
}

// SetEvents attaches an event bus the server publishes session
// lifecycle events to. Optional.
func (s *Server) SetEvents(bus *eventbus.Bus) {
	s.events = bus
}

// SetMetrics attaches a metrics registry the server updates active
// session/pair gauges and forwarded-byte counters on. Optional.
func (s *Server) SetMetrics(reg *metrics.Registry) {
	s.metrics = reg
}

func (s *Server) publish(kind eventbus.Kind, sess *session) {
	if s.events == nil {
		return
	}
	s.events.Publish(eventbus.Event{
		Kind:      kind,
		Component: "relay",
		Data:      SessionEvent{SessionID: sess.sessionID, Fingerprint: hex.EncodeToString(sess.fingerprint)},
	})
}

// NewServer creates a relay server bound to address once Start is called.
func NewServer(address string, log *logger.Logger) *Server {
	if log == nil {
		log = logger.NewDefault()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		address:  address,
		log:      log.Component("relay"),
		sessions: make(map[string]*session),
		byFP:     make(map[string]*session),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start binds the listen socket and begins accepting connections.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.address)
	if err != nil {
		return anonetErrors.NetworkError(fmt.Sprintf("relay: failed to listen on %s", s.address), err)
	}
	s.listener = ln
	s.log.Info("relay server listening", "address", s.address)

	s.wg.Add(2)
	go s.acceptLoop()
	go s.maintenanceLoop()
	return nil
}

// Stop shuts down the listener, closes every attached session, and
// waits for background goroutines to exit.
func (s *Server) Stop() error {
	s.cancel()
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Lock()
	sessions := make([]*session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		sessions = append(sessions, sess)
	}
	s.mu.Unlock()
	for _, sess := range sessions {
		s.closeSession(sess, "server shutting down")
	}
	s.wg.Wait()
	return nil
}

func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				s.log.Debug("accept error", "error", err)
				continue
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) sessionCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

func (s *Server) limiterFor(sourceIP string) *rate.Limiter {
	if v, ok := s.limiters.Load(sourceIP); ok {
		return v.(*rate.Limiter)
	}
	l := rate.NewLimiter(rate.Limit(RateLimitPerSecond), RateLimitBurst)
	actual, _ := s.limiters.LoadOrStore(sourceIP, l)
	return actual.(*rate.Limiter)
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	sourceIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	if !s.limiterFor(sourceIP).Allow() {
		s.log.Debug("rejecting attach: rate limit exceeded", "source", sourceIP)
		if s.metrics != nil {
			s.metrics.RelayRateLimited.Inc()
			s.metrics.RelayAttachTotal.WithLabelValues("rate_limited").Inc()
		}
		conn.Close()
		return
	}

	sess, err := s.runAttachHandshake(conn, sourceIP)
	if err != nil {
		s.log.Debug("attach handshake failed", "source", sourceIP, "error", err)
		if s.metrics != nil {
			s.metrics.RelayAttachTotal.WithLabelValues("rejected").Inc()
		}
		conn.Close()
		return
	}

	s.mu.Lock()
	s.sessions[sess.sessionID] = sess
	s.byFP[hex.EncodeToString(sess.fingerprint)] = sess
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.RelayAttachTotal.WithLabelValues("accepted").Inc()
		s.metrics.RelaySessionsActive.Set(float64(s.sessionCount()))
	}
	s.publish(EventSessionAttached, sess)

	s.serveSession(sess)
}

func (s *Server) runAttachHandshake(conn net.Conn, sourceIP string) (*session, error) {
	nonce := make([]byte, authNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("relay: failed to generate auth nonce: %w", err)
	}
	challenge := Frame{Type: FrameAuthChallenge, Payload: nonce}
	raw, err := encodeFrame(challenge)
	if err != nil {
		return nil, err
	}
	if _, err := conn.Write(raw); err != nil {
		return nil, fmt.Errorf("relay: failed to send AUTH_CHALLENGE: %w", err)
	}

	respFrame, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to read AUTH_RESPONSE: %w", err)
	}
	if respFrame.Type != FrameAuthResponse {
		return nil, fmt.Errorf("relay: expected AUTH_RESPONSE, got %s", respFrame.Type)
	}
	sig, pubDER, err := decodeAuthResponse(respFrame.Payload)
	if err != nil {
		return nil, err
	}
	if !crypto.Verify(pubDER, nonce, sig) {
		return nil, anonetErrors.AuthError("relay: AUTH_RESPONSE signature verification failed", nil)
	}
	fingerprint := crypto.Fingerprint(pubDER)

	helloFrame, err := readFrame(conn)
	if err != nil {
		return nil, fmt.Errorf("relay: failed to read HELLO: %w", err)
	}
	if helloFrame.Type != FrameHello {
		return nil, fmt.Errorf("relay: expected HELLO, got %s", helloFrame.Type)
	}
	helloFP, _, err := decodeHello(helloFrame.Payload)
	if err != nil {
		return nil, err
	}
	if !equalBytes(helloFP, fingerprint) {
		return nil, anonetErrors.AuthError("relay: HELLO fingerprint does not match AUTH_RESPONSE key", nil)
	}

	sessionID := newSessionID()
	sess := newSession(conn, sourceIP, sessionID, fingerprint)
	sess.setState(StateConnected)

	if err := sess.writeFrame(Frame{Type: FrameHelloAck, SessionID: sessionID}); err != nil {
		return nil, fmt.Errorf("relay: failed to send HELLO_ACK: %w", err)
	}
	return sess, nil
}

func newSessionID() string {
	var buf [8]byte
	_, _ = rand.Read(buf[:])
	return hex.EncodeToString(buf[:])
}

func decodeAuthResponse(payload []byte) (sig, pubDER []byte, err error) {
	if len(payload) < 2 {
		return nil, nil, fmt.Errorf("relay: AUTH_RESPONSE too short")
	}
	sigLen := int(payload[0])<<8 | int(payload[1])
	if 2+sigLen > len(payload) {
		return nil, nil, fmt.Errorf("relay: AUTH_RESPONSE truncated signature")
	}
	sig = payload[2 : 2+sigLen]
	pubDER = payload[2+sigLen:]
	if len(pubDER) == 0 {
		return nil, nil, fmt.Errorf("relay: AUTH_RESPONSE missing public key")
	}
	return sig, pubDER, nil
}

func decodeHello(payload []byte) (fingerprint, pubDER []byte, err error) {
	if len(payload) < 2 {
		return nil, nil, fmt.Errorf("relay: HELLO too short")
	}
	fpLen := int(payload[0])<<8 | int(payload[1])
	if 2+fpLen > len(payload) {
		return nil, nil, fmt.Errorf("relay: HELLO truncated fingerprint")
	}
	fingerprint = payload[2 : 2+fpLen]
	pubDER = payload[2+fpLen:]
	return fingerprint, pubDER, nil
}

func equalBytes(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (s *Server) serveSession(sess *session) {
	for {
		f, err := readFrame(sess.conn)
		if err != nil {
			s.closeSession(sess, "connection error: "+err.Error())
			return
		}
		sess.touch()
		switch f.Type {
		case FrameRequest:
			s.handleRequest(sess, f)
		case FrameData:
			s.handleData(sess, f)
		case FramePing:
			_ = sess.writeFrame(Frame{Type: FramePong, SessionID: sess.sessionID})
		case FrameClose:
			s.closeSession(sess, "peer requested close")
			return
		default:
			s.log.Debug("unexpected frame type in session", "type", f.Type, "session", sess.sessionID)
		}
	}
}

func (s *Server) handleRequest(sess *session, f Frame) {
	targetFP := hex.EncodeToString(f.Payload)
	sess.setState(StateWaitingForPeer)

	s.mu.RLock()
	target, ok := s.byFP[targetFP]
	s.mu.RUnlock()

	if !ok || target.getState() == StateRelaying {
		_ = sess.writeFrame(Frame{Type: FrameReject, SessionID: sess.sessionID, Payload: []byte("target not attached")})
		return
	}

	sess.pairWith(target)
	target.pairWith(sess)
	sess.setState(StateRelaying)
	target.setState(StateRelaying)

	_ = sess.writeFrame(Frame{Type: FrameAccept, SessionID: sess.sessionID})
	_ = target.writeFrame(Frame{Type: FrameAccept, SessionID: target.sessionID})

	if s.metrics != nil {
		s.metrics.RelayPairsActive.Inc()
	}
	s.publish(EventSessionPaired, sess)
}

func (s *Server) handleData(sess *session, f Frame) {
	peer := sess.getPeer()
	if peer == nil {
		return
	}
	_ = peer.writeFrame(Frame{Type: FrameData, SessionID: peer.sessionID, Payload: f.Payload})
	if s.metrics != nil {
		s.metrics.RelayBytesForwarded.Add(float64(len(f.Payload)))
	}
}

func (s *Server) closeSession(sess *session, reason string) {
	wasPaired := sess.getPeer() != nil
	sess.setState(StateClosed)
	if peer := sess.getPeer(); peer != nil {
		peer.pairWith(nil)
		_ = peer.writeFrame(Frame{Type: FrameClose, SessionID: peer.sessionID})
	}
	sess.conn.Close()
	s.mu.Lock()
	delete(s.sessions, sess.sessionID)
	delete(s.byFP, hex.EncodeToString(sess.fingerprint))
	s.mu.Unlock()
	if s.metrics != nil {
		s.metrics.RelaySessionsActive.Set(float64(s.sessionCount()))
		if wasPaired {
			s.metrics.RelayPairsActive.Dec()
		}
	}
	s.publish(EventSessionClosed, sess)
	s.log.Debug("session closed", "session", sess.sessionID, "reason", reason)
}

func (s *Server) maintenanceLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(MaintenanceInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

func (s *Server) evictStale() {
	s.mu.RLock()
	var stale []*session
	for _, sess := range s.sessions {
		if sess.idleSince() > SessionTimeout {
			stale = append(stale, sess)
		}
	}
	s.mu.RUnlock()
	for _, sess := range stale {
		s.closeSession(sess, "session timeout")
	}
}
