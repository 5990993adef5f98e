package rudp

import (
	"context"
	"fmt"
	"net"
	"sync"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// Listener accepts RUDP connections from many remote peers over a
// single shared UDP socket, demultiplexing inbound segments by remote
// address.
type Listener struct {
	cfg     Config
	log     *logger.Logger
	conn    *net.UDPConn
	acceptC chan *Conn
	closeCh chan struct{}

	mu    sync.Mutex
	conns map[string]*Conn
}

// Listen binds addr and begins accepting RUDP connections.
func Listen(addr string, cfg Config, log *logger.Logger) (*Listener, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	laddr, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return nil, fmt.Errorf("rudp: resolve listen addr: %w", err)
	}
	udpConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, anonetErrors.NetworkError("rudp: failed to bind listen socket", err)
	}
	l := &Listener{
		cfg:     cfg,
		log:     log,
		conn:    udpConn,
		acceptC: make(chan *Conn, 16),
		closeCh: make(chan struct{}),
		conns:   make(map[string]*Conn),
	}
	go l.readLoop()
	return l, nil
}

// Addr returns the listener's bound local address.
func (l *Listener) Addr() *net.UDPAddr {
	return l.conn.LocalAddr().(*net.UDPAddr)
}

// Accept blocks until a peer completes the 3-way handshake, returning
// the established connection.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	select {
	case c := <-l.acceptC:
		return c, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-l.closeCh:
		return nil, anonetErrors.NetworkError("rudp: listener closed", nil)
	}
}

// Close shuts down the listener and every connection it accepted.
func (l *Listener) Close() error {
	select {
	case <-l.closeCh:
		return nil
	default:
		close(l.closeCh)
	}
	err := l.conn.Close()
	l.mu.Lock()
	conns := make([]*Conn, 0, len(l.conns))
	for _, c := range l.conns {
		conns = append(conns, c)
	}
	l.mu.Unlock()
	for _, c := range conns {
		c.abort()
	}
	return err
}

type listenerSink struct {
	l    *Listener
	addr *net.UDPAddr
}

func (s listenerSink) writeTo(b []byte, addr *net.UDPAddr) error {
	_, err := s.l.conn.WriteToUDP(b, addr)
	return err
}

func (l *Listener) readLoop() {
	buf := make([]byte, MaxSegmentLen)
	for {
		n, from, err := l.conn.ReadFromUDP(buf)
		select {
		case <-l.closeCh:
			return
		default:
		}
		if err != nil {
			continue
		}
		h, err := decodeHeader(buf[:n])
		if err != nil {
			continue
		}
		l.route(h, from)
	}
}

func (l *Listener) route(h header, from *net.UDPAddr) {
	key := from.String()
	l.mu.Lock()
	c, ok := l.conns[key]
	l.mu.Unlock()

	if ok {
		c.dispatch(h)
		return
	}
	if !h.hasFlag(FlagSYN) || h.hasFlag(FlagACK) {
		return
	}

	initialSeq, err := randomSeq()
	if err != nil {
		l.log.Component("rudp").Error("failed to generate accept sequence", "error", err)
		return
	}
	c = newConn(l.cfg, l.log, listenerSink{l: l, addr: from}, from, initialSeq)
	l.mu.Lock()
	l.conns[key] = c
	l.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), l.cfg.HandshakeTimeout)
		defer cancel()
		if err := c.acceptHandshake(ctx, h); err != nil {
			l.log.Component("rudp").Debug("accept handshake failed", "peer", from, "error", err)
			l.mu.Lock()
			delete(l.conns, key)
			l.mu.Unlock()
			c.abort()
			return
		}
		c.wg.Add(1)
		go c.segmentLoop()
		select {
		case l.acceptC <- c:
		case <-l.closeCh:
			c.abort()
		}
	}()
}
