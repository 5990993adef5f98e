package relay

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
)

// AttachTimeout bounds the attach handshake (AUTH_CHALLENGE through
// HELLO_ACK).
const AttachTimeout = 10 * time.Second

// Client is a single relay-attached connection, usable to request
// pairing with another attached peer and exchange opaque DATA frames
// with it once paired.
type Client struct {
	conn      net.Conn
	log       *logger.Logger
	sessionID string

	mu    sync.Mutex
	state State

	incoming  chan Frame // DATA and CLOSE frames, consumed by Recv
	pairingCh chan Frame // ACCEPT and REJECT frames, consumed by RequestPeer
	errCh     chan error
}

// Dial connects to a relay server at address, runs the attach
// handshake with identity, and returns an attached Client.
func Dial(address string, identity *crypto.KeyPair, log *logger.Logger) (*Client, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	conn, err := net.DialTimeout("tcp", address, AttachTimeout)
	if err != nil {
		return nil, anonetErrors.NetworkError("relay: failed to dial "+address, err)
	}
	_ = conn.SetDeadline(time.Now().Add(AttachTimeout))

	sessionID, err := clientAttachHandshake(conn, identity)
	if err != nil {
		conn.Close()
		return nil, err
	}
	_ = conn.SetDeadline(time.Time{})

	c := &Client{
		conn:      conn,
		log:       log.Component("relay-client"),
		sessionID: sessionID,
		state:     StateConnected,
		incoming:  make(chan Frame, 16),
		pairingCh: make(chan Frame, 4),
		errCh:     make(chan error, 1),
	}
	go c.readLoop()
	return c, nil
}

func clientAttachHandshake(conn net.Conn, identity *crypto.KeyPair) (string, error) {
	challenge, err := readFrame(conn)
	if err != nil {
		return "", fmt.Errorf("relay: failed to read AUTH_CHALLENGE: %w", err)
	}
	if challenge.Type != FrameAuthChallenge {
		return "", fmt.Errorf("relay: expected AUTH_CHALLENGE, got %s", challenge.Type)
	}

	sig, err := identity.Sign(challenge.Payload)
	if err != nil {
		return "", fmt.Errorf("relay: failed to sign auth nonce: %w", err)
	}
	pubDER, err := identity.PublicKeyDER()
	if err != nil {
		return "", fmt.Errorf("relay: failed to encode public key: %w", err)
	}

	respPayload := make([]byte, 0, 2+len(sig)+len(pubDER))
	respPayload = appendUint16(respPayload, uint16(len(sig)))
	respPayload = append(respPayload, sig...)
	respPayload = append(respPayload, pubDER...)
	if err := writeFrameTo(conn, Frame{Type: FrameAuthResponse, Payload: respPayload}); err != nil {
		return "", fmt.Errorf("relay: failed to send AUTH_RESPONSE: %w", err)
	}

	fingerprint := crypto.Fingerprint(pubDER)
	helloPayload := make([]byte, 0, 2+len(fingerprint)+len(pubDER))
	helloPayload = appendUint16(helloPayload, uint16(len(fingerprint)))
	helloPayload = append(helloPayload, fingerprint...)
	helloPayload = append(helloPayload, pubDER...)
	if err := writeFrameTo(conn, Frame{Type: FrameHello, Payload: helloPayload}); err != nil {
		return "", fmt.Errorf("relay: failed to send HELLO: %w", err)
	}

	ackFrame, err := readFrame(conn)
	if err != nil {
		return "", fmt.Errorf("relay: failed to read HELLO_ACK: %w", err)
	}
	if ackFrame.Type != FrameHelloAck {
		return "", fmt.Errorf("relay: expected HELLO_ACK, got %s", ackFrame.Type)
	}
	return ackFrame.SessionID, nil
}

func writeFrameTo(conn net.Conn, f Frame) error {
	raw, err := encodeFrame(f)
	if err != nil {
		return err
	}
	_, err = conn.Write(raw)
	return err
}

func (c *Client) writeFrame(f Frame) error {
	f.SessionID = c.sessionID
	return writeFrameTo(c.conn, f)
}

func (c *Client) readLoop() {
	for {
		f, err := readFrame(c.conn)
		if err != nil {
			c.errCh <- err
			close(c.incoming)
			return
		}
		switch f.Type {
		case FrameAccept:
			c.setState(StateRelaying)
			select {
			case c.pairingCh <- f:
			default:
			}
		case FrameReject:
			c.setState(StateConnected)
			select {
			case c.pairingCh <- f:
			default:
			}
		case FramePong:
			// liveness only; nothing to deliver.
		default:
			c.incoming <- f
		}
	}
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// State returns the client's current pairing state.
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// RequestPeer asks the relay to pair this session with the peer
// identified by targetFingerprint, blocking until ACCEPT or REJECT
// (or the provided timeout) arrives.
func (c *Client) RequestPeer(targetFingerprint []byte, timeout time.Duration) error {
	c.setState(StateWaitingForPeer)
	if err := c.writeFrame(Frame{Type: FrameRequest, Payload: targetFingerprint}); err != nil {
		return fmt.Errorf("relay: failed to send REQUEST: %w", err)
	}

	select {
	case f := <-c.pairingCh:
		switch f.Type {
		case FrameAccept:
			return nil
		case FrameReject:
			return anonetErrors.NotFoundError("relay: pairing rejected: " + string(f.Payload))
		}
		return anonetErrors.ProtocolError("relay: unexpected frame while waiting for pairing: "+f.Type.String(), nil)
	case <-time.After(timeout):
		return anonetErrors.TimeoutError("relay: timed out waiting for ACCEPT/REJECT", nil)
	}
}

// Send forwards data to the paired peer via a DATA frame. Send must
// only be called once RequestPeer has succeeded (state RELAYING).
func (c *Client) Send(data []byte) error {
	if c.State() != StateRelaying {
		return anonetErrors.ProtocolError("relay: Send called before pairing completed", nil)
	}
	return c.writeFrame(Frame{Type: FrameData, Payload: data})
}

// Recv blocks for the next DATA frame forwarded by the relay from the
// paired peer, or returns an error if the peer or relay disconnects.
func (c *Client) Recv() ([]byte, error) {
	f, ok := <-c.incoming
	if !ok {
		select {
		case err := <-c.errCh:
			return nil, anonetErrors.NetworkError("relay: connection closed", err)
		default:
			return nil, anonetErrors.NetworkError("relay: connection closed", nil)
		}
	}
	switch f.Type {
	case FrameData:
		return f.Payload, nil
	case FrameClose:
		c.setState(StateClosed)
		return nil, anonetErrors.NotFoundError("relay: peer closed the pairing")
	default:
		return nil, anonetErrors.ProtocolError("relay: unexpected frame while waiting for DATA: "+f.Type.String(), nil)
	}
}

// Close sends CLOSE and releases the underlying connection.
func (c *Client) Close() error {
	_ = c.writeFrame(Frame{Type: FrameClose})
	c.setState(StateClosed)
	return c.conn.Close()
}

// SessionID returns the 16-hex session identifier assigned by the relay.
func (c *Client) SessionID() string {
	return c.sessionID
}
