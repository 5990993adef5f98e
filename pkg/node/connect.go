package node

import (
	"context"
	"encoding/hex"
	"io"
	"net"
	"strconv"
	"time"

	"github.com/opd-ai/go-tor/pkg/dht"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/filetransfer"
	"github.com/opd-ai/go-tor/pkg/nat"
	"github.com/opd-ai/go-tor/pkg/relay"
	"github.com/opd-ai/go-tor/pkg/rudp"
	"github.com/opd-ai/go-tor/pkg/session"
	"github.com/opd-ai/go-tor/pkg/store"
)

// relayRequestTimeout bounds how long a relay fallback waits for the
// server to pair it with the target fingerprint.
const relayRequestTimeout = 10 * time.Second

// rudpConfig builds a rudp.Config from the node's configured tuning
// parameters. The handshake timeout is not independently configurable
// and follows rudp.DefaultConfig.
func (n *Node) rudpConfig() rudp.Config {
	cfg := rudp.DefaultConfig()
	cfg.WindowSize = n.cfg.RUDPWindowSize
	cfg.RetransmitMin = n.cfg.RUDPRetransmitMin
	cfg.RetransmitMax = n.cfg.RUDPRetransmitMax
	cfg.MaxRetries = n.cfg.RUDPMaxRetries
	return cfg
}

// peerCandidates builds UDP candidate addresses from a
// PeerAnnouncement's port list and the announcer's observed IP, per
// spec.md §4.4 — the DHT record carries only ports, never an address.
func peerCandidates(ann *dht.PeerAnnouncement, observed *net.UDPAddr) []*net.UDPAddr {
	out := make([]*net.UDPAddr, 0, len(ann.Ports))
	for _, p := range ann.Ports {
		out = append(out, &net.UDPAddr{IP: observed.IP, Port: int(p)})
	}
	return out
}

// dial resolves username via the DHT and establishes an authenticated
// SecureChannel to it: a direct UDP hole punch followed by an RUDP
// handshake, falling back to a configured relay server if the punch
// fails, per spec.md §1's control flow. The returned io.Closer
// releases the underlying transport; callers must close it once done
// with the channel.
func (n *Node) dial(ctx context.Context, username string) (*session.SecureChannel, filetransfer.RecordTransport, io.Closer, error) {
	ann, observed, err := n.Lookup(ctx, username)
	if err != nil {
		return nil, nil, nil, err
	}

	if observed != nil && len(ann.Ports) > 0 {
		channel, transport, closer, directErr := n.dialDirect(ctx, ann, observed)
		if directErr == nil {
			return channel, transport, closer, nil
		}
		n.log.Warn("direct connection failed, falling back to relay", "username", username, "error", directErr)
	}

	return n.dialRelay(ctx, ann)
}

func (n *Node) dialDirect(ctx context.Context, ann *dht.PeerAnnouncement, observed *net.UDPAddr) (*session.SecureChannel, filetransfer.RecordTransport, io.Closer, error) {
	candidates := peerCandidates(ann, observed)

	localAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(n.cfg.DataPort))
	laddr, err := net.ResolveUDPAddr("udp", localAddr)
	if err != nil {
		return nil, nil, nil, anonetErrors.NetworkError("node: failed to resolve local data address", err)
	}
	punchConn, err := net.ListenUDP("udp", laddr)
	if err != nil {
		return nil, nil, nil, anonetErrors.NetworkError("node: failed to bind hole-punch socket", err)
	}

	punchCtx, cancel := context.WithTimeout(ctx, nat.ActiveWindow+nat.PassiveWindow)
	observedPeer, err := nat.Punch(punchCtx, punchConn, candidates, n.identity.Fingerprint, ann.Fingerprint, n.log, n.metrics)
	cancel()
	// The handshake below rebinds the same local port under a fresh
	// socket, so the punch socket must be released first; a small race
	// where the OS hands the port to someone else is accepted here.
	punchConn.Close()
	if err != nil {
		return nil, nil, nil, err
	}

	conn, err := rudp.Dial(ctx, localAddr, observedPeer.String(), n.rudpConfig(), n.log)
	if err != nil {
		return nil, nil, nil, err
	}

	transport := newLengthPrefixedTransport(conn)
	channel, _, err := session.PerformHandshake(transport, n.identity.KeyPair, ann.Fingerprint, true)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}

	return channel, transport, conn, nil
}

func (n *Node) dialRelay(ctx context.Context, ann *dht.PeerAnnouncement) (*session.SecureChannel, filetransfer.RecordTransport, io.Closer, error) {
	if len(n.cfg.RelayServers) == 0 {
		return nil, nil, nil, anonetErrors.NetworkError("node: no relay servers configured for fallback", nil)
	}

	var lastErr error
	for _, addr := range n.cfg.RelayServers {
		client, err := relay.Dial(addr, n.identity.KeyPair, n.log)
		if err != nil {
			lastErr = err
			continue
		}
		if err := client.RequestPeer(ann.Fingerprint, relayRequestTimeout); err != nil {
			client.Close()
			lastErr = err
			continue
		}

		transport := newRelayTransport(client)
		channel, _, err := session.PerformHandshake(transport, n.identity.KeyPair, ann.Fingerprint, true)
		if err != nil {
			client.Close()
			lastErr = err
			continue
		}

		return channel, transport, client, nil
	}
	if lastErr == nil {
		lastErr = anonetErrors.NetworkError("node: all relay servers unreachable", nil)
	}
	return nil, nil, nil, lastErr
}

// Connect resolves username via the DHT and establishes an
// authenticated file-transfer session with it, per spec.md §1's
// control flow. The returned io.Closer releases the underlying
// transport; callers must close it once the Transfer completes.
func (n *Node) Connect(ctx context.Context, username string) (*filetransfer.Transfer, io.Closer, error) {
	channel, transport, closer, err := n.dial(ctx, username)
	if err != nil {
		return nil, nil, err
	}
	transfer := filetransfer.New(channel, transport, n.log)
	transfer.SetMetrics(n.metrics)
	return transfer, closer, nil
}

// Send establishes a connection to username and streams path to it,
// closing the underlying transport when done.
func (n *Node) Send(ctx context.Context, username, path string) error {
	transfer, closer, err := n.Connect(ctx, username)
	if err != nil {
		return err
	}
	defer closer.Close()
	return transfer.SendFile(path)
}

// Recv waits for one incoming connection — a direct RUDP handshake on
// the node's data port, racing a passive relay session on the first
// configured relay server, whichever completes first — and writes the
// received file into destDir. The connecting peer is authenticated
// during the handshake but not checked against any prior expectation
// (trust-on-first-use); its identity is remembered in the contact
// store under its announced fingerprint once the transfer starts.
func (n *Node) Recv(ctx context.Context, destDir string) (string, error) {
	type accepted struct {
		transfer *filetransfer.Transfer
		closer   io.Closer
		peer     *session.PeerIdentity
		err      error
	}
	results := make(chan accepted, 2)
	recvCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		transfer, closer, peer, err := n.acceptDirect(recvCtx)
		select {
		case results <- accepted{transfer, closer, peer, err}:
		case <-recvCtx.Done():
			if closer != nil {
				closer.Close()
			}
		}
	}()

	if len(n.cfg.RelayServers) > 0 {
		go func() {
			transfer, closer, peer, err := n.acceptViaRelay(recvCtx)
			select {
			case results <- accepted{transfer, closer, peer, err}:
			case <-recvCtx.Done():
				if closer != nil {
					closer.Close()
				}
			}
		}()
	}

	var r accepted
	select {
	case r = <-results:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	cancel()
	if r.err != nil {
		return "", r.err
	}
	defer r.closer.Close()

	if r.peer != nil {
		n.rememberPeer(r.peer)
	}

	return r.transfer.ReceiveFile(destDir)
}

func (n *Node) acceptDirect(ctx context.Context) (*filetransfer.Transfer, io.Closer, *session.PeerIdentity, error) {
	listenAddr := net.JoinHostPort("0.0.0.0", strconv.Itoa(n.cfg.DataPort))
	listener, err := rudp.Listen(listenAddr, n.rudpConfig(), n.log)
	if err != nil {
		return nil, nil, nil, err
	}

	conn, err := listener.Accept(ctx)
	listener.Close()
	if err != nil {
		return nil, nil, nil, err
	}

	transport := newLengthPrefixedTransport(conn)
	channel, peer, err := session.PerformHandshake(transport, n.identity.KeyPair, nil, false)
	if err != nil {
		conn.Close()
		return nil, nil, nil, err
	}

	transfer := filetransfer.New(channel, transport, n.log)
	transfer.SetMetrics(n.metrics)
	return transfer, conn, peer, nil
}

func (n *Node) acceptViaRelay(ctx context.Context) (*filetransfer.Transfer, io.Closer, *session.PeerIdentity, error) {
	client, err := relay.Dial(n.cfg.RelayServers[0], n.identity.KeyPair, n.log)
	if err != nil {
		return nil, nil, nil, err
	}

	transport := newRelayTransport(client)
	channel, peer, err := session.PerformHandshake(transport, n.identity.KeyPair, nil, false)
	if err != nil {
		client.Close()
		return nil, nil, nil, err
	}

	transfer := filetransfer.New(channel, transport, n.log)
	transfer.SetMetrics(n.metrics)
	return transfer, client, peer, nil
}

func (n *Node) rememberPeer(peer *session.PeerIdentity) {
	now := time.Now()
	fpHex := hex.EncodeToString(peer.Fingerprint)
	if err := n.store.Upsert(&store.Contact{
		DisplayName:  fpHex,
		Username:     fpHex,
		Fingerprint:  peer.Fingerprint,
		PublicKeyDER: peer.PublicKeyDER,
		AddedAt:      now,
		LastSeen:     now,
	}); err != nil {
		n.log.Warn("failed to remember inbound peer", "error", err)
	}
}

// RelayNode runs this node as a relay server on cfg.RelayListenAddr
// until ctx is canceled, per spec.md §4.7. It is a distinct operating
// mode from the usual DHT-attached endpoint: callers run it instead of
// (not alongside) Announce/Connect.
func (n *Node) RelayNode(ctx context.Context) error {
	srv := relay.NewServer(n.cfg.RelayListenAddr, n.log)
	srv.SetEvents(n.events)
	srv.SetMetrics(n.metrics)

	if err := srv.Start(); err != nil {
		return err
	}
	n.log.Info("relay node listening", "addr", n.cfg.RelayListenAddr)

	<-ctx.Done()
	return srv.Stop()
}
