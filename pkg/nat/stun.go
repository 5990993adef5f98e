// Package nat implements external-address discovery and UDP
// hole-punching, per spec.md §4.4.
package nat

import (
	"fmt"
	"net"
	"sync"
	"time"

	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
	"github.com/pion/stun/v2"
)

// DefaultSTUNServers is the built-in list of public STUN servers
// probed for external-address discovery, per spec.md §4.4.
var DefaultSTUNServers = []string{
	"stun.l.google.com:19302",
	"stun1.l.google.com:19302",
	"stun.cloudflare.com:3478",
}

// STUNTimeout is the per-server request timeout; each server gets up
// to 3 attempts in total, per spec.md §5.
const STUNTimeout = 3 * time.Second

// STUNRetries is the per-server attempt budget, counting the first
// request.
const STUNRetries = 3

// ExternalAddress caches the result of a STUN probe for the lifetime
// of the owning socket, per spec.md §4.4.
type ExternalAddress struct {
	mu       sync.Mutex
	cached   *net.UDPAddr
	hasValue bool
}

// Probe sends classic STUN binding requests (RFC 5389) to each server
// in turn over conn until one responds, caching and returning the
// discovered external address. m is optional; pass nil to disable
// metrics reporting.
func (e *ExternalAddress) Probe(conn *net.UDPConn, servers []string, log *logger.Logger, m *metrics.Registry) (*net.UDPAddr, error) {
	e.mu.Lock()
	if e.hasValue {
		defer e.mu.Unlock()
		return e.cached, nil
	}
	e.mu.Unlock()

	if log == nil {
		log = logger.NewDefault()
	}
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}

	var lastErr error
	for _, server := range servers {
		addr, err := probeOne(conn, server)
		if err != nil {
			lastErr = err
			log.Component("nat").Debug("stun probe failed", "server", server, "error", err)
			if m != nil {
				m.STUNProbes.WithLabelValues("failure").Inc()
			}
			continue
		}
		e.mu.Lock()
		e.cached = addr
		e.hasValue = true
		e.mu.Unlock()
		if m != nil {
			m.STUNProbes.WithLabelValues("success").Inc()
		}
		return addr, nil
	}
	return nil, anonetErrors.NetworkError("all STUN servers failed", lastErr)
}

func probeOne(conn *net.UDPConn, server string) (*net.UDPAddr, error) {
	serverAddr, err := net.ResolveUDPAddr("udp", server)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve STUN server %s: %w", server, err)
	}

	var lastErr error
	for attempt := 0; attempt < STUNRetries; attempt++ {
		msg, err := stun.Build(stun.TransactionID, stun.BindingRequest)
		if err != nil {
			lastErr = fmt.Errorf("failed to build STUN request: %w", err)
			continue
		}
		if _, err := conn.WriteToUDP(msg.Raw, serverAddr); err != nil {
			lastErr = fmt.Errorf("failed to send STUN request: %w", err)
			continue
		}

		_ = conn.SetReadDeadline(time.Now().Add(STUNTimeout))
		buf := make([]byte, 1500)
		n, from, err := conn.ReadFromUDP(buf)
		_ = conn.SetReadDeadline(time.Time{})
		if err != nil {
			lastErr = fmt.Errorf("STUN response timed out: %w", err)
			continue
		}
		if !from.IP.Equal(serverAddr.IP) {
			lastErr = fmt.Errorf("STUN response from unexpected address %s", from)
			continue
		}

		resp := &stun.Message{Raw: append([]byte(nil), buf[:n]...)}
		if err := resp.Decode(); err != nil {
			lastErr = fmt.Errorf("failed to decode STUN response: %w", err)
			continue
		}
		if !resp.TransactionID.Equal(msg.TransactionID) {
			lastErr = fmt.Errorf("STUN transaction id mismatch")
			continue
		}

		addr, err := parseMappedAddress(resp)
		if err != nil {
			lastErr = err
			continue
		}
		return addr, nil
	}
	return nil, lastErr
}

func parseMappedAddress(msg *stun.Message) (*net.UDPAddr, error) {
	var xorAddr stun.XORMappedAddress
	if err := xorAddr.GetFrom(msg); err == nil {
		return &net.UDPAddr{IP: xorAddr.IP, Port: xorAddr.Port}, nil
	}
	var mappedAddr stun.MappedAddress
	if err := mappedAddr.GetFrom(msg); err == nil {
		return &net.UDPAddr{IP: mappedAddr.IP, Port: mappedAddr.Port}, nil
	}
	return nil, fmt.Errorf("STUN response carried neither XOR-MAPPED-ADDRESS nor MAPPED-ADDRESS")
}
