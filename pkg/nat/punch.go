package nat

import (
	"context"
	"encoding/hex"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/opd-ai/go-tor/pkg/crypto"
	anonetErrors "github.com/opd-ai/go-tor/pkg/errors"
	"github.com/opd-ai/go-tor/pkg/logger"
	"github.com/opd-ai/go-tor/pkg/metrics"
)

// Punch message prefixes, per spec.md §6.
const (
	punchPrefix    = "ANONET_PUNCH"
	punchAckPrefix = "ANONET_PUNCH_ACK"
)

// ActiveWindow and PassiveWindow are the hole-punch handshake's active
// (send every 100ms) and passive (receive-only) phases, per spec.md
// §4.4.
const (
	ActiveWindow     = 5 * time.Second
	PassiveWindow    = 5 * time.Second
	PunchSendInterval = 100 * time.Millisecond
)

// ErrHolePunchFailed is returned when no matching PUNCH or PUNCH_ACK
// was observed within the active+passive budget.
var ErrHolePunchFailed = fmt.Errorf("HOLE_PUNCH_FAILED")

// Punch attempts a UDP hole punch with a peer identified by
// peerFingerprint over conn, sending to every address in candidates.
// It returns the observed source address of the first accepted PUNCH
// or PUNCH_ACK packet. m is optional; pass nil to disable metrics
// reporting.
func Punch(ctx context.Context, conn *net.UDPConn, candidates []*net.UDPAddr, selfFingerprint, peerFingerprint []byte, log *logger.Logger, m *metrics.Registry) (*net.UDPAddr, error) {
	if log == nil {
		log = logger.NewDefault()
	}
	if m != nil {
		m.HolePunchAttempts.Inc()
	}
	nonce, err := crypto.GenerateRandomBytes(8)
	if err != nil {
		return nil, fmt.Errorf("failed to generate punch nonce: %w", err)
	}
	nonceHex := hex.EncodeToString(nonce)
	selfFP := hex.EncodeToString(selfFingerprint)
	peerFP := hex.EncodeToString(peerFingerprint)

	punchMsg := []byte(fmt.Sprintf("%s|%s|%s", punchPrefix, selfFP, nonceHex))
	ackMsg := []byte(fmt.Sprintf("%s|%s|%s", punchAckPrefix, selfFP, nonceHex))

	result := make(chan *net.UDPAddr, 1)
	stopCtx, cancel := context.WithTimeout(ctx, ActiveWindow+PassiveWindow)
	defer cancel()

	go punchReceiveLoop(stopCtx, conn, ackMsg, peerFP, log, result)
	go punchSendLoop(stopCtx, conn, candidates, punchMsg, log)

	select {
	case addr := <-result:
		if m != nil {
			m.HolePunchSuccess.Inc()
		}
		return addr, nil
	case <-stopCtx.Done():
		if m != nil {
			m.HolePunchFailure.Inc()
		}
		return nil, anonetErrors.TimeoutError("hole punch timed out", ErrHolePunchFailed)
	}
}

func punchSendLoop(ctx context.Context, conn *net.UDPConn, candidates []*net.UDPAddr, msg []byte, log *logger.Logger) {
	ticker := time.NewTicker(PunchSendInterval)
	defer ticker.Stop()
	deadline := time.Now().Add(ActiveWindow)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if time.Now().After(deadline) {
				return
			}
			for _, addr := range candidates {
				if _, err := conn.WriteToUDP(msg, addr); err != nil {
					log.Component("nat").Debug("punch send failed", "addr", addr, "error", err)
				}
			}
		}
	}
}

func punchReceiveLoop(ctx context.Context, conn *net.UDPConn, ackMsg []byte, peerFP string, log *logger.Logger, result chan<- *net.UDPAddr) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}
		_ = conn.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, from, err := conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		text := string(buf[:n])

		var prefix string
		switch {
		case strings.HasPrefix(text, punchPrefix+"|"):
			prefix = punchPrefix
		case strings.HasPrefix(text, punchAckPrefix+"|"):
			prefix = punchAckPrefix
		default:
			continue
		}

		fields := strings.Split(text, "|")
		if len(fields) != 3 || fields[1] != peerFP {
			continue
		}

		if prefix == punchPrefix {
			if _, err := conn.WriteToUDP(ackMsg, from); err != nil {
				log.Component("nat").Debug("punch ack send failed", "error", err)
			}
		}

		select {
		case result <- from:
		default:
		}
		return
	}
}
