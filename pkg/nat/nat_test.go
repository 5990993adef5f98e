package nat

import (
	"context"
	"net"
	"testing"
	"time"
)

func TestPortCandidatesDedupAndOrder(t *testing.T) {
	candidates := PortCandidates(51821)
	if candidates[0] != 51821 {
		t.Fatalf("expected primary port first, got %v", candidates)
	}
	seen := make(map[int]bool)
	for _, p := range candidates {
		if seen[p] {
			t.Fatalf("duplicate port %d in candidate list %v", p, candidates)
		}
		seen[p] = true
	}
	if !seen[51820] || !seen[51822] {
		t.Fatalf("expected primary±1 candidates present, got %v", candidates)
	}
}

func TestPortCandidatesClampsInvalidPorts(t *testing.T) {
	candidates := PortCandidates(1)
	for _, p := range candidates {
		if p < 1 || p > 65535 {
			t.Fatalf("candidate %d out of valid port range", p)
		}
	}
}

func TestHolePunchBetweenTwoLocalSockets(t *testing.T) {
	connA, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP A: %v", err)
	}
	defer connA.Close()
	connB, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("ListenUDP B: %v", err)
	}
	defer connB.Close()

	fpA := []byte("fingerprint-a-32-bytes-padding-1")
	fpB := []byte("fingerprint-b-32-bytes-padding-2")

	ctx, cancel := context.WithTimeout(context.Background(), ActiveWindow+PassiveWindow+time.Second)
	defer cancel()

	resultA := make(chan *net.UDPAddr, 1)
	resultB := make(chan *net.UDPAddr, 1)

	go func() {
		addr, err := Punch(ctx, connA, []*net.UDPAddr{connB.LocalAddr().(*net.UDPAddr)}, fpA, fpB, nil, nil)
		if err == nil {
			resultA <- addr
		}
	}()
	go func() {
		addr, err := Punch(ctx, connB, []*net.UDPAddr{connA.LocalAddr().(*net.UDPAddr)}, fpB, fpA, nil, nil)
		if err == nil {
			resultB <- addr
		}
	}()

	select {
	case <-resultA:
	case <-time.After(ActiveWindow + PassiveWindow + time.Second):
		t.Fatal("side A never completed the hole punch")
	}
	select {
	case <-resultB:
	case <-time.After(ActiveWindow + PassiveWindow + time.Second):
		t.Fatal("side B never completed the hole punch")
	}
}
