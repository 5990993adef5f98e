package rudp

import (
	"bytes"
	"context"
	"crypto/rand"
	"io"
	"math/big"
	"net"
	"testing"
	"time"
)

func fastTestConfig() Config {
	cfg := DefaultConfig()
	cfg.RetransmitMin = 20 * time.Millisecond
	cfg.RetransmitMax = 200 * time.Millisecond
	cfg.HandshakeTimeout = 2 * time.Second
	return cfg
}

// TestHandshakeEstablishesConnection exercises the 3-way handshake
// between a Listener and a Dial-ed client over real loopback sockets.
func TestHandshakeEstablishesConnection(t *testing.T) {
	ln, err := Listen("127.0.0.1:0", fastTestConfig(), nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan *Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		serverConnCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := Dial(ctx, "127.0.0.1:0", ln.Addr().String(), fastTestConfig(), nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()

	var server *Conn
	select {
	case server = <-serverConnCh:
	case <-time.After(3 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer server.Close()

	if client.State() != StateEstablished {
		t.Fatalf("expected client established, got %v", client.State())
	}
	if server.State() != StateEstablished {
		t.Fatalf("expected server established, got %v", server.State())
	}
}

// lossyShim wraps a *net.UDPConn as an outbound sink, dropping writes probabilistically.
// It is used only to exercise the retransmit path under a lossy link (S5).
type lossyShim struct {
	*net.UDPConn
	dropPercent int
}

func (s *lossyShim) writeTo(b []byte, addr *net.UDPAddr) error {
	n, _ := rand.Int(rand.Reader, big.NewInt(100))
	if int(n.Int64()) < s.dropPercent {
		return nil // silently dropped, as the peer would observe
	}
	_, err := s.UDPConn.WriteToUDP(b, addr)
	return err
}

// TestReliableTransferOverLossyLink exercises S5 (spec.md §8): RUDP
// sustains byte-identical, in-order delivery of a bulk payload even
// when roughly 30% of segments never reach the peer.
func TestReliableTransferOverLossyLink(t *testing.T) {
	cfg := fastTestConfig()
	ln, err := Listen("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan *Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		c, err := ln.Accept(ctx)
		if err != nil {
			t.Errorf("Accept: %v", err)
			return
		}
		serverConnCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	client, err := Dial(ctx, "127.0.0.1:0", ln.Addr().String(), cfg, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	defer client.Close()
	// Replace the client's outbound sink with a lossy shim after the
	// handshake completes, simulating a degraded path mid-session.
	client.out = &lossyShim{UDPConn: client.ownedSocket, dropPercent: 30}

	var server *Conn
	select {
	case server = <-serverConnCh:
	case <-time.After(5 * time.Second):
		t.Fatal("server never accepted connection")
	}
	defer server.Close()

	payload := make([]byte, 100*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("rand.Read: %v", err)
	}

	done := make(chan error, 1)
	go func() {
		_, err := client.Write(payload)
		done <- err
	}()

	received := make([]byte, 0, len(payload))
	buf := make([]byte, MaxPayloadLen)
	readDeadline := time.Now().Add(20 * time.Second)
	for len(received) < len(payload) {
		if time.Now().After(readDeadline) {
			t.Fatalf("timed out after receiving %d/%d bytes", len(received), len(payload))
		}
		n, err := server.Read(buf)
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("Read: %v", err)
		}
		received = append(received, buf[:n]...)
	}

	if err := <-done; err != nil {
		t.Fatalf("Write: %v", err)
	}
	if !bytes.Equal(received, payload) {
		t.Fatalf("received payload does not match sent payload (got %d bytes, want %d)", len(received), len(payload))
	}
}

// TestCloseTeardownCompletes exercises a clean FIN/FIN-ACK teardown.
func TestCloseTeardownCompletes(t *testing.T) {
	cfg := fastTestConfig()
	ln, err := Listen("127.0.0.1:0", cfg, nil)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}
	defer ln.Close()

	serverConnCh := make(chan *Conn, 1)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		c, _ := ln.Accept(ctx)
		serverConnCh <- c
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	client, err := Dial(ctx, "127.0.0.1:0", ln.Addr().String(), cfg, nil)
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	server := <-serverConnCh

	closed := make(chan struct{})
	go func() {
		client.Close()
		close(closed)
	}()

	select {
	case <-closed:
	case <-time.After(5 * time.Second):
		t.Fatal("Close never returned")
	}
	if client.State() != StateClosed {
		t.Fatalf("expected client closed, got %v", client.State())
	}
	server.Close()
}
