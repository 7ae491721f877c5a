package prober

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"
)

func TestTCPProberReachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			conn.Close()
		}
	}()

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	p := &TCPProber{}
	if !p.IsReachable(context.Background(), "127.0.0.1", uint16(port), time.Second) {
		t.Error("expected reachable target to return true")
	}
}

func TestTCPProberUnreachable(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)
	ln.Close() // nothing listening now; connection should be refused

	p := &TCPProber{}
	if p.IsReachable(context.Background(), "127.0.0.1", uint16(port), time.Second) {
		t.Error("expected closed port to return false")
	}
}

func TestTCPProberTimeout(t *testing.T) {
	// 10.255.255.1 is a non-routable address chosen to trigger a dial
	// timeout rather than an immediate refusal.
	p := &TCPProber{}
	start := time.Now()
	reachable := p.IsReachable(context.Background(), "10.255.255.1", 9, 200*time.Millisecond)
	elapsed := time.Since(start)

	if reachable {
		t.Error("expected unreachable target to return false")
	}
	if elapsed > 2*time.Second {
		t.Errorf("IsReachable took %v, expected to respect the short timeout", elapsed)
	}
}

func TestTCPProberContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	p := &TCPProber{}
	if p.IsReachable(ctx, "127.0.0.1", 1, time.Second) {
		t.Error("expected canceled context to return false")
	}
}
