package splice

import (
	"bytes"
	"io"
	"net"
	"testing"
	"time"
)

func pipePair(t *testing.T) (net.Conn, net.Conn) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	serverCh := make(chan net.Conn, 1)
	go func() {
		c, _ := ln.Accept()
		serverCh <- c
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	server := <-serverCh
	return client, server
}

func TestCopyBothDirections(t *testing.T) {
	client, server := pipePair(t)

	done := make(chan struct{})
	go func() {
		Copy(client, server)
		close(done)
	}()

	if _, err := client.Write([]byte("ping")); err != nil {
		t.Fatalf("client write: %v", err)
	}
	buf := make([]byte, 4)
	server.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(server, buf); err != nil {
		t.Fatalf("server read: %v", err)
	}
	if !bytes.Equal(buf, []byte("ping")) {
		t.Errorf("server got %q, want ping", buf)
	}

	if _, err := server.Write([]byte("pong")); err != nil {
		t.Fatalf("server write: %v", err)
	}
	client.SetReadDeadline(time.Now().Add(time.Second))
	if _, err := io.ReadFull(client, buf); err != nil {
		t.Fatalf("client read: %v", err)
	}
	if !bytes.Equal(buf, []byte("pong")) {
		t.Errorf("client got %q, want pong", buf)
	}

	client.Close()
	server.Close()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after both sides closed")
	}
}

func TestCopyReturnsOnClientEOF(t *testing.T) {
	client, server := pipePair(t)
	defer server.Close()

	done := make(chan struct{})
	go func() {
		Copy(client, server)
		close(done)
	}()

	client.Close() // client side closed: client -> target copy ends; target write half half-closes
	server.Close() // target now closed too, so the reverse direction also ends

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Copy did not return after client closed")
	}
}
