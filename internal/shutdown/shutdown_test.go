package shutdown

import (
	"context"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"testing"

	"github.com/oplik0/wakezilla/internal/werrors"
)

func TestCallSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/turn-off" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	c := &Client{}
	if err := c.Call(context.Background(), "m1", host, port); err != nil {
		t.Fatalf("Call() error = %v", err)
	}
}

func TestCallNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	host, port := splitTestServer(t, srv)
	c := &Client{}
	err := c.Call(context.Background(), "m1", host, port)

	var sf *werrors.ShutdownCallFailed
	if !errors.As(err, &sf) {
		t.Fatalf("expected ShutdownCallFailed, got %v", err)
	}
	if sf.StatusCode != http.StatusInternalServerError {
		t.Errorf("StatusCode = %d, want 500", sf.StatusCode)
	}
}

func TestCallConnectionRefused(t *testing.T) {
	c := &Client{}
	err := c.Call(context.Background(), "m1", "127.0.0.1", 1)

	var sf *werrors.ShutdownCallFailed
	if !errors.As(err, &sf) {
		t.Fatalf("expected ShutdownCallFailed, got %v", err)
	}
}

func splitTestServer(t *testing.T, srv *httptest.Server) (string, uint16) {
	t.Helper()
	u, err := url.Parse(srv.URL)
	if err != nil {
		t.Fatalf("parse test server URL: %v", err)
	}
	host, portStr, err := net.SplitHostPort(u.Host)
	if err != nil {
		t.Fatalf("split host:port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port: %v", err)
	}
	return host, uint16(port)
}
