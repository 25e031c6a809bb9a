package server

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// recorder collects events published by sessions and the broadcaster.
type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) observe(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *recorder) byKind(kind EventKind) []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Event
	for _, e := range r.events {
		if e.Kind == kind {
			out = append(out, e)
		}
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	return len(r.byKind(kind))
}

// fakeConn is an in-memory peerConn.
type fakeConn struct {
	mu       sync.Mutex
	frames   []frame
	writeErr error
	closed   bool
}

func (c *fakeConn) writeFrame(f frame) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.writeErr != nil {
		return c.writeErr
	}
	c.frames = append(c.frames, f)
	return nil
}

func (c *fakeConn) close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeConn) written() []frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]frame(nil), c.frames...)
}

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// testConfig returns a loopback config with a short poll interval and a
// heartbeat interval long enough that tests drive ticks themselves.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Server.Host = "127.0.0.1"
	cfg.Server.Port = 0
	cfg.Server.PollInterval = 50 * time.Millisecond
	cfg.Heartbeat.Interval = time.Hour
	return cfg
}

// startTestServer starts a server on an ephemeral port and shuts it down
// when the test ends.
func startTestServer(t *testing.T, mutate func(*Config)) (*Server, *recorder) {
	t.Helper()

	cfg := testConfig()
	if mutate != nil {
		mutate(&cfg)
	}

	rec := &recorder{}
	srv := New(cfg, NewRegistry(), zerolog.Nop(), WithObserver(rec.observe))
	require.NoError(t, srv.Start())

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})
	return srv, rec
}

// dialTestServer connects to srv and waits until the registry holds want sessions.
func dialTestServer(t *testing.T, srv *Server, want int) net.Conn {
	t.Helper()

	conn, err := net.DialTimeout("tcp", srv.Addr().String(), 2*time.Second)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(t, func() bool {
		return srv.Registry().Len() == want
	}, 2*time.Second, 10*time.Millisecond, "session was not registered")
	return conn
}

// readUntil reads from conn until the accumulated bytes contain every part.
func readUntil(t *testing.T, conn net.Conn, timeout time.Duration, parts ...[]byte) []byte {
	t.Helper()

	deadline := time.Now().Add(timeout)
	require.NoError(t, conn.SetReadDeadline(deadline))
	defer func() { _ = conn.SetReadDeadline(time.Time{}) }()

	var got []byte
	buf := make([]byte, 4096)
	for {
		complete := true
		for _, p := range parts {
			if !bytes.Contains(got, p) {
				complete = false
				break
			}
		}
		if complete {
			return got
		}

		n, err := conn.Read(buf)
		got = append(got, buf[:n]...)
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				t.Fatalf("timed out waiting for %q, got %q", parts, got)
			}
			t.Fatalf("read failed waiting for %q (got %q): %v", parts, got, err)
		}
	}
}
