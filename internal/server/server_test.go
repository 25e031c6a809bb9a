package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestEchoHello sends a short message and expects the same bytes back.
func TestEchoHello(t *testing.T) {
	srv, rec := startTestServer(t, nil)
	conn := dialTestServer(t, srv, 1)

	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)

	got := readUntil(t, conn, 2*time.Second, []byte("hello"))
	assert.Equal(t, "hello", string(got))

	require.Eventually(t, func() bool { return rec.count(EventSent) >= 1 }, time.Second, 10*time.Millisecond)
	received := rec.byKind(EventReceived)
	require.NotEmpty(t, received)
	assert.Equal(t, conn.LocalAddr().String(), received[0].Addr)
}

// TestEchoFidelity streams random chunks and expects the exact byte
// sequence back, in order.
func TestEchoFidelity(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := dialTestServer(t, srv, 1)

	payload := make([]byte, 64*1024)
	_, err := rand.Read(payload)
	require.NoError(t, err)

	writeErr := make(chan error, 1)
	go func() {
		for off := 0; off < len(payload); off += 777 {
			end := off + 777
			if end > len(payload) {
				end = len(payload)
			}
			if _, err := conn.Write(payload[off:end]); err != nil {
				writeErr <- err
				return
			}
		}
		writeErr <- nil
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	got := make([]byte, len(payload))
	_, err = io.ReadFull(conn, got)
	require.NoError(t, err)
	require.NoError(t, <-writeErr)

	assert.True(t, bytes.Equal(payload, got), "echoed bytes differ from sent bytes")
}

// TestHeartbeatScenario follows a client through echo, one timed heartbeat
// and disconnect.
func TestHeartbeatScenario(t *testing.T) {
	srv, rec := startTestServer(t, func(cfg *Config) {
		cfg.Heartbeat.Interval = 300 * time.Millisecond
	})
	conn := dialTestServer(t, srv, 1)

	_, err := conn.Write([]byte("hello"))
	require.NoError(t, err)

	got := readUntil(t, conn, 2*time.Second, []byte("hello"), []byte("[SERVER HEARTBEAT #1] "))
	assert.Contains(t, string(got), "hello")

	require.NoError(t, conn.Close())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 0 }, time.Second, 10*time.Millisecond)
	assert.GreaterOrEqual(t, rec.count(EventDisconnected)+rec.count(EventSessionError), 1)

	// Let at least one more tick happen; it must not target the old session.
	before := srv.Broadcaster().Sequence()
	require.Eventually(t, func() bool {
		return srv.Broadcaster().Sequence() > before
	}, 2*time.Second, 20*time.Millisecond)

	var afterClose int
	for _, e := range rec.byKind(EventHeartbeat) {
		if e.Seq > before {
			afterClose++
		}
	}
	assert.Zero(t, afterClose, "heartbeat attempted to a disconnected client")
}

// TestHeartbeatIdenticalForAllClients connects two clients and checks that
// one tick delivers byte-identical payloads to both.
func TestHeartbeatIdenticalForAllClients(t *testing.T) {
	fixed := time.Date(2025, 6, 7, 8, 9, 10, 0, time.Local)
	cfg := testConfig()
	rec := &recorder{}
	srv := New(cfg, NewRegistry(), zerolog.Nop(), WithObserver(rec.observe), WithClock(func() time.Time { return fixed }))
	require.NoError(t, srv.Start())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	c1 := dialTestServer(t, srv, 1)
	c2 := dialTestServer(t, srv, 2)

	res := srv.Broadcaster().Tick()
	require.Equal(t, 2, res.Attempts)
	want := []byte("[SERVER HEARTBEAT #1] 2025-06-07 08:09:10\n")
	require.Equal(t, want, res.Payload)

	assert.Equal(t, want, readUntil(t, c1, 2*time.Second, want))
	assert.Equal(t, want, readUntil(t, c2, 2*time.Second, want))
	assert.Len(t, rec.byKind(EventHeartbeat), 2)
}

// TestNClientsNAttempts checks one tick produces exactly one attempt per
// connected client.
func TestNClientsNAttempts(t *testing.T) {
	srv, rec := startTestServer(t, nil)

	const clients = 10
	for i := 1; i <= clients; i++ {
		dialTestServer(t, srv, i)
	}

	res := srv.Broadcaster().Tick()
	assert.Equal(t, clients, res.Attempts)
	assert.Zero(t, res.Failed)

	attempts := rec.byKind(EventHeartbeat)
	require.Len(t, attempts, clients)
	seen := make(map[string]bool)
	for _, e := range attempts {
		assert.Equal(t, res.Payload, e.Data)
		assert.False(t, seen[e.SessionID.String()], "duplicate attempt")
		seen[e.SessionID.String()] = true
	}
}

// TestConcurrentClientsEchoIndependently runs several clients at once and
// checks that each only sees its own data.
func TestConcurrentClientsEchoIndependently(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	const clients = 8
	conns := make([]net.Conn, clients)
	for i := range conns {
		conns[i] = dialTestServer(t, srv, i+1)
	}

	var wg sync.WaitGroup
	for i, conn := range conns {
		i, conn := i, conn
		wg.Add(1)
		go func() {
			defer wg.Done()
			msg := []byte(strings.Repeat(string(rune('a'+i)), 100))
			for round := 0; round < 20; round++ {
				if _, err := conn.Write(msg); err != nil {
					t.Errorf("client %d write: %v", i, err)
					return
				}
				got := make([]byte, len(msg))
				_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
				if _, err := io.ReadFull(conn, got); err != nil {
					t.Errorf("client %d read: %v", i, err)
					return
				}
				if !bytes.Equal(msg, got) {
					t.Errorf("client %d got foreign data %q", i, got)
					return
				}
			}
		}()
	}
	wg.Wait()
}

// TestShutdownWithIdleClient stops the server while a client is connected
// but silent; the session must end within about one poll interval.
func TestShutdownWithIdleClient(t *testing.T) {
	srv, rec := startTestServer(t, nil)
	conn := dialTestServer(t, srv, 1)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	start := time.Now()
	require.NoError(t, srv.Shutdown(ctx))
	assert.Less(t, time.Since(start), time.Second)

	assert.False(t, srv.Running())
	assert.Zero(t, srv.Registry().Len())
	assert.Equal(t, 1, rec.count(EventClosed))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	_, err := conn.Read(make([]byte, 1))
	assert.ErrorIs(t, err, io.EOF)

	_, err = net.DialTimeout("tcp", srv.Addr().String(), 200*time.Millisecond)
	assert.Error(t, err, "listener should be closed")
}

// TestShutdownFlushesQueuedFrames checks that frames still queued for a
// client when shutdown begins are written before its connection is closed.
func TestShutdownFlushesQueuedFrames(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	conn := dialTestServer(t, srv, 1)

	sess := srv.Registry().Snapshot()[0]
	const queued = 50
	for i := 1; i <= queued; i++ {
		require.NoError(t, sess.Deliver(FormatHeartbeat(uint64(i), time.Now()), uint64(i)))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	got, err := io.ReadAll(conn)
	require.NoError(t, err, "connection should end with EOF after the queue is flushed")
	assert.Equal(t, queued, bytes.Count(got, []byte("[SERVER HEARTBEAT #")))
	assert.Contains(t, string(got), "[SERVER HEARTBEAT #50]")
}

func TestShutdownIsIdempotent(t *testing.T) {
	srv, _ := startTestServer(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, srv.Shutdown(ctx))
	require.NoError(t, srv.Shutdown(ctx))
}

func TestShutdownBeforeStart(t *testing.T) {
	srv := New(testConfig(), nil, zerolog.Nop())
	assert.NoError(t, srv.Shutdown(context.Background()))
	assert.Nil(t, srv.Addr())
}

func TestStartTwice(t *testing.T) {
	srv, _ := startTestServer(t, nil)
	assert.ErrorIs(t, srv.Start(), ErrAlreadyStarted)
}

func TestStartBindFailure(t *testing.T) {
	occupied, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer occupied.Close()

	cfg := testConfig()
	cfg.Server.Port = occupied.Addr().(*net.TCPAddr).Port

	srv := New(cfg, nil, zerolog.Nop())
	err = srv.Start()
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrBind)

	var bindErr *BindError
	require.True(t, errors.As(err, &bindErr))
	assert.Equal(t, cfg.ListenAddr(), bindErr.Addr)
	assert.False(t, srv.Running())
}

func TestStartInvalidSchedule(t *testing.T) {
	cfg := testConfig()
	cfg.Heartbeat.Schedule = "not a schedule"

	srv := New(cfg, nil, zerolog.Nop())
	err := srv.Start()
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrBind)
	assert.False(t, srv.Running())
}

// TestDisconnectRemovesSession checks that a client closing its side is
// removed from the registry within one poll interval.
func TestDisconnectRemovesSession(t *testing.T) {
	srv, rec := startTestServer(t, nil)
	c1 := dialTestServer(t, srv, 1)
	dialTestServer(t, srv, 2)

	require.NoError(t, c1.Close())
	require.Eventually(t, func() bool { return srv.Registry().Len() == 1 }, 500*time.Millisecond, 5*time.Millisecond)

	res := srv.Broadcaster().Tick()
	assert.Equal(t, 1, res.Attempts)
	assert.Equal(t, 1, rec.count(EventClosed))
}

func TestServeSessionRegistrationFailure(t *testing.T) {
	rec := &recorder{}
	srv := New(testConfig(), nil, zerolog.Nop(), WithObserver(rec.observe))

	conn := &fakeConn{}
	sess := newSession(conn, "127.0.0.1:40001", TransportTCP, 4, rec.observe)
	require.NoError(t, srv.Registry().Add(sess))

	ran := false
	srv.serveSession(sess, func() { ran = true })

	assert.False(t, ran, "session loop must not run after a failed registration")
	assert.True(t, conn.isClosed())
	assert.True(t, sess.Closed())
	require.Equal(t, 1, rec.count(EventRegisterFailed))
	assert.ErrorIs(t, rec.byKind(EventRegisterFailed)[0].Err, ErrDuplicateSession)
	assert.Zero(t, rec.count(EventConnected))
}

// failingAcceptor fails the first Accept with a non-timeout error.
type failingAcceptor struct {
	*net.TCPListener
	once sync.Once
}

func (a *failingAcceptor) Accept() (net.Conn, error) {
	var failed bool
	a.once.Do(func() { failed = true })
	if failed {
		return nil, errors.New("accept: too many open files")
	}
	return a.TCPListener.Accept()
}

func TestAcceptErrorKeepsServing(t *testing.T) {
	rec := &recorder{}
	srv := New(testConfig(), nil, zerolog.Nop(), WithObserver(rec.observe))

	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	require.NoError(t, err)

	srv.mu.Lock()
	srv.listener = ln
	srv.started = true
	srv.running.Store(true)
	srv.tasks.Go(func() {
		srv.acceptLoop(&failingAcceptor{TCPListener: ln})
	})
	srv.mu.Unlock()

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	})

	require.Eventually(t, func() bool {
		return rec.count(EventAcceptError) == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.ErrorIs(t, rec.byKind(EventAcceptError)[0].Err, ErrAccept)
	assert.True(t, srv.Running())

	conn := dialTestServer(t, srv, 1)
	_, err = conn.Write([]byte("still here"))
	require.NoError(t, err)
	readUntil(t, conn, 2*time.Second, []byte("still here"))
	assert.Equal(t, 1, rec.count(EventAcceptError))
}
