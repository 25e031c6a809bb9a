// Package server implements the TCP echo supervisor: it owns the listener,
// dispatches accepted connections to session handlers, runs the heartbeat
// broadcaster and coordinates shutdown.
package server

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/sourcegraph/conc"
)

// Option customizes a Server.
type Option func(*Server)

// WithObserver replaces the default logging observer.
func WithObserver(observer Observer) Option {
	return func(s *Server) {
		s.observer = observer
	}
}

// WithClock sets the clock used to timestamp heartbeats.
func WithClock(now func() time.Time) Option {
	return func(s *Server) {
		s.broadcaster.now = now
	}
}

// Server is the supervisor. Its running flag is the single shutdown signal:
// it goes from running to stopped exactly once and every loop polls it.
type Server struct {
	cfg         Config
	log         zerolog.Logger
	registry    *Registry
	broadcaster *Broadcaster
	observer    Observer

	mu       sync.Mutex
	listener *net.TCPListener
	started  bool
	running  atomic.Bool
	ctx      context.Context
	cancel   context.CancelFunc
	tasks    conc.WaitGroup
}

// New creates a Server. Nothing is bound until Start.
func New(cfg Config, registry *Registry, log zerolog.Logger, opts ...Option) *Server {
	cfg = sanitizeConfig(cfg)
	if registry == nil {
		registry = NewRegistry()
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		cfg:      cfg,
		log:      log,
		registry: registry,
		observer: LogObserver(log),
		ctx:      ctx,
		cancel:   cancel,
	}
	s.broadcaster = NewBroadcaster(registry, cfg.Heartbeat, nil, log)
	for _, opt := range opts {
		opt(s)
	}
	s.broadcaster.observer = s.observer
	return s
}

// Registry returns the session registry.
func (s *Server) Registry() *Registry { return s.registry }

// Broadcaster returns the heartbeat broadcaster.
func (s *Server) Broadcaster() *Broadcaster { return s.broadcaster }

// Running reports whether the server is accepting connections.
func (s *Server) Running() bool { return s.running.Load() }

// Addr returns the bound listener address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Start binds the listener, then starts the broadcaster and the accept loop
// in the background. A bind failure is returned as *BindError.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.started {
		return ErrAlreadyStarted
	}

	addr := s.cfg.ListenAddr()
	var lc net.ListenConfig
	ln, err := lc.Listen(s.ctx, "tcp", addr)
	if err != nil {
		return &BindError{Addr: addr, Err: err}
	}
	tcpListener, ok := ln.(*net.TCPListener)
	if !ok {
		_ = ln.Close()
		return &BindError{Addr: addr, Err: errors.New("listener is not TCP")}
	}

	ticks, stop, err := s.broadcaster.ticks()
	if err != nil {
		_ = tcpListener.Close()
		return err
	}

	s.listener = tcpListener
	s.started = true
	s.running.Store(true)

	s.log.Info().
		Str("addr", tcpListener.Addr().String()).
		Dur("heartbeat_interval", s.cfg.Heartbeat.Interval).
		Str("heartbeat_schedule", s.cfg.Heartbeat.Schedule).
		Msg("TCP echo server started, waiting for clients")

	s.tasks.Go(func() {
		s.broadcaster.loop(s.ctx, ticks, stop)
	})
	s.tasks.Go(func() {
		s.acceptLoop(tcpListener)
	})
	return nil
}

// acceptor is the part of *net.TCPListener the accept loop uses.
type acceptor interface {
	SetDeadline(t time.Time) error
	Accept() (net.Conn, error)
}

func (s *Server) acceptLoop(ln acceptor) {
	for s.running.Load() {
		if err := ln.SetDeadline(time.Now().Add(s.cfg.Server.PollInterval)); err != nil {
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.log.Error().Err(err).Msg("Error setting accept deadline")
		}

		conn, err := ln.Accept()
		if err != nil {
			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			if !s.running.Load() || errors.Is(err, net.ErrClosed) {
				return
			}
			s.observer.emit(Event{Kind: EventAcceptError, Err: errors.Join(ErrAccept, err)})
			continue
		}

		s.tasks.Go(func() {
			s.handleTCP(conn)
		})
	}
}

// Shutdown flips the server to stopped, closes the listener and waits for
// the accept loop, the broadcaster and every session to finish on their own
// schedule. If ctx expires first it returns ctx.Err() and leaves the
// remaining goroutines to exit in the background.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if !s.started || !s.running.CompareAndSwap(true, false) {
		s.mu.Unlock()
		return nil
	}
	s.log.Info().Int("clients", s.registry.Len()).Msg("Shutting down server")
	s.cancel()
	if err := s.listener.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
		s.log.Warn().Err(err).Msg("Error closing listener")
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if r := s.tasks.WaitAndRecover(); r != nil {
			s.log.Error().Str("panic", r.String()).Msg("Recovered panic in server task")
		}
	}()

	select {
	case <-done:
		s.log.Info().Msg("Server stopped")
		return nil
	case <-ctx.Done():
		s.log.Warn().Int("clients", s.registry.Len()).
			Msg("Shutdown timeout reached, some sessions may still be running")
		return ctx.Err()
	}
}

// serveSession runs a session through registration, the transport specific
// loop and cleanup. The write pump is joined before returning so the session
// task covers every goroutine it started.
func (s *Server) serveSession(sess *Session, loop func()) {
	var pump conc.WaitGroup
	pump.Go(sess.writePump)
	defer pump.Wait()

	if err := s.registry.Add(sess); err != nil {
		ev := sessionEvent(EventRegisterFailed, sess)
		ev.Err = err
		s.observer.emit(ev)
		sess.Close()
		return
	}

	ev := sessionEvent(EventConnected, sess)
	ev.Clients = s.registry.Len()
	s.observer.emit(ev)

	loop()

	s.registry.Remove(sess)
	sess.Close()

	ev = sessionEvent(EventClosed, sess)
	ev.Clients = s.registry.Len()
	s.observer.emit(ev)
}

// spawn runs fn as a tracked task unless shutdown has begun.
func (s *Server) spawn(fn func()) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.running.Load() {
		return false
	}
	s.tasks.Go(fn)
	return true
}
