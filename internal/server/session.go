// Package server manages individual sessions: the outbound queue, the write
// pump that owns the stream for writing, and lifecycle control.
package server

import (
	"sync"

	"github.com/google/uuid"
)

// peerConn is the write side of a session's stream. Only the session's write
// pump calls writeFrame, so implementations need no locking of their own.
type peerConn interface {
	writeFrame(f frame) error
	close() error
}

// Session represents one accepted connection. The handler that created it
// owns it; the Registry and the broadcaster only hold references.
type Session struct {
	id        uuid.UUID
	addr      string
	transport string
	conn      peerConn
	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	observer  Observer
}

func newSession(conn peerConn, addr, transport string, queueSize int, observer Observer) *Session {
	if queueSize <= 0 {
		queueSize = defaultSendQueueSize
	}
	return &Session{
		id:        uuid.New(),
		addr:      addr,
		transport: transport,
		conn:      conn,
		send:      make(chan frame, queueSize),
		done:      make(chan struct{}),
		observer:  observer,
	}
}

// ID returns the identifier used to correlate log lines for this session.
func (s *Session) ID() uuid.UUID { return s.id }

// Addr returns the peer's host:port.
func (s *Session) Addr() string { return s.addr }

// Transport returns TransportTCP or TransportWebSocket.
func (s *Session) Transport() string { return s.transport }

// Done is closed when the session starts closing.
func (s *Session) Done() <-chan struct{} { return s.done }

// Closed reports whether Close has been called.
func (s *Session) Closed() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

// Deliver queues a heartbeat without blocking. A closed session or a full
// queue is reported as an error so the caller can prune the session.
func (s *Session) Deliver(payload []byte, seq uint64) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	select {
	case s.send <- frame{data: payload, text: true, seq: seq}:
		return nil
	case <-s.done:
		return ErrSessionClosed
	default:
		return ErrQueueFull
	}
}

// echo queues data read from the peer. It blocks while the queue is full so
// that nothing the peer sent is dropped.
func (s *Session) echo(f frame) error {
	if s.Closed() {
		return ErrSessionClosed
	}
	select {
	case s.send <- f:
		return nil
	case <-s.done:
		return ErrSessionClosed
	}
}

// Close marks the session as closing. The write pump flushes what is already
// queued and then closes the underlying connection. Safe to call many times.
func (s *Session) Close() {
	s.closeOnce.Do(func() {
		close(s.done)
	})
}

// writePump is the only writer of the session's stream. It runs until the
// session is closed or a write fails, and always closes the connection on
// the way out.
func (s *Session) writePump() {
	defer func() {
		if err := s.conn.close(); err != nil && !isExpectedCloseError(err) {
			ev := sessionEvent(EventSessionError, s)
			ev.Err = err
			s.observer.emit(ev)
		}
	}()

	for {
		select {
		case f := <-s.send:
			if !s.write(f) {
				s.Close()
				return
			}
		case <-s.done:
			s.flush()
			return
		}
	}
}

// flush writes frames still queued when the session was closed.
func (s *Session) flush() {
	for {
		select {
		case f := <-s.send:
			if !s.write(f) {
				return
			}
		default:
			return
		}
	}
}

func (s *Session) write(f frame) bool {
	if err := s.conn.writeFrame(f); err != nil {
		if !isExpectedCloseError(err) {
			ev := sessionEvent(EventSessionError, s)
			ev.Err = wrapSessionIO(err)
			ev.Seq = f.seq
			s.observer.emit(ev)
		}
		return false
	}

	ev := sessionEvent(EventSent, s)
	ev.Data = f.data
	ev.Seq = f.seq
	s.observer.emit(ev)
	return true
}
