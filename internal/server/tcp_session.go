package server

import (
	"errors"
	"io"
	"net"
	"time"
)

// tcpConn writes frames to a raw TCP stream.
type tcpConn struct {
	conn         net.Conn
	writeTimeout time.Duration
}

func (c tcpConn) writeFrame(f frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	_, err := c.conn.Write(f.data)
	return err
}

func (c tcpConn) close() error {
	return c.conn.Close()
}

func (s *Server) handleTCP(conn net.Conn) {
	sess := newSession(
		tcpConn{conn: conn, writeTimeout: s.cfg.Server.WriteTimeout},
		conn.RemoteAddr().String(),
		TransportTCP,
		s.cfg.Server.SendQueueSize,
		s.observer,
	)
	s.serveSession(sess, func() {
		s.echoTCP(sess, conn)
	})
}

// echoTCP reads from conn until the peer disconnects, an I/O error occurs,
// the session is closed or the server stops. Every read is bounded by the
// poll interval so an idle session still notices shutdown.
func (s *Server) echoTCP(sess *Session, conn net.Conn) {
	buf := make([]byte, s.cfg.Server.ReadBufferSize)

	for s.running.Load() && !sess.Closed() {
		if err := conn.SetReadDeadline(time.Now().Add(s.cfg.Server.PollInterval)); err != nil {
			s.sessionError(sess, err)
			return
		}

		n, err := conn.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])

			ev := sessionEvent(EventReceived, sess)
			ev.Data = data
			s.observer.emit(ev)

			if sess.echo(frame{data: data}) != nil {
				return
			}
		}

		if err == nil {
			if n == 0 {
				s.observer.emit(sessionEvent(EventDisconnected, sess))
				return
			}
			continue
		}

		var netErr net.Error
		switch {
		case errors.As(err, &netErr) && netErr.Timeout():
			continue
		case errors.Is(err, io.EOF):
			s.observer.emit(sessionEvent(EventDisconnected, sess))
			return
		default:
			s.sessionError(sess, err)
			return
		}
	}
}

func (s *Server) sessionError(sess *Session, err error) {
	if sess.Closed() {
		return
	}
	if isExpectedCloseError(err) {
		s.observer.emit(sessionEvent(EventDisconnected, sess))
		return
	}
	ev := sessionEvent(EventSessionError, sess)
	ev.Err = wrapSessionIO(err)
	s.observer.emit(ev)
}
