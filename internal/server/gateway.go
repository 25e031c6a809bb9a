// Package server manages WebSocket gateway sessions, which join the same
// registry as TCP sessions and receive the same echo and heartbeat traffic.
package server

import (
	"errors"
	"io"
	"time"

	"github.com/gorilla/websocket"
)

// wsConn writes frames as WebSocket messages. Echoed data keeps the message
// type it arrived with; heartbeats are text.
type wsConn struct {
	conn         *websocket.Conn
	writeTimeout time.Duration
}

func (c wsConn) writeFrame(f frame) error {
	if err := c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout)); err != nil {
		return err
	}
	messageType := websocket.BinaryMessage
	if f.text {
		messageType = websocket.TextMessage
	}
	return c.conn.WriteMessage(messageType, f.data)
}

func (c wsConn) close() error {
	deadline := time.Now().Add(c.writeTimeout)
	_ = c.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseGoingAway, ""), deadline)
	return c.conn.Close()
}

// ServeWebSocket runs an upgraded connection as a tracked session. It
// returns ErrNotRunning, after closing conn, once shutdown has begun.
func (s *Server) ServeWebSocket(conn *websocket.Conn, addr string, maxMessageSize int64) error {
	sess := newSession(
		wsConn{conn: conn, writeTimeout: s.cfg.Server.WriteTimeout},
		addr,
		TransportWebSocket,
		s.cfg.Server.SendQueueSize,
		s.observer,
	)
	if maxMessageSize > 0 {
		conn.SetReadLimit(maxMessageSize)
	}

	spawned := s.spawn(func() {
		s.serveSession(sess, func() {
			s.echoWebSocket(sess, conn)
		})
	})
	if !spawned {
		_ = conn.Close()
		return ErrNotRunning
	}
	return nil
}

// echoWebSocket reads messages until the peer goes away. A timed out
// WebSocket read cannot be resumed, so instead of polling, shutdown closes
// the session and the blocked read fails.
func (s *Server) echoWebSocket(sess *Session, conn *websocket.Conn) {
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		select {
		case <-s.ctx.Done():
			sess.Close()
		case <-stop:
		}
	}()

	for {
		messageType, data, err := conn.ReadMessage()
		if err != nil {
			s.handleWebSocketReadError(sess, err)
			return
		}

		ev := sessionEvent(EventReceived, sess)
		ev.Data = data
		s.observer.emit(ev)

		if sess.echo(frame{data: data, text: messageType == websocket.TextMessage}) != nil {
			return
		}
	}
}

// handleWebSocketReadError reports why a gateway read loop ended.
func (s *Server) handleWebSocketReadError(sess *Session, err error) {
	if sess.Closed() {
		return
	}

	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.sessionError(sess, err)
	case websocket.IsCloseError(err,
		websocket.CloseNormalClosure,
		websocket.CloseGoingAway,
		websocket.CloseNoStatusReceived):
		s.observer.emit(sessionEvent(EventDisconnected, sess))
	case errors.Is(err, io.EOF), errors.Is(err, io.ErrUnexpectedEOF),
		websocket.IsCloseError(err, websocket.CloseAbnormalClosure):
		s.observer.emit(sessionEvent(EventDisconnected, sess))
	default:
		s.sessionError(sess, err)
	}
}
