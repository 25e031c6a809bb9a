// Package server defines the outbound frame type and utility helpers shared
// by the TCP and WebSocket session code.
package server

import (
	"errors"
	"net"
	"strings"
	"syscall"
	"unicode/utf8"

	"github.com/gorilla/websocket"
)

// Transport names reported in events and stats.
const (
	TransportTCP       = "tcp"
	TransportWebSocket = "websocket"
)

// frame is one unit queued for a session's write pump.
type frame struct {
	data []byte
	// text marks payloads that WebSocket peers receive as text messages.
	text bool
	// seq is the heartbeat sequence number, zero for echoed data.
	seq uint64
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	return errors.Is(err, net.ErrClosed) ||
		errors.Is(err, websocket.ErrCloseSent) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, syscall.ECONNRESET)
}

// preview renders received bytes for log output, dropping invalid UTF-8 and
// surrounding whitespace.
func preview(data []byte, limit int) string {
	text := strings.TrimSpace(strings.ToValidUTF8(string(data), ""))
	if limit > 0 && len(text) > limit {
		cut := limit
		for cut > 0 && !utf8.RuneStart(text[cut]) {
			cut--
		}
		text = text[:cut] + "..."
	}
	return text
}
