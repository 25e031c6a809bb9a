// Package server implements a TCP echo server that periodically broadcasts a
// heartbeat line to every connected client.
//
// Server owns the listener and the session lifecycle, Registry holds the
// live sessions and Broadcaster writes the heartbeat to them. AdminServer is
// optional and adds health, stats and a WebSocket echo gateway on top.
package server
