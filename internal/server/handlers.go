// Package server exposes the admin HTTP handlers: health check, runtime
// stats and the WebSocket upgrade for the echo gateway.
package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/shirou/gopsutil/v3/process"
)

// Stats is the JSON body served by /stats.
type Stats struct {
	Running       bool    `json:"running"`
	Sessions      int     `json:"sessions"`
	TCPSessions   int     `json:"tcp_sessions"`
	WSSessions    int     `json:"websocket_sessions"`
	Heartbeats    uint64  `json:"heartbeats"`
	UptimeSeconds float64 `json:"uptime_seconds"`
	RSSBytes      uint64  `json:"rss_bytes,omitempty"`
	Threads       int32   `json:"threads,omitempty"`
}

// HealthHandler provides a simple health check endpoint that returns server status.
func (a *AdminServer) HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if !a.srv.Running() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = fmt.Fprint(w, "TCP echo server is stopped")
		return
	}
	_, _ = fmt.Fprint(w, "TCP echo server is running!")
}

// StatsHandler reports session counts, heartbeat progress and process usage.
func (a *AdminServer) StatsHandler(w http.ResponseWriter, _ *http.Request) {
	stats := a.collectStats()

	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(stats); err != nil {
		a.log.Error().Err(err).Msg("Error writing stats response")
	}
}

func (a *AdminServer) collectStats() Stats {
	stats := Stats{
		Running:       a.srv.Running(),
		Heartbeats:    a.srv.Broadcaster().Sequence(),
		UptimeSeconds: time.Since(a.started).Seconds(),
	}

	for _, sess := range a.srv.Registry().Snapshot() {
		stats.Sessions++
		switch sess.Transport() {
		case TransportTCP:
			stats.TCPSessions++
		case TransportWebSocket:
			stats.WSSessions++
		}
	}

	proc, err := process.NewProcess(int32(os.Getpid()))
	if err != nil {
		a.log.Debug().Err(err).Msg("Process stats unavailable")
		return stats
	}
	if mem, err := proc.MemoryInfo(); err == nil {
		stats.RSSBytes = mem.RSS
	}
	if threads, err := proc.NumThreads(); err == nil {
		stats.Threads = threads
	}
	return stats
}

// WebSocketHandler upgrades the request and hands the connection to the echo
// server, which registers it alongside TCP sessions.
func (a *AdminServer) WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}
	if !a.srv.Running() {
		http.Error(w, "server is shutting down", http.StatusServiceUnavailable)
		return
	}

	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		a.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket upgrade failed")
		return
	}

	if err := a.srv.ServeWebSocket(conn, r.RemoteAddr, a.cfg.MaxMessageSize); err != nil {
		a.log.Warn().Err(err).Str("addr", r.RemoteAddr).Msg("WebSocket session rejected")
	}
}
