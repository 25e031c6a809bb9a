// Package server constructs and runs the optional admin HTTP service with
// production timeouts.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

// AdminServer serves health, stats and the WebSocket gateway for a Server.
type AdminServer struct {
	cfg      AdminConfig
	srv      *Server
	log      zerolog.Logger
	started  time.Time
	upgrader websocket.Upgrader
	http     *http.Server
}

// NewAdminServer creates the admin HTTP server for srv. It does not listen
// until ListenAndServe is called.
func NewAdminServer(cfg AdminConfig, srv *Server, log zerolog.Logger) *AdminServer {
	if cfg.Addr == "" {
		cfg.Addr = defaultAdminAddr
	}
	if cfg.MaxMessageSize <= 0 {
		cfg.MaxMessageSize = defaultMaxMessageSize
	}

	a := &AdminServer{
		cfg:     cfg,
		srv:     srv,
		log:     log,
		started: time.Now(),
	}
	a.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     newOriginPolicy(cfg.AllowedOrigins, log).checkOrigin,
	}
	a.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      a.Routes(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return a
}

// Enabled reports whether the admin endpoint was switched on in configuration.
func (a *AdminServer) Enabled() bool {
	return a.cfg.Enabled
}

// ListenAndServe listens on the configured address and blocks until the
// server is shut down, returning http.ErrServerClosed in that case.
func (a *AdminServer) ListenAndServe() error {
	a.log.Info().Str("addr", a.http.Addr).Msg("Admin server listening")
	return a.http.ListenAndServe()
}

// Shutdown gracefully shuts down the admin server without interrupting
// in-flight requests. Gateway sessions are owned by the echo server and stop
// with it.
func (a *AdminServer) Shutdown(ctx context.Context) error {
	a.log.Info().Msg("Shutting down admin server...")

	if err := a.http.Shutdown(ctx); err != nil {
		a.log.Error().Err(err).Msg("Admin server shutdown error")
		return err
	}

	a.log.Info().Msg("Admin server shutdown completed")
	return nil
}
