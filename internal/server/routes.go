// Package server wires the admin HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Routes configures and returns the admin router: health check, stats and
// the WebSocket echo gateway.
func (a *AdminServer) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", a.HealthHandler).Methods(http.MethodGet, http.MethodHead)
	r.HandleFunc("/stats", a.StatsHandler).Methods(http.MethodGet)
	r.HandleFunc("/ws", a.WebSocketHandler)
	return r
}
