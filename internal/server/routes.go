// Package server wires the HTTP handlers into a gorilla/mux router.
package server

import (
	"net/http"

	"github.com/gorilla/mux"
)

// Handler returns the router for the server. The configured route accepts
// WebSocket upgrades, /healthz reports liveness and /test serves the browser
// test page. Unknown paths get the router's 404.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc(s.cfg.Route, s.WebSocketHandler)
	r.HandleFunc("/healthz", s.HealthHandler)
	r.HandleFunc("/test", s.TestPageHandler).Methods(http.MethodGet, http.MethodHead)
	return r
}
