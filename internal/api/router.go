package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "no such route")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	// Prometheus scrape endpoint
	if s.metrics != nil {
		r.Handle("/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/status", s.handleStatus)

		r.Route("/modules", func(r chi.Router) {
			r.Get("/", s.handleListModules)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", s.handleGetModule)
				r.Post("/command", s.handleModuleCommand)
			})
		})

		r.Post("/refresh", s.handleRefresh)

		r.Get("/frames", s.handleListFrames)
		r.Get("/addresses", s.handleListAddresses)

		r.Get("/ws", s.handleWebSocket)
	})

	return r
}

// handleHealth reports liveness plus the state of the two links the bridge
// depends on.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"mqtt_connected": s.mqtt != nil && s.mqtt.IsConnected(),
		"pclink":         s.pcLinkStatus(),
	})
}

// pcLinkStatus is "connected", "connecting", "disconnected" or
// "not_configured".
func (s *Server) pcLinkStatus() string {
	if s.sender == nil {
		return "not_configured"
	}
	stats := s.sender.Stats()
	switch {
	case stats.Connected:
		return "connected"
	case stats.Reconnecting:
		return "connecting"
	default:
		return "disconnected"
	}
}
