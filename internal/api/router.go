package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/fleetmon/internal/auth"
)

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware())
	r.Use(s.bodySizeLimitMiddleware)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		writeNotFound(w, "route not found")
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, _ *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, ErrCodeMethodNotAllow, "method not allowed")
	})

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/token", s.handleToken)

		// Token checked in the handler: browsers cannot set headers on upgrade.
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)
			r.Use(s.requirePermission(auth.PermFleetRead))

			r.Route("/devices", func(r chi.Router) {
				r.Get("/", s.handleListDevices)
				r.Get("/online", s.handleOnlineDevices)

				r.Route("/{id}", func(r chi.Router) {
					r.Get("/", s.handleGetDevice)
					r.Get("/history", s.handleDeviceHistory)
					r.Get("/commands", s.handleDeviceCommands)

					r.With(s.requirePermission(auth.PermFleetCommand)).Post("/commands", s.handleSendCommand)
					r.With(s.requirePermission(auth.PermFleetCommand)).Post("/status-request", s.handleDeviceStatusRequest)
				})
			})

			r.Route("/commands", func(r chi.Router) {
				r.Get("/", s.handleListPendingCommands)
				r.Get("/{id}", s.handleGetCommand)
			})

			r.With(s.requirePermission(auth.PermFleetCommand)).Post("/status-request", s.handleBroadcastStatusRequest)
		})
	})

	return r
}

// handleHealth returns the server health status.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"version":        s.version,
		"mqtt_connected": s.fleet.IsConnected(),
		"devices":        s.fleet.DeviceCount(),
		"ws_clients":     s.hub.ClientCount(),
	})
}
