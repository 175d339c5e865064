package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/nerrad567/hive-core/internal/auth"
)

// healthCheckTimeout bounds each dependency probe on /health.
const healthCheckTimeout = 2 * time.Second

// buildRouter creates the HTTP router with all routes and middleware.
func (s *Server) buildRouter() http.Handler {
	r := chi.NewRouter()

	// Global middleware
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoveryMiddleware)
	r.Use(s.corsMiddleware)
	r.Use(s.bodySizeLimitMiddleware)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Post("/auth/login", s.handleLogin)

		// WebSocket (auth via ticket, validated in handler)
		r.Get("/ws", s.handleWebSocket)

		r.Group(func(r chi.Router) {
			r.Use(s.authMiddleware)

			r.Post("/auth/ws-ticket", s.handleWSTicket)
			r.With(s.require(auth.PermDeviceManage)).Get("/metrics", s.handleMetrics)
			r.With(s.require(auth.PermDeviceManage)).Get("/audit", s.handleListAudit)

			r.Route("/devices", func(r chi.Router) {
				r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleListDevices)
				r.With(s.require(auth.PermDeviceManage)).Post("/", s.handleCreateDevice)

				r.Route("/{id}", func(r chi.Router) {
					r.With(s.require(auth.PermDeviceRead)).Get("/", s.handleGetDevice)
					r.With(s.require(auth.PermDeviceManage)).Delete("/", s.handleDeleteDevice)

					r.Route("/notifications", func(r chi.Router) {
						r.With(s.require(auth.PermNotificationWrite)).Post("/", s.handleInsertNotification)
						r.With(s.require(auth.PermNotificationRead)).Get("/", s.handleListNotifications)
						r.With(s.require(auth.PermNotificationRead)).Get("/{nid}", s.handleGetNotification)
					})

					r.Route("/commands", func(r chi.Router) {
						r.With(s.require(auth.PermCommandWrite)).Post("/", s.handleInsertCommand)
						r.With(s.require(auth.PermCommandRead)).Get("/{cid}", s.handleGetCommand)
						r.With(s.require(auth.PermCommandUpdate)).Put("/{cid}", s.handleUpdateCommand)
					})
				})
			})
		})
	})

	return r
}

// handleHealth reports overall status and each dependency's probe result.
// Any failing dependency turns the response into 503.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	checks := make(map[string]string, len(s.checks))
	for name, c := range s.checks {
		ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
		err := c.HealthCheck(ctx)
		cancel()
		if err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
			continue
		}
		checks[name] = "ok"
	}

	overall := "ok"
	if status != http.StatusOK {
		overall = "degraded"
	}
	writeJSON(w, status, map[string]any{
		"status":  overall,
		"version": s.version,
		"node":    s.nodeID,
		"checks":  checks,
	})
}
