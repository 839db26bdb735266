// Package api provides HTTP API server implementation for the ELSPETH service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/tachyon-beep/elspeth/internal/api/middleware"
	"github.com/tachyon-beep/elspeth/internal/landscape"
)

const (
	healthCheckTimeout = 2 * time.Second
	expectedURLParts   = 2
)

type (
	// HealthStatus represents the health check response structure.
	HealthStatus struct {
		Status      string `json:"status"`
		ServiceName string `json:"serviceName"`
		Version     string `json:"version"`
		Uptime      string `json:"uptime,omitempty"`
	}

	// Route represents an HTTP route configuration with a path and handler.
	// Used for declarative route registration with middleware bypass support.
	Route struct {
		Path    string           // The URL path for this route (e.g., "/ping", "/api/v1/health")
		Handler http.HandlerFunc // The HTTP handler function for this route
	}
)

// setupRoutes sets up all HTTP routes for the API server.
func (s *Server) setupRoutes(mux *http.ServeMux) {
	// Public health endpoints
	s.registerPublicRoutes(
		mux,
		Route{"GET /ping", s.handlePing},     // liveness probe
		Route{"GET /ready", s.handleReady},   // readiness probe
		Route{"GET /health", s.handleHealth}, // basic health check - status, uptime, version
		Route{"/", s.handleNotFound},         // catch-all handler for 404 responses
	)

	// Landscape read endpoints
	mux.HandleFunc("GET /api/v1/runs/{run_id}/explain/{subject_id}", s.handleExplain)
	mux.HandleFunc("GET /api/v1/runs/{run_id}/dag", s.handleDag)
}

// registerPublicRoutes registers HTTP routes that bypass authentication and rate limiting.
// This is a convenience method that:
//  1. Registers the route handler with the HTTP mux
//  2. Automatically registers the path as a public endpoint (bypasses auth middleware)
//
// Public routes should only be used for health check endpoints that need to be accessible
// without authentication (e.g., liveness/readiness probes, monitoring tools).
//
// Security Warning: Never register business logic endpoints as public routes.
func (s *Server) registerPublicRoutes(mux *http.ServeMux, routes ...Route) {
	validHTTPMethods := map[string]bool{
		"GET":    true,
		"POST":   true,
		"PUT":    true,
		"PATCH":  true,
		"DELETE": true,
	}

	for _, route := range routes {
		mux.Handle(route.Path, route.Handler)

		// Strip method prefix for public endpoint bypass registration
		path := route.Path

		parts := strings.Fields(path)
		if len(parts) == expectedURLParts && validHTTPMethods[parts[0]] {
			path = strings.TrimSpace(parts[1])
		}

		if path == "" {
			s.logger.Warn("Malformed route path detected, ignoring route", slog.String("path", path))

			continue
		}

		middleware.RegisterPublicEndpoint(path)
	}
}

// handlePing responds to ping requests for basic server validation.
func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	w.Header().Set("Content-Type", "text/plain")
	w.Header().Set("X-ELSPETH-Version", "v1.0.0")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write([]byte("pong")); err != nil {
		s.logger.Error("Failed to write ping response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleReady responds to readiness probes with Landscape backend health checks.
//
// Response codes:
//   - 200 OK: Landscape backend is healthy and ready to serve requests
//   - 503 Service Unavailable: Landscape backend is unhealthy or unreachable
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	if s.reader == nil {
		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ready"))

		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()

	if err := s.reader.HealthCheck(ctx); err != nil {
		s.logger.Error("Landscape health check failed",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)

		w.Header().Set("Content-Type", "text/plain")
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("landscape unavailable"))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ready"))
}

// handleHealth returns detailed health status information.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	correlationID := middleware.GetCorrelationID(r.Context())

	var uptime string
	if !s.startTime.IsZero() {
		uptime = time.Since(s.startTime).Round(time.Second).String()
	}

	health := HealthStatus{
		Status:      "healthy",
		ServiceName: "elspeth",
		Version:     "v1.0.0",
		Uptime:      uptime,
	}

	data, err := json.Marshal(health)
	if err != nil {
		s.logger.Error("Failed to encode health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode health response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-ELSPETH-Version", "v1.0.0")
	w.WriteHeader(http.StatusOK)

	if _, err := w.Write(data); err != nil {
		s.logger.Error("Failed to write health response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}

// handleNotFound returns RFC 7807 compliant 404 responses for unknown endpoints.
func (s *Server) handleNotFound(w http.ResponseWriter, r *http.Request) {
	WriteErrorResponse(w, r, s.logger, NotFound("the requested resource was not found"))
}

// handleExplain serves the full lineage for a row or token: source row, parent
// tokens, node states, routing events, calls, artifacts and final outcome.
// GET /api/v1/runs/{run_id}/explain/{subject_id}
func (s *Server) handleExplain(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	subjectID := r.PathValue("subject_id")

	if runID == "" || subjectID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("run_id and subject_id are required"))

		return
	}

	lineage, err := s.reader.Explain(r.Context(), runID, subjectID)
	if err != nil {
		if landscape.IsNotFound(err) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))

			return
		}

		s.logger.Error("explain query failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to resolve lineage"))

		return
	}

	s.writeJSON(w, r, http.StatusOK, lineage)
}

// handleDag renders the execution graph recorded for a run as Mermaid or ASCII.
// GET /api/v1/runs/{run_id}/dag?format=mermaid|ascii
func (s *Server) handleDag(w http.ResponseWriter, r *http.Request) {
	runID := r.PathValue("run_id")
	if runID == "" {
		WriteErrorResponse(w, r, s.logger, BadRequest("run_id is required"))

		return
	}

	format := r.URL.Query().Get("format")
	if format == "" {
		format = "mermaid"
	}

	graph, err := s.reader.Graph(r.Context(), runID)
	if err != nil {
		if landscape.IsNotFound(err) {
			WriteErrorResponse(w, r, s.logger, NotFound(err.Error()))

			return
		}

		s.logger.Error("dag query failed", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to resolve graph"))

		return
	}

	var rendered string

	switch format {
	case "mermaid":
		rendered = landscape.RenderMermaid(graph)
	case "ascii":
		rendered = landscape.RenderASCII(graph)
	default:
		WriteErrorResponse(w, r, s.logger, BadRequest("unsupported format: "+format))

		return
	}

	w.Header().Set("Content-Type", "text/plain")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(rendered))
}

// writeJSON marshals v and writes it with the given status code, logging (but not
// failing the request further) on write errors.
func (s *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		WriteErrorResponse(w, r, s.logger, InternalServerError("failed to encode response"))

		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if _, err := w.Write(data); err != nil {
		correlationID := middleware.GetCorrelationID(r.Context())
		s.logger.Error("failed to write response",
			slog.String("correlation_id", correlationID),
			slog.String("error", err.Error()),
		)
	}
}
