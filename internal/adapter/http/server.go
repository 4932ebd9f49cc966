package http

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"slices"
	"time"

	sharedobs "github.com/couchcryptid/storm-data-shared/observability"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/couchcryptid/weather-archive-service/internal/pipeline"
)

// StationEngine is the view of a station engine the server needs.
type StationEngine interface {
	StationID() string
	Status() pipeline.Status
	CheckReadiness(ctx context.Context) error
}

// Server exposes health, readiness, metrics and station status endpoints.
type Server struct {
	httpServer *http.Server
	engines    map[string]StationEngine
	order      []string
	logger     *slog.Logger
}

// NewServer creates an HTTP server with /healthz, /readyz, /metrics,
// /stations and /stations/{id}/current routes. The service is ready once
// every station engine is.
func NewServer(addr string, engines []StationEngine, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	s := &Server{
		httpServer: &http.Server{
			Addr:         addr,
			Handler:      mux,
			ReadTimeout:  10 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		engines: make(map[string]StationEngine, len(engines)),
		logger:  logger,
	}
	for _, e := range engines {
		s.engines[e.StationID()] = e
		s.order = append(s.order, e.StationID())
	}
	slices.Sort(s.order)

	mux.HandleFunc("GET /healthz", sharedobs.LivenessHandler())
	mux.HandleFunc("GET /readyz", sharedobs.ReadinessHandler(s))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /stations", s.handleStations)
	mux.HandleFunc("GET /stations/{id}/current", s.handleCurrent)

	return s
}

// Start begins listening. Returns http.ErrServerClosed on graceful shutdown.
func (s *Server) Start() error {
	s.logger.Info("http server starting", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully drains connections within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP delegates to the underlying handler, useful for testing.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.httpServer.Handler.ServeHTTP(w, r)
}

// CheckReadiness reports every station that is not yet acquiring.
func (s *Server) CheckReadiness(ctx context.Context) error {
	if len(s.engines) == 0 {
		return errors.New("no stations configured")
	}
	var errs []error
	for _, id := range s.order {
		errs = append(errs, s.engines[id].CheckReadiness(ctx))
	}
	return errors.Join(errs...)
}

func (s *Server) handleStations(w http.ResponseWriter, _ *http.Request) {
	out := make([]pipeline.Status, 0, len(s.order))
	for _, id := range s.order {
		out = append(out, s.engines[id].Status())
	}
	sharedobs.WriteJSON(w, http.StatusOK, out)
}

func (s *Server) handleCurrent(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	e, ok := s.engines[id]
	if !ok {
		sharedobs.WriteJSON(w, http.StatusNotFound, map[string]string{"error": "unknown station " + id})
		return
	}
	sharedobs.WriteJSON(w, http.StatusOK, e.Status())
}
