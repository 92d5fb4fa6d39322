// Package api serves the admin HTTP API over the provider trackers.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"

	"github.com/sells-group/extract-router/internal/model"
	"github.com/sells-group/extract-router/internal/quality"
)

// HealthService is the health tracker surface used by the API.
type HealthService interface {
	Providers() model.ProviderSet
	GetMetrics(id model.ProviderID) (model.ProviderHealthMetrics, error)
	ResetMetrics(ctx context.Context, id model.ProviderID) error
}

// QualityService is the quality tracker surface used by the API.
type QualityService interface {
	GetMetrics(id model.ProviderID) (model.ProviderQualitySummary, error)
	CheckQualityThreshold(id model.ProviderID, cfg model.QualityThresholdConfig) (model.ThresholdResult, error)
	CompareProviders(costs quality.CostLookup) (model.ProviderQualityComparison, error)
	ResetMetrics(ctx context.Context, id model.ProviderID) error
}

// Options configures a Server.
type Options struct {
	Health     HealthService
	Quality    QualityService
	Costs      quality.CostLookup
	Thresholds model.QualityThresholdConfig

	// AllowedOrigins feeds the CORS policy. Empty allows every origin.
	AllowedOrigins []string
	// Metrics, when set, is mounted at /metrics.
	Metrics http.Handler
	// Refresh, when set, runs before every provider request so the
	// responses reflect writes made by other processes.
	Refresh func(ctx context.Context) error
}

// Server holds the API handlers.
type Server struct {
	opts Options
	log  *zap.Logger
}

// NewServer creates a Server.
func NewServer(opts Options) *Server {
	if len(opts.AllowedOrigins) == 0 {
		opts.AllowedOrigins = []string{"*"}
	}
	return &Server{
		opts: opts,
		log:  zap.L().With(zap.String("component", "api")),
	}
}

// Routes builds the router.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.opts.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)
	r.Route("/providers", func(r chi.Router) {
		r.Use(s.refresh)
		r.Get("/health", s.handleAllHealth)
		r.Get("/health/{id}", s.handleProviderHealth)
		r.Get("/quality", s.handleAllQuality)
		r.Get("/quality/{id}", s.handleProviderQuality)
		r.Get("/quality/{id}/threshold", s.handleThreshold)
		r.Get("/compare", s.handleCompare)
		r.Post("/{id}/reset", s.handleReset)
	})
	if s.opts.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.opts.Metrics)
	}
	return r
}

func (s *Server) refresh(next http.Handler) http.Handler {
	if s.opts.Refresh == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := s.opts.Refresh(r.Context()); err != nil {
			s.log.Warn("api: refresh failed, serving in-memory state", zap.Error(err))
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAllHealth(w http.ResponseWriter, _ *http.Request) {
	ids := s.opts.Health.Providers().IDs()
	out := make([]model.ProviderHealthMetrics, 0, len(ids))
	for _, id := range ids {
		m, err := s.opts.Health.GetMetrics(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, m)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProviderHealth(w http.ResponseWriter, r *http.Request) {
	m, err := s.opts.Health.GetMetrics(providerParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

func (s *Server) handleAllQuality(w http.ResponseWriter, _ *http.Request) {
	ids := s.opts.Health.Providers().IDs()
	out := make([]model.ProviderQualitySummary, 0, len(ids))
	for _, id := range ids {
		q, err := s.opts.Quality.GetMetrics(id)
		if err != nil {
			s.writeError(w, err)
			return
		}
		out = append(out, q)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleProviderQuality(w http.ResponseWriter, r *http.Request) {
	q, err := s.opts.Quality.GetMetrics(providerParam(r))
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (s *Server) handleThreshold(w http.ResponseWriter, r *http.Request) {
	res, err := s.opts.Quality.CheckQualityThreshold(providerParam(r), s.opts.Thresholds)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleCompare(w http.ResponseWriter, _ *http.Request) {
	cmp, err := s.opts.Quality.CompareProviders(s.opts.Costs)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, cmp)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	id := providerParam(r)
	err := errors.Join(
		s.opts.Health.ResetMetrics(r.Context(), id),
		s.opts.Quality.ResetMetrics(r.Context(), id),
	)
	if err != nil {
		s.writeError(w, err)
		return
	}
	s.log.Info("provider reset", zap.String("provider", string(id)))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reset", "provider": string(id)})
}

func providerParam(r *http.Request) model.ProviderID {
	return model.ProviderID(chi.URLParam(r, "id"))
}

// writeError maps tracker errors to status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrUnknownProvider):
		status = http.StatusNotFound
	case errors.Is(err, model.ErrNoExtractions), errors.Is(err, model.ErrNoProviders):
		status = http.StatusConflict
	case errors.Is(err, model.ErrWindowTooSmall):
		status = http.StatusBadRequest
	default:
		s.log.Error("api: request failed", zap.Error(err))
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
