// Package api exposes the HTTP interface for the analysis service.
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/sitegrade/sitegrade/internal/analyzer"
	"github.com/sitegrade/sitegrade/internal/credentials"
	"github.com/sitegrade/sitegrade/internal/metrics"
	"github.com/sitegrade/sitegrade/internal/orchestrator"
	"github.com/sitegrade/sitegrade/internal/ratelimit"
)

// Server wires HTTP handlers to the orchestrator and its collaborators.
type Server struct {
	router chi.Router
	orch   *orchestrator.Orchestrator
	limit  *ratelimit.Limiter
	creds  *credentials.Manager
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes. limit and creds
// may be nil; the corresponding observability endpoints then report absent.
func NewServer(
	orch *orchestrator.Orchestrator,
	limit *ratelimit.Limiter,
	creds *credentials.Manager,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		orch:   orch,
		limit:  limit,
		creds:  creds,
		logger: logger,
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.getJobStatus)
				r.Get("/results", s.getJobResults)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Get("/stats", s.getStats)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, _ *http.Request) {
	if s.limit != nil && !s.limit.Healthy() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "rate limiter overwhelmed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type submitJobRequest struct {
	URLs   []string               `json:"urls"`
	Config analyzer.ScoringConfig `json:"config"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	jobID, err := s.orch.Submit(req.URLs, req.Config)
	if err != nil {
		switch {
		case errors.Is(err, orchestrator.ErrNoURLs):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, orchestrator.ErrClosed):
			writeError(w, http.StatusServiceUnavailable, err.Error())
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	snap, err := s.orch.GetStatus(jobID)
	if err != nil {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) getJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	results, err := s.orch.GetResults(jobID)
	if err != nil {
		var notDone *orchestrator.NotCompletedError
		switch {
		case errors.As(err, &notDone):
			writeJSON(w, http.StatusConflict, map[string]string{
				"error":  "job not completed",
				"status": string(notDone.Status),
			})
		case errors.Is(err, orchestrator.ErrNotFound):
			writeError(w, http.StatusNotFound, "job not found")
		default:
			writeError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "results": results})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if !s.orch.Cancel(jobID) {
		writeError(w, http.StatusConflict, "job not cancellable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"job_id": jobID, "status": "cancellation requested"})
}

func (s *Server) getStats(w http.ResponseWriter, _ *http.Request) {
	payload := map[string]any{"jobs": s.orch.GetStats()}
	if s.limit != nil {
		payload["rate_limiter"] = s.limit.Stats()
		payload["rate_limiter_healthy"] = s.limit.Healthy()
	}
	if s.creds != nil {
		payload["credentials"] = s.creds.AllStats()
	}
	writeJSON(w, http.StatusOK, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("dur", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("handler panic", zap.Any("panic", rec))
				writeError(w, http.StatusInternalServerError, "internal error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
