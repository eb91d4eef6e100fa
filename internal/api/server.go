// Package api exposes the HTTP interface for the collection service: job
// dispatch, arena discovery, credential administration, health, and metrics.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/medialens/arena-collector/internal/arena"
	"github.com/medialens/arena-collector/internal/config"
	"github.com/medialens/arena-collector/internal/credstore"
	"github.com/medialens/arena-collector/internal/orchestrator"
	"github.com/medialens/arena-collector/internal/pool"
	"github.com/medialens/arena-collector/internal/ratelimit"
	"github.com/medialens/arena-collector/internal/telemetry"
)

// Server wires HTTP handlers to the dispatcher, registry, and stores.
type Server struct {
	router     chi.Router
	dispatcher *orchestrator.Dispatcher
	registry   *arena.Registry
	creds      credstore.Store
	cipher     *credstore.Cipher
	pool       *pool.Coordinator
	limiter    *ratelimit.Limiter
	cfg        config.Config
	logger     *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	dispatcher *orchestrator.Dispatcher,
	registry *arena.Registry,
	creds credstore.Store,
	cipher *credstore.Cipher,
	credPool *pool.Coordinator,
	limiter *ratelimit.Limiter,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		dispatcher: dispatcher,
		registry:   registry,
		creds:      creds,
		cipher:     cipher,
		pool:       credPool,
		limiter:    limiter,
		cfg:        cfg,
		logger:     logger.Named("api"),
	}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(telemetry.Middleware)
	r.Use(timeoutMiddleware(cfg.ServerTimeout()))
	if cfg.Auth.Enabled {
		r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
	}

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", telemetry.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Get("/arenas", s.listArenas)
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Route("/{job_id}", func(r chi.Router) {
				r.Get("/status", s.jobStatus)
				r.Post("/cancel", s.cancelJob)
			})
		})
		r.Route("/credentials", func(r chi.Router) {
			r.Post("/", s.createCredential)
			r.Post("/{credential_id}/deactivate", s.deactivateCredential)
			r.Post("/{credential_id}/reset-errors", s.resetCredentialErrors)
		})
		r.Post("/records/refresh-engagement", s.refreshEngagement)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	// A registry with no collectors cannot serve jobs.
	descriptors := s.registry.List()
	if len(descriptors) == 0 {
		writeError(s.logger, w, http.StatusServiceUnavailable, "no collectors registered")
		return
	}

	// Collectors that can probe their platform get a short-deadline check.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	var unhealthy []string
	for _, desc := range descriptors {
		collector, err := s.registry.Get(desc.Platform)
		if err != nil {
			continue
		}
		if hc, ok := collector.(arena.HealthChecker); ok && !hc.HealthCheck(ctx) {
			unhealthy = append(unhealthy, desc.Platform)
		}
	}
	if len(unhealthy) > 0 {
		writeJSON(s.logger, w, http.StatusServiceUnavailable, map[string]any{
			"status":    "degraded",
			"unhealthy": unhealthy,
		})
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) listArenas(w http.ResponseWriter, _ *http.Request) {
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"arenas": s.registry.List()})
}

type submitJobRequest struct {
	Platforms  []string          `json:"platforms"`
	TermGroups [][]string        `json:"term_groups,omitempty"`
	Actors     []string          `json:"actors,omitempty"`
	Languages  []string          `json:"languages,omitempty"`
	Tier       string            `json:"tier"`
	From       *time.Time        `json:"from,omitempty"`
	To         *time.Time        `json:"to,omitempty"`
	Tags       map[string]string `json:"tags,omitempty"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req submitJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params := arena.JobParameters{
		Platforms:  req.Platforms,
		TermGroups: req.TermGroups,
		Actors:     req.Actors,
		Languages:  req.Languages,
		Tier:       arena.Tier(req.Tier),
		Tags:       req.Tags,
	}
	if req.From != nil {
		params.Range.From = *req.From
	}
	if req.To != nil {
		params.Range.To = *req.To
	}

	job, err := s.dispatcher.SubmitJob(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, arena.ErrConfiguration) {
			status = http.StatusBadRequest
		}
		writeError(s.logger, w, status, err.Error())
		return
	}
	writeJSON(s.logger, w, http.StatusAccepted, map[string]string{
		"job_id": job.ID,
		"status": string(job.Status),
	})
}

func (s *Server) jobStatus(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, runs, err := s.dispatcher.Status(r.Context(), jobID)
	if err != nil {
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"job": job, "arenas": runs})
}

func (s *Server) cancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	if err := s.dispatcher.Cancel(r.Context(), jobID); err != nil {
		writeError(s.logger, w, http.StatusNotFound, "job not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{
		"job_id": jobID,
		"status": string(arena.JobStatusCanceled),
	})
}

type createCredentialRequest struct {
	Platform string            `json:"platform"`
	Tier     string            `json:"tier"`
	Label    string            `json:"label"`
	Secrets  map[string]string `json:"secrets"`
	Quotas   credstore.Quotas  `json:"quotas"`
}

// createCredential seals the submitted secrets immediately; the plaintext is
// never stored or logged.
func (s *Server) createCredential(w http.ResponseWriter, r *http.Request) {
	var req createCredentialRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Platform == "" || req.Tier == "" || len(req.Secrets) == 0 {
		writeError(s.logger, w, http.StatusBadRequest, "platform, tier, and secrets are required")
		return
	}
	sealed, err := s.cipher.Seal(req.Secrets)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "seal credential payload")
		return
	}
	cred, err := s.creds.Create(r.Context(), req.Platform, arena.Tier(req.Tier), sealed, req.Label, req.Quotas)
	if err != nil {
		writeError(s.logger, w, http.StatusInternalServerError, "store credential")
		return
	}
	s.logger.Info("credential created",
		zap.String("credential_id", cred.ID),
		zap.String("platform", cred.Platform),
		zap.String("tier", string(cred.Tier)),
	)
	writeJSON(s.logger, w, http.StatusCreated, map[string]string{"credential_id": cred.ID})
}

type refreshEngagementRequest struct {
	Record arena.UniversalRecord `json:"record"`
	Tier   string                `json:"tier"`
}

// refreshEngagement re-fetches engagement counters for an already-collected
// record on platforms whose collector supports it. The call spends a
// credential lease and a rate-limit slot like any collection would.
func (s *Server) refreshEngagement(w http.ResponseWriter, r *http.Request) {
	var req refreshEngagementRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(s.logger, w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.Record.Platform == "" {
		writeError(s.logger, w, http.StatusBadRequest, "record.platform is required")
		return
	}
	collector, err := s.registry.Get(req.Record.Platform)
	if err != nil {
		writeError(s.logger, w, http.StatusBadRequest, err.Error())
		return
	}
	refresher, ok := collector.(arena.EngagementRefresher)
	if !ok {
		writeError(s.logger, w, http.StatusBadRequest,
			"platform "+req.Record.Platform+" does not support engagement refresh")
		return
	}

	tier := arena.Tier(req.Tier)
	if req.Tier == "" {
		tier = arena.TierFree
	}
	holder := "api-refresh-" + uuid.NewString()
	cred, err := s.pool.Acquire(r.Context(), req.Record.Platform, tier, holder)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, arena.ErrCredentialUnavailable) {
			status = http.StatusServiceUnavailable
		}
		writeError(s.logger, w, status, err.Error())
		return
	}
	defer func() {
		if relErr := s.pool.Release(r.Context(), cred.ID, holder); relErr != nil {
			s.logger.Warn("credential release failed", zap.Error(relErr))
		}
	}()

	policy := s.ratePolicy(req.Record.Platform)
	gate := s.limiter.Gate("rate:"+req.Record.Platform+":"+cred.ID, policy.Limit,
		time.Duration(policy.WindowSeconds)*time.Second)

	updated, err := refresher.RefreshEngagement(r.Context(), req.Record, *cred, gate)
	if err != nil {
		if repErr := s.pool.ReportError(r.Context(), cred.ID); repErr != nil {
			s.logger.Warn("credential error report failed", zap.Error(repErr))
		}
		writeError(s.logger, w, http.StatusBadGateway, err.Error())
		return
	}
	if err := s.pool.ReportSuccess(r.Context(), cred.ID); err != nil {
		s.logger.Warn("credential success report failed", zap.Error(err))
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]any{"record": updated})
}

func (s *Server) ratePolicy(platform string) config.RatePolicy {
	if p, ok := s.cfg.RateLimit.PerPlatform[platform]; ok && p.Limit > 0 && p.WindowSeconds > 0 {
		return p
	}
	return s.cfg.RateLimit.Default
}

func (s *Server) deactivateCredential(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "credential_id")
	if err := s.creds.Deactivate(r.Context(), id); err != nil {
		writeError(s.logger, w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"credential_id": id, "active": "false"})
}

func (s *Server) resetCredentialErrors(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "credential_id")
	if err := s.pool.ResetErrors(r.Context(), id); err != nil {
		writeError(s.logger, w, http.StatusNotFound, "credential not found")
		return
	}
	writeJSON(s.logger, w, http.StatusOK, map[string]string{"credential_id": id, "error_count": "0"})
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				writeError(s.logger, w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key != expected {
				writeError(zap.NewNop(), w, http.StatusForbidden, "unauthorized")
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

type requestIDKey struct{}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func writeJSON(logger *zap.Logger, w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		logger.Error("write JSON response failed", zap.Error(err))
	}
}

func writeError(logger *zap.Logger, w http.ResponseWriter, status int, msg string) {
	writeJSON(logger, w, status, map[string]string{"error": msg})
}
