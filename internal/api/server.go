package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"batch-pipeline/internal/batch"
	"batch-pipeline/internal/config"
	"batch-pipeline/internal/domain"
	"batch-pipeline/internal/models"
	"batch-pipeline/internal/ratelimit"
	"batch-pipeline/internal/store"
	"batch-pipeline/internal/telemetry"
)

// Submitter accepts one upload.
type Submitter interface {
	Submit(ctx context.Context, p batch.SubmitParams) (batch.SubmitResult, error)
}

// Reads is the query-side persistence contract.
type Reads interface {
	GetBatch(ctx context.Context, id int64) (models.Batch, error)
	ListBatchesByCustomer(ctx context.Context, customerID int64) ([]models.Batch, error)
	ListLogs(ctx context.Context, batchID int64, descending bool) ([]models.ProcessingLog, error)
	DashboardSummary(ctx context.Context) (store.Summary, error)
}

// Presigner issues download URLs for stored artifacts.
type Presigner interface {
	PresignedURL(ctx context.Context, key string, ttl time.Duration) (string, error)
}

// Pinger is a dependency probed by /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Server wires HTTP handlers for the submission API.
type Server struct {
	cfg       config.Config
	submitter Submitter
	reads     Reads
	presigner Presigner
	limiter   *ratelimit.TokenBucket
	probes    map[string]Pinger
	logger    zerolog.Logger
}

// New constructs the API server. limiter may be nil to disable rate limiting;
// probes maps a dependency name to its health check.
func New(cfg config.Config, submitter Submitter, reads Reads, presigner Presigner,
	limiter *ratelimit.TokenBucket, probes map[string]Pinger, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		submitter: submitter,
		reads:     reads,
		presigner: presigner,
		limiter:   limiter,
		probes:    probes,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealth)
	r.Mount("/metrics", telemetry.Handler())

	r.Post("/batches", s.handleSubmit)
	r.Get("/batches/{id}", s.handleGetBatch)
	r.Get("/batches/{id}/logs", s.handleGetLogs)
	r.Get("/batches/{id}/download", s.handleDownload)
	r.Get("/customers/{customerID}/batches", s.handleListByCustomer)
	r.Get("/dashboard/summary", s.handleDashboard)
	return r
}

type submitRequest struct {
	CustomerID int64  `json:"customer_id"`
	ProfileID  int64  `json:"profile_id"`
	UserID     int64  `json:"user_id"`
	FileName   string `json:"file_name"`
	FileBase64 string `json:"file_base64"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, s.cfg.MaxUploadBytes)

	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, domain.InvalidInput("invalid json body"))
		return
	}

	if s.limiter != nil {
		key := fmt.Sprintf("rl:customer:%d", req.CustomerID)
		allowed, _, err := s.limiter.Allow(r.Context(), key)
		if err != nil {
			writeError(w, fmt.Errorf("rate limiter: %w", err))
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limited"})
			return
		}
	}

	result, err := s.submitter.Submit(r.Context(), batch.SubmitParams{
		CustomerID: req.CustomerID,
		ProfileID:  req.ProfileID,
		UserID:     req.UserID,
		FileName:   req.FileName,
		FileBase64: req.FileBase64,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	telemetry.BatchesSubmitted.Inc()
	writeJSON(w, http.StatusAccepted, result)
}

func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.reads.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, b)
}

func (s *Server) handleGetLogs(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	descending := r.URL.Query().Get("order") == "desc"
	logs, err := s.reads.ListLogs(r.Context(), id, descending)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": logs})
}

// handleDownload issues a presigned URL for the processed artifact. Only a
// completed batch has one.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	b, err := s.reads.GetBatch(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	if b.Status != models.StatusCompleted || b.ProcessedPath == nil {
		writeError(w, fmt.Errorf("%w: batch %d has no processed output", domain.ErrDomainViolation, id))
		return
	}
	url, err := s.presigner.PresignedURL(r.Context(), *b.ProcessedPath, s.cfg.PresignTTL)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"url":        url,
		"expires_in": s.cfg.PresignTTL.Seconds(),
	})
}

func (s *Server) handleListByCustomer(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r, "customerID")
	if err != nil {
		writeError(w, err)
		return
	}
	batches, err := s.reads.ListBatchesByCustomer(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": batches})
}

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	sum, err := s.reads.DashboardSummary(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	status := http.StatusOK
	checks := map[string]string{}
	for name, probe := range s.probes {
		if err := probe.Ping(ctx); err != nil {
			checks[name] = err.Error()
			status = http.StatusServiceUnavailable
		} else {
			checks[name] = "ok"
		}
	}
	writeJSON(w, status, map[string]any{"status": httpStatusWord(status), "checks": checks})
}

func httpStatusWord(code int) string {
	if code == http.StatusOK {
		return "ok"
	}
	return "degraded"
}

func pathID(r *http.Request, name string) (int64, error) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		return 0, domain.InvalidInput("%s must be a positive integer", name)
	}
	return id, nil
}

// writeError maps the domain taxonomy onto HTTP status codes.
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, domain.ErrNotFound):
		code = http.StatusNotFound
	case errors.Is(err, domain.ErrInvalidInput):
		code = http.StatusBadRequest
	case errors.Is(err, domain.ErrUnauthorized):
		code = http.StatusUnauthorized
	case errors.Is(err, domain.ErrDomainViolation):
		code = http.StatusConflict
	case errors.Is(err, domain.ErrStorageUnavailable):
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}

func requestLogger(l zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(sw, r)
			l.Info().Str("method", r.Method).Str("path", r.URL.Path).
				Int("status", sw.status).Dur("elapsed", time.Since(start)).Msg("request")
		})
	}
}
