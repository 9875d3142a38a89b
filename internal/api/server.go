package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"campaign-dialer/internal/config"
	"campaign-dialer/internal/models"
	"campaign-dialer/internal/store"
	"campaign-dialer/internal/telemetry"
	"campaign-dialer/internal/telephony"
	"campaign-dialer/internal/tenant"
)

// Store is the slice of the run/job store the API depends on.
type Store interface {
	CreateRun(ctx context.Context, p store.CreateRunParams) (models.Run, error)
	GetRun(ctx context.Context, id string) (models.Run, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	RequestCancel(ctx context.Context, runID, tenantID string) error
	ForceStop(ctx context.Context, runID, tenantID string, now time.Time) error
	CancelQueuedJob(ctx context.Context, jobID, tenantID string) error
}

// OutcomePublisher forwards provider webhook payloads to the workers.
type OutcomePublisher interface {
	Publish(ctx context.Context, o telephony.Outcome) error
}

// Server wires HTTP handlers for the campaign API.
type Server struct {
	cfg      config.Config
	store    Store
	outcomes OutcomePublisher
	guard    *tenant.Guard
	logger   *zap.Logger
}

// New constructs the API server.
func New(cfg config.Config, st Store, outcomes OutcomePublisher, logger *zap.Logger) *Server {
	return &Server{
		cfg:      cfg,
		store:    st,
		outcomes: outcomes,
		guard:    tenant.NewGuard(logger),
		logger:   logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/runs", s.handleCreateRun)
	r.Get("/runs/{id}", s.handleGetRun)
	r.Post("/runs/{id}/stop", s.handleStopRun)
	r.Post("/jobs/{id}/cancel", s.handleCancelJob)
	r.Post("/webhooks/telephony", s.handleTelephonyWebhook)
	return r
}

type createRunRequest struct {
	LeadIDs   []string `json:"lead_ids"`
	CreatedBy string   `json:"created_by"`
}

type runResponse struct {
	RunID           string  `json:"run_id"`
	Status          string  `json:"status"`
	CursorPosition  int     `json:"cursor_position"`
	TotalJobs       int     `json:"total_jobs"`
	CancelRequested bool    `json:"cancel_requested"`
	CreatedAt       string  `json:"created_at"`
	StartedAt       *string `json:"started_at,omitempty"`
	EndedAt         *string `json:"ended_at,omitempty"`
}

func toRunResponse(run models.Run) runResponse {
	resp := runResponse{
		RunID:           run.ID,
		Status:          string(run.Status),
		CursorPosition:  run.CursorPosition,
		TotalJobs:       run.TotalJobs,
		CancelRequested: run.CancelRequested,
		CreatedAt:       run.CreatedAt.UTC().Format(time.RFC3339),
	}
	if run.StartedAt != nil {
		v := run.StartedAt.UTC().Format(time.RFC3339)
		resp.StartedAt = &v
	}
	if run.EndedAt != nil {
		v := run.EndedAt.UTC().Format(time.RFC3339)
		resp.EndedAt = &v
	}
	return resp
}

func (s *Server) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	caller := tenant.FromRequest(r)
	if caller == "" {
		http.Error(w, "tenant header required", http.StatusBadRequest)
		return
	}

	var req createRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}

	run, err := s.store.CreateRun(r.Context(), store.CreateRunParams{
		TenantID:  caller,
		CreatedBy: req.CreatedBy,
		LeadIDs:   req.LeadIDs,
	})
	if errors.Is(err, models.ErrEmptyBatch) || errors.Is(err, models.ErrDuplicateLead) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Error("create run failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	telemetry.RunsCreated.Inc()
	writeJSON(w, http.StatusCreated, toRunResponse(run))
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	caller := tenant.FromRequest(r)
	if caller == "" {
		http.Error(w, "tenant header required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.guard.Require(run.TenantID, caller, "run", id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	writeJSON(w, http.StatusOK, toRunResponse(run))
}

type stopRunRequest struct {
	Hard bool `json:"hard"`
}

func (s *Server) handleStopRun(w http.ResponseWriter, r *http.Request) {
	caller := tenant.FromRequest(r)
	if caller == "" {
		http.Error(w, "tenant header required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")

	var req stopRunRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	run, err := s.store.GetRun(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get run failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.guard.Require(run.TenantID, caller, "run", id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	if req.Hard {
		err = s.store.ForceStop(r.Context(), id, caller, time.Now().UTC())
	} else {
		err = s.store.RequestCancel(r.Context(), id, caller)
	}
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("stop run failed", zap.Bool("hard", req.Hard), zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{"status": "stop requested"})
}

func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	caller := tenant.FromRequest(r)
	if caller == "" {
		http.Error(w, "tenant header required", http.StatusBadRequest)
		return
	}
	id := chi.URLParam(r, "id")

	job, err := s.store.GetJob(r.Context(), id)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("get job failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if err := s.guard.Require(job.TenantID, caller, "job", id); err != nil {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}

	err = s.store.CancelQueuedJob(r.Context(), id, caller)
	if errors.Is(err, models.ErrNotFound) {
		http.Error(w, "not found", http.StatusNotFound)
		return
	}
	if errors.Is(err, models.ErrJobNotCancellable) {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		s.logger.Error("cancel job failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleTelephonyWebhook receives the provider's terminal-outcome
// callback and forwards it to the workers. Provider-facing: authenticated
// upstream, no tenant header.
func (s *Server) handleTelephonyWebhook(w http.ResponseWriter, r *http.Request) {
	var outcome telephony.Outcome
	if err := json.NewDecoder(r.Body).Decode(&outcome); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if outcome.CallReference == "" || outcome.Status == "" {
		http.Error(w, "call_reference and status are required", http.StatusBadRequest)
		return
	}

	if err := s.outcomes.Publish(r.Context(), outcome); err != nil {
		s.logger.Error("publishing call outcome failed", zap.Error(err))
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusAccepted)
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
