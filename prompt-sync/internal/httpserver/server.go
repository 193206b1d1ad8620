package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/auth"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/generation"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/lock"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/logger"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/models"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/processor"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/snapshot"
	"github.com/cabibbz/koya-caller-sub007/prompt-sync/internal/store"
)

type Processor interface {
	ProcessBatch(ctx context.Context, limit int) (processor.BatchResult, error)
	ProcessDirect(ctx context.Context, tenantID, reason string) (processor.DirectResult, error)
	Reconcile(ctx context.Context, limit int) (processor.ReconcileResult, error)
}

type Server struct {
	store    store.Store
	proc     Processor
	verifier *auth.Verifier
	log      *logger.Logger
}

func New(st store.Store, proc Processor, verifier *auth.Verifier, log *logger.Logger) *Server {
	if log == nil {
		log = logger.Nop()
	}
	return &Server{store: st, proc: proc, verifier: verifier, log: log.With("component", "httpserver")}
}

var validate = validator.New(validator.WithRequiredStructEnabled())

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.With(middleware.Timeout(30*time.Second)).Get("/health", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/prompt-sync", func(r chi.Router) {
		r.Use(s.verifier.Middleware)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(auth.RequireAnyRole(auth.RoleRead, auth.RoleOperator))
			r.Get("/queue/stats", s.handleQueueStats)
			r.Get("/drift", s.handleListDrift)
			r.Get("/drift/{tenantId}", s.handleGetDrift)
			r.Get("/tenants/{tenantId}/artifacts", s.handleListArtifacts)
			r.Get("/tenants/{tenantId}/artifacts/latest", s.handleLatestArtifact)
			r.Get("/tenants/{tenantId}/sync-failures", s.handleSyncFailures)
		})

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))
			r.Use(auth.RequireAnyRole(auth.RoleTrigger, auth.RoleOperator))
			r.Post("/regenerate", s.handleEnqueue)
		})

		// Processing routes are bounded by the processor's per-step timeouts.
		r.Group(func(r chi.Router) {
			r.Use(auth.RequireAnyRole(auth.RoleOperator))
			r.Post("/regenerate/direct", s.handleDirect)
			r.Post("/process", s.handleProcess)
			r.Post("/reconcile", s.handleReconcile)
			r.Put("/tenants/{tenantId}/binding", s.handleUpsertBinding)
		})
	})

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	status := map[string]interface{}{
		"ok":   true,
		"time": time.Now().UTC(),
	}
	if err := s.store.Ping(ctx); err != nil {
		status["ok"] = false
		status["db"] = err.Error()
		respondJSON(w, http.StatusServiceUnavailable, status)
		return
	}
	respondJSON(w, http.StatusOK, status)
}

type regenerateRequest struct {
	TenantID string `json:"tenantId" validate:"required,max=128"`
	Reason   string `json:"reason" validate:"max=256"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	entry, err := s.store.Enqueue(r.Context(), req.TenantID, req.Reason)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusAccepted, entry)
}

func (s *Server) handleDirect(w http.ResponseWriter, r *http.Request) {
	var req regenerateRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := s.proc.ProcessDirect(r.Context(), req.TenantID, req.Reason)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

type limitRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=1000"`
}

func (s *Server) handleProcess(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := s.proc.ProcessBatch(r.Context(), req.Limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleReconcile(w http.ResponseWriter, r *http.Request) {
	var req limitRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	res, err := s.proc.Reconcile(r.Context(), req.Limit)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}

func (s *Server) handleQueueStats(w http.ResponseWriter, r *http.Request) {
	counts, err := s.store.CountByStatus(r.Context())
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	stats := models.QueueStats{Counts: counts}
	for _, n := range counts {
		stats.Total += n
	}
	respondJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListDrift(w http.ResponseWriter, r *http.Request) {
	all, _ := strconv.ParseBool(r.URL.Query().Get("all"))
	drifts, err := s.store.ListDrift(r.Context(), store.DriftFilter{IncludeInSync: all, Limit: queryInt(r, "limit")})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if drifts == nil {
		drifts = []models.TenantDrift{}
	}
	respondJSON(w, http.StatusOK, drifts)
}

func (s *Server) handleGetDrift(w http.ResponseWriter, r *http.Request) {
	tenantID := chi.URLParam(r, "tenantId")
	drift, err := s.store.GetDrift(r.Context(), tenantID)
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if drift.LatestVersion == 0 {
		respondError(w, http.StatusNotFound, "no artifact for tenant")
		return
	}
	respondJSON(w, http.StatusOK, drift)
}

func (s *Server) handleLatestArtifact(w http.ResponseWriter, r *http.Request) {
	artifact, err := s.store.Latest(r.Context(), chi.URLParam(r, "tenantId"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, artifact)
}

func (s *Server) handleListArtifacts(w http.ResponseWriter, r *http.Request) {
	artifacts, err := s.store.ListVersions(r.Context(), chi.URLParam(r, "tenantId"), queryInt(r, "limit"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, artifacts)
}

func (s *Server) handleSyncFailures(w http.ResponseWriter, r *http.Request) {
	failures, err := s.store.ListSyncFailures(r.Context(), chi.URLParam(r, "tenantId"), queryInt(r, "limit"))
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	if failures == nil {
		failures = []models.SyncFailure{}
	}
	respondJSON(w, http.StatusOK, failures)
}

type bindingRequest struct {
	AgentID          string `json:"agentId" validate:"required,max=128"`
	SecondaryAgentID string `json:"secondaryAgentId" validate:"max=128"`
}

func (s *Server) handleUpsertBinding(w http.ResponseWriter, r *http.Request) {
	var req bindingRequest
	if !s.decodeAndValidate(w, r, &req) {
		return
	}
	binding, err := s.store.UpsertBinding(r.Context(), models.RemoteAgentBinding{
		TenantID:         chi.URLParam(r, "tenantId"),
		AgentID:          req.AgentID,
		SecondaryAgentID: req.SecondaryAgentID,
	})
	if err != nil {
		s.respondErr(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, binding)
}

// statusFor maps pipeline errors onto HTTP status codes. Persistence and
// unclassified failures are 500.
func statusFor(err error) int {
	switch {
	case errors.Is(err, snapshot.ErrTenantNotFound), errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, lock.ErrLockTimeout):
		return http.StatusConflict
	case generation.KindOf(err) == generation.KindInvalidInput:
		return http.StatusUnprocessableEntity
	case generation.KindOf(err) == generation.KindUnavailable:
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) respondErr(w http.ResponseWriter, r *http.Request, err error) {
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		s.log.Error("request failed", "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()), "error", err)
	}
	respondError(w, status, err.Error())
}

func (s *Server) decodeAndValidate(w http.ResponseWriter, r *http.Request, v interface{}) bool {
	if err := decodeJSON(w, r, v); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	if err := validate.Struct(v); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return false
	}
	return true
}

func queryInt(r *http.Request, key string) int {
	n, err := strconv.Atoi(r.URL.Query().Get(key))
	if err != nil {
		return 0
	}
	return n
}

// decodeJSON accepts an empty body as the zero value.
func decodeJSON(w http.ResponseWriter, r *http.Request, v interface{}) error {
	defer r.Body.Close()
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	err := json.NewDecoder(r.Body).Decode(v)
	if errors.Is(err, io.EOF) {
		return nil
	}
	return err
}

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, msg string) {
	respondJSON(w, status, map[string]string{"error": msg})
}
