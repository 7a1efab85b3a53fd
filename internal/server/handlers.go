package server

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/opuscorpus/ocd/internal/auth"
	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/registry"
	"github.com/opuscorpus/ocd/internal/scheduler"
	"github.com/opuscorpus/ocd/internal/service/export"
	"github.com/opuscorpus/ocd/internal/service/outcome"
	"github.com/opuscorpus/ocd/internal/service/recorder"
	"github.com/opuscorpus/ocd/internal/service/reward"
	"github.com/opuscorpus/ocd/internal/storage"
)

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	db          *storage.DB
	jwtMgr      *auth.JWTManager
	recorderSvc *recorder.Service
	outcomeSvc  *outcome.Service
	rewardSvc   *reward.Service
	exportSvc   *export.Service
	registry    *registry.Registry
	sched       *scheduler.Scheduler
	logger      *slog.Logger
	version     string
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Optional (nil-safe): Sched.
type HandlersDeps struct {
	DB          *storage.DB
	JWTMgr      *auth.JWTManager
	RecorderSvc *recorder.Service
	OutcomeSvc  *outcome.Service
	RewardSvc   *reward.Service
	ExportSvc   *export.Service
	Registry    *registry.Registry
	Sched       *scheduler.Scheduler
	Logger      *slog.Logger
	Version     string
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		db:          d.DB,
		jwtMgr:      d.JWTMgr,
		recorderSvc: d.RecorderSvc,
		outcomeSvc:  d.OutcomeSvc,
		rewardSvc:   d.RewardSvc,
		exportSvc:   d.ExportSvc,
		registry:    d.Registry,
		sched:       d.Sched,
		logger:      d.Logger,
		version:     d.Version,
	}
}

// SeedCreator ensures the creator account exists. No-op when name or
// password is empty or when the account is already present.
func (h *Handlers) SeedCreator(ctx context.Context, name, password string) error {
	if name == "" || password == "" {
		return nil
	}
	if _, err := h.db.GetUserByName(ctx, name); err == nil {
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return err
	}
	u, err := h.db.CreateUser(ctx, model.User{
		Name:         name,
		PasswordHash: hash,
		Role:         model.RoleCreator,
	})
	if err != nil {
		return err
	}
	h.logger.Info("creator account seeded", "user_id", u.ID, "name", u.Name)
	return nil
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	pgStatus := "connected"
	status := "healthy"
	httpStatus := http.StatusOK

	if err := h.db.Ping(r.Context()); err != nil {
		pgStatus = "disconnected"
		status = "unhealthy"
		httpStatus = http.StatusServiceUnavailable
	}

	writeJSON(w, r, httpStatus, model.HealthResponse{
		Status:   status,
		Version:  h.version,
		Postgres: pgStatus,
	})
}

// HandleLogin handles POST /auth/login.
func (h *Handlers) HandleLogin(w http.ResponseWriter, r *http.Request) {
	var req model.LoginRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	if req.Name == "" || req.Password == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "name and password are required")
		return
	}

	user, err := h.db.GetUserByName(r.Context(), req.Name)
	if err != nil {
		// Burn a hash so timing does not reveal whether the name exists.
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	valid, err := auth.VerifyPassword(req.Password, user.PasswordHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.logger.Error("failed to issue token", "user", user.Name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}

	writeJSON(w, r, http.StatusOK, model.LoginResponse{
		Token:     token,
		ExpiresAt: expiresAt,
		UserID:    user.ID,
		Role:      user.Role,
	})
}

// HandleRegistry handles GET /v1/registry.
func (h *Handlers) HandleRegistry(w http.ResponseWriter, r *http.Request) {
	statuses := make([]model.RegistryStatus, 0, len(model.AgentTypes))
	for _, at := range model.AgentTypes {
		versions := h.registry.AvailableVersions(at)
		entries := make([]model.RegistryEntry, 0, len(versions))
		for _, v := range versions {
			entries = append(entries, model.RegistryEntry{
				Version:     v.Version,
				Weight:      v.Weight,
				Description: v.Description,
				FineTuned:   registry.IsFineTunedModel(v.Version),
			})
		}
		statuses = append(statuses, model.RegistryStatus{
			AgentType:        at,
			ABTestingEnabled: h.registry.IsABTestingEnabled(at),
			PrimaryVersion:   h.registry.PrimaryVersion(at),
			Versions:         entries,
		})
	}
	writeJSON(w, r, http.StatusOK, statuses)
}

// HandleRunJob handles POST /v1/jobs/{name}. It triggers one immediate run
// of a scheduled job, sharing the job implementation with the ticker loops.
func (h *Handlers) HandleRunJob(w http.ResponseWriter, r *http.Request) {
	if h.sched == nil {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "no scheduler configured")
		return
	}
	name := r.PathValue("name")
	if err := h.sched.RunJob(r.Context(), name); err != nil {
		if errors.Is(err, scheduler.ErrUnknownJob) {
			writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, "unknown job")
			return
		}
		h.logger.Error("manual job run failed", "job", name, "error", err)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "job run failed")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]any{"job": name, "status": "completed"})
}

// notFoundOrInternal maps storage.ErrNotFound to 404 and everything else
// to 500.
func (h *Handlers) notFoundOrInternal(w http.ResponseWriter, r *http.Request, err error, what string) {
	if errors.Is(err, storage.ErrNotFound) {
		writeError(w, r, http.StatusNotFound, model.ErrCodeNotFound, what+" not found")
		return
	}
	h.logger.Error("request failed", "path", r.URL.Path, "error", err)
	writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "internal error")
}
