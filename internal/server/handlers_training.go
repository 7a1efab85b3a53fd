package server

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/service/export"
)

// defaultTrackLimit bounds one manually triggered outcome-tracking pass.
const defaultTrackLimit = 200

// HandleTrainingStats handles GET /v1/training/stats.
func (h *Handlers) HandleTrainingStats(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())
	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}

	var agentType *model.AgentType
	if raw := r.URL.Query().Get("agent_type"); raw != "" {
		at, err := model.ParseAgentType(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown agent_type")
			return
		}
		agentType = &at
	}

	stats, err := h.db.GetTrainingStats(r.Context(), userID, agentType)
	if err != nil {
		h.notFoundOrInternal(w, r, err, "training stats")
		return
	}

	// Pipeline-wide pending counters; not scoped to the agent type filter.
	if pending, err := h.db.CountTerminalItemsWithUnobservedDecisions(r.Context()); err == nil {
		stats.PendingOutcomes = pending
	}
	if pending, err := h.db.CountPendingRewardDecisions(r.Context()); err == nil {
		stats.PendingRewards = pending
	}

	writeJSON(w, r, http.StatusOK, stats)
}

// trackOutcomesRequest is the optional body of POST /v1/training/track-outcomes.
type trackOutcomesRequest struct {
	ItemID *uuid.UUID `json:"item_id,omitempty"`
	Limit  int        `json:"limit,omitempty"`
}

// HandleTrackOutcomes handles POST /v1/training/track-outcomes. With an
// item_id it tracks that one item; without, it sweeps pending terminal items.
func (h *Handlers) HandleTrackOutcomes(w http.ResponseWriter, r *http.Request) {
	var req trackOutcomesRequest
	if r.ContentLength != 0 {
		if err := decodeJSON(r, &req); err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
			return
		}
	}

	if req.ItemID != nil {
		res, err := h.outcomeSvc.TrackItemOutcome(r.Context(), *req.ItemID)
		if err != nil {
			h.notFoundOrInternal(w, r, err, "item")
			return
		}
		writeJSON(w, r, http.StatusOK, res)
		return
	}

	limit := req.Limit
	if limit <= 0 {
		limit = defaultTrackLimit
	}
	res, err := h.outcomeSvc.TrackPendingOutcomes(r.Context(), limit)
	if err != nil {
		h.notFoundOrInternal(w, r, err, "outcomes")
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleTrackOutcomesStatus handles GET /v1/training/track-outcomes.
func (h *Handlers) HandleTrackOutcomesStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.db.CountTerminalItemsWithUnobservedDecisions(r.Context())
	if err != nil {
		h.notFoundOrInternal(w, r, err, "outcomes")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"pending_items": pending})
}

// HandleCalculateRewards handles POST /v1/training/calculate-rewards.
func (h *Handlers) HandleCalculateRewards(w http.ResponseWriter, r *http.Request) {
	res, err := h.rewardSvc.CalculatePendingRewards(r.Context())
	if err != nil {
		h.notFoundOrInternal(w, r, err, "rewards")
		return
	}
	writeJSON(w, r, http.StatusOK, res)
}

// HandleCalculateRewardsStatus handles GET /v1/training/calculate-rewards.
func (h *Handlers) HandleCalculateRewardsStatus(w http.ResponseWriter, r *http.Request) {
	pending, err := h.db.CountPendingRewardDecisions(r.Context())
	if err != nil {
		h.notFoundOrInternal(w, r, err, "rewards")
		return
	}
	writeJSON(w, r, http.StatusOK, map[string]int{"pending_decisions": pending})
}

// HandleTrainingExport handles GET /v1/training/export. The response body is
// the JSONL dataset itself, one example per line; export stats land in the
// logs rather than the payload so the file can be fed to a trainer as-is.
func (h *Handlers) HandleTrainingExport(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()

	agentType, err := model.ParseAgentType(q.Get("agent_type"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown agent_type")
		return
	}

	opts := export.DefaultOptions()
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "limit must be a positive integer")
			return
		}
		opts.Limit = n
	}
	if raw := q.Get("min_reward"); raw != "" {
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "min_reward must be a number")
			return
		}
		opts.MinReward = f
	}
	if raw := q.Get("require_feedback"); raw != "" {
		opts.RequireFeedback = raw == "true" || raw == "1"
	}
	if raw := q.Get("require_reward"); raw != "" {
		opts.RequireReward = raw == "true" || raw == "1"
	}

	filename := fmt.Sprintf("ocd-%s-training.jsonl", strings.ToLower(string(agentType)))
	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))

	stats, err := h.exportSvc.Export(r.Context(), agentType, opts, w)
	if err != nil {
		if errors.Is(err, export.ErrInvalidAgentType) {
			writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown agent_type")
			return
		}
		// Headers may already be out; log and drop the connection.
		h.logger.Error("training export failed",
			"agent_type", agentType, "exported", stats.Count, "error", err)
		return
	}

	h.logger.Info("training export complete",
		"agent_type", agentType, "examples", stats.Count,
		"avg_reward", stats.AvgReward,
		"confirmed", stats.ConfirmedCount, "corrected", stats.CorrectedCount)
}
