package server

import (
	"net/http"

	"github.com/google/uuid"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/service/recorder"
)

// HandleRecordDecision handles POST /v1/decisions.
func (h *Handlers) HandleRecordDecision(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	var req model.RecordDecisionRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}

	agentType, err := model.ParseAgentType(req.AgentType)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown agent_type")
		return
	}
	if len(req.State) == 0 || len(req.Action) == 0 {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "state and action are required")
		return
	}
	if req.Confidence != nil && (*req.Confidence < 0 || *req.Confidence > 1) {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "confidence must be in [0, 1]")
		return
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}

	d, err := h.recorderSvc.Record(r.Context(), recorder.RecordInput{
		AgentType:    agentType,
		UserID:       userID,
		State:        req.State,
		Action:       req.Action,
		ModelVersion: req.ModelVersion,
		UseABTesting: req.UseABTesting,
		ItemID:       req.ItemID,
		OpusID:       req.OpusID,
		Confidence:   req.Confidence,
		Reasoning:    req.Reasoning,
	})
	if err != nil {
		h.notFoundOrInternal(w, r, err, "decision")
		return
	}

	writeJSON(w, r, http.StatusCreated, d)
}

// HandleDecisionFeedback handles PATCH /v1/decisions/{decision_id}/feedback.
func (h *Handlers) HandleDecisionFeedback(w http.ResponseWriter, r *http.Request) {
	claims := ClaimsFromContext(r.Context())

	decisionID, err := uuid.Parse(r.PathValue("decision_id"))
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid decision id")
		return
	}

	var req model.FeedbackRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "invalid request body")
		return
	}
	feedback, err := model.ParseFeedback(req.Feedback)
	if err != nil {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "unknown feedback value")
		return
	}

	userID, err := uuid.Parse(claims.Subject)
	if err != nil {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid token subject")
		return
	}

	d, err := h.recorderSvc.UpdateFeedback(r.Context(), decisionID, userID, feedback, req.Correction)
	if err != nil {
		h.notFoundOrInternal(w, r, err, "decision")
		return
	}

	writeJSON(w, r, http.StatusOK, d)
}
