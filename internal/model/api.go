package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// APIResponse is the standard response envelope for all HTTP API responses.
type APIResponse struct {
	Data any          `json:"data,omitempty"`
	Meta ResponseMeta `json:"meta"`
}

// APIError is the standard error response envelope.
type APIError struct {
	Error ErrorDetail  `json:"error"`
	Meta  ResponseMeta `json:"meta"`
}

// ErrorDetail carries a machine-readable code and a human-readable message.
type ErrorDetail struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ResponseMeta is attached to every response for correlation.
type ResponseMeta struct {
	RequestID string    `json:"request_id"`
	Timestamp time.Time `json:"timestamp"`
}

// Error codes used in ErrorDetail.Code.
const (
	ErrCodeInvalidInput  = "INVALID_INPUT"
	ErrCodeUnauthorized  = "UNAUTHORIZED"
	ErrCodeForbidden     = "FORBIDDEN"
	ErrCodeNotFound      = "NOT_FOUND"
	ErrCodeInternalError = "INTERNAL_ERROR"
)

// HealthResponse is returned by GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Version  string `json:"version"`
	Postgres string `json:"postgres"`
}

// LoginRequest is the body of POST /auth/login.
type LoginRequest struct {
	Name     string `json:"name"`
	Password string `json:"password"`
}

// LoginResponse carries the session token issued on successful login.
type LoginResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	UserID    uuid.UUID `json:"user_id"`
	Role      UserRole  `json:"role"`
}

// RecordDecisionRequest is the body of POST /v1/decisions. State and action
// are passed through opaque; their shape is a contract between the agent
// that produced them and the training exporter.
type RecordDecisionRequest struct {
	AgentType    string          `json:"agent_type"`
	State        json.RawMessage `json:"state"`
	Action       json.RawMessage `json:"action"`
	ModelVersion string          `json:"model_version,omitempty"`
	UseABTesting bool            `json:"use_ab_testing,omitempty"`
	ItemID       *uuid.UUID      `json:"item_id,omitempty"`
	OpusID       *uuid.UUID      `json:"opus_id,omitempty"`
	Confidence   *float64        `json:"confidence,omitempty"`
	Reasoning    *string         `json:"reasoning,omitempty"`
}

// FeedbackRequest is the body of PATCH /v1/decisions/{id}/feedback.
type FeedbackRequest struct {
	Feedback   string          `json:"feedback"`
	Correction json.RawMessage `json:"correction,omitempty"`
}

// TrainingStats summarizes the decision corpus for one agent type (or all).
type TrainingStats struct {
	TotalDecisions   int      `json:"total_decisions"`
	WithReward       int      `json:"with_reward"`
	WithFeedback     int      `json:"with_feedback"`
	AvgReward        *float64 `json:"avg_reward,omitempty"`
	ConfirmedCount   int      `json:"confirmed_count"`
	CorrectedCount   int      `json:"corrected_count"`
	IgnoredCount     int      `json:"ignored_count"`
	FineTunedShare   float64  `json:"fine_tuned_share"`
	PendingOutcomes  int      `json:"pending_outcomes"`
	PendingRewards   int      `json:"pending_rewards"`
}

// RegistryEntry describes one configured model version for the registry
// inspection endpoint.
type RegistryEntry struct {
	Version     string  `json:"version"`
	Weight      float64 `json:"weight"`
	Description string  `json:"description,omitempty"`
	FineTuned   bool    `json:"fine_tuned"`
}

// RegistryStatus is the per-agent-type view returned by GET /v1/registry.
type RegistryStatus struct {
	AgentType        AgentType       `json:"agent_type"`
	ABTestingEnabled bool            `json:"ab_testing_enabled"`
	PrimaryVersion   string          `json:"primary_version"`
	Versions         []RegistryEntry `json:"versions"`
}
