package model

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Decision is one agent invocation: the state the agent saw, the action it
// took, and the feedback/outcome/reward attached later. State and action are
// opaque payloads whose shape is determined by AgentType; the recorder stores
// them without inspection and the training exporter dispatches on the type
// tag to render them.
//
// Every field other than the feedback, outcome, and reward columns is
// immutable after insert.
type Decision struct {
	ID           uuid.UUID       `json:"id"`
	UserID       uuid.UUID       `json:"user_id"`
	AgentType    AgentType       `json:"agent_type"`
	ModelVersion string          `json:"model_version"`
	State        json.RawMessage `json:"state"`
	Action       json.RawMessage `json:"action"`
	Confidence   *float64        `json:"confidence,omitempty"`
	Reasoning    *string         `json:"reasoning,omitempty"`
	ItemID       *uuid.UUID      `json:"item_id,omitempty"`
	OpusID       *uuid.UUID      `json:"opus_id,omitempty"`

	// Feedback columns, mutated only by UpdateDecisionFeedback.
	UserFeedback   *Feedback       `json:"user_feedback,omitempty"`
	UserCorrection json.RawMessage `json:"user_correction,omitempty"`

	// Outcome columns, set at most once by the outcome tracker.
	OutcomeMetrics    *OutcomeMetrics `json:"outcome_metrics,omitempty"`
	OutcomeObservedAt *time.Time      `json:"outcome_observed_at,omitempty"`

	// Reward columns, set at most once by the reward calculator.
	Reward           *float64          `json:"reward,omitempty"`
	RewardComponents *RewardComponents `json:"reward_components,omitempty"`

	IsTrainingData bool      `json:"is_training_data"`
	CreatedAt      time.Time `json:"created_at"`
}

// RewardComponents is the auditable breakdown of a decision's scalar reward.
// The reward is the sum of all fields (before clamping); each component is
// reported independently so a reward can be traced to its causes.
type RewardComponents struct {
	UserFeedback          float64 `json:"userFeedback"`
	ConfidenceCalibration float64 `json:"confidenceCalibration"`
	CompletionSuccess     float64 `json:"completionSuccess"`
	BlockageAvoidance     float64 `json:"blockageAvoidance"`
	ReworkPenalty         float64 `json:"reworkPenalty"`
	TimeEfficiency        float64 `json:"timeEfficiency"`
}

// Sum returns the unclamped total of all components.
func (c RewardComponents) Sum() float64 {
	return c.UserFeedback +
		c.ConfidenceCalibration +
		c.CompletionSuccess +
		c.BlockageAvoidance +
		c.ReworkPenalty +
		c.TimeEfficiency
}

// OutcomeMetrics is the measurement of how an item's lifecycle actually
// went, computed once when the item reaches a terminal status and shared by
// every decision that references the item.
type OutcomeMetrics struct {
	CompletedSuccessfully bool       `json:"completedSuccessfully"`
	CycleCount            int        `json:"cycleCount"`
	BlockedAt             *time.Time `json:"blockedAt,omitempty"`
	TotalTimeInCreate     int        `json:"totalTimeInCreate"`
	TimeToComplete        *int       `json:"timeToComplete,omitempty"`
	ExpectedTime          float64    `json:"expectedTime"`
	TimeEfficiency        *float64   `json:"timeEfficiency,omitempty"`
	WasBlocked            bool       `json:"wasBlocked"`
	Abandoned             bool       `json:"abandoned"`
	StrategicAlignment    float64    `json:"strategicAlignment"`
	// Opportunity cost against alternative items is not computed yet;
	// the field is kept so exported records have a stable shape.
	OpportunityCost float64 `json:"opportunityCost"`
}
