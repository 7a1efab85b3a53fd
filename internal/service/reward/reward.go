// Package reward converts a decision's feedback and outcome metrics into a
// scalar reward with an auditable component breakdown.
package reward

import (
	"math"

	"github.com/opuscorpus/ocd/internal/model"
)

// Config holds the tunable coefficients of the reward formula. The
// component list is the contract; the magnitudes are configuration.
type Config struct {
	FeedbackConfirmed     float64 // added when the user confirmed the decision
	FeedbackCorrected     float64 // added when the user corrected the decision
	CompletionBonus       float64 // added when the item completed successfully
	BlockagePenalty       float64 // subtracted when the item was ever blocked
	ReworkPenaltyPerCycle float64 // subtracted per lifecycle re-entry
	TimeEfficiencyBonus   float64 // added when the item beat its expected time
	Clamp                 float64 // total reward is clamped to [-Clamp, Clamp]
}

// DefaultConfig returns the production coefficients.
func DefaultConfig() Config {
	return Config{
		FeedbackConfirmed:     1.0,
		FeedbackCorrected:     -0.5,
		CompletionBonus:       0.5,
		BlockagePenalty:       0.3,
		ReworkPenaltyPerCycle: 0.1,
		TimeEfficiencyBonus:   0.3,
		Clamp:                 5.0,
	}
}

// Calculate combines a decision's feedback with its item's outcome metrics
// into a reward. It is pure: identical inputs always yield an identical
// scalar and breakdown, so replays and audits are safe.
func Calculate(d model.Decision, metrics model.OutcomeMetrics, cfg Config) (float64, model.RewardComponents) {
	var c model.RewardComponents

	if d.UserFeedback != nil {
		switch *d.UserFeedback {
		case model.FeedbackConfirmed:
			c.UserFeedback = cfg.FeedbackConfirmed
		case model.FeedbackCorrected:
			c.UserFeedback = cfg.FeedbackCorrected
		}
		// IGNORED contributes nothing, same as absent feedback.
	}

	// Calibration: penalize the gap between stated confidence and actual
	// correctness. Correctness is only knowable from explicit feedback.
	if d.Confidence != nil {
		if correctness, ok := actualCorrectness(d.UserFeedback); ok {
			c.ConfidenceCalibration = -math.Abs(*d.Confidence - correctness)
		}
	}

	if metrics.CompletedSuccessfully {
		c.CompletionSuccess = cfg.CompletionBonus
	}
	if metrics.WasBlocked {
		c.BlockageAvoidance = -cfg.BlockagePenalty
	}
	c.ReworkPenalty = -cfg.ReworkPenaltyPerCycle * float64(metrics.CycleCount)
	if metrics.TimeEfficiency != nil && *metrics.TimeEfficiency > 1 {
		c.TimeEfficiency = cfg.TimeEfficiencyBonus
	}

	total := c.Sum()
	if cfg.Clamp > 0 {
		total = math.Max(-cfg.Clamp, math.Min(cfg.Clamp, total))
	}
	return total, c
}

// actualCorrectness maps feedback to observed correctness: a confirmed
// decision was right, a corrected one was wrong. Ignored or absent feedback
// gives no signal.
func actualCorrectness(f *model.Feedback) (float64, bool) {
	if f == nil {
		return 0, false
	}
	switch *f {
	case model.FeedbackConfirmed:
		return 1.0, true
	case model.FeedbackCorrected:
		return 0.0, true
	}
	return 0, false
}
