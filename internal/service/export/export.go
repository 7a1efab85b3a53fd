// Package export serializes recorded decisions into JSONL fine-tuning
// datasets, one agent type per dataset.
package export

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/telemetry"
)

// ErrInvalidAgentType is returned before anything is written when the
// requested agent type is not in the enum.
var ErrInvalidAgentType = errors.New("export: invalid agent type")

// Store is the storage surface the exporter needs. *storage.DB satisfies it.
type Store interface {
	ListTrainingDecisions(ctx context.Context, agentType model.AgentType, f storage.TrainingFilter) ([]model.Decision, error)
}

// Options selects which decisions qualify for export.
type Options struct {
	Limit           int
	MinReward       float64
	RequireFeedback bool
	RequireReward   bool
}

// DefaultOptions returns the selection used by the scheduled export: capped
// at 1000 examples, reward present and above the floor that excludes only
// strongly negative decisions.
func DefaultOptions() Options {
	return Options{
		Limit:         1000,
		MinReward:     -2.0,
		RequireReward: true,
	}
}

// Stats summarizes one export, computed over the examples actually written.
type Stats struct {
	Count          int      `json:"count"`
	AvgReward      float64  `json:"avg_reward"`
	MinReward      *float64 `json:"min_reward"`
	MaxReward      *float64 `json:"max_reward"`
	ConfirmedCount int      `json:"confirmed_count"`
	CorrectedCount int      `json:"corrected_count"`
	IgnoredCount   int      `json:"ignored_count"`
}

// Example is one JSONL line of the training dataset.
type Example struct {
	Prompt     string   `json:"prompt"`
	Completion string   `json:"completion"`
	Reward     float64  `json:"reward"`
	Confidence *float64 `json:"confidence,omitempty"`
	Metadata   Metadata `json:"metadata"`
}

// Metadata ties an example back to the decision it was exported from.
type Metadata struct {
	DecisionID       uuid.UUID               `json:"decision_id"`
	ItemID           *uuid.UUID              `json:"item_id,omitempty"`
	OpusID           *uuid.UUID              `json:"opus_id,omitempty"`
	ModelVersion     string                  `json:"model_version"`
	UserFeedback     *model.Feedback         `json:"user_feedback,omitempty"`
	RewardComponents *model.RewardComponents `json:"reward_components,omitempty"`
	CreatedAt        time.Time               `json:"created_at"`
}

// Service renders training datasets.
type Service struct {
	store  Store
	logger *slog.Logger

	exportedCounter metric.Int64Counter
}

// New creates an exporter.
func New(store Store, logger *slog.Logger) *Service {
	meter := telemetry.Meter("ocd/export")
	exported, _ := meter.Int64Counter("ocd.training.examples_exported",
		metric.WithDescription("Training examples written to JSONL exports"),
	)
	return &Service{
		store:           store,
		logger:          logger,
		exportedCounter: exported,
	}
}

// Export writes one JSONL training dataset for the given agent type to w
// and returns stats over the exported examples. The agent type is validated
// before any byte is written, so an invalid request never produces a
// partial dataset. Decisions whose payloads fail to render are skipped and
// logged, never exported half-formed.
func (s *Service) Export(ctx context.Context, agentType model.AgentType, opts Options, w io.Writer) (Stats, error) {
	if _, err := model.ParseAgentType(string(agentType)); err != nil {
		return Stats{}, fmt.Errorf("%w: %q", ErrInvalidAgentType, agentType)
	}
	if opts.Limit <= 0 {
		opts.Limit = DefaultOptions().Limit
	}

	decisions, err := s.store.ListTrainingDecisions(ctx, agentType, storage.TrainingFilter{
		Limit:           opts.Limit,
		MinReward:       opts.MinReward,
		RequireFeedback: opts.RequireFeedback,
		RequireReward:   opts.RequireReward,
	})
	if err != nil {
		return Stats{}, err
	}

	bw := bufio.NewWriter(w)
	enc := json.NewEncoder(bw)

	var stats Stats
	var sum float64
	for _, d := range decisions {
		ex, err := s.buildExample(d)
		if err != nil {
			s.logger.Warn("skipping unexportable decision",
				"decision_id", d.ID, "agent_type", d.AgentType, "error", err)
			continue
		}
		if err := enc.Encode(ex); err != nil {
			return stats, fmt.Errorf("export: write example: %w", err)
		}

		stats.Count++
		sum += ex.Reward
		if stats.MinReward == nil || ex.Reward < *stats.MinReward {
			r := ex.Reward
			stats.MinReward = &r
		}
		if stats.MaxReward == nil || ex.Reward > *stats.MaxReward {
			r := ex.Reward
			stats.MaxReward = &r
		}
		if d.UserFeedback != nil {
			switch *d.UserFeedback {
			case model.FeedbackConfirmed:
				stats.ConfirmedCount++
			case model.FeedbackCorrected:
				stats.CorrectedCount++
			case model.FeedbackIgnored:
				stats.IgnoredCount++
			}
		}
	}
	if err := bw.Flush(); err != nil {
		return stats, fmt.Errorf("export: flush: %w", err)
	}

	if stats.Count > 0 {
		stats.AvgReward = sum / float64(stats.Count)
	}

	s.exportedCounter.Add(ctx, int64(stats.Count), metric.WithAttributes(
		attribute.String("agent_type", string(agentType)),
	))
	s.logger.Info("training export complete",
		"agent_type", agentType,
		"examples", stats.Count,
		"avg_reward", math.Round(stats.AvgReward*1000)/1000)
	return stats, nil
}

func (s *Service) buildExample(d model.Decision) (Example, error) {
	prompt, err := formatPrompt(d.AgentType, d.State)
	if err != nil {
		return Example{}, err
	}
	completion, err := formatCompletion(d.AgentType, d.Action)
	if err != nil {
		return Example{}, err
	}

	var reward float64
	if d.Reward != nil {
		reward = *d.Reward
	}
	return Example{
		Prompt:     prompt,
		Completion: completion,
		Reward:     reward,
		Confidence: d.Confidence,
		Metadata: Metadata{
			DecisionID:       d.ID,
			ItemID:           d.ItemID,
			OpusID:           d.OpusID,
			ModelVersion:     d.ModelVersion,
			UserFeedback:     d.UserFeedback,
			RewardComponents: d.RewardComponents,
			CreatedAt:        d.CreatedAt,
		},
	}, nil
}
