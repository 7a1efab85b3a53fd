// Package outcome detects work items that reached a terminal status and
// attaches outcome metrics to the decisions that referenced them.
//
// Tracking is a recurring batch job, not a reactive handler: it is cheap to
// re-invoke, converges to a no-op once everything is observed, and isolates
// per-decision failures so one bad row never aborts the batch.
package outcome

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/telemetry"
)

// Store is the storage surface the tracker needs. *storage.DB satisfies it.
type Store interface {
	GetItem(ctx context.Context, id uuid.UUID) (model.Item, error)
	ListUnobservedDecisionsByItem(ctx context.Context, itemID uuid.UUID) ([]model.Decision, error)
	MarkDecisionObserved(ctx context.Context, id uuid.UUID, metrics model.OutcomeMetrics, observedAt time.Time) (bool, error)
	ListTerminalItemIDsWithUnobservedDecisions(ctx context.Context, limit int) ([]uuid.UUID, error)
}

// RewardCalculator computes and persists a reward for a freshly observed
// decision. Implemented by the reward service.
type RewardCalculator interface {
	RewardDecision(ctx context.Context, d model.Decision, metrics model.OutcomeMetrics) (bool, error)
}

// Result aggregates the counts of one tracking pass.
type Result struct {
	Processed         int `json:"processed"`
	Updated           int `json:"updated"`
	RewardsCalculated int `json:"rewards_calculated"`
	Errors            int `json:"errors"`
}

// Service is the outcome tracker.
type Service struct {
	store   Store
	rewards RewardCalculator
	logger  *slog.Logger
	now     func() time.Time

	trackedCounter metric.Int64Counter
}

// New creates an outcome tracker. now may be nil (defaults to time.Now).
func New(store Store, rewards RewardCalculator, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	meter := telemetry.Meter("ocd/outcome")
	tracked, _ := meter.Int64Counter("ocd.outcomes.decisions_observed",
		metric.WithDescription("Decisions marked outcome-observed"),
	)
	return &Service{
		store:          store,
		rewards:        rewards,
		logger:         logger,
		now:            now,
		trackedCounter: tracked,
	}
}

// TrackItemOutcome computes outcome metrics for one item and attaches them
// to every decision referencing it that has not been observed yet.
//
// A non-terminal item is not an error: the item simply isn't finished, and
// the pass reports zero counts. Marking a decision observed is an atomic
// conditional update, so a decision claimed by a racing tracker run is
// skipped here rather than double-counted.
func (s *Service) TrackItemOutcome(ctx context.Context, itemID uuid.UUID) (Result, error) {
	item, err := s.store.GetItem(ctx, itemID)
	if err != nil {
		return Result{}, err
	}

	if !item.Status.IsTerminal() {
		s.logger.Debug("item not in terminal state, skipping outcome tracking",
			"item_id", itemID, "status", item.Status)
		return Result{}, nil
	}

	decisions, err := s.store.ListUnobservedDecisionsByItem(ctx, itemID)
	if err != nil {
		return Result{}, err
	}
	if len(decisions) == 0 {
		return Result{}, nil
	}

	metrics := ComputeMetrics(item, s.now().UTC())

	var res Result
	for _, d := range decisions {
		claimed, err := s.store.MarkDecisionObserved(ctx, d.ID, metrics, s.now().UTC())
		if err != nil {
			s.logger.Error("failed to mark decision observed",
				"decision_id", d.ID, "agent_type", d.AgentType, "error", err)
			res.Errors++
			continue
		}
		if !claimed {
			// Another tracker run got here first.
			continue
		}
		res.Updated++
		s.trackedCounter.Add(ctx, 1)

		// A decision that already carries a reward keeps it; observation
		// still happened above.
		if d.Reward != nil {
			continue
		}
		rewarded, err := s.rewards.RewardDecision(ctx, d, metrics)
		if err != nil {
			s.logger.Error("failed to calculate reward",
				"decision_id", d.ID, "agent_type", d.AgentType, "error", err)
			res.Errors++
			continue
		}
		if rewarded {
			res.RewardsCalculated++
		}
	}

	if res.Updated > 0 {
		s.logger.Info("tracked item outcome",
			"item_id", itemID,
			"updated", res.Updated,
			"rewards_calculated", res.RewardsCalculated,
			"errors", res.Errors)
	}
	return res, nil
}

// TrackPendingOutcomes finds up to limit terminal items with untracked
// decisions and runs TrackItemOutcome on each. Safe to invoke repeatedly:
// fully tracked items are excluded by the selection query, so repeat calls
// converge to no-ops.
func (s *Service) TrackPendingOutcomes(ctx context.Context, limit int) (Result, error) {
	itemIDs, err := s.store.ListTerminalItemIDsWithUnobservedDecisions(ctx, limit)
	if err != nil {
		return Result{}, err
	}

	var total Result
	for _, id := range itemIDs {
		if ctx.Err() != nil {
			// Cancellation mid-batch leaves remaining items for the next run.
			return total, ctx.Err()
		}
		res, err := s.TrackItemOutcome(ctx, id)
		if err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				s.logger.Warn("pending item vanished before tracking", "item_id", id)
			} else {
				s.logger.Error("failed to track item outcome", "item_id", id, "error", err)
			}
			total.Errors++
			continue
		}
		total.Processed++
		total.Updated += res.Updated
		total.RewardsCalculated += res.RewardsCalculated
		total.Errors += res.Errors
	}
	return total, nil
}
