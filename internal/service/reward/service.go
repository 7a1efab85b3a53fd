package reward

import (
	"context"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/metric"

	"github.com/opuscorpus/ocd/internal/model"
	"github.com/opuscorpus/ocd/internal/storage"
	"github.com/opuscorpus/ocd/internal/telemetry"
)

// Store is the storage surface the reward service needs. *storage.DB
// satisfies it.
type Store interface {
	GetItem(ctx context.Context, id uuid.UUID) (model.Item, error)
	SetDecisionReward(ctx context.Context, id uuid.UUID, reward float64, components model.RewardComponents) (bool, error)
	ListPendingRewardDecisions(ctx context.Context, limit int) ([]model.Decision, error)
}

// BatchResult aggregates the counts of one pending-reward sweep.
type BatchResult struct {
	Processed int `json:"processed"`
	Errors    int `json:"errors"`
}

// Service persists rewards for decisions.
type Service struct {
	store  Store
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	// ComputeMetrics is injected to avoid a dependency on the outcome
	// package; it must be the same pure derivation the tracker uses.
	computeMetrics func(model.Item, time.Time) model.OutcomeMetrics

	rewardHist metric.Float64Histogram
}

// New creates a reward service. now may be nil (defaults to time.Now).
func New(store Store, cfg Config, computeMetrics func(model.Item, time.Time) model.OutcomeMetrics, logger *slog.Logger, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	meter := telemetry.Meter("ocd/reward")
	hist, _ := meter.Float64Histogram("ocd.rewards.value",
		metric.WithDescription("Computed decision rewards"),
	)
	return &Service{
		store:          store,
		cfg:            cfg,
		computeMetrics: computeMetrics,
		logger:         logger,
		now:            now,
		rewardHist:     hist,
	}
}

// RewardDecision computes and persists the reward for one decision from
// already-derived outcome metrics. Returns false when the decision already
// carried a reward (the stored value wins; batch jobs never overwrite).
func (s *Service) RewardDecision(ctx context.Context, d model.Decision, metrics model.OutcomeMetrics) (bool, error) {
	total, components := Calculate(d, metrics, s.cfg)

	stored, err := s.store.SetDecisionReward(ctx, d.ID, total, components)
	if err != nil {
		return false, err
	}
	if stored {
		s.rewardHist.Record(ctx, total)
		s.logger.Debug("reward calculated",
			"decision_id", d.ID,
			"agent_type", d.AgentType,
			"reward", total)
	}
	return stored, nil
}

// maxPendingRewards bounds one sweep; anything left over is picked up by
// the next scheduled invocation.
const maxPendingRewards = 500

// CalculatePendingRewards sweeps decisions that have no reward and whose
// referenced item is terminal. Per-decision failures are counted and do not
// abort the batch. A decision claimed by a concurrent invocation simply
// fails the conditional write and is not counted twice.
func (s *Service) CalculatePendingRewards(ctx context.Context) (BatchResult, error) {
	decisions, err := s.store.ListPendingRewardDecisions(ctx, maxPendingRewards)
	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult
	for _, d := range decisions {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}

		metrics, err := s.metricsFor(ctx, d)
		if err != nil {
			s.logger.Error("failed to derive metrics for pending reward",
				"decision_id", d.ID, "error", err)
			res.Errors++
			continue
		}

		stored, err := s.RewardDecision(ctx, d, metrics)
		if err != nil {
			s.logger.Error("failed to persist pending reward",
				"decision_id", d.ID, "error", err)
			res.Errors++
			continue
		}
		if stored {
			res.Processed++
		}
	}

	if res.Processed > 0 || res.Errors > 0 {
		s.logger.Info("pending reward sweep complete",
			"processed", res.Processed, "errors", res.Errors)
	}
	return res, nil
}

// metricsFor prefers metrics already attached by the outcome tracker and
// falls back to deriving them from the item for decisions the sweep reaches
// first.
func (s *Service) metricsFor(ctx context.Context, d model.Decision) (model.OutcomeMetrics, error) {
	if d.OutcomeMetrics != nil {
		return *d.OutcomeMetrics, nil
	}
	if d.ItemID == nil {
		return model.OutcomeMetrics{}, storage.ErrNotFound
	}
	item, err := s.store.GetItem(ctx, *d.ItemID)
	if err != nil {
		return model.OutcomeMetrics{}, err
	}
	return s.computeMetrics(item, s.now().UTC()), nil
}
