package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opuscorpus/ocd/internal/model"
)

const decisionColumns = `id, user_id, agent_type, model_version, state, action,
	confidence, reasoning, item_id, opus_id, user_feedback, user_correction,
	outcome_metrics, outcome_observed_at, reward, reward_components,
	is_training_data, created_at`

func scanDecision(row pgx.Row) (model.Decision, error) {
	var d model.Decision
	err := row.Scan(
		&d.ID, &d.UserID, &d.AgentType, &d.ModelVersion, &d.State, &d.Action,
		&d.Confidence, &d.Reasoning, &d.ItemID, &d.OpusID, &d.UserFeedback,
		&d.UserCorrection, &d.OutcomeMetrics, &d.OutcomeObservedAt,
		&d.Reward, &d.RewardComponents, &d.IsTrainingData, &d.CreatedAt,
	)
	return d, err
}

// CreateDecision inserts a decision and returns it. Only the feedback,
// outcome, and reward columns are ever updated afterwards; everything else
// is immutable from this point on.
func (db *DB) CreateDecision(ctx context.Context, d model.Decision) (model.Decision, error) {
	if d.ID == uuid.Nil {
		d.ID = uuid.New()
	}
	if d.CreatedAt.IsZero() {
		d.CreatedAt = time.Now().UTC()
	}
	if d.State == nil {
		d.State = json.RawMessage(`{}`)
	}
	if d.Action == nil {
		d.Action = json.RawMessage(`{}`)
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO decisions (id, user_id, agent_type, model_version, state, action,
		 confidence, reasoning, item_id, opus_id, is_training_data, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`,
		d.ID, d.UserID, string(d.AgentType), d.ModelVersion, d.State, d.Action,
		d.Confidence, d.Reasoning, d.ItemID, d.OpusID, d.IsTrainingData, d.CreatedAt,
	)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: create decision: %w", err)
	}
	return d, nil
}

// GetDecision retrieves a decision by ID.
func (db *DB) GetDecision(ctx context.Context, id uuid.UUID) (model.Decision, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision: %w", err)
	}
	return d, nil
}

// GetDecisionForUser retrieves a decision only if it is owned by userID.
// A decision owned by someone else is indistinguishable from a missing one.
func (db *DB) GetDecisionForUser(ctx context.Context, id, userID uuid.UUID) (model.Decision, error) {
	d, err := scanDecision(db.pool.QueryRow(ctx,
		`SELECT `+decisionColumns+` FROM decisions WHERE id = $1 AND user_id = $2`,
		id, userID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Decision{}, ErrNotFound
		}
		return model.Decision{}, fmt.Errorf("storage: get decision for user: %w", err)
	}
	return d, nil
}

// UpdateDecisionFeedback sets the feedback columns and nothing else.
// Returns ErrNotFound when the decision does not exist.
func (db *DB) UpdateDecisionFeedback(ctx context.Context, id uuid.UUID, feedback model.Feedback, correction json.RawMessage) (model.Decision, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET user_feedback = $1, user_correction = $2 WHERE id = $3`,
		string(feedback), correction, id,
	)
	if err != nil {
		return model.Decision{}, fmt.Errorf("storage: update decision feedback: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Decision{}, ErrNotFound
	}
	return db.GetDecision(ctx, id)
}

// ListUnobservedDecisionsByItem returns every decision referencing the item
// whose outcome has not been observed yet.
func (db *DB) ListUnobservedDecisionsByItem(ctx context.Context, itemID uuid.UUID) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE item_id = $1 AND outcome_observed_at IS NULL
		 ORDER BY created_at`, itemID)
	if err != nil {
		return nil, fmt.Errorf("storage: list unobserved decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// MarkDecisionObserved attaches outcome metrics and stamps
// outcome_observed_at, but only if the decision is still unobserved.
// The conditional update is what makes overlapping tracker runs safe:
// exactly one of two racing calls sees RowsAffected == 1.
func (db *DB) MarkDecisionObserved(ctx context.Context, id uuid.UUID, metrics model.OutcomeMetrics, observedAt time.Time) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET outcome_metrics = $1, outcome_observed_at = $2
		 WHERE id = $3 AND outcome_observed_at IS NULL`,
		metrics, observedAt, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: mark decision observed: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// SetDecisionReward persists a computed reward and its component breakdown,
// but only if no reward has been stored yet. A decision that already
// carries a reward is never silently overwritten by a batch job.
func (db *DB) SetDecisionReward(ctx context.Context, id uuid.UUID, reward float64, components model.RewardComponents) (bool, error) {
	tag, err := db.pool.Exec(ctx,
		`UPDATE decisions SET reward = $1, reward_components = $2
		 WHERE id = $3 AND reward IS NULL`,
		reward, components, id,
	)
	if err != nil {
		return false, fmt.Errorf("storage: set decision reward: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// ListPendingRewardDecisions returns decisions with no reward whose
// referenced item has reached a terminal status.
func (db *DB) ListPendingRewardDecisions(ctx context.Context, limit int) ([]model.Decision, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT `+prefixedDecisionColumns("d")+` FROM decisions d
		 JOIN items i ON i.id = d.item_id
		 WHERE d.reward IS NULL AND i.status = ANY($1)
		 ORDER BY d.created_at
		 LIMIT $2`,
		terminalStatuses(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending reward decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// CountPendingRewardDecisions reports how many decisions are waiting for a
// reward calculation pass.
func (db *DB) CountPendingRewardDecisions(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM decisions d
		 JOIN items i ON i.id = d.item_id
		 WHERE d.reward IS NULL AND i.status = ANY($1)`,
		terminalStatuses()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending reward decisions: %w", err)
	}
	return n, nil
}

// TrainingFilter selects decisions for a training export.
type TrainingFilter struct {
	Limit           int
	MinReward       float64
	RequireFeedback bool
	RequireReward   bool
}

// ListTrainingDecisions returns training-eligible decisions for one agent
// type, newest first, capped at the filter's limit.
func (db *DB) ListTrainingDecisions(ctx context.Context, agentType model.AgentType, f TrainingFilter) ([]model.Decision, error) {
	where := []string{"agent_type = $1", "is_training_data"}
	args := []any{string(agentType)}

	if f.RequireReward {
		args = append(args, f.MinReward)
		where = append(where, fmt.Sprintf("reward IS NOT NULL AND reward >= $%d", len(args)))
	}
	if f.RequireFeedback {
		where = append(where, "user_feedback IS NOT NULL")
	}
	args = append(args, f.Limit)

	rows, err := db.pool.Query(ctx,
		`SELECT `+decisionColumns+` FROM decisions
		 WHERE `+strings.Join(where, " AND ")+`
		 ORDER BY created_at DESC
		 LIMIT $`+fmt.Sprint(len(args)),
		args...)
	if err != nil {
		return nil, fmt.Errorf("storage: list training decisions: %w", err)
	}
	defer rows.Close()
	return collectDecisions(rows)
}

// GetTrainingStats aggregates the decision corpus for the stats endpoint.
// agentType narrows the aggregate when non-nil.
func (db *DB) GetTrainingStats(ctx context.Context, userID uuid.UUID, agentType *model.AgentType) (model.TrainingStats, error) {
	where := "user_id = $1"
	args := []any{userID}
	if agentType != nil {
		args = append(args, string(*agentType))
		where += fmt.Sprintf(" AND agent_type = $%d", len(args))
	}

	var s model.TrainingStats
	var avg *float64
	var fineTuned int
	err := db.pool.QueryRow(ctx, `
		SELECT COUNT(*),
		       COUNT(reward),
		       COUNT(user_feedback),
		       AVG(reward),
		       COUNT(*) FILTER (WHERE user_feedback = 'CONFIRMED'),
		       COUNT(*) FILTER (WHERE user_feedback = 'CORRECTED'),
		       COUNT(*) FILTER (WHERE user_feedback = 'IGNORED'),
		       COUNT(*) FILTER (WHERE model_version LIKE 'ocd-%')
		FROM decisions WHERE `+where, args...,
	).Scan(&s.TotalDecisions, &s.WithReward, &s.WithFeedback, &avg,
		&s.ConfirmedCount, &s.CorrectedCount, &s.IgnoredCount, &fineTuned)
	if err != nil {
		return model.TrainingStats{}, fmt.Errorf("storage: training stats: %w", err)
	}
	s.AvgReward = avg
	if s.TotalDecisions > 0 {
		s.FineTunedShare = float64(fineTuned) / float64(s.TotalDecisions)
	}
	return s, nil
}

func collectDecisions(rows pgx.Rows) ([]model.Decision, error) {
	var out []model.Decision
	for rows.Next() {
		d, err := scanDecision(rows)
		if err != nil {
			return nil, fmt.Errorf("storage: scan decision: %w", err)
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("storage: iterate decisions: %w", err)
	}
	return out, nil
}

// prefixedDecisionColumns qualifies the shared column list for joins.
func prefixedDecisionColumns(alias string) string {
	cols := strings.Split(decisionColumns, ",")
	for i, c := range cols {
		cols[i] = alias + "." + strings.TrimSpace(c)
	}
	return strings.Join(cols, ", ")
}

// terminalStatuses is the terminal set shared by every pending-work query.
func terminalStatuses() []string {
	return []string{string(model.StatusDone), string(model.StatusColdStorage)}
}
