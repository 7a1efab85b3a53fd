package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/opuscorpus/ocd/internal/model"
)

const itemColumns = `id, title, raw_instructions, routing_notes, status, swimlane,
	priority, labels, cycle_count, blocked_at, total_time_in_create,
	started_at, completed_at, opus_id, created_by_user_id, created_at`

func scanItem(row pgx.Row) (model.Item, error) {
	var it model.Item
	err := row.Scan(
		&it.ID, &it.Title, &it.RawInstructions, &it.RoutingNotes, &it.Status,
		&it.Swimlane, &it.Priority, &it.Labels, &it.CycleCount, &it.BlockedAt,
		&it.TotalTimeInCreate, &it.StartedAt, &it.CompletedAt, &it.OpusID,
		&it.CreatedByUserID, &it.CreatedAt,
	)
	return it, err
}

// CreateItem inserts a work item.
func (db *DB) CreateItem(ctx context.Context, it model.Item) (model.Item, error) {
	if it.ID == uuid.Nil {
		it.ID = uuid.New()
	}
	if it.CreatedAt.IsZero() {
		it.CreatedAt = time.Now().UTC()
	}
	if it.Status == "" {
		it.Status = model.StatusTodo
	}
	if it.Labels == nil {
		it.Labels = []string{}
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO items (id, title, raw_instructions, routing_notes, status, swimlane,
		 priority, labels, cycle_count, blocked_at, total_time_in_create,
		 started_at, completed_at, opus_id, created_by_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`,
		it.ID, it.Title, it.RawInstructions, it.RoutingNotes, string(it.Status),
		it.Swimlane, it.Priority, it.Labels, it.CycleCount, it.BlockedAt,
		it.TotalTimeInCreate, it.StartedAt, it.CompletedAt, it.OpusID,
		it.CreatedByUserID, it.CreatedAt,
	)
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: create item: %w", err)
	}
	return it, nil
}

// GetItem retrieves a work item by ID.
func (db *DB) GetItem(ctx context.Context, id uuid.UUID) (model.Item, error) {
	it, err := scanItem(db.pool.QueryRow(ctx,
		`SELECT `+itemColumns+` FROM items WHERE id = $1`, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Item{}, ErrNotFound
		}
		return model.Item{}, fmt.Errorf("storage: get item: %w", err)
	}
	return it, nil
}

// UpdateItemStatus transitions an item's lifecycle state and maintains the
// accounting fields the outcome tracker reads: completed_at on DONE,
// blocked_at on BLOCKED, cycle_count on re-entry into CREATING.
func (db *DB) UpdateItemStatus(ctx context.Context, id uuid.UUID, status model.ItemStatus) (model.Item, error) {
	now := time.Now().UTC()

	query := `UPDATE items SET status = $2 WHERE id = $1`
	args := []any{id, string(status)}
	switch status {
	case model.StatusDone:
		query = `UPDATE items SET status = $2, completed_at = $3 WHERE id = $1`
		args = append(args, now)
	case model.StatusBlocked:
		query = `UPDATE items SET status = $2, blocked_at = $3 WHERE id = $1`
		args = append(args, now)
	case model.StatusCreating:
		query = `UPDATE items SET status = $2, started_at = COALESCE(started_at, $3),
		 cycle_count = cycle_count + 1 WHERE id = $1`
		args = append(args, now)
	}

	tag, err := db.pool.Exec(ctx, query, args...)
	if err != nil {
		return model.Item{}, fmt.Errorf("storage: update item status: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return model.Item{}, ErrNotFound
	}
	return db.GetItem(ctx, id)
}

// ListTerminalItemIDsWithUnobservedDecisions selects up to limit items that
// are terminal and still have at least one unobserved decision. Items with
// nothing left to track fall out of this query, so a caller that loops over
// it converges to an empty result.
func (db *DB) ListTerminalItemIDsWithUnobservedDecisions(ctx context.Context, limit int) ([]uuid.UUID, error) {
	rows, err := db.pool.Query(ctx,
		`SELECT DISTINCT i.id, i.created_at FROM items i
		 JOIN decisions d ON d.item_id = i.id
		 WHERE i.status = ANY($1) AND d.outcome_observed_at IS NULL
		 ORDER BY i.created_at
		 LIMIT $2`,
		terminalStatuses(), limit)
	if err != nil {
		return nil, fmt.Errorf("storage: list pending outcome items: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		var createdAt time.Time
		if err := rows.Scan(&id, &createdAt); err != nil {
			return nil, fmt.Errorf("storage: scan pending outcome item: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// CountTerminalItemsWithUnobservedDecisions reports how many items are
// waiting for an outcome tracking pass.
func (db *DB) CountTerminalItemsWithUnobservedDecisions(ctx context.Context) (int, error) {
	var n int
	err := db.pool.QueryRow(ctx,
		`SELECT COUNT(DISTINCT i.id) FROM items i
		 JOIN decisions d ON d.item_id = i.id
		 WHERE i.status = ANY($1) AND d.outcome_observed_at IS NULL`,
		terminalStatuses()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("storage: count pending outcome items: %w", err)
	}
	return n, nil
}
