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

// CreateOpus inserts an opus.
func (db *DB) CreateOpus(ctx context.Context, o model.Opus) (model.Opus, error) {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	if o.CreatedAt.IsZero() {
		o.CreatedAt = time.Now().UTC()
	}

	_, err := db.pool.Exec(ctx,
		`INSERT INTO opuses (id, name, content, opus_type, is_strategic, created_by_user_id, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		o.ID, o.Name, o.Content, o.OpusType, o.IsStrategic, o.CreatedByUserID, o.CreatedAt,
	)
	if err != nil {
		return model.Opus{}, fmt.Errorf("storage: create opus: %w", err)
	}
	return o, nil
}

// GetOpus retrieves an opus by ID.
func (db *DB) GetOpus(ctx context.Context, id uuid.UUID) (model.Opus, error) {
	var o model.Opus
	err := db.pool.QueryRow(ctx,
		`SELECT id, name, content, opus_type, is_strategic, created_by_user_id, created_at
		 FROM opuses WHERE id = $1`, id,
	).Scan(&o.ID, &o.Name, &o.Content, &o.OpusType, &o.IsStrategic, &o.CreatedByUserID, &o.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return model.Opus{}, ErrNotFound
		}
		return model.Opus{}, fmt.Errorf("storage: get opus: %w", err)
	}
	return o, nil
}
