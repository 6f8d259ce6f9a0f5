package postgres

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

// BaseRepository provides common functionality for all repositories
type BaseRepository struct {
	db *sqlx.DB
}

// NewBaseRepository creates a new base repository
func NewBaseRepository(db *sqlx.DB) BaseRepository {
	return BaseRepository{db: db}
}

// GetDB returns the database instance
func (r *BaseRepository) GetDB() *sqlx.DB {
	return r.db
}

// WithTx executes a function within a transaction
func (r *BaseRepository) WithTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return r.withTxOptions(ctx, nil, fn)
}

// WithSnapshotTx runs fn in a repeatable-read transaction so every query
// inside it sees the same snapshot.
func (r *BaseRepository) WithSnapshotTx(ctx context.Context, fn func(*sqlx.Tx) error) error {
	return r.withTxOptions(ctx, &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}, fn)
}

func (r *BaseRepository) withTxOptions(ctx context.Context, opts *sql.TxOptions, fn func(*sqlx.Tx) error) error {
	tx, err := r.db.BeginTxx(ctx, opts)
	if err != nil {
		return classify(err)
	}

	defer func() {
		if p := recover(); p != nil {
			tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}

	if err := tx.Commit(); err != nil {
		return classify(err)
	}
	return nil
}

// insertOutboxEvents writes events within an existing transaction.
func insertOutboxEvents(ctx context.Context, tx *sqlx.Tx, events ...*model.OutboxEvent) error {
	query := `
		INSERT INTO outbox_events (
			id, event_type, payload, status, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
	`
	for _, e := range events {
		if e == nil {
			continue
		}
		if _, err := tx.ExecContext(ctx, query,
			e.ID,
			e.EventType,
			e.Payload,
			e.Status,
			e.CreatedAt,
			e.UpdatedAt,
		); err != nil {
			return fmt.Errorf("failed to create outbox event: %w", classify(err))
		}
	}
	return nil
}

// insertAuditLog writes an audit row within an existing transaction.
func insertAuditLog(ctx context.Context, tx *sqlx.Tx, log *model.AuditLog) error {
	if log == nil {
		return nil
	}
	query := `
		INSERT INTO audit_logs (
			id, account_id, actor, action, entity_type, entity_id, changes, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	_, err := tx.ExecContext(ctx, query,
		log.ID,
		log.AccountID,
		log.Actor,
		log.Action,
		log.EntityType,
		log.EntityID,
		log.Changes,
		log.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to create audit log: %w", classify(err))
	}
	return nil
}
