package postgres

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
)

type outboxRepository struct {
	BaseRepository
}

func NewOutboxRepository(base BaseRepository) repository.OutboxRepository {
	return &outboxRepository{base}
}

func (r *outboxRepository) Create(ctx context.Context, event *model.OutboxEvent) error {
	if event == nil {
		return fmt.Errorf("event cannot be nil")
	}
	if event.Payload == nil {
		return fmt.Errorf("event payload cannot be nil")
	}
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return insertOutboxEvents(ctx, tx, event)
	})
}

// GetPendingEvents claims up to limit pending events by moving them to
// processing. Rows stuck in processing for longer than the claim timeout are
// claimed again, so a crashed processor does not strand its batch.
func (r *outboxRepository) GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error) {
	query := `
		UPDATE outbox_events
		SET status = $1, updated_at = NOW()
		WHERE id IN (
			SELECT id FROM outbox_events
			WHERE status = $2
				OR (status = $1 AND updated_at < NOW() - INTERVAL '5 minutes')
			ORDER BY created_at ASC
			LIMIT $3
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_type, payload, status, error_message, created_at,
			processed_at, updated_at, retry_count
	`
	var events []*model.OutboxEvent
	if err := r.db.SelectContext(ctx, &events, query,
		string(model.OutboxStatusProcessing), string(model.OutboxStatusPending), limit); err != nil {
		return nil, fmt.Errorf("failed to claim pending events: %w", classify(err))
	}
	sort.Slice(events, func(i, j int) bool { return events[i].CreatedAt.Before(events[j].CreatedAt) })
	return events, nil
}

func (r *outboxRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error {
	query := `
		UPDATE outbox_events
		SET status = $1,
			error_message = $2,
			retry_count = CASE WHEN $1 = 'processed' THEN retry_count ELSE retry_count + 1 END,
			processed_at = CASE WHEN $1 = 'processed' THEN $3::timestamptz ELSE processed_at END,
			updated_at = $3
		WHERE id = $4
	`
	if _, err := r.db.ExecContext(ctx, query, string(status), errMsg, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("failed to update outbox event: %w", classify(err))
	}
	return nil
}

func (r *outboxRepository) DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error) {
	query := `
		DELETE FROM outbox_events
		WHERE status = 'processed'
		AND processed_at < $1
	`
	result, err := r.db.ExecContext(ctx, query, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete processed events: %w", classify(err))
	}

	return result.RowsAffected()
}
