package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
)

type auditRepository struct {
	BaseRepository
}

func NewAuditRepository(base BaseRepository) repository.AuditRepository {
	return &auditRepository{base}
}

func (r *auditRepository) Create(ctx context.Context, log *model.AuditLog) error {
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		return insertAuditLog(ctx, tx, log)
	})
}

func (r *auditRepository) ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*model.AuditLog, error) {
	query := `
		SELECT id, account_id, actor, action, entity_type, entity_id, changes, created_at
		FROM audit_logs
		WHERE entity_type = $1 AND entity_id = $2
		ORDER BY created_at ASC
	`
	var logs []*model.AuditLog
	if err := r.db.SelectContext(ctx, &logs, query, entityType, entityID); err != nil {
		return nil, fmt.Errorf("failed to list audit logs: %w", classify(err))
	}
	return logs, nil
}

func (r *auditRepository) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM audit_logs WHERE created_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("failed to cleanup audit logs: %w", classify(err))
	}
	return result.RowsAffected()
}
