package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

const accountColumns = `id, name, email, plan_type, plan_status, trial_credit_limit, trial_ends_at, created_at, updated_at`

type accountRepository struct {
	BaseRepository
}

func NewAccountRepository(base BaseRepository) repository.AccountRepository {
	return &accountRepository{base}
}

func (r *accountRepository) Create(ctx context.Context, account *model.Account) error {
	query := `
		INSERT INTO accounts (
			id, name, email, plan_type, plan_status,
			trial_credit_limit, trial_ends_at, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err := r.db.ExecContext(ctx, query,
		account.ID,
		account.Name,
		account.Email,
		account.PlanType,
		account.PlanStatus,
		account.TrialCreditLimit,
		account.TrialEndsAt,
		account.CreatedAt,
		account.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return apperrors.NewConflict("account already exists", err)
		}
		return fmt.Errorf("failed to create account: %w", classify(err))
	}
	return nil
}

func (r *accountRepository) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	query := `SELECT ` + accountColumns + ` FROM accounts WHERE id = $1`

	var account model.Account
	if err := r.db.GetContext(ctx, &account, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrAccountNotFound
		}
		return nil, fmt.Errorf("failed to get account: %w", classify(err))
	}
	return &account, nil
}

func (r *accountRepository) UpdatePlan(ctx context.Context, account *model.Account, audit *model.AuditLog, events ...*model.OutboxEvent) error {
	query := `
		UPDATE accounts
		SET plan_type = $1, plan_status = $2, trial_credit_limit = $3,
			trial_ends_at = $4, updated_at = $5
		WHERE id = $6
	`
	return r.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			account.PlanType,
			account.PlanStatus,
			account.TrialCreditLimit,
			account.TrialEndsAt,
			account.UpdatedAt,
			account.ID,
		)
		if err != nil {
			return fmt.Errorf("failed to update account: %w", classify(err))
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return apperrors.ErrAccountNotFound
		}
		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
		return insertOutboxEvents(ctx, tx, events...)
	})
}

func (r *accountRepository) ExpireTrial(ctx context.Context, id uuid.UUID, now time.Time, audit *model.AuditLog, events ...*model.OutboxEvent) (bool, error) {
	query := `
		UPDATE accounts
		SET plan_status = $1, updated_at = $2
		WHERE id = $3 AND plan_type = $4 AND plan_status = $5
			AND trial_ends_at IS NOT NULL AND trial_ends_at <= $2
	`
	var changed bool
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx, query,
			model.PlanStatusExpired,
			now,
			id,
			model.PlanTrial,
			model.PlanStatusActive,
		)
		if err != nil {
			return fmt.Errorf("failed to expire trial: %w", classify(err))
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return nil
		}
		changed = true
		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
		return insertOutboxEvents(ctx, tx, events...)
	})
	if err != nil {
		return false, err
	}
	return changed, nil
}

func (r *accountRepository) ListIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	query := `
		SELECT id FROM accounts
		WHERE id > $1
		ORDER BY id ASC
		LIMIT $2
	`
	var ids []uuid.UUID
	if err := r.db.SelectContext(ctx, &ids, query, after, limit); err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", classify(err))
	}
	return ids, nil
}
