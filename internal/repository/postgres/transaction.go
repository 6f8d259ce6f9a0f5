package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

const transactionColumns = `id, account_id, kind, base_cost, markup, charged_amount, metadata,
	interview_id, subject_id, analysis_group_id, created_at`

type transactionRepository struct {
	BaseRepository
}

func NewTransactionRepository(base BaseRepository) repository.TransactionRepository {
	return &transactionRepository{base}
}

func (r *transactionRepository) Create(ctx context.Context, t *model.Transaction, events ...*model.OutboxEvent) (bool, error) {
	var created bool
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var err error
		created, err = insertTransaction(ctx, tx, t)
		if err != nil || !created {
			return err
		}
		return insertOutboxEvents(ctx, tx, events...)
	})
	return created, err
}

func (r *transactionRepository) CreateWithinLimit(ctx context.Context, t *model.Transaction, limit decimal.Decimal, events ...*model.OutboxEvent) (bool, error) {
	var created bool
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		var locked uuid.UUID
		if err := tx.GetContext(ctx, &locked, `SELECT id FROM accounts WHERE id = $1 FOR UPDATE`, t.AccountID); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.ErrAccountNotFound
			}
			return fmt.Errorf("failed to lock account: %w", classify(err))
		}

		var exists bool
		if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM billing_transactions WHERE id = $1)`, t.ID); err != nil {
			return fmt.Errorf("failed to check transaction: %w", classify(err))
		}
		if exists {
			return nil
		}

		var spent decimal.Decimal
		if err := tx.GetContext(ctx, &spent, `SELECT COALESCE(SUM(charged_amount), 0) FROM billing_transactions WHERE account_id = $1`, t.AccountID); err != nil {
			return fmt.Errorf("failed to sum transactions: %w", classify(err))
		}
		if spent.GreaterThanOrEqual(limit) {
			return apperrors.ErrTrialLimitReached
		}

		var err error
		created, err = insertTransaction(ctx, tx, t)
		if err != nil || !created {
			return err
		}
		return insertOutboxEvents(ctx, tx, events...)
	})
	return created, err
}

func insertTransaction(ctx context.Context, tx *sqlx.Tx, t *model.Transaction) (bool, error) {
	query := `
		INSERT INTO billing_transactions (
			id, account_id, kind, base_cost, markup, charged_amount, metadata,
			interview_id, subject_id, analysis_group_id, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
		ON CONFLICT (id) DO NOTHING
	`
	result, err := tx.ExecContext(ctx, query,
		t.ID,
		t.AccountID,
		t.Kind,
		t.BaseCost,
		t.Markup,
		t.ChargedAmount,
		t.Metadata,
		t.InterviewID,
		t.SubjectID,
		t.AnalysisGroupID,
		t.CreatedAt,
	)
	if err != nil {
		if isForeignKeyViolation(err) {
			return false, apperrors.ErrAccountNotFound
		}
		return false, fmt.Errorf("failed to create transaction: %w", classify(err))
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

func (r *transactionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions WHERE id = $1`

	var t model.Transaction
	if err := r.db.GetContext(ctx, &t, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrTransactionNotFound
		}
		return nil, fmt.Errorf("failed to get transaction: %w", classify(err))
	}
	return &t, nil
}

// filterClause builds the WHERE clause shared by listings.
func filterClause(accountID uuid.UUID, filter model.TransactionFilter) (string, []interface{}) {
	conds := []string{"account_id = $1"}
	args := []interface{}{accountID}

	if filter.Period != nil {
		args = append(args, filter.Period.Start(), filter.Period.End())
		conds = append(conds, fmt.Sprintf("created_at >= $%d AND created_at < $%d", len(args)-1, len(args)))
	}
	if filter.Ungrouped {
		conds = append(conds, "analysis_group_id IS NULL")
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (r *transactionRepository) ListForAccount(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter) ([]*model.Transaction, error) {
	where, args := filterClause(accountID, filter)
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions` + where +
		` ORDER BY created_at DESC, id DESC`

	var txs []*model.Transaction
	if err := r.db.SelectContext(ctx, &txs, query, args...); err != nil {
		return nil, fmt.Errorf("failed to list transactions: %w", classify(err))
	}
	return txs, nil
}

func (r *transactionRepository) Stream(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter, fn func(*model.Transaction) error) error {
	where, args := filterClause(accountID, filter)
	query := `SELECT ` + transactionColumns + ` FROM billing_transactions` + where +
		` ORDER BY created_at ASC, id ASC`

	rows, err := r.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to stream transactions: %w", classify(err))
	}
	defer rows.Close()

	for rows.Next() {
		var t model.Transaction
		if err := rows.StructScan(&t); err != nil {
			return fmt.Errorf("failed to scan transaction: %w", err)
		}
		if err := fn(&t); err != nil {
			return err
		}
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("failed to stream transactions: %w", classify(err))
	}
	return nil
}

func (r *transactionRepository) SumForAccount(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	query := `SELECT COALESCE(SUM(charged_amount), 0) FROM billing_transactions WHERE account_id = $1`

	var sum decimal.Decimal
	if err := r.db.GetContext(ctx, &sum, query, accountID); err != nil {
		return decimal.Zero, fmt.Errorf("failed to sum transactions: %w", classify(err))
	}
	return sum, nil
}

func (r *transactionRepository) ListPeriods(ctx context.Context, accountID uuid.UUID) ([]model.Period, error) {
	query := `
		SELECT DISTINCT
			EXTRACT(YEAR FROM created_at AT TIME ZONE 'UTC')::int AS year,
			EXTRACT(MONTH FROM created_at AT TIME ZONE 'UTC')::int AS month
		FROM billing_transactions
		WHERE account_id = $1
		ORDER BY year, month
	`
	var rows []struct {
		Year  int `db:"year"`
		Month int `db:"month"`
	}
	if err := r.db.SelectContext(ctx, &rows, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to list transaction periods: %w", classify(err))
	}

	periods := make([]model.Period, 0, len(rows))
	for _, row := range rows {
		periods = append(periods, model.NewPeriod(row.Year, time.Month(row.Month)))
	}
	return periods, nil
}

func (r *transactionRepository) SetGroupIDIfNull(ctx context.Context, id, groupID uuid.UUID, audit *model.AuditLog) (*model.Transaction, bool, error) {
	var (
		stored  model.Transaction
		changed bool
	)
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		result, err := tx.ExecContext(ctx,
			`UPDATE billing_transactions SET analysis_group_id = $1 WHERE id = $2 AND analysis_group_id IS NULL`,
			groupID, id)
		if err != nil {
			return fmt.Errorf("failed to backfill group id: %w", classify(err))
		}
		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		changed = rows == 1

		query := `SELECT ` + transactionColumns + ` FROM billing_transactions WHERE id = $1`
		if err := tx.GetContext(ctx, &stored, query, id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return apperrors.ErrTransactionNotFound
			}
			return fmt.Errorf("failed to reload transaction: %w", classify(err))
		}

		if changed {
			return insertAuditLog(ctx, tx, audit)
		}
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, changed, nil
}
