package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

const invoiceColumns = `id, account_id, year, month, total_charged, total_paid, status,
	period_start, period_end, due_date, paid_at, interviews_processed,
	candidates_evaluated, responses_analyzed, transaction_count, created_at, updated_at`

type invoiceRepository struct {
	BaseRepository
}

func NewInvoiceRepository(base BaseRepository) repository.InvoiceRepository {
	return &invoiceRepository{base}
}

// Upsert only rewrites totals when the incoming snapshot covers at least as
// many transactions as the stored one (or repair found the stored row
// drifted) and something actually differs. When the guard rejects the write
// RETURNING yields no row and the stored invoice is read back instead.
func (r *invoiceRepository) Upsert(ctx context.Context, inv *model.Invoice, repair bool, emit repository.InvoiceEventFunc) (*model.Invoice, bool, error) {
	query := `
		INSERT INTO invoices (
			id, account_id, year, month, total_charged, total_paid, status,
			period_start, period_end, due_date, interviews_processed,
			candidates_evaluated, responses_analyzed, transaction_count,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)
		ON CONFLICT (account_id, year, month) DO UPDATE SET
			total_charged = EXCLUDED.total_charged,
			interviews_processed = EXCLUDED.interviews_processed,
			candidates_evaluated = EXCLUDED.candidates_evaluated,
			responses_analyzed = EXCLUDED.responses_analyzed,
			transaction_count = EXCLUDED.transaction_count,
			updated_at = EXCLUDED.updated_at
		WHERE ($17 OR invoices.transaction_count <= EXCLUDED.transaction_count)
			AND (invoices.total_charged <> EXCLUDED.total_charged
				OR invoices.transaction_count <> EXCLUDED.transaction_count
				OR invoices.interviews_processed <> EXCLUDED.interviews_processed
				OR invoices.candidates_evaluated <> EXCLUDED.candidates_evaluated
				OR invoices.responses_analyzed <> EXCLUDED.responses_analyzed)
		RETURNING ` + invoiceColumns

	var (
		stored  model.Invoice
		applied bool
	)
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		override := false
		if repair {
			var err error
			if override, err = invoiceDrifted(ctx, tx, inv); err != nil {
				return err
			}
		}

		err := tx.GetContext(ctx, &stored, query,
			inv.ID,
			inv.AccountID,
			inv.Year,
			inv.Month,
			inv.TotalCharged,
			inv.TotalPaid,
			inv.Status,
			inv.PeriodStart,
			inv.PeriodEnd,
			inv.DueDate,
			inv.InterviewsProcessed,
			inv.CandidatesEvaluated,
			inv.ResponsesAnalyzed,
			inv.TransactionCount,
			inv.CreatedAt,
			inv.UpdatedAt,
			override,
		)
		switch {
		case err == nil:
			applied = true
		case errors.Is(err, sql.ErrNoRows):
			q := `SELECT ` + invoiceColumns + ` FROM invoices WHERE account_id = $1 AND year = $2 AND month = $3`
			if err := tx.GetContext(ctx, &stored, q, inv.AccountID, inv.Year, inv.Month); err != nil {
				return fmt.Errorf("failed to reload invoice: %w", classify(err))
			}
			return nil
		default:
			if isForeignKeyViolation(err) {
				return apperrors.ErrAccountNotFound
			}
			return fmt.Errorf("failed to upsert invoice: %w", classify(err))
		}
		return emitInvoiceEvent(ctx, tx, emit, &stored)
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, applied, nil
}

// invoiceDrifted locks the stored row and compares its count with the
// ledger. Rows committed later can only raise the live count, so inv is safe
// to write when it matches the count read under the lock.
func invoiceDrifted(ctx context.Context, tx *sqlx.Tx, inv *model.Invoice) (bool, error) {
	var storedCount int
	err := tx.GetContext(ctx, &storedCount, `
		SELECT transaction_count FROM invoices
		WHERE account_id = $1 AND year = $2 AND month = $3
		FOR UPDATE`, inv.AccountID, inv.Year, inv.Month)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to lock invoice: %w", classify(err))
	}

	var live int
	err = tx.GetContext(ctx, &live, `
		SELECT COUNT(*) FROM billing_transactions
		WHERE account_id = $1 AND created_at >= $2 AND created_at < $3`,
		inv.AccountID, inv.PeriodStart, inv.PeriodEnd)
	if err != nil {
		return false, fmt.Errorf("failed to count period transactions: %w", classify(err))
	}
	return storedCount > live && inv.TransactionCount == live, nil
}

func emitInvoiceEvent(ctx context.Context, tx *sqlx.Tx, emit repository.InvoiceEventFunc, inv *model.Invoice) error {
	if emit == nil {
		return nil
	}
	evt, err := emit(inv)
	if err != nil {
		return err
	}
	return insertOutboxEvents(ctx, tx, evt)
}

func (r *invoiceRepository) Get(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE id = $1`

	var inv model.Invoice
	if err := r.db.GetContext(ctx, &inv, query, id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", classify(err))
	}
	return &inv, nil
}

func (r *invoiceRepository) GetByPeriod(ctx context.Context, accountID uuid.UUID, period model.Period) (*model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE account_id = $1 AND year = $2 AND month = $3`

	var inv model.Invoice
	if err := r.db.GetContext(ctx, &inv, query, accountID, period.Year, int(period.Month)); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperrors.ErrInvoiceNotFound
		}
		return nil, fmt.Errorf("failed to get invoice: %w", classify(err))
	}
	return &inv, nil
}

func (r *invoiceRepository) ListForAccount(ctx context.Context, accountID uuid.UUID) ([]*model.Invoice, error) {
	query := `SELECT ` + invoiceColumns + ` FROM invoices WHERE account_id = $1 ORDER BY year DESC, month DESC`

	var invoices []*model.Invoice
	if err := r.db.SelectContext(ctx, &invoices, query, accountID); err != nil {
		return nil, fmt.Errorf("failed to list invoices: %w", classify(err))
	}
	return invoices, nil
}

func (r *invoiceRepository) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, amount decimal.Decimal, audit *model.AuditLog, emit repository.InvoiceEventFunc) (*model.Invoice, error) {
	query := `
		UPDATE invoices
		SET status = $1, paid_at = $2, total_paid = $3, updated_at = $2
		WHERE id = $4 AND status = $5
		RETURNING ` + invoiceColumns

	var inv model.Invoice
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		err := tx.GetContext(ctx, &inv, query,
			model.InvoiceStatusPaid, paidAt, amount, id, model.InvoiceStatusOpen)
		if errors.Is(err, sql.ErrNoRows) {
			var exists bool
			if err := tx.GetContext(ctx, &exists, `SELECT EXISTS (SELECT 1 FROM invoices WHERE id = $1)`, id); err != nil {
				return fmt.Errorf("failed to check invoice: %w", classify(err))
			}
			if !exists {
				return apperrors.ErrInvoiceNotFound
			}
			return apperrors.ErrInvalidTransition
		}
		if err != nil {
			return fmt.Errorf("failed to mark invoice paid: %w", classify(err))
		}

		if err := insertAuditLog(ctx, tx, audit); err != nil {
			return err
		}
		return emitInvoiceEvent(ctx, tx, emit, &inv)
	})
	if err != nil {
		return nil, err
	}
	return &inv, nil
}

func (r *invoiceRepository) MarkOverdue(ctx context.Context, accountID uuid.UUID, now time.Time, emit repository.InvoiceEventFunc) ([]*model.Invoice, error) {
	query := `
		UPDATE invoices
		SET status = $1, updated_at = $2
		WHERE account_id = $3 AND status = $4 AND due_date < $2
		RETURNING ` + invoiceColumns

	var invoices []*model.Invoice
	err := r.WithTx(ctx, func(tx *sqlx.Tx) error {
		if err := tx.SelectContext(ctx, &invoices, query,
			model.InvoiceStatusOverdue, now, accountID, model.InvoiceStatusOpen); err != nil {
			return fmt.Errorf("failed to mark invoices overdue: %w", classify(err))
		}
		for _, inv := range invoices {
			if err := emitInvoiceEvent(ctx, tx, emit, inv); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return invoices, nil
}
