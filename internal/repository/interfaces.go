package repository

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
)

// InvoiceEventFunc builds the outbox event for an invoice row as it was
// stored. It runs inside the writing database transaction; nil is allowed.
type InvoiceEventFunc func(*model.Invoice) (*model.OutboxEvent, error)

// All repository interfaces in one file
type (
	// AccountRepository handles billing account operations. Accounts are
	// never deleted.
	AccountRepository interface {
		Create(ctx context.Context, account *model.Account) error
		Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
		UpdatePlan(ctx context.Context, account *model.Account, audit *model.AuditLog, events ...*model.OutboxEvent) error
		// ExpireTrial marks the account expired only if it is still an
		// active trial whose trial_ends_at is not after now. audit and events
		// are written only when the row changed.
		ExpireTrial(ctx context.Context, id uuid.UUID, now time.Time, audit *model.AuditLog, events ...*model.OutboxEvent) (bool, error)
		// ListIDs pages through account ids in ascending order, starting
		// after the given id (uuid.Nil for the first page).
		ListIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error)
	}

	// TransactionRepository is the append-only ledger. The only mutation
	// after insert is SetGroupIDIfNull.
	TransactionRepository interface {
		// Create inserts tx and its outbox events atomically. Inserting an id
		// that already exists is a no-op and reports created=false.
		Create(ctx context.Context, tx *model.Transaction, events ...*model.OutboxEvent) (created bool, err error)
		// CreateWithinLimit is Create under a row lock on the account. It
		// returns ErrTrialLimitReached when the account's lifetime spend has
		// already reached limit.
		CreateWithinLimit(ctx context.Context, tx *model.Transaction, limit decimal.Decimal, events ...*model.OutboxEvent) (created bool, err error)
		Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error)
		// ListForAccount returns newest first.
		ListForAccount(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter) ([]*model.Transaction, error)
		// Stream calls fn for every row, oldest first, without materialising
		// the result set.
		Stream(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter, fn func(*model.Transaction) error) error
		SumForAccount(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error)
		// ListPeriods returns every calendar month with at least one
		// transaction, oldest first.
		ListPeriods(ctx context.Context, accountID uuid.UUID) ([]model.Period, error)
		// SetGroupIDIfNull writes groupID only where the row has none and
		// returns the row as stored afterwards. audit is written in the same
		// database transaction when the row changes.
		SetGroupIDIfNull(ctx context.Context, id, groupID uuid.UUID, audit *model.AuditLog) (tx *model.Transaction, changed bool, err error)
	}

	InvoiceRepository interface {
		// Upsert writes the totals of inv keyed by (account, year, month).
		// A row that already reflects more transactions is left alone. With
		// repair set, a row claiming more transactions than the ledger holds
		// for the period is overwritten, but only when inv covers exactly the
		// ledger's current rows. Status, paid_at and total_paid of an existing
		// row are never touched. The stored row is returned either way.
		Upsert(ctx context.Context, inv *model.Invoice, repair bool, emit InvoiceEventFunc) (stored *model.Invoice, applied bool, err error)
		Get(ctx context.Context, id uuid.UUID) (*model.Invoice, error)
		GetByPeriod(ctx context.Context, accountID uuid.UUID, period model.Period) (*model.Invoice, error)
		ListForAccount(ctx context.Context, accountID uuid.UUID) ([]*model.Invoice, error)
		// MarkPaid moves an open invoice to paid. Any other current status
		// yields ErrInvalidTransition.
		MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, amount decimal.Decimal, audit *model.AuditLog, emit InvoiceEventFunc) (*model.Invoice, error)
		// MarkOverdue moves the account's open invoices whose due date is
		// before now to overdue and returns them.
		MarkOverdue(ctx context.Context, accountID uuid.UUID, now time.Time, emit InvoiceEventFunc) ([]*model.Invoice, error)
	}

	OutboxRepository interface {
		Create(ctx context.Context, event *model.OutboxEvent) error
		GetPendingEvents(ctx context.Context, limit int) ([]*model.OutboxEvent, error)
		UpdateStatus(ctx context.Context, id uuid.UUID, status model.OutboxStatus, errMsg *string) error
		DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
	}

	AuditRepository interface {
		Create(ctx context.Context, log *model.AuditLog) error
		ListForEntity(ctx context.Context, entityType string, entityID uuid.UUID) ([]*model.AuditLog, error)
		DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	}
)
