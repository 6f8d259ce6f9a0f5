// Package invoice rolls an account's ledger up into monthly invoices.
package invoice

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/audit"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/event"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

const DefaultDueDays = 10

const (
	resultApplied   = "applied"
	resultUnchanged = "unchanged"
	resultStale     = "stale"
)

type Config struct {
	DueDays int
}

type Service struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	invoices     repository.InvoiceRepository
	auditor      *audit.Service
	clock        clock.Clock
	config       Config
	logger       *logger.Logger
	metrics      *metrics.Metrics
}

func NewService(
	accounts repository.AccountRepository,
	transactions repository.TransactionRepository,
	invoices repository.InvoiceRepository,
	auditor *audit.Service,
	clk clock.Clock,
	config Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	if config.DueDays <= 0 {
		config.DueDays = DefaultDueDays
	}
	return &Service{
		accounts:     accounts,
		transactions: transactions,
		invoices:     invoices,
		auditor:      auditor,
		clock:        clk,
		config:       config,
		logger:       log,
		metrics:      m,
	}
}

// CloseOrUpdate rolls the month up from one snapshot of the ledger and
// upserts the invoice. Running it twice over an unchanged ledger leaves the
// invoice bit-identical. A snapshot that saw fewer transactions than the
// stored invoice is discarded, so totals never go backwards.
func (s *Service) CloseOrUpdate(ctx context.Context, accountID uuid.UUID, year, month int) (*model.Invoice, error) {
	period := model.NewPeriod(year, time.Month(month))
	inv, _, err := s.rollup(ctx, accountID, period, false)
	return inv, err
}

// Recompute is the corrector's roll-up. It also repairs an invoice that
// claims more transactions than the ledger holds, as long as its snapshot
// is still current when written; a snapshot overtaken by a newer roll-up is
// discarded like in CloseOrUpdate.
func (s *Service) Recompute(ctx context.Context, accountID uuid.UUID, period model.Period) (*model.Invoice, bool, error) {
	return s.rollup(ctx, accountID, period, true)
}

func (s *Service) rollup(ctx context.Context, accountID uuid.UUID, period model.Period, repair bool) (*model.Invoice, bool, error) {
	if !period.Valid() {
		return nil, false, apperrors.NewBadRequest(fmt.Sprintf("invalid period %s", period), nil)
	}
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, false, err
	}

	txs, err := s.transactions.ListForAccount(ctx, accountID, model.TransactionFilter{Period: &period})
	if err != nil {
		return nil, false, fmt.Errorf("failed to snapshot transactions: %w", err)
	}
	totals := model.ComputeInvoiceTotals(txs)
	now := s.clock.Now()

	candidate := &model.Invoice{
		ID:                  uuid.New(),
		AccountID:           accountID,
		Year:                period.Year,
		Month:               int(period.Month),
		TotalCharged:        totals.TotalCharged,
		TotalPaid:           decimal.Zero,
		Status:              model.InvoiceStatusOpen,
		PeriodStart:         period.Start(),
		PeriodEnd:           period.End(),
		DueDate:             period.End().AddDate(0, 0, s.config.DueDays),
		InterviewsProcessed: totals.InterviewsProcessed,
		CandidatesEvaluated: totals.CandidatesEvaluated,
		ResponsesAnalyzed:   totals.ResponsesAnalyzed,
		TransactionCount:    totals.TransactionCount,
		CreatedAt:           now,
		UpdatedAt:           now,
	}

	emit := func(stored *model.Invoice) (*model.OutboxEvent, error) {
		return event.ForInvoice(event.InvoiceUpdated, stored, now)
	}
	stored, applied, err := s.invoices.Upsert(ctx, candidate, repair, emit)
	if err != nil {
		return nil, false, fmt.Errorf("failed to upsert invoice: %w", err)
	}

	result := resultUnchanged
	switch {
	case applied:
		result = resultApplied
	case stored.TransactionCount > candidate.TransactionCount:
		result = resultStale
		s.logger.Warn("Discarded stale invoice snapshot",
			"account_id", accountID.String(),
			"period", period.String(),
			"stored_count", stored.TransactionCount,
			"snapshot_count", candidate.TransactionCount)
	}
	s.metrics.InvoiceRollups.WithLabelValues(result).Inc()

	if applied {
		s.logger.Debug("Invoice rolled up",
			"invoice_id", stored.ID.String(),
			"account_id", accountID.String(),
			"period", period.String(),
			"total_charged", money.Format(stored.TotalCharged),
			"repair", repair)
	}
	return stored, applied, nil
}

// MarkPaid records a payment event. Only an open invoice can be paid.
func (s *Service) MarkPaid(ctx context.Context, invoiceID uuid.UUID, paidAt time.Time, amount decimal.Decimal, actor string) (*model.Invoice, error) {
	if err := money.Validate(amount); err != nil {
		return nil, err
	}
	current, err := s.invoices.Get(ctx, invoiceID)
	if err != nil {
		return nil, err
	}
	if !current.Status.CanTransition(model.InvoiceStatusPaid) {
		return nil, fmt.Errorf("%w: %s -> %s", apperrors.ErrInvalidTransition, current.Status, model.InvoiceStatusPaid)
	}

	entry, err := s.auditor.Entry(current.AccountID, actor, model.AuditActionInvoicePaid, model.AuditEntityInvoice, invoiceID, map[string]audit.Change{
		"status":     {Old: current.Status, New: model.InvoiceStatusPaid},
		"total_paid": {Old: money.Format(current.TotalPaid), New: money.Format(amount)},
	})
	if err != nil {
		return nil, err
	}

	paidAt = paidAt.UTC()
	emit := func(stored *model.Invoice) (*model.OutboxEvent, error) {
		return event.ForInvoice(event.InvoicePaid, stored, paidAt)
	}
	paid, err := s.invoices.MarkPaid(ctx, invoiceID, paidAt, amount, entry, emit)
	if err != nil {
		return nil, err
	}

	s.logger.Info("Invoice paid",
		"invoice_id", invoiceID.String(),
		"account_id", paid.AccountID.String(),
		"amount", money.Format(amount))
	return paid, nil
}

// MarkOverdue flips the account's open invoices past their due date.
func (s *Service) MarkOverdue(ctx context.Context, accountID uuid.UUID, now time.Time) ([]*model.Invoice, error) {
	emit := func(stored *model.Invoice) (*model.OutboxEvent, error) {
		return event.ForInvoice(event.InvoiceOverdue, stored, now)
	}
	overdue, err := s.invoices.MarkOverdue(ctx, accountID, now, emit)
	if err != nil {
		return nil, fmt.Errorf("failed to mark invoices overdue: %w", err)
	}
	for _, inv := range overdue {
		s.logger.Info("Invoice overdue",
			"invoice_id", inv.ID.String(),
			"account_id", accountID.String(),
			"due_date", inv.DueDate.Format(time.RFC3339))
	}
	return overdue, nil
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	return s.invoices.Get(ctx, id)
}

func (s *Service) GetByPeriod(ctx context.Context, accountID uuid.UUID, period model.Period) (*model.Invoice, error) {
	return s.invoices.GetByPeriod(ctx, accountID, period)
}

// ListForAccount returns newest period first.
func (s *Service) ListForAccount(ctx context.Context, accountID uuid.UUID) ([]*model.Invoice, error) {
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.invoices.ListForAccount(ctx, accountID)
}
