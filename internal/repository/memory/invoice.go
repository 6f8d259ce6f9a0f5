package memory

import (
	"context"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

type invoiceRepository struct {
	*Store
}

func (r *invoiceRepository) Upsert(ctx context.Context, inv *model.Invoice, repair bool, emit repository.InvoiceEventFunc) (*model.Invoice, bool, error) {
	if err := r.injected(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored := r.byPeriodLocked(inv.AccountID, inv.Year, inv.Month)
	if stored == nil {
		c := *inv
		stored = &c
		r.invoices[stored.ID] = stored
	} else {
		if stored.TransactionCount > inv.TransactionCount && !(repair && r.drifted(stored, inv)) {
			c := *stored
			return &c, false, nil
		}
		if sameTotals(stored, inv) {
			c := *stored
			return &c, false, nil
		}
		stored.TotalCharged = inv.TotalCharged
		stored.InterviewsProcessed = inv.InterviewsProcessed
		stored.CandidatesEvaluated = inv.CandidatesEvaluated
		stored.ResponsesAnalyzed = inv.ResponsesAnalyzed
		stored.TransactionCount = inv.TransactionCount
		stored.UpdatedAt = inv.UpdatedAt
	}

	if err := r.emitLocked(emit, stored); err != nil {
		return nil, false, err
	}
	c := *stored
	return &c, true, nil
}

// drifted reports whether stored claims more rows than the ledger holds
// while inv matches the ledger exactly.
func (r *invoiceRepository) drifted(stored, inv *model.Invoice) bool {
	period := model.NewPeriod(inv.Year, time.Month(inv.Month))
	txs := (&transactionRepository{r.Store}).selectLocked(inv.AccountID, model.TransactionFilter{Period: &period})
	live := len(txs)
	return stored.TransactionCount > live && inv.TransactionCount == live
}

func sameTotals(a, b *model.Invoice) bool {
	return a.TotalCharged.Equal(b.TotalCharged) &&
		a.TransactionCount == b.TransactionCount &&
		a.InterviewsProcessed == b.InterviewsProcessed &&
		a.CandidatesEvaluated == b.CandidatesEvaluated &&
		a.ResponsesAnalyzed == b.ResponsesAnalyzed
}

func (r *invoiceRepository) emitLocked(emit repository.InvoiceEventFunc, inv *model.Invoice) error {
	if emit == nil {
		return nil
	}
	evt, err := emit(inv)
	if err != nil {
		return err
	}
	if evt != nil {
		r.outbox = append(r.outbox, evt)
	}
	return nil
}

func (r *invoiceRepository) byPeriodLocked(accountID uuid.UUID, year, month int) *model.Invoice {
	for _, inv := range r.invoices {
		if inv.AccountID == accountID && inv.Year == year && inv.Month == month {
			return inv
		}
	}
	return nil
}

func (r *invoiceRepository) Get(ctx context.Context, id uuid.UUID) (*model.Invoice, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperrors.ErrInvoiceNotFound
	}
	c := *inv
	return &c, nil
}

func (r *invoiceRepository) GetByPeriod(ctx context.Context, accountID uuid.UUID, period model.Period) (*model.Invoice, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	inv := r.byPeriodLocked(accountID, period.Year, int(period.Month))
	if inv == nil {
		return nil, apperrors.ErrInvoiceNotFound
	}
	c := *inv
	return &c, nil
}

func (r *invoiceRepository) ListForAccount(ctx context.Context, accountID uuid.UUID) ([]*model.Invoice, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*model.Invoice
	for _, inv := range r.invoices {
		if inv.AccountID == accountID {
			c := *inv
			out = append(out, &c)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Year != out[j].Year {
			return out[i].Year > out[j].Year
		}
		return out[i].Month > out[j].Month
	})
	return out, nil
}

func (r *invoiceRepository) MarkPaid(ctx context.Context, id uuid.UUID, paidAt time.Time, amount decimal.Decimal, audit *model.AuditLog, emit repository.InvoiceEventFunc) (*model.Invoice, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	inv, ok := r.invoices[id]
	if !ok {
		return nil, apperrors.ErrInvoiceNotFound
	}
	if !inv.Status.CanTransition(model.InvoiceStatusPaid) {
		return nil, apperrors.ErrInvalidTransition
	}
	inv.Status = model.InvoiceStatusPaid
	inv.PaidAt = &paidAt
	inv.TotalPaid = amount
	inv.UpdatedAt = paidAt

	if audit != nil {
		c := *audit
		r.audit = append(r.audit, &c)
	}
	if err := r.emitLocked(emit, inv); err != nil {
		return nil, err
	}
	c := *inv
	return &c, nil
}

func (r *invoiceRepository) MarkOverdue(ctx context.Context, accountID uuid.UUID, now time.Time, emit repository.InvoiceEventFunc) ([]*model.Invoice, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*model.Invoice
	for _, inv := range r.invoices {
		if inv.AccountID != accountID || inv.Status != model.InvoiceStatusOpen || !inv.DueDate.Before(now) {
			continue
		}
		inv.Status = model.InvoiceStatusOverdue
		inv.UpdatedAt = now
		if err := r.emitLocked(emit, inv); err != nil {
			return nil, err
		}
		c := *inv
		out = append(out, &c)
	}
	return out, nil
}
