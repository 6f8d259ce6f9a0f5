package memory

import (
	"context"
	"sort"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

type transactionRepository struct {
	*Store
}

func (r *transactionRepository) Create(ctx context.Context, tx *model.Transaction, events ...*model.OutboxEvent) (bool, error) {
	if err := r.injected(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.insertLocked(tx, events)
}

func (r *transactionRepository) CreateWithinLimit(ctx context.Context, tx *model.Transaction, limit decimal.Decimal, events ...*model.OutboxEvent) (bool, error) {
	if err := r.injected(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.transactions[tx.ID]; ok {
		return false, nil
	}
	if r.sumLocked(tx.AccountID).GreaterThanOrEqual(limit) {
		return false, apperrors.ErrTrialLimitReached
	}
	return r.insertLocked(tx, events)
}

func (r *transactionRepository) insertLocked(tx *model.Transaction, events []*model.OutboxEvent) (bool, error) {
	if _, ok := r.accounts[tx.AccountID]; !ok {
		return false, apperrors.ErrAccountNotFound
	}
	if _, ok := r.transactions[tx.ID]; ok {
		return false, nil
	}
	r.transactions[tx.ID] = copyTransaction(tx)
	for _, e := range events {
		c := *e
		r.outbox = append(r.outbox, &c)
	}
	return true, nil
}

func (r *transactionRepository) Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	tx, ok := r.transactions[id]
	if !ok {
		return nil, apperrors.ErrTransactionNotFound
	}
	return copyTransaction(tx), nil
}

func (r *transactionRepository) ListForAccount(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter) ([]*model.Transaction, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	txs := r.selectLocked(accountID, filter)
	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.After(txs[j].CreatedAt)
		}
		return lessUUID(txs[j].ID, txs[i].ID)
	})
	return txs, nil
}

func (r *transactionRepository) Stream(ctx context.Context, accountID uuid.UUID, filter model.TransactionFilter, fn func(*model.Transaction) error) error {
	if err := r.injected(); err != nil {
		return err
	}
	r.mu.RLock()
	txs := r.selectLocked(accountID, filter)
	r.mu.RUnlock()

	sort.Slice(txs, func(i, j int) bool {
		if !txs[i].CreatedAt.Equal(txs[j].CreatedAt) {
			return txs[i].CreatedAt.Before(txs[j].CreatedAt)
		}
		return lessUUID(txs[i].ID, txs[j].ID)
	})
	for _, tx := range txs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(tx); err != nil {
			return err
		}
	}
	return nil
}

func (r *transactionRepository) selectLocked(accountID uuid.UUID, filter model.TransactionFilter) []*model.Transaction {
	var txs []*model.Transaction
	for _, tx := range r.transactions {
		if tx.AccountID != accountID {
			continue
		}
		if filter.Period != nil && !filter.Period.Contains(tx.CreatedAt) {
			continue
		}
		if filter.Ungrouped && tx.IsGrouped() {
			continue
		}
		txs = append(txs, copyTransaction(tx))
	}
	return txs
}

func (r *transactionRepository) SumForAccount(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, error) {
	if err := r.injected(); err != nil {
		return decimal.Zero, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sumLocked(accountID), nil
}

func (r *transactionRepository) sumLocked(accountID uuid.UUID) decimal.Decimal {
	sum := decimal.Zero
	for _, tx := range r.transactions {
		if tx.AccountID == accountID {
			sum = sum.Add(tx.ChargedAmount)
		}
	}
	return sum
}

func (r *transactionRepository) ListPeriods(ctx context.Context, accountID uuid.UUID) ([]model.Period, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[model.Period]struct{})
	var periods []model.Period
	for _, tx := range r.transactions {
		if tx.AccountID != accountID {
			continue
		}
		p := model.PeriodOf(tx.CreatedAt)
		if _, ok := seen[p]; ok {
			continue
		}
		seen[p] = struct{}{}
		periods = append(periods, p)
	}
	sort.Slice(periods, func(i, j int) bool { return periods[i].Before(periods[j]) })
	return periods, nil
}

func (r *transactionRepository) SetGroupIDIfNull(ctx context.Context, id, groupID uuid.UUID, audit *model.AuditLog) (*model.Transaction, bool, error) {
	if err := r.injected(); err != nil {
		return nil, false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	tx, ok := r.transactions[id]
	if !ok {
		return nil, false, apperrors.ErrTransactionNotFound
	}
	if tx.IsGrouped() {
		return copyTransaction(tx), false, nil
	}
	g := groupID
	tx.AnalysisGroupID = &g
	if audit != nil {
		c := *audit
		r.audit = append(r.audit, &c)
	}
	return copyTransaction(tx), true, nil
}
