package memory

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
)

type accountRepository struct {
	*Store
}

func (r *accountRepository) Create(ctx context.Context, account *model.Account) error {
	if err := r.injected(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.accounts[account.ID]; ok {
		return fmt.Errorf("account %s already exists", account.ID)
	}
	c := *account
	r.accounts[account.ID] = &c
	return nil
}

func (r *accountRepository) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	acc, ok := r.accounts[id]
	if !ok {
		return nil, apperrors.ErrAccountNotFound
	}
	c := *acc
	return &c, nil
}

func (r *accountRepository) UpdatePlan(ctx context.Context, account *model.Account, audit *model.AuditLog, events ...*model.OutboxEvent) error {
	if err := r.injected(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[account.ID]
	if !ok {
		return apperrors.ErrAccountNotFound
	}
	stored.PlanType = account.PlanType
	stored.PlanStatus = account.PlanStatus
	stored.TrialCreditLimit = account.TrialCreditLimit
	stored.TrialEndsAt = account.TrialEndsAt
	stored.UpdatedAt = account.UpdatedAt
	if audit != nil {
		c := *audit
		r.audit = append(r.audit, &c)
	}
	r.outbox = append(r.outbox, events...)
	return nil
}

func (r *accountRepository) ExpireTrial(ctx context.Context, id uuid.UUID, now time.Time, audit *model.AuditLog, events ...*model.OutboxEvent) (bool, error) {
	if err := r.injected(); err != nil {
		return false, err
	}
	r.mu.Lock()
	defer r.mu.Unlock()

	stored, ok := r.accounts[id]
	if !ok || stored.PlanType != model.PlanTrial || stored.PlanStatus != model.PlanStatusActive ||
		stored.TrialEndsAt == nil || stored.TrialEndsAt.After(now) {
		return false, nil
	}
	stored.PlanStatus = model.PlanStatusExpired
	stored.UpdatedAt = now
	if audit != nil {
		c := *audit
		r.audit = append(r.audit, &c)
	}
	r.outbox = append(r.outbox, events...)
	return true, nil
}

func (r *accountRepository) ListIDs(ctx context.Context, after uuid.UUID, limit int) ([]uuid.UUID, error) {
	if err := r.injected(); err != nil {
		return nil, err
	}
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]uuid.UUID, 0, len(r.accounts))
	for id := range r.accounts {
		if lessUUID(after, id) {
			ids = append(ids, id)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return lessUUID(ids[i], ids[j]) })
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}
