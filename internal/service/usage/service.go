// Package usage computes an account's running spend against its plan.
package usage

import (
	"context"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

type Service struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	cache        Cache
	logger       *logger.Logger
}

// NewService builds the aggregator. cache may be nil.
func NewService(accounts repository.AccountRepository, transactions repository.TransactionRepository, cache Cache, log *logger.Logger) *Service {
	return &Service{
		accounts:     accounts,
		transactions: transactions,
		cache:        cache,
		logger:       log,
	}
}

// Usage returns the account's usage, serving spend from the cache when it
// can.
func (s *Service) Usage(ctx context.Context, accountID uuid.UUID) (*model.Usage, error) {
	return s.usage(ctx, accountID, true)
}

// Fresh is Usage straight from the ledger.
func (s *Service) Fresh(ctx context.Context, accountID uuid.UUID) (*model.Usage, error) {
	return s.usage(ctx, accountID, false)
}

func (s *Service) usage(ctx context.Context, accountID uuid.UUID, cached bool) (*model.Usage, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return nil, err
	}
	spent, err := s.spent(ctx, accountID, cached)
	if err != nil {
		return nil, err
	}
	return Compute(account, spent), nil
}

func (s *Service) spent(ctx context.Context, accountID uuid.UUID, cached bool) (decimal.Decimal, error) {
	if cached && s.cache != nil {
		v, ok, err := s.cache.Get(ctx, accountID)
		if err != nil {
			s.logger.Warn("Usage cache read failed", "account_id", accountID.String(), "error", err.Error())
		} else if ok {
			return v, nil
		}
	}

	spent, err := s.transactions.SumForAccount(ctx, accountID)
	if err != nil {
		return decimal.Zero, err
	}

	if s.cache != nil {
		if err := s.cache.Set(ctx, accountID, spent); err != nil {
			s.logger.Warn("Usage cache write failed", "account_id", accountID.String(), "error", err.Error())
		}
	}
	return spent, nil
}

// Invalidate drops the cached spend for an account.
func (s *Service) Invalidate(ctx context.Context, accountID uuid.UUID) error {
	if s.cache == nil {
		return nil
	}
	return s.cache.Delete(ctx, accountID)
}

// Compute derives usage from an account and its lifetime spend. Accounts
// without a spend limit report nil limit, remaining and percentage.
func Compute(account *model.Account, spent decimal.Decimal) *model.Usage {
	u := &model.Usage{
		AccountID: account.ID,
		PlanType:  account.PlanType,
		Spent:     spent,
	}

	limit, bounded := account.SpendLimit()
	if !bounded {
		u.Unbounded = true
		return u
	}

	remaining := limit.Sub(spent)
	if remaining.IsNegative() {
		remaining = money.Zero
	}
	percent := 100.0
	if limit.IsPositive() {
		percent = money.Percent(spent, limit)
	}

	u.Limit = &limit
	u.Remaining = &remaining
	u.PercentUsed = &percent
	return u
}
