// Package account manages billing accounts and their plan lifecycle.
package account

import (
	"context"
	"fmt"
	"strings"
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
)

type Config struct {
	TrialCreditLimit decimal.Decimal
	TrialDays        int
}

type Service struct {
	accounts repository.AccountRepository
	auditor  *audit.Service
	clock    clock.Clock
	config   Config
	logger   *logger.Logger
}

func NewService(accounts repository.AccountRepository, auditor *audit.Service, clk clock.Clock, config Config, log *logger.Logger) *Service {
	return &Service{
		accounts: accounts,
		auditor:  auditor,
		clock:    clk,
		config:   config,
		logger:   log,
	}
}

// Create opens a billing account. New accounts start on the trial plan
// unless another plan is requested.
func (s *Service) Create(ctx context.Context, req *model.CreateAccountRequest) (*model.Account, error) {
	plan := req.PlanType
	if plan == "" {
		plan = model.PlanTrial
	}
	if !plan.Valid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidPlan, plan)
	}

	now := s.clock.Now()
	account := &model.Account{
		ID:         uuid.New(),
		Name:       strings.TrimSpace(req.Name),
		Email:      strings.ToLower(strings.TrimSpace(req.Email)),
		PlanType:   plan,
		PlanStatus: model.PlanStatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if plan == model.PlanTrial {
		s.startTrial(account, now)
	}

	if err := s.accounts.Create(ctx, account); err != nil {
		return nil, fmt.Errorf("failed to create account: %w", err)
	}

	s.logger.Info("Account created",
		"account_id", account.ID.String(),
		"plan_type", string(account.PlanType))
	return account, nil
}

func (s *Service) startTrial(account *model.Account, now time.Time) {
	account.TrialCreditLimit = decimal.NewNullDecimal(s.config.TrialCreditLimit)
	if s.config.TrialDays > 0 {
		ends := now.AddDate(0, 0, s.config.TrialDays)
		account.TrialEndsAt = &ends
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Account, error) {
	return s.accounts.Get(ctx, id)
}

// UpdatePlan changes the plan type and/or status. Moving onto the trial
// plan grants a fresh trial limit only if the account never had one.
func (s *Service) UpdatePlan(ctx context.Context, id uuid.UUID, req *model.UpdatePlanRequest, actor string) (*model.Account, error) {
	if req.PlanType == "" && req.PlanStatus == "" {
		return nil, apperrors.NewBadRequest("plan_type or plan_status is required", nil)
	}
	if req.PlanType != "" && !req.PlanType.Valid() {
		return nil, fmt.Errorf("%w: %q", apperrors.ErrInvalidPlan, req.PlanType)
	}
	if req.PlanStatus != "" && !req.PlanStatus.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", apperrors.ErrInvalidPlan, req.PlanStatus)
	}

	account, err := s.accounts.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	updated := *account
	if req.PlanType != "" {
		updated.PlanType = req.PlanType
	}
	if req.PlanStatus != "" {
		updated.PlanStatus = req.PlanStatus
	}
	if updated.PlanType == account.PlanType && updated.PlanStatus == account.PlanStatus {
		return account, nil
	}

	now := s.clock.Now()
	if updated.PlanType == model.PlanTrial && !updated.TrialCreditLimit.Valid {
		s.startTrial(&updated, now)
	}
	updated.UpdatedAt = now

	entry, err := s.auditor.Entry(id, actor, model.AuditActionPlanChange, model.AuditEntityAccount, id, map[string]audit.Change{
		"plan_type":   {Old: account.PlanType, New: updated.PlanType},
		"plan_status": {Old: account.PlanStatus, New: updated.PlanStatus},
	})
	if err != nil {
		return nil, err
	}
	if err := s.accounts.UpdatePlan(ctx, &updated, entry); err != nil {
		return nil, fmt.Errorf("failed to update plan: %w", err)
	}

	s.logger.Info("Account plan changed",
		"account_id", id.String(),
		"plan_type", string(updated.PlanType),
		"plan_status", string(updated.PlanStatus),
		"actor", entry.Actor)
	return &updated, nil
}

// ExpireTrial flips an active trial whose end date has passed to expired.
// The write is conditional on the account still being that trial, so a plan
// change that lands after the read wins. It reports whether the account
// changed.
func (s *Service) ExpireTrial(ctx context.Context, id uuid.UUID, now time.Time) (bool, error) {
	account, err := s.accounts.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if account.PlanType != model.PlanTrial || !account.IsActive() ||
		account.TrialEndsAt == nil || now.Before(*account.TrialEndsAt) {
		return false, nil
	}

	updated := *account
	updated.PlanStatus = model.PlanStatusExpired
	updated.UpdatedAt = now

	entry, err := s.auditor.Entry(id, audit.ActorSystem, model.AuditActionTrialExpired, model.AuditEntityAccount, id, map[string]audit.Change{
		"plan_status": {Old: account.PlanStatus, New: updated.PlanStatus},
	})
	if err != nil {
		return false, err
	}
	evt, err := event.ForAccount(event.TrialExpired, &updated, now)
	if err != nil {
		return false, err
	}
	changed, err := s.accounts.ExpireTrial(ctx, id, now, entry, evt)
	if err != nil {
		return false, fmt.Errorf("failed to expire trial: %w", err)
	}
	if !changed {
		s.logger.Debug("Trial changed before expiry, skipped", "account_id", id.String())
		return false, nil
	}

	s.logger.Info("Trial expired", "account_id", id.String())
	return true, nil
}
