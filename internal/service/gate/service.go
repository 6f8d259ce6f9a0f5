// Package gate decides whether an account may start a billable action.
package gate

import (
	"context"
	"errors"
	"strconv"

	"github.com/google/uuid"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
)

const (
	MessageTrialLimitReached = "Your trial credit has been exhausted. Choose a plan to continue analysing candidates."
	MessagePlanInactive      = "Your plan is not active. Reactivate it to continue analysing candidates."
	MessageUnavailable       = "We could not verify your balance right now. Please try again in a few minutes."
)

// UsageReader returns usage computed straight from the ledger.
type UsageReader interface {
	Fresh(ctx context.Context, accountID uuid.UUID) (*model.Usage, error)
}

type AccountReader interface {
	Get(ctx context.Context, id uuid.UUID) (*model.Account, error)
}

type Service struct {
	accounts AccountReader
	usage    UsageReader
	logger   *logger.Logger
	metrics  *metrics.Metrics
}

func NewService(accounts AccountReader, usage UsageReader, log *logger.Logger, m *metrics.Metrics) *Service {
	return &Service{
		accounts: accounts,
		usage:    usage,
		logger:   log,
		metrics:  m,
	}
}

// CheckAccess must be called before every billable action, with the id of
// the account that pays for it. Denials are returned as decisions. Only an
// unknown account is an error; any other failure denies with
// temporarily_unavailable.
func (s *Service) CheckAccess(ctx context.Context, accountID uuid.UUID) (model.AccessDecision, error) {
	decision, err := s.decide(ctx, accountID)
	if err != nil {
		if errors.Is(err, apperrors.ErrAccountNotFound) {
			return model.AccessDecision{}, err
		}
		s.logger.Error(err, "Access check failed, denying", "account_id", accountID.String())
		decision = model.AccessDecision{
			Allowed:     false,
			Reason:      model.ReasonTemporarilyUnavailable,
			UserMessage: MessageUnavailable,
		}
	}

	s.metrics.AccessDecisions.WithLabelValues(strconv.FormatBool(decision.Allowed), string(decision.Reason)).Inc()
	return decision, nil
}

func (s *Service) decide(ctx context.Context, accountID uuid.UUID) (model.AccessDecision, error) {
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return model.AccessDecision{}, err
	}
	if !account.IsActive() {
		return model.AccessDecision{
			Allowed:     false,
			Reason:      model.ReasonPlanInactive,
			UserMessage: MessagePlanInactive,
		}, nil
	}

	usage, err := s.usage.Fresh(ctx, accountID)
	if err != nil {
		return model.AccessDecision{}, err
	}

	if limit, bounded := account.SpendLimit(); bounded && usage.Spent.GreaterThanOrEqual(limit) {
		return model.AccessDecision{
			Allowed:     false,
			Reason:      model.ReasonTrialLimitReached,
			UserMessage: MessageTrialLimitReached,
			Usage:       usage,
		}, nil
	}

	return model.AccessDecision{Allowed: true, Usage: usage}, nil
}
