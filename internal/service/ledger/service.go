// Package ledger records billable events as immutable transactions.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	apperrors "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/errors"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/event"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/money"
)

// UsageInvalidator drops cached usage for an account after its ledger
// changes.
type UsageInvalidator interface {
	Invalidate(ctx context.Context, accountID uuid.UUID) error
}

type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxElapsed      time.Duration
}

type Config struct {
	Retry RetryPolicy
	// StrictTrialLimit locks the account row on trial charges and refuses
	// the write once the limit is reached.
	StrictTrialLimit bool
}

type Service struct {
	accounts     repository.AccountRepository
	transactions repository.TransactionRepository
	pending      PendingQueue
	usage        UsageInvalidator
	clock        clock.Clock
	config       Config
	logger       *logger.Logger
	metrics      *metrics.Metrics
}

func NewService(
	accounts repository.AccountRepository,
	transactions repository.TransactionRepository,
	pending PendingQueue,
	usage UsageInvalidator,
	clk clock.Clock,
	config Config,
	log *logger.Logger,
	m *metrics.Metrics,
) *Service {
	return &Service{
		accounts:     accounts,
		transactions: transactions,
		pending:      pending,
		usage:        usage,
		clock:        clk,
		config:       config,
		logger:       log,
		metrics:      m,
	}
}

// Record writes one billable transaction.
//
// The transaction id is fixed before the first attempt and the insert is a
// no-op for an existing id, so retries never double-charge. Store outages
// are retried with exponential backoff; when the budget runs out the charge
// goes to the pending queue and ErrChargeEscalated is returned together
// with the transaction that will be written later.
func (s *Service) Record(ctx context.Context, req model.RecordRequest) (*model.Transaction, error) {
	tx, err := s.build(req)
	if err != nil {
		return nil, err
	}

	evt, err := event.ForTransaction(tx)
	if err != nil {
		return nil, err
	}

	limit, strict, err := s.strictLimit(ctx, tx.AccountID)
	if err != nil {
		return nil, err
	}

	var (
		created bool
		lastErr error
	)
	op := func() error {
		var err error
		if strict {
			created, err = s.transactions.CreateWithinLimit(ctx, tx, limit, evt)
		} else {
			created, err = s.transactions.Create(ctx, tx, evt)
		}
		lastErr = err
		if err == nil {
			return nil
		}
		if errors.Is(err, apperrors.ErrStoreUnavailable) {
			return err
		}
		return backoff.Permanent(err)
	}
	notify := func(err error, wait time.Duration) {
		s.metrics.ChargeRetries.Inc()
		s.logger.Warn("Ledger write failed, retrying",
			"transaction_id", tx.ID.String(),
			"account_id", tx.AccountID.String(),
			"wait", wait.String(),
			"error", err.Error())
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.newBackOff(), ctx), notify); err != nil {
		if errors.Is(lastErr, apperrors.ErrStoreUnavailable) {
			return tx, s.escalate(ctx, tx, lastErr)
		}
		return nil, err
	}

	if !created {
		return s.existing(ctx, tx)
	}

	s.metrics.TransactionsRecorded.WithLabelValues(string(tx.Kind)).Inc()
	s.invalidate(ctx, tx.AccountID)
	return tx, nil
}

// existing returns the stored transaction for a retried id. An id reused
// for a different charge is a conflict, never a silent success.
func (s *Service) existing(ctx context.Context, tx *model.Transaction) (*model.Transaction, error) {
	stored, err := s.transactions.Get(ctx, tx.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to load existing transaction: %w", err)
	}
	if !sameCharge(stored, tx) {
		s.logger.Warn("Transaction id reused for a different charge",
			"transaction_id", tx.ID.String(),
			"account_id", tx.AccountID.String(),
			"charged_amount", money.Format(tx.ChargedAmount))
		return nil, fmt.Errorf("%w: %s", apperrors.ErrIdempotencyConflict, tx.ID)
	}
	return stored, nil
}

// sameCharge reports whether stored is the charge req describes. A request
// without a group id matches a row whose group was backfilled since.
func sameCharge(stored, req *model.Transaction) bool {
	if stored.AccountID != req.AccountID ||
		stored.Kind != req.Kind ||
		!stored.BaseCost.Equal(req.BaseCost) ||
		!stored.Markup.Equal(req.Markup) {
		return false
	}
	if req.AnalysisGroupID == nil {
		return true
	}
	return stored.AnalysisGroupID != nil && *stored.AnalysisGroupID == *req.AnalysisGroupID
}

func (s *Service) build(req model.RecordRequest) (*model.Transaction, error) {
	if !req.Kind.Valid() {
		return nil, apperrors.NewBadRequest(fmt.Sprintf("unknown transaction kind %q", req.Kind), nil)
	}
	base, err := money.Parse(req.BaseCost)
	if err != nil {
		return nil, err
	}
	markup := money.Zero
	if req.Markup != "" {
		if markup, err = money.Parse(req.Markup); err != nil {
			return nil, err
		}
	}

	id := req.ID
	if id == uuid.Nil {
		id = uuid.New()
	}
	metadata := req.Metadata
	if metadata == nil {
		metadata = model.JSONMap{}
	}

	return &model.Transaction{
		ID:              id,
		AccountID:       req.AccountID,
		Kind:            req.Kind,
		BaseCost:        base,
		Markup:          markup,
		ChargedAmount:   base.Add(markup),
		Metadata:        metadata,
		InterviewID:     req.InterviewID,
		SubjectID:       req.SubjectID,
		AnalysisGroupID: req.GroupID,
		CreatedAt:       s.clock.Now(),
	}, nil
}

// strictLimit returns the trial limit to enforce at write time, if any.
func (s *Service) strictLimit(ctx context.Context, accountID uuid.UUID) (decimal.Decimal, bool, error) {
	if !s.config.StrictTrialLimit {
		return decimal.Zero, false, nil
	}
	account, err := s.accounts.Get(ctx, accountID)
	if err != nil {
		return decimal.Zero, false, err
	}
	limit, bounded := account.SpendLimit()
	return limit, bounded, nil
}

func (s *Service) newBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	if s.config.Retry.InitialInterval > 0 {
		b.InitialInterval = s.config.Retry.InitialInterval
	}
	if s.config.Retry.MaxInterval > 0 {
		b.MaxInterval = s.config.Retry.MaxInterval
	}
	b.MaxElapsedTime = s.config.Retry.MaxElapsed
	if b.MaxElapsedTime <= 0 {
		b.MaxElapsedTime = 10 * time.Second
	}
	b.Reset()
	return b
}

// escalate parks tx in the pending queue. It runs detached from ctx so a
// caller that gave up waiting still gets its charge parked.
func (s *Service) escalate(ctx context.Context, tx *model.Transaction, cause error) error {
	charge := &model.PendingCharge{
		Transaction: tx,
		Attempts:    1,
		EscalatedAt: s.clock.Now(),
		LastError:   cause.Error(),
	}

	pushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := s.pending.Push(pushCtx, charge); err != nil {
		s.logger.Error(err, "Failed to escalate charge",
			"transaction_id", tx.ID.String(),
			"account_id", tx.AccountID.String(),
			"charged_amount", money.Format(tx.ChargedAmount))
		return fmt.Errorf("%w: charge %s could not be recorded or escalated", apperrors.ErrStoreUnavailable, tx.ID)
	}

	s.metrics.ChargesEscalated.Inc()
	s.logger.Warn("Charge escalated to pending queue",
		"transaction_id", tx.ID.String(),
		"account_id", tx.AccountID.String(),
		"charged_amount", money.Format(tx.ChargedAmount))
	return fmt.Errorf("%w: transaction %s", apperrors.ErrChargeEscalated, tx.ID)
}

// Replay writes one escalated charge. The insert is idempotent, so a charge
// that did land before escalation is simply acknowledged.
func (s *Service) Replay(ctx context.Context, charge *model.PendingCharge) error {
	tx := charge.Transaction
	evt, err := event.ForTransaction(tx)
	if err != nil {
		return err
	}

	created, err := s.transactions.Create(ctx, tx, evt)
	if err != nil {
		return err
	}
	if !created {
		_, err := s.existing(ctx, tx)
		return err
	}
	s.metrics.TransactionsRecorded.WithLabelValues(string(tx.Kind)).Inc()
	s.invalidate(ctx, tx.AccountID)
	return nil
}

// DrainPending replays at most the number of charges queued when it starts.
// Charges a previous drain left in flight are restored first. A charge that
// fails again is requeued with its attempt count bumped; one whose requeue
// also fails stays in flight for the next drain.
func (s *Service) DrainPending(ctx context.Context) (replayed, failed int, err error) {
	restored, err := s.pending.RestoreInFlight(ctx)
	if err != nil {
		return 0, 0, err
	}
	if restored > 0 {
		s.logger.Warn("Restored in-flight pending charges", "count", restored)
	}

	n, err := s.pending.Len(ctx)
	if err != nil {
		return 0, 0, err
	}

	for i := int64(0); i < n; i++ {
		if ctx.Err() != nil {
			return replayed, failed, ctx.Err()
		}
		claimed, err := s.pending.Claim(ctx)
		if err != nil {
			return replayed, failed, err
		}
		if claimed == nil {
			break
		}
		charge := claimed.Charge

		if err := s.Replay(ctx, charge); err != nil {
			failed++
			s.metrics.PendingChargesReplayed.WithLabelValues("failed").Inc()
			charge.Attempts++
			charge.LastError = err.Error()
			if reqErr := s.pending.Requeue(context.WithoutCancel(ctx), claimed); reqErr != nil {
				s.logger.Error(reqErr, "Failed to requeue pending charge",
					"transaction_id", charge.Transaction.ID.String(),
					"account_id", charge.Transaction.AccountID.String(),
					"charged_amount", money.Format(charge.Transaction.ChargedAmount))
				return replayed, failed, reqErr
			}
			continue
		}

		if ackErr := s.pending.Ack(context.WithoutCancel(ctx), claimed); ackErr != nil {
			s.logger.Warn("Failed to acknowledge replayed charge",
				"transaction_id", charge.Transaction.ID.String(),
				"error", ackErr.Error())
		}
		replayed++
		s.metrics.PendingChargesReplayed.WithLabelValues("success").Inc()
	}
	return replayed, failed, nil
}

func (s *Service) invalidate(ctx context.Context, accountID uuid.UUID) {
	if s.usage == nil {
		return
	}
	if err := s.usage.Invalidate(ctx, accountID); err != nil {
		s.logger.Warn("Failed to invalidate usage cache",
			"account_id", accountID.String(),
			"error", err.Error())
	}
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*model.Transaction, error) {
	return s.transactions.Get(ctx, id)
}

// ListForAccount returns the account's transactions newest first,
// optionally limited to one calendar month.
func (s *Service) ListForAccount(ctx context.Context, accountID uuid.UUID, period *model.Period) ([]*model.Transaction, error) {
	if period != nil && !period.Valid() {
		return nil, apperrors.NewBadRequest("invalid period", nil)
	}
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return nil, err
	}
	return s.transactions.ListForAccount(ctx, accountID, model.TransactionFilter{Period: period})
}

// StreamForAccount walks the account's transactions oldest first without
// loading them all.
func (s *Service) StreamForAccount(ctx context.Context, accountID uuid.UUID, period *model.Period, fn func(*model.Transaction) error) error {
	if period != nil && !period.Valid() {
		return apperrors.NewBadRequest("invalid period", nil)
	}
	if _, err := s.accounts.Get(ctx, accountID); err != nil {
		return err
	}
	return s.transactions.Stream(ctx, accountID, model.TransactionFilter{Period: period}, fn)
}

// BackfillGroupID is the only mutation allowed on a stored transaction. It
// is a no-op when the row already carries groupID and fails with
// ErrAlreadyGrouped when it carries a different one.
func (s *Service) BackfillGroupID(ctx context.Context, txID, groupID uuid.UUID, actor string) error {
	if groupID == uuid.Nil {
		return apperrors.NewBadRequest("group id must not be empty", nil)
	}

	current, err := s.transactions.Get(ctx, txID)
	if err != nil {
		return err
	}
	if current.IsGrouped() {
		return checkGroup(current, groupID)
	}

	changes, err := json.Marshal(map[string]interface{}{
		"analysis_group_id": map[string]interface{}{"old": nil, "new": groupID},
	})
	if err != nil {
		return fmt.Errorf("failed to marshal audit changes: %w", err)
	}
	audit := &model.AuditLog{
		ID:         uuid.New(),
		AccountID:  current.AccountID,
		Actor:      actor,
		Action:     model.AuditActionBackfillGroupID,
		EntityType: model.AuditEntityTransaction,
		EntityID:   txID,
		Changes:    changes,
		CreatedAt:  s.clock.Now(),
	}

	stored, changed, err := s.transactions.SetGroupIDIfNull(ctx, txID, groupID, audit)
	if err != nil {
		return err
	}
	if !changed {
		return checkGroup(stored, groupID)
	}

	s.metrics.GroupIDsBackfilled.Inc()
	return nil
}

func checkGroup(tx *model.Transaction, groupID uuid.UUID) error {
	if *tx.AnalysisGroupID == groupID {
		return nil
	}
	return fmt.Errorf("%w: transaction %s has group %s", apperrors.ErrAlreadyGrouped, tx.ID, *tx.AnalysisGroupID)
}
