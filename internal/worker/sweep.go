// Package worker runs the billing engine's scheduled jobs.
package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/model"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
)

// SweepActor is recorded on audit rows written by the sweep.
const SweepActor = "sweep"

type TrialExpirer interface {
	ExpireTrial(ctx context.Context, accountID uuid.UUID, now time.Time) (bool, error)
}

type Corrector interface {
	CorrectAccount(ctx context.Context, accountID uuid.UUID, autoFix bool, actor string) (*model.AccountReport, error)
}

type OverdueMarker interface {
	MarkOverdue(ctx context.Context, accountID uuid.UUID, now time.Time) ([]*model.Invoice, error)
}

type PendingDrainer interface {
	DrainPending(ctx context.Context) (replayed, failed int, err error)
}

type SweepConfig struct {
	BatchSize  int
	Interval   time.Duration
	RunTimeout time.Duration
	LockTTL    time.Duration
}

// Sweep is the out-of-band job that keeps aggregates honest. Each run
// replays escalated charges, then walks the next batch of accounts:
// expiring trials, correcting drift and flagging overdue invoices.
type Sweep struct {
	accounts  repository.AccountRepository
	trials    TrialExpirer
	corrector Corrector
	invoices  OverdueMarker
	pending   PendingDrainer
	locker    Locker
	cursor    Cursor
	clock     clock.Clock
	config    SweepConfig
	logger    *logger.Logger
	metrics   *metrics.Metrics
}

func NewSweep(
	accounts repository.AccountRepository,
	trials TrialExpirer,
	corrector Corrector,
	invoices OverdueMarker,
	pending PendingDrainer,
	locker Locker,
	cursor Cursor,
	clk clock.Clock,
	config SweepConfig,
	log *logger.Logger,
	m *metrics.Metrics,
) *Sweep {
	if config.BatchSize <= 0 {
		config.BatchSize = 200
	}
	if config.RunTimeout <= 0 {
		config.RunTimeout = 5 * time.Minute
	}
	if config.LockTTL < config.RunTimeout {
		config.LockTTL = 2 * config.RunTimeout
	}
	return &Sweep{
		accounts:  accounts,
		trials:    trials,
		corrector: corrector,
		invoices:  invoices,
		pending:   pending,
		locker:    locker,
		cursor:    cursor,
		clock:     clk,
		config:    config,
		logger:    log.WithFields(map[string]interface{}{"worker_id": "sweep"}),
		metrics:   m,
	}
}

func (s *Sweep) Start(ctx context.Context) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	s.logger.Info("Starting sweep", "interval", s.config.Interval.String(), "batch_size", s.config.BatchSize)

	for {
		select {
		case <-ctx.Done():
			s.logger.Info("Shutting down sweep")
			return
		case <-ticker.C:
			if _, err := s.RunOnce(ctx); err != nil {
				s.logger.Error(err, "Sweep run failed")
			}
		}
	}
}

// RunOnce performs one bounded sweep run. A failing account is logged,
// counted and skipped; only lock, cursor and listing failures abort.
func (s *Sweep) RunOnce(ctx context.Context) (*model.SweepResult, error) {
	result := &model.SweepResult{StartedAt: s.clock.Now()}

	ctx, cancel := context.WithTimeout(ctx, s.config.RunTimeout)
	defer cancel()

	unlock, ok, err := s.locker.TryLock(ctx, s.config.LockTTL)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.logger.Info("Sweep already running elsewhere, skipping")
		result.Skipped = true
		result.FinishedAt = s.clock.Now()
		return result, nil
	}
	defer func() {
		if err := unlock(); err != nil {
			s.logger.Error(err, "Failed to release sweep lock", "lock_ttl", s.config.LockTTL.String())
		}
	}()

	timer := prometheus.NewTimer(s.metrics.SweepDuration)
	defer timer.ObserveDuration()

	replayed, failed, err := s.pending.DrainPending(ctx)
	result.PendingReplayed, result.PendingFailed = replayed, failed
	if err != nil {
		s.logger.Error(err, "Failed to drain pending charges")
	}

	after, err := s.cursor.Load(ctx)
	if err != nil {
		return nil, err
	}
	ids, err := s.accounts.ListIDs(ctx, after, s.config.BatchSize)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}

	for _, id := range ids {
		if ctx.Err() != nil {
			break
		}
		if err := s.processAccount(ctx, id, result); err != nil {
			result.AccountsFailed++
			s.metrics.SweepAccountsProcessed.WithLabelValues("failed").Inc()
			s.logger.Error(err, "Sweep failed for account", "account_id", id.String())
		} else {
			result.AccountsProcessed++
			s.metrics.SweepAccountsProcessed.WithLabelValues("success").Inc()
		}
		after = id
	}

	// A short page means the walk reached the end; start over next run.
	if len(ids) < s.config.BatchSize && ctx.Err() == nil {
		after = uuid.Nil
	}
	if err := s.cursor.Save(context.WithoutCancel(ctx), after); err != nil {
		return nil, err
	}
	result.NextCursor = after
	result.FinishedAt = s.clock.Now()

	s.logger.Info("Sweep run finished",
		"accounts_processed", result.AccountsProcessed,
		"accounts_failed", result.AccountsFailed,
		"pending_replayed", result.PendingReplayed,
		"invoices_recomputed", result.InvoicesRecomputed)
	return result, ctx.Err()
}

func (s *Sweep) processAccount(ctx context.Context, id uuid.UUID, result *model.SweepResult) error {
	now := s.clock.Now()

	expired, err := s.trials.ExpireTrial(ctx, id, now)
	if err != nil {
		return fmt.Errorf("expire trial: %w", err)
	}
	if expired {
		result.TrialsExpired++
	}

	report, err := s.corrector.CorrectAccount(ctx, id, true, SweepActor)
	if err != nil {
		return fmt.Errorf("correct: %w", err)
	}
	if report.Corrections != nil {
		result.InvoicesRecomputed += report.Corrections.InvoicesRecomputed
		result.GroupIDsBackfilled += report.Corrections.GroupIDsBackfilled
	}

	overdue, err := s.invoices.MarkOverdue(ctx, id, now)
	if err != nil {
		return fmt.Errorf("mark overdue: %w", err)
	}
	result.InvoicesOverdue += len(overdue)
	return nil
}
