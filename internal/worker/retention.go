package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
)

type AuditCleaner interface {
	Cleanup(ctx context.Context, retention time.Duration) (int64, error)
}

type OutboxPruner interface {
	DeleteProcessedBefore(ctx context.Context, before time.Time) (int64, error)
}

type RetentionConfig struct {
	AuditRetention  time.Duration
	OutboxRetention time.Duration
	Interval        time.Duration
}

// RetentionWorker prunes old audit rows and published outbox events.
type RetentionWorker struct {
	audit  AuditCleaner
	outbox OutboxPruner
	clock  clock.Clock
	config RetentionConfig
	logger *logger.Logger
}

func NewRetentionWorker(audit AuditCleaner, outbox OutboxPruner, clk clock.Clock, config RetentionConfig, log *logger.Logger) *RetentionWorker {
	return &RetentionWorker{
		audit:  audit,
		outbox: outbox,
		clock:  clk,
		config: config,
		logger: log.WithFields(map[string]interface{}{"worker_id": "retention"}),
	}
}

func (w *RetentionWorker) Start(ctx context.Context) {
	ticker := time.NewTicker(w.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.Cleanup(ctx); err != nil {
				// Log error but continue
				w.logger.Error(err, "Retention cleanup failed")
			}
		}
	}
}

func (w *RetentionWorker) Cleanup(ctx context.Context) error {
	if w.config.AuditRetention > 0 {
		rows, err := w.audit.Cleanup(ctx, w.config.AuditRetention)
		if err != nil {
			return fmt.Errorf("failed to cleanup audit logs: %w", err)
		}
		w.logger.Info("Cleaned up audit logs", "rows", rows, "retention", w.config.AuditRetention.String())
	}

	if w.config.OutboxRetention > 0 {
		cutoff := w.clock.Now().Add(-w.config.OutboxRetention)
		rows, err := w.outbox.DeleteProcessedBefore(ctx, cutoff)
		if err != nil {
			return fmt.Errorf("failed to cleanup outbox events: %w", err)
		}
		w.logger.Info("Cleaned up outbox events", "rows", rows, "cutoff", cutoff.Format(time.RFC3339))
	}
	return nil
}
