// Package app wires repositories and infrastructure into the billing
// services. cmd/api, cmd/worker and cmd/billingctl share it.
package app

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"
	"golang.org/x/time/rate"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/config"
	accountHandler "github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/account"
	adminHandler "github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/admin"
	auditHandler "github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/audit"
	billingHandler "github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/billing"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/health"
	invoiceHandler "github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/invoice"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/middleware"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/postgres"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/router"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/account"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/audit"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/correlator"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/gate"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/invoice"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/ledger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/reconcile"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/service/usage"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/worker"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/auth"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	redismsg "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/messaging/redis"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
)

type Repositories struct {
	Accounts     repository.AccountRepository
	Transactions repository.TransactionRepository
	Invoices     repository.InvoiceRepository
	Outbox       repository.OutboxRepository
	Audit        repository.AuditRepository
}

func PostgresRepositories(db *sqlx.DB) Repositories {
	base := postgres.NewBaseRepository(db)
	return Repositories{
		Accounts:     postgres.NewAccountRepository(base),
		Transactions: postgres.NewTransactionRepository(base),
		Invoices:     postgres.NewInvoiceRepository(base),
		Outbox:       postgres.NewOutboxRepository(base),
		Audit:        postgres.NewAuditRepository(base),
	}
}

type Services struct {
	Audit     *audit.Service
	Accounts  *account.Service
	Usage     *usage.Service
	Gate      *gate.Service
	Ledger    *ledger.Service
	Invoices  *invoice.Service
	Reconcile *reconcile.Service
	Sweep     *worker.Sweep
	Retention *worker.RetentionWorker
}

// NewServices builds the service graph. With a nil Redis client the
// pending-charge queue, usage cache, sweep lock and cursor fall back to
// in-process implementations that only hold within one process.
func NewServices(
	cfg *config.Config,
	repos Repositories,
	rdb *redis.Client,
	clk clock.Clock,
	log *logger.Logger,
	m *metrics.Metrics,
) *Services {
	auditor := audit.NewService(repos.Audit, clk)

	var cache usage.Cache
	switch {
	case cfg.Cache.Backend == config.CacheBackendRedis && rdb != nil:
		cache = usage.NewRedisCache(rdb, cfg.Cache.TTL)
	default:
		cache = usage.NewMemoryCache(cfg.Cache.TTL)
	}
	usageSvc := usage.NewService(repos.Accounts, repos.Transactions, cache, log)

	var (
		pending ledger.PendingQueue
		locker  worker.Locker
		cursor  worker.Cursor
	)
	if rdb != nil {
		pending = ledger.NewRedisPendingQueue(rdb)
		locker = worker.NewRedisLocker(rdb)
		cursor = worker.NewRedisCursor(rdb)
	} else {
		log.Warn("Redis not configured; escalated charges and sweep state are kept in process memory")
		pending = ledger.NewMemoryPendingQueue()
		locker = worker.NewLocalLocker()
		cursor = worker.NewMemoryCursor()
	}

	ledgerSvc := ledger.NewService(repos.Accounts, repos.Transactions, pending, usageSvc, clk, ledger.Config{
		Retry: ledger.RetryPolicy{
			InitialInterval: cfg.Ledger.Retry.InitialInterval,
			MaxInterval:     cfg.Ledger.Retry.MaxInterval,
			MaxElapsed:      cfg.Ledger.Retry.MaxElapsed,
		},
		StrictTrialLimit: cfg.Gate.StrictTrialLimit,
	}, log, m)

	accountSvc := account.NewService(repos.Accounts, auditor, clk, account.Config{
		TrialCreditLimit: cfg.Billing.TrialLimit(),
		TrialDays:        cfg.Billing.TrialDays,
	}, log)

	invoiceSvc := invoice.NewService(repos.Accounts, repos.Transactions, repos.Invoices, auditor, clk,
		invoice.Config{DueDays: cfg.Billing.InvoiceDueDays}, log, m)

	grouping := correlator.DefaultOptions()
	grouping.WindowCeiling = cfg.Grouping.WindowCeiling
	grouping.OrphanBucket = cfg.Grouping.OrphanBucket

	reconcileSvc := reconcile.NewService(repos.Accounts, repos.Transactions, repos.Invoices, invoiceSvc, ledgerSvc, auditor, clk,
		reconcile.Config{
			Grouping:    grouping,
			PageSize:    cfg.Validation.PageSize,
			Concurrency: cfg.Validation.Concurrency,
		}, log, m)

	sweep := worker.NewSweep(repos.Accounts, accountSvc, reconcileSvc, invoiceSvc, ledgerSvc, locker, cursor, clk,
		worker.SweepConfig{
			BatchSize:  cfg.Sweep.BatchSize,
			Interval:   cfg.Sweep.Interval,
			RunTimeout: cfg.Sweep.RunTimeout,
			LockTTL:    cfg.Sweep.LockTTL,
		}, log, m)

	retention := worker.NewRetentionWorker(auditor, repos.Outbox, clk, worker.RetentionConfig{
		AuditRetention:  cfg.Audit.Retention,
		OutboxRetention: cfg.Outbox.Retention,
		Interval:        cfg.Audit.CleanupInterval,
	}, log)

	return &Services{
		Audit:     auditor,
		Accounts:  accountSvc,
		Usage:     usageSvc,
		Gate:      gate.NewService(repos.Accounts, usageSvc, log, m),
		Ledger:    ledgerSvc,
		Invoices:  invoiceSvc,
		Reconcile: reconcileSvc,
		Sweep:     sweep,
		Retention: retention,
	}
}

// NewRouter mounts every handler. An empty admin secret leaves the admin
// endpoints refusing all requests.
func NewRouter(
	cfg *config.Config,
	svcs *Services,
	checks map[string]health.Pinger,
	clk clock.Clock,
	log *logger.Logger,
	reg prometheus.Registerer,
) (*router.Router, error) {
	var authMiddleware *middleware.AuthMiddleware
	if cfg.Auth.AdminJWTSecret != "" {
		jwtSvc, err := auth.NewJWTService(cfg.Auth.AdminJWTSecret, cfg.Auth.AdminAudience)
		if err != nil {
			return nil, err
		}
		authMiddleware = middleware.NewAuthMiddleware(jwtSvc)
	} else {
		log.Warn("auth.admin_jwt_secret is empty; admin endpoints are disabled")
	}

	corsConfig := middleware.DefaultCORSConfig()
	if len(cfg.Server.AllowedOrigins) > 0 {
		corsConfig.AllowOrigins = cfg.Server.AllowedOrigins
	}

	adminTimeout := cfg.Sweep.RunTimeout
	if adminTimeout < cfg.Server.RequestTimeout {
		adminTimeout = cfg.Server.RequestTimeout
	}

	return router.NewRouter(log, authMiddleware, router.Handlers{
		Health: health.NewHandler(checks),
		Public: []router.Handler{
			accountHandler.NewHandler(svcs.Accounts),
			billingHandler.NewHandler(svcs.Ledger, svcs.Gate, svcs.Usage, correlator.NewGroupID),
			invoiceHandler.NewHandler(svcs.Invoices, clk),
		},
		Admin: []router.Handler{
			adminHandler.NewHandler(svcs.Reconcile, svcs.Sweep),
			auditHandler.NewHandler(svcs.Audit),
		},
	}, router.RouterConfig{
		RateLimitEnabled: cfg.RateLimit.Enabled,
		RateLimit:        rate.Limit(cfg.RateLimit.RPS),
		RateBurst:        cfg.RateLimit.Burst,
		CORSConfig:       corsConfig,
		SizeLimit:        middleware.DefaultSizeLimitConfig(),
		RequestTimeout:   cfg.Server.RequestTimeout,
		AdminTimeout:     adminTimeout,
		MetricsPrefix:    "billing_http",
		Registerer:       reg,
	})
}

// NewRedis connects when redis.url is set and returns nil otherwise.
func NewRedis(ctx context.Context, cfg config.RedisConfig) (*redis.Client, error) {
	if !cfg.Enabled() {
		return nil, nil
	}
	client, err := redismsg.NewClient(ctx, redismsg.Config{
		URL:          cfg.URL,
		MaxRetries:   cfg.MaxRetries,
		RetryBackoff: cfg.RetryBackoff,
		PoolSize:     cfg.PoolSize,
		MinIdleConns: cfg.MinIdleConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}
	return client, nil
}

// HealthChecks returns the readiness checks for the configured backends.
func HealthChecks(db *sqlx.DB, rdb *redis.Client) map[string]health.Pinger {
	checks := map[string]health.Pinger{"database": db}
	if rdb != nil {
		checks["redis"] = health.PingFunc(func(ctx context.Context) error {
			return rdb.Ping(ctx).Err()
		})
	}
	return checks
}

// NewLogger builds the process logger from config.
func NewLogger(cfg config.LogConfig) *logger.Logger {
	return logger.NewLogger(&logger.Config{
		Level:      logger.ParseLevel(cfg.Level),
		TimeFormat: time.RFC3339,
		Console:    cfg.Console,
	})
}
