package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/app"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/config"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/handler/health"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/postgres"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	redismsg "github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/messaging/redis"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/worker"
)

// The worker process runs the scheduled sweep, the retention cleanup and,
// when Redis is configured, the outbox relay.
func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}

	logger := app.NewLogger(cfg.Log)
	log.Logger = logger.ZL
	gin.SetMode(gin.ReleaseMode)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal(err, "Failed to connect to Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	repos := app.PostgresRepositories(db)
	m := metrics.NewMetrics("billing", "worker")
	svcs := app.NewServices(cfg, repos, rdb, clock.Real{}, logger, m)

	healthSrv := startHealthServer(cfg.Server.HealthPort, app.HealthChecks(db, rdb), logger)

	var wg sync.WaitGroup
	run := func(name string, fn func(context.Context)) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			logger.Info("Starting worker", "worker", name)
			fn(ctx)
			logger.Info("Worker stopped", "worker", name)
		}()
	}

	run("sweep", svcs.Sweep.Start)
	run("retention", svcs.Retention.Start)

	if rdb != nil {
		broker := redismsg.NewRedisBroker(rdb, &logger.ZL)
		defer broker.Close()

		processor := worker.NewOutboxProcessor(repos.Outbox, broker, worker.OutboxProcessorConfig{
			BatchSize:     cfg.Outbox.BatchSize,
			PollInterval:  cfg.Outbox.PollInterval,
			RetryAttempts: cfg.Outbox.RetryAttempts,
			RetryDelay:    cfg.Outbox.RetryDelay,
		}, logger, m)
		run("outbox", processor.Start)
	} else {
		logger.Warn("Redis not configured; billing events stay in the outbox until a relay runs")
	}

	<-ctx.Done()
	logger.Info("Shutting down...")
	wg.Wait()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := healthSrv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Health server forced to shutdown")
	}
}

func startHealthServer(port int, checks map[string]health.Pinger, log *logger.Logger) *http.Server {
	engine := gin.New()
	engine.Use(gin.Recovery())
	health.NewHandler(checks).RegisterRoutes(engine.Group(""))

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", port),
		Handler:           engine,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error(err, "Health check server failed")
			os.Exit(1)
		}
	}()
	return srv
}
