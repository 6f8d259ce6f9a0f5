package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog/log"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/app"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/config"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/postgres"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load configuration")
	}

	logger := app.NewLogger(cfg.Log)
	log.Logger = logger.ZL
	if !cfg.Log.Console {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		logger.Fatal(err, "Failed to connect to database")
	}
	defer db.Close()

	if cfg.Database.AutoMigrate {
		if err := postgres.Migrate(ctx, db); err != nil {
			logger.Fatal(err, "Failed to apply migrations")
		}
		logger.Info("Migrations applied")
	}

	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		logger.Fatal(err, "Failed to connect to Redis")
	}
	if rdb != nil {
		defer rdb.Close()
	}

	svcs := app.NewServices(cfg, app.PostgresRepositories(db), rdb, clock.Real{}, logger, metrics.NewMetrics("billing", "api"))

	r, err := app.NewRouter(cfg, svcs, app.HealthChecks(db, rdb), clock.Real{}, logger, prometheus.DefaultRegisterer)
	if err != nil {
		logger.Fatal(err, "Failed to build router")
	}

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      r.Engine(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		logger.Info("Starting billing API", "port", cfg.Server.Port)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error(err, "Server failed")
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	logger.Info("Shutting down server...")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error(err, "Server forced to shutdown")
		return
	}

	logger.Info("Server exited properly")
}
