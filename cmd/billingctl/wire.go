package main

import (
	"context"
	"encoding/json"
	"io"

	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/app"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/config"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/internal/repository/postgres"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/clock"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/logger"
	"github.com/entrevistiaproject-ai/entrevistia-sub004/pkg/metrics"
)

const cliActor = "billingctl"

// env is what a command needs once the backends are connected.
type env struct {
	accounts repository.AccountRepository
	svcs     *app.Services
	migrate  func(ctx context.Context) error
	close    func()
}

// wiring lets tests swap the backends for in-memory ones.
type wiring struct {
	loadConfig func(dir string) (*config.Config, error)
	open       func(ctx context.Context, cfg *config.Config, log *logger.Logger) (*env, error)
}

func defaultWiring() wiring {
	return wiring{
		loadConfig: func(dir string) (*config.Config, error) {
			if dir == "" {
				return config.LoadConfig()
			}
			return config.LoadConfig(dir)
		},
		open: openPostgres,
	}
}

func openPostgres(ctx context.Context, cfg *config.Config, log *logger.Logger) (*env, error) {
	db, err := postgres.NewDB(ctx, cfg.Database)
	if err != nil {
		return nil, err
	}
	rdb, err := app.NewRedis(ctx, cfg.Redis)
	if err != nil {
		db.Close()
		return nil, err
	}

	repos := app.PostgresRepositories(db)
	return &env{
		accounts: repos.Accounts,
		svcs:     app.NewServices(cfg, repos, rdb, clock.Real{}, log, metrics.New("billingctl")),
		migrate: func(ctx context.Context) error {
			return postgres.Migrate(ctx, db)
		},
		close: func() {
			if rdb != nil {
				rdb.Close()
			}
			db.Close()
		},
	}, nil
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
