package main

import (
	"context"
	"fmt"

	"github.com/pesio-ai/be-approvals/internal/config"
	"github.com/pesio-ai/be-approvals/internal/database"
	"github.com/pesio-ai/be-approvals/internal/handler"
	"github.com/pesio-ai/be-approvals/internal/logger"
	"github.com/pesio-ai/be-approvals/internal/repository"
)

// backend is an opened request store plus its lifecycle hooks.
type backend struct {
	store   repository.Store
	migrate func(context.Context) error
	health  handler.HealthFunc
	close   func()
}

func openBackend(ctx context.Context, cfg *config.Config, log *logger.Logger) (*backend, error) {
	switch cfg.Database.Driver {
	case "postgres":
		db, err := database.New(ctx, database.Config{
			DSN:         cfg.Database.PostgresDSN(),
			MaxConns:    cfg.Database.MaxConns,
			MinConns:    cfg.Database.MinConns,
			MaxConnTime: cfg.Database.MaxConnTime,
			MaxIdleTime: cfg.Database.MaxIdleTime,
			HealthCheck: cfg.Database.HealthCheck,
		})
		if err != nil {
			return nil, err
		}
		log.Info().
			Str("host", cfg.Database.Host).
			Str("database", cfg.Database.Database).
			Msg("Database connection established")
		s := repository.NewPostgresStore(db)
		return &backend{store: s, migrate: s.Migrate, health: db.Ping, close: db.Close}, nil

	case "sqlite":
		s, db, err := repository.OpenSQLite(ctx, cfg.Database.Path)
		if err != nil {
			return nil, err
		}
		log.Info().Str("path", cfg.Database.Path).Msg("SQLite database opened")
		return &backend{
			store:   s,
			migrate: s.Migrate,
			health:  db.PingContext,
			close:   func() { _ = db.Close() },
		}, nil

	case "memory":
		log.Warn().Msg("Using in-memory store; data is lost on restart")
		return &backend{
			store:   repository.NewMemoryStore(),
			migrate: func(context.Context) error { return nil },
			close:   func() {},
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Database.Driver)
	}
}
