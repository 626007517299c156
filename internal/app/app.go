// Package app wires a workspace into a running engine: config, logger,
// database, schema and the operator switchboard.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"launchpath/internal/config"
	"launchpath/internal/db"
	"launchpath/internal/engine"
	"launchpath/internal/logs"
	"launchpath/internal/migrate"
	"launchpath/internal/operator"
)

type Options struct {
	Workspace string
	LogLevel  string
	LogWriter io.Writer
	// RedisURL overrides operator.redis_url from the config file.
	RedisURL string
	// KillSwitch and DailyTokenLimit override the budget section when set.
	KillSwitch      *bool
	DailyTokenLimit *int64
	// EngineOptions are appended after the defaults, so they win.
	EngineOptions []engine.Option
}

type App struct {
	Workspace string
	Config    *config.Config
	DB        *sql.DB
	Logger    *slog.Logger
	Engine    engine.Engine
	// Operator is set when a Redis URL is configured.
	Operator *operator.Redis

	redis *redis.Client
}

// Open loads the workspace. A missing launchpath.yml means defaults.
func Open(ctx context.Context, opts Options) (*App, error) {
	workspace := opts.Workspace
	if workspace == "" {
		workspace = "."
	}
	cfg, err := config.LoadOptional(workspace)
	if err != nil {
		return nil, err
	}
	if opts.KillSwitch != nil {
		cfg.Budget.KillSwitch = *opts.KillSwitch
	}
	if opts.DailyTokenLimit != nil {
		if *opts.DailyTokenLimit < 0 {
			return nil, fmt.Errorf("daily token limit must not be negative")
		}
		cfg.Budget.DailyTokenLimit = *opts.DailyTokenLimit
	}
	logger, err := logs.New(logs.Options{Level: opts.LogLevel, Writer: opts.LogWriter})
	if err != nil {
		return nil, err
	}
	conn, err := db.Open(db.Config{Workspace: workspace})
	if err != nil {
		return nil, err
	}
	a := &App{Workspace: workspace, Config: cfg, DB: conn, Logger: logger}
	if err := migrate.MigrateContext(ctx, conn); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	fallback := operator.Static{KillSwitch: cfg.Budget.KillSwitch, DailyTokenLimit: cfg.Budget.DailyTokenLimit}
	engineOpts := []engine.Option{engine.WithLogger(logger)}
	redisURL := opts.RedisURL
	if redisURL == "" {
		redisURL = cfg.Operator.RedisURL
	}
	if redisURL != "" {
		client, err := operator.Dial(ctx, redisURL)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.redis = client
		a.Operator = operator.NewRedis(client, cfg.Operator.KeyPrefix, fallback)
		engineOpts = append(engineOpts, engine.WithSwitchboard(a.Operator))
		logger.Debug("operator settings from redis", "prefix", a.Operator.Prefix)
	}
	engineOpts = append(engineOpts, opts.EngineOptions...)

	eng, err := engine.New(conn, cfg, engineOpts...)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.Engine = eng
	return a, nil
}

// Close releases the database and Redis connections.
func (a *App) Close() error {
	var firstErr error
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			firstErr = err
		}
	}
	if a.DB != nil {
		if err := a.DB.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
