// Package app wires the agent call engine from configuration. Both the API
// process and agentctl build on it.
package app

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"

	"agentcall/internal/agentcall"
	"agentcall/internal/audit"
	"agentcall/internal/auth"
	"agentcall/internal/calls"
	"agentcall/internal/config"
	"agentcall/internal/dispatch"
	"agentcall/internal/notify"
	"agentcall/internal/telephony"
	"agentcall/migrations"
	"agentcall/pkg/utils"

	_ "github.com/jackc/pgx/v5/stdlib"
	"github.com/redis/go-redis/v9"
)

// App holds every long-lived component. Close releases the connections.
type App struct {
	Config config.Config
	Logger *slog.Logger

	DB    *sql.DB
	Redis *redis.Client

	Auth       *auth.Manager
	Sessions   calls.SessionStore
	Queue      calls.RetryQueue
	Events     *audit.Service
	Placer     telephony.Placer
	Notifier   notify.Notifier
	Dispatcher dispatch.Dispatcher

	Initiator *agentcall.Initiator
	Ingestor  *agentcall.Ingestor
	Scheduler *agentcall.Scheduler
	Executor  *agentcall.Executor
	Query     *agentcall.Query
	Sweeper   *agentcall.Sweeper

	// Poller is set in redis dispatcher mode.
	Poller *dispatch.Poller
}

// Build opens Postgres (and Redis when the dispatcher needs it), applies
// migrations when DB_AUTO_MIGRATE is set and assembles the engine.
func Build(ctx context.Context, cfg config.Config, log *slog.Logger) (*App, error) {
	a := &App{Config: cfg, Logger: log}

	var err error
	a.Auth, err = auth.NewManager(cfg.Auth)
	if err != nil {
		return nil, fmt.Errorf("auth init: %w", err)
	}

	a.DB, err = utils.OpenPostgres(ctx, "pgx", cfg.PostgresDSN(), utils.PostgresPoolConfig{})
	if err != nil {
		return nil, fmt.Errorf("postgres init: %w", err)
	}
	if cfg.DB.AutoMigrate {
		if err := utils.Migrate(a.DB, migrations.FS); err != nil {
			a.Close()
			return nil, err
		}
		log.Info("migrations applied")
	}

	if cfg.Dispatcher.Mode == "redis" {
		a.Redis, err = utils.OpenRedis(ctx, utils.RedisConfig{Addr: cfg.RedisAddr(), Password: cfg.Redis.Password})
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("redis init: %w", err)
		}
	}

	a.Sessions = calls.NewPostgresSessionRepo(a.DB)
	a.Queue = calls.NewPostgresRetryRepo(a.DB)
	a.Events = audit.NewService(audit.NewPostgresRepo(a.DB))

	if err := a.wire(); err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func (a *App) wire() error {
	cfg, log := a.Config, a.Logger

	var err error
	a.Placer, err = NewPlacer(cfg)
	if err != nil {
		return err
	}
	a.Notifier, err = NewNotifier(cfg, log)
	if err != nil {
		return err
	}

	switch cfg.Dispatcher.Mode {
	case "redis":
		a.Dispatcher = dispatch.NewRedisDispatcher(a.Redis, cfg.Dispatcher.RedisKey)
	default:
		a.Dispatcher = dispatch.NewHTTPDispatcher(cfg.Dispatcher.URL, cfg.Dispatcher.Token, cfg.RetryExecuteURL(), a.Auth)
	}

	a.Initiator, err = agentcall.NewInitiator(a.Placer, a.Sessions, a.Events, cfg.CallbackURL(), log)
	if err != nil {
		return err
	}
	a.Ingestor = agentcall.NewIngestor(a.Sessions, a.Events, a.Notifier, agentcall.IngestorConfig{
		OperatorIDs:       cfg.Calls.OperatorIDs,
		RetryLinkTemplate: cfg.Notifier.RetryLinkTemplate,
	}, log)
	a.Scheduler = agentcall.NewScheduler(a.Sessions, a.Queue, a.Dispatcher, a.Notifier, a.Events, cfg.Retry.MaxAge, log)
	a.Executor = agentcall.NewExecutor(a.Queue, a.Sessions, a.Initiator, cfg.Calls.DefaultRealm, log)
	a.Query = agentcall.NewQuery(a.Sessions, a.Events)

	a.Sweeper, err = agentcall.NewSweeper(a.Queue, a.Executor, cfg.Retry.SweepSpec, cfg.Retry.SweepGrace, log)
	if err != nil {
		return err
	}

	if a.Redis != nil {
		a.Poller = dispatch.NewPoller(a.Redis, cfg.Dispatcher.RedisKey, cfg.Dispatcher.PollInterval, a.executeJob, log)
	}
	return nil
}

// executeJob adapts the executor to the redis poller.
func (a *App) executeJob(ctx context.Context, job dispatch.Job) error {
	_, err := a.Executor.Execute(ctx, job)
	return err
}

// NewPlacer returns the mock placer in mock mode and the Twilio placer otherwise.
func NewPlacer(cfg config.Config) (telephony.Placer, error) {
	if cfg.Calls.MockMode {
		return telephony.MockPlacer{}, nil
	}
	p, err := telephony.NewTwilioPlacer(cfg.Twilio)
	if err != nil {
		return nil, err
	}
	return p, nil
}

func NewNotifier(cfg config.Config, log *slog.Logger) (notify.Notifier, error) {
	switch cfg.Notifier.Mode {
	case "telegram":
		t, err := notify.NewTelegram(cfg.Notifier.TelegramToken, notify.NumericChatResolver)
		if err != nil {
			return nil, err
		}
		return t, nil
	default:
		return notify.LogNotifier{Logger: log}, nil
	}
}

func (a *App) Close() {
	if a.Redis != nil {
		_ = a.Redis.Close()
	}
	if a.DB != nil {
		_ = a.DB.Close()
	}
}
