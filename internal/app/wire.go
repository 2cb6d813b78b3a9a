package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/arbexec/internal/blob/s3"
	"github.com/alanyoungcy/arbexec/internal/cache/redis"
	"github.com/alanyoungcy/arbexec/internal/config"
	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
	"github.com/alanyoungcy/arbexec/internal/notify"
	"github.com/alanyoungcy/arbexec/internal/pool"
	"github.com/alanyoungcy/arbexec/internal/risk"
	"github.com/alanyoungcy/arbexec/internal/server/handler"
	"github.com/alanyoungcy/arbexec/internal/service"
	"github.com/alanyoungcy/arbexec/internal/store/postgres"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// Dependencies bundles everything the modes need. Optional collaborators
// are nil when their backend is disabled or the mode does not use it.
type Dependencies struct {
	Registry *venue.Registry
	Pool     *pool.Pool
	Risk     *risk.Engine

	// Persistence, only in trading modes.
	Postgres  *postgres.Client
	Stores    postgres.Stores
	Positions *service.PositionService

	// Redis.
	Redis  *redis.Client
	Quotes domain.QuoteCache
	Locks  domain.LockManager
	Bus    domain.SignalBus

	// Trade journal.
	S3      *s3blob.Client
	Journal *s3blob.Journal

	Notifier *notify.Notifier

	// Health probes the ops server reports, keyed by backend.
	Checks map[string]handler.HealthCheck
}

// ExecutorDeps returns the collaborators shared by both workers.
func (d *Dependencies) ExecutorDeps(adapters []venue.Config) executor.Deps {
	deps := executor.Deps{
		Risk:     d.Risk,
		Adapters: executor.NewPoolSource(d.Pool, adapters),
		Locks:    d.Locks,
		Bus:      d.Bus,
		Notifier: d.Notifier,
	}
	if d.Stores.Audit != nil {
		deps.Audit = d.Stores.Audit
		deps.Runs = d.Stores.Runs
		deps.Orders = d.Stores.Orders
		deps.Exposures = d.Stores.Positions
		deps.Performance = d.Stores.Runs
	}
	if d.Positions != nil {
		deps.Positions = d.Positions
	}
	if d.Journal != nil {
		deps.Journal = d.Journal
	}
	return deps
}

// Wire constructs every dependency from cfg. The returned cleanup closes
// persistence backends in reverse order of creation; the pool is drained
// separately by the lifecycle.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{
		Registry: venue.NewRegistry(),
		Checks:   make(map[string]handler.HealthCheck),
	}

	riskEngine, err := risk.NewEngine(cfg.Risk.Engine())
	if err != nil {
		return nil, nil, fmt.Errorf("wire: risk: %w", err)
	}
	deps.Risk = riskEngine

	registry := deps.Registry
	deps.Pool = pool.New(cfg.Pool.Pool(), func(vc venue.Config) (venue.Adapter, error) {
		return registry.New(vc, logger)
	}, logger)

	// --- Redis ---
	if cfg.Redis.Enabled {
		rc, err := redis.New(ctx, redis.ClientConfig{
			Addr:       cfg.Redis.Addr,
			Password:   cfg.Redis.Password,
			DB:         cfg.Redis.DB,
			PoolSize:   cfg.Redis.PoolSize,
			MaxRetries: cfg.Redis.MaxRetries,
			TLSEnabled: cfg.Redis.TLSEnabled,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: redis: %w", err)
		}
		closers = append(closers, func() { _ = rc.Close() })
		deps.Redis = rc
		deps.Quotes = redis.NewQuoteCache(rc, cfg.Redis.QuoteTTL.Duration)
		deps.Locks = redis.NewLockManager(rc)
		deps.Bus = redis.NewSignalBus(rc, cfg.Redis.StreamMaxLen)
		deps.Checks["redis"] = rc.Ping
	}

	// --- PostgreSQL ---
	if config.NeedsPostgres(cfg.Mode) {
		pg, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Postgres.DSN,
			Host:     cfg.Postgres.Host,
			Port:     cfg.Postgres.Port,
			Database: cfg.Postgres.Database,
			User:     cfg.Postgres.User,
			Password: cfg.Postgres.Password,
			SSLMode:  cfg.Postgres.SSLMode,
			MaxConns: cfg.Postgres.PoolMaxConns,
			MinConns: cfg.Postgres.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres: %w", err)
		}
		closers = append(closers, pg.Close)

		if cfg.Postgres.RunMigrations {
			if err := pg.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
			}
		}
		deps.Postgres = pg
		deps.Stores = pg.Stores()
		deps.Positions = service.NewPositionService(deps.Stores.Positions, deps.Bus, logger)
		deps.Checks["postgres"] = pg.Health
	}

	// --- S3 trade journal ---
	if cfg.S3.Enabled {
		sc, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		closers = append(closers, func() { _ = sc.Close() })
		deps.S3 = sc
		deps.Journal = s3blob.NewJournal(
			s3blob.NewWriter(sc, cfg.S3.PartSizeMB<<20),
			s3blob.NewReader(sc),
			cfg.S3.JournalPrefix,
			logger,
		)
		deps.Checks["s3"] = sc.Health
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(
			cfg.Notify.TelegramAPIURL,
			cfg.Notify.TelegramToken,
			cfg.Notify.TelegramChatID,
		))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	return deps, cleanup, nil
}
