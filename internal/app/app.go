// Package app is the arbexec application root. It wires dependencies, runs
// the configured mode under an errgroup and drives the ordered shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/alanyoungcy/arbexec/internal/config"
)

const shutdownTimeout = 30 * time.Second

// App is the root application object.
type App struct {
	cfg       *config.Config
	logger    *slog.Logger
	lifecycle *Lifecycle
	startedAt time.Time
}

// New creates an App from a validated configuration.
func New(cfg *config.Config, logger *slog.Logger) *App {
	return &App{
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "app")),
		lifecycle: NewLifecycle(logger),
		startedAt: time.Now().UTC(),
	}
}

// Run wires dependencies, connects every adapter and blocks in the
// configured mode until ctx is cancelled. Wiring and adapter connection
// failures are fatal. A clean cancellation returns nil.
func (a *App) Run(ctx context.Context) error {
	a.logger.InfoContext(ctx, "starting application",
		slog.String("mode", a.cfg.Mode),
		slog.Int("adapters", len(a.cfg.Adapters)),
		slog.Any("config", config.RedactedConfig(a.cfg)),
	)

	deps, cleanup, err := Wire(ctx, a.cfg, a.logger)
	if err != nil {
		return fmt.Errorf("app: wire dependencies: %w", err)
	}

	rt := &runtime{}
	a.registerStages(deps, rt, cleanup)
	defer a.Close()

	if err := a.connectAdapters(ctx, deps, rt); err != nil {
		return fmt.Errorf("app: %w", err)
	}

	a.notifyLifecycle(ctx, deps, "arbexec started",
		fmt.Sprintf("mode=%s venues=%d", a.cfg.Mode, len(rt.adapters)))
	defer a.notifyLifecycle(ctx, deps, "arbexec stopping", fmt.Sprintf("mode=%s", a.cfg.Mode))

	switch a.cfg.Mode {
	case "arbitrage":
		err = a.ArbitrageMode(ctx, deps, rt)
	case "basis":
		err = a.BasisMode(ctx, deps, rt)
	case "full":
		err = a.FullMode(ctx, deps, rt)
	case "monitor":
		err = a.MonitorMode(ctx, deps, rt)
	default:
		err = fmt.Errorf("app: unsupported mode %q", a.cfg.Mode)
	}
	if errors.Is(err, context.Canceled) && ctx.Err() != nil {
		return nil
	}
	return err
}

// registerStages installs the shutdown order: scanner, adapters, pool,
// persistence.
func (a *App) registerStages(deps *Dependencies, rt *runtime, cleanup func()) {
	a.lifecycle.Add(StageStopScanner, func(context.Context) error {
		if rt.engine != nil {
			rt.engine.Stop()
			rt.engine.Wait()
		}
		return nil
	})
	a.lifecycle.Add(StageDisconnectAdapters, func(ctx context.Context) error {
		return disconnectAll(ctx, rt.adapters)
	})
	a.lifecycle.Add(StageDrainPool, deps.Pool.Shutdown)
	a.lifecycle.Add(StageClosePersistence, func(context.Context) error {
		cleanup()
		return nil
	})
}

// Close runs every pending shutdown stage. Safe to call more than once.
func (a *App) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := a.lifecycle.Shutdown(ctx); err != nil {
		a.logger.Warn("shutdown finished with errors", slog.String("error", err.Error()))
		return
	}
	a.logger.Info("shutdown complete")
}

func (a *App) notifyLifecycle(ctx context.Context, deps *Dependencies, title, message string) {
	if !deps.Notifier.Enabled() {
		return
	}
	if err := deps.Notifier.NotifyAll(context.WithoutCancel(ctx), title, message); err != nil {
		a.logger.WarnContext(ctx, "lifecycle notification failed", slog.String("error", err.Error()))
	}
}
