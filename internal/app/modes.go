package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbexec/internal/arbitrage"
	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
	"github.com/alanyoungcy/arbexec/internal/server"
	"github.com/alanyoungcy/arbexec/internal/server/handler"
	"github.com/alanyoungcy/arbexec/internal/server/ws"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// runtime is what the running mode has started. Shutdown stages read it, so
// fields are only set once the component is live.
type runtime struct {
	adapters []venue.Adapter
	engine   *arbitrage.Engine
	arb      *executor.ArbWorker
	basis    *executor.BasisWorker
}

// ArbitrageMode scans for cross-venue spreads and executes them.
func (a *App) ArbitrageMode(ctx context.Context, deps *Dependencies, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting arbitrage mode",
		slog.Any("symbols", a.cfg.Scanner.Symbols),
		slog.Float64("min_spread_pct", a.cfg.Scanner.MinSpreadPct),
	)

	g, ctx := errgroup.WithContext(ctx)

	worker, err := executor.NewArbWorker(a.cfg.Executor.Arb(), deps.ExecutorDeps(a.cfg.Adapters), a.logger)
	if err != nil {
		return fmt.Errorf("arbitrage mode: %w", err)
	}
	rt.arb = worker
	if err := a.startScanner(ctx, deps, rt, worker.OnScan); err != nil {
		return fmt.Errorf("arbitrage mode: %w", err)
	}

	a.startPoolSweeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// BasisMode captures perpetual funding on the configured pairs.
func (a *App) BasisMode(ctx context.Context, deps *Dependencies, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting basis mode",
		slog.Int("pairs", len(a.cfg.Basis.Pairs)),
	)

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startBasis(ctx, g, deps, rt); err != nil {
		return fmt.Errorf("basis mode: %w", err)
	}
	a.startPoolSweeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// FullMode runs the arbitrage scanner and the basis worker side by side.
func (a *App) FullMode(ctx context.Context, deps *Dependencies, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting full mode")

	g, ctx := errgroup.WithContext(ctx)

	worker, err := executor.NewArbWorker(a.cfg.Executor.Arb(), deps.ExecutorDeps(a.cfg.Adapters), a.logger)
	if err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	rt.arb = worker
	if err := a.startScanner(ctx, deps, rt, worker.OnScan); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}
	if err := a.startBasis(ctx, g, deps, rt); err != nil {
		return fmt.Errorf("full mode: %w", err)
	}

	a.startPoolSweeper(ctx, g, deps)
	a.startHTTPServer(ctx, g, deps, rt)
	return g.Wait()
}

// MonitorMode scans and publishes opportunities without placing orders.
// Persistence is not required.
func (a *App) MonitorMode(ctx context.Context, deps *Dependencies, rt *runtime) error {
	a.logger.InfoContext(ctx, "starting monitor mode")

	g, ctx := errgroup.WithContext(ctx)
	if err := a.startScanner(ctx, deps, rt, a.logOpportunities); err != nil {
		return fmt.Errorf("monitor mode: %w", err)
	}
	a.startHTTPServer(ctx, g, deps, rt)

	// Keeps the group alive when the HTTP server is disabled.
	g.Go(func() error {
		<-ctx.Done()
		return nil
	})
	return g.Wait()
}

// connectAdapters builds and connects one adapter per configured venue.
// These serve the scanner; execution borrows its own from the pool. Every
// adapter connected before a failure is left in rt for the disconnect
// stage.
func (a *App) connectAdapters(ctx context.Context, deps *Dependencies, rt *runtime) error {
	for _, vc := range a.cfg.Adapters {
		ad, err := deps.Registry.New(vc, a.logger)
		if err != nil {
			return fmt.Errorf("adapter %s: %w", vc.ID, err)
		}
		if err := ad.Connect(ctx); err != nil {
			return fmt.Errorf("adapter %s: connect: %w", vc.ID, err)
		}
		rt.adapters = append(rt.adapters, ad)
		a.logger.InfoContext(ctx, "adapter connected",
			slog.String("venue", vc.ID),
			slog.String("kind", string(vc.Kind)),
		)
	}
	return nil
}

func disconnectAll(ctx context.Context, adapters []venue.Adapter) error {
	var errs []error
	for _, ad := range adapters {
		if err := ad.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", ad.ID(), err))
		}
	}
	return errors.Join(errs...)
}

// startScanner runs one synchronous scan, hands its result to handler and
// then starts the poll timer.
func (a *App) startScanner(ctx context.Context, deps *Dependencies, rt *runtime, onScan arbitrage.Handler) error {
	sources := make([]arbitrage.TickerSource, 0, len(rt.adapters))
	for _, ad := range rt.adapters {
		sources = append(sources, ad)
	}

	var opts []arbitrage.Option
	if deps.Quotes != nil {
		opts = append(opts, arbitrage.WithQuoteCache(deps.Quotes))
	}
	if deps.Bus != nil {
		opts = append(opts, arbitrage.WithSignalBus(deps.Bus))
	}
	engine := arbitrage.NewEngine(arbitrage.Config{
		MinSpreadPct: a.cfg.Scanner.MinSpreadPct,
		MaxLegUSD:    a.cfg.Scanner.MaxLegUSD,
		Symbols:      a.cfg.Scanner.Symbols,
		PollInterval: a.cfg.Scanner.PollInterval.Duration,
	}, sources, a.logger, opts...)
	rt.engine = engine

	res, err := engine.Scan(ctx)
	if err != nil {
		return fmt.Errorf("initial scan: %w", err)
	}
	a.logger.InfoContext(ctx, "initial scan complete",
		slog.Int("opportunities", len(res.Opportunities)),
		slog.Int("dropped", len(res.Dropped)),
	)
	if err := onScan(ctx, res.Opportunities); err != nil {
		a.logger.WarnContext(ctx, "initial batch failed", slog.String("error", err.Error()))
	}

	engine.Start(ctx, onScan)
	return nil
}

func (a *App) logOpportunities(ctx context.Context, opps []domain.Opportunity) error {
	for _, o := range opps {
		a.logger.InfoContext(ctx, "opportunity",
			slog.String("symbol", o.Symbol),
			slog.String("buy_venue", o.BuyVenue),
			slog.String("sell_venue", o.SellVenue),
			slog.Float64("buy_price", o.BuyPrice),
			slog.Float64("sell_price", o.SellPrice),
			slog.Float64("spread_pct", o.SpreadPct),
		)
	}
	return nil
}

func (a *App) startBasis(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) error {
	worker, err := executor.NewBasisWorker(a.cfg.Basis.Worker(a.cfg.Executor), deps.ExecutorDeps(a.cfg.Adapters), a.logger)
	if err != nil {
		return err
	}
	rt.basis = worker
	g.Go(func() error {
		return worker.Run(ctx)
	})
	return nil
}

func (a *App) startPoolSweeper(ctx context.Context, g *errgroup.Group, deps *Dependencies) {
	g.Go(func() error {
		return deps.Pool.Run(ctx)
	})
}

// startHTTPServer serves the ops surface until ctx is cancelled. The event
// stream is only mounted when a bus is wired.
func (a *App) startHTTPServer(ctx context.Context, g *errgroup.Group, deps *Dependencies, rt *runtime) {
	if !a.cfg.Server.Enabled {
		return
	}

	handlers := server.Handlers{
		Health: handler.NewHealthHandler(deps.Checks, a.logger),
		Status: a.statusHandler(deps, rt),
	}
	if deps.Positions != nil {
		handlers.Positions = handler.NewPositionHandler(deps.Positions, a.cfg.Executor.BotName, a.logger)
	}
	if deps.Stores.Audit != nil {
		handlers.Audit = handler.NewAuditHandler(deps.Stores.Audit, a.logger)
		handlers.Runs = handler.NewRunHandler(deps.Stores.Runs, deps.Stores.Orders, a.logger)
	}
	if deps.Journal != nil {
		handlers.Journal = handler.NewJournalHandler(deps.Journal, a.logger)
	}

	var hub *ws.Hub
	if deps.Bus != nil {
		hub = ws.NewHub(deps.Bus, a.logger, ws.Config{Mode: a.cfg.Mode, StartedAt: a.startedAt})
		g.Go(func() error {
			return hub.Run(ctx)
		})
	}

	srv := server.NewServer(server.Config{
		Port:        a.cfg.Server.Port,
		CORSOrigins: a.cfg.Server.CORSOrigins,
		APIKey:      a.cfg.Server.APIKey,
	}, handlers, hub, a.logger)

	g.Go(func() error {
		return srv.Start()
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
}

// statusHandler only sets the collaborators that exist so the handler's nil
// checks see untyped nils.
func (a *App) statusHandler(deps *Dependencies, rt *runtime) *handler.StatusHandler {
	h := &handler.StatusHandler{
		Mode:      a.cfg.Mode,
		StartedAt: a.startedAt,
	}
	if deps.Pool != nil {
		h.Pool = deps.Pool
	}
	if rt.engine != nil {
		h.Scanner = rt.engine
	}
	if rt.arb != nil {
		h.Worker = rt.arb
	}
	return h
}
