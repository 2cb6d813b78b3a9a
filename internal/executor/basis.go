package executor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
	"github.com/alanyoungcy/arbexec/internal/service"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// BasisPair hedges spot inventory on one venue against a perpetual on
// another.
type BasisPair struct {
	SpotVenue  string  `json:"spot_venue" toml:"spot_venue"`
	SpotSymbol string  `json:"spot_symbol" toml:"spot_symbol"`
	PerpVenue  string  `json:"perp_venue" toml:"perp_venue"`
	PerpSymbol string  `json:"perp_symbol" toml:"perp_symbol"`
	Leverage   float64 `json:"leverage" toml:"leverage"`
}

// BasisConfig tunes the BasisWorker.
type BasisConfig struct {
	BotName  string
	Pairs    []BasisPair
	Interval time.Duration
	// MinFundingRate is the fractional per-interval funding below which a
	// pair is left alone.
	MinFundingRate        float64
	LegUSD                float64
	FallbackVolatilityPct float64
	LegTimeout            time.Duration
	PerformanceWindow     int
}

// BasisWorker captures perpetual funding by buying spot and shorting the
// perp on a fixed interval.
type BasisWorker struct {
	cfg    BasisConfig
	deps   Deps
	legs   *legRunner
	logger *slog.Logger
}

// NewBasisWorker validates deps and builds a worker.
func NewBasisWorker(cfg BasisConfig, deps Deps, logger *slog.Logger) (*BasisWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.BotName == "" {
		cfg.BotName = "arbexec-basis"
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.PerformanceWindow <= 0 {
		cfg.PerformanceWindow = 50
	}
	logger = logger.With(slog.String("component", "basis_worker"))
	return &BasisWorker{
		cfg:    cfg,
		deps:   deps,
		legs:   &legRunner{source: deps.Adapters, orders: deps.Orders, timeout: cfg.LegTimeout, logger: logger},
		logger: logger,
	}, nil
}

// Run evaluates every pair each Interval until ctx is cancelled.
func (w *BasisWorker) Run(ctx context.Context) error {
	w.logger.Info("basis worker started",
		slog.Int("pairs", len(w.cfg.Pairs)),
		slog.Duration("interval", w.cfg.Interval),
	)
	defer w.logger.Info("basis worker stopped")

	t := time.NewTicker(w.cfg.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			w.RunOnce(ctx)
		}
	}
}

// RunOnce evaluates each configured pair in order.
func (w *BasisWorker) RunOnce(ctx context.Context) []TradeOutcome {
	out := make([]TradeOutcome, 0, len(w.cfg.Pairs))
	for _, p := range w.cfg.Pairs {
		if ctx.Err() != nil {
			break
		}
		o := w.execute(ctx, p)
		finishOutcome(ctx, w.deps, w.logger, o)
		out = append(out, o)
	}
	return out
}

func (w *BasisWorker) execute(ctx context.Context, p BasisPair) TradeOutcome {
	o := TradeOutcome{
		Worker:    "basis",
		Symbol:    p.SpotSymbol,
		BuyVenue:  p.SpotVenue,
		SellVenue: p.PerpVenue,
		At:        time.Now().UTC(),
	}
	log := w.logger.With(
		slog.String("spot", p.SpotVenue+":"+p.SpotSymbol),
		slog.String("perp", p.PerpVenue+":"+p.PerpSymbol),
	)

	var rate domain.FundingRate
	err := w.legs.withAdapter(ctx, p.PerpVenue, func(ctx context.Context, a venue.Adapter) error {
		var err error
		rate, err = venue.FetchFundingRate(ctx, a, p.PerpSymbol)
		return err
	})
	switch {
	case errors.Is(err, domain.ErrFundingNotSupported):
		o.Kind = KindUnsupported
		o.Reason = err.Error()
		return o
	case err != nil:
		o.Kind = KindSkipped
		o.Reason = "funding rate: " + err.Error()
		log.WarnContext(ctx, "funding rate unavailable", slog.String("error", err.Error()))
		return o
	}
	if rate.Rate < w.cfg.MinFundingRate {
		o.Kind = KindSkipped
		o.Reason = fmt.Sprintf("funding %.6f below %.6f", rate.Rate, w.cfg.MinFundingRate)
		return o
	}

	var spot domain.QuoteTick
	err = w.legs.withAdapter(ctx, p.SpotVenue, func(ctx context.Context, a venue.Adapter) error {
		var err error
		spot, err = a.FetchTicker(ctx, p.SpotSymbol)
		return err
	})
	if err != nil || !spot.Valid() {
		o.Kind = KindSkipped
		o.Reason = "spot quote unavailable"
		if err != nil {
			o.Reason += ": " + err.Error()
		}
		return o
	}
	ask := *spot.Ask

	exposures, err := w.deps.Exposures.CurrentExposures(ctx, w.cfg.BotName)
	if err != nil {
		o.Kind = KindRiskError
		o.Reason = err.Error()
		log.ErrorContext(ctx, "risk inputs unavailable", slog.String("error", err.Error()))
		return o
	}
	perf, err := w.deps.Performance.RecentPerformance(ctx, w.cfg.BotName, w.cfg.PerformanceWindow)
	if err != nil {
		o.Kind = KindRiskError
		o.Reason = err.Error()
		log.ErrorContext(ctx, "risk inputs unavailable", slog.String("error", err.Error()))
		return o
	}
	res := w.deps.Risk.Evaluate(domain.RiskRequest{
		Pair:               p.SpotSymbol,
		BaseAsset:          domain.BaseAsset(p.SpotSymbol),
		PlannedExposureUSD: w.cfg.LegUSD,
		PerTradeUSD:        w.cfg.LegUSD,
		GridSizePct:        w.cfg.FallbackVolatilityPct,
		TakeProfitPct:      rate.Rate * 100,
		CurrentExposures:   exposures,
		RecentPerformance:  perf,
	})
	o.Messages = res.Messages
	if !res.Approved || res.AdjustedPerTradeUSD <= 0 {
		o.Kind = KindBlocked
		o.Reason = res.BlockedReason
		metrics.RiskBlocksTotal.WithLabelValues(res.BlockedReason).Inc()
		writeAudit(ctx, w.deps.Audit, w.logger, w.cfg.BotName, domain.AuditTradeBlocked, map[string]any{
			"kind":         "basis",
			"spot_venue":   p.SpotVenue,
			"perp_venue":   p.PerpVenue,
			"symbol":       p.SpotSymbol,
			"funding_rate": rate.Rate,
			"reason":       res.BlockedReason,
			"messages":     res.Messages,
		})
		return o
	}
	o.LegUSD = res.AdjustedPerTradeUSD
	qty := res.AdjustedPerTradeUSD / ask
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		o.Kind = KindInvalidQuantity
		o.Reason = fmt.Sprintf("quantity %v from $%.2f at %v", qty, res.AdjustedPerTradeUSD, ask)
		log.WarnContext(ctx, "invalid trade quantity", slog.String("reason", o.Reason))
		return o
	}
	o.Qty = qty

	runID, err := w.deps.Runs.CreateRun(ctx, domain.Run{
		BotName:     w.cfg.BotName,
		Kind:        domain.RunKindBasis,
		Status:      domain.RunStatusPending,
		NotionalUSD: res.AdjustedPerTradeUSD,
		Meta: map[string]any{
			"spot_venue":   p.SpotVenue,
			"spot_symbol":  p.SpotSymbol,
			"perp_venue":   p.PerpVenue,
			"perp_symbol":  p.PerpSymbol,
			"funding_rate": rate.Rate,
		},
		CreatedAt: o.At,
	})
	if err != nil {
		o.Kind = KindFailed
		o.Reason = "create run: " + err.Error()
		log.ErrorContext(ctx, "create run failed, no orders placed", slog.String("error", err.Error()))
		return o
	}
	o.RunID = runID
	log = log.With(slog.String("run_id", runID))

	if p.Leverage > 0 {
		err := w.legs.withAdapter(ctx, p.PerpVenue, func(ctx context.Context, a venue.Adapter) error {
			return venue.ChangeLeverage(ctx, a, p.PerpSymbol, p.Leverage)
		})
		if err != nil {
			log.WarnContext(ctx, "set leverage failed, continuing at venue default", slog.String("error", err.Error()))
		}
	}

	spotReq := domain.OrderRequest{Symbol: p.SpotSymbol, Side: domain.OrderSideBuy, Amount: qty, Type: domain.OrderTypeMarket, ClientOrderID: uuid.NewString()}
	perpReq := domain.OrderRequest{Symbol: p.PerpSymbol, Side: domain.OrderSideSell, Amount: qty, Type: domain.OrderTypeMarket, ClientOrderID: uuid.NewString()}
	spotLeg := w.legs.open(ctx, runID, p.SpotVenue, spotReq, ask)
	perpLeg := w.legs.open(ctx, runID, p.PerpVenue, perpReq, ask)

	w.legs.place(ctx, spotLeg, spotReq)
	// Once the spot leg is live, the hedge and its compensation run detached
	// from batch cancellation, bounded by the leg deadline.
	legCtx := context.WithoutCancel(ctx)
	spotRecorded := 0.0
	if spotLeg.err == nil {
		if spotRecorded = spotLeg.response.Filled; spotRecorded > 0 {
			recordFill(legCtx, w.deps.Positions, w.logger, service.Fill{
				BotName: w.cfg.BotName, Venue: p.SpotVenue, Symbol: p.SpotSymbol, Side: domain.OrderSideBuy,
				Spot: true, Qty: spotRecorded, Price: fillPrice(spotLeg, ask), RunID: runID,
			})
		}
		w.legs.place(legCtx, perpLeg, perpReq)
	}

	if failed := firstErr(spotLeg, perpLeg); failed != nil {
		o.Kind = KindFailed
		o.Reason = failed.Error()
		if spotLeg.err == nil && !spotLeg.filled() {
			o.Compensated = true
			if cerr := w.legs.cancel(legCtx, spotLeg); cerr != nil {
				o.CompensationErr = cerr.Error()
			}
		}
		// Both records end rejected with the failure reason.
		w.legs.reject(legCtx, spotLeg, o.Reason)
		w.legs.reject(legCtx, perpLeg, o.Reason)
		o.Legs = []LegAttempt{spotLeg.attempt(), perpLeg.attempt()}
		writeAudit(ctx, w.deps.Audit, w.logger, w.cfg.BotName, domain.AuditBasisFailed, map[string]any{
			"run_id":             runID,
			"spot_venue":         p.SpotVenue,
			"perp_venue":         p.PerpVenue,
			"qty":                qty,
			"error":              o.Reason,
			"legs":               o.Legs,
			"compensated":        o.Compensated,
			"compensation_error": o.CompensationErr,
		})
		closeRun(ctx, w.deps.Runs, w.logger, runID, domain.RunStatusFailed, o.Reason, 0)
		log.ErrorContext(ctx, "basis hedge failed", slog.String("error", o.Reason))
		return o
	}

	o.Kind = KindExecuted
	o.Legs = []LegAttempt{spotLeg.attempt(), perpLeg.attempt()}
	writeAudit(ctx, w.deps.Audit, w.logger, w.cfg.BotName, domain.AuditBasisExecuted, map[string]any{
		"run_id":        runID,
		"spot_venue":    p.SpotVenue,
		"perp_venue":    p.PerpVenue,
		"qty":           qty,
		"leg_usd":       res.AdjustedPerTradeUSD,
		"funding_rate":  rate.Rate,
		"spot_order_id": spotLeg.response.ID,
		"perp_order_id": perpLeg.response.ID,
	})
	closeRun(ctx, w.deps.Runs, w.logger, runID, domain.RunStatusCompleted, "", 0)
	if rest := qty - spotRecorded; rest > 0 {
		recordFill(ctx, w.deps.Positions, w.logger, service.Fill{
			BotName: w.cfg.BotName, Venue: p.SpotVenue, Symbol: p.SpotSymbol, Side: domain.OrderSideBuy,
			Spot: true, Qty: rest, Price: fillPrice(spotLeg, ask), RunID: runID,
		})
	}
	recordFill(ctx, w.deps.Positions, w.logger, service.Fill{
		BotName: w.cfg.BotName, Venue: p.PerpVenue, Symbol: p.PerpSymbol, Side: domain.OrderSideSell,
		Qty: qty, Price: fillPrice(perpLeg, ask), RunID: runID,
	})
	log.InfoContext(ctx, "basis hedge opened",
		slog.Float64("qty", qty),
		slog.Float64("funding_rate", rate.Rate),
	)
	return o
}

func firstErr(legs ...*leg) error {
	for _, l := range legs {
		if l.err != nil {
			return fmt.Errorf("%s leg on %s: %w", l.record.Side, l.record.Venue, l.err)
		}
	}
	return nil
}
