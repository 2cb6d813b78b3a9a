// Package executor turns opportunities into hedged two-leg trades and
// compensates when the second leg fails.
package executor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
	"github.com/alanyoungcy/arbexec/internal/notify"
	"github.com/alanyoungcy/arbexec/internal/service"
)

// RiskEvaluator is the pre-trade gate. *risk.Engine satisfies it.
type RiskEvaluator interface {
	Evaluate(req domain.RiskRequest) domain.RiskResult
}

// PositionRecorder folds executed legs into inventory.
type PositionRecorder interface {
	RecordFill(ctx context.Context, f service.Fill) (domain.Position, error)
}

// Deps are the collaborators shared by both workers. Risk, Adapters, Audit,
// Runs, Exposures and Performance are required; the rest may be nil.
type Deps struct {
	Risk        RiskEvaluator
	Adapters    AdapterSource
	Audit       domain.AuditStore
	Runs        domain.RunStore
	Orders      domain.OrderRecordStore
	Exposures   domain.ExposureReader
	Performance domain.PerformanceReader
	Positions   PositionRecorder
	Locks       domain.LockManager
	Bus         domain.SignalBus
	Notifier    Notifier
	Journal     Journal
}

func (d Deps) validate() error {
	switch {
	case d.Risk == nil:
		return errors.New("executor: risk evaluator is required")
	case d.Adapters == nil:
		return errors.New("executor: adapter source is required")
	case d.Audit == nil:
		return errors.New("executor: audit store is required")
	case d.Runs == nil:
		return errors.New("executor: run store is required")
	case d.Exposures == nil || d.Performance == nil:
		return errors.New("executor: exposure and performance readers are required")
	}
	return nil
}

// ArbConfig tunes the ArbWorker.
type ArbConfig struct {
	BotName string
	// DefaultLegUSD sizes opportunities that carry no VolumeUSD.
	DefaultLegUSD float64
	// FallbackVolatilityPct is sent to risk as the volatility estimate used
	// when recent returns are too short.
	FallbackVolatilityPct float64
	LegTimeout            time.Duration
	DedupTTL              time.Duration
	LockTTL               time.Duration
	PerformanceWindow     int
}

// ArbWorker executes scan batches one at a time.
type ArbWorker struct {
	cfg    ArbConfig
	deps   Deps
	legs   *legRunner
	dedup  *Dedup
	logger *slog.Logger

	inFlight atomic.Bool
	batches  atomic.Int64
}

// NewArbWorker validates deps and builds a worker.
func NewArbWorker(cfg ArbConfig, deps Deps, logger *slog.Logger) (*ArbWorker, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.BotName == "" {
		cfg.BotName = "arbexec"
	}
	if cfg.PerformanceWindow <= 0 {
		cfg.PerformanceWindow = 50
	}
	if cfg.LockTTL <= 0 {
		cfg.LockTTL = 30 * time.Second
	}
	logger = logger.With(slog.String("component", "arb_worker"))
	w := &ArbWorker{
		cfg:    cfg,
		deps:   deps,
		legs:   &legRunner{source: deps.Adapters, orders: deps.Orders, timeout: cfg.LegTimeout, logger: logger},
		logger: logger,
	}
	if cfg.DedupTTL > 0 {
		w.dedup = NewDedup(cfg.DedupTTL)
	}
	return w, nil
}

// InFlight reports whether a batch is executing.
func (w *ArbWorker) InFlight() bool { return w.inFlight.Load() }

// Batches returns how many batches have been executed.
func (w *ArbWorker) Batches() int64 { return w.batches.Load() }

// HandleBatch executes opps in order. A batch arriving while another is
// still executing is ignored with domain.ErrBatchInFlight.
func (w *ArbWorker) HandleBatch(ctx context.Context, opps []domain.Opportunity) (BatchOutcome, error) {
	if !w.inFlight.CompareAndSwap(false, true) {
		return BatchOutcome{}, domain.ErrBatchInFlight
	}
	defer w.inFlight.Store(false)
	w.batches.Add(1)
	if w.dedup != nil {
		w.dedup.Cleanup()
	}

	out := BatchOutcome{StartedAt: time.Now().UTC()}
	for _, opp := range opps {
		if ctx.Err() != nil {
			break
		}
		o := w.execute(ctx, opp)
		w.finish(ctx, o)
		out.Outcomes = append(out.Outcomes, o)
	}
	out.Duration = time.Since(out.StartedAt)
	return out, nil
}

// OnScan adapts HandleBatch to the scanner's handler signature. Overlapping
// batches are dropped quietly.
func (w *ArbWorker) OnScan(ctx context.Context, opps []domain.Opportunity) error {
	if len(opps) == 0 {
		return nil
	}
	out, err := w.HandleBatch(ctx, opps)
	if errors.Is(err, domain.ErrBatchInFlight) {
		w.logger.InfoContext(ctx, "batch ignored, previous batch still executing",
			slog.Int("opportunities", len(opps)),
		)
		return nil
	}
	if err != nil {
		return err
	}
	w.logger.InfoContext(ctx, "batch processed",
		slog.Int("opportunities", len(opps)),
		slog.Int("executed", out.Count(KindExecuted)),
		slog.Int("blocked", out.Count(KindBlocked)),
		slog.Int("failed", out.Count(KindFailed)),
		slog.Duration("duration", out.Duration),
	)
	return nil
}

func (w *ArbWorker) execute(ctx context.Context, opp domain.Opportunity) TradeOutcome {
	o := TradeOutcome{
		Worker:    "arbitrage",
		Symbol:    opp.Symbol,
		BuyVenue:  opp.BuyVenue,
		SellVenue: opp.SellVenue,
		SpreadPct: opp.SpreadPct,
		At:        time.Now().UTC(),
	}
	log := w.logger.With(
		slog.String("symbol", opp.Symbol),
		slog.String("buy_venue", opp.BuyVenue),
		slog.String("sell_venue", opp.SellVenue),
	)

	if w.dedup != nil && w.dedup.IsDuplicate(opp.Key()) {
		o.Kind = KindDuplicate
		o.Reason = "route executed within cooldown"
		return o
	}

	if w.deps.Locks != nil {
		unlock, err := w.deps.Locks.Acquire(ctx, "arb:"+opp.Symbol, w.cfg.LockTTL)
		if err != nil {
			o.Kind = KindSkipped
			o.Reason = "symbol lock: " + err.Error()
			log.InfoContext(ctx, "opportunity skipped", slog.String("reason", o.Reason))
			return o
		}
		defer unlock()
	}

	// Risk.
	legUSD := opp.VolumeUSD
	if legUSD <= 0 {
		legUSD = w.cfg.DefaultLegUSD
	}
	req, err := w.riskRequest(ctx, opp, legUSD)
	if err != nil {
		o.Kind = KindRiskError
		o.Reason = err.Error()
		log.ErrorContext(ctx, "risk inputs unavailable", slog.String("error", err.Error()))
		w.forget(opp)
		return o
	}
	res := w.deps.Risk.Evaluate(req)
	o.Messages = res.Messages
	if !res.Approved || res.AdjustedPerTradeUSD <= 0 {
		o.Kind = KindBlocked
		o.Reason = res.BlockedReason
		metrics.RiskBlocksTotal.WithLabelValues(res.BlockedReason).Inc()
		w.audit(ctx, domain.AuditTradeBlocked, map[string]any{
			"symbol":      opp.Symbol,
			"buy_venue":   opp.BuyVenue,
			"sell_venue":  opp.SellVenue,
			"spread_pct":  opp.SpreadPct,
			"request_usd": legUSD,
			"reason":      res.BlockedReason,
			"messages":    res.Messages,
		})
		log.InfoContext(ctx, "trade blocked by risk", slog.String("reason", res.BlockedReason))
		w.forget(opp)
		return o
	}

	// Sizing.
	o.LegUSD = res.AdjustedPerTradeUSD
	qty := res.AdjustedPerTradeUSD / opp.BuyPrice
	if math.IsNaN(qty) || math.IsInf(qty, 0) || qty <= 0 {
		o.Kind = KindInvalidQuantity
		o.Reason = fmt.Sprintf("quantity %v from $%.2f at %v", qty, res.AdjustedPerTradeUSD, opp.BuyPrice)
		log.WarnContext(ctx, "invalid trade quantity", slog.String("reason", o.Reason))
		w.forget(opp)
		return o
	}
	o.Qty = qty

	runID, err := w.deps.Runs.CreateRun(ctx, domain.Run{
		BotName:     w.cfg.BotName,
		Kind:        domain.RunKindArbitrage,
		Status:      domain.RunStatusPending,
		NotionalUSD: res.AdjustedPerTradeUSD,
		Meta: map[string]any{
			"symbol":     opp.Symbol,
			"buy_venue":  opp.BuyVenue,
			"sell_venue": opp.SellVenue,
			"spread_pct": opp.SpreadPct,
		},
		CreatedAt: o.At,
	})
	if err != nil {
		o.Kind = KindFailed
		o.Reason = "create run: " + err.Error()
		w.audit(ctx, domain.AuditTradeFailed, w.failureMeta(o, "run"))
		log.ErrorContext(ctx, "create run failed, no orders placed", slog.String("error", err.Error()))
		return o
	}
	o.RunID = runID
	log = log.With(slog.String("run_id", runID))

	// Buy leg first, then sell; never concurrently.
	buyReq := domain.OrderRequest{Symbol: opp.Symbol, Side: domain.OrderSideBuy, Amount: qty, Type: domain.OrderTypeMarket, ClientOrderID: uuid.NewString()}
	buy := w.legs.open(ctx, runID, opp.BuyVenue, buyReq, opp.BuyPrice)
	w.legs.place(ctx, buy, buyReq)
	if buy.err != nil {
		o.Kind = KindFailed
		o.Reason = "buy leg: " + buy.err.Error()
		o.Legs = []LegAttempt{buy.attempt()}
		w.audit(ctx, domain.AuditTradeFailed, w.failureMeta(o, "buy"))
		w.closeRun(ctx, runID, domain.RunStatusFailed, o.Reason, 0)
		log.ErrorContext(ctx, "buy leg failed", slog.String("error", buy.err.Error()))
		return o
	}

	// The buy is live on its venue. The sell and any compensating cancel
	// run detached from batch cancellation, bounded by the leg deadline.
	legCtx := context.WithoutCancel(ctx)
	buyRecorded := buy.response.Filled
	if buyRecorded > 0 {
		w.recordFill(legCtx, runID, opp.BuyVenue, opp.Symbol, domain.OrderSideBuy, buyRecorded, fillPrice(buy, opp.BuyPrice))
	}

	sellReq := domain.OrderRequest{Symbol: opp.Symbol, Side: domain.OrderSideSell, Amount: qty, Type: domain.OrderTypeMarket, ClientOrderID: uuid.NewString()}
	sell := w.legs.open(legCtx, runID, opp.SellVenue, sellReq, opp.SellPrice)
	w.legs.place(legCtx, sell, sellReq)
	if sell.err != nil {
		o.Kind = KindFailed
		o.Reason = "sell leg: " + sell.err.Error()
		if !buy.filled() {
			o.Compensated = true
			if cerr := w.legs.cancel(legCtx, buy); cerr != nil {
				o.CompensationErr = cerr.Error()
			} else {
				buy.record.Status = domain.OrderStatusCancelled
				w.legs.update(legCtx, buy)
			}
		}
		o.Legs = []LegAttempt{buy.attempt(), sell.attempt()}
		w.audit(ctx, domain.AuditTradeFailed, w.failureMeta(o, "sell"))
		w.closeRun(ctx, runID, domain.RunStatusFailed, o.Reason, 0)
		log.ErrorContext(ctx, "sell leg failed",
			slog.String("error", sell.err.Error()),
			slog.String("buy_status", string(buy.response.Status)),
			slog.Bool("compensated", o.Compensated),
		)
		return o
	}

	o.Kind = KindExecuted
	o.Legs = []LegAttempt{buy.attempt(), sell.attempt()}
	expectedPnl := qty * (opp.SellPrice - opp.BuyPrice)
	w.audit(ctx, domain.AuditTradeExecuted, map[string]any{
		"run_id":        runID,
		"symbol":        opp.Symbol,
		"buy_venue":     opp.BuyVenue,
		"sell_venue":    opp.SellVenue,
		"qty":           qty,
		"leg_usd":       res.AdjustedPerTradeUSD,
		"spread_pct":    opp.SpreadPct,
		"buy_order_id":  buy.response.ID,
		"sell_order_id": sell.response.ID,
		"risk_messages": res.Messages,
	})
	w.closeRun(ctx, runID, domain.RunStatusCompleted, "", expectedPnl)
	if rest := qty - buyRecorded; rest > 0 {
		w.recordFill(ctx, runID, opp.BuyVenue, opp.Symbol, domain.OrderSideBuy, rest, fillPrice(buy, opp.BuyPrice))
	}
	w.recordFill(ctx, runID, opp.SellVenue, opp.Symbol, domain.OrderSideSell, qty, fillPrice(sell, opp.SellPrice))
	log.InfoContext(ctx, "trade executed",
		slog.Float64("qty", qty),
		slog.Float64("leg_usd", res.AdjustedPerTradeUSD),
		slog.Float64("spread_pct", opp.SpreadPct),
		slog.String("buy_order_id", buy.response.ID),
		slog.String("sell_order_id", sell.response.ID),
	)
	return o
}

func (w *ArbWorker) riskRequest(ctx context.Context, opp domain.Opportunity, legUSD float64) (domain.RiskRequest, error) {
	exposures, err := w.deps.Exposures.CurrentExposures(ctx, w.cfg.BotName)
	if err != nil {
		return domain.RiskRequest{}, fmt.Errorf("executor: current exposures: %w", err)
	}
	perf, err := w.deps.Performance.RecentPerformance(ctx, w.cfg.BotName, w.cfg.PerformanceWindow)
	if err != nil {
		return domain.RiskRequest{}, fmt.Errorf("executor: recent performance: %w", err)
	}
	return domain.RiskRequest{
		Pair:               opp.Symbol,
		BaseAsset:          domain.BaseAsset(opp.Symbol),
		PlannedExposureUSD: legUSD,
		PerTradeUSD:        legUSD,
		GridSizePct:        w.cfg.FallbackVolatilityPct,
		TakeProfitPct:      opp.SpreadPct,
		CurrentExposures:   exposures,
		RecentPerformance:  perf,
	}, nil
}

func (w *ArbWorker) forget(opp domain.Opportunity) {
	if w.dedup != nil {
		w.dedup.Forget(opp.Key())
	}
}

func (w *ArbWorker) failureMeta(o TradeOutcome, stage string) map[string]any {
	return map[string]any{
		"run_id":             o.RunID,
		"symbol":             o.Symbol,
		"buy_venue":          o.BuyVenue,
		"sell_venue":         o.SellVenue,
		"qty":                o.Qty,
		"leg_usd":            o.LegUSD,
		"spread_pct":         o.SpreadPct,
		"stage":              stage,
		"error":              o.Reason,
		"legs":               o.Legs,
		"compensated":        o.Compensated,
		"compensation_error": o.CompensationErr,
	}
}

func (w *ArbWorker) audit(ctx context.Context, action string, meta map[string]any) {
	writeAudit(ctx, w.deps.Audit, w.logger, w.cfg.BotName, action, meta)
}

func (w *ArbWorker) closeRun(ctx context.Context, runID string, status domain.RunStatus, reason string, pnl float64) {
	closeRun(ctx, w.deps.Runs, w.logger, runID, status, reason, pnl)
}

func (w *ArbWorker) recordFill(ctx context.Context, runID, venueID, symbol string, side domain.OrderSide, qty, price float64) {
	recordFill(ctx, w.deps.Positions, w.logger, service.Fill{
		BotName: w.cfg.BotName, Venue: venueID, Symbol: symbol, Side: side, Qty: qty, Price: price, RunID: runID,
	})
}

// finish publishes, journals, counts and notifies one outcome.
func (w *ArbWorker) finish(ctx context.Context, o TradeOutcome) {
	finishOutcome(ctx, w.deps, w.logger, o)
}

func finishOutcome(ctx context.Context, deps Deps, logger *slog.Logger, o TradeOutcome) {
	metrics.TradeOutcomesTotal.WithLabelValues(o.Worker, string(o.Kind)).Inc()
	if !o.Terminal() {
		return
	}
	payload, err := json.Marshal(o)
	if err == nil && deps.Bus != nil {
		if err := deps.Bus.Publish(ctx, domain.ChannelTrades, payload); err != nil {
			logger.DebugContext(ctx, "publish outcome failed", slog.String("error", err.Error()))
		}
		if err := deps.Bus.StreamAppend(ctx, domain.StreamTrades, payload); err != nil {
			logger.DebugContext(ctx, "stream outcome failed", slog.String("error", err.Error()))
		}
	}
	if deps.Journal != nil {
		if err := deps.Journal.Record(ctx, o); err != nil {
			logger.WarnContext(ctx, "journal outcome failed",
				slog.String("run_id", o.RunID),
				slog.String("error", err.Error()),
			)
		}
	}
	if deps.Notifier != nil {
		event, title := notify.EventTradeExecuted, "Trade executed"
		if o.Kind == KindFailed {
			event, title = notify.EventTradeFailed, "Trade failed"
		}
		msg := fmt.Sprintf("%s %s: %s -> %s qty %.6f ($%.2f) %s", o.Worker, o.Symbol, o.BuyVenue, o.SellVenue, o.Qty, o.LegUSD, o.Reason)
		if err := deps.Notifier.Notify(ctx, event, title, msg); err != nil {
			logger.WarnContext(ctx, "notify outcome failed", slog.String("error", err.Error()))
		}
	}
}

func writeAudit(ctx context.Context, store domain.AuditStore, logger *slog.Logger, actor, action string, meta map[string]any) {
	entry := domain.AuditEntry{
		ClientID:  uuid.NewString(),
		Actor:     actor,
		Action:    action,
		Metadata:  meta,
		CreatedAt: time.Now().UTC(),
	}
	if err := store.AddEntry(context.WithoutCancel(ctx), entry); err != nil {
		logger.ErrorContext(ctx, "audit write failed",
			slog.String("action", action),
			slog.String("error", err.Error()),
		)
	}
}

func closeRun(ctx context.Context, runs domain.RunStore, logger *slog.Logger, runID string, status domain.RunStatus, reason string, pnl float64) {
	if err := runs.UpdateStatus(context.WithoutCancel(ctx), runID, status, reason, pnl); err != nil {
		logger.ErrorContext(ctx, "update run status failed",
			slog.String("run_id", runID),
			slog.String("status", string(status)),
			slog.String("error", err.Error()),
		)
	}
}

func recordFill(ctx context.Context, positions PositionRecorder, logger *slog.Logger, f service.Fill) {
	if positions == nil {
		return
	}
	if _, err := positions.RecordFill(context.WithoutCancel(ctx), f); err != nil {
		logger.WarnContext(ctx, "record position failed",
			slog.String("venue", f.Venue),
			slog.String("symbol", f.Symbol),
			slog.String("error", err.Error()),
		)
	}
}

func fillPrice(l *leg, fallback float64) float64 {
	if l.response.AvgFillPrice != nil && *l.response.AvgFillPrice > 0 {
		return *l.response.AvgFillPrice
	}
	return fallback
}
