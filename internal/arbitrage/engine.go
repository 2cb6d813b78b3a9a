// Package arbitrage scans a set of venues for cross-venue price dislocations.
package arbitrage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// TickerSource is the slice of the venue contract the scanner needs.
type TickerSource interface {
	ID() string
	FetchTicker(ctx context.Context, symbol string) (domain.QuoteTick, error)
}

var _ TickerSource = (venue.Adapter)(nil)

// Config tunes the scanner.
type Config struct {
	MinSpreadPct float64
	// MaxLegUSD is copied into every opportunity's VolumeUSD. Zero means
	// unset.
	MaxLegUSD    float64
	Symbols      []string
	PollInterval time.Duration
}

// Dropped records a venue quote excluded from a scan.
type Dropped struct {
	Venue  string `json:"venue"`
	Symbol string `json:"symbol"`
	Reason string `json:"reason"`
}

// ScanResult is the outcome of one pass over every symbol.
type ScanResult struct {
	Opportunities []domain.Opportunity
	Dropped       []Dropped
	StartedAt     time.Time
	Duration      time.Duration
}

// Handler consumes a scan's opportunities.
type Handler func(ctx context.Context, opps []domain.Opportunity) error

// Engine runs Scan on demand or on a timer.
type Engine struct {
	cfg     Config
	sources []TickerSource
	quotes  domain.QuoteCache
	bus     domain.SignalBus
	logger  *slog.Logger
	now     func() time.Time

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	handlers sync.WaitGroup
	last     *ScanResult
}

// Option configures optional Engine collaborators.
type Option func(*Engine)

// WithQuoteCache stores every valid quote seen during a scan.
func WithQuoteCache(c domain.QuoteCache) Option {
	return func(e *Engine) { e.quotes = c }
}

// WithSignalBus publishes each opportunity on domain.ChannelOpportunities.
func WithSignalBus(b domain.SignalBus) Option {
	return func(e *Engine) { e.bus = b }
}

// NewEngine creates a scanner over sources.
func NewEngine(cfg Config, sources []TickerSource, logger *slog.Logger, opts ...Option) *Engine {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 5 * time.Second
	}
	e := &Engine{
		cfg:     cfg,
		sources: sources,
		logger:  logger.With(slog.String("component", "arb_engine")),
		now:     time.Now,
	}
	for _, o := range opts {
		o(e)
	}
	return e
}

// Scan fetches every venue's ticker for each configured symbol and returns
// the opportunities whose spread reaches MinSpreadPct, widest first. A
// venue that errors or quotes a null side is dropped from that symbol.
func (e *Engine) Scan(ctx context.Context) (ScanResult, error) {
	res := ScanResult{StartedAt: e.now()}
	start := time.Now()

	for _, symbol := range e.cfg.Symbols {
		if err := ctx.Err(); err != nil {
			return res, fmt.Errorf("arbitrage: scan: %w", err)
		}
		quotes, dropped := e.fetchQuotes(ctx, symbol)
		res.Dropped = append(res.Dropped, dropped...)
		res.Opportunities = append(res.Opportunities, e.detect(symbol, quotes, res.StartedAt)...)
	}

	sort.SliceStable(res.Opportunities, func(i, j int) bool {
		return res.Opportunities[i].SpreadPct > res.Opportunities[j].SpreadPct
	})
	for _, opp := range res.Opportunities {
		metrics.OpportunitiesTotal.WithLabelValues(opp.Symbol).Inc()
		e.publish(ctx, opp)
	}
	res.Duration = time.Since(start)
	metrics.ScanDuration.Observe(res.Duration.Seconds())

	e.mu.Lock()
	snapshot := res
	e.last = &snapshot
	e.mu.Unlock()
	return res, nil
}

type venueQuote struct {
	venue string
	bid   float64
	ask   float64
}

func (e *Engine) fetchQuotes(ctx context.Context, symbol string) ([]venueQuote, []Dropped) {
	ticks := make([]domain.QuoteTick, len(e.sources))
	errs := make([]error, len(e.sources))

	// Errors are collected per slot so one failing venue never cancels the
	// others.
	var g errgroup.Group
	for i, src := range e.sources {
		g.Go(func() error {
			ticks[i], errs[i] = src.FetchTicker(ctx, symbol)
			return nil
		})
	}
	_ = g.Wait()

	var (
		quotes  []venueQuote
		dropped []Dropped
	)
	for i, src := range e.sources {
		switch {
		case errs[i] != nil:
			dropped = append(dropped, Dropped{Venue: src.ID(), Symbol: symbol, Reason: errs[i].Error()})
			metrics.QuoteFailuresTotal.WithLabelValues(src.ID(), "error").Inc()
			e.logger.WarnContext(ctx, "ticker fetch failed",
				slog.String("venue", src.ID()),
				slog.String("symbol", symbol),
				slog.String("error", errs[i].Error()),
			)
		case !ticks[i].Valid():
			dropped = append(dropped, Dropped{Venue: src.ID(), Symbol: symbol, Reason: "null quote"})
			metrics.QuoteFailuresTotal.WithLabelValues(src.ID(), "null_quote").Inc()
		default:
			quotes = append(quotes, venueQuote{venue: src.ID(), bid: *ticks[i].Bid, ask: *ticks[i].Ask})
			e.recordQuote(ctx, src.ID(), ticks[i])
		}
	}
	return quotes, dropped
}

func (e *Engine) detect(symbol string, quotes []venueQuote, at time.Time) []domain.Opportunity {
	var out []domain.Opportunity
	for i, buy := range quotes {
		for j, sell := range quotes {
			if i == j || buy.venue == sell.venue {
				continue
			}
			spread := domain.SpreadPct(buy.ask, sell.bid)
			if buy.ask <= 0 || spread < e.cfg.MinSpreadPct {
				continue
			}
			out = append(out, domain.Opportunity{
				Symbol:     symbol,
				BuyVenue:   buy.venue,
				SellVenue:  sell.venue,
				BuyPrice:   buy.ask,
				SellPrice:  sell.bid,
				SpreadPct:  spread,
				VolumeUSD:  e.cfg.MaxLegUSD,
				DetectedAt: at,
			})
		}
	}
	return out
}

type opportunityEvent struct {
	Symbol     string    `json:"symbol"`
	BuyVenue   string    `json:"buy_venue"`
	SellVenue  string    `json:"sell_venue"`
	BuyPrice   float64   `json:"buy_price"`
	SellPrice  float64   `json:"sell_price"`
	SpreadPct  float64   `json:"spread_pct"`
	VolumeUSD  float64   `json:"volume_usd"`
	DetectedAt time.Time `json:"detected_at"`
}

type quoteEvent struct {
	Venue       string   `json:"venue"`
	Symbol      string   `json:"symbol"`
	Bid         *float64 `json:"bid"`
	Ask         *float64 `json:"ask"`
	Last        *float64 `json:"last"`
	TimestampMs int64    `json:"ts_ms"`
}

// recordQuote caches a valid quote and announces it on domain.ChannelQuotes.
func (e *Engine) recordQuote(ctx context.Context, venueID string, q domain.QuoteTick) {
	if e.quotes != nil {
		if err := e.quotes.SetQuote(ctx, venueID, q); err != nil {
			e.logger.DebugContext(ctx, "quote cache write failed", slog.String("error", err.Error()))
		}
	}
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(quoteEvent{
		Venue:       venueID,
		Symbol:      q.Symbol,
		Bid:         q.Bid,
		Ask:         q.Ask,
		Last:        q.Last,
		TimestampMs: q.TimestampMs,
	})
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelQuotes, payload); err != nil {
		e.logger.DebugContext(ctx, "publish quote failed", slog.String("error", err.Error()))
	}
}

func (e *Engine) publish(ctx context.Context, opp domain.Opportunity) {
	if e.bus == nil {
		return
	}
	payload, err := json.Marshal(opportunityEvent(opp))
	if err != nil {
		return
	}
	if err := e.bus.Publish(ctx, domain.ChannelOpportunities, payload); err != nil {
		e.logger.DebugContext(ctx, "publish opportunity failed", slog.String("error", err.Error()))
	}
}

// Start scans every PollInterval and hands each result to handler on its
// own goroutine. Scan and handler errors are logged and counted; the timer
// keeps running until Stop or ctx cancellation. Calling Start while running
// is a no-op.
func (e *Engine) Start(ctx context.Context, handler Handler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.done = make(chan struct{})
	go e.loop(ctx, handler, e.done)
	e.logger.Info("scan timer started",
		slog.Duration("interval", e.cfg.PollInterval),
		slog.Int("venues", len(e.sources)),
		slog.Any("symbols", e.cfg.Symbols),
	)
}

func (e *Engine) loop(ctx context.Context, handler Handler, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(e.cfg.PollInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			res, err := e.Scan(ctx)
			if err != nil {
				if errors.Is(err, context.Canceled) {
					return
				}
				metrics.ScanErrorsTotal.Inc()
				e.logger.ErrorContext(ctx, "scan failed", slog.String("error", err.Error()))
				continue
			}
			e.dispatch(ctx, handler, res.Opportunities)
		}
	}
}

// dispatch runs handler asynchronously so a slow batch never delays the
// next tick.
func (e *Engine) dispatch(ctx context.Context, handler Handler, opps []domain.Opportunity) {
	if handler == nil {
		return
	}
	e.handlers.Add(1)
	go func() {
		defer e.handlers.Done()
		defer func() {
			if r := recover(); r != nil {
				metrics.ScanErrorsTotal.Inc()
				e.logger.ErrorContext(ctx, "scan handler panicked", slog.Any("panic", r))
			}
		}()
		if err := handler(ctx, opps); err != nil {
			metrics.ScanErrorsTotal.Inc()
			e.logger.WarnContext(ctx, "scan handler failed",
				slog.Int("opportunities", len(opps)),
				slog.String("error", err.Error()),
			)
		}
	}()
}

// Stop halts the timer and waits for the loop to exit. In-flight handlers
// are not awaited; use Wait for that. Safe to call more than once.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel, done := e.cancel, e.done
	e.cancel, e.done = nil, nil
	e.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	e.logger.Info("scan timer stopped")
}

// Running reports whether the timer is active.
func (e *Engine) Running() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancel != nil
}

// Wait blocks until every dispatched handler has returned.
func (e *Engine) Wait() {
	e.handlers.Wait()
}

// LastScan returns the most recent scan result, if any.
func (e *Engine) LastScan() (ScanResult, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.last == nil {
		return ScanResult{}, false
	}
	return *e.last, true
}
