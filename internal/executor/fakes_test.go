package executor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/service"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

func discard() *slog.Logger { return slog.New(slog.NewTextHandler(io.Discard, nil)) }

// scriptedVenue answers orders from per-side scripts.
type scriptedVenue struct {
	id        string
	mu        sync.Mutex
	placed    []domain.OrderRequest
	cancelled []string
	placeErr  error
	status    domain.OrderStatus
	cancelErr error
	block     chan struct{}
	// afterPlace runs once the venue has answered an order.
	afterPlace func()
	ticker    domain.QuoteTick
	funding   *domain.FundingRate
	leverage  float64
}

func (v *scriptedVenue) ID() string                       { return v.id }
func (v *scriptedVenue) Kind() venue.Kind                 { return venue.KindSpot }
func (v *scriptedVenue) Connect(context.Context) error    { return nil }
func (v *scriptedVenue) Disconnect(context.Context) error { return nil }
func (v *scriptedVenue) FetchBalances(context.Context) (map[string]float64, error) {
	return map[string]float64{}, nil
}
func (v *scriptedVenue) FetchOpenOrders(context.Context, string) ([]domain.OrderResponse, error) {
	return nil, nil
}
func (v *scriptedVenue) FetchTicker(context.Context, string) (domain.QuoteTick, error) {
	return v.ticker, nil
}

func (v *scriptedVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	if err := ctx.Err(); err != nil {
		return domain.OrderResponse{}, err
	}
	if v.block != nil {
		select {
		case <-v.block:
		case <-ctx.Done():
			return domain.OrderResponse{}, ctx.Err()
		}
	}
	if v.afterPlace != nil {
		defer v.afterPlace()
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.placed = append(v.placed, req)
	if v.placeErr != nil {
		return domain.OrderResponse{}, v.placeErr
	}
	status := v.status
	if status == "" {
		status = domain.OrderStatusFilled
	}
	filled := req.Amount
	if status != domain.OrderStatusFilled {
		filled = 0
	}
	return domain.OrderResponse{ID: fmt.Sprintf("%s-%d", v.id, len(v.placed)), Status: status, Filled: filled, Remaining: req.Amount - filled}, nil
}

func (v *scriptedVenue) CancelOrder(ctx context.Context, id, _ string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelled = append(v.cancelled, id)
	return v.cancelErr
}

func (v *scriptedVenue) cancelledCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.cancelled)
}

func (v *scriptedVenue) placedCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return len(v.placed)
}

// partialVenue fills only part of every order and leaves the rest working.
type partialVenue struct {
	*scriptedVenue
	filled float64
}

func (v *partialVenue) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	resp, err := v.scriptedVenue.PlaceOrder(ctx, req)
	if err != nil {
		return resp, err
	}
	resp.Status = domain.OrderStatusPartiallyFilled
	resp.Filled = v.filled
	resp.Remaining = req.Amount - v.filled
	return resp, nil
}

// perpVenue adds funding and leverage capabilities.
type perpVenue struct{ *scriptedVenue }

func (p perpVenue) FetchFundingRate(_ context.Context, symbol string) (domain.FundingRate, error) {
	if p.funding == nil {
		return domain.FundingRate{}, errors.New("no funding")
	}
	r := *p.funding
	r.Symbol = symbol
	return r, nil
}
func (p perpVenue) ChangeLeverage(_ context.Context, _ string, lev float64) error {
	p.mu.Lock()
	p.leverage = lev
	p.mu.Unlock()
	return nil
}
func (p perpVenue) SetHedgeMode(context.Context, bool) error { return nil }

type fixedRisk struct {
	result domain.RiskResult
	mu     sync.Mutex
	calls  []domain.RiskRequest
}

func (r *fixedRisk) Evaluate(req domain.RiskRequest) domain.RiskResult {
	r.mu.Lock()
	r.calls = append(r.calls, req)
	r.mu.Unlock()
	return r.result
}

func approve(usd float64) *fixedRisk {
	return &fixedRisk{result: domain.RiskResult{Approved: true, AdjustedPerTradeUSD: usd, Messages: []string{"ok"}}}
}

type memAudit struct {
	mu      sync.Mutex
	entries []domain.AuditEntry
}

func (m *memAudit) AddEntry(_ context.Context, e domain.AuditEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, e)
	return nil
}
func (m *memAudit) List(context.Context, domain.ListOpts) ([]domain.AuditEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]domain.AuditEntry(nil), m.entries...), nil
}
func (m *memAudit) actions(action string) []domain.AuditEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.AuditEntry
	for _, e := range m.entries {
		if e.Action == action {
			out = append(out, e)
		}
	}
	return out
}

type memRuns struct {
	mu   sync.Mutex
	runs map[string]domain.Run
	fail error
}

func (m *memRuns) CreateRun(_ context.Context, r domain.Run) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return "", m.fail
	}
	if m.runs == nil {
		m.runs = make(map[string]domain.Run)
	}
	r.ID = fmt.Sprintf("run-%d", len(m.runs)+1)
	m.runs[r.ID] = r
	return r.ID, nil
}
func (m *memRuns) UpdateStatus(_ context.Context, id string, st domain.RunStatus, reason string, pnl float64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.ErrNotFound
	}
	now := time.Now()
	r.Status, r.Reason, r.PnlUSD, r.CompletedAt = st, reason, pnl, &now
	m.runs[id] = r
	return nil
}
func (m *memRuns) GetByID(_ context.Context, id string) (domain.Run, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.runs[id]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return r, nil
}

type memOrders struct {
	mu   sync.Mutex
	recs map[string]domain.OrderRecord
	seq  int
}

func (m *memOrders) InsertOrder(_ context.Context, r domain.OrderRecord) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.recs == nil {
		m.recs = make(map[string]domain.OrderRecord)
	}
	m.seq++
	r.ID = fmt.Sprintf("ord-%d", m.seq)
	m.recs[r.ID] = r
	return r.ID, nil
}
func (m *memOrders) UpdateOrder(_ context.Context, r domain.OrderRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.recs[r.ID]; !ok {
		return domain.ErrNotFound
	}
	m.recs[r.ID] = r
	return nil
}
func (m *memOrders) ListByRun(_ context.Context, runID string) ([]domain.OrderRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.OrderRecord
	for i := 1; i <= m.seq; i++ {
		if r, ok := m.recs[fmt.Sprintf("ord-%d", i)]; ok && r.RunID == runID {
			out = append(out, r)
		}
	}
	return out, nil
}

type staticExposure struct{ err error }

func (s staticExposure) CurrentExposures(context.Context, string) ([]domain.Exposure, error) {
	return nil, s.err
}
func (s staticExposure) RecentPerformance(context.Context, string, int) (*domain.Performance, error) {
	return nil, s.err
}

type memPositions struct {
	mu    sync.Mutex
	fills []service.Fill
}

func (m *memPositions) RecordFill(_ context.Context, f service.Fill) (domain.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fills = append(m.fills, f)
	return domain.Position{}, nil
}

type memJournal struct {
	mu       sync.Mutex
	outcomes []TradeOutcome
}

func (j *memJournal) Record(_ context.Context, o TradeOutcome) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.outcomes = append(j.outcomes, o)
	return nil
}

type harness struct {
	risk      *fixedRisk
	audit     *memAudit
	runs      *memRuns
	orders    *memOrders
	positions *memPositions
	journal   *memJournal
	venues    StaticSource
}

func newHarness(risk *fixedRisk, venues ...venue.Adapter) *harness {
	src := StaticSource{}
	for _, v := range venues {
		src[v.ID()] = v
	}
	return &harness{
		risk:      risk,
		audit:     &memAudit{},
		runs:      &memRuns{},
		orders:    &memOrders{},
		positions: &memPositions{},
		journal:   &memJournal{},
		venues:    src,
	}
}

func (h *harness) deps() Deps {
	return Deps{
		Risk:        h.risk,
		Adapters:    h.venues,
		Audit:       h.audit,
		Runs:        h.runs,
		Orders:      h.orders,
		Exposures:   staticExposure{},
		Performance: staticExposure{},
		Positions:   h.positions,
		Journal:     h.journal,
	}
}
