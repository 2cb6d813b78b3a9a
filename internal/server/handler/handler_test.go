package handler

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alanyoungcy/arbexec/internal/arbitrage"
	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/executor"
	"github.com/alanyoungcy/arbexec/internal/pool"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &out); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
	return out
}

func TestHealthCheck(t *testing.T) {
	h := NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
	}, testLogger())
	rec := httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if decode(t, rec)["status"] != "ok" {
		t.Fatalf("body = %s", rec.Body)
	}

	h = NewHealthHandler(map[string]HealthCheck{
		"postgres": func(context.Context) error { return nil },
		"redis":    func(context.Context) error { return errors.New("refused") },
	}, testLogger())
	rec = httptest.NewRecorder()
	h.HealthCheck(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("code = %d", rec.Code)
	}
	body := decode(t, rec)
	deps := body["dependencies"].(map[string]any)
	if body["status"] != "degraded" || deps["redis"] != "refused" || deps["postgres"] != "ok" {
		t.Fatalf("body = %v", body)
	}
}

type fakePool struct{}

func (fakePool) Stats() []pool.Stats {
	return []pool.Stats{{Key: "binance/trading/live", Total: 2, InUse: 1, Idle: 1}}
}
func (fakePool) Saturations() int { return 3 }

type fakeScanner struct{ scan *arbitrage.ScanResult }

func (s fakeScanner) Running() bool { return true }
func (s fakeScanner) LastScan() (arbitrage.ScanResult, bool) {
	if s.scan == nil {
		return arbitrage.ScanResult{}, false
	}
	return *s.scan, true
}

type fakeWorker bool

func (w fakeWorker) InFlight() bool { return bool(w) }

func TestGetStatus(t *testing.T) {
	scan := &arbitrage.ScanResult{
		Opportunities: []domain.Opportunity{{Symbol: "BTC/USDT", BuyVenue: "a", SellVenue: "b", SpreadPct: 0.5}},
		Duration:      120 * time.Millisecond,
	}
	h := &StatusHandler{
		Mode:      "arbitrage",
		StartedAt: time.Now().Add(-time.Minute),
		Pool:      fakePool{},
		Scanner:   fakeScanner{scan: scan},
		Worker:    fakeWorker(true),
	}
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))

	body := decode(t, rec)
	if body["mode"] != "arbitrage" || body["worker_in_flight"] != true || body["scanner_running"] != true {
		t.Fatalf("body = %v", body)
	}
	p := body["pool"].(map[string]any)
	if p["saturations"].(float64) != 3 || len(p["keys"].([]any)) != 1 {
		t.Fatalf("pool = %v", p)
	}
	last := body["last_scan"].(map[string]any)
	if last["opportunities"].(float64) != 1 || last["duration_ms"].(float64) != 120 {
		t.Fatalf("last_scan = %v", last)
	}
	if last["best"].(map[string]any)["buy_venue"] != "a" {
		t.Fatalf("best = %v", last["best"])
	}
}

func TestGetStatusWithoutCollaborators(t *testing.T) {
	h := &StatusHandler{Mode: "monitor", StartedAt: time.Now()}
	rec := httptest.NewRecorder()
	h.GetStatus(rec, httptest.NewRequest(http.MethodGet, "/api/status", nil))
	body := decode(t, rec)
	if _, ok := body["pool"]; ok {
		t.Fatalf("unexpected pool: %v", body)
	}
}

type fakePositions struct {
	bot string
	err error
}

func (f *fakePositions) OpenPositions(_ context.Context, bot string) ([]domain.Position, error) {
	f.bot = bot
	return nil, f.err
}

func TestListPositionsDefaultsBot(t *testing.T) {
	f := &fakePositions{}
	h := NewPositionHandler(f, "arbexec", testLogger())
	rec := httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions", nil))
	if rec.Code != http.StatusOK || f.bot != "arbexec" {
		t.Fatalf("code %d bot %q", rec.Code, f.bot)
	}
	if string(rec.Body.Bytes()) != `{"bot":"arbexec","positions":[]}` {
		t.Fatalf("body = %s", rec.Body)
	}

	f.err = errors.New("db down")
	rec = httptest.NewRecorder()
	h.ListPositions(rec, httptest.NewRequest(http.MethodGet, "/api/positions?bot=basis", nil))
	if rec.Code != http.StatusInternalServerError || f.bot != "basis" {
		t.Fatalf("code %d bot %q", rec.Code, f.bot)
	}
}

type fakeAudit struct{ opts domain.ListOpts }

func (f *fakeAudit) AddEntry(context.Context, domain.AuditEntry) error { return nil }
func (f *fakeAudit) List(_ context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	f.opts = opts
	return []domain.AuditEntry{{Action: "trade_executed"}}, nil
}

func TestAuditListRecent(t *testing.T) {
	f := &fakeAudit{}
	h := NewAuditHandler(f, testLogger())
	rec := httptest.NewRecorder()
	h.ListRecent(rec, httptest.NewRequest(http.MethodGet, "/api/audit?limit=9000&offset=5&since=2026-10-18T00:00:00Z", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d", rec.Code)
	}
	if f.opts.Limit != 500 || f.opts.Offset != 5 || f.opts.Since == nil {
		t.Fatalf("opts = %+v", f.opts)
	}

	rec = httptest.NewRecorder()
	h.ListRecent(rec, httptest.NewRequest(http.MethodGet, "/api/audit?since=yesterday", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

type fakeJournal struct{ day time.Time }

func (f *fakeJournal) Day(_ context.Context, day time.Time) ([]executor.TradeOutcome, error) {
	f.day = day
	return []executor.TradeOutcome{{Kind: executor.KindExecuted, RunID: "r1"}}, nil
}

func TestJournalListDay(t *testing.T) {
	f := &fakeJournal{}
	h := NewJournalHandler(f, testLogger())
	h.now = func() time.Time { return time.Date(2026, 10, 18, 9, 0, 0, 0, time.UTC) }

	rec := httptest.NewRecorder()
	h.ListDay(rec, httptest.NewRequest(http.MethodGet, "/api/journal", nil))
	if rec.Code != http.StatusOK || decode(t, rec)["date"] != "2026-10-18" {
		t.Fatalf("code %d body %s", rec.Code, rec.Body)
	}

	rec = httptest.NewRecorder()
	h.ListDay(rec, httptest.NewRequest(http.MethodGet, "/api/journal?date=2026-10-01", nil))
	if f.day.Day() != 1 {
		t.Fatalf("day = %v", f.day)
	}

	rec = httptest.NewRecorder()
	h.ListDay(rec, httptest.NewRequest(http.MethodGet, "/api/journal?date=01/10/2026", nil))
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("code = %d", rec.Code)
	}
}

type fakeRuns struct {
	domain.RunStore
	run domain.Run
}

func (f fakeRuns) GetByID(_ context.Context, id string) (domain.Run, error) {
	if id != f.run.ID {
		return domain.Run{}, domain.ErrNotFound
	}
	return f.run, nil
}

type fakeOrders struct {
	domain.OrderRecordStore
	recs []domain.OrderRecord
}

func (f fakeOrders) ListByRun(context.Context, string) ([]domain.OrderRecord, error) {
	return f.recs, nil
}

func TestGetRun(t *testing.T) {
	h := NewRunHandler(
		fakeRuns{run: domain.Run{ID: "r1", Status: domain.RunStatusFailed, Reason: "sell leg rejected"}},
		fakeOrders{recs: []domain.OrderRecord{{RunID: "r1", Venue: "a"}, {RunID: "r1", Venue: "b"}}},
		testLogger(),
	)

	req := httptest.NewRequest(http.MethodGet, "/api/runs/r1", nil)
	req.SetPathValue("id", "r1")
	rec := httptest.NewRecorder()
	h.GetRun(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("code = %d body %s", rec.Code, rec.Body)
	}
	if got := len(decode(t, rec)["orders"].([]any)); got != 2 {
		t.Fatalf("orders = %d, want 2", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/api/runs/nope", nil)
	req.SetPathValue("id", "nope")
	rec = httptest.NewRecorder()
	h.GetRun(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("code = %d", rec.Code)
	}
}
