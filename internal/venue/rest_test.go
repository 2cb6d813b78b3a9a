package venue

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/alanyoungcy/arbexec/internal/crypto"
	"github.com/alanyoungcy/arbexec/internal/domain"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeExchange is an in-memory REST venue speaking the unified schema.
type fakeExchange struct {
	t *testing.T

	mu       sync.Mutex
	requests []*http.Request
	bodies   []map[string]any

	hedgeStatus int
}

func (f *fakeExchange) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var body map[string]any
	if r.Body != nil {
		b, _ := io.ReadAll(r.Body)
		if len(b) > 0 {
			_ = json.Unmarshal(b, &body)
		}
	}
	f.mu.Lock()
	f.requests = append(f.requests, r)
	f.bodies = append(f.bodies, body)
	hedgeStatus := f.hedgeStatus
	f.mu.Unlock()

	if r.Header.Get(crypto.HeaderSignature) == "" {
		http.Error(w, "unsigned", http.StatusUnauthorized)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/markets":
		io.WriteString(w, `{"markets":[{"symbol":"BTC/USDT","base":"BTC","quote":"USDT","min_amount":"0.001","amount_precision":3,"price_precision":2}]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/ticker":
		if r.URL.Query().Get("symbol") == "ETH/USDT" {
			io.WriteString(w, `{"symbol":"ETH/USDT","bid":null,"ask":"2000.5","last":null,"timestamp":1700000000000}`)
			return
		}
		io.WriteString(w, `{"symbol":"BTC/USDT","bid":"100.5","ask":"101","last":"100.75","timestamp":1700000000000}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/balances":
		io.WriteString(w, `{"balances":[{"asset":"BTC","free":"1.25"},{"asset":"USDT","free":"5000"}]}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/orders/open":
		io.WriteString(w, `{"orders":[{"id":"o-1","status":"open","filled":"0","remaining":"2"}]}`)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/orders":
		io.WriteString(w, `{"id":"o-2","status":"closed","filled":"2","remaining":"0","avg_price":"100.9"}`)
	case r.Method == http.MethodDelete && r.URL.Path == "/api/v1/orders/o-2":
		w.WriteHeader(http.StatusNoContent)
	case r.Method == http.MethodDelete:
		http.Error(w, `{"error":"unknown order"}`, http.StatusNotFound)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/leverage":
		io.WriteString(w, `{}`)
	case r.Method == http.MethodPost && r.URL.Path == "/api/v1/position-mode":
		if hedgeStatus != 0 {
			http.Error(w, `{"error":"hedge mode unavailable"}`, hedgeStatus)
			return
		}
		io.WriteString(w, `{}`)
	case r.Method == http.MethodGet && r.URL.Path == "/api/v1/funding":
		io.WriteString(w, `{"symbol":"BTC-PERP","rate":"0.0001","next_funding_time":1700003600000}`)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeExchange) last() (*http.Request, map[string]any) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.requests[len(f.requests)-1], f.bodies[len(f.bodies)-1]
}

func (f *fakeExchange) setHedgeStatus(code int) {
	f.mu.Lock()
	f.hedgeStatus = code
	f.mu.Unlock()
}

func (f *fakeExchange) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.requests)
}

func newFakeVenue(t *testing.T, kind Kind, extra map[string]any) (*fakeExchange, Config) {
	t.Helper()
	fx := &fakeExchange{t: t}
	srv := httptest.NewServer(fx)
	t.Cleanup(srv.Close)
	if extra == nil {
		extra = map[string]any{}
	}
	extra["base_url"] = srv.URL
	return fx, Config{
		Kind:        kind,
		ID:          "test-" + string(kind),
		Credentials: map[string]string{"api_key": "key", "api_secret": "secret"},
		Extra:       extra,
	}
}

func TestSpotRequiresConnect(t *testing.T) {
	_, cfg := newFakeVenue(t, KindSpot, nil)
	a := NewSpot(cfg, discardLogger())
	ctx := context.Background()

	if _, err := a.FetchTicker(ctx, "BTC/USDT"); !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("FetchTicker before connect: %v", err)
	}
	if _, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Amount: 1}); !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("PlaceOrder before connect: %v", err)
	}
	if err := a.CancelOrder(ctx, "x", ""); !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("CancelOrder before connect: %v", err)
	}
}

func TestSpotConnectLoadsMarketsIdempotently(t *testing.T) {
	fx, cfg := newFakeVenue(t, KindSpot, nil)
	a := NewSpot(cfg, discardLogger())
	ctx := context.Background()

	if err := a.Connect(ctx); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := a.Connect(ctx); err != nil {
		t.Fatalf("second Connect: %v", err)
	}
	if got := fx.count(); got != 1 {
		t.Fatalf("markets loaded %d times, want 1", got)
	}
	if _, ok := a.Markets()["BTC/USDT"]; !ok {
		t.Fatal("BTC/USDT market not loaded")
	}

	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect: %v", err)
	}
	if err := a.Disconnect(ctx); err != nil {
		t.Fatalf("second Disconnect: %v", err)
	}
	if _, err := a.FetchBalances(ctx); !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("FetchBalances after disconnect: %v", err)
	}
}

func TestSpotTickerAndBalances(t *testing.T) {
	_, cfg := newFakeVenue(t, KindSpot, nil)
	a := NewSpot(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	q, err := a.FetchTicker(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if !q.Valid() || *q.Bid != 100.5 || *q.Ask != 101 || q.TimestampMs != 1700000000000 {
		t.Fatalf("unexpected quote %+v", q)
	}

	q, err = a.FetchTicker(ctx, "ETH/USDT")
	if err != nil {
		t.Fatalf("FetchTicker ETH: %v", err)
	}
	if q.Bid != nil || q.Last != nil || q.Ask == nil {
		t.Fatalf("null fields not preserved: %+v", q)
	}

	bal, err := a.FetchBalances(ctx)
	if err != nil {
		t.Fatalf("FetchBalances: %v", err)
	}
	if bal["BTC"] != 1.25 || bal["USDT"] != 5000 {
		t.Fatalf("balances = %v", bal)
	}

	open, err := a.FetchOpenOrders(ctx, "BTC/USDT")
	if err != nil {
		t.Fatalf("FetchOpenOrders: %v", err)
	}
	if len(open) != 1 || open[0].Status != domain.OrderStatusAccepted {
		t.Fatalf("open orders = %+v", open)
	}
}

func TestSpotPlaceOrderFormatsAmount(t *testing.T) {
	fx, cfg := newFakeVenue(t, KindSpot, nil)
	a := NewSpot(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	resp, err := a.PlaceOrder(ctx, domain.OrderRequest{
		Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Amount: 2.00049, Type: domain.OrderTypeMarket,
	})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.ID != "o-2" || resp.Status != domain.OrderStatusFilled || resp.Filled != 2 {
		t.Fatalf("unexpected response %+v", resp)
	}
	if resp.AvgFillPrice == nil || *resp.AvgFillPrice != 100.9 {
		t.Fatalf("avg fill price = %v", resp.AvgFillPrice)
	}

	req, body := fx.last()
	if req.URL.Query().Get("accountType") != "" {
		t.Fatal("spot order carried an account type")
	}
	if body["amount"] != "2" {
		t.Fatalf("amount = %v, want truncated to 3 dp", body["amount"])
	}
	if body["client_order_id"] == "" {
		t.Fatal("client order id not generated")
	}

	if _, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Amount: 0.0001}); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("below-minimum order: %v", err)
	}
	if _, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Amount: 1, Type: domain.OrderTypeLimit}); !errors.Is(err, domain.ErrInvalidOrder) {
		t.Fatalf("limit without price: %v", err)
	}
}

func TestSpotCancel(t *testing.T) {
	_, cfg := newFakeVenue(t, KindSpot, nil)
	a := NewSpot(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if err := a.CancelOrder(ctx, "o-2", "BTC/USDT"); err != nil {
		t.Fatalf("CancelOrder: %v", err)
	}
	if err := a.CancelOrder(ctx, "missing", "BTC/USDT"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("cancel unknown order: %v", err)
	}
}

func TestSpotHasNoLeverage(t *testing.T) {
	_, cfg := newFakeVenue(t, KindSpot, nil)
	a := NewSpot(cfg, discardLogger())
	if err := ChangeLeverage(context.Background(), a, "BTC/USDT", 3); !errors.Is(err, domain.ErrLeverageNotSupported) {
		t.Fatalf("ChangeLeverage on spot: %v", err)
	}
	if err := SetHedgeMode(context.Background(), a, true); !errors.Is(err, domain.ErrLeverageNotSupported) {
		t.Fatalf("SetHedgeMode on spot: %v", err)
	}
	if _, err := FetchFundingRate(context.Background(), a, "BTC/USDT"); !errors.Is(err, domain.ErrFundingNotSupported) {
		t.Fatalf("FetchFundingRate on spot: %v", err)
	}
}

func TestDerivativesForcesFuturesContext(t *testing.T) {
	fx, cfg := newFakeVenue(t, KindDerivatives, nil)
	a := NewDerivatives(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := a.FetchTicker(ctx, "BTC/USDT"); err != nil {
		t.Fatal(err)
	}
	if _, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideSell, Amount: 1}); err != nil {
		t.Fatal(err)
	}
	if err := ChangeLeverage(ctx, a, "BTC/USDT", 3); err != nil {
		t.Fatalf("ChangeLeverage: %v", err)
	}

	fx.mu.Lock()
	defer fx.mu.Unlock()
	for i, r := range fx.requests {
		if r.URL.Query().Get("accountType") != "futures" {
			t.Errorf("request %d %s %s missing futures context", i, r.Method, r.URL.Path)
		}
		if r.Method == http.MethodPost && fx.bodies[i]["account_type"] != "futures" {
			t.Errorf("request %d body missing account_type", i)
		}
	}
}

func TestDerivativesHedgeModeSoftFails(t *testing.T) {
	fx, cfg := newFakeVenue(t, KindDerivatives, nil)
	a := NewDerivatives(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}

	if err := a.SetHedgeMode(ctx, true); err != nil {
		t.Fatalf("SetHedgeMode: %v", err)
	}
	fx.setHedgeStatus(http.StatusNotImplemented)
	if err := a.SetHedgeMode(ctx, true); err != nil {
		t.Fatalf("unsupported hedge mode should not fail: %v", err)
	}
	fx.setHedgeStatus(http.StatusUnauthorized)
	if err := a.SetHedgeMode(ctx, true); err == nil {
		t.Fatal("auth failure should surface")
	}
}

func TestDerivativesFundingRate(t *testing.T) {
	_, cfg := newFakeVenue(t, KindDerivatives, nil)
	a := NewDerivatives(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	fr, err := FetchFundingRate(ctx, a, "BTC-PERP")
	if err != nil {
		t.Fatalf("FetchFundingRate: %v", err)
	}
	if fr.Rate != 0.0001 || fr.NextFundingTime.UnixMilli() != 1700003600000 {
		t.Fatalf("funding = %+v", fr)
	}
}

func TestPrimeCarriesDeskAndSettlement(t *testing.T) {
	fx, cfg := newFakeVenue(t, KindPrime, map[string]any{"desk_id": "desk-7", "settlement_account": "SA-1"})
	a := NewPrime(cfg, discardLogger())
	ctx := context.Background()
	if err := a.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	resp, err := a.PlaceOrder(ctx, domain.OrderRequest{Symbol: "BTC/USDT", Side: domain.OrderSideBuy, Amount: 1})
	if err != nil {
		t.Fatalf("PlaceOrder: %v", err)
	}
	if resp.Status != domain.OrderStatusFilled {
		t.Fatalf("status = %s", resp.Status)
	}
	req, body := fx.last()
	if body["desk_id"] != "desk-7" || body["settlement_account"] != "SA-1" {
		t.Fatalf("order body = %v", body)
	}
	if req.Header.Get("X-DESK-ID") != "desk-7" {
		t.Fatalf("desk header = %q", req.Header.Get("X-DESK-ID"))
	}
	if !strings.HasPrefix(req.Header.Get(crypto.HeaderTimestamp), "1") {
		t.Fatal("request not signed with a timestamp")
	}
}

func TestMapStatus(t *testing.T) {
	cases := map[string]domain.OrderStatus{
		"new":              domain.OrderStatusAccepted,
		"open":             domain.OrderStatusAccepted,
		"closed":           domain.OrderStatusFilled,
		"FILLED":           domain.OrderStatusFilled,
		"partially_filled": domain.OrderStatusPartiallyFilled,
		"canceled":         domain.OrderStatusCancelled,
		"expired":          domain.OrderStatusRejected,
	}
	for in, want := range cases {
		if got := mapStatus(in); got != want {
			t.Errorf("mapStatus(%q) = %s, want %s", in, got, want)
		}
	}
}
