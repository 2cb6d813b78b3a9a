package venue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbexec/internal/crypto"
	"github.com/alanyoungcy/arbexec/internal/domain"
)

// StatusError is returned when a venue answers with a non-2xx status.
type StatusError struct {
	Method string
	Path   string
	Code   int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: status %d: %s", e.Method, e.Path, e.Code, e.Body)
}

// restClient is the signed HTTP transport shared by the REST-style adapters.
type restClient struct {
	http *resty.Client
	auth *crypto.HMACAuth
}

func newRESTClient(baseURL string, auth *crypto.HMACAuth, timeout time.Duration) *restClient {
	c := resty.New().
		SetBaseURL(strings.TrimSuffix(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(2).
		SetRetryWaitTime(200 * time.Millisecond).
		SetRetryMaxWaitTime(2 * time.Second).
		// Only reads are retried; a retried POST could double an order.
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if r == nil || r.Request == nil || r.Request.Method != http.MethodGet {
				return false
			}
			return err != nil || r.StatusCode() == http.StatusTooManyRequests || r.StatusCode() >= 500
		})
	c.SetHeader("Accept", "application/json")
	return &restClient{http: c, auth: auth}
}

// do sends a signed request. The signature covers the path including its
// query string and the exact JSON body.
func (c *restClient) do(ctx context.Context, method, path string, query url.Values, body any, out any) error {
	target := path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var payload []byte
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode body: %w", err)
		}
		payload = b
	}

	req := c.http.R().SetContext(ctx)
	if c.auth != nil {
		req.SetHeaders(c.auth.Headers(method, target, string(payload)))
	}
	if payload != nil {
		req.SetHeader("Content-Type", "application/json").SetBody(payload)
	}

	resp, err := req.Execute(method, target)
	if err != nil {
		return err
	}
	if resp.IsError() {
		return &StatusError{Method: method, Path: path, Code: resp.StatusCode(), Body: strings.TrimSpace(resp.String())}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode %s: %w", path, err)
		}
	}
	return nil
}

// Market is the trading metadata a REST venue publishes for one symbol.
type Market struct {
	Symbol          string          `json:"symbol"`
	Base            string          `json:"base"`
	Quote           string          `json:"quote"`
	MinAmount       decimal.Decimal `json:"min_amount"`
	AmountPrecision int32           `json:"amount_precision"`
	PricePrecision  int32           `json:"price_precision"`
}

type wireTicker struct {
	Symbol    string           `json:"symbol"`
	Bid       *decimal.Decimal `json:"bid"`
	Ask       *decimal.Decimal `json:"ask"`
	Last      *decimal.Decimal `json:"last"`
	Timestamp int64            `json:"timestamp"`
}

type wireOrder struct {
	ID        string           `json:"id"`
	Status    string           `json:"status"`
	Filled    decimal.Decimal  `json:"filled"`
	Remaining decimal.Decimal  `json:"remaining"`
	AvgPrice  *decimal.Decimal `json:"avg_price"`
}

func (w wireOrder) toDomain(raw map[string]any) domain.OrderResponse {
	return domain.OrderResponse{
		ID:           w.ID,
		Status:       mapStatus(w.Status),
		Filled:       w.Filled.InexactFloat64(),
		Remaining:    w.Remaining.InexactFloat64(),
		AvgFillPrice: decPtr(w.AvgPrice),
		Raw:          raw,
	}
}

// mapStatus normalizes the status vocabularies venues use.
func mapStatus(s string) domain.OrderStatus {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "filled", "closed", "done":
		return domain.OrderStatusFilled
	case "partially_filled", "partial", "partiallyfilled":
		return domain.OrderStatusPartiallyFilled
	case "rejected", "expired", "failed":
		return domain.OrderStatusRejected
	case "canceled", "cancelled":
		return domain.OrderStatusCancelled
	default:
		return domain.OrderStatusAccepted
	}
}

func decPtr(d *decimal.Decimal) *float64 {
	if d == nil {
		return nil
	}
	return domain.Float(d.InexactFloat64())
}

// RESTAdapter is the spot REST exchange adapter. The derivatives and prime
// adapters reuse it with a different account context and extra order fields.
type RESTAdapter struct {
	id     string
	kind   Kind
	client *restClient
	logger *slog.Logger

	// accountType is sent on every call when set.
	accountType string
	// orderFields are merged into every order body.
	orderFields map[string]any

	mu        sync.RWMutex
	connected bool
	markets   map[string]Market
}

// NewSpot builds a spot REST adapter.
func NewSpot(cfg Config, logger *slog.Logger) *RESTAdapter {
	return newRESTAdapter(cfg, KindSpot, logger)
}

func newRESTAdapter(cfg Config, kind Kind, logger *slog.Logger) *RESTAdapter {
	auth := &crypto.HMACAuth{
		Key:        cfg.Credentials["api_key"],
		Secret:     cfg.Credentials["api_secret"],
		Passphrase: cfg.Credentials["passphrase"],
	}
	return &RESTAdapter{
		id:     cfg.ID,
		kind:   kind,
		client: newRESTClient(cfg.String("base_url"), auth, cfg.Duration("timeout", 10*time.Second)),
		logger: logger.With(slog.String("component", "venue"), slog.String("kind", string(kind))),
	}
}

func (a *RESTAdapter) ID() string { return a.id }
func (a *RESTAdapter) Kind() Kind { return a.kind }

// Connect loads market metadata. A second call is a no-op.
func (a *RESTAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.connected {
		return nil
	}
	var resp struct {
		Markets []Market `json:"markets"`
	}
	if err := a.client.do(ctx, http.MethodGet, "/api/v1/markets", a.query(nil), nil, &resp); err != nil {
		return fmt.Errorf("venue %s: load markets: %w", a.id, err)
	}
	a.markets = make(map[string]Market, len(resp.Markets))
	for _, m := range resp.Markets {
		a.markets[m.Symbol] = m
	}
	a.connected = true
	a.logger.InfoContext(ctx, "venue connected", slog.Int("markets", len(a.markets)))
	return nil
}

// Disconnect drops session state. Idle HTTP connections are closed.
func (a *RESTAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return nil
	}
	a.connected = false
	a.markets = nil
	a.client.http.GetClient().CloseIdleConnections()
	a.logger.InfoContext(ctx, "venue disconnected")
	return nil
}

// Markets returns a copy of the loaded market metadata.
func (a *RESTAdapter) Markets() map[string]Market {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]Market, len(a.markets))
	for k, v := range a.markets {
		out[k] = v
	}
	return out
}

func (a *RESTAdapter) ensureConnected() error {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if !a.connected {
		return fmt.Errorf("venue %s: %w", a.id, domain.ErrAdapterNotConnected)
	}
	return nil
}

func (a *RESTAdapter) query(q url.Values) url.Values {
	if a.accountType == "" {
		return q
	}
	if q == nil {
		q = url.Values{}
	}
	q.Set("accountType", a.accountType)
	return q
}

func (a *RESTAdapter) FetchBalances(ctx context.Context) (map[string]float64, error) {
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	var resp struct {
		Balances []struct {
			Asset string          `json:"asset"`
			Free  decimal.Decimal `json:"free"`
		} `json:"balances"`
	}
	if err := a.client.do(ctx, http.MethodGet, "/api/v1/balances", a.query(nil), nil, &resp); err != nil {
		return nil, fmt.Errorf("venue %s: fetch balances: %w", a.id, err)
	}
	out := make(map[string]float64, len(resp.Balances))
	for _, b := range resp.Balances {
		out[b.Asset] = b.Free.InexactFloat64()
	}
	return out, nil
}

func (a *RESTAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error) {
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	var resp struct {
		Orders []wireOrder `json:"orders"`
	}
	if err := a.client.do(ctx, http.MethodGet, "/api/v1/orders/open", a.query(q), nil, &resp); err != nil {
		return nil, fmt.Errorf("venue %s: fetch open orders: %w", a.id, err)
	}
	out := make([]domain.OrderResponse, 0, len(resp.Orders))
	for _, o := range resp.Orders {
		out = append(out, o.toDomain(nil))
	}
	return out, nil
}

func (a *RESTAdapter) FetchTicker(ctx context.Context, symbol string) (domain.QuoteTick, error) {
	if err := a.ensureConnected(); err != nil {
		return domain.QuoteTick{}, err
	}
	var t wireTicker
	q := url.Values{"symbol": {symbol}}
	if err := a.client.do(ctx, http.MethodGet, "/api/v1/ticker", a.query(q), nil, &t); err != nil {
		return domain.QuoteTick{}, fmt.Errorf("venue %s: fetch ticker %s: %w", a.id, symbol, err)
	}
	ts := t.Timestamp
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return domain.QuoteTick{
		Symbol:      symbol,
		Bid:         decPtr(t.Bid),
		Ask:         decPtr(t.Ask),
		Last:        decPtr(t.Last),
		TimestampMs: ts,
	}, nil
}

func (a *RESTAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	if err := a.ensureConnected(); err != nil {
		return domain.OrderResponse{}, err
	}
	body, err := a.orderBody(req)
	if err != nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: place order: %w", a.id, err)
	}

	var raw map[string]any
	if err := a.client.do(ctx, http.MethodPost, "/api/v1/orders", a.query(nil), body, &raw); err != nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: place order: %w", a.id, err)
	}
	var w wireOrder
	if b, err := json.Marshal(raw); err == nil {
		_ = json.Unmarshal(b, &w)
	}
	if w.ID == "" {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: place order: response missing id", a.id)
	}
	resp := w.toDomain(raw)
	a.logger.InfoContext(ctx, "order placed",
		slog.String("symbol", req.Symbol),
		slog.String("side", string(req.Side)),
		slog.String("order_id", resp.ID),
		slog.String("status", string(resp.Status)),
	)
	return resp, nil
}

func (a *RESTAdapter) orderBody(req domain.OrderRequest) (map[string]any, error) {
	if req.Amount <= 0 {
		return nil, fmt.Errorf("%w: amount must be positive", domain.ErrInvalidOrder)
	}
	typ := req.Type
	if typ == "" {
		typ = domain.OrderTypeMarket
	}
	if typ != domain.OrderTypeMarket && req.Price == nil {
		return nil, fmt.Errorf("%w: %s order requires a price", domain.ErrInvalidOrder, typ)
	}

	a.mu.RLock()
	m, known := a.markets[req.Symbol]
	a.mu.RUnlock()

	amount := decimal.NewFromFloat(req.Amount)
	if known && m.AmountPrecision > 0 {
		amount = amount.Truncate(m.AmountPrecision)
	}
	if known && m.MinAmount.IsPositive() && amount.LessThan(m.MinAmount) {
		return nil, fmt.Errorf("%w: amount %s below venue minimum %s", domain.ErrInvalidOrder, amount, m.MinAmount)
	}

	clientID := req.ClientOrderID
	if clientID == "" {
		clientID = uuid.NewString()
	}
	body := map[string]any{
		"symbol":          req.Symbol,
		"side":            string(req.Side),
		"type":            string(typ),
		"amount":          amount.String(),
		"client_order_id": clientID,
	}
	if req.Price != nil {
		p := decimal.NewFromFloat(*req.Price)
		if known && m.PricePrecision > 0 {
			p = p.Round(m.PricePrecision)
		}
		body["price"] = p.String()
	}
	if req.TimeInForce != "" {
		body["time_in_force"] = req.TimeInForce
	}
	if req.Leverage != nil {
		body["leverage"] = decimal.NewFromFloat(*req.Leverage).String()
	}
	if a.accountType != "" {
		body["account_type"] = a.accountType
	}
	for k, v := range a.orderFields {
		body[k] = v
	}
	return body, nil
}

func (a *RESTAdapter) CancelOrder(ctx context.Context, id, symbol string) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	q := url.Values{}
	if symbol != "" {
		q.Set("symbol", symbol)
	}
	err := a.client.do(ctx, http.MethodDelete, "/api/v1/orders/"+url.PathEscape(id), a.query(q), nil, nil)
	if err != nil {
		var se *StatusError
		if errors.As(err, &se) && se.Code == http.StatusNotFound {
			return fmt.Errorf("venue %s: cancel %s: %w", a.id, id, domain.ErrNotFound)
		}
		return fmt.Errorf("venue %s: cancel %s: %w", a.id, id, err)
	}
	return nil
}
