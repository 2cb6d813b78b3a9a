package venue

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// Session message types. The session speaks newline-delimited JSON using
// FIX message-type codes; it is not tag=value FIX.
const (
	msgHeartbeat          = "0"
	msgTestRequest        = "1"
	msgLogout             = "5"
	msgExecutionReport    = "8"
	msgOrderCancelReject  = "9"
	msgLogon              = "A"
	msgNewOrderSingle     = "D"
	msgOrderCancelRequest = "F"
	msgMarketDataRequest  = "V"
	msgMarketDataSnapshot = "W"
)

const logonKey = "logon"

type fixMessage struct {
	MsgType      string `json:"msg_type"`
	SeqNum       uint64 `json:"seq_num"`
	SenderCompID string `json:"sender_comp_id,omitempty"`
	TargetCompID string `json:"target_comp_id,omitempty"`
	SendingTime  int64  `json:"sending_time,omitempty"`

	HeartBtInt  int    `json:"heart_bt_int,omitempty"`
	Password    string `json:"password,omitempty"`
	TestReqID   string `json:"test_req_id,omitempty"`
	ClOrdID     string `json:"cl_ord_id,omitempty"`
	OrigClOrdID string `json:"orig_cl_ord_id,omitempty"`
	OrderID     string `json:"order_id,omitempty"`
	Symbol      string `json:"symbol,omitempty"`
	Side        string `json:"side,omitempty"`
	OrdType     string `json:"ord_type,omitempty"`
	TimeInForce string `json:"time_in_force,omitempty"`
	OrderQty    string `json:"order_qty,omitempty"`
	Price       string `json:"price,omitempty"`
	OrdStatus   string `json:"ord_status,omitempty"`
	CumQty      string `json:"cum_qty,omitempty"`
	LeavesQty   string `json:"leaves_qty,omitempty"`
	AvgPx       string `json:"avg_px,omitempty"`
	MDReqID     string `json:"md_req_id,omitempty"`
	Bid         string `json:"bid,omitempty"`
	Ask         string `json:"ask,omitempty"`
	Last        string `json:"last,omitempty"`
	Text        string `json:"text,omitempty"`
}

func (m fixMessage) toResponse(id string) domain.OrderResponse {
	return domain.OrderResponse{
		ID:           id,
		Status:       fixStatus(m.OrdStatus),
		Filled:       parseDec(m.CumQty).InexactFloat64(),
		Remaining:    parseDec(m.LeavesQty).InexactFloat64(),
		AvgFillPrice: optDec(m.AvgPx),
		Raw: map[string]any{
			"order_id":   m.OrderID,
			"symbol":     m.Symbol,
			"ord_status": m.OrdStatus,
			"seq_num":    m.SeqNum,
			"text":       m.Text,
		},
	}
}

func fixStatus(s string) domain.OrderStatus {
	switch s {
	case "1":
		return domain.OrderStatusPartiallyFilled
	case "2":
		return domain.OrderStatusFilled
	case "4":
		return domain.OrderStatusCancelled
	case "8", "C":
		return domain.OrderStatusRejected
	default:
		return domain.OrderStatusAccepted
	}
}

func parseDec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero
	}
	return d
}

func optDec(s string) *float64 {
	if s == "" {
		return nil
	}
	d, err := decimal.NewFromString(s)
	if err != nil || !d.IsPositive() {
		return nil
	}
	return domain.Float(d.InexactFloat64())
}

// FIXAdapter runs a FIX-style session over a raw TCP stream. After logon a
// heartbeat fires every heartbeat interval. When the socket closes the
// heartbeat stops and the session is logged off; reconnecting is the caller's
// job via Connect.
type FIXAdapter struct {
	id           string
	addr         string
	sender       string
	target       string
	password     string
	heartbeat    time.Duration
	replyTimeout time.Duration
	logger       *slog.Logger
	dialer       net.Dialer

	seq atomic.Uint64

	connectMu sync.Mutex
	writeMu   sync.Mutex

	mu        sync.Mutex
	conn      net.Conn
	connected bool
	loggedOn  bool
	hbStop    chan struct{}
	done      chan struct{}
	waiters   map[string]chan fixMessage
	open      map[string]domain.OrderResponse
}

// NewFIX builds a FIX-style session adapter.
func NewFIX(cfg Config, logger *slog.Logger) *FIXAdapter {
	return &FIXAdapter{
		id:           cfg.ID,
		addr:         cfg.String("address"),
		sender:       cfg.Credentials["sender_comp_id"],
		target:       cfg.Credentials["target_comp_id"],
		password:     cfg.Credentials["password"],
		heartbeat:    cfg.Duration("heartbeat_interval", 30*time.Second),
		replyTimeout: cfg.Duration("reply_timeout", 10*time.Second),
		logger:       logger.With(slog.String("component", "venue"), slog.String("kind", string(KindFIX))),
		open:         make(map[string]domain.OrderResponse),
	}
}

func (a *FIXAdapter) ID() string { return a.id }
func (a *FIXAdapter) Kind() Kind { return KindFIX }

// Connect dials the counterparty and logs on.
func (a *FIXAdapter) Connect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	a.mu.Unlock()

	conn, err := a.dialer.DialContext(ctx, "tcp", a.addr)
	if err != nil {
		return fmt.Errorf("venue %s: dial %s: %w", a.id, a.addr, err)
	}

	done := make(chan struct{})
	a.mu.Lock()
	a.conn = conn
	a.connected = true
	a.loggedOn = false
	a.done = done
	a.waiters = make(map[string]chan fixMessage)
	a.mu.Unlock()
	a.seq.Store(0)

	go a.readLoop(conn, done)

	if err := a.logon(ctx); err != nil {
		_ = conn.Close()
		<-done
		return fmt.Errorf("venue %s: %w", a.id, err)
	}
	a.logger.InfoContext(ctx, "fix session logged on", slog.String("addr", a.addr))
	return nil
}

// Disconnect sends a logout and closes the socket.
func (a *FIXAdapter) Disconnect(ctx context.Context) error {
	a.connectMu.Lock()
	defer a.connectMu.Unlock()

	a.mu.Lock()
	if !a.connected {
		a.mu.Unlock()
		return nil
	}
	conn, done := a.conn, a.done
	a.mu.Unlock()

	if err := a.send(fixMessage{MsgType: msgLogout}); err != nil {
		a.logger.DebugContext(ctx, "logout not sent", slog.String("error", err.Error()))
	}
	_ = conn.Close()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

// LoggedOn reports the session state.
func (a *FIXAdapter) LoggedOn() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.loggedOn
}

// HeartbeatRunning reports whether the heartbeat timer is active.
func (a *FIXAdapter) HeartbeatRunning() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.hbStop != nil
}

// SeqNum returns the last sequence number sent in this session.
func (a *FIXAdapter) SeqNum() uint64 {
	return a.seq.Load()
}

func (a *FIXAdapter) ensureConnected() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.connected {
		return fmt.Errorf("venue %s: %w", a.id, domain.ErrAdapterNotConnected)
	}
	return nil
}

func (a *FIXAdapter) ensureLoggedOn(ctx context.Context) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	if a.LoggedOn() {
		return nil
	}
	a.logger.InfoContext(ctx, "session logged off, re-sending logon")
	if err := a.logon(ctx); err != nil {
		return fmt.Errorf("venue %s: %w", a.id, err)
	}
	return nil
}

func (a *FIXAdapter) logon(ctx context.Context) error {
	ch := a.register(logonKey)
	defer a.unregister(logonKey)

	err := a.send(fixMessage{
		MsgType:    msgLogon,
		HeartBtInt: int(a.heartbeat / time.Second),
		Password:   a.password,
	})
	if err != nil {
		return fmt.Errorf("logon: %w", err)
	}
	reply, err := a.await(ctx, ch)
	if err != nil {
		return fmt.Errorf("logon: %w", err)
	}
	if reply.MsgType != msgLogon {
		return fmt.Errorf("logon rejected: %s", reply.Text)
	}

	a.mu.Lock()
	a.loggedOn = true
	a.startHeartbeatLocked()
	a.mu.Unlock()
	return nil
}

func (a *FIXAdapter) startHeartbeatLocked() {
	if a.hbStop != nil || a.heartbeat <= 0 {
		return
	}
	stop := make(chan struct{})
	a.hbStop = stop
	go func() {
		t := time.NewTicker(a.heartbeat)
		defer t.Stop()
		for {
			select {
			case <-stop:
				return
			case <-t.C:
				if err := a.send(fixMessage{MsgType: msgHeartbeat}); err != nil {
					a.logger.Warn("heartbeat failed", slog.String("error", err.Error()))
				}
			}
		}
	}()
}

func (a *FIXAdapter) stopHeartbeatLocked() {
	if a.hbStop != nil {
		close(a.hbStop)
		a.hbStop = nil
	}
}

// send stamps the header and writes one line to the socket.
func (a *FIXAdapter) send(m fixMessage) error {
	a.mu.Lock()
	conn, connected := a.conn, a.connected
	a.mu.Unlock()
	if !connected {
		return domain.ErrAdapterNotConnected
	}

	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	m.SeqNum = a.seq.Add(1)
	m.SenderCompID = a.sender
	m.TargetCompID = a.target
	m.SendingTime = time.Now().UnixMilli()
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	_, err = conn.Write(append(b, '\n'))
	return err
}

func (a *FIXAdapter) register(key string) chan fixMessage {
	ch := make(chan fixMessage, 1)
	a.mu.Lock()
	if a.waiters != nil {
		a.waiters[key] = ch
	}
	a.mu.Unlock()
	return ch
}

func (a *FIXAdapter) unregister(key string) {
	a.mu.Lock()
	delete(a.waiters, key)
	a.mu.Unlock()
}

func (a *FIXAdapter) deliver(key string, m fixMessage) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if ch, ok := a.waiters[key]; ok {
		select {
		case ch <- m:
		default:
		}
	}
}

func (a *FIXAdapter) await(ctx context.Context, ch chan fixMessage) (fixMessage, error) {
	t := time.NewTimer(a.replyTimeout)
	defer t.Stop()
	select {
	case m, ok := <-ch:
		if !ok {
			return fixMessage{}, domain.ErrSessionClosed
		}
		return m, nil
	case <-t.C:
		return fixMessage{}, fmt.Errorf("no reply within %s", a.replyTimeout)
	case <-ctx.Done():
		return fixMessage{}, ctx.Err()
	}
}

func (a *FIXAdapter) readLoop(conn net.Conn, done chan struct{}) {
	defer close(done)
	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		var m fixMessage
		if err := json.Unmarshal(sc.Bytes(), &m); err != nil {
			a.logger.Warn("dropping malformed session message", slog.String("error", err.Error()))
			continue
		}
		a.handle(m)
	}
	a.onClose(conn, sc.Err())
}

func (a *FIXAdapter) handle(m fixMessage) {
	switch m.MsgType {
	case msgHeartbeat:
	case msgTestRequest:
		if err := a.send(fixMessage{MsgType: msgHeartbeat, TestReqID: m.TestReqID}); err != nil {
			a.logger.Warn("test request reply failed", slog.String("error", err.Error()))
		}
	case msgLogon:
		a.deliver(logonKey, m)
	case msgLogout:
		a.mu.Lock()
		a.loggedOn = false
		a.stopHeartbeatLocked()
		a.mu.Unlock()
		a.logger.Info("counterparty logged out", slog.String("text", m.Text))
		a.deliver(logonKey, m)
	case msgExecutionReport:
		key := m.ClOrdID
		if m.OrigClOrdID != "" {
			key = m.OrigClOrdID
		}
		resp := m.toResponse(key)
		a.mu.Lock()
		if resp.Status.Terminal() {
			delete(a.open, key)
		} else {
			a.open[key] = resp
		}
		a.mu.Unlock()
		a.deliver(m.ClOrdID, m)
	case msgOrderCancelReject:
		a.deliver(m.ClOrdID, m)
	case msgMarketDataSnapshot:
		a.deliver(m.MDReqID, m)
	default:
		a.logger.Debug("ignoring session message", slog.String("msg_type", m.MsgType))
	}
}

func (a *FIXAdapter) onClose(conn net.Conn, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.conn != conn {
		return
	}
	a.stopHeartbeatLocked()
	a.loggedOn = false
	a.connected = false
	_ = conn.Close()
	for k, ch := range a.waiters {
		close(ch)
		delete(a.waiters, k)
	}
	attrs := []any{slog.String("addr", a.addr)}
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	a.logger.Info("fix session closed", attrs...)
}

// FetchBalances returns an empty map; the session protocol carries no
// account data.
func (a *FIXAdapter) FetchBalances(ctx context.Context) (map[string]float64, error) {
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	return map[string]float64{}, nil
}

// FetchOpenOrders returns the orders whose last execution report was not
// terminal.
func (a *FIXAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error) {
	if err := a.ensureConnected(); err != nil {
		return nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]domain.OrderResponse, 0, len(a.open))
	for _, o := range a.open {
		if symbol != "" {
			if s, _ := o.Raw["symbol"].(string); s != "" && s != symbol {
				continue
			}
		}
		out = append(out, o)
	}
	return out, nil
}

func (a *FIXAdapter) FetchTicker(ctx context.Context, symbol string) (domain.QuoteTick, error) {
	if err := a.ensureLoggedOn(ctx); err != nil {
		return domain.QuoteTick{}, err
	}
	reqID := uuid.NewString()
	ch := a.register(reqID)
	defer a.unregister(reqID)

	if err := a.send(fixMessage{MsgType: msgMarketDataRequest, MDReqID: reqID, Symbol: symbol}); err != nil {
		return domain.QuoteTick{}, fmt.Errorf("venue %s: market data request: %w", a.id, err)
	}
	m, err := a.await(ctx, ch)
	if err != nil {
		return domain.QuoteTick{}, fmt.Errorf("venue %s: market data %s: %w", a.id, symbol, err)
	}
	ts := m.SendingTime
	if ts == 0 {
		ts = time.Now().UnixMilli()
	}
	return domain.QuoteTick{
		Symbol:      symbol,
		Bid:         optDec(m.Bid),
		Ask:         optDec(m.Ask),
		Last:        optDec(m.Last),
		TimestampMs: ts,
	}, nil
}

func (a *FIXAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	if err := a.ensureLoggedOn(ctx); err != nil {
		return domain.OrderResponse{}, err
	}
	if req.Amount <= 0 {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: %w: amount must be positive", a.id, domain.ErrInvalidOrder)
	}

	clOrdID := req.ClientOrderID
	if clOrdID == "" {
		clOrdID = uuid.NewString()
	}
	msg := fixMessage{
		MsgType:     msgNewOrderSingle,
		ClOrdID:     clOrdID,
		Symbol:      req.Symbol,
		Side:        fixSide(req.Side),
		OrdType:     fixOrdType(req.Type),
		TimeInForce: req.TimeInForce,
		OrderQty:    decimal.NewFromFloat(req.Amount).String(),
	}
	if req.Price != nil {
		msg.Price = decimal.NewFromFloat(*req.Price).String()
	}

	ch := a.register(clOrdID)
	defer a.unregister(clOrdID)
	if err := a.send(msg); err != nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: new order: %w", a.id, err)
	}
	reply, err := a.await(ctx, ch)
	if err != nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: new order %s: %w", a.id, clOrdID, err)
	}
	resp := reply.toResponse(clOrdID)
	resp.Raw["symbol"] = req.Symbol
	if resp.Status == domain.OrderStatusRejected {
		return resp, fmt.Errorf("venue %s: order %s rejected: %s", a.id, clOrdID, reply.Text)
	}
	a.mu.Lock()
	if !resp.Status.Terminal() {
		a.open[clOrdID] = resp
	}
	a.mu.Unlock()
	return resp, nil
}

func (a *FIXAdapter) CancelOrder(ctx context.Context, id, symbol string) error {
	if err := a.ensureLoggedOn(ctx); err != nil {
		return err
	}
	cxlID := "cxl-" + uuid.NewString()
	ch := a.register(cxlID)
	defer a.unregister(cxlID)

	if err := a.send(fixMessage{MsgType: msgOrderCancelRequest, ClOrdID: cxlID, OrigClOrdID: id, Symbol: symbol}); err != nil {
		return fmt.Errorf("venue %s: cancel %s: %w", a.id, id, err)
	}
	reply, err := a.await(ctx, ch)
	if err != nil {
		return fmt.Errorf("venue %s: cancel %s: %w", a.id, id, err)
	}
	if reply.MsgType == msgOrderCancelReject {
		return fmt.Errorf("venue %s: cancel %s rejected: %s", a.id, id, reply.Text)
	}
	if fixStatus(reply.OrdStatus) != domain.OrderStatusCancelled {
		return fmt.Errorf("venue %s: cancel %s: unexpected status %q", a.id, id, reply.OrdStatus)
	}
	return nil
}

func fixSide(s domain.OrderSide) string {
	if s == domain.OrderSideSell {
		return "2"
	}
	return "1"
}

func fixOrdType(t domain.OrderType) string {
	switch t {
	case domain.OrderTypeLimit, domain.OrderTypePostOnly:
		return "2"
	default:
		return "1"
	}
}
