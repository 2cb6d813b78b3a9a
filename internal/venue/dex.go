package venue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbexec/internal/crypto"
	"github.com/alanyoungcy/arbexec/internal/domain"
)

// routerABI covers the UniswapV2-style router calls the adapter makes.
const routerABI = `[
 {"name":"getAmountsOut","type":"function","stateMutability":"view",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"path","type":"address[]"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"getAmountsIn","type":"function","stateMutability":"view",
  "inputs":[{"name":"amountOut","type":"uint256"},{"name":"path","type":"address[]"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapExactTokensForTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountIn","type":"uint256"},{"name":"amountOutMin","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]},
 {"name":"swapTokensForExactTokens","type":"function","stateMutability":"nonpayable",
  "inputs":[{"name":"amountOut","type":"uint256"},{"name":"amountInMax","type":"uint256"},{"name":"path","type":"address[]"},{"name":"to","type":"address"},{"name":"deadline","type":"uint256"}],
  "outputs":[{"name":"amounts","type":"uint256[]"}]}
]`

var parsedRouterABI = func() abi.ABI {
	a, err := abi.JSON(strings.NewReader(routerABI))
	if err != nil {
		panic(err)
	}
	return a
}()

type dexToken struct {
	Address  common.Address
	Decimals int32
}

// DEXAdapter trades through an on-chain router. Tickers are not priced
// on-chain, so FetchTicker always returns an empty quote.
type DEXAdapter struct {
	id             string
	rpcURL         string
	chainID        int64
	router         common.Address
	nativeSymbol   string
	tokens         map[string]dexToken
	slippageBps    int
	swapDeadline   time.Duration
	receiptTimeout time.Duration
	bridgeRoutes   []domain.BridgeRoute
	keySource      crypto.KeySource
	walletAddr     common.Address
	logger         *slog.Logger

	mu     sync.RWMutex
	client *ethclient.Client
	signer *crypto.TxSigner
}

// NewDEX builds a DEX router adapter. Keys are resolved on Connect.
func NewDEX(cfg Config, logger *slog.Logger) (*DEXAdapter, error) {
	a := &DEXAdapter{
		id:             cfg.ID,
		rpcURL:         cfg.String("rpc_url"),
		chainID:        cfg.Int("chain_id", 0),
		router:         common.HexToAddress(cfg.String("router_address")),
		nativeSymbol:   cfg.String("native_symbol"),
		tokens:         make(map[string]dexToken),
		slippageBps:    int(cfg.Int("slippage_bps", 50)),
		swapDeadline:   cfg.Duration("swap_deadline", 5*time.Minute),
		receiptTimeout: cfg.Duration("receipt_timeout", 2*time.Minute),
		keySource: crypto.KeySource{
			RawPrivateKey:    cfg.Credentials["private_key"],
			EncryptedKeyPath: cfg.Credentials["key_file"],
			KeyPassword:      cfg.Credentials["key_password"],
		},
		logger: logger.With(slog.String("component", "venue"), slog.String("kind", string(KindDEX))),
	}
	if a.nativeSymbol == "" {
		a.nativeSymbol = "ETH"
	}
	if w := cfg.String("wallet_address"); w != "" {
		a.walletAddr = common.HexToAddress(w)
	}
	if err := decodeExtra(cfg.Extra["tokens"], &a.tokens); err != nil {
		return nil, fmt.Errorf("venue %s: extra.tokens: %w", cfg.ID, err)
	}
	if err := decodeExtra(cfg.Extra["bridge_routes"], &a.bridgeRoutes); err != nil {
		return nil, fmt.Errorf("venue %s: extra.bridge_routes: %w", cfg.ID, err)
	}
	return a, nil
}

// decodeExtra round-trips a loosely typed extra value into out.
func decodeExtra(v any, out any) error {
	if v == nil {
		return nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

// UnmarshalJSON accepts {"address": "0x..", "decimals": 6}.
func (t *dexToken) UnmarshalJSON(b []byte) error {
	var raw struct {
		Address  string `json:"address"`
		Decimals *int32 `json:"decimals"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	if !common.IsHexAddress(raw.Address) {
		return fmt.Errorf("invalid token address %q", raw.Address)
	}
	t.Address = common.HexToAddress(raw.Address)
	t.Decimals = 18
	if raw.Decimals != nil {
		t.Decimals = *raw.Decimals
	}
	return nil
}

func (a *DEXAdapter) ID() string { return a.id }
func (a *DEXAdapter) Kind() Kind { return KindDEX }

// Connect dials the RPC endpoint, checks the chain id and loads the wallet
// key when one is configured.
func (a *DEXAdapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client != nil {
		return nil
	}
	client, err := ethclient.DialContext(ctx, a.rpcURL)
	if err != nil {
		return fmt.Errorf("venue %s: dial rpc: %w", a.id, err)
	}
	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return fmt.Errorf("venue %s: chain id: %w", a.id, err)
	}
	if chainID.Int64() != a.chainID {
		client.Close()
		return fmt.Errorf("venue %s: rpc reports chain %s, configured %d", a.id, chainID, a.chainID)
	}
	if !a.keySource.Empty() {
		hexKey, err := crypto.LoadKey(a.keySource)
		if err != nil {
			client.Close()
			return fmt.Errorf("venue %s: %w", a.id, err)
		}
		signer, err := crypto.NewTxSigner(hexKey, a.chainID)
		if err != nil {
			client.Close()
			return fmt.Errorf("venue %s: %w", a.id, err)
		}
		a.signer = signer
		a.walletAddr = signer.Address()
	}
	a.client = client
	a.logger.InfoContext(ctx, "venue connected",
		slog.Int64("chain_id", a.chainID),
		slog.String("wallet", a.walletAddr.Hex()),
		slog.Bool("can_sign", a.signer != nil),
	)
	return nil
}

func (a *DEXAdapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.client == nil {
		return nil
	}
	a.client.Close()
	a.client = nil
	a.signer = nil
	a.logger.InfoContext(ctx, "venue disconnected")
	return nil
}

func (a *DEXAdapter) conn() (*ethclient.Client, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.client == nil {
		return nil, fmt.Errorf("venue %s: %w", a.id, domain.ErrAdapterNotConnected)
	}
	return a.client, nil
}

// FetchBalances reports the wallet's native-token balance.
func (a *DEXAdapter) FetchBalances(ctx context.Context) (map[string]float64, error) {
	client, err := a.conn()
	if err != nil {
		return nil, err
	}
	wei, err := client.BalanceAt(ctx, a.walletAddr, nil)
	if err != nil {
		return nil, fmt.Errorf("venue %s: balance: %w", a.id, err)
	}
	return map[string]float64{
		a.nativeSymbol: decimal.NewFromBigInt(wei, -18).InexactFloat64(),
	}, nil
}

// FetchOpenOrders is always empty; swaps settle atomically.
func (a *DEXAdapter) FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error) {
	if _, err := a.conn(); err != nil {
		return nil, err
	}
	return []domain.OrderResponse{}, nil
}

// FetchTicker returns a quote with no prices. Opportunity scans therefore
// never select this venue.
func (a *DEXAdapter) FetchTicker(ctx context.Context, symbol string) (domain.QuoteTick, error) {
	if _, err := a.conn(); err != nil {
		return domain.QuoteTick{}, err
	}
	return domain.QuoteTick{Symbol: symbol, TimestampMs: time.Now().UnixMilli()}, nil
}

// PlaceOrder executes req as a router swap. Limit semantics cannot be
// expressed on-chain, so non-market orders are swapped at market.
func (a *DEXAdapter) PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error) {
	if _, err := a.conn(); err != nil {
		return domain.OrderResponse{}, err
	}
	if req.Type != "" && req.Type != domain.OrderTypeMarket {
		a.logger.WarnContext(ctx, "dex cannot rest limit orders, executing as swap",
			slog.String("symbol", req.Symbol),
			slog.String("type", string(req.Type)),
		)
	}
	q, err := a.EstimateSwap(ctx, req.Symbol, req.Side, req.Amount)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	return a.ExecuteSwap(ctx, q, a.slippageBps)
}

// CancelOrder always fails: a submitted swap cannot be withdrawn.
func (a *DEXAdapter) CancelOrder(ctx context.Context, id, symbol string) error {
	if _, err := a.conn(); err != nil {
		return err
	}
	return fmt.Errorf("venue %s: swap %s cannot be cancelled", a.id, id)
}

func (a *DEXAdapter) pair(symbol string) (base, quote dexToken, baseSym, quoteSym string, err error) {
	parts := strings.SplitN(symbol, "/", 2)
	if len(parts) != 2 {
		return base, quote, "", "", fmt.Errorf("venue %s: symbol %q is not BASE/QUOTE", a.id, symbol)
	}
	var ok bool
	if base, ok = a.tokens[parts[0]]; !ok {
		return base, quote, "", "", fmt.Errorf("venue %s: unknown token %s", a.id, parts[0])
	}
	if quote, ok = a.tokens[parts[1]]; !ok {
		return base, quote, "", "", fmt.Errorf("venue %s: unknown token %s", a.id, parts[1])
	}
	return base, quote, parts[0], parts[1], nil
}

// EstimateSwap quotes a buy (exact base out) or sell (exact base in) of
// amount base units.
func (a *DEXAdapter) EstimateSwap(ctx context.Context, symbol string, side domain.OrderSide, amount float64) (SwapQuote, error) {
	client, err := a.conn()
	if err != nil {
		return SwapQuote{}, err
	}
	if amount <= 0 {
		return SwapQuote{}, fmt.Errorf("venue %s: %w: amount must be positive", a.id, domain.ErrInvalidOrder)
	}
	base, quote, baseSym, quoteSym, err := a.pair(symbol)
	if err != nil {
		return SwapQuote{}, err
	}
	baseUnits := toUnits(amount, base.Decimals)

	q := SwapQuote{Symbol: symbol, Side: side}
	var method string
	var path []common.Address
	if side == domain.OrderSideBuy {
		method, path = "getAmountsIn", []common.Address{quote.Address, base.Address}
		q.TokenIn, q.TokenOut, q.ExactOut = quoteSym, baseSym, true
	} else {
		method, path = "getAmountsOut", []common.Address{base.Address, quote.Address}
		q.TokenIn, q.TokenOut = baseSym, quoteSym
	}

	amounts, err := a.callAmounts(ctx, client, method, baseUnits, path)
	if err != nil {
		return SwapQuote{}, err
	}
	if side == domain.OrderSideBuy {
		q.AmountIn = fromUnits(amounts[0], quote.Decimals)
		q.AmountOut = amount
	} else {
		q.AmountIn = amount
		q.AmountOut = fromUnits(amounts[len(amounts)-1], quote.Decimals)
	}
	for _, p := range path {
		q.Path = append(q.Path, p.Hex())
	}
	return q, nil
}

func (a *DEXAdapter) callAmounts(ctx context.Context, client *ethclient.Client, method string, amount *big.Int, path []common.Address) ([]*big.Int, error) {
	data, err := parsedRouterABI.Pack(method, amount, path)
	if err != nil {
		return nil, fmt.Errorf("venue %s: pack %s: %w", a.id, method, err)
	}
	out, err := client.CallContract(ctx, ethereum.CallMsg{To: &a.router, Data: data}, nil)
	if err != nil {
		return nil, fmt.Errorf("venue %s: %s: %w", a.id, method, err)
	}
	vals, err := parsedRouterABI.Unpack(method, out)
	if err != nil {
		return nil, fmt.Errorf("venue %s: unpack %s: %w", a.id, method, err)
	}
	amounts, ok := vals[0].([]*big.Int)
	if !ok || len(amounts) < 2 {
		return nil, fmt.Errorf("venue %s: %s returned %d amounts", a.id, method, len(amounts))
	}
	return amounts, nil
}

// ExecuteSwap signs and submits the swap, then waits for its receipt.
func (a *DEXAdapter) ExecuteSwap(ctx context.Context, q SwapQuote, slippageBps int) (domain.OrderResponse, error) {
	client, err := a.conn()
	if err != nil {
		return domain.OrderResponse{}, err
	}
	a.mu.RLock()
	signer := a.signer
	a.mu.RUnlock()
	if signer == nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: swap needs a signing key: %w", a.id, domain.ErrMissingCredentials)
	}

	tokIn, okIn := a.tokens[q.TokenIn]
	tokOut, okOut := a.tokens[q.TokenOut]
	if !okIn || !okOut {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: unknown swap tokens %s/%s", a.id, q.TokenIn, q.TokenOut)
	}
	path := []common.Address{tokIn.Address, tokOut.Address}
	deadline := big.NewInt(time.Now().Add(a.swapDeadline).Unix())
	slip := decimal.NewFromInt(int64(slippageBps)).Div(decimal.NewFromInt(10_000))

	var data []byte
	if q.ExactOut {
		maxIn := decimal.NewFromFloat(q.AmountIn).Mul(decimal.NewFromInt(1).Add(slip)).InexactFloat64()
		data, err = parsedRouterABI.Pack("swapTokensForExactTokens",
			toUnits(q.AmountOut, tokOut.Decimals), toUnits(maxIn, tokIn.Decimals), path, signer.Address(), deadline)
	} else {
		minOut := decimal.NewFromFloat(q.AmountOut).Mul(decimal.NewFromInt(1).Sub(slip)).InexactFloat64()
		data, err = parsedRouterABI.Pack("swapExactTokensForTokens",
			toUnits(q.AmountIn, tokIn.Decimals), toUnits(minOut, tokOut.Decimals), path, signer.Address(), deadline)
	}
	if err != nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: pack swap: %w", a.id, err)
	}

	tx, err := a.buildTx(ctx, client, signer, data)
	if err != nil {
		return domain.OrderResponse{}, err
	}
	if err := client.SendTransaction(ctx, tx); err != nil {
		return domain.OrderResponse{}, fmt.Errorf("venue %s: send swap: %w", a.id, err)
	}
	a.logger.InfoContext(ctx, "swap submitted",
		slog.String("symbol", q.Symbol),
		slog.String("tx", tx.Hash().Hex()),
	)

	receipt, err := a.waitReceipt(ctx, client, tx.Hash())
	if err != nil {
		return domain.OrderResponse{ID: tx.Hash().Hex(), Status: domain.OrderStatusAccepted}, err
	}
	filledQty := q.AmountOut
	if q.Side == domain.OrderSideSell {
		filledQty = q.AmountIn
	}
	resp := domain.OrderResponse{
		ID:     tx.Hash().Hex(),
		Raw:    map[string]any{"block": receipt.BlockNumber.String(), "gas_used": receipt.GasUsed},
		Status: domain.OrderStatusFilled,
		Filled: filledQty,
	}
	if filledQty > 0 {
		quoteAmt := q.AmountIn
		if q.Side == domain.OrderSideSell {
			quoteAmt = q.AmountOut
		}
		resp.AvgFillPrice = domain.Float(quoteAmt / filledQty)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		resp.Status = domain.OrderStatusRejected
		resp.Filled = 0
		resp.AvgFillPrice = nil
		return resp, fmt.Errorf("venue %s: swap %s reverted", a.id, resp.ID)
	}
	return resp, nil
}

var _ txBackend = (*ethclient.Client)(nil)

// txBackend is the slice of ethclient.Client used to price and build a swap.
type txBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
}

// buildTx signs a dynamic-fee transaction, or a legacy one when the chain
// head carries no base fee.
func (a *DEXAdapter) buildTx(ctx context.Context, backend txBackend, signer *crypto.TxSigner, data []byte) (*types.Transaction, error) {
	from := signer.Address()
	nonce, err := backend.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("venue %s: nonce: %w", a.id, err)
	}
	head, err := backend.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("venue %s: head: %w", a.id, err)
	}
	gas, err := backend.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &a.router, Data: data})
	if err != nil {
		return nil, fmt.Errorf("venue %s: estimate gas: %w", a.id, err)
	}
	gas = gas * 12 / 10

	if head.BaseFee == nil {
		price, err := backend.SuggestGasPrice(ctx)
		if err != nil {
			return nil, fmt.Errorf("venue %s: gas price: %w", a.id, err)
		}
		return signer.SignTx(types.NewTx(&types.LegacyTx{
			Nonce:    nonce,
			GasPrice: price,
			Gas:      gas,
			To:       &a.router,
			Data:     data,
		}))
	}

	tip, err := backend.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("venue %s: gas tip: %w", a.id, err)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	return signer.SignTx(types.NewTx(&types.DynamicFeeTx{
		ChainID:   signer.ChainID(),
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &a.router,
		Data:      data,
	}))
}

func (a *DEXAdapter) waitReceipt(ctx context.Context, client *ethclient.Client, hash common.Hash) (*types.Receipt, error) {
	ctx, cancel := context.WithTimeout(ctx, a.receiptTimeout)
	defer cancel()
	t := time.NewTicker(2 * time.Second)
	defer t.Stop()
	for {
		receipt, err := client.TransactionReceipt(ctx, hash)
		if err == nil {
			return receipt, nil
		}
		if err != ethereum.NotFound {
			return nil, fmt.Errorf("venue %s: receipt %s: %w", a.id, hash.Hex(), err)
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("venue %s: receipt %s: %w", a.id, hash.Hex(), ctx.Err())
		case <-t.C:
		}
	}
}

// QuoteBridge picks the cheapest configured route from this chain.
func (a *DEXAdapter) QuoteBridge(ctx context.Context, destChainID int64) (domain.BridgeRoute, error) {
	if _, err := a.conn(); err != nil {
		return domain.BridgeRoute{}, err
	}
	return domain.SelectBridgeRoute(a.bridgeRoutes, a.chainID, destChainID)
}

func toUnits(amount float64, decimals int32) *big.Int {
	return decimal.NewFromFloat(amount).Shift(decimals).Truncate(0).BigInt()
}

func fromUnits(v *big.Int, decimals int32) float64 {
	return decimal.NewFromBigInt(v, -decimals).InexactFloat64()
}
