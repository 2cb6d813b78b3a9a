package venue

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/core/types"

	"github.com/alanyoungcy/arbexec/internal/crypto"
	"github.com/alanyoungcy/arbexec/internal/domain"
)

const (
	wethAddr = "0xC02aaA39b223FE8D0A0e5C4F27eAD9083C756Cc2"
	usdcAddr = "0xA0b86991c6218b36c1d19D4a2e9Eb0cE3606eB48"
)

// newFakeChain serves the handful of JSON-RPC methods the DEX adapter uses.
// The router prices 1 WETH at 2000 USDC to buy and 1990 USDC to sell.
func newFakeChain(t *testing.T, chainID int64) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ID     json.RawMessage   `json:"id"`
			Method string            `json:"method"`
			Params []json.RawMessage `json:"params"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		var result any
		switch req.Method {
		case "eth_chainId":
			result = hexutil.EncodeBig(big.NewInt(chainID))
		case "eth_getBalance":
			result = hexutil.EncodeBig(new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
		case "eth_call":
			var call struct {
				Input hexutil.Bytes `json:"input"`
				Data  hexutil.Bytes `json:"data"`
			}
			_ = json.Unmarshal(req.Params[0], &call)
			data := call.Input
			if len(data) == 0 {
				data = call.Data
			}
			method, err := parsedRouterABI.MethodById(data[:4])
			if err != nil {
				t.Errorf("unknown selector: %v", err)
				return
			}
			args, err := method.Inputs.Unpack(data[4:])
			if err != nil {
				t.Errorf("unpack %s: %v", method.Name, err)
				return
			}
			amt := args[0].(*big.Int)
			weth := new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil)
			var amounts []*big.Int
			switch method.Name {
			case "getAmountsIn":
				in := new(big.Int).Div(new(big.Int).Mul(amt, big.NewInt(2000_000000)), weth)
				amounts = []*big.Int{in, amt}
			case "getAmountsOut":
				out := new(big.Int).Div(new(big.Int).Mul(amt, big.NewInt(1990_000000)), weth)
				amounts = []*big.Int{amt, out}
			}
			packed, err := method.Outputs.Pack(amounts)
			if err != nil {
				t.Errorf("pack: %v", err)
				return
			}
			result = hexutil.Encode(packed)
		default:
			t.Errorf("unexpected rpc method %s", req.Method)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"jsonrpc": "2.0", "id": req.ID, "result": result})
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dexConfig(rpcURL string, chainID int64) Config {
	return Config{
		Kind: KindDEX,
		ID:   "uni-test",
		Extra: map[string]any{
			"rpc_url":        rpcURL,
			"chain_id":       float64(chainID),
			"router_address": "0x7a250d5630B4cF539739dF2C5dAcb4c659F2488D",
			"wallet_address": "0x000000000000000000000000000000000000bEEF",
			"tokens": map[string]any{
				"WETH": map[string]any{"address": wethAddr},
				"USDC": map[string]any{"address": usdcAddr, "decimals": 6},
			},
			"bridge_routes": []any{
				map[string]any{"source_chain_id": 1, "destination_chain_id": 10, "bridge_name": "hop", "estimated_fee_usd": 3.0},
				map[string]any{"source_chain_id": 1, "destination_chain_id": 10, "bridge_name": "across", "estimated_fee_usd": 1.5},
			},
		},
	}
}

func connectedDEX(t *testing.T) *DEXAdapter {
	t.Helper()
	srv := newFakeChain(t, 1)
	a, err := NewDEX(dexConfig(srv.URL, 1), discardLogger())
	if err != nil {
		t.Fatalf("NewDEX: %v", err)
	}
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	t.Cleanup(func() { a.Disconnect(context.Background()) })
	return a
}

func TestDEXRequiresConnect(t *testing.T) {
	a, err := NewDEX(dexConfig("http://127.0.0.1:1", 1), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.FetchBalances(context.Background()); !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("FetchBalances before connect: %v", err)
	}
}

func TestDEXRejectsWrongChain(t *testing.T) {
	srv := newFakeChain(t, 137)
	a, err := NewDEX(dexConfig(srv.URL, 1), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if err := a.Connect(context.Background()); err == nil {
		t.Fatal("expected chain id mismatch")
	}
}

func TestDEXBalancesAndNullTicker(t *testing.T) {
	a := connectedDEX(t)
	ctx := context.Background()

	bal, err := a.FetchBalances(ctx)
	if err != nil {
		t.Fatalf("FetchBalances: %v", err)
	}
	if bal["ETH"] != 1 {
		t.Fatalf("balances = %v", bal)
	}

	q, err := a.FetchTicker(ctx, "WETH/USDC")
	if err != nil {
		t.Fatalf("FetchTicker: %v", err)
	}
	if q.Bid != nil || q.Ask != nil || q.Last != nil {
		t.Fatalf("dex ticker should be empty, got %+v", q)
	}

	open, err := a.FetchOpenOrders(ctx, "")
	if err != nil || len(open) != 0 {
		t.Fatalf("open orders = %v, %v", open, err)
	}
}

func TestDEXEstimateSwap(t *testing.T) {
	a := connectedDEX(t)
	ctx := context.Background()

	buy, err := EstimateSwap(ctx, a, "WETH/USDC", domain.OrderSideBuy, 0.5)
	if err != nil {
		t.Fatalf("EstimateSwap buy: %v", err)
	}
	if !buy.ExactOut || buy.TokenIn != "USDC" || buy.TokenOut != "WETH" || buy.AmountIn != 1000 || buy.AmountOut != 0.5 {
		t.Fatalf("buy quote = %+v", buy)
	}

	sell, err := a.EstimateSwap(ctx, "WETH/USDC", domain.OrderSideSell, 0.5)
	if err != nil {
		t.Fatalf("EstimateSwap sell: %v", err)
	}
	if sell.ExactOut || sell.AmountIn != 0.5 || sell.AmountOut != 995 {
		t.Fatalf("sell quote = %+v", sell)
	}

	if _, err := a.EstimateSwap(ctx, "WBTC/USDC", domain.OrderSideSell, 1); err == nil {
		t.Fatal("expected unknown token error")
	}
}

func TestDEXLimitOrderStillSwapsButNeedsKey(t *testing.T) {
	a := connectedDEX(t)
	price := 1900.0
	_, err := a.PlaceOrder(context.Background(), domain.OrderRequest{
		Symbol: "WETH/USDC", Side: domain.OrderSideSell, Amount: 0.5, Type: domain.OrderTypeLimit, Price: &price,
	})
	if !errors.Is(err, domain.ErrMissingCredentials) {
		t.Fatalf("PlaceOrder without key: %v", err)
	}
}

func TestDEXQuoteBridge(t *testing.T) {
	a := connectedDEX(t)
	r, err := a.QuoteBridge(context.Background(), 10)
	if err != nil {
		t.Fatalf("QuoteBridge: %v", err)
	}
	if r.BridgeName != "across" {
		t.Fatalf("route = %+v", r)
	}
	if _, err := a.QuoteBridge(context.Background(), 56); !errors.Is(err, domain.ErrNoBridgeRoute) {
		t.Fatalf("missing route: %v", err)
	}
}

func TestDEXQuoteBridgeRequiresConnect(t *testing.T) {
	a, err := NewDEX(dexConfig("http://127.0.0.1:1", 1), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := a.QuoteBridge(context.Background(), 10); !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("QuoteBridge before connect: %v", err)
	}
}

// feeBackend prices transactions from fixed values.
type feeBackend struct {
	baseFee  *big.Int
	tip      *big.Int
	gasPrice *big.Int
}

func (f feeBackend) PendingNonceAt(context.Context, common.Address) (uint64, error) { return 7, nil }
func (f feeBackend) HeaderByNumber(context.Context, *big.Int) (*types.Header, error) {
	return &types.Header{Number: big.NewInt(100), BaseFee: f.baseFee}, nil
}
func (f feeBackend) SuggestGasTipCap(context.Context) (*big.Int, error) { return f.tip, nil }
func (f feeBackend) SuggestGasPrice(context.Context) (*big.Int, error)  { return f.gasPrice, nil }
func (f feeBackend) EstimateGas(context.Context, ethereum.CallMsg) (uint64, error) {
	return 100_000, nil
}

func TestDEXBuildTxFeeModes(t *testing.T) {
	a, err := NewDEX(dexConfig("http://127.0.0.1:1", 1), discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	signer, err := crypto.NewTxSigner("4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318", 1)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		backend feeBackend
		txType  uint8
		price   *big.Int
	}{
		{
			name:    "london",
			backend: feeBackend{baseFee: big.NewInt(10), tip: big.NewInt(2)},
			txType:  types.DynamicFeeTxType,
			price:   big.NewInt(22),
		},
		{
			name:    "no base fee",
			backend: feeBackend{gasPrice: big.NewInt(5)},
			txType:  types.LegacyTxType,
			price:   big.NewInt(5),
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tx, err := a.buildTx(context.Background(), tt.backend, signer, []byte{0x01})
			if err != nil {
				t.Fatalf("buildTx: %v", err)
			}
			if tx.Type() != tt.txType {
				t.Fatalf("type = %d, want %d", tx.Type(), tt.txType)
			}
			if tx.GasFeeCap().Cmp(tt.price) != 0 {
				t.Fatalf("fee cap = %s, want %s", tx.GasFeeCap(), tt.price)
			}
			if tx.Nonce() != 7 || tx.Gas() != 120_000 {
				t.Fatalf("nonce=%d gas=%d", tx.Nonce(), tx.Gas())
			}
			from, err := types.Sender(types.LatestSignerForChainID(big.NewInt(1)), tx)
			if err != nil || from != signer.Address() {
				t.Fatalf("sender = %s (%v)", from.Hex(), err)
			}
		})
	}
}

func TestSwapCapabilityAbsentOnSpot(t *testing.T) {
	_, cfg := newFakeVenue(t, KindSpot, nil)
	if _, err := EstimateSwap(context.Background(), NewSpot(cfg, discardLogger()), "BTC/USDT", domain.OrderSideBuy, 1); !errors.Is(err, domain.ErrSwapNotSupported) {
		t.Fatalf("EstimateSwap on spot: %v", err)
	}
}
