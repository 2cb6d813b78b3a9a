// Package venue implements the uniform adapter contract over the trading
// venues the executor talks to: spot REST exchanges, derivatives REST
// exchanges, on-chain DEX routers, JSON-line FIX-style sessions, and prime
// brokers.
package venue

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// Kind names an adapter implementation.
type Kind string

const (
	KindSpot        Kind = "spot"
	KindDerivatives Kind = "derivatives"
	KindDEX         Kind = "dex"
	KindFIX         Kind = "fix"
	KindPrime       Kind = "prime"
)

// Adapter is the contract every venue implements. Connect must succeed
// before any other call; calls on a disconnected adapter fail with
// domain.ErrAdapterNotConnected. Connect and Disconnect are idempotent.
type Adapter interface {
	ID() string
	Kind() Kind
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	FetchBalances(ctx context.Context) (map[string]float64, error)
	FetchOpenOrders(ctx context.Context, symbol string) ([]domain.OrderResponse, error)
	FetchTicker(ctx context.Context, symbol string) (domain.QuoteTick, error)
	PlaceOrder(ctx context.Context, req domain.OrderRequest) (domain.OrderResponse, error)
	CancelOrder(ctx context.Context, id, symbol string) error
}

// LeverageController is implemented by venues with margin controls.
type LeverageController interface {
	ChangeLeverage(ctx context.Context, symbol string, leverage float64) error
	SetHedgeMode(ctx context.Context, enabled bool) error
}

// SwapQuote is the expected result of a router swap. ExactOut quotes fix
// AmountOut and let AmountIn float; otherwise AmountIn is fixed.
type SwapQuote struct {
	Symbol    string
	Side      domain.OrderSide
	TokenIn   string
	TokenOut  string
	AmountIn  float64
	AmountOut float64
	ExactOut  bool
	Path      []string
}

// Swapper is implemented by on-chain venues.
type Swapper interface {
	EstimateSwap(ctx context.Context, symbol string, side domain.OrderSide, amount float64) (SwapQuote, error)
	ExecuteSwap(ctx context.Context, quote SwapQuote, slippageBps int) (domain.OrderResponse, error)
}

// FundingRateSource is implemented by venues listing perpetuals.
type FundingRateSource interface {
	FetchFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error)
}

// Bridger is implemented by venues that can quote cross-chain transfers.
type Bridger interface {
	QuoteBridge(ctx context.Context, destChainID int64) (domain.BridgeRoute, error)
}

// ChangeLeverage sets leverage on a when it supports margin controls and
// reports domain.ErrLeverageNotSupported otherwise.
func ChangeLeverage(ctx context.Context, a Adapter, symbol string, leverage float64) error {
	lc, ok := a.(LeverageController)
	if !ok {
		return fmt.Errorf("venue %s: %w", a.ID(), domain.ErrLeverageNotSupported)
	}
	return lc.ChangeLeverage(ctx, symbol, leverage)
}

// SetHedgeMode toggles hedge mode on a, with the same capability rule as
// ChangeLeverage.
func SetHedgeMode(ctx context.Context, a Adapter, enabled bool) error {
	lc, ok := a.(LeverageController)
	if !ok {
		return fmt.Errorf("venue %s: %w", a.ID(), domain.ErrLeverageNotSupported)
	}
	return lc.SetHedgeMode(ctx, enabled)
}

// FetchFundingRate reads the funding rate from a when it lists perpetuals.
func FetchFundingRate(ctx context.Context, a Adapter, symbol string) (domain.FundingRate, error) {
	fs, ok := a.(FundingRateSource)
	if !ok {
		return domain.FundingRate{}, fmt.Errorf("venue %s: %w", a.ID(), domain.ErrFundingNotSupported)
	}
	return fs.FetchFundingRate(ctx, symbol)
}

// EstimateSwap quotes a swap on a when it is an on-chain venue.
func EstimateSwap(ctx context.Context, a Adapter, symbol string, side domain.OrderSide, amount float64) (SwapQuote, error) {
	sw, ok := a.(Swapper)
	if !ok {
		return SwapQuote{}, fmt.Errorf("venue %s: %w", a.ID(), domain.ErrSwapNotSupported)
	}
	return sw.EstimateSwap(ctx, symbol, side, amount)
}
