package venue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// DerivativesAdapter trades perpetuals on a REST venue. Every call carries
// the futures account context.
type DerivativesAdapter struct {
	*RESTAdapter
}

// NewDerivatives builds a derivatives REST adapter.
func NewDerivatives(cfg Config, logger *slog.Logger) *DerivativesAdapter {
	base := newRESTAdapter(cfg, KindDerivatives, logger)
	base.accountType = "futures"
	if at := cfg.String("account_type"); at != "" {
		base.accountType = at
	}
	return &DerivativesAdapter{RESTAdapter: base}
}

// ChangeLeverage sets the leverage multiplier for symbol.
func (a *DerivativesAdapter) ChangeLeverage(ctx context.Context, symbol string, leverage float64) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	if leverage <= 0 {
		return fmt.Errorf("venue %s: leverage must be positive, got %v", a.id, leverage)
	}
	body := map[string]any{
		"symbol":       symbol,
		"leverage":     decimal.NewFromFloat(leverage).String(),
		"account_type": a.accountType,
	}
	if err := a.client.do(ctx, http.MethodPost, "/api/v1/leverage", a.query(nil), body, nil); err != nil {
		return fmt.Errorf("venue %s: change leverage: %w", a.id, err)
	}
	return nil
}

// SetHedgeMode switches between one-way and hedge position mode. Venues that
// do not offer hedge mode answer 400/404/501; that is logged and treated as
// success since position mode is informational for this executor.
func (a *DerivativesAdapter) SetHedgeMode(ctx context.Context, enabled bool) error {
	if err := a.ensureConnected(); err != nil {
		return err
	}
	body := map[string]any{"hedge_mode": enabled, "account_type": a.accountType}
	err := a.client.do(ctx, http.MethodPost, "/api/v1/position-mode", a.query(nil), body, nil)
	if err == nil {
		return nil
	}
	var se *StatusError
	if errors.As(err, &se) {
		switch se.Code {
		case http.StatusBadRequest, http.StatusNotFound, http.StatusNotImplemented:
			a.logger.WarnContext(ctx, "hedge mode not supported by venue, continuing",
				slog.Bool("hedge_mode", enabled),
				slog.Int("status", se.Code),
			)
			return nil
		}
	}
	return fmt.Errorf("venue %s: set hedge mode: %w", a.id, err)
}

// FetchFundingRate returns the current funding rate of a perpetual.
func (a *DerivativesAdapter) FetchFundingRate(ctx context.Context, symbol string) (domain.FundingRate, error) {
	if err := a.ensureConnected(); err != nil {
		return domain.FundingRate{}, err
	}
	var resp struct {
		Symbol          string          `json:"symbol"`
		Rate            decimal.Decimal `json:"rate"`
		NextFundingTime int64           `json:"next_funding_time"`
	}
	q := url.Values{"symbol": {symbol}}
	if err := a.client.do(ctx, http.MethodGet, "/api/v1/funding", a.query(q), nil, &resp); err != nil {
		return domain.FundingRate{}, fmt.Errorf("venue %s: fetch funding %s: %w", a.id, symbol, err)
	}
	fr := domain.FundingRate{Symbol: symbol, Rate: resp.Rate.InexactFloat64()}
	if resp.NextFundingTime > 0 {
		fr.NextFundingTime = time.UnixMilli(resp.NextFundingTime).UTC()
	}
	return fr, nil
}
