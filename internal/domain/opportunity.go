package domain

import (
	"strings"
	"time"
)

// Opportunity is a cross-venue spread: buy at BuyVenue's ask and sell at
// SellVenue's bid.
type Opportunity struct {
	Symbol     string
	BuyVenue   string
	SellVenue  string
	BuyPrice   float64
	SellPrice  float64
	SpreadPct  float64
	VolumeUSD  float64
	DetectedAt time.Time
}

// Key identifies the opportunity route independently of prices.
func (o Opportunity) Key() string {
	return o.Symbol + ":" + o.BuyVenue + ">" + o.SellVenue
}

// SpreadPct returns (sellBid - buyAsk) / buyAsk * 100. A non-positive ask
// yields zero.
func SpreadPct(buyAsk, sellBid float64) float64 {
	if buyAsk <= 0 {
		return 0
	}
	return (sellBid - buyAsk) / buyAsk * 100
}

// FundingRate is a perpetual's current funding rate as reported by a
// derivatives venue. Rate is fractional per funding interval.
type FundingRate struct {
	Symbol          string
	Rate            float64
	NextFundingTime time.Time
}

// BaseAsset extracts the asset a symbol exposes the book to, e.g. BTC for
// BTC/USDT, BTC-PERP or BTC/USDT:USDT.
func BaseAsset(symbol string) string {
	s := symbol
	if i := strings.IndexByte(s, ':'); i >= 0 {
		s = s[:i]
	}
	if i := strings.IndexAny(s, "/-_"); i > 0 {
		s = s[:i]
	}
	return strings.ToUpper(s)
}
