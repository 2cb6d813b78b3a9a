package domain

// Exposure is the current notional held in one asset.
type Exposure struct {
	Asset       string
	NotionalUSD float64
}

// Performance is the recent trading record fed into sizing. Returns are
// fractional per-trade returns, oldest first.
type Performance struct {
	Returns []float64
	PnlUSD  []float64
}

// RiskRequest asks the risk engine to approve and size one trade.
type RiskRequest struct {
	Pair               string
	BaseAsset          string
	PlannedExposureUSD float64
	PerTradeUSD        float64
	GridSizePct        float64
	TakeProfitPct      float64
	CurrentExposures   []Exposure
	RecentPerformance  *Performance
}

// Block reasons reported in RiskResult.BlockedReason.
const (
	BlockInvalidSize      = "invalid_size"
	BlockMaxDrawdown      = "max_drawdown"
	BlockSectorLimit      = "sector_limit"
	BlockCorrelationLimit = "correlation_limit"
	BlockVaRLimit         = "var_limit"
	BlockStressLimit      = "stress_limit"
	BlockNegativeEdge     = "negative_edge"
	BlockBelowMinSize     = "below_min_size"
)

// RiskResult is the risk engine's verdict. When Approved, AdjustedPerTradeUSD
// is positive and never above the requested PerTradeUSD.
type RiskResult struct {
	Approved            bool
	AdjustedPerTradeUSD float64
	BlockedReason       string
	Messages            []string
	ValueAtRiskUSD      float64
	MaxStressLossUSD    float64
}
