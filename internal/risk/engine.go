// Package risk is the single pre-trade gate. Every order placed by the
// executor is sized by Engine.Evaluate first.
package risk

import (
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// StressScenario bounds the loss of an instantaneous price shock. ShockPct
// is a percentage move, MaxBankrollFraction the tolerated loss as a share of
// bankroll.
type StressScenario struct {
	ShockPct            float64 `json:"shock_pct" toml:"shock_pct"`
	MaxBankrollFraction float64 `json:"max_bankroll_fraction" toml:"max_bankroll_fraction"`
}

// Config is fixed for the lifetime of an Engine. Zero-valued limits are
// disabled.
type Config struct {
	BankrollUSD            float64
	SectorLimits           map[string]float64
	CorrelationLimits      map[string]float64
	AssetSectors           map[string]string
	AssetCorrelationGroups map[string]string
	VaRCeilingUSD          float64
	VaRConfidence          float64
	StressScenarios        []StressScenario
	MaxDrawdownFraction    float64
	KellyFractionCap       float64
	MinPerTradeUSD         float64
	MaxPerTradeUSD         float64
	// MinKellySamples is the history length below which the Kelly cap is
	// used as-is.
	MinKellySamples int
}

// DefaultConfig mirrors the documented environment defaults.
func DefaultConfig() Config {
	return Config{
		BankrollUSD:         10000,
		VaRCeilingUSD:       500,
		VaRConfidence:       0.95,
		MaxDrawdownFraction: 0.2,
		KellyFractionCap:    0.25,
		MinPerTradeUSD:      10,
		MaxPerTradeUSD:      2000,
		MinKellySamples:     5,
	}
}

// Engine evaluates trade requests against portfolio limits. It holds no
// mutable state and is safe for concurrent use.
type Engine struct {
	cfg Config
}

// NewEngine validates cfg and builds an Engine.
func NewEngine(cfg Config) (*Engine, error) {
	var errs []string
	if cfg.BankrollUSD <= 0 {
		errs = append(errs, "bankroll must be positive")
	}
	if cfg.VaRConfidence != 0 && (cfg.VaRConfidence <= 0.5 || cfg.VaRConfidence >= 1) {
		errs = append(errs, "var confidence must be in (0.5, 1)")
	}
	if cfg.MaxPerTradeUSD > 0 && cfg.MinPerTradeUSD > cfg.MaxPerTradeUSD {
		errs = append(errs, "min per-trade size exceeds max")
	}
	if cfg.KellyFractionCap < 0 || cfg.KellyFractionCap > 1 {
		errs = append(errs, "kelly cap must be in [0, 1]")
	}
	for i, s := range cfg.StressScenarios {
		if s.ShockPct <= 0 || s.MaxBankrollFraction <= 0 {
			errs = append(errs, fmt.Sprintf("stress scenario %d must have positive shock and fraction", i))
		}
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("risk: invalid config: %s", strings.Join(errs, "; "))
	}
	if cfg.VaRConfidence == 0 {
		cfg.VaRConfidence = 0.95
	}
	if cfg.MinKellySamples <= 0 {
		cfg.MinKellySamples = 5
	}
	return &Engine{cfg: cfg}, nil
}

// Config returns the engine's configuration.
func (e *Engine) Config() Config { return e.cfg }

type sizing struct {
	planned  float64
	size     float64
	messages []string
}

// shrink reduces planned exposure and scales the per-trade size with it.
func (s *sizing) shrink(planned float64, format string, args ...any) {
	if planned >= s.planned {
		return
	}
	s.size *= planned / s.planned
	s.planned = planned
	s.messages = append(s.messages, fmt.Sprintf(format, args...))
}

func (s *sizing) note(format string, args ...any) {
	s.messages = append(s.messages, fmt.Sprintf(format, args...))
}

// Evaluate approves, shrinks or blocks req. Checks run in a fixed order
// and the first block wins: size, drawdown, sector, correlation group, VaR,
// stress, Kelly edge, per-trade bounds.
func (e *Engine) Evaluate(req domain.RiskRequest) domain.RiskResult {
	if !(req.PerTradeUSD > 0) || math.IsInf(req.PerTradeUSD, 0) {
		return blocked(domain.BlockInvalidSize, nil, "per-trade size %v is not a positive amount", req.PerTradeUSD)
	}
	if math.IsNaN(req.PlannedExposureUSD) || math.IsInf(req.PlannedExposureUSD, 0) {
		return blocked(domain.BlockInvalidSize, nil, "planned exposure %v is not a finite amount", req.PlannedExposureUSD)
	}
	s := &sizing{planned: math.Max(req.PlannedExposureUSD, req.PerTradeUSD), size: req.PerTradeUSD}
	bankroll := e.cfg.BankrollUSD

	if dd := drawdown(bankroll, req.RecentPerformance); e.cfg.MaxDrawdownFraction > 0 {
		if dd >= e.cfg.MaxDrawdownFraction {
			return blocked(domain.BlockMaxDrawdown, s.messages, "drawdown %.2f%% reached limit %.2f%%", dd*100, e.cfg.MaxDrawdownFraction*100)
		}
		if dd > 0 {
			s.note("drawdown %.2f%% of %.2f%% limit", dd*100, e.cfg.MaxDrawdownFraction*100)
		}
	}

	if sector, ok := e.cfg.AssetSectors[req.BaseAsset]; ok {
		if limit, ok := e.cfg.SectorLimits[sector]; ok {
			used := groupExposure(req.CurrentExposures, e.cfg.AssetSectors, sector)
			headroom := limit*bankroll - used
			if headroom <= 0 {
				return blocked(domain.BlockSectorLimit, s.messages, "sector %s exposure $%.2f at limit $%.2f", sector, used, limit*bankroll)
			}
			s.shrink(headroom, "sector %s headroom $%.2f caps planned exposure", sector, headroom)
		}
	}

	if group, ok := e.cfg.AssetCorrelationGroups[req.BaseAsset]; ok {
		if limit, ok := e.cfg.CorrelationLimits[group]; ok {
			used := groupExposure(req.CurrentExposures, e.cfg.AssetCorrelationGroups, group)
			headroom := limit*bankroll - used
			if headroom <= 0 {
				return blocked(domain.BlockCorrelationLimit, s.messages, "correlation group %s exposure $%.2f at limit $%.2f", group, used, limit*bankroll)
			}
			s.shrink(headroom, "correlation group %s headroom $%.2f caps planned exposure", group, headroom)
		}
	}

	current := totalExposure(req.CurrentExposures)

	z := zScore(e.cfg.VaRConfidence)
	sigma := volatility(req)
	var valueAtRisk float64
	if sigma > 0 {
		valueAtRisk = z * sigma * (current + s.planned)
		if e.cfg.VaRCeilingUSD > 0 && valueAtRisk > e.cfg.VaRCeilingUSD {
			allowed := e.cfg.VaRCeilingUSD/(z*sigma) - current
			if allowed <= 0 {
				return blockedWith(domain.BlockVaRLimit, s.messages, valueAtRisk, 0,
					"VaR $%.2f at %.0f%% exceeds ceiling $%.2f", valueAtRisk, e.cfg.VaRConfidence*100, e.cfg.VaRCeilingUSD)
			}
			s.shrink(allowed, "VaR ceiling $%.2f caps planned exposure at $%.2f", e.cfg.VaRCeilingUSD, allowed)
			valueAtRisk = z * sigma * (current + s.planned)
		}
	} else {
		s.note("no volatility estimate, VaR skipped")
	}

	var worstStress float64
	for _, sc := range e.cfg.StressScenarios {
		shock := sc.ShockPct / 100
		limit := sc.MaxBankrollFraction * bankroll
		if loss := shock * (current + s.planned); loss > limit {
			allowed := limit/shock - current
			if allowed <= 0 {
				return blockedWith(domain.BlockStressLimit, s.messages, valueAtRisk, loss,
					"%.1f%% shock loses $%.2f over limit $%.2f", sc.ShockPct, loss, limit)
			}
			s.shrink(allowed, "%.1f%% shock caps planned exposure at $%.2f", sc.ShockPct, allowed)
		}
		worstStress = math.Max(worstStress, shock*(current+s.planned))
	}

	kelly, ok, msg := e.kelly(req.RecentPerformance)
	s.note("%s", msg)
	if !ok {
		return blockedWith(domain.BlockNegativeEdge, s.messages, valueAtRisk, worstStress, "no positive edge in recent performance")
	}
	if limit := kelly * bankroll; s.size > limit {
		s.size = limit
		s.note("kelly %.3f caps trade at $%.2f", kelly, limit)
	}

	if e.cfg.MaxPerTradeUSD > 0 && s.size > e.cfg.MaxPerTradeUSD {
		s.size = e.cfg.MaxPerTradeUSD
		s.note("clamped to max per-trade $%.2f", e.cfg.MaxPerTradeUSD)
	}
	if s.size < e.cfg.MinPerTradeUSD || s.size <= 0 {
		return blockedWith(domain.BlockBelowMinSize, s.messages, valueAtRisk, worstStress,
			"adjusted size $%.2f below minimum $%.2f", s.size, e.cfg.MinPerTradeUSD)
	}

	return domain.RiskResult{
		Approved:            true,
		AdjustedPerTradeUSD: s.size,
		Messages:            s.messages,
		ValueAtRiskUSD:      valueAtRisk,
		MaxStressLossUSD:    worstStress,
	}
}

// kelly returns the capped Kelly fraction. ok is false when history shows a
// non-positive edge.
func (e *Engine) kelly(perf *domain.Performance) (float64, bool, string) {
	capped := e.cfg.KellyFractionCap
	if capped <= 0 {
		capped = 1
	}
	if perf == nil || len(perf.Returns) < e.cfg.MinKellySamples {
		return capped, true, fmt.Sprintf("insufficient history, kelly cap %.3f applied", capped)
	}

	var wins, losses int
	var totalWin, totalLoss float64
	for _, r := range perf.Returns {
		switch {
		case r > 0:
			wins++
			totalWin += r
		case r < 0:
			losses++
			totalLoss += -r
		}
	}
	if wins == 0 {
		return 0, false, "no winning trades in history"
	}
	if losses == 0 {
		return capped, true, fmt.Sprintf("no losing trades in history, kelly cap %.3f applied", capped)
	}
	n := float64(wins + losses)
	p := float64(wins) / n
	b := (totalWin / float64(wins)) / (totalLoss / float64(losses))
	f := p - (1-p)/b
	if f <= 0 {
		return f, false, fmt.Sprintf("kelly fraction %.3f is not positive", f)
	}
	if f > capped {
		return capped, true, fmt.Sprintf("kelly %.3f capped at %.3f", f, capped)
	}
	return f, true, fmt.Sprintf("kelly %.3f (win rate %.2f, payoff %.2f)", f, p, b)
}

func blocked(reason string, msgs []string, format string, args ...any) domain.RiskResult {
	return blockedWith(reason, msgs, 0, 0, format, args...)
}

func blockedWith(reason string, msgs []string, valueAtRisk, stress float64, format string, args ...any) domain.RiskResult {
	return domain.RiskResult{
		BlockedReason:    reason,
		Messages:         append(msgs, fmt.Sprintf(format, args...)),
		ValueAtRiskUSD:   valueAtRisk,
		MaxStressLossUSD: stress,
	}
}

// drawdown is the current fall of bankroll plus cumulative PnL from its
// running peak, as a fraction of that peak.
func drawdown(bankroll float64, perf *domain.Performance) float64 {
	if perf == nil || len(perf.PnlUSD) == 0 || bankroll <= 0 {
		return 0
	}
	equity, peak := bankroll, bankroll
	for _, pnl := range perf.PnlUSD {
		equity += pnl
		peak = math.Max(peak, equity)
	}
	if peak <= 0 {
		return 1
	}
	return (peak - equity) / peak
}

func groupExposure(exposures []domain.Exposure, membership map[string]string, group string) float64 {
	var sum float64
	for _, ex := range exposures {
		if membership[ex.Asset] == group {
			sum += math.Abs(ex.NotionalUSD)
		}
	}
	return sum
}

func totalExposure(exposures []domain.Exposure) float64 {
	var sum float64
	for _, ex := range exposures {
		sum += math.Abs(ex.NotionalUSD)
	}
	return sum
}

// volatility is the sample standard deviation of recent returns, falling
// back to the grid step when history is too short.
func volatility(req domain.RiskRequest) float64 {
	if p := req.RecentPerformance; p != nil && len(p.Returns) >= 2 {
		var mean float64
		for _, r := range p.Returns {
			mean += r
		}
		mean /= float64(len(p.Returns))
		var ss float64
		for _, r := range p.Returns {
			ss += (r - mean) * (r - mean)
		}
		return math.Sqrt(ss / float64(len(p.Returns)-1))
	}
	return req.GridSizePct / 100
}

// zScore is the one-sided standard normal quantile at confidence.
func zScore(confidence float64) float64 {
	return math.Sqrt2 * math.Erfinv(2*confidence-1)
}
