package handler

import (
	"net/http"
	"time"

	"github.com/alanyoungcy/arbexec/internal/arbitrage"
	"github.com/alanyoungcy/arbexec/internal/pool"
)

// PoolStats is the part of *pool.Pool the status page reads.
type PoolStats interface {
	Stats() []pool.Stats
	Saturations() int
}

// Scanner is the part of *arbitrage.Engine the status page reads.
type Scanner interface {
	Running() bool
	LastScan() (arbitrage.ScanResult, bool)
}

// InFlighter reports whether a worker is mid-batch.
type InFlighter interface {
	InFlight() bool
}

// StatusHandler serves GET /api/status. Nil collaborators are omitted from
// the response.
type StatusHandler struct {
	Mode      string
	StartedAt time.Time
	Pool      PoolStats
	Scanner   Scanner
	Worker    InFlighter
}

type lastScanView struct {
	StartedAt     time.Time           `json:"started_at"`
	DurationMs    int64               `json:"duration_ms"`
	Opportunities int                 `json:"opportunities"`
	Dropped       []arbitrage.Dropped `json:"dropped"`
	Best          *opportunityView    `json:"best,omitempty"`
}

type opportunityView struct {
	Symbol    string  `json:"symbol"`
	BuyVenue  string  `json:"buy_venue"`
	SellVenue string  `json:"sell_venue"`
	BuyPrice  float64 `json:"buy_price"`
	SellPrice float64 `json:"sell_price"`
	SpreadPct float64 `json:"spread_pct"`
}

// GetStatus reports mode, uptime, pool occupancy, the scanner state and
// whether the arbitrage worker is executing a batch.
// GET /api/status
func (h *StatusHandler) GetStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{
		"mode":           h.Mode,
		"uptime_seconds": int64(time.Since(h.StartedAt).Seconds()),
	}
	if h.Pool != nil {
		stats := h.Pool.Stats()
		if stats == nil {
			stats = []pool.Stats{}
		}
		resp["pool"] = map[string]any{
			"keys":        stats,
			"saturations": h.Pool.Saturations(),
		}
	}
	if h.Worker != nil {
		resp["worker_in_flight"] = h.Worker.InFlight()
	}
	if h.Scanner != nil {
		resp["scanner_running"] = h.Scanner.Running()
		if scan, ok := h.Scanner.LastScan(); ok {
			resp["last_scan"] = newLastScanView(scan)
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func newLastScanView(scan arbitrage.ScanResult) lastScanView {
	v := lastScanView{
		StartedAt:     scan.StartedAt,
		DurationMs:    scan.Duration.Milliseconds(),
		Opportunities: len(scan.Opportunities),
		Dropped:       scan.Dropped,
	}
	if v.Dropped == nil {
		v.Dropped = []arbitrage.Dropped{}
	}
	if len(scan.Opportunities) > 0 {
		o := scan.Opportunities[0]
		v.Best = &opportunityView{
			Symbol:    o.Symbol,
			BuyVenue:  o.BuyVenue,
			SellVenue: o.SellVenue,
			BuyPrice:  o.BuyPrice,
			SellPrice: o.SellPrice,
			SpreadPct: o.SpreadPct,
		}
	}
	return v
}
