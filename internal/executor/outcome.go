package executor

import (
	"context"
	"time"
)

// OutcomeKind classifies how an opportunity or basis pair ended.
type OutcomeKind string

const (
	KindExecuted        OutcomeKind = "executed"
	KindBlocked         OutcomeKind = "blocked"
	KindFailed          OutcomeKind = "failed"
	KindRiskError       OutcomeKind = "risk_error"
	KindInvalidQuantity OutcomeKind = "invalid_quantity"
	KindDuplicate       OutcomeKind = "duplicate"
	KindSkipped         OutcomeKind = "skipped"
	KindUnsupported     OutcomeKind = "unsupported"
)

// LegAttempt is what happened to one leg.
type LegAttempt struct {
	Venue         string  `json:"venue"`
	Symbol        string  `json:"symbol"`
	Side          string  `json:"side"`
	Qty           float64 `json:"qty"`
	OrderRecordID string  `json:"order_record_id,omitempty"`
	VenueOrderID  string  `json:"venue_order_id,omitempty"`
	Status        string  `json:"status,omitempty"`
	Filled        float64 `json:"filled,omitempty"`
	Error         string  `json:"error,omitempty"`
}

// TradeOutcome is the terminal result of one opportunity or basis attempt.
type TradeOutcome struct {
	Worker    string       `json:"worker"`
	Kind      OutcomeKind  `json:"kind"`
	Symbol    string       `json:"symbol"`
	BuyVenue  string       `json:"buy_venue"`
	SellVenue string       `json:"sell_venue"`
	RunID     string       `json:"run_id,omitempty"`
	Reason    string       `json:"reason,omitempty"`
	Messages  []string     `json:"messages,omitempty"`
	Qty       float64      `json:"qty,omitempty"`
	LegUSD    float64      `json:"leg_usd,omitempty"`
	SpreadPct float64      `json:"spread_pct,omitempty"`
	Legs      []LegAttempt `json:"legs,omitempty"`
	// Compensated is set when a cancel of the first leg was attempted.
	Compensated     bool      `json:"compensated,omitempty"`
	CompensationErr string    `json:"compensation_error,omitempty"`
	At              time.Time `json:"at"`
}

// Terminal reports whether orders were attempted, which makes the outcome
// worth journaling.
func (o TradeOutcome) Terminal() bool {
	return o.Kind == KindExecuted || o.Kind == KindFailed
}

// BatchOutcome collects the outcomes of one scan batch in input order.
type BatchOutcome struct {
	Outcomes  []TradeOutcome
	StartedAt time.Time
	Duration  time.Duration
}

// Count returns how many outcomes have kind.
func (b BatchOutcome) Count(kind OutcomeKind) int {
	n := 0
	for _, o := range b.Outcomes {
		if o.Kind == kind {
			n++
		}
	}
	return n
}

// Journal durably records terminal outcomes.
type Journal interface {
	Record(ctx context.Context, outcome TradeOutcome) error
}

// Notifier delivers operator alerts. *notify.Notifier satisfies it.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}
