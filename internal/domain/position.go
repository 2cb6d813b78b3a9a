package domain

import "time"

// PositionDirection is the side of the book a position sits on.
type PositionDirection string

const (
	DirectionLong  PositionDirection = "long"
	DirectionShort PositionDirection = "short"
	DirectionSpot  PositionDirection = "spot"
)

// Position is the running inventory a bot holds on one venue and symbol.
type Position struct {
	ID            string
	BotName       string
	Venue         string
	Symbol        string
	Direction     PositionDirection
	Qty           float64
	AvgPrice      float64
	PnlRealized   float64
	PnlUnrealized float64
	Meta          map[string]any
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// RunKind distinguishes the orchestrator that produced a run.
type RunKind string

const (
	RunKindArbitrage RunKind = "arbitrage"
	RunKindBasis     RunKind = "basis"
)

// RunStatus tracks a run's single transition out of pending.
type RunStatus string

const (
	RunStatusPending   RunStatus = "pending"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run is one attempted multi-leg execution.
type Run struct {
	ID          string
	BotName     string
	Kind        RunKind
	Status      RunStatus
	Reason      string
	NotionalUSD float64
	PnlUSD      float64
	Meta        map[string]any
	CreatedAt   time.Time
	CompletedAt *time.Time
}
