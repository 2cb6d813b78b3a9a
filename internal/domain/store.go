package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// AuditEntry is a single audit log row.
type AuditEntry struct {
	ID        int64
	ClientID  string
	Actor     string
	Action    string
	Metadata  map[string]any
	CreatedAt time.Time
}

// Audit actions written by the execution path.
const (
	AuditTradeExecuted = "trade_executed"
	AuditTradeFailed   = "trade_failed"
	AuditTradeBlocked  = "trade_blocked"
	AuditBasisExecuted = "basis_executed"
	AuditBasisFailed   = "basis_failed"
)

// AuditStore persists an append-only audit log.
type AuditStore interface {
	AddEntry(ctx context.Context, entry AuditEntry) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
}

// RunStore persists execution runs.
type RunStore interface {
	CreateRun(ctx context.Context, run Run) (string, error)
	UpdateStatus(ctx context.Context, id string, status RunStatus, reason string, pnlUSD float64) error
	GetByID(ctx context.Context, id string) (Run, error)
}

// OrderRecordStore persists per-leg order records.
type OrderRecordStore interface {
	InsertOrder(ctx context.Context, rec OrderRecord) (string, error)
	UpdateOrder(ctx context.Context, rec OrderRecord) error
	ListByRun(ctx context.Context, runID string) ([]OrderRecord, error)
}

// PositionStore persists positions. Positions are never deleted.
type PositionStore interface {
	UpsertPosition(ctx context.Context, pos Position) error
	FindPosition(ctx context.Context, botName, venue, symbol string) (Position, error)
	ListOpen(ctx context.Context, botName string) ([]Position, error)
}

// ExposureReader reports the current notional held per asset.
type ExposureReader interface {
	CurrentExposures(ctx context.Context, botName string) ([]Exposure, error)
}

// PerformanceReader reports recent realized performance.
type PerformanceReader interface {
	RecentPerformance(ctx context.Context, botName string, limit int) (*Performance, error)
}
