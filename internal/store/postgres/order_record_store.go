package postgres

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// OrderRecordStore implements domain.OrderRecordStore using PostgreSQL.
type OrderRecordStore struct {
	pool *pgxpool.Pool
}

// NewOrderRecordStore creates a new OrderRecordStore backed by the given
// connection pool.
func NewOrderRecordStore(pool *pgxpool.Pool) *OrderRecordStore {
	return &OrderRecordStore{pool: pool}
}

// InsertOrder inserts rec and returns its id.
func (s *OrderRecordStore) InsertOrder(ctx context.Context, rec domain.OrderRecord) (string, error) {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Status == "" {
		rec.Status = domain.OrderStatusPending
	}
	const query = `
		INSERT INTO order_records (
			id, run_id, venue, symbol, side, qty, price,
			venue_order_id, status, filled, avg_fill_price, reason
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)`

	_, err := s.pool.Exec(ctx, query,
		rec.ID, rec.RunID, rec.Venue, rec.Symbol, string(rec.Side), rec.Qty, rec.Price,
		rec.VenueOrderID, string(rec.Status), rec.Filled, rec.AvgFillPrice, rec.Reason,
	)
	if err != nil {
		return "", fmt.Errorf("postgres: insert order record: %w", err)
	}
	return rec.ID, nil
}

// UpdateOrder replaces the venue-reported fields of rec.
func (s *OrderRecordStore) UpdateOrder(ctx context.Context, rec domain.OrderRecord) error {
	const query = `
		UPDATE order_records SET
			venue_order_id = $2,
			status         = $3,
			filled         = $4,
			avg_fill_price = $5,
			reason         = $6,
			updated_at     = NOW()
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query,
		rec.ID, rec.VenueOrderID, string(rec.Status), rec.Filled, rec.AvgFillPrice, rec.Reason,
	)
	if err != nil {
		return fmt.Errorf("postgres: update order record %s: %w", rec.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// ListByRun returns a run's order records in placement order.
func (s *OrderRecordStore) ListByRun(ctx context.Context, runID string) ([]domain.OrderRecord, error) {
	const query = `
		SELECT id, run_id, venue, symbol, side, qty, price, venue_order_id,
		       status, filled, avg_fill_price, reason, created_at, updated_at
		FROM order_records WHERE run_id = $1
		ORDER BY created_at`

	rows, err := s.pool.Query(ctx, query, runID)
	if err != nil {
		return nil, fmt.Errorf("postgres: list order records: %w", err)
	}
	defer rows.Close()

	var out []domain.OrderRecord
	for rows.Next() {
		var r domain.OrderRecord
		var side, status string
		if err := rows.Scan(
			&r.ID, &r.RunID, &r.Venue, &r.Symbol, &side, &r.Qty, &r.Price, &r.VenueOrderID,
			&status, &r.Filled, &r.AvgFillPrice, &r.Reason, &r.CreatedAt, &r.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("postgres: scan order record: %w", err)
		}
		r.Side = domain.OrderSide(side)
		r.Status = domain.OrderStatus(status)
		out = append(out, r)
	}
	return out, rows.Err()
}
