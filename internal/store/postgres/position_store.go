package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// PositionStore implements domain.PositionStore and domain.ExposureReader
// using PostgreSQL.
type PositionStore struct {
	pool *pgxpool.Pool
}

// NewPositionStore creates a new PositionStore backed by the given connection pool.
func NewPositionStore(pool *pgxpool.Pool) *PositionStore {
	return &PositionStore{pool: pool}
}

const positionSelectCols = `id, bot_name, venue, symbol, direction, qty, avg_price,
	pnl_realized, pnl_unrealized, meta, created_at, updated_at`

func scanPosition(row pgx.Row) (domain.Position, error) {
	var p domain.Position
	var direction string
	var metaJSON []byte

	if err := row.Scan(
		&p.ID, &p.BotName, &p.Venue, &p.Symbol, &direction, &p.Qty, &p.AvgPrice,
		&p.PnlRealized, &p.PnlUnrealized, &metaJSON, &p.CreatedAt, &p.UpdatedAt,
	); err != nil {
		return domain.Position{}, err
	}
	p.Direction = domain.PositionDirection(direction)
	if err := unmarshalMeta(metaJSON, &p.Meta); err != nil {
		return domain.Position{}, err
	}
	return p, nil
}

// UpsertPosition inserts p or replaces the row for (bot, venue, symbol).
func (s *PositionStore) UpsertPosition(ctx context.Context, p domain.Position) error {
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	metaJSON, err := json.Marshal(nonNilMeta(p.Meta))
	if err != nil {
		return fmt.Errorf("postgres: marshal position meta: %w", err)
	}

	const query = `
		INSERT INTO positions (
			id, bot_name, venue, symbol, direction, qty, avg_price,
			pnl_realized, pnl_unrealized, meta, created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, COALESCE($11, NOW()), NOW())
		ON CONFLICT (bot_name, venue, symbol) DO UPDATE SET
			direction      = EXCLUDED.direction,
			qty            = EXCLUDED.qty,
			avg_price      = EXCLUDED.avg_price,
			pnl_realized   = EXCLUDED.pnl_realized,
			pnl_unrealized = EXCLUDED.pnl_unrealized,
			meta           = EXCLUDED.meta,
			updated_at     = NOW()`

	_, err = s.pool.Exec(ctx, query,
		p.ID, p.BotName, p.Venue, p.Symbol, string(p.Direction), p.Qty, p.AvgPrice,
		p.PnlRealized, p.PnlUnrealized, metaJSON, nullTime(p.CreatedAt),
	)
	if err != nil {
		return fmt.Errorf("postgres: upsert position %s/%s: %w", p.Venue, p.Symbol, err)
	}
	return nil
}

// FindPosition returns the position for (bot, venue, symbol).
func (s *PositionStore) FindPosition(ctx context.Context, botName, venue, symbol string) (domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE bot_name = $1 AND venue = $2 AND symbol = $3`

	p, err := scanPosition(s.pool.QueryRow(ctx, query, botName, venue, symbol))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, domain.ErrNotFound
		}
		return domain.Position{}, fmt.Errorf("postgres: find position %s/%s: %w", venue, symbol, err)
	}
	return p, nil
}

// ListOpen returns the bot's non-flat positions.
func (s *PositionStore) ListOpen(ctx context.Context, botName string) ([]domain.Position, error) {
	query := `SELECT ` + positionSelectCols + ` FROM positions
		WHERE bot_name = $1 AND qty > 0
		ORDER BY venue, symbol`

	rows, err := s.pool.Query(ctx, query, botName)
	if err != nil {
		return nil, fmt.Errorf("postgres: list open positions: %w", err)
	}
	defer rows.Close()

	var out []domain.Position
	for rows.Next() {
		p, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("postgres: scan position: %w", err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// CurrentExposures implements domain.ExposureReader: signed notional per
// base asset summed across venues, so hedged legs net out.
func (s *PositionStore) CurrentExposures(ctx context.Context, botName string) ([]domain.Exposure, error) {
	open, err := s.ListOpen(ctx, botName)
	if err != nil {
		return nil, err
	}
	return exposuresFrom(open), nil
}

func exposuresFrom(positions []domain.Position) []domain.Exposure {
	byAsset := make(map[string]float64)
	var order []string
	for _, p := range positions {
		asset := domain.BaseAsset(p.Symbol)
		notional := p.Qty * p.AvgPrice
		if p.Direction == domain.DirectionShort {
			notional = -notional
		}
		if _, seen := byAsset[asset]; !seen {
			order = append(order, asset)
		}
		byAsset[asset] += notional
	}
	out := make([]domain.Exposure, 0, len(order))
	for _, a := range order {
		out = append(out, domain.Exposure{Asset: a, NotionalUSD: byAsset[a]})
	}
	return out
}
