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

// RunStore implements domain.RunStore using PostgreSQL.
type RunStore struct {
	pool *pgxpool.Pool
}

// NewRunStore creates a new RunStore backed by the given connection pool.
func NewRunStore(pool *pgxpool.Pool) *RunStore {
	return &RunStore{pool: pool}
}

// CreateRun inserts r and returns its id, generating one when r.ID is empty.
func (s *RunStore) CreateRun(ctx context.Context, r domain.Run) (string, error) {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Status == "" {
		r.Status = domain.RunStatusPending
	}
	metaJSON, err := json.Marshal(nonNilMeta(r.Meta))
	if err != nil {
		return "", fmt.Errorf("postgres: marshal run meta: %w", err)
	}

	const query = `
		INSERT INTO runs (id, bot_name, kind, status, reason, notional_usd, pnl_usd, meta, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, COALESCE($9, NOW()))`
	_, err = s.pool.Exec(ctx, query,
		r.ID, r.BotName, string(r.Kind), string(r.Status), r.Reason,
		r.NotionalUSD, r.PnlUSD, metaJSON, nullTime(r.CreatedAt),
	)
	if err != nil {
		return "", fmt.Errorf("postgres: create run: %w", err)
	}
	return r.ID, nil
}

// UpdateStatus moves a run out of pending and stamps completed_at.
func (s *RunStore) UpdateStatus(ctx context.Context, id string, status domain.RunStatus, reason string, pnlUSD float64) error {
	const query = `
		UPDATE runs SET
			status       = $2,
			reason       = $3,
			pnl_usd      = $4,
			completed_at = CASE WHEN $2 = 'pending' THEN NULL ELSE NOW() END
		WHERE id = $1`

	tag, err := s.pool.Exec(ctx, query, id, string(status), reason, pnlUSD)
	if err != nil {
		return fmt.Errorf("postgres: update run %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// GetByID returns one run.
func (s *RunStore) GetByID(ctx context.Context, id string) (domain.Run, error) {
	const query = `
		SELECT id, bot_name, kind, status, reason, notional_usd, pnl_usd, meta, created_at, completed_at
		FROM runs WHERE id = $1`

	var (
		r            domain.Run
		kind, status string
		metaJSON     []byte
	)
	err := s.pool.QueryRow(ctx, query, id).Scan(
		&r.ID, &r.BotName, &kind, &status, &r.Reason,
		&r.NotionalUSD, &r.PnlUSD, &metaJSON, &r.CreatedAt, &r.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Run{}, domain.ErrNotFound
		}
		return domain.Run{}, fmt.Errorf("postgres: get run %s: %w", id, err)
	}
	r.Kind = domain.RunKind(kind)
	r.Status = domain.RunStatus(status)
	if err := unmarshalMeta(metaJSON, &r.Meta); err != nil {
		return domain.Run{}, fmt.Errorf("postgres: unmarshal run meta: %w", err)
	}
	return r, nil
}

// RecentPerformance implements domain.PerformanceReader from the bot's
// latest completed runs, oldest first.
func (s *RunStore) RecentPerformance(ctx context.Context, botName string, limit int) (*domain.Performance, error) {
	if limit <= 0 {
		limit = 50
	}
	const query = `
		SELECT pnl_usd, notional_usd FROM runs
		WHERE bot_name = $1 AND status = 'completed'
		ORDER BY completed_at DESC
		LIMIT $2`

	rows, err := s.pool.Query(ctx, query, botName, limit)
	if err != nil {
		return nil, fmt.Errorf("postgres: recent performance: %w", err)
	}
	defer rows.Close()

	var pnls, notionals []float64
	for rows.Next() {
		var pnl, notional float64
		if err := rows.Scan(&pnl, &notional); err != nil {
			return nil, fmt.Errorf("postgres: scan performance: %w", err)
		}
		pnls = append(pnls, pnl)
		notionals = append(notionals, notional)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: recent performance rows: %w", err)
	}
	return performanceFrom(pnls, notionals), nil
}

// performanceFrom turns newest-first rows into an oldest-first record.
func performanceFrom(pnls, notionals []float64) *domain.Performance {
	perf := &domain.Performance{}
	for i := len(pnls) - 1; i >= 0; i-- {
		perf.PnlUSD = append(perf.PnlUSD, pnls[i])
		if notionals[i] > 0 {
			perf.Returns = append(perf.Returns, pnls[i]/notionals[i])
		}
	}
	return perf
}
