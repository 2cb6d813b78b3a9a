// Package service holds persistence-backed bookkeeping shared by the
// execution workers.
package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// Fill is one executed leg to fold into inventory.
type Fill struct {
	BotName string
	Venue   string
	Symbol  string
	Side    domain.OrderSide
	// Spot fills book as DirectionSpot on the buy side instead of long.
	Spot  bool
	Qty   float64
	Price float64
	RunID string
}

// PositionService maintains per-venue inventory from executed legs.
type PositionService struct {
	positions domain.PositionStore
	bus       domain.SignalBus
	logger    *slog.Logger
	now       func() time.Time
}

// NewPositionService creates a PositionService. bus may be nil.
func NewPositionService(positions domain.PositionStore, bus domain.SignalBus, logger *slog.Logger) *PositionService {
	return &PositionService{
		positions: positions,
		bus:       bus,
		logger:    logger.With(slog.String("component", "position_service")),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// RecordFill nets f into the existing position on (bot, venue, symbol).
// Reducing a position realizes PnL against its average price; crossing
// through zero flips the direction at the fill price.
func (s *PositionService) RecordFill(ctx context.Context, f Fill) (domain.Position, error) {
	if f.Qty <= 0 || math.IsNaN(f.Qty) {
		return domain.Position{}, fmt.Errorf("position_service: record fill: %w: qty %v", domain.ErrInvalidOrder, f.Qty)
	}
	now := s.now()

	pos, err := s.positions.FindPosition(ctx, f.BotName, f.Venue, f.Symbol)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		pos = domain.Position{
			BotName:   f.BotName,
			Venue:     f.Venue,
			Symbol:    f.Symbol,
			CreatedAt: now,
		}
	case err != nil:
		return domain.Position{}, fmt.Errorf("position_service: find position: %w", err)
	}

	held := signedQty(pos)
	delta := f.Qty
	if f.Side == domain.OrderSideSell {
		delta = -f.Qty
	}
	next := held + delta

	switch {
	case held == 0 || sameSign(held, delta):
		// Opening or adding.
		total := math.Abs(held) + f.Qty
		pos.AvgPrice = (math.Abs(held)*pos.AvgPrice + f.Qty*f.Price) / total
	default:
		closed := math.Min(math.Abs(held), f.Qty)
		if held > 0 {
			pos.PnlRealized += closed * (f.Price - pos.AvgPrice)
		} else {
			pos.PnlRealized += closed * (pos.AvgPrice - f.Price)
		}
		if !sameSign(held, next) && next != 0 {
			pos.AvgPrice = f.Price
		}
	}

	pos.Qty = math.Abs(next)
	switch {
	case next < 0:
		pos.Direction = domain.DirectionShort
	case f.Spot:
		pos.Direction = domain.DirectionSpot
	case next > 0 || pos.Direction == "":
		pos.Direction = domain.DirectionLong
	}
	if pos.Qty == 0 {
		pos.AvgPrice = 0
	}
	if pos.Meta == nil {
		pos.Meta = map[string]any{}
	}
	if f.RunID != "" {
		pos.Meta["last_run_id"] = f.RunID
	}
	pos.UpdatedAt = now

	if err := s.positions.UpsertPosition(ctx, pos); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: upsert position: %w", err)
	}

	if s.bus != nil {
		evt, _ := json.Marshal(map[string]any{
			"event":     "position_updated",
			"bot":       pos.BotName,
			"venue":     pos.Venue,
			"symbol":    pos.Symbol,
			"direction": string(pos.Direction),
			"qty":       pos.Qty,
			"avg_price": pos.AvgPrice,
		})
		if pubErr := s.bus.Publish(ctx, domain.ChannelTrades, evt); pubErr != nil {
			s.logger.WarnContext(ctx, "publish position event failed",
				slog.String("venue", pos.Venue),
				slog.String("error", pubErr.Error()),
			)
		}
	}

	s.logger.DebugContext(ctx, "position updated",
		slog.String("venue", pos.Venue),
		slog.String("symbol", pos.Symbol),
		slog.String("direction", string(pos.Direction)),
		slog.Float64("qty", pos.Qty),
	)
	return pos, nil
}

// OpenPositions lists the bot's non-flat positions.
func (s *PositionService) OpenPositions(ctx context.Context, botName string) ([]domain.Position, error) {
	out, err := s.positions.ListOpen(ctx, botName)
	if err != nil {
		return nil, fmt.Errorf("position_service: list open: %w", err)
	}
	return out, nil
}

func signedQty(p domain.Position) float64 {
	if p.Direction == domain.DirectionShort {
		return -p.Qty
	}
	return p.Qty
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}
