package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// PositionLister lists a bot's open positions. *service.PositionService
// satisfies it.
type PositionLister interface {
	OpenPositions(ctx context.Context, botName string) ([]domain.Position, error)
}

// PositionHandler serves GET /api/positions.
type PositionHandler struct {
	positions  PositionLister
	defaultBot string
	logger     *slog.Logger
}

func NewPositionHandler(positions PositionLister, defaultBot string, logger *slog.Logger) *PositionHandler {
	return &PositionHandler{positions: positions, defaultBot: defaultBot, logger: logger}
}

type listPositionsResponse struct {
	Bot       string            `json:"bot"`
	Positions []domain.Position `json:"positions"`
}

// ListPositions returns open positions for ?bot=, defaulting to the
// configured bot name.
// GET /api/positions
func (h *PositionHandler) ListPositions(w http.ResponseWriter, r *http.Request) {
	bot := r.URL.Query().Get("bot")
	if bot == "" {
		bot = h.defaultBot
	}

	positions, err := h.positions.OpenPositions(r.Context(), bot)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list positions failed",
			slog.String("bot", bot),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to list positions")
		return
	}
	if positions == nil {
		positions = []domain.Position{}
	}
	writeJSON(w, http.StatusOK, listPositionsResponse{Bot: bot, Positions: positions})
}
