package handler

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/alanyoungcy/arbexec/internal/executor"
)

// JournalReader loads one UTC day of journaled outcomes.
type JournalReader interface {
	Day(ctx context.Context, day time.Time) ([]executor.TradeOutcome, error)
}

// JournalHandler serves GET /api/journal.
type JournalHandler struct {
	journal JournalReader
	logger  *slog.Logger
	now     func() time.Time
}

func NewJournalHandler(journal JournalReader, logger *slog.Logger) *JournalHandler {
	return &JournalHandler{journal: journal, logger: logger, now: time.Now}
}

// ListDay returns the outcomes journaled on ?date=YYYY-MM-DD (today when
// absent).
// GET /api/journal
func (h *JournalHandler) ListDay(w http.ResponseWriter, r *http.Request) {
	day := h.now().UTC()
	if v := r.URL.Query().Get("date"); v != "" {
		d, err := time.Parse(time.DateOnly, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "date must be YYYY-MM-DD")
			return
		}
		day = d
	}

	outcomes, err := h.journal.Day(r.Context(), day)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "read journal failed",
			slog.String("date", day.Format(time.DateOnly)),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to read journal")
		return
	}
	if outcomes == nil {
		outcomes = []executor.TradeOutcome{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"date":     day.Format(time.DateOnly),
		"outcomes": outcomes,
	})
}
