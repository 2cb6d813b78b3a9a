package handler

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// RunHandler serves GET /api/runs/{id}.
type RunHandler struct {
	runs   domain.RunStore
	orders domain.OrderRecordStore
	logger *slog.Logger
}

func NewRunHandler(runs domain.RunStore, orders domain.OrderRecordStore, logger *slog.Logger) *RunHandler {
	return &RunHandler{runs: runs, orders: orders, logger: logger}
}

// GetRun returns a run with the order record of every leg it placed.
// GET /api/runs/{id}
func (h *RunHandler) GetRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing run id")
		return
	}

	run, err := h.runs.GetByID(r.Context(), id)
	if errors.Is(err, domain.ErrNotFound) {
		writeError(w, http.StatusNotFound, "run not found")
		return
	}
	if err != nil {
		h.logger.ErrorContext(r.Context(), "get run failed",
			slog.String("run_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load run")
		return
	}

	orders, err := h.orders.ListByRun(r.Context(), id)
	if err != nil {
		h.logger.ErrorContext(r.Context(), "list run orders failed",
			slog.String("run_id", id),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to load run orders")
		return
	}
	if orders == nil {
		orders = []domain.OrderRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "orders": orders})
}
