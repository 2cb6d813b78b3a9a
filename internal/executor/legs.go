package executor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// legRunner places single legs and keeps their order records current. It is
// shared by both workers.
type legRunner struct {
	source  AdapterSource
	orders  domain.OrderRecordStore
	timeout time.Duration
	logger  *slog.Logger
}

// leg is a placed or attempted order with its persisted record.
type leg struct {
	record   domain.OrderRecord
	response domain.OrderResponse
	err      error
}

func (l *leg) attempt() LegAttempt {
	a := LegAttempt{
		Venue:         l.record.Venue,
		Symbol:        l.record.Symbol,
		Side:          string(l.record.Side),
		Qty:           l.record.Qty,
		OrderRecordID: l.record.ID,
		VenueOrderID:  l.response.ID,
		Status:        string(l.record.Status),
		Filled:        l.response.Filled,
	}
	if l.err != nil {
		a.Error = l.err.Error()
	}
	return a
}

// filled reports whether the venue confirmed a complete fill.
func (l *leg) filled() bool {
	return l.err == nil && l.response.Status == domain.OrderStatusFilled
}

// open inserts a pending order record for a leg about to be placed.
func (r *legRunner) open(ctx context.Context, runID, venueID string, req domain.OrderRequest, price float64) *leg {
	now := time.Now().UTC()
	l := &leg{record: domain.OrderRecord{
		RunID:     runID,
		Venue:     venueID,
		Symbol:    req.Symbol,
		Side:      req.Side,
		Qty:       req.Amount,
		Price:     price,
		Status:    domain.OrderStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}}
	if r.orders == nil {
		return l
	}
	id, err := r.orders.InsertOrder(ctx, l.record)
	if err != nil {
		r.logger.WarnContext(ctx, "insert order record failed",
			slog.String("run_id", runID),
			slog.String("venue", venueID),
			slog.String("error", err.Error()),
		)
		return l
	}
	l.record.ID = id
	return l
}

// place sends the leg's order under the per-leg deadline and records the
// venue's answer.
func (r *legRunner) place(ctx context.Context, l *leg, req domain.OrderRequest) {
	if req.ClientOrderID == "" {
		req.ClientOrderID = uuid.NewString()
	}
	l.err = r.withAdapter(ctx, l.record.Venue, func(ctx context.Context, a venue.Adapter) error {
		resp, err := a.PlaceOrder(ctx, req)
		if err != nil {
			return err
		}
		l.response = resp
		if resp.Status == domain.OrderStatusRejected {
			return fmt.Errorf("executor: %s rejected order %s", l.record.Venue, resp.ID)
		}
		return nil
	})
	if l.err != nil {
		r.reject(ctx, l, l.err.Error())
		return
	}
	l.record.VenueOrderID = l.response.ID
	l.record.Status = l.response.Status
	l.record.Filled = l.response.Filled
	l.record.AvgFillPrice = l.response.AvgFillPrice
	r.update(ctx, l)
}

// reject marks the leg's record rejected with reason.
func (r *legRunner) reject(ctx context.Context, l *leg, reason string) {
	l.record.Status = domain.OrderStatusRejected
	l.record.Reason = reason
	if l.response.ID != "" {
		l.record.VenueOrderID = l.response.ID
	}
	r.update(ctx, l)
}

// cancel makes a best-effort cancel of a placed leg. The error is returned
// for the audit trail, never escalated.
func (r *legRunner) cancel(ctx context.Context, l *leg) error {
	if l.response.ID == "" {
		return fmt.Errorf("executor: no venue order id to cancel on %s", l.record.Venue)
	}
	err := r.withAdapter(ctx, l.record.Venue, func(ctx context.Context, a venue.Adapter) error {
		return a.CancelOrder(ctx, l.response.ID, l.record.Symbol)
	})
	if err != nil {
		r.logger.ErrorContext(ctx, "compensating cancel failed, leg left outstanding",
			slog.String("venue", l.record.Venue),
			slog.String("venue_order_id", l.response.ID),
			slog.String("error", err.Error()),
		)
		return err
	}
	r.logger.InfoContext(ctx, "compensating cancel sent",
		slog.String("venue", l.record.Venue),
		slog.String("venue_order_id", l.response.ID),
	)
	return nil
}

func (r *legRunner) update(ctx context.Context, l *leg) {
	if r.orders == nil || l.record.ID == "" {
		return
	}
	l.record.UpdatedAt = time.Now().UTC()
	// Record updates must land even when the leg deadline expired.
	if err := r.orders.UpdateOrder(context.WithoutCancel(ctx), l.record); err != nil {
		r.logger.WarnContext(ctx, "update order record failed",
			slog.String("order_record_id", l.record.ID),
			slog.String("error", err.Error()),
		)
	}
}

func (r *legRunner) withAdapter(ctx context.Context, venueID string, fn func(context.Context, venue.Adapter) error) error {
	if r.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.timeout)
		defer cancel()
	}
	a, release, err := r.source.Acquire(ctx, venueID)
	if err != nil {
		return fmt.Errorf("executor: acquire %s: %w", venueID, err)
	}
	defer release()
	return fn(ctx, a)
}
