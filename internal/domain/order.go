package domain

import "time"

// OrderSide indicates whether this is a buy or sell.
type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

// OrderType is the execution style requested from a venue.
type OrderType string

const (
	OrderTypeMarket   OrderType = "market"
	OrderTypeLimit    OrderType = "limit"
	OrderTypePostOnly OrderType = "post_only"
)

// OrderStatus is the venue-reported state of an order.
type OrderStatus string

const (
	OrderStatusPending         OrderStatus = "pending"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusRejected        OrderStatus = "rejected"
	OrderStatusCancelled       OrderStatus = "cancelled"
)

// Terminal reports whether no further fills can occur.
func (s OrderStatus) Terminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusRejected, OrderStatusCancelled:
		return true
	}
	return false
}

// OrderRequest is the venue-neutral order shape every adapter accepts.
type OrderRequest struct {
	Symbol        string
	Side          OrderSide
	Amount        float64
	Price         *float64 // nil for market orders
	Type          OrderType
	Leverage      *float64
	ClientOrderID string
	TimeInForce   string
}

// OrderResponse is what an adapter reports back after placing an order.
type OrderResponse struct {
	ID           string
	Status       OrderStatus
	Filled       float64
	Remaining    float64
	AvgFillPrice *float64
	Raw          map[string]any
}

// OrderRecord is the persisted, per-leg view of an order belonging to a Run.
type OrderRecord struct {
	ID           string
	RunID        string
	Venue        string
	Symbol       string
	Side         OrderSide
	Qty          float64
	Price        float64
	VenueOrderID string
	Status       OrderStatus
	Filled       float64
	AvgFillPrice *float64
	Reason       string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}
