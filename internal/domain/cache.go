package domain

import (
	"context"
	"time"
)

// QuoteCache keeps the latest quote per venue and symbol.
type QuoteCache interface {
	SetQuote(ctx context.Context, venue string, q QuoteTick) error
	GetQuote(ctx context.Context, venue, symbol string) (QuoteTick, error)
	GetQuotes(ctx context.Context, symbol string) (map[string]QuoteTick, error)
}

// LockManager provides distributed locking.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}

// StreamMessage represents a single entry from a Redis stream.
type StreamMessage struct {
	ID      string
	Payload []byte
}

// SignalBus provides pub/sub and durable streams.
type SignalBus interface {
	Publish(ctx context.Context, channel string, payload []byte) error
	Subscribe(ctx context.Context, channel string) (<-chan []byte, error)
	StreamAppend(ctx context.Context, stream string, payload []byte) error
	StreamRead(ctx context.Context, stream string, lastID string, count int) ([]StreamMessage, error)
}

// Bus channels and streams.
const (
	ChannelOpportunities = "ch:opportunities"
	ChannelTrades        = "ch:trades"
	ChannelQuotes        = "ch:quotes"
	StreamTrades         = "stream:trades"
)
