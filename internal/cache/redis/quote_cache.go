package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/redis/go-redis/v9"
)

// QuoteCache implements domain.QuoteCache. All venues quoting a symbol share
// one hash at "quote:{symbol}", one field per venue.
type QuoteCache struct {
	rdb *redis.Client
	ttl time.Duration
}

// NewQuoteCache creates a QuoteCache. A zero ttl keeps quotes until they are
// overwritten.
func NewQuoteCache(c *Client, ttl time.Duration) *QuoteCache {
	return &QuoteCache{rdb: c.Underlying(), ttl: ttl}
}

func quoteKey(symbol string) string {
	return "quote:" + symbol
}

// cachedQuote is the stored form of a quote. Absent prices stay null.
type cachedQuote struct {
	Symbol string   `json:"symbol"`
	Bid    *float64 `json:"bid"`
	Ask    *float64 `json:"ask"`
	Last   *float64 `json:"last"`
	TsMs   int64    `json:"ts_ms"`
}

func encodeQuote(q domain.QuoteTick) ([]byte, error) {
	return json.Marshal(cachedQuote{
		Symbol: q.Symbol,
		Bid:    q.Bid,
		Ask:    q.Ask,
		Last:   q.Last,
		TsMs:   q.TimestampMs,
	})
}

func decodeQuote(raw string) (domain.QuoteTick, error) {
	var c cachedQuote
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return domain.QuoteTick{}, err
	}
	return domain.QuoteTick{
		Symbol:      c.Symbol,
		Bid:         c.Bid,
		Ask:         c.Ask,
		Last:        c.Last,
		TimestampMs: c.TsMs,
	}, nil
}

// SetQuote stores the latest quote of venue for q.Symbol.
func (qc *QuoteCache) SetQuote(ctx context.Context, venue string, q domain.QuoteTick) error {
	data, err := encodeQuote(q)
	if err != nil {
		return fmt.Errorf("redis: encode quote %s/%s: %w", venue, q.Symbol, err)
	}

	key := quoteKey(q.Symbol)
	pipe := qc.rdb.TxPipeline()
	pipe.HSet(ctx, key, venue, data)
	if qc.ttl > 0 {
		pipe.Expire(ctx, key, qc.ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("redis: set quote %s/%s: %w", venue, q.Symbol, err)
	}
	return nil
}

// GetQuote returns the cached quote of one venue, or domain.ErrNotFound.
func (qc *QuoteCache) GetQuote(ctx context.Context, venue, symbol string) (domain.QuoteTick, error) {
	raw, err := qc.rdb.HGet(ctx, quoteKey(symbol), venue).Result()
	if err == redis.Nil {
		return domain.QuoteTick{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.QuoteTick{}, fmt.Errorf("redis: get quote %s/%s: %w", venue, symbol, err)
	}
	q, err := decodeQuote(raw)
	if err != nil {
		return domain.QuoteTick{}, fmt.Errorf("redis: decode quote %s/%s: %w", venue, symbol, err)
	}
	return q, nil
}

// GetQuotes returns every cached quote for symbol keyed by venue. Entries
// that fail to decode are skipped.
func (qc *QuoteCache) GetQuotes(ctx context.Context, symbol string) (map[string]domain.QuoteTick, error) {
	vals, err := qc.rdb.HGetAll(ctx, quoteKey(symbol)).Result()
	if err != nil {
		return nil, fmt.Errorf("redis: get quotes %s: %w", symbol, err)
	}
	out := make(map[string]domain.QuoteTick, len(vals))
	for venue, raw := range vals {
		q, err := decodeQuote(raw)
		if err != nil {
			continue
		}
		out[venue] = q
	}
	return out, nil
}

var _ domain.QuoteCache = (*QuoteCache)(nil)
