// Package pool keeps reusable, connected venue adapters keyed by venue,
// credential class, and environment.
package pool

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/metrics"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// Config bounds the pool.
type Config struct {
	MaxPoolSize   int
	MaxIdleTime   time.Duration
	SweepInterval time.Duration
}

// DefaultConfig returns 5 adapters per key, evicted after 10 minutes idle,
// swept every 5 minutes.
func DefaultConfig() Config {
	return Config{MaxPoolSize: 5, MaxIdleTime: 10 * time.Minute, SweepInterval: 5 * time.Minute}
}

// Factory builds an unconnected adapter.
type Factory func(cfg venue.Config) (venue.Adapter, error)

// Key identifies interchangeable adapters.
type Key struct {
	Venue           string
	CredentialClass string
	Environment     string
}

func (k Key) String() string {
	return k.Venue + "/" + k.CredentialClass + "/" + k.Environment
}

// KeyFor derives the pool key of cfg.
func KeyFor(cfg venue.Config) Key {
	return Key{Venue: cfg.ID, CredentialClass: cfg.CredentialClass(), Environment: cfg.Environment()}
}

type entry struct {
	adapter  venue.Adapter
	inUse    bool
	lastUsed time.Time
}

// Stats is a point-in-time view of one key.
type Stats struct {
	Key   string `json:"key"`
	Total int    `json:"total"`
	InUse int    `json:"in_use"`
	Idle  int    `json:"idle"`
}

// Pool hands out connected adapters. When a key is at capacity Acquire
// returns a temporary adapter that Release closes, so callers never block on
// the pool.
type Pool struct {
	cfg     Config
	factory Factory
	logger  *slog.Logger
	now     func() time.Time

	mu          sync.Mutex
	entries     map[Key][]*entry
	owned       map[venue.Adapter]Key
	closed      bool
	saturations int
}

// New creates a pool. Zero config fields take their defaults.
func New(cfg Config, factory Factory, logger *slog.Logger) *Pool {
	def := DefaultConfig()
	if cfg.MaxPoolSize <= 0 {
		cfg.MaxPoolSize = def.MaxPoolSize
	}
	if cfg.MaxIdleTime <= 0 {
		cfg.MaxIdleTime = def.MaxIdleTime
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = def.SweepInterval
	}
	return &Pool{
		cfg:     cfg,
		factory: factory,
		logger:  logger.With(slog.String("component", "pool")),
		now:     time.Now,
		entries: make(map[Key][]*entry),
		owned:   make(map[venue.Adapter]Key),
	}
}

// SetClock replaces the time source. Intended for tests.
func (p *Pool) SetClock(now func() time.Time) {
	p.mu.Lock()
	p.now = now
	p.mu.Unlock()
}

// Acquire returns an idle adapter for cfg, a new pooled one when the key has
// room, or a temporary unpooled one when it does not.
func (p *Pool) Acquire(ctx context.Context, cfg venue.Config) (venue.Adapter, error) {
	key := KeyFor(cfg)

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, domain.ErrPoolClosed
	}
	for _, e := range p.entries[key] {
		if !e.inUse && e.adapter != nil {
			e.inUse = true
			e.lastUsed = p.now()
			p.updateGaugesLocked(key)
			p.mu.Unlock()
			return e.adapter, nil
		}
	}
	if len(p.entries[key]) < p.cfg.MaxPoolSize {
		// Reserve the slot before dialing so concurrent acquires respect
		// the bound.
		slot := &entry{inUse: true, lastUsed: p.now()}
		p.entries[key] = append(p.entries[key], slot)
		p.mu.Unlock()

		a, err := p.build(ctx, cfg)
		p.mu.Lock()
		defer p.mu.Unlock()
		if err != nil {
			p.removeLocked(key, slot)
			return nil, err
		}
		if p.closed {
			p.removeLocked(key, slot)
			_ = a.Disconnect(context.WithoutCancel(ctx))
			return nil, domain.ErrPoolClosed
		}
		slot.adapter = a
		p.owned[a] = key
		p.updateGaugesLocked(key)
		return a, nil
	}
	p.saturations++
	p.mu.Unlock()

	metrics.PoolSaturationsTotal.WithLabelValues(key.Venue).Inc()
	p.logger.WarnContext(ctx, "pool saturated, using temporary adapter",
		slog.String("key", key.String()),
		slog.Int("max_pool_size", p.cfg.MaxPoolSize),
	)
	return p.build(ctx, cfg)
}

func (p *Pool) build(ctx context.Context, cfg venue.Config) (venue.Adapter, error) {
	a, err := p.factory(cfg)
	if err != nil {
		return nil, fmt.Errorf("pool: build %s: %w", cfg.ID, err)
	}
	if err := a.Connect(ctx); err != nil {
		return nil, fmt.Errorf("pool: connect %s: %w", cfg.ID, err)
	}
	return a, nil
}

func (p *Pool) removeLocked(key Key, target *entry) {
	list := p.entries[key]
	for i, e := range list {
		if e == target {
			p.entries[key] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(p.entries[key]) == 0 {
		delete(p.entries, key)
	}
	p.updateGaugesLocked(key)
}

// Release returns a to the pool, or disconnects it when the pool does not
// own it.
func (p *Pool) Release(ctx context.Context, a venue.Adapter) {
	if a == nil {
		return
	}
	p.mu.Lock()
	key, ok := p.owned[a]
	if ok {
		for _, e := range p.entries[key] {
			if e.adapter == a {
				e.inUse = false
				e.lastUsed = p.now()
				break
			}
		}
		p.updateGaugesLocked(key)
	}
	p.mu.Unlock()

	if !ok {
		if err := a.Disconnect(ctx); err != nil {
			p.logger.WarnContext(ctx, "closing unpooled adapter failed",
				slog.String("venue", a.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// WithResource runs fn with an acquired adapter and always releases it,
// including when fn panics.
func (p *Pool) WithResource(ctx context.Context, cfg venue.Config, fn func(venue.Adapter) error) error {
	a, err := p.Acquire(ctx, cfg)
	if err != nil {
		return err
	}
	defer p.Release(context.WithoutCancel(ctx), a)
	return fn(a)
}

// Sweep closes idle adapters unused for longer than MaxIdleTime and returns
// how many were evicted.
func (p *Pool) Sweep(ctx context.Context, now time.Time) int {
	var evicted []venue.Adapter
	p.mu.Lock()
	for key, list := range p.entries {
		kept := list[:0]
		for _, e := range list {
			if !e.inUse && e.adapter != nil && now.Sub(e.lastUsed) > p.cfg.MaxIdleTime {
				evicted = append(evicted, e.adapter)
				delete(p.owned, e.adapter)
				continue
			}
			kept = append(kept, e)
		}
		if len(kept) == 0 {
			delete(p.entries, key)
		} else {
			p.entries[key] = kept
		}
		p.updateGaugesLocked(key)
	}
	p.mu.Unlock()

	for _, a := range evicted {
		if err := a.Disconnect(ctx); err != nil {
			p.logger.WarnContext(ctx, "closing idle adapter failed",
				slog.String("venue", a.ID()),
				slog.String("error", err.Error()),
			)
		}
	}
	if len(evicted) > 0 {
		p.logger.InfoContext(ctx, "evicted idle adapters", slog.Int("count", len(evicted)))
	}
	return len(evicted)
}

// Run sweeps on SweepInterval until ctx is cancelled.
func (p *Pool) Run(ctx context.Context) error {
	t := time.NewTicker(p.cfg.SweepInterval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
			p.mu.Lock()
			now := p.now()
			p.mu.Unlock()
			p.Sweep(ctx, now)
		}
	}
}

// Shutdown disconnects every pooled adapter, in use or not. Later calls are
// no-ops and later acquires fail with domain.ErrPoolClosed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	var all []venue.Adapter
	for key, list := range p.entries {
		for _, e := range list {
			if e.adapter != nil {
				all = append(all, e.adapter)
			}
		}
		delete(p.entries, key)
		p.updateGaugesLocked(key)
	}
	p.owned = make(map[venue.Adapter]Key)
	p.mu.Unlock()

	var errs []error
	for _, a := range all {
		if err := a.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("pool: disconnect %s: %w", a.ID(), err))
		}
	}
	p.logger.InfoContext(ctx, "pool drained", slog.Int("adapters", len(all)))
	return errors.Join(errs...)
}

// Stats reports per-key occupancy, sorted by nothing in particular.
func (p *Pool) Stats() []Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Stats, 0, len(p.entries))
	for key, list := range p.entries {
		s := Stats{Key: key.String(), Total: len(list)}
		for _, e := range list {
			if e.inUse {
				s.InUse++
			} else {
				s.Idle++
			}
		}
		out = append(out, s)
	}
	return out
}

// Saturations returns how many acquires fell back to a temporary adapter.
func (p *Pool) Saturations() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.saturations
}

func (p *Pool) updateGaugesLocked(key Key) {
	var inUse, idle int
	for _, e := range p.entries[key] {
		if e.inUse {
			inUse++
		} else {
			idle++
		}
	}
	metrics.PoolAdapters.WithLabelValues(key.Venue, "in_use").Set(float64(inUse))
	metrics.PoolAdapters.WithLabelValues(key.Venue, "idle").Set(float64(idle))
}
