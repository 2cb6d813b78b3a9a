package executor

import (
	"context"
	"fmt"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/pool"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// AdapterSource lends a connected adapter for one venue. The returned
// release func must be called exactly once.
type AdapterSource interface {
	Acquire(ctx context.Context, venueID string) (venue.Adapter, func(), error)
}

// PoolSource lends adapters from a connection pool, resolving venue ids to
// their factory configs.
type PoolSource struct {
	pool    *pool.Pool
	configs map[string]venue.Config
}

// NewPoolSource indexes cfgs by id.
func NewPoolSource(p *pool.Pool, cfgs []venue.Config) *PoolSource {
	m := make(map[string]venue.Config, len(cfgs))
	for _, c := range cfgs {
		m[c.ID] = c
	}
	return &PoolSource{pool: p, configs: m}
}

// Acquire implements AdapterSource.
func (s *PoolSource) Acquire(ctx context.Context, venueID string) (venue.Adapter, func(), error) {
	cfg, ok := s.configs[venueID]
	if !ok {
		return nil, nil, fmt.Errorf("executor: venue %q: %w", venueID, domain.ErrNotFound)
	}
	a, err := s.pool.Acquire(ctx, cfg)
	if err != nil {
		return nil, nil, err
	}
	return a, func() { s.pool.Release(context.WithoutCancel(ctx), a) }, nil
}

// StaticSource lends from a fixed set of already connected adapters. Release
// is a no-op.
type StaticSource map[string]venue.Adapter

// Acquire implements AdapterSource.
func (s StaticSource) Acquire(_ context.Context, venueID string) (venue.Adapter, func(), error) {
	a, ok := s[venueID]
	if !ok {
		return nil, nil, fmt.Errorf("executor: venue %q: %w", venueID, domain.ErrNotFound)
	}
	return a, func() {}, nil
}
