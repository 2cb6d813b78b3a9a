package pool

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

type fakeAdapter struct {
	id           string
	connected    atomic.Bool
	disconnects  atomic.Int32
	connectDelay time.Duration
}

func (f *fakeAdapter) ID() string       { return f.id }
func (f *fakeAdapter) Kind() venue.Kind { return venue.KindSpot }
func (f *fakeAdapter) Connect(context.Context) error {
	if f.connectDelay > 0 {
		time.Sleep(f.connectDelay)
	}
	f.connected.Store(true)
	return nil
}
func (f *fakeAdapter) Disconnect(context.Context) error {
	f.connected.Store(false)
	f.disconnects.Add(1)
	return nil
}
func (f *fakeAdapter) FetchBalances(context.Context) (map[string]float64, error) { return nil, nil }
func (f *fakeAdapter) FetchOpenOrders(context.Context, string) ([]domain.OrderResponse, error) {
	return nil, nil
}
func (f *fakeAdapter) FetchTicker(context.Context, string) (domain.QuoteTick, error) {
	return domain.QuoteTick{}, nil
}
func (f *fakeAdapter) PlaceOrder(context.Context, domain.OrderRequest) (domain.OrderResponse, error) {
	return domain.OrderResponse{}, nil
}
func (f *fakeAdapter) CancelOrder(context.Context, string, string) error { return nil }

type recordingFactory struct {
	mu      sync.Mutex
	built   []*fakeAdapter
	delay   time.Duration
	failing bool
}

func (r *recordingFactory) build(cfg venue.Config) (venue.Adapter, error) {
	if r.failing {
		return nil, errors.New("boom")
	}
	a := &fakeAdapter{id: cfg.ID, connectDelay: r.delay}
	r.mu.Lock()
	r.built = append(r.built, a)
	r.mu.Unlock()
	return a, nil
}

func (r *recordingFactory) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.built)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

var spotCfg = venue.Config{Kind: venue.KindSpot, ID: "alpha"}

func TestAcquireReusesIdleAdapter(t *testing.T) {
	f := &recordingFactory{}
	p := New(Config{MaxPoolSize: 2}, f.build, testLogger())
	ctx := context.Background()

	a1, err := p.Acquire(ctx, spotCfg)
	if err != nil {
		t.Fatal(err)
	}
	p.Release(ctx, a1)
	a2, err := p.Acquire(ctx, spotCfg)
	if err != nil {
		t.Fatal(err)
	}
	if a1 != a2 {
		t.Fatal("expected the idle adapter to be reused")
	}
	if f.count() != 1 {
		t.Fatalf("built %d adapters, want 1", f.count())
	}
	if !a2.(*fakeAdapter).connected.Load() {
		t.Fatal("pooled adapter should be connected")
	}
}

func TestKeySeparatesCredentialClassAndEnvironment(t *testing.T) {
	f := &recordingFactory{}
	p := New(Config{MaxPoolSize: 1}, f.build, testLogger())
	ctx := context.Background()

	sandbox := spotCfg
	sandbox.Extra = map[string]any{"environment": "sandbox"}
	other := spotCfg
	other.Extra = map[string]any{"credential_class": "desk2"}

	for _, cfg := range []venue.Config{spotCfg, sandbox, other} {
		if _, err := p.Acquire(ctx, cfg); err != nil {
			t.Fatal(err)
		}
	}
	if got := len(p.Stats()); got != 3 {
		t.Fatalf("got %d keys, want 3", got)
	}
	if p.Saturations() != 0 {
		t.Fatal("distinct keys must not saturate each other")
	}
}

func TestConcurrentAcquireNeverExceedsCapacity(t *testing.T) {
	f := &recordingFactory{delay: 5 * time.Millisecond}
	p := New(Config{MaxPoolSize: 3}, f.build, testLogger())
	ctx := context.Background()

	var wg sync.WaitGroup
	held := make(chan venue.Adapter, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			a, err := p.Acquire(ctx, spotCfg)
			if err != nil {
				t.Error(err)
				return
			}
			held <- a
		}()
	}
	wg.Wait()
	close(held)

	stats := p.Stats()
	if len(stats) != 1 || stats[0].Total != 3 || stats[0].InUse != 3 {
		t.Fatalf("stats = %+v, want 3 pooled in use", stats)
	}
	if p.Saturations() != 7 {
		t.Fatalf("saturations = %d, want 7", p.Saturations())
	}
	for a := range held {
		p.Release(ctx, a)
	}
	stats = p.Stats()
	if stats[0].Total != 3 || stats[0].Idle != 3 {
		t.Fatalf("after release stats = %+v", stats)
	}
}

func TestSaturatedAdapterIsClosedOnRelease(t *testing.T) {
	f := &recordingFactory{}
	p := New(Config{MaxPoolSize: 1}, f.build, testLogger())
	ctx := context.Background()

	pooled, _ := p.Acquire(ctx, spotCfg)
	temp, err := p.Acquire(ctx, spotCfg)
	if err != nil {
		t.Fatal(err)
	}
	if temp == pooled {
		t.Fatal("saturated acquire returned the in-use adapter")
	}
	p.Release(ctx, temp)
	if temp.(*fakeAdapter).disconnects.Load() != 1 {
		t.Fatal("temporary adapter was not disconnected")
	}
	p.Release(ctx, pooled)
	if pooled.(*fakeAdapter).disconnects.Load() != 0 {
		t.Fatal("pooled adapter must stay connected after release")
	}
}

func TestSweepEvictsIdleAdapters(t *testing.T) {
	f := &recordingFactory{}
	p := New(Config{MaxPoolSize: 2, MaxIdleTime: time.Minute}, f.build, testLogger())
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	p.SetClock(func() time.Time { return base })
	ctx := context.Background()

	idle, _ := p.Acquire(ctx, spotCfg)
	busy, _ := p.Acquire(ctx, spotCfg)
	p.Release(ctx, idle)

	if n := p.Sweep(ctx, base.Add(30*time.Second)); n != 0 {
		t.Fatalf("evicted %d before idle limit", n)
	}
	if n := p.Sweep(ctx, base.Add(2*time.Minute)); n != 1 {
		t.Fatalf("evicted %d, want 1", n)
	}
	if idle.(*fakeAdapter).disconnects.Load() != 1 {
		t.Fatal("idle adapter not disconnected")
	}
	if busy.(*fakeAdapter).disconnects.Load() != 0 {
		t.Fatal("in-use adapter must survive the sweep")
	}
	stats := p.Stats()
	if len(stats) != 1 || stats[0].Total != 1 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestWithResourceReleasesOnErrorAndPanic(t *testing.T) {
	f := &recordingFactory{}
	p := New(Config{MaxPoolSize: 1}, f.build, testLogger())
	ctx := context.Background()

	wantErr := errors.New("leg failed")
	err := p.WithResource(ctx, spotCfg, func(venue.Adapter) error { return wantErr })
	if !errors.Is(err, wantErr) {
		t.Fatalf("err = %v", err)
	}

	func() {
		defer func() { _ = recover() }()
		_ = p.WithResource(ctx, spotCfg, func(venue.Adapter) error { panic("oops") })
	}()

	stats := p.Stats()
	if len(stats) != 1 || stats[0].InUse != 0 || stats[0].Idle != 1 {
		t.Fatalf("stats = %+v, want one idle adapter", stats)
	}
	if p.Saturations() != 0 {
		t.Fatal("release did not return the adapter")
	}
}

func TestShutdownIsIdempotent(t *testing.T) {
	f := &recordingFactory{}
	p := New(Config{}, f.build, testLogger())
	ctx := context.Background()

	a, _ := p.Acquire(ctx, spotCfg)
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if err := p.Shutdown(ctx); err != nil {
		t.Fatal(err)
	}
	if a.(*fakeAdapter).disconnects.Load() != 1 {
		t.Fatalf("disconnects = %d, want 1", a.(*fakeAdapter).disconnects.Load())
	}
	if _, err := p.Acquire(ctx, spotCfg); !errors.Is(err, domain.ErrPoolClosed) {
		t.Fatalf("err = %v, want ErrPoolClosed", err)
	}
}

func TestAcquireFactoryErrorFreesSlot(t *testing.T) {
	f := &recordingFactory{failing: true}
	p := New(Config{MaxPoolSize: 1}, f.build, testLogger())
	if _, err := p.Acquire(context.Background(), spotCfg); err == nil {
		t.Fatal("expected factory error")
	}
	if len(p.Stats()) != 0 {
		t.Fatalf("failed build left a slot: %+v", p.Stats())
	}
}
