package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"reflect"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alanyoungcy/arbexec/internal/config"
	"github.com/alanyoungcy/arbexec/internal/domain"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// spotVenue serves the unified REST schema with a fixed BTC/USDT book.
func spotVenue(t *testing.T, bid, ask string, tickers *atomic.Int32) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/api/v1/markets":
			io.WriteString(w, `{"markets":[{"symbol":"BTC/USDT","base":"BTC","quote":"USDT","min_amount":"0.001","amount_precision":3,"price_precision":2}]}`)
		case "/api/v1/ticker":
			tickers.Add(1)
			fmt.Fprintf(w, `{"symbol":"BTC/USDT","bid":%q,"ask":%q,"last":null,"timestamp":1700000000000}`, bid, ask)
		default:
			http.NotFound(w, r)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func monitorConfig(urls ...string) *config.Config {
	cfg := config.Defaults()
	cfg.Mode = "monitor"
	cfg.Redis.Enabled = false
	cfg.Server.Enabled = false
	cfg.Scanner.Symbols = []string{"BTC/USDT"}
	cfg.Scanner.PollInterval.Duration = 20 * time.Millisecond
	for i, u := range urls {
		cfg.Adapters = append(cfg.Adapters, venue.Config{
			Kind:        venue.KindSpot,
			ID:          fmt.Sprintf("v%d", i+1),
			Credentials: map[string]string{"api_key": "k", "api_secret": "s"},
			Extra:       map[string]any{"base_url": u},
		})
	}
	return &cfg
}

func TestMonitorModeScansAndDrains(t *testing.T) {
	var tickers atomic.Int32
	a := spotVenue(t, "100", "100.5", &tickers)
	b := spotVenue(t, "102", "102.5", &tickers)

	cfg := monitorConfig(a.URL, b.URL)
	if err := cfg.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	application := New(cfg, discardLogger())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- application.Run(ctx) }()

	// Initial scan plus at least one timer tick on both venues.
	deadline := time.After(5 * time.Second)
	for tickers.Load() < 4 {
		select {
		case err := <-done:
			t.Fatalf("Run returned early: %v", err)
		case <-deadline:
			t.Fatalf("tickers fetched = %d, want >= 4", tickers.Load())
		case <-time.After(10 * time.Millisecond):
		}
	}
	cancel()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Run: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancel")
	}

	want := []string{StageStopScanner, StageDisconnectAdapters, StageDrainPool, StageClosePersistence}
	if got := application.lifecycle.Completed(); !reflect.DeepEqual(got, want) {
		t.Fatalf("completed stages = %v, want %v", got, want)
	}
}

func TestRunFailsWhenAdapterCannotConnect(t *testing.T) {
	var tickers atomic.Int32
	good := spotVenue(t, "100", "100.5", &tickers)
	down := httptest.NewServer(http.NotFoundHandler())
	down.Close()

	application := New(monitorConfig(good.URL, down.URL), discardLogger())
	err := application.Run(context.Background())
	if err == nil {
		t.Fatal("Run succeeded with an unreachable venue")
	}
	if got := len(application.lifecycle.Completed()); got != 4 {
		t.Fatalf("completed stages = %d, want 4", got)
	}
}

func TestRunRejectsUnknownMode(t *testing.T) {
	cfg := monitorConfig()
	cfg.Mode = "backtest"
	err := New(cfg, discardLogger()).Run(context.Background())
	if err == nil {
		t.Fatal("Run accepted an unknown mode")
	}
}

type stubAdapter struct {
	venue.Adapter
	id  string
	err error
}

func (s stubAdapter) ID() string                       { return s.id }
func (s stubAdapter) Disconnect(context.Context) error { return s.err }

func TestDisconnectAllJoinsErrors(t *testing.T) {
	boom := errors.New("boom")
	err := disconnectAll(context.Background(), []venue.Adapter{
		stubAdapter{id: "a"},
		stubAdapter{id: "b", err: boom},
		stubAdapter{id: "c", err: domain.ErrAdapterNotConnected},
	})
	if !errors.Is(err, boom) || !errors.Is(err, domain.ErrAdapterNotConnected) {
		t.Fatalf("err = %v", err)
	}
	if err := disconnectAll(context.Background(), nil); err != nil {
		t.Fatalf("empty: %v", err)
	}
}

func TestStatusHandlerLeavesMissingCollaboratorsNil(t *testing.T) {
	cfg := monitorConfig()
	application := New(cfg, discardLogger())
	h := application.statusHandler(&Dependencies{}, &runtime{})
	if h.Scanner != nil || h.Worker != nil {
		t.Fatalf("scanner=%v worker=%v, want nil interfaces", h.Scanner, h.Worker)
	}
	if h.Mode != "monitor" {
		t.Fatalf("mode = %q", h.Mode)
	}
}

func TestExecutorDepsWithoutPersistence(t *testing.T) {
	deps := (&Dependencies{}).ExecutorDeps(nil)
	if deps.Audit != nil || deps.Runs != nil || deps.Positions != nil || deps.Journal != nil {
		t.Fatalf("unexpected persistence collaborators: %+v", deps)
	}
	if deps.Adapters == nil {
		t.Fatal("adapter source missing")
	}
}
