package postgres

import (
	"io/fs"
	"math"
	"testing"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

func TestDSN(t *testing.T) {
	got := DSN(ClientConfig{Host: "db", User: "u", Password: "p", Database: "arb"})
	if got != "postgres://u:p@db:5432/arb?sslmode=disable" {
		t.Fatalf("DSN = %q", got)
	}
	if got := DSN(ClientConfig{DSN: "postgres://x"}); got != "postgres://x" {
		t.Fatalf("explicit DSN overridden: %q", got)
	}
}

func TestMigrationsEmbedded(t *testing.T) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		t.Fatal(err)
	}
	if len(entries) == 0 || entries[0].Name() != "001_init.sql" {
		t.Fatalf("migrations = %v", entries)
	}
}

func TestExposuresNetHedgedLegs(t *testing.T) {
	got := exposuresFrom([]domain.Position{
		{Venue: "a", Symbol: "BTC/USDT", Direction: domain.DirectionLong, Qty: 2, AvgPrice: 100},
		{Venue: "b", Symbol: "BTC-PERP", Direction: domain.DirectionShort, Qty: 1, AvgPrice: 110},
		{Venue: "a", Symbol: "ETH/USDT", Direction: domain.DirectionSpot, Qty: 3, AvgPrice: 10},
	})
	if len(got) != 2 {
		t.Fatalf("exposures = %+v", got)
	}
	if got[0].Asset != "BTC" || got[0].NotionalUSD != 90 {
		t.Fatalf("BTC = %+v", got[0])
	}
	if got[1].Asset != "ETH" || got[1].NotionalUSD != 30 {
		t.Fatalf("ETH = %+v", got[1])
	}
}

func TestPerformanceFromIsOldestFirst(t *testing.T) {
	perf := performanceFrom([]float64{3, -1, 2}, []float64{100, 0, 50})
	if len(perf.PnlUSD) != 3 || perf.PnlUSD[0] != 2 || perf.PnlUSD[2] != 3 {
		t.Fatalf("pnl = %v", perf.PnlUSD)
	}
	if len(perf.Returns) != 2 || math.Abs(perf.Returns[0]-0.04) > 1e-12 || math.Abs(perf.Returns[1]-0.03) > 1e-12 {
		t.Fatalf("returns = %v", perf.Returns)
	}
}

func TestNullTime(t *testing.T) {
	if nullTime(time.Time{}) != nil {
		t.Fatal("zero time must be NULL")
	}
	if nullTime(time.Unix(1, 0)) == nil {
		t.Fatal("non-zero time dropped")
	}
}
