package redis

import (
	"strings"
	"testing"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

func TestKeys(t *testing.T) {
	if got := quoteKey("BTC/USDT"); got != "quote:BTC/USDT" {
		t.Fatalf("quoteKey = %q", got)
	}
	if got := lockKey("arb:BTC/USDT"); got != "lock:arb:BTC/USDT" {
		t.Fatalf("lockKey = %q", got)
	}
}

func TestQuoteRoundTripKeepsNulls(t *testing.T) {
	in := domain.QuoteTick{Symbol: "ETH/USDT", Bid: domain.Float(1999.5), TimestampMs: 42}
	data, err := encodeQuote(in)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	if !strings.Contains(string(data), `"ask":null`) {
		t.Fatalf("absent ask not encoded as null: %s", data)
	}
	out, err := decodeQuote(string(data))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if out.Symbol != in.Symbol || out.TimestampMs != 42 {
		t.Fatalf("decoded %+v", out)
	}
	if out.Bid == nil || *out.Bid != 1999.5 {
		t.Fatalf("bid = %v", out.Bid)
	}
	if out.Ask != nil || out.Last != nil {
		t.Fatalf("expected nil ask/last, got %v %v", out.Ask, out.Last)
	}
}

func TestDecodeQuoteRejectsGarbage(t *testing.T) {
	if _, err := decodeQuote("not-json"); err == nil {
		t.Fatal("expected error")
	}
}

func TestHasPattern(t *testing.T) {
	cases := map[string]bool{
		"ch:trades":     false,
		"ch:*":          true,
		"ch:quote:?":    true,
		"ch:[ab]":       true,
		"opportunities": false,
	}
	for ch, want := range cases {
		if got := hasPattern(ch); got != want {
			t.Errorf("hasPattern(%q) = %v, want %v", ch, got, want)
		}
	}
}

func TestStreamPayload(t *testing.T) {
	if b, ok := streamPayload(map[string]any{"payload": "x"}); !ok || string(b) != "x" {
		t.Fatalf("string payload: %q %v", b, ok)
	}
	if b, ok := streamPayload(map[string]any{"payload": []byte("y")}); !ok || string(b) != "y" {
		t.Fatalf("bytes payload: %q %v", b, ok)
	}
	if _, ok := streamPayload(map[string]any{"other": "z"}); ok {
		t.Fatal("missing payload reported ok")
	}
}
