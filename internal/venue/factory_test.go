package venue

import (
	"errors"
	"testing"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

func TestRegistryRejectsUnknownKind(t *testing.T) {
	r := NewRegistry()
	_, err := r.New(Config{Kind: "carrier-pigeon", ID: "x"}, discardLogger())
	if !errors.Is(err, domain.ErrUnknownVenueKind) {
		t.Fatalf("err = %v, want ErrUnknownVenueKind", err)
	}
}

func TestRegistryRequiresCredentials(t *testing.T) {
	r := NewRegistry()
	cases := []Config{
		{Kind: KindSpot, ID: "s", Extra: map[string]any{"base_url": "http://x"}},
		{Kind: KindDerivatives, ID: "d", Credentials: map[string]string{"api_key": "k"}, Extra: map[string]any{"base_url": "http://x"}},
		{Kind: KindPrime, ID: "p", Credentials: map[string]string{"api_key": "k", "api_secret": "s"}, Extra: map[string]any{"base_url": "http://x"}},
		{Kind: KindFIX, ID: "f", Extra: map[string]any{"address": "127.0.0.1:9878"}},
		{Kind: KindDEX, ID: "u", Extra: map[string]any{"rpc_url": "http://x", "chain_id": 1, "router_address": "0x1"}},
		{Kind: KindDEX, ID: "u2", Credentials: map[string]string{"key_file": "/k.json"}, Extra: map[string]any{"rpc_url": "http://x", "chain_id": 1, "router_address": "0x1"}},
	}
	for _, c := range cases {
		if err := r.Validate(c); !errors.Is(err, domain.ErrMissingCredentials) {
			t.Errorf("%s: err = %v, want ErrMissingCredentials", c.ID, err)
		}
	}
}

func TestRegistryBuildsEveryKind(t *testing.T) {
	r := NewRegistry()
	creds := map[string]string{"api_key": "k", "api_secret": "s"}
	cfgs := []Config{
		{Kind: KindSpot, ID: "spot", Credentials: creds, Extra: map[string]any{"base_url": "http://x"}},
		{Kind: KindDerivatives, ID: "perp", Credentials: creds, Extra: map[string]any{"base_url": "http://x"}},
		{Kind: KindPrime, ID: "pb", Credentials: creds, Extra: map[string]any{"base_url": "http://x", "desk_id": "d", "settlement_account": "a"}},
		{Kind: KindFIX, ID: "fix", Credentials: map[string]string{"sender_comp_id": "A", "target_comp_id": "B"}, Extra: map[string]any{"address": "127.0.0.1:9878"}},
		{Kind: KindDEX, ID: "uni", Credentials: map[string]string{"private_key": testPrivKey}, Extra: map[string]any{"rpc_url": "http://x", "chain_id": 1, "router_address": "0x1"}},
	}
	if err := r.ValidateAll(cfgs); err != nil {
		t.Fatalf("ValidateAll: %v", err)
	}
	for _, c := range cfgs {
		a, err := r.New(c, discardLogger())
		if err != nil {
			t.Fatalf("%s: %v", c.ID, err)
		}
		if a.ID() != c.ID || a.Kind() != c.Kind {
			t.Errorf("%s: built %s/%s", c.ID, a.ID(), a.Kind())
		}
	}
	if _, ok := mustNew(t, r, cfgs[1]).(LeverageController); !ok {
		t.Error("derivatives adapter lacks leverage controls")
	}
	if _, ok := mustNew(t, r, cfgs[4]).(Swapper); !ok {
		t.Error("dex adapter lacks swap capability")
	}
}

func TestRegistryRejectsDuplicateIDs(t *testing.T) {
	r := NewRegistry()
	c := Config{Kind: KindSpot, ID: "dup", Credentials: map[string]string{"api_key": "k", "api_secret": "s"}, Extra: map[string]any{"base_url": "http://x"}}
	if err := r.ValidateAll([]Config{c, c}); err == nil {
		t.Fatal("expected duplicate id error")
	}
}

func TestConfigAccessors(t *testing.T) {
	c := Config{Extra: map[string]any{
		"n":   float64(3),
		"s":   "7",
		"d":   "250ms",
		"sec": float64(2),
	}}
	if c.Int("n", 0) != 3 || c.Int("s", 0) != 7 || c.Int("missing", 9) != 9 {
		t.Fatal("Int accessor")
	}
	if c.Duration("d", 0) != 250*time.Millisecond || c.Duration("sec", 0) != 2*time.Second {
		t.Fatal("Duration accessor")
	}
	if c.CredentialClass() != "default" || c.Environment() != "live" {
		t.Fatal("pool key defaults")
	}
}

func mustNew(t *testing.T, r *Registry, c Config) Adapter {
	t.Helper()
	a, err := r.New(c, discardLogger())
	if err != nil {
		t.Fatal(err)
	}
	return a
}

const testPrivKey = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"
