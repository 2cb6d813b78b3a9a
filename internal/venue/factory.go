package venue

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alanyoungcy/arbexec/internal/domain"
)

// Config is the factory input for one adapter.
type Config struct {
	Kind        Kind              `json:"kind" toml:"kind"`
	ID          string            `json:"id" toml:"id"`
	Credentials map[string]string `json:"credentials" toml:"credentials"`
	Extra       map[string]any    `json:"extra" toml:"extra"`
}

// CredentialClass groups configs sharing the same account. Defaults to
// "default".
func (c Config) CredentialClass() string {
	if s := c.String("credential_class"); s != "" {
		return s
	}
	return "default"
}

// Environment separates live from sandbox endpoints. Defaults to "live".
func (c Config) Environment() string {
	if s := c.String("environment"); s != "" {
		return s
	}
	return "live"
}

// String returns Extra[key] as a string.
func (c Config) String(key string) string {
	v, ok := c.Extra[key]
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	default:
		return fmt.Sprint(t)
	}
}

// Float returns Extra[key] as a float64, or def when absent or malformed.
func (c Config) Float(key string, def float64) float64 {
	switch t := c.Extra[key].(type) {
	case float64:
		return t
	case int64:
		return float64(t)
	case int:
		return float64(t)
	case string:
		if f, err := strconv.ParseFloat(t, 64); err == nil {
			return f
		}
	}
	return def
}

// Int returns Extra[key] as an int64, or def.
func (c Config) Int(key string, def int64) int64 {
	switch t := c.Extra[key].(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		if n, err := strconv.ParseInt(t, 10, 64); err == nil {
			return n
		}
	}
	return def
}

// Duration returns Extra[key] parsed as a Go duration string, or a number
// of seconds, or def.
func (c Config) Duration(key string, def time.Duration) time.Duration {
	switch t := c.Extra[key].(type) {
	case string:
		if d, err := time.ParseDuration(t); err == nil {
			return d
		}
	case float64, int, int64:
		return time.Duration(c.Float(key, 0) * float64(time.Second))
	}
	return def
}

// Constructor builds an adapter from a validated config.
type Constructor func(cfg Config, logger *slog.Logger) (Adapter, error)

// KindSpec describes what a kind needs and how to build it.
type KindSpec struct {
	Credentials []string
	Extra       []string
	// Check runs kind-specific validation after the required keys are present.
	Check func(cfg Config) error
	New   Constructor
}

// Registry maps adapter kinds to constructors.
type Registry struct {
	specs map[Kind]KindSpec
}

// NewRegistry returns a registry with every built-in kind registered.
func NewRegistry() *Registry {
	r := &Registry{specs: make(map[Kind]KindSpec)}
	r.Register(KindSpot, KindSpec{
		Credentials: []string{"api_key", "api_secret"},
		Extra:       []string{"base_url"},
		New: func(cfg Config, logger *slog.Logger) (Adapter, error) {
			return NewSpot(cfg, logger), nil
		},
	})
	r.Register(KindDerivatives, KindSpec{
		Credentials: []string{"api_key", "api_secret"},
		Extra:       []string{"base_url"},
		New: func(cfg Config, logger *slog.Logger) (Adapter, error) {
			return NewDerivatives(cfg, logger), nil
		},
	})
	r.Register(KindPrime, KindSpec{
		Credentials: []string{"api_key", "api_secret"},
		Extra:       []string{"base_url", "desk_id", "settlement_account"},
		New: func(cfg Config, logger *slog.Logger) (Adapter, error) {
			return NewPrime(cfg, logger), nil
		},
	})
	r.Register(KindFIX, KindSpec{
		Credentials: []string{"sender_comp_id", "target_comp_id"},
		Extra:       []string{"address"},
		New: func(cfg Config, logger *slog.Logger) (Adapter, error) {
			return NewFIX(cfg, logger), nil
		},
	})
	r.Register(KindDEX, KindSpec{
		Extra: []string{"rpc_url", "chain_id", "router_address"},
		Check: checkDEXWallet,
		New: func(cfg Config, logger *slog.Logger) (Adapter, error) {
			return NewDEX(cfg, logger)
		},
	})
	return r
}

// Register adds or replaces the KindSpec for kind.
func (r *Registry) Register(kind Kind, s KindSpec) {
	r.specs[kind] = s
}

// Kinds lists registered kinds in sorted order.
func (r *Registry) Kinds() []string {
	out := make([]string, 0, len(r.specs))
	for k := range r.specs {
		out = append(out, string(k))
	}
	sort.Strings(out)
	return out
}

// Validate checks cfg against its kind's requirements.
func (r *Registry) Validate(cfg Config) error {
	if strings.TrimSpace(cfg.ID) == "" {
		return fmt.Errorf("venue: adapter of kind %q has no id", cfg.Kind)
	}
	spec, ok := r.specs[cfg.Kind]
	if !ok {
		return fmt.Errorf("venue %s: %w %q (valid: %s)", cfg.ID, domain.ErrUnknownVenueKind, cfg.Kind, strings.Join(r.Kinds(), ", "))
	}
	var missing []string
	for _, k := range spec.Credentials {
		if strings.TrimSpace(cfg.Credentials[k]) == "" {
			missing = append(missing, "credentials."+k)
		}
	}
	for _, k := range spec.Extra {
		if strings.TrimSpace(cfg.String(k)) == "" {
			missing = append(missing, "extra."+k)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("venue %s: %w: %s", cfg.ID, domain.ErrMissingCredentials, strings.Join(missing, ", "))
	}
	if spec.Check != nil {
		if err := spec.Check(cfg); err != nil {
			return fmt.Errorf("venue %s: %w", cfg.ID, err)
		}
	}
	return nil
}

// ValidateAll validates every config and rejects duplicate ids.
func (r *Registry) ValidateAll(cfgs []Config) error {
	var errs []error
	seen := make(map[string]bool, len(cfgs))
	for _, c := range cfgs {
		if err := r.Validate(c); err != nil {
			errs = append(errs, err)
			continue
		}
		if seen[c.ID] {
			errs = append(errs, fmt.Errorf("venue %s: duplicate adapter id", c.ID))
		}
		seen[c.ID] = true
	}
	return errors.Join(errs...)
}

// New validates cfg and builds the adapter.
func (r *Registry) New(cfg Config, logger *slog.Logger) (Adapter, error) {
	if err := r.Validate(cfg); err != nil {
		return nil, err
	}
	return r.specs[cfg.Kind].New(cfg, logger.With(slog.String("venue", cfg.ID)))
}

func checkDEXWallet(cfg Config) error {
	hasKey := cfg.Credentials["private_key"] != ""
	hasFile := cfg.Credentials["key_file"] != ""
	if hasFile && cfg.Credentials["key_password"] == "" {
		return fmt.Errorf("%w: credentials.key_password required with key_file", domain.ErrMissingCredentials)
	}
	if !hasKey && !hasFile && cfg.String("wallet_address") == "" {
		return fmt.Errorf("%w: one of credentials.private_key, credentials.key_file or extra.wallet_address", domain.ErrMissingCredentials)
	}
	if cfg.Int("chain_id", 0) <= 0 {
		return errors.New("extra.chain_id must be a positive integer")
	}
	return nil
}
