// Package config defines the arbexec configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/alanyoungcy/arbexec/internal/executor"
	"github.com/alanyoungcy/arbexec/internal/pool"
	"github.com/alanyoungcy/arbexec/internal/risk"
	"github.com/alanyoungcy/arbexec/internal/venue"
)

// Config is the root configuration. Fields come from a TOML file layered
// over Defaults and are then overridden by ARBEXEC_* environment variables.
type Config struct {
	Adapters []venue.Config `toml:"adapters"`
	Scanner  ScannerConfig  `toml:"scanner"`
	Risk     RiskConfig     `toml:"risk"`
	Pool     PoolConfig     `toml:"pool"`
	Executor ExecutorConfig `toml:"executor"`
	Basis    BasisConfig    `toml:"basis"`
	Postgres PostgresConfig `toml:"postgres"`
	Redis    RedisConfig    `toml:"redis"`
	S3       S3Config       `toml:"s3"`
	Notify   NotifyConfig   `toml:"notify"`
	Server   ServerConfig   `toml:"server"`
	Log      LogConfig      `toml:"log"`
	Mode     string         `toml:"mode"`
}

// ScannerConfig drives the arbitrage detection engine.
type ScannerConfig struct {
	Symbols      []string `toml:"symbols"`
	MinSpreadPct float64  `toml:"min_spread_pct"`
	// MaxLegUSD of zero leaves opportunity volume unset.
	MaxLegUSD    float64  `toml:"max_leg_usd"`
	PollInterval duration `toml:"poll_interval"`
}

// RiskConfig mirrors risk.Config with file and env tags.
type RiskConfig struct {
	BankrollUSD            float64               `toml:"bankroll_usd"`
	SectorLimits           map[string]float64    `toml:"sector_limits"`
	CorrelationLimits      map[string]float64    `toml:"correlation_limits"`
	AssetSectors           map[string]string     `toml:"asset_sectors"`
	AssetCorrelationGroups map[string]string     `toml:"asset_correlation_groups"`
	VaRCeilingUSD          float64               `toml:"var_ceiling_usd"`
	VaRConfidence          float64               `toml:"var_confidence"`
	StressScenarios        []risk.StressScenario `toml:"stress_scenarios"`
	MaxDrawdown            float64               `toml:"max_drawdown"`
	KellyCap               float64               `toml:"kelly_cap"`
	MinPerTradeUSD         float64               `toml:"min_per_trade_usd"`
	MaxPerTradeUSD         float64               `toml:"max_per_trade_usd"`
	MinKellySamples        int                   `toml:"min_kelly_samples"`
}

// Engine converts to the risk engine's config.
func (r RiskConfig) Engine() risk.Config {
	return risk.Config{
		BankrollUSD:            r.BankrollUSD,
		SectorLimits:           r.SectorLimits,
		CorrelationLimits:      r.CorrelationLimits,
		AssetSectors:           r.AssetSectors,
		AssetCorrelationGroups: r.AssetCorrelationGroups,
		VaRCeilingUSD:          r.VaRCeilingUSD,
		VaRConfidence:          r.VaRConfidence,
		StressScenarios:        r.StressScenarios,
		MaxDrawdownFraction:    r.MaxDrawdown,
		KellyFractionCap:       r.KellyCap,
		MinPerTradeUSD:         r.MinPerTradeUSD,
		MaxPerTradeUSD:         r.MaxPerTradeUSD,
		MinKellySamples:        r.MinKellySamples,
	}
}

// PoolConfig bounds the adapter connection pool.
type PoolConfig struct {
	MaxPoolSize   int      `toml:"max_pool_size"`
	MaxIdleTime   duration `toml:"max_idle_time"`
	SweepInterval duration `toml:"sweep_interval"`
}

// Pool converts to pool.Config.
func (p PoolConfig) Pool() pool.Config {
	return pool.Config{
		MaxPoolSize:   p.MaxPoolSize,
		MaxIdleTime:   p.MaxIdleTime.Duration,
		SweepInterval: p.SweepInterval.Duration,
	}
}

// ExecutorConfig tunes the arbitrage worker.
type ExecutorConfig struct {
	BotName               string   `toml:"bot_name"`
	DefaultLegUSD         float64  `toml:"default_leg_usd"`
	FallbackVolatilityPct float64  `toml:"fallback_volatility_pct"`
	LegTimeout            duration `toml:"leg_timeout"`
	DedupTTL              duration `toml:"dedup_ttl"`
	LockTTL               duration `toml:"lock_ttl"`
	PerformanceWindow     int      `toml:"performance_window"`
}

// Arb converts to executor.ArbConfig.
func (e ExecutorConfig) Arb() executor.ArbConfig {
	return executor.ArbConfig{
		BotName:               e.BotName,
		DefaultLegUSD:         e.DefaultLegUSD,
		FallbackVolatilityPct: e.FallbackVolatilityPct,
		LegTimeout:            e.LegTimeout.Duration,
		DedupTTL:              e.DedupTTL.Duration,
		LockTTL:               e.LockTTL.Duration,
		PerformanceWindow:     e.PerformanceWindow,
	}
}

// BasisConfig tunes the perp-basis worker.
type BasisConfig struct {
	Pairs          []executor.BasisPair `toml:"pairs"`
	Interval       duration             `toml:"interval"`
	MinFundingRate float64              `toml:"min_funding_rate"`
	LegUSD         float64              `toml:"leg_usd"`
}

// Worker converts to executor.BasisConfig, sharing the executor settings.
func (b BasisConfig) Worker(e ExecutorConfig) executor.BasisConfig {
	return executor.BasisConfig{
		BotName:               e.BotName,
		Pairs:                 b.Pairs,
		Interval:              b.Interval.Duration,
		MinFundingRate:        b.MinFundingRate,
		LegUSD:                b.LegUSD,
		FallbackVolatilityPct: e.FallbackVolatilityPct,
		LegTimeout:            e.LegTimeout.Duration,
		PerformanceWindow:     e.PerformanceWindow,
	}
}

// PostgresConfig holds the persistence connection.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the quote cache, bus and lock connection.
type RedisConfig struct {
	Enabled      bool     `toml:"enabled"`
	Addr         string   `toml:"addr"`
	Password     string   `toml:"password"`
	DB           int      `toml:"db"`
	PoolSize     int      `toml:"pool_size"`
	MaxRetries   int      `toml:"max_retries"`
	TLSEnabled   bool     `toml:"tls_enabled"`
	QuoteTTL     duration `toml:"quote_ttl"`
	StreamMaxLen int64    `toml:"stream_max_len"`
}

// S3Config holds the trade journal bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	JournalPrefix  string `toml:"journal_prefix"`
	PartSizeMB     int64  `toml:"part_size_mb"`
}

// NotifyConfig holds alert channel credentials.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPIURL    string   `toml:"telegram_api_url"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
}

// ServerConfig holds the ops HTTP server settings.
type ServerConfig struct {
	Enabled     bool     `toml:"enabled"`
	Port        int      `toml:"port"`
	CORSOrigins []string `toml:"cors_origins"`
	APIKey      string   `toml:"api_key"`
}

// LogConfig selects the level and an optional rotating file sink.
type LogConfig struct {
	Level      string `toml:"level"`
	File       string `toml:"file"`
	MaxSizeMB  int    `toml:"max_size_mb"`
	MaxBackups int    `toml:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days"`
}

// duration decodes TOML strings such as "5s" or "10m".
type duration struct {
	time.Duration
}

func (d *duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

func (d duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns the documented defaults.
func Defaults() Config {
	rd := risk.DefaultConfig()
	pd := pool.DefaultConfig()
	return Config{
		Scanner: ScannerConfig{
			MinSpreadPct: 0.3,
			PollInterval: duration{5 * time.Second},
		},
		Risk: RiskConfig{
			BankrollUSD:     rd.BankrollUSD,
			VaRCeilingUSD:   rd.VaRCeilingUSD,
			VaRConfidence:   rd.VaRConfidence,
			MaxDrawdown:     rd.MaxDrawdownFraction,
			KellyCap:        rd.KellyFractionCap,
			MinPerTradeUSD:  rd.MinPerTradeUSD,
			MaxPerTradeUSD:  rd.MaxPerTradeUSD,
			MinKellySamples: rd.MinKellySamples,
		},
		Pool: PoolConfig{
			MaxPoolSize:   pd.MaxPoolSize,
			MaxIdleTime:   duration{pd.MaxIdleTime},
			SweepInterval: duration{pd.SweepInterval},
		},
		Executor: ExecutorConfig{
			BotName:               "arbexec",
			DefaultLegUSD:         100,
			FallbackVolatilityPct: 2,
			LegTimeout:            duration{15 * time.Second},
			DedupTTL:              duration{30 * time.Second},
			LockTTL:               duration{time.Minute},
			PerformanceWindow:     100,
		},
		Basis: BasisConfig{
			Interval:       duration{time.Hour},
			MinFundingRate: 0.0001,
			LegUSD:         100,
		},
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "arbexec",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  2,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Enabled:      true,
			Addr:         "localhost:6379",
			PoolSize:     20,
			MaxRetries:   3,
			QuoteTTL:     duration{time.Minute},
			StreamMaxLen: 10000,
		},
		S3: S3Config{
			Endpoint:       "http://localhost:9000",
			Region:         "us-east-1",
			Bucket:         "arbexec-journal",
			ForcePathStyle: true,
			JournalPrefix:  "journal",
			PartSizeMB:     5,
		},
		Notify: NotifyConfig{
			Events: []string{"trade_failed"},
		},
		Server: ServerConfig{
			Enabled: true,
			Port:    8080,
		},
		Log: LogConfig{
			Level:      "info",
			MaxSizeMB:  100,
			MaxBackups: 5,
			MaxAgeDays: 14,
		},
		Mode: "arbitrage",
	}
}

var validModes = map[string]bool{
	"arbitrage": true,
	"basis":     true,
	"full":      true,
	"monitor":   true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// NeedsPostgres reports whether mode executes trades and so needs
// persistence.
func NeedsPostgres(mode string) bool {
	return mode == "arbitrage" || mode == "basis" || mode == "full"
}

// RunsScanner reports whether mode runs the detection engine.
func RunsScanner(mode string) bool {
	return mode == "arbitrage" || mode == "full" || mode == "monitor"
}

// RunsBasis reports whether mode runs the perp-basis worker.
func RunsBasis(mode string) bool {
	return mode == "basis" || mode == "full"
}

// Validate reports every problem in c at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	mode := strings.ToLower(c.Mode)
	if !validModes[mode] {
		add("unknown mode %q (valid: arbitrage, basis, full, monitor)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.Log.Level)] {
		add("unknown log level %q (valid: debug, info, warn, error)", c.Log.Level)
	}

	// Adapters
	if len(c.Adapters) == 0 {
		add("adapters: at least one adapter must be configured")
	} else if err := venue.NewRegistry().ValidateAll(c.Adapters); err != nil {
		for _, line := range strings.Split(err.Error(), "\n") {
			add("adapters: %s", line)
		}
	}
	ids := make(map[string]bool, len(c.Adapters))
	for _, a := range c.Adapters {
		ids[a.ID] = true
	}

	// Scanner
	if RunsScanner(mode) {
		if len(c.Scanner.Symbols) == 0 {
			add("scanner: symbols must not be empty")
		}
		if len(c.Adapters) < 2 {
			add("scanner: at least two adapters are needed to find a spread")
		}
	}
	if c.Scanner.MinSpreadPct < 0 {
		add("scanner: min_spread_pct must be >= 0")
	}
	if c.Scanner.MaxLegUSD < 0 {
		add("scanner: max_leg_usd must be >= 0")
	}
	if c.Scanner.PollInterval.Duration <= 0 {
		add("scanner: poll_interval must be positive")
	}

	// Risk
	if _, err := risk.NewEngine(c.Risk.Engine()); err != nil {
		add("%v", err)
	}

	// Pool
	if c.Pool.MaxPoolSize < 1 {
		add("pool: max_pool_size must be >= 1")
	}
	if c.Pool.MaxIdleTime.Duration <= 0 || c.Pool.SweepInterval.Duration <= 0 {
		add("pool: max_idle_time and sweep_interval must be positive")
	}

	// Executor
	if c.Executor.BotName == "" {
		add("executor: bot_name must not be empty")
	}
	if c.Executor.LegTimeout.Duration < 0 {
		add("executor: leg_timeout must be >= 0")
	}

	// Basis
	if RunsBasis(mode) {
		if len(c.Basis.Pairs) == 0 {
			add("basis: at least one pair is required for mode %s", mode)
		}
		if c.Basis.Interval.Duration <= 0 {
			add("basis: interval must be positive")
		}
		if c.Basis.LegUSD <= 0 {
			add("basis: leg_usd must be > 0")
		}
		for i, p := range c.Basis.Pairs {
			if !ids[p.SpotVenue] || !ids[p.PerpVenue] {
				add("basis: pair %d references unknown adapter (%s, %s)", i, p.SpotVenue, p.PerpVenue)
			}
			if p.SpotSymbol == "" || p.PerpSymbol == "" {
				add("basis: pair %d needs spot_symbol and perp_symbol", i)
			}
		}
	}

	// Postgres
	if NeedsPostgres(mode) {
		if strings.TrimSpace(c.Postgres.DSN) == "" {
			if c.Postgres.Host == "" {
				add("postgres: host must not be empty (or set postgres.dsn)")
			}
			if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
				add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
			}
			if c.Postgres.Database == "" {
				add("postgres: database must not be empty")
			}
		}
		if c.Postgres.PoolMaxConns < 1 {
			add("postgres: pool_max_conns must be >= 1")
		}
		if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
			add("postgres: pool_min_conns must be in [0, pool_max_conns]")
		}
	}

	// Redis
	if c.Redis.Enabled {
		if c.Redis.Addr == "" {
			add("redis: addr must not be empty")
		}
		if c.Redis.PoolSize < 1 {
			add("redis: pool_size must be >= 1")
		}
	}

	// S3
	if c.S3.Enabled {
		if c.S3.Bucket == "" {
			add("s3: bucket must not be empty")
		}
		if c.S3.Region == "" {
			add("s3: region must not be empty")
		}
	}

	// Notify
	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	// Server
	if c.Server.Enabled && (c.Server.Port <= 0 || c.Server.Port > 65535) {
		add("server: port must be 1-65535, got %d", c.Server.Port)
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
