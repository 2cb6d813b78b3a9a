package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load layers the TOML file at path (optional when empty) over Defaults,
// loads .env when present, then applies ARBEXEC_* overrides. The result is
// not validated; callers run Validate.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
	}

	// A missing .env is fine.
	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	cfg.Mode = strings.ToLower(strings.TrimSpace(cfg.Mode))
	return &cfg, nil
}

// applyEnvOverrides overwrites fields whose ARBEXEC_* variable is set.
// Scalars that fail to parse are ignored; malformed JSON values are errors
// because they usually carry adapter credentials or risk limits.
func applyEnvOverrides(cfg *Config) error {
	var errs []error
	collect := func(err error) {
		if err != nil {
			errs = append(errs, err)
		}
	}

	// ── Top-level ──
	setStr(&cfg.Mode, "ARBEXEC_MODE")
	collect(setJSON(&cfg.Adapters, "ARBEXEC_ADAPTERS"))

	// ── Scanner ──
	setStringSlice(&cfg.Scanner.Symbols, "ARBEXEC_SYMBOLS")
	setFloat64(&cfg.Scanner.MinSpreadPct, "ARBEXEC_MIN_SPREAD_PCT")
	setFloat64(&cfg.Scanner.MaxLegUSD, "ARBEXEC_MAX_LEG_USD")
	setMillis(&cfg.Scanner.PollInterval, "ARBEXEC_POLL_INTERVAL_MS")

	// ── Risk ──
	setFloat64(&cfg.Risk.BankrollUSD, "ARBEXEC_RISK_BANKROLL_USD")
	collect(setJSON(&cfg.Risk.SectorLimits, "ARBEXEC_RISK_SECTOR_LIMITS"))
	collect(setJSON(&cfg.Risk.CorrelationLimits, "ARBEXEC_RISK_CORRELATION_LIMITS"))
	collect(setJSON(&cfg.Risk.AssetSectors, "ARBEXEC_RISK_ASSET_SECTORS"))
	collect(setJSON(&cfg.Risk.AssetCorrelationGroups, "ARBEXEC_RISK_ASSET_CORRELATION_GROUPS"))
	setFloat64(&cfg.Risk.VaRCeilingUSD, "ARBEXEC_RISK_VAR_CEILING_USD")
	setFloat64(&cfg.Risk.VaRConfidence, "ARBEXEC_RISK_VAR_CONFIDENCE")
	collect(setJSON(&cfg.Risk.StressScenarios, "ARBEXEC_RISK_STRESS_SCENARIOS"))
	setFloat64(&cfg.Risk.MaxDrawdown, "ARBEXEC_RISK_MAX_DRAWDOWN")
	setFloat64(&cfg.Risk.KellyCap, "ARBEXEC_RISK_KELLY_CAP")
	setFloat64(&cfg.Risk.MinPerTradeUSD, "ARBEXEC_RISK_MIN_PER_TRADE_USD")
	setFloat64(&cfg.Risk.MaxPerTradeUSD, "ARBEXEC_RISK_MAX_PER_TRADE_USD")
	setInt(&cfg.Risk.MinKellySamples, "ARBEXEC_RISK_MIN_KELLY_SAMPLES")

	// ── Pool ──
	setInt(&cfg.Pool.MaxPoolSize, "ARBEXEC_POOL_MAX_SIZE")
	setDuration(&cfg.Pool.MaxIdleTime, "ARBEXEC_POOL_MAX_IDLE_TIME")
	setDuration(&cfg.Pool.SweepInterval, "ARBEXEC_POOL_SWEEP_INTERVAL")

	// ── Executor ──
	setStr(&cfg.Executor.BotName, "ARBEXEC_BOT_NAME")
	setFloat64(&cfg.Executor.DefaultLegUSD, "ARBEXEC_DEFAULT_LEG_USD")
	setFloat64(&cfg.Executor.FallbackVolatilityPct, "ARBEXEC_FALLBACK_VOLATILITY_PCT")
	setDuration(&cfg.Executor.LegTimeout, "ARBEXEC_LEG_TIMEOUT")
	setDuration(&cfg.Executor.DedupTTL, "ARBEXEC_DEDUP_TTL")
	setDuration(&cfg.Executor.LockTTL, "ARBEXEC_LOCK_TTL")
	setInt(&cfg.Executor.PerformanceWindow, "ARBEXEC_PERFORMANCE_WINDOW")

	// ── Basis ──
	collect(setJSON(&cfg.Basis.Pairs, "ARBEXEC_BASIS_PAIRS"))
	setDuration(&cfg.Basis.Interval, "ARBEXEC_BASIS_INTERVAL")
	setFloat64(&cfg.Basis.MinFundingRate, "ARBEXEC_BASIS_MIN_FUNDING_RATE")
	setFloat64(&cfg.Basis.LegUSD, "ARBEXEC_BASIS_LEG_USD")

	// ── Postgres ──
	setStr(&cfg.Postgres.DSN, "ARBEXEC_POSTGRES_DSN")
	setStr(&cfg.Postgres.Host, "ARBEXEC_POSTGRES_HOST")
	setInt(&cfg.Postgres.Port, "ARBEXEC_POSTGRES_PORT")
	setStr(&cfg.Postgres.Database, "ARBEXEC_POSTGRES_DATABASE")
	setStr(&cfg.Postgres.User, "ARBEXEC_POSTGRES_USER")
	setStr(&cfg.Postgres.Password, "ARBEXEC_POSTGRES_PASSWORD")
	setStr(&cfg.Postgres.SSLMode, "ARBEXEC_POSTGRES_SSL_MODE")
	setInt(&cfg.Postgres.PoolMaxConns, "ARBEXEC_POSTGRES_POOL_MAX_CONNS")
	setInt(&cfg.Postgres.PoolMinConns, "ARBEXEC_POSTGRES_POOL_MIN_CONNS")
	setBool(&cfg.Postgres.RunMigrations, "ARBEXEC_POSTGRES_RUN_MIGRATIONS")

	// ── Redis ──
	setBool(&cfg.Redis.Enabled, "ARBEXEC_REDIS_ENABLED")
	setStr(&cfg.Redis.Addr, "ARBEXEC_REDIS_ADDR")
	setStr(&cfg.Redis.Password, "ARBEXEC_REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "ARBEXEC_REDIS_DB")
	setInt(&cfg.Redis.PoolSize, "ARBEXEC_REDIS_POOL_SIZE")
	setInt(&cfg.Redis.MaxRetries, "ARBEXEC_REDIS_MAX_RETRIES")
	setBool(&cfg.Redis.TLSEnabled, "ARBEXEC_REDIS_TLS_ENABLED")
	setDuration(&cfg.Redis.QuoteTTL, "ARBEXEC_REDIS_QUOTE_TTL")
	setInt64(&cfg.Redis.StreamMaxLen, "ARBEXEC_REDIS_STREAM_MAX_LEN")

	// ── S3 ──
	setBool(&cfg.S3.Enabled, "ARBEXEC_S3_ENABLED")
	setStr(&cfg.S3.Endpoint, "ARBEXEC_S3_ENDPOINT")
	setStr(&cfg.S3.Region, "ARBEXEC_S3_REGION")
	setStr(&cfg.S3.Bucket, "ARBEXEC_S3_BUCKET")
	setStr(&cfg.S3.AccessKey, "ARBEXEC_S3_ACCESS_KEY")
	setStr(&cfg.S3.SecretKey, "ARBEXEC_S3_SECRET_KEY")
	setBool(&cfg.S3.UseSSL, "ARBEXEC_S3_USE_SSL")
	setBool(&cfg.S3.ForcePathStyle, "ARBEXEC_S3_FORCE_PATH_STYLE")
	setStr(&cfg.S3.JournalPrefix, "ARBEXEC_S3_JOURNAL_PREFIX")
	setInt64(&cfg.S3.PartSizeMB, "ARBEXEC_S3_PART_SIZE_MB")

	// ── Notify ──
	setStr(&cfg.Notify.TelegramToken, "ARBEXEC_NOTIFY_TELEGRAM_TOKEN")
	setStr(&cfg.Notify.TelegramChatID, "ARBEXEC_NOTIFY_TELEGRAM_CHAT_ID")
	setStr(&cfg.Notify.TelegramAPIURL, "ARBEXEC_NOTIFY_TELEGRAM_API_URL")
	setStr(&cfg.Notify.DiscordWebhookURL, "ARBEXEC_NOTIFY_DISCORD_WEBHOOK_URL")
	setStringSlice(&cfg.Notify.Events, "ARBEXEC_NOTIFY_EVENTS")

	// ── Server ──
	setBool(&cfg.Server.Enabled, "ARBEXEC_SERVER_ENABLED")
	setInt(&cfg.Server.Port, "ARBEXEC_SERVER_PORT")
	setStringSlice(&cfg.Server.CORSOrigins, "ARBEXEC_SERVER_CORS_ORIGINS")
	setStr(&cfg.Server.APIKey, "ARBEXEC_SERVER_API_KEY")

	// ── Log ──
	setStr(&cfg.Log.Level, "ARBEXEC_LOG_LEVEL")
	setStr(&cfg.Log.File, "ARBEXEC_LOG_FILE")
	setInt(&cfg.Log.MaxSizeMB, "ARBEXEC_LOG_MAX_SIZE_MB")
	setInt(&cfg.Log.MaxBackups, "ARBEXEC_LOG_MAX_BACKUPS")
	setInt(&cfg.Log.MaxAgeDays, "ARBEXEC_LOG_MAX_AGE_DAYS")

	if len(errs) > 0 {
		return fmt.Errorf("config: env overrides: %w", errors.Join(errs...))
	}
	return nil
}

// ---------------------------------------------------------------------------
// Typed env-var helpers. Each only mutates the target when the variable is
// present and non-empty.
// ---------------------------------------------------------------------------

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setFloat64(dst *float64, key string) {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			*dst = f
		}
	}
}

func setBool(dst *bool, key string) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func setDuration(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

// setMillis reads an integer millisecond count.
func setMillis(dst *duration, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			dst.Duration = time.Duration(n) * time.Millisecond
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}

// setJSON replaces *dst with the decoded value rather than merging into
// what the TOML file set.
func setJSON[T any](dst *T, key string) error {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var decoded T
	if err := json.Unmarshal([]byte(v), &decoded); err != nil {
		return fmt.Errorf("%s: invalid JSON: %w", key, err)
	}
	*dst = decoded
	return nil
}
