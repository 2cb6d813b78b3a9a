package config

import (
	"maps"
	"slices"

	"github.com/alanyoungcy/arbexec/internal/venue"
)

const redacted = "***"

// RedactedConfig returns a copy of cfg with every secret replaced by "***".
// Adapter credential maps and other reference fields are copied so the
// result can be logged or mutated without touching cfg.
func RedactedConfig(cfg *Config) Config {
	out := *cfg

	out.Adapters = make([]venue.Config, len(cfg.Adapters))
	for i, a := range cfg.Adapters {
		a.Credentials = redactMap(a.Credentials)
		a.Extra = maps.Clone(a.Extra)
		out.Adapters[i] = a
	}

	redact(&out.Postgres.DSN)
	redact(&out.Postgres.Password)
	redact(&out.Redis.Password)
	redact(&out.S3.AccessKey)
	redact(&out.S3.SecretKey)
	redact(&out.Notify.TelegramToken)
	redact(&out.Notify.DiscordWebhookURL)
	redact(&out.Server.APIKey)

	out.Scanner.Symbols = slices.Clone(cfg.Scanner.Symbols)
	out.Notify.Events = slices.Clone(cfg.Notify.Events)
	out.Server.CORSOrigins = slices.Clone(cfg.Server.CORSOrigins)
	out.Basis.Pairs = slices.Clone(cfg.Basis.Pairs)
	out.Risk.StressScenarios = slices.Clone(cfg.Risk.StressScenarios)
	out.Risk.SectorLimits = maps.Clone(cfg.Risk.SectorLimits)
	out.Risk.CorrelationLimits = maps.Clone(cfg.Risk.CorrelationLimits)
	out.Risk.AssetSectors = maps.Clone(cfg.Risk.AssetSectors)
	out.Risk.AssetCorrelationGroups = maps.Clone(cfg.Risk.AssetCorrelationGroups)
	return out
}

// redactMap keeps the keys so operators can see which credentials are set.
func redactMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		redact(&v)
		out[k] = v
	}
	return out
}

func redact(s *string) {
	if *s != "" {
		*s = redacted
	}
}
