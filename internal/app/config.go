package app

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Config is loaded once at startup from ARBITER_* environment variables.
// Invalid values for optional knobs fall back to their defaults; Validate
// rejects combinations that cannot run.
type Config struct {
	ListenAddr string
	LogLevel   string

	DBDSN string

	VaultEnabled bool

	ProviderTimeoutSecs int

	// CORSOrigins empty means allow any origin.
	CORSOrigins    []string
	RateLimitRPS   int
	RateLimitBurst int

	// Embedded time-series store for latency/cost/token history.
	TSDBEnabled       bool
	TSDBRetentionDays int

	// OpenTelemetry trace export.
	OTelEnabled  bool
	OTelEndpoint string

	// Temporal durable execution.
	TemporalEnabled   bool
	TemporalHostPort  string
	TemporalNamespace string
	TemporalTaskQueue string
}

func LoadConfig() (Config, error) {
	cfg := Config{
		ListenAddr:   envStr("ARBITER_LISTEN_ADDR", ":8080"),
		LogLevel:     envStr("ARBITER_LOG_LEVEL", "info"),
		DBDSN:        envStr("ARBITER_DB_DSN", "file:/data/arbiter.sqlite"),
		VaultEnabled: envBool("ARBITER_VAULT_ENABLED", true),

		ProviderTimeoutSecs: envInt("ARBITER_PROVIDER_TIMEOUT_SECS", 30),

		CORSOrigins:    envList("ARBITER_CORS_ORIGINS"),
		RateLimitRPS:   envInt("ARBITER_RATE_LIMIT_RPS", 60),
		RateLimitBurst: envInt("ARBITER_RATE_LIMIT_BURST", 120),

		TSDBEnabled:       envBool("ARBITER_TSDB_ENABLED", true),
		TSDBRetentionDays: envInt("ARBITER_TSDB_RETENTION_DAYS", 30),

		OTelEnabled:  envBool("ARBITER_OTEL_ENABLED", false),
		OTelEndpoint: envStr("ARBITER_OTEL_ENDPOINT", "localhost:4318"),

		TemporalEnabled:   envBool("ARBITER_TEMPORAL_ENABLED", false),
		TemporalHostPort:  envStr("ARBITER_TEMPORAL_HOST", "localhost:7233"),
		TemporalNamespace: envStr("ARBITER_TEMPORAL_NAMESPACE", "arbiter"),
		TemporalTaskQueue: envStr("ARBITER_TEMPORAL_TASK_QUEUE", "arbiter-executions"),
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	if c.RateLimitRPS <= 0 {
		return fmt.Errorf("ARBITER_RATE_LIMIT_RPS must be > 0, got %d", c.RateLimitRPS)
	}
	if c.RateLimitBurst <= 0 {
		return fmt.Errorf("ARBITER_RATE_LIMIT_BURST must be > 0, got %d", c.RateLimitBurst)
	}
	if c.ProviderTimeoutSecs <= 0 {
		return fmt.Errorf("ARBITER_PROVIDER_TIMEOUT_SECS must be > 0, got %d", c.ProviderTimeoutSecs)
	}
	if c.TSDBEnabled && c.TSDBRetentionDays <= 0 {
		return fmt.Errorf("ARBITER_TSDB_RETENTION_DAYS must be > 0, got %d", c.TSDBRetentionDays)
	}
	return nil
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// envList splits a comma-separated variable into trimmed non-empty entries.
func envList(key string) []string {
	v := os.Getenv(key)
	if v == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
