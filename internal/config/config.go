// Package config handles YAML configuration loading with environment variable expansion.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"go.yaml.in/yaml/v3"
)

// Config is the top-level relay configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Redis     RedisConfig     `yaml:"redis"`
	Auth      AuthConfig      `yaml:"auth"`
	Quota     QuotaConfig     `yaml:"quota"`
	Forward   ForwardConfig   `yaml:"forward"`
	Sessions  SessionConfig   `yaml:"sessions"`
	Catalog   CatalogConfig   `yaml:"catalog"`
	Log       LogConfig       `yaml:"log"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Bootstrap BootstrapConfig `yaml:"bootstrap"`
}

// ServerConfig holds HTTP server settings. WriteTimeout defaults to zero
// because streamed responses hold the connection open far longer than any
// fixed deadline; the forwarder's body timeout bounds the upstream side.
type ServerConfig struct {
	Addr            string        `yaml:"addr"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	IdleTimeout     time.Duration `yaml:"idle_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxBodyBytes    int64         `yaml:"max_body_bytes"`
}

// DatabaseConfig holds SQLite settings.
type DatabaseConfig struct {
	DSN string `yaml:"dsn"` // file path or ":memory:"
}

// RedisConfig selects the shared state backend. An empty addr keeps the
// counter, circuit and session stores in process memory, which is only
// coherent for a single instance.
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

// AuthConfig holds authentication settings. HashSecret has no default:
// it fixes every stored key hash, so it must be chosen once and kept
// stable across restarts.
type AuthConfig struct {
	HashSecret string `yaml:"hash_secret"`
}

// QuotaConfig holds admission control settings.
type QuotaConfig struct {
	EstimatedCostUSD float64 `yaml:"estimated_cost_usd"` // reserved per request before usage is known (0 = built-in default)
	Timezone         string  `yaml:"timezone"`           // IANA name anchoring daily and monthly windows
}

// ForwardConfig holds upstream retry and failover settings.
type ForwardConfig struct {
	MaxProviderSwitches    int           `yaml:"max_provider_switches"`
	MaxAttemptsPerProvider int           `yaml:"max_attempts_per_provider"`
	SystemRetryDelay       time.Duration `yaml:"system_retry_delay"`
	BodyTimeout            time.Duration `yaml:"body_timeout"`
	InstructionsTTL        time.Duration `yaml:"instructions_ttl"`
	CountNetworkErrors     bool          `yaml:"count_network_errors"`
	OAuth                  OAuthConfig   `yaml:"oauth"`
}

// OAuthConfig points claude-auth providers at the token endpoint that
// exchanges their stored refresh token for short-lived access tokens.
type OAuthConfig struct {
	TokenURL string `yaml:"token_url"`
	ClientID string `yaml:"client_id"`
}

// SessionConfig holds session tracking settings.
type SessionConfig struct {
	TTL           time.Duration `yaml:"ttl"`
	SweepInterval time.Duration `yaml:"sweep_interval"`
	SettleTimeout time.Duration `yaml:"settle_timeout"`
}

// CatalogConfig holds provider catalog cache settings.
type CatalogConfig struct {
	TTL             time.Duration `yaml:"ttl"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
}

// LogConfig controls the slog handler installed at startup.
type LogConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json" or "text"
}

// TelemetryConfig holds observability settings.
type TelemetryConfig struct {
	Metrics MetricsConfig `yaml:"metrics"`
	Tracing TracingConfig `yaml:"tracing"`
}

// MetricsConfig controls Prometheus metrics.
type MetricsConfig struct {
	Enabled bool `yaml:"enabled"`
}

// TracingConfig controls OpenTelemetry tracing.
type TracingConfig struct {
	Enabled    bool    `yaml:"enabled"`
	Endpoint   string  `yaml:"endpoint"`    // OTLP gRPC endpoint
	SampleRate float64 `yaml:"sample_rate"` // 0.0 to 1.0
}

// BootstrapConfig seeds the database on first run. Every entry is
// idempotent: rows that already exist are left untouched.
type BootstrapConfig struct {
	Admin     *AdminEntry     `yaml:"admin"`
	Users     []UserEntry     `yaml:"users"`
	Providers []ProviderEntry `yaml:"providers"`
	Prices    []PriceEntry    `yaml:"prices"`
}

// AdminEntry describes the administrator account created on first run.
type AdminEntry struct {
	ID   string `yaml:"id"`
	Name string `yaml:"name"`
}

// UserEntry is a user seed in the config file.
type UserEntry struct {
	ID              string     `yaml:"id"`
	Name            string     `yaml:"name"`
	Role            string     `yaml:"role"`
	BalanceUSD      float64    `yaml:"balance_usd"` // initial prepaid balance, credited through the ledger
	BalancePolicy   string     `yaml:"balance_policy"`
	ProviderGroup   string     `yaml:"provider_group"`
	Limit5hUSD      float64    `yaml:"limit_5h_usd"`
	LimitWeeklyUSD  float64    `yaml:"limit_weekly_usd"`
	LimitMonthlyUSD float64    `yaml:"limit_monthly_usd"`
	LimitTotalUSD   float64    `yaml:"limit_total_usd"`
	Keys            []KeyEntry `yaml:"keys"`
}

// KeyEntry is an API key seed under a user. The plaintext is minted at
// bootstrap and logged exactly once; only the hash is stored.
type KeyEntry struct {
	Name                    string  `yaml:"name"`
	RPM                     int     `yaml:"rpm"`
	Limit5hUSD              float64 `yaml:"limit_5h_usd"`
	DailyLimitUSD           float64 `yaml:"daily_limit_usd"`
	LimitWeeklyUSD          float64 `yaml:"limit_weekly_usd"`
	LimitMonthlyUSD         float64 `yaml:"limit_monthly_usd"`
	LimitConcurrentSessions int     `yaml:"limit_concurrent_sessions"`
}

// ProviderEntry is a provider seed in the config file.
type ProviderEntry struct {
	ID                       string            `yaml:"id"`
	Name                     string            `yaml:"name"`
	URL                      string            `yaml:"url"`
	Key                      string            `yaml:"key"`
	Type                     string            `yaml:"type"` // "claude", "claude-auth", "codex", "openai"
	Priority                 int               `yaml:"priority"`
	Weight                   int               `yaml:"weight"`
	CostMultiplier           float64           `yaml:"cost_multiplier"`
	GroupTag                 string            `yaml:"group_tag"`
	JoinClaudePool           bool              `yaml:"join_claude_pool"`
	OnlyClaudeCLI            bool              `yaml:"only_claude_cli"`
	InstructionsStrategy     string            `yaml:"instructions_strategy"`
	ModelRedirects           map[string]string `yaml:"model_redirects"`
	AllowedModels            []string          `yaml:"allowed_models"`
	Limit5hUSD               float64           `yaml:"limit_5h_usd"`
	LimitWeeklyUSD           float64           `yaml:"limit_weekly_usd"`
	LimitMonthlyUSD          float64           `yaml:"limit_monthly_usd"`
	LimitConcurrentSessions  int               `yaml:"limit_concurrent_sessions"`
	RPM                      int               `yaml:"rpm"`
	RPD                      int               `yaml:"rpd"`
	TPM                      int               `yaml:"tpm"`
	FailureThreshold         int               `yaml:"failure_threshold"`
	OpenDurationMs           int64             `yaml:"open_duration_ms"`
	HalfOpenSuccessThreshold int               `yaml:"half_open_success_threshold"`
	ProxyURL                 string            `yaml:"proxy_url"`
	ProxyFallbackToDirect    bool              `yaml:"proxy_fallback_to_direct"`
	Enabled                  *bool             `yaml:"enabled"`
}

// IsEnabled reports whether the provider is enabled (defaults to true when nil).
func (p ProviderEntry) IsEnabled() bool {
	return p.Enabled == nil || *p.Enabled
}

// PriceEntry is a model price seed in the config file. Values are USD
// per single token.
type PriceEntry struct {
	Model            string  `yaml:"model"`
	InputUSD         float64 `yaml:"input_usd"`
	OutputUSD        float64 `yaml:"output_usd"`
	CacheCreationUSD float64 `yaml:"cache_creation_usd"`
	CacheReadUSD     float64 `yaml:"cache_read_usd"`
}

var envPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)(:-[^}]*)?\}`)

// expandEnv replaces ${VAR} and ${VAR:-default} patterns with environment
// variable values. An unset variable with no default is left intact so the
// parse error points at the offending reference instead of an empty string.
func expandEnv(data []byte) []byte {
	return envPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		groups := envPattern.FindSubmatch(match)
		if val, ok := os.LookupEnv(string(groups[1])); ok {
			return []byte(val)
		}
		if len(groups[2]) > 0 {
			return groups[2][2:] // strip the ":-" marker
		}
		return match
	})
}

// Load reads and parses a YAML config file, expanding environment variables.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	data = expandEnv(data)

	cfg := &Config{
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     30 * time.Second,
			IdleTimeout:     120 * time.Second,
			ShutdownTimeout: 30 * time.Second,
			MaxBodyBytes:    32 << 20,
		},
		Database: DatabaseConfig{
			DSN: "switchyard.db",
		},
		Redis: RedisConfig{
			Prefix: "sy:",
		},
		Quota: QuotaConfig{
			Timezone: "UTC",
		},
		Forward: ForwardConfig{
			MaxProviderSwitches:    20,
			MaxAttemptsPerProvider: 2,
			SystemRetryDelay:       100 * time.Millisecond,
			BodyTimeout:            15 * time.Minute,
			InstructionsTTL:        24 * time.Hour,
			OAuth: OAuthConfig{
				TokenURL: "https://console.anthropic.com/v1/oauth/token",
				ClientID: "9d1c250a-e61b-44d9-88ed-5944d1962f5e",
			},
		},
		Sessions: SessionConfig{
			TTL:           time.Hour,
			SweepInterval: time.Minute,
			SettleTimeout: 10 * time.Second,
		},
		Catalog: CatalogConfig{
			TTL:             30 * time.Second,
			RefreshInterval: time.Minute,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Telemetry: TelemetryConfig{
			Metrics: MetricsConfig{Enabled: true},
			Tracing: TracingConfig{SampleRate: 1},
		},
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return cfg, nil
}
