// Package config handles loading and validation of callbridge configuration
// from YAML files and environment variables. Environment variables always
// override file-based values. Env var names follow the struct path with a
// CALLBRIDGE_ prefix:
//
//	discord.token → CALLBRIDGE_DISCORD_TOKEN
//	backend_rate.per_second → CALLBRIDGE_BACKEND_RATE_PER_SECOND
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

// defaultConfigFile is the default path for the YAML configuration file.
// Override via CALLBRIDGE_CONFIG_FILE environment variable.
const defaultConfigFile = "/etc/callbridge/config.yaml"

// LogLevel controls the minimum severity for structured log output.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

func (l LogLevel) Valid() bool {
	switch l {
	case LogLevelDebug, LogLevelInfo, LogLevelWarn, LogLevelError:
		return true
	}
	return false
}

// LogFormat selects the structured log encoding.
type LogFormat string

const (
	LogFormatJSON LogFormat = "json"
	LogFormatText LogFormat = "text"
)

func (f LogFormat) Valid() bool {
	switch f {
	case LogFormatJSON, LogFormatText:
		return true
	}
	return false
}

// RedactedString is a string that masks its value in String(), GoString(),
// and MarshalJSON() to prevent accidental leakage of secrets in logs or
// serialized output. Use .Value() to access the underlying secret.
type RedactedString string

const redactedPlaceholder = "[REDACTED]"

// Value returns the underlying secret string.
func (r RedactedString) Value() string { return string(r) }

// String implements fmt.Stringer — always returns a redacted placeholder.
func (r RedactedString) String() string {
	if r == "" {
		return ""
	}
	return redactedPlaceholder
}

// GoString implements fmt.GoStringer for %#v.
func (r RedactedString) GoString() string { return r.String() }

// MarshalJSON masks the value in JSON output.
func (r RedactedString) MarshalJSON() ([]byte, error) {
	if r == "" {
		return []byte(`""`), nil
	}
	return json.Marshal(redactedPlaceholder)
}

// Config is the root configuration.
type Config struct {
	Discord     DiscordConfig   `yaml:"discord"      envPrefix:"DISCORD_"`
	Backend     BackendConfig   `yaml:"backend"      envPrefix:"BACKEND_"`
	BackendRate RateConfig      `yaml:"backend_rate" envPrefix:"BACKEND_RATE_"`
	DiscordRate RateConfig      `yaml:"discord_rate" envPrefix:"DISCORD_RATE_"`
	Circuit     CircuitConfig   `yaml:"circuit"      envPrefix:"CIRCUIT_"`
	Sessions    SessionConfig   `yaml:"sessions"     envPrefix:"SESSIONS_"`
	Limits      LimitsConfig    `yaml:"limits"       envPrefix:"LIMITS_"`
	Dedup       DedupConfig     `yaml:"dedup"        envPrefix:"DEDUP_"`
	Whitelist   WhitelistConfig `yaml:"whitelist"    envPrefix:"WHITELIST_"`
	Admin       AdminConfig     `yaml:"admin"        envPrefix:"ADMIN_"`
	Logging     LoggingConfig   `yaml:"logging"      envPrefix:"LOGGING_"`
	Tracing     TracingConfig   `yaml:"tracing"      envPrefix:"TRACING_"`

	// ShutdownGrace bounds how long shutdown waits for in-flight backend
	// deliveries before abandoning them.
	ShutdownGrace string `yaml:"shutdown_grace" env:"SHUTDOWN_GRACE"`
}

// DiscordConfig holds the chat-platform surface settings.
type DiscordConfig struct {
	Token RedactedString `yaml:"token" env:"TOKEN"`

	// DispatcherRoleID is mentioned when a new call thread opens.
	DispatcherRoleID string `yaml:"dispatcher_role_id" env:"DISPATCHER_ROLE_ID"`

	// AdminRoleID receives operational notifications. Falls back to the
	// dispatcher role when empty.
	AdminRoleID string `yaml:"admin_role_id" env:"ADMIN_ROLE_ID"`

	// WhitelistChannelID restricts whitelist commands to one channel.
	// Empty disables the whitelist command surface.
	WhitelistChannelID string `yaml:"whitelist_channel_id" env:"WHITELIST_CHANNEL_ID"`
}

// BackendConfig holds the game-backend messaging API settings.
type BackendConfig struct {
	UniverseID string         `yaml:"universe_id" env:"UNIVERSE_ID"`
	APIKey     RedactedString `yaml:"api_key"     env:"API_KEY"`
	BaseURL    string         `yaml:"base_url"    env:"BASE_URL"`
	Timeout    string         `yaml:"timeout"     env:"TIMEOUT"`
}

// RateConfig holds one outbound rate domain's throttle and retry settings.
type RateConfig struct {
	PerSecond float64 `yaml:"per_second" env:"PER_SECOND"`
	Retries   int     `yaml:"retries"    env:"RETRIES"`
	BaseDelay string  `yaml:"base_delay" env:"BASE_DELAY"`
	MaxDelay  string  `yaml:"max_delay"  env:"MAX_DELAY"`
}

// CircuitConfig holds circuit breaker settings for the backend API.
type CircuitConfig struct {
	Threshold    int    `yaml:"threshold"     env:"THRESHOLD"`
	ResetTimeout string `yaml:"reset_timeout" env:"RESET_TIMEOUT"`

	// MaxInFlight is the in-flight delivery count above which the service
	// reports degraded health.
	MaxInFlight int `yaml:"max_in_flight" env:"MAX_IN_FLIGHT"`
}

// SessionConfig holds session store and sweep settings.
type SessionConfig struct {
	Max            int    `yaml:"max"             env:"MAX"`
	StaleAfter     string `yaml:"stale_after"     env:"STALE_AFTER"`
	SweepInterval  string `yaml:"sweep_interval"  env:"SWEEP_INTERVAL"`
	ArchiveMinutes int    `yaml:"archive_minutes" env:"ARCHIVE_MINUTES"`
}

// LimitsConfig holds payload sanitization bounds.
type LimitsConfig struct {
	MessageLength int `yaml:"message_length"  env:"MESSAGE_LENGTH"`
	ThreadNameMax int `yaml:"thread_name_max" env:"THREAD_NAME_MAX"`
	UsernameMax   int `yaml:"username_max"    env:"USERNAME_MAX"`
}

// DedupConfig holds duplicate-tracker and bloom filter settings.
type DedupConfig struct {
	MaxSize    int    `yaml:"max_size"    env:"MAX_SIZE"`
	EvictCount int    `yaml:"evict_count" env:"EVICT_COUNT"`
	TTL        string `yaml:"ttl"         env:"TTL"`

	// RotationInterval is the bloom generation rotation cadence.
	// Empty defaults to TTL/2.
	RotationInterval  string  `yaml:"rotation_interval"   env:"ROTATION_INTERVAL"`
	Generations       int     `yaml:"generations"         env:"GENERATIONS"`
	FalsePositiveRate float64 `yaml:"false_positive_rate" env:"FALSE_POSITIVE_RATE"`
}

// WhitelistConfig holds the gun-whitelist store settings.
type WhitelistConfig struct {
	Path     string `yaml:"path"      env:"FILE"`
	CacheTTL string `yaml:"cache_ttl" env:"CACHE_TTL"`
}

// AdminConfig holds the ops/health HTTP server settings.
type AdminConfig struct {
	Address      string `yaml:"address"       env:"ADDRESS"`
	ReadTimeout  string `yaml:"read_timeout"  env:"READ_TIMEOUT"`
	WriteTimeout string `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	IdleTimeout  string `yaml:"idle_timeout"  env:"IDLE_TIMEOUT"`
}

// LoggingConfig holds structured logging settings.
type LoggingConfig struct {
	Level  LogLevel  `yaml:"level"  env:"LEVEL"`
	Format LogFormat `yaml:"format" env:"FORMAT"`
}

// TracingConfig holds OpenTelemetry tracing settings.
type TracingConfig struct {
	Enabled     bool    `yaml:"enabled"      env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint"     env:"ENDPOINT"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRate  float64 `yaml:"sample_rate"  env:"SAMPLE_RATE"`
}

// Defaults returns a Config populated with sensible default values.
// Backend and Discord credentials have no defaults and must be provided.
func Defaults() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL: "https://apis.roblox.com/messaging-service",
			Timeout: "10s",
		},
		BackendRate: RateConfig{
			PerSecond: 5,
			Retries:   3,
			BaseDelay: "1s",
			MaxDelay:  "30s",
		},
		DiscordRate: RateConfig{
			PerSecond: 10,
			Retries:   3,
			BaseDelay: "1s",
			MaxDelay:  "30s",
		},
		Circuit: CircuitConfig{
			Threshold:    5,
			ResetTimeout: "30s",
			MaxInFlight:  50,
		},
		Sessions: SessionConfig{
			Max:            100,
			StaleAfter:     "30m",
			SweepInterval:  "5m",
			ArchiveMinutes: 60,
		},
		Limits: LimitsConfig{
			MessageLength: 500,
			ThreadNameMax: 100,
			UsernameMax:   20,
		},
		Dedup: DedupConfig{
			MaxSize:           10000,
			EvictCount:        1000,
			TTL:               "1h",
			Generations:       2,
			FalsePositiveRate: 0.01,
		},
		Whitelist: WhitelistConfig{
			Path:     "/var/lib/callbridge/whitelist.json",
			CacheTTL: "5m",
		},
		Admin: AdminConfig{
			Address:      ":9090",
			ReadTimeout:  "5s",
			WriteTimeout: "10s",
			IdleTimeout:  "30s",
		},
		Logging: LoggingConfig{
			Level:  LogLevelInfo,
			Format: LogFormatJSON,
		},
		Tracing: TracingConfig{
			ServiceName: "callbridge",
			SampleRate:  0.1,
		},
		ShutdownGrace: "5s",
	}
}

// ConfigFilePath returns the resolved config file path (from env or default).
func ConfigFilePath() string {
	configFile := os.Getenv("CALLBRIDGE_CONFIG_FILE")
	if configFile == "" {
		configFile = defaultConfigFile
	}
	return configFile
}

// Load reads configuration from a YAML file and overlays environment
// variable overrides.
func Load() (*Config, error) {
	return LoadFromPath(ConfigFilePath())
}

// LoadFromPath reads configuration from the given YAML file and overlays
// environment variable overrides. Used by the config watcher to reload.
// A missing file is not an error; defaults + env still apply.
func LoadFromPath(configFile string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(configFile) // config file path is intentionally user-provided.
	if err == nil {
		if yamlErr := yaml.Unmarshal(data, cfg); yamlErr != nil {
			return nil, fmt.Errorf("parsing config file %s: %w", configFile, yamlErr)
		}
	}

	if envErr := env.ParseWithOptions(cfg, env.Options{Prefix: "CALLBRIDGE_"}); envErr != nil {
		return nil, fmt.Errorf("parsing environment variables: %w", envErr)
	}

	cfg.normalize()

	if err := Validate(cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// normalize lowercases enum fields so YAML values like "Info" or env values
// like "INFO" match the canonical lowercase constants.
func (cfg *Config) normalize() {
	cfg.Logging.Level = LogLevel(strings.ToLower(string(cfg.Logging.Level)))
	cfg.Logging.Format = LogFormat(strings.ToLower(string(cfg.Logging.Format)))
}

// Validate checks that the configuration is internally consistent.
// Missing credentials are fatal here rather than at first use.
func Validate(cfg *Config) error {
	if cfg.Discord.Token.Value() == "" {
		return fmt.Errorf("discord.token is required")
	}
	if cfg.Discord.DispatcherRoleID == "" {
		return fmt.Errorf("discord.dispatcher_role_id is required")
	}
	if cfg.Backend.UniverseID == "" {
		return fmt.Errorf("backend.universe_id is required")
	}
	if cfg.Backend.APIKey.Value() == "" {
		return fmt.Errorf("backend.api_key is required")
	}
	if cfg.Backend.BaseURL == "" {
		return fmt.Errorf("backend.base_url is required")
	}

	if !cfg.Logging.Level.Valid() {
		return fmt.Errorf("logging.level %q is invalid", cfg.Logging.Level)
	}
	if !cfg.Logging.Format.Valid() {
		return fmt.Errorf("logging.format %q is invalid", cfg.Logging.Format)
	}

	if cfg.BackendRate.PerSecond <= 0 {
		return fmt.Errorf("backend_rate.per_second must be positive")
	}
	if cfg.DiscordRate.PerSecond <= 0 {
		return fmt.Errorf("discord_rate.per_second must be positive")
	}
	if cfg.Circuit.Threshold < 1 {
		return fmt.Errorf("circuit.threshold must be at least 1")
	}
	if cfg.Sessions.Max < 1 {
		return fmt.Errorf("sessions.max must be at least 1")
	}
	if cfg.Dedup.FalsePositiveRate <= 0 || cfg.Dedup.FalsePositiveRate >= 1 {
		return fmt.Errorf("dedup.false_positive_rate must be in (0, 1)")
	}

	for _, d := range []struct {
		name  string
		value string
	}{
		{"backend.timeout", cfg.Backend.Timeout},
		{"backend_rate.base_delay", cfg.BackendRate.BaseDelay},
		{"backend_rate.max_delay", cfg.BackendRate.MaxDelay},
		{"discord_rate.base_delay", cfg.DiscordRate.BaseDelay},
		{"discord_rate.max_delay", cfg.DiscordRate.MaxDelay},
		{"circuit.reset_timeout", cfg.Circuit.ResetTimeout},
		{"sessions.stale_after", cfg.Sessions.StaleAfter},
		{"sessions.sweep_interval", cfg.Sessions.SweepInterval},
		{"dedup.ttl", cfg.Dedup.TTL},
		{"whitelist.cache_ttl", cfg.Whitelist.CacheTTL},
		{"shutdown_grace", cfg.ShutdownGrace},
	} {
		if _, err := time.ParseDuration(d.value); err != nil {
			return fmt.Errorf("%s: invalid duration %q", d.name, d.value)
		}
	}

	if cfg.Dedup.RotationInterval != "" {
		if _, err := time.ParseDuration(cfg.Dedup.RotationInterval); err != nil {
			return fmt.Errorf("dedup.rotation_interval: invalid duration %q", cfg.Dedup.RotationInterval)
		}
	}

	return nil
}

// ParseDuration parses a duration string, returning def when the string is
// empty or malformed. Use for values already validated at load time.
func ParseDuration(s string, def time.Duration) (time.Duration, error) {
	if s == "" {
		return def, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return def, err
	}
	return d, nil
}

// RotationInterval resolves the bloom rotation cadence: the configured value
// when set, otherwise half the dedup TTL.
func (cfg *Config) RotationInterval() time.Duration {
	if cfg.Dedup.RotationInterval != "" {
		d, _ := ParseDuration(cfg.Dedup.RotationInterval, 0)
		return d
	}
	ttl, _ := ParseDuration(cfg.Dedup.TTL, time.Hour)
	return ttl / 2
}

// AdminNotifyRole returns the role to ping for operational notices,
// falling back to the dispatcher role.
func (d DiscordConfig) AdminNotifyRole() string {
	if d.AdminRoleID != "" {
		return d.AdminRoleID
	}
	return d.DispatcherRoleID
}
