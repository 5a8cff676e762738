// Package config loads process configuration for fcpbot.
//
// Settings come from three layers, highest precedence first:
//
//	FCPBOT_* environment variables (FCPBOT_GITHUB_TOKEN, FCPBOT_SYNC_INTERVAL, ...)
//	fcpbot.yaml (explicit --config path, or ./fcpbot.yaml when present)
//	built-in defaults
//
// Load returns an explicit *Config value; nothing in this package is global.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/fcpbot/fcpbot/internal/fault"
)

// EnvPrefix is the prefix for environment overrides
const EnvPrefix = "FCPBOT"

// Config holds every setting the bot reads at startup
type Config struct {
	GitHub    GitHubConfig
	Database  DatabaseConfig
	Roster    RosterConfig
	Sync      SyncConfig
	FCP       FCPConfig
	Server    ServerConfig
	Log       LogConfig
	Telemetry TelemetryConfig

	// File is the config file that was read, empty if none
	File string
}

// GitHubConfig configures the remote tracker client
type GitHubConfig struct {
	Token         string
	APIURL        string
	BotLogin      string // Login the bot posts as; commands must mention it
	FetchAttempts int    // Bounded attempts per request before the sweep fails
}

// DatabaseConfig configures the durable store
type DatabaseConfig struct {
	DSN string // sqlite://path, postgres://..., or mysql://...
}

// RosterConfig configures the team roster
type RosterConfig struct {
	Path string
	Mode string // "require" or "upsert"
}

// SyncConfig configures the scheduled sweep
type SyncConfig struct {
	Interval        time.Duration
	InitialLookback time.Duration // Window for repositories with no watermark yet
}

// FCPConfig configures the consensus state machine
type FCPConfig struct {
	Dwell time.Duration // Length of the final comment period
}

// ServerConfig configures the webhook/status server
type ServerConfig struct {
	Addr          string
	WebhookSecret string
}

// LogConfig configures the process logger
type LogConfig struct {
	Level  string // debug, info, warn, error
	Format string // text or json
}

// TelemetryConfig configures OpenTelemetry export. Prometheus metrics on
// /metrics are served regardless.
type TelemetryConfig struct {
	Enabled         bool
	Stdout          bool          // Print spans and metrics to stdout
	Endpoint        string        // OTLP/HTTP collector, host:port or URL
	MetricsEndpoint string        // Separate collector for metrics; defaults to Endpoint
	SampleRatio     float64       // Fraction of sweeps traced
	ExportInterval  time.Duration // Metric push interval
}

// Roster modes
const (
	RosterModeRequire = "require"
	RosterModeUpsert  = "upsert"
)

var validRosterModes = map[string]bool{
	RosterModeRequire: true,
	RosterModeUpsert:  true,
}

var validLogFormats = map[string]bool{
	"text": true,
	"json": true,
}

// setDefaults registers defaults on v. Every key must have a default so
// AutomaticEnv can resolve it.
func setDefaults(v *viper.Viper) {
	v.SetDefault("github.token", "")
	v.SetDefault("github.api_url", "https://api.github.com")
	v.SetDefault("github.bot_login", "fcpbot")
	v.SetDefault("github.fetch_attempts", 3)
	v.SetDefault("database.dsn", "sqlite://fcpbot.db")
	v.SetDefault("roster.path", "teams.toml")
	v.SetDefault("roster.mode", RosterModeRequire)
	v.SetDefault("sync.interval", 30*time.Minute)
	v.SetDefault("sync.initial_lookback", 30*24*time.Hour)
	v.SetDefault("fcp.dwell", 10*24*time.Hour)
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.webhook_secret", "")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.stdout", false)
	v.SetDefault("telemetry.endpoint", "")
	v.SetDefault("telemetry.metrics_endpoint", "")
	v.SetDefault("telemetry.sample_ratio", 1.0)
	v.SetDefault("telemetry.export_interval", 30*time.Second)
}

// Load reads configuration. An empty path looks for ./fcpbot.yaml and
// silently falls back to defaults and environment when it is absent; an
// explicit path must exist.
func Load(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fault.Config("read config", fmt.Errorf("%s: %w", path, err))
		}
	} else {
		v.SetConfigName("fcpbot")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) {
				return nil, fault.Config("read config", err)
			}
		}
	}

	cfg := &Config{
		GitHub: GitHubConfig{
			Token:         v.GetString("github.token"),
			APIURL:        strings.TrimRight(v.GetString("github.api_url"), "/"),
			BotLogin:      strings.TrimPrefix(v.GetString("github.bot_login"), "@"),
			FetchAttempts: v.GetInt("github.fetch_attempts"),
		},
		Database: DatabaseConfig{DSN: v.GetString("database.dsn")},
		Roster: RosterConfig{
			Path: v.GetString("roster.path"),
			Mode: strings.ToLower(strings.TrimSpace(v.GetString("roster.mode"))),
		},
		Sync: SyncConfig{
			Interval:        v.GetDuration("sync.interval"),
			InitialLookback: v.GetDuration("sync.initial_lookback"),
		},
		FCP: FCPConfig{Dwell: v.GetDuration("fcp.dwell")},
		Server: ServerConfig{
			Addr:          v.GetString("server.addr"),
			WebhookSecret: v.GetString("server.webhook_secret"),
		},
		Log: LogConfig{
			Level:  strings.ToLower(v.GetString("log.level")),
			Format: strings.ToLower(v.GetString("log.format")),
		},
		Telemetry: TelemetryConfig{
			Enabled:         v.GetBool("telemetry.enabled"),
			Stdout:          v.GetBool("telemetry.stdout"),
			Endpoint:        v.GetString("telemetry.endpoint"),
			MetricsEndpoint: v.GetString("telemetry.metrics_endpoint"),
			SampleRatio:     v.GetFloat64("telemetry.sample_ratio"),
			ExportInterval:  v.GetDuration("telemetry.export_interval"),
		},
		File: v.ConfigFileUsed(),
	}
	if cfg.Telemetry.Endpoint == "" {
		// The collector address the OTel SDKs read on their own
		cfg.Telemetry.Endpoint = os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	}
	return cfg, nil
}

// Validate checks settings that every command needs. Command-specific
// requirements (a token for syncing, a secret for the webhook) are checked
// by the commands themselves.
func (c *Config) Validate() error {
	var problems []string
	if !validRosterModes[c.Roster.Mode] {
		problems = append(problems, fmt.Sprintf("roster.mode %q (valid: require, upsert)", c.Roster.Mode))
	}
	if c.Roster.Path == "" {
		problems = append(problems, "roster.path is empty")
	}
	if c.Database.DSN == "" {
		problems = append(problems, "database.dsn is empty")
	}
	if c.Sync.Interval <= 0 {
		problems = append(problems, fmt.Sprintf("sync.interval %s must be positive", c.Sync.Interval))
	}
	if c.Sync.InitialLookback < 0 {
		problems = append(problems, fmt.Sprintf("sync.initial_lookback %s must not be negative", c.Sync.InitialLookback))
	}
	if c.FCP.Dwell <= 0 {
		problems = append(problems, fmt.Sprintf("fcp.dwell %s must be positive", c.FCP.Dwell))
	}
	if c.GitHub.FetchAttempts < 1 {
		problems = append(problems, fmt.Sprintf("github.fetch_attempts %d must be at least 1", c.GitHub.FetchAttempts))
	}
	if c.GitHub.BotLogin == "" {
		problems = append(problems, "github.bot_login is empty")
	}
	if !validLogFormats[c.Log.Format] {
		problems = append(problems, fmt.Sprintf("log.format %q (valid: text, json)", c.Log.Format))
	}
	if c.Telemetry.Enabled {
		if c.Telemetry.SampleRatio <= 0 || c.Telemetry.SampleRatio > 1 {
			problems = append(problems, fmt.Sprintf("telemetry.sample_ratio %v must be in (0, 1]", c.Telemetry.SampleRatio))
		}
		if c.Telemetry.ExportInterval <= 0 {
			problems = append(problems, fmt.Sprintf("telemetry.export_interval %s must be positive", c.Telemetry.ExportInterval))
		}
	}
	if len(problems) > 0 {
		return fault.Config("validate config", errors.New(strings.Join(problems, "; ")))
	}
	return nil
}
