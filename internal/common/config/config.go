// Package config provides configuration management for Conversator.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Conversator.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	EventLog  EventLogConfig  `mapstructure:"eventLog"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Builders  BuildersConfig  `mapstructure:"builders"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// WorkspaceConfig holds the on-disk workspace layout configuration.
// All durable state lives under Root: state/, inbox/, prompts/, cache/.
type WorkspaceConfig struct {
	Root string `mapstructure:"root"`
}

// EventLogConfig holds event log tuning.
type EventLogConfig struct {
	// DBPath overrides the default <workspace>/state/events.db location.
	DBPath string `mapstructure:"dbPath"`
	// PendingHighWater is the command-queue depth above which appends are
	// rejected with Busy.
	PendingHighWater int `mapstructure:"pendingHighWater"`
	// SubscriberBuffer is the per-subscriber channel depth.
	SubscriberBuffer int `mapstructure:"subscriberBuffer"`
	// MaxWriteFailures before the log enters degraded read-only mode.
	MaxWriteFailures int `mapstructure:"maxWriteFailures"`
}

// NATSConfig holds NATS messaging configuration. An empty URL selects the
// in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// BuildersConfig holds the builder adapter registry configuration.
type BuildersConfig struct {
	// RegistryPath is the YAML document declaring available builders.
	RegistryPath string `mapstructure:"registryPath"`
	// MaxSessions bounds the pool of concurrently live builder sessions.
	MaxSessions int `mapstructure:"maxSessions"`
	// Timeouts, in seconds.
	SessionCreateTimeout int `mapstructure:"sessionCreateTimeout"`
	SendTimeout          int `mapstructure:"sendTimeout"`
	StreamIdleTimeout    int `mapstructure:"streamIdleTimeout"`
	AbortConfirmTimeout  int `mapstructure:"abortConfirmTimeout"`
	// MaxReconnects caps stream reconnect attempts within the reconnect window
	// before the session is declared lost.
	MaxReconnects   int `mapstructure:"maxReconnects"`
	ReconnectWindow int `mapstructure:"reconnectWindow"` // seconds
	// HealthPollInterval is how often, in seconds, live sessions are
	// cross-checked against the backend's health report.
	HealthPollInterval int `mapstructure:"healthPollInterval"`
}

// NotifierConfig holds inbox delivery tuning.
type NotifierConfig struct {
	// CoalesceWindow is the window, in seconds, within which info/success
	// items for the same task are folded into one delivery hint.
	CoalesceWindow int `mapstructure:"coalesceWindow"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// ReadTimeoutDuration returns the read timeout as a time.Duration.
func (s *ServerConfig) ReadTimeoutDuration() time.Duration {
	return time.Duration(s.ReadTimeout) * time.Second
}

// WriteTimeoutDuration returns the write timeout as a time.Duration.
func (s *ServerConfig) WriteTimeoutDuration() time.Duration {
	return time.Duration(s.WriteTimeout) * time.Second
}

// DBPathOrDefault returns the configured event log database path, or the
// default location under the workspace root.
func (c *Config) DBPathOrDefault() string {
	if c.EventLog.DBPath != "" {
		return c.EventLog.DBPath
	}
	return filepath.Join(c.Workspace.Root, "state", "events.db")
}

// SessionCreateTimeoutDuration returns the session create timeout.
func (b *BuildersConfig) SessionCreateTimeoutDuration() time.Duration {
	return time.Duration(b.SessionCreateTimeout) * time.Second
}

// SendTimeoutDuration returns the per-message send timeout.
func (b *BuildersConfig) SendTimeoutDuration() time.Duration {
	return time.Duration(b.SendTimeout) * time.Second
}

// StreamIdleTimeoutDuration returns the stream idle timeout.
func (b *BuildersConfig) StreamIdleTimeoutDuration() time.Duration {
	return time.Duration(b.StreamIdleTimeout) * time.Second
}

// AbortConfirmTimeoutDuration returns the abort confirmation wait.
func (b *BuildersConfig) AbortConfirmTimeoutDuration() time.Duration {
	return time.Duration(b.AbortConfirmTimeout) * time.Second
}

// ReconnectWindowDuration returns the reconnect counting window.
func (b *BuildersConfig) ReconnectWindowDuration() time.Duration {
	return time.Duration(b.ReconnectWindow) * time.Second
}

// HealthPollIntervalDuration returns the live session health poll interval.
func (b *BuildersConfig) HealthPollIntervalDuration() time.Duration {
	return time.Duration(b.HealthPollInterval) * time.Second
}

// CoalesceWindowDuration returns the inbox coalescing window.
func (n *NotifierConfig) CoalesceWindowDuration() time.Duration {
	return time.Duration(n.CoalesceWindow) * time.Second
}

// detectDefaultLogFormat returns "json" in production environments and "text"
// for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("CONVERSATOR_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "127.0.0.1")
	v.SetDefault("server.port", 8780)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Workspace defaults
	v.SetDefault("workspace.root", ".conversator")

	// Event log defaults
	v.SetDefault("eventLog.dbPath", "")
	v.SetDefault("eventLog.pendingHighWater", 1024)
	v.SetDefault("eventLog.subscriberBuffer", 256)
	v.SetDefault("eventLog.maxWriteFailures", 3)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "conversator-core")
	v.SetDefault("nats.maxReconnects", 10)

	// Builder defaults
	v.SetDefault("builders.registryPath", "builders.yaml")
	v.SetDefault("builders.maxSessions", 8)
	v.SetDefault("builders.sessionCreateTimeout", 30)
	v.SetDefault("builders.sendTimeout", 60)
	v.SetDefault("builders.streamIdleTimeout", 120)
	v.SetDefault("builders.abortConfirmTimeout", 10)
	v.SetDefault("builders.maxReconnects", 5)
	v.SetDefault("builders.reconnectWindow", 300)
	v.SetDefault("builders.healthPollInterval", 30)

	// Notifier defaults
	v.SetDefault("notifier.coalesceWindow", 30)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix CONVERSATOR_ with snake_case naming.
// Config file should be named config.yaml and placed in the current directory
// or /etc/conversator/.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("CONVERSATOR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// AutomaticEnv does not handle camelCase to SNAKE_CASE conversion, so
	// bind the keys where env var naming differs from the config key naming.
	_ = v.BindEnv("workspace.root", "CONVERSATOR_WORKSPACE_ROOT")
	_ = v.BindEnv("eventLog.dbPath", "CONVERSATOR_EVENTLOG_DB_PATH")
	_ = v.BindEnv("builders.registryPath", "CONVERSATOR_BUILDERS_REGISTRY_PATH")

	v.SetConfigName("config")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/conversator/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &cfg, nil
}

// validate checks that all required configuration fields are set.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		errs = append(errs, "server.port must be between 1 and 65535")
	}

	if cfg.Workspace.Root == "" {
		errs = append(errs, "workspace.root is required")
	}

	if cfg.EventLog.PendingHighWater <= 0 {
		errs = append(errs, "eventLog.pendingHighWater must be positive")
	}
	if cfg.EventLog.SubscriberBuffer <= 0 {
		errs = append(errs, "eventLog.subscriberBuffer must be positive")
	}

	if cfg.Builders.MaxSessions <= 0 {
		errs = append(errs, "builders.maxSessions must be positive")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}

	return nil
}
