// Package config provides configuration management for Helmsman.
// It supports loading configuration from environment variables, config files, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for Helmsman.
type Config struct {
	Server   ServerConfig   `mapstructure:"server"`
	Database DatabaseConfig `mapstructure:"database"`
	NATS     NATSConfig     `mapstructure:"nats"`
	LLM      LLMConfig      `mapstructure:"llm"`
	Sandbox  SandboxConfig  `mapstructure:"sandbox"`
	Search   SearchConfig   `mapstructure:"search"`
	Events   EventsConfig   `mapstructure:"events"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// Driver selects between the embedded SQLite store and PostgreSQL.
type DatabaseConfig struct {
	Driver   string `mapstructure:"driver"` // sqlite3 (default) or pgx
	Path     string `mapstructure:"path"`   // SQLite file path
	DSN      string `mapstructure:"dsn"`    // PostgreSQL DSN
	MaxConns int    `mapstructure:"maxConns"`
	MinConns int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// When URL is empty the in-memory event bus is used instead.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// LLMConfig holds LLM backend configuration.
type LLMConfig struct {
	BaseURL        string  `mapstructure:"baseUrl"`
	APIKey         string  `mapstructure:"apiKey"`
	Model          string  `mapstructure:"model"`
	Temperature    float64 `mapstructure:"temperature"`
	MaxTokens      int     `mapstructure:"maxTokens"`
	RequestTimeout int     `mapstructure:"requestTimeout"` // in seconds, long calls
}

// SandboxConfig holds sandbox container configuration.
type SandboxConfig struct {
	Image          string `mapstructure:"image"`          // container image for agent sandboxes
	Network        string `mapstructure:"network"`        // docker network to attach
	WorkspacePath  string `mapstructure:"workspacePath"`  // path inside the container
	CommandTimeout int    `mapstructure:"commandTimeout"` // in seconds, short calls
}

// SearchConfig holds web search backend configuration.
type SearchConfig struct {
	BaseURL    string `mapstructure:"baseUrl"` // SearXNG-compatible JSON endpoint
	APIKey     string `mapstructure:"apiKey"`
	MaxResults int    `mapstructure:"maxResults"`
}

// EventsConfig holds event buffer and subscription tuning.
type EventsConfig struct {
	MaxBufferSize    int `mapstructure:"maxBufferSize"`    // replay window per agent
	PollInterval     int `mapstructure:"pollInterval"`     // in seconds
	SlowPollInterval int `mapstructure:"slowPollInterval"` // in seconds, after idle backoff
	IdlePollsToSlow  int `mapstructure:"idlePollsToSlow"`  // empty polls before backing off
	HeartbeatTimeout int `mapstructure:"heartbeatTimeout"` // in seconds, subscriber expiry
	SweepInterval    int `mapstructure:"sweepInterval"`    // in seconds, expiry sweep period
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

// RequestTimeoutDuration returns the LLM request timeout as a time.Duration.
func (l *LLMConfig) RequestTimeoutDuration() time.Duration {
	return time.Duration(l.RequestTimeout) * time.Second
}

// CommandTimeoutDuration returns the sandbox command timeout as a time.Duration.
func (s *SandboxConfig) CommandTimeoutDuration() time.Duration {
	return time.Duration(s.CommandTimeout) * time.Second
}

// PollIntervalDuration returns the fast poll interval as a time.Duration.
func (e *EventsConfig) PollIntervalDuration() time.Duration {
	return time.Duration(e.PollInterval) * time.Second
}

// SlowPollIntervalDuration returns the backed-off poll interval as a time.Duration.
func (e *EventsConfig) SlowPollIntervalDuration() time.Duration {
	return time.Duration(e.SlowPollInterval) * time.Second
}

// SweepIntervalDuration returns the subscriber sweep period as a time.Duration.
func (e *EventsConfig) SweepIntervalDuration() time.Duration {
	return time.Duration(e.SweepInterval) * time.Second
}

// detectDefaultLogFormat returns the appropriate log format based on environment.
// Returns "json" if running in Kubernetes or other production environments.
// Returns "text" for terminal/development use (human-readable console format).
func detectDefaultLogFormat() string {
	// Check if running in Kubernetes
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}

	// Check for explicit production environment
	if env := os.Getenv("HELMSMAN_ENV"); env == "production" || env == "prod" {
		return "json"
	}

	// Default to text format for terminal use (more readable than JSON)
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults (embedded SQLite)
	v.SetDefault("database.driver", "sqlite3")
	v.SetDefault("database.path", "helmsman.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults (empty URL = in-memory bus)
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "helmsman")
	v.SetDefault("nats.maxReconnects", 10)

	// LLM defaults
	v.SetDefault("llm.model", "deepseek-chat")
	v.SetDefault("llm.temperature", 0.2)
	v.SetDefault("llm.maxTokens", 4096)
	v.SetDefault("llm.requestTimeout", 600)

	// Sandbox defaults
	v.SetDefault("sandbox.image", "helmsman/sandbox:latest")
	v.SetDefault("sandbox.workspacePath", "/workspace")
	v.SetDefault("sandbox.commandTimeout", 10)

	// Search defaults
	v.SetDefault("search.maxResults", 8)

	// Event buffer defaults
	v.SetDefault("events.maxBufferSize", 100)
	v.SetDefault("events.pollInterval", 1)
	v.SetDefault("events.slowPollInterval", 5)
	v.SetDefault("events.idlePollsToSlow", 10)
	v.SetDefault("events.heartbeatTimeout", 300)
	v.SetDefault("events.sweepInterval", 60)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from file and environment variables.
// Environment variables use the HELMSMAN_ prefix with underscores,
// e.g. HELMSMAN_SERVER_PORT=9000.
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigName("helmsman")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.helmsman")
	v.AddConfigPath("/etc/helmsman")

	v.SetEnvPrefix("HELMSMAN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		// Config file is optional; only fail on parse errors.
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}
