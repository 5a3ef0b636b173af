// Package config provides configuration management for sandrun.
// It supports loading configuration from environment variables, a config
// file, and defaults.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds all configuration sections for sandrun.
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	NATS      NATSConfig      `mapstructure:"nats"`
	Docker    DockerConfig    `mapstructure:"docker"`
	Runs      RunsConfig      `mapstructure:"runs"`
	Workspace WorkspaceConfig `mapstructure:"workspace"`
	Evidence  EvidenceConfig  `mapstructure:"evidence"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host         string `mapstructure:"host"`
	Port         int    `mapstructure:"port"`
	ReadTimeout  int    `mapstructure:"readTimeout"`  // in seconds
	WriteTimeout int    `mapstructure:"writeTimeout"` // in seconds
}

// DatabaseConfig holds database connection configuration.
// PostgresURL takes precedence; when empty, the SQLite path is used.
type DatabaseConfig struct {
	PostgresURL string `mapstructure:"postgresUrl"`
	SQLitePath  string `mapstructure:"sqlitePath"`
	MaxConns    int    `mapstructure:"maxConns"`
	MinConns    int    `mapstructure:"minConns"`
}

// NATSConfig holds NATS messaging configuration.
// An empty URL selects the in-memory event bus.
type NATSConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
}

// DockerConfig holds Docker client configuration.
type DockerConfig struct {
	Host           string `mapstructure:"host"`
	APIVersion     string `mapstructure:"apiVersion"`
	DefaultNetwork string `mapstructure:"defaultNetwork"`
}

// RunsConfig holds per-run execution configuration.
type RunsConfig struct {
	// MaxRunsPerDay is the per-user daily run quota (UTC day).
	MaxRunsPerDay int `mapstructure:"maxRunsPerDay"`
	// AgentTimeoutSeconds is the hard timeout on a single agent execution.
	AgentTimeoutSeconds int `mapstructure:"agentTimeoutSeconds"`
	// TokenDelayMs is the inter-token delay injected on streaming responses.
	TokenDelayMs int `mapstructure:"tokenDelayMs"`
	// OpenAIAPIKey is injected into sandbox containers.
	OpenAIAPIKey string `mapstructure:"openaiApiKey"`
	// ForceMockCodex is propagated into sandbox containers when set.
	ForceMockCodex string `mapstructure:"forceMockCodex"`
}

// WorkspaceConfig holds workspace lifecycle configuration.
type WorkspaceConfig struct {
	// Image is the sandbox container image.
	Image string `mapstructure:"image"`
	// WarmIdleMinutes is how long a warm workspace may sit idle before the
	// reaper cools it.
	WarmIdleMinutes int `mapstructure:"warmIdleMinutes"`
	// ColdTTLDays is how long a cold workspace's volume is retained.
	ColdTTLDays int `mapstructure:"coldTtlDays"`
	// ReaperIntervalSeconds is the idle reaper tick interval.
	ReaperIntervalSeconds int `mapstructure:"reaperIntervalSeconds"`
	// AgentPort is the in-container port the agent worker listens on.
	AgentPort int `mapstructure:"agentPort"`
}

// EvidenceConfig holds evidence bundle configuration.
type EvidenceConfig struct {
	// Root is the directory where bundle zips are written.
	Root string `mapstructure:"root"`
	// TTLDays is how long ready bundles are retained.
	TTLDays int `mapstructure:"ttlDays"`
	// Workers bounds concurrent bundle builds.
	Workers int `mapstructure:"workers"`
	// PollIntervalSeconds is the pending-bundle poll interval.
	PollIntervalSeconds int `mapstructure:"pollIntervalSeconds"`
}

// AuthConfig holds authentication configuration.
type AuthConfig struct {
	// AdminToken guards the /ops/users bootstrap endpoint.
	AdminToken string `mapstructure:"adminToken"`
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

// AgentTimeout returns the hard agent timeout as a time.Duration.
func (r *RunsConfig) AgentTimeout() time.Duration {
	return time.Duration(r.AgentTimeoutSeconds) * time.Second
}

// TokenDelay returns the inter-token streaming delay as a time.Duration.
func (r *RunsConfig) TokenDelay() time.Duration {
	return time.Duration(r.TokenDelayMs) * time.Millisecond
}

// WarmIdle returns the warm-idle window as a time.Duration.
func (w *WorkspaceConfig) WarmIdle() time.Duration {
	return time.Duration(w.WarmIdleMinutes) * time.Minute
}

// ColdTTL returns the cold workspace retention window as a time.Duration.
func (w *WorkspaceConfig) ColdTTL() time.Duration {
	return time.Duration(w.ColdTTLDays) * 24 * time.Hour
}

// ReaperInterval returns the reaper tick interval as a time.Duration.
func (w *WorkspaceConfig) ReaperInterval() time.Duration {
	return time.Duration(w.ReaperIntervalSeconds) * time.Second
}

// TTL returns the evidence retention window as a time.Duration.
func (e *EvidenceConfig) TTL() time.Duration {
	return time.Duration(e.TTLDays) * 24 * time.Hour
}

// PollInterval returns the pending-bundle poll interval as a time.Duration.
func (e *EvidenceConfig) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalSeconds) * time.Second
}

// detectDefaultLogFormat returns "json" for production-looking environments
// and "text" for terminal/development use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("SANDRUN_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.readTimeout", 30)
	v.SetDefault("server.writeTimeout", 30)

	// Database defaults - empty postgres URL means SQLite
	v.SetDefault("database.postgresUrl", "")
	v.SetDefault("database.sqlitePath", "~/.sandrun/sandrun.db")
	v.SetDefault("database.maxConns", 25)
	v.SetDefault("database.minConns", 5)

	// NATS defaults - empty URL means use in-memory event bus
	v.SetDefault("nats.url", "")
	v.SetDefault("nats.clientId", "sandrun")
	v.SetDefault("nats.maxReconnects", 10)

	// Docker defaults
	v.SetDefault("docker.host", "unix:///var/run/docker.sock")
	v.SetDefault("docker.apiVersion", "")
	v.SetDefault("docker.defaultNetwork", "bridge")

	// Run defaults
	v.SetDefault("runs.maxRunsPerDay", 500)
	v.SetDefault("runs.agentTimeoutSeconds", 60)
	v.SetDefault("runs.tokenDelayMs", 20)
	v.SetDefault("runs.openaiApiKey", "")
	v.SetDefault("runs.forceMockCodex", "")

	// Workspace defaults
	v.SetDefault("workspace.image", "sandrun-workspace:latest")
	v.SetDefault("workspace.warmIdleMinutes", 20)
	v.SetDefault("workspace.coldTtlDays", 30)
	v.SetDefault("workspace.reaperIntervalSeconds", 60)
	v.SetDefault("workspace.agentPort", 7000)

	// Evidence defaults
	v.SetDefault("evidence.root", "~/.sandrun/evidence")
	v.SetDefault("evidence.ttlDays", 180)
	v.SetDefault("evidence.workers", 4)
	v.SetDefault("evidence.pollIntervalSeconds", 15)

	// Auth defaults
	v.SetDefault("auth.adminToken", "")

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")
}

// Load reads configuration from environment variables, config file, and defaults.
// Environment variables use the prefix SANDRUN_ with snake_case naming; the
// well-known bare names (POSTGRES_URL, WORKSPACE_IMAGE, ...) are also bound.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	// Set defaults first
	setDefaults(v)

	// Configure environment variables
	v.SetEnvPrefix("SANDRUN")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Explicit bindings for the conventional bare env names. AutomaticEnv
	// does not handle camelCase keys or unprefixed vars.
	_ = v.BindEnv("database.postgresUrl", "POSTGRES_URL", "SANDRUN_DATABASE_POSTGRES_URL")
	_ = v.BindEnv("database.sqlitePath", "SQLITE_PATH", "SANDRUN_DATABASE_SQLITE_PATH")
	_ = v.BindEnv("nats.url", "NATS_URL", "SANDRUN_NATS_URL")
	_ = v.BindEnv("docker.host", "DOCKER_HOST", "SANDRUN_DOCKER_HOST")
	_ = v.BindEnv("workspace.image", "WORKSPACE_IMAGE", "SANDRUN_WORKSPACE_IMAGE")
	_ = v.BindEnv("workspace.warmIdleMinutes", "WARM_IDLE_MINUTES", "SANDRUN_WORKSPACE_WARM_IDLE_MINUTES")
	_ = v.BindEnv("workspace.coldTtlDays", "WORKSPACE_COLD_TTL_DAYS", "SANDRUN_WORKSPACE_COLD_TTL_DAYS")
	_ = v.BindEnv("runs.maxRunsPerDay", "MAX_RUNS_PER_DAY", "SANDRUN_RUNS_MAX_RUNS_PER_DAY")
	_ = v.BindEnv("runs.agentTimeoutSeconds", "RUN_TIMEOUT_SECONDS", "SANDRUN_RUNS_AGENT_TIMEOUT_SECONDS")
	_ = v.BindEnv("runs.openaiApiKey", "OPENAI_API_KEY", "SANDRUN_RUNS_OPENAI_API_KEY")
	_ = v.BindEnv("runs.forceMockCodex", "FORCE_MOCK_CODEX", "SANDRUN_RUNS_FORCE_MOCK_CODEX")
	_ = v.BindEnv("evidence.root", "EVIDENCE_ROOT", "SANDRUN_EVIDENCE_ROOT")
	_ = v.BindEnv("evidence.ttlDays", "EVIDENCE_TTL_DAYS", "SANDRUN_EVIDENCE_TTL_DAYS")
	_ = v.BindEnv("auth.adminToken", "SANDRUN_ADMIN_TOKEN")

	// Configure config file
	v.SetConfigName("sandrun")
	v.SetConfigType("yaml")

	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/sandrun/")

	// Read config file (ignore if not found)
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

// validate checks configuration for obvious mistakes.
func validate(cfg *Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", cfg.Server.Port)
	}
	if cfg.Runs.MaxRunsPerDay <= 0 {
		return fmt.Errorf("runs.maxRunsPerDay must be positive, got %d", cfg.Runs.MaxRunsPerDay)
	}
	if cfg.Runs.AgentTimeoutSeconds <= 0 {
		return fmt.Errorf("runs.agentTimeoutSeconds must be positive, got %d", cfg.Runs.AgentTimeoutSeconds)
	}
	if cfg.Workspace.WarmIdleMinutes <= 0 {
		return fmt.Errorf("workspace.warmIdleMinutes must be positive, got %d", cfg.Workspace.WarmIdleMinutes)
	}
	if cfg.Evidence.Workers <= 0 {
		return fmt.Errorf("evidence.workers must be positive, got %d", cfg.Evidence.Workers)
	}
	return nil
}

// ExpandPath resolves a leading ~/ against the user's home directory.
func ExpandPath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", fmt.Errorf("get home directory: %w", err)
		}
		return home + path[1:], nil
	}
	return path, nil
}
