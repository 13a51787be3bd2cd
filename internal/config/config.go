package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/yaml.v3"

	"github.com/livetemplate/drillshow/internal/storage"
	"github.com/livetemplate/drillshow/internal/steps"
)

// FileName is the config file looked up in a deck directory.
const FileName = "drillshow.yaml"

// Config represents the drillshow configuration
type Config struct {
	Title      string           `yaml:"title"`
	Server     ServerConfig     `yaml:"server"`
	Storage    StorageConfig    `yaml:"storage"`
	Navigation NavigationConfig `yaml:"navigation"`
	Session    SessionConfig    `yaml:"session"`
	Features   FeaturesConfig   `yaml:"features"`
	Logging    LoggingConfig    `yaml:"logging"`
	Ignore     []string         `yaml:"ignore"`
}

// ServerConfig holds server-related configuration
type ServerConfig struct {
	Port  int    `yaml:"port"`
	Host  string `yaml:"host"`
	Debug bool   `yaml:"debug"`
}

// Addr returns host:port.
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// StorageConfig selects where navigation progress is kept
type StorageConfig struct {
	Driver    string `yaml:"driver"`               // "memory", "sqlite", "postgres", or "none"
	Path      string `yaml:"path,omitempty"`       // For sqlite: database file (default: ./drillshow.db)
	DSN       string `yaml:"dsn,omitempty"`        // For postgres: connection string (env vars expanded, default: $DATABASE_URL)
	KeyPrefix string `yaml:"key_prefix,omitempty"` // Namespace for persisted keys (default: "mbs")
	Timeout   string `yaml:"timeout,omitempty"`    // Per-statement timeout (e.g., "5s"). Default: 5s
	MaxBytes  int    `yaml:"max_bytes,omitempty"`  // For memory: size limit in bytes (default: unlimited)
	Retries   int    `yaml:"retries,omitempty"`    // For sqlite/postgres: retries of transient failures (default: 2, negative disables)
}

// GetTimeout returns the parsed timeout duration (default: 5s)
func (c StorageConfig) GetTimeout() time.Duration {
	if c.Timeout == "" {
		return 5 * time.Second
	}
	d, err := time.ParseDuration(c.Timeout)
	if err != nil || d <= 0 {
		return 5 * time.Second
	}
	return d
}

// GetKeyPrefix returns the key namespace (default: "mbs")
func (c StorageConfig) GetKeyPrefix() string {
	if c.KeyPrefix == "" {
		return "mbs"
	}
	return c.KeyPrefix
}

// Options converts the section into storage.Open options. Paths are
// resolved against baseDir.
func (c StorageConfig) Options(baseDir string) storage.Options {
	path := c.Path
	if path == "" {
		path = storage.DefaultSQLitePath
	}
	if !filepath.IsAbs(path) && baseDir != "" {
		path = filepath.Join(baseDir, path)
	}
	return storage.Options{
		Driver:   c.Driver,
		Path:     path,
		DSN:      os.ExpandEnv(c.DSN),
		Timeout:  c.GetTimeout(),
		MaxBytes: c.MaxBytes,
		Retries:  c.Retries,
	}
}

// NavigationConfig holds presentation defaults
type NavigationConfig struct {
	AutoDrillAll    *bool  `yaml:"auto_drill_all,omitempty"`    // Seed for viewers without a saved preference (default: true)
	DelayPerDecimal string `yaml:"delay_per_decimal,omitempty"` // Animation delay per 0.1 of a step (default: 500ms)
}

// GetAutoDrillAll returns the auto-drill default (default: true)
func (c NavigationConfig) GetAutoDrillAll() bool {
	if c.AutoDrillAll == nil {
		return true
	}
	return *c.AutoDrillAll
}

// GetDelayPerDecimal returns the animation delay per decimal step (default: 500ms)
func (c NavigationConfig) GetDelayPerDecimal() time.Duration {
	if c.DelayPerDecimal == "" {
		return steps.DefaultDelayPerDecimal
	}
	d, err := time.ParseDuration(c.DelayPerDecimal)
	if err != nil || d <= 0 {
		return steps.DefaultDelayPerDecimal
	}
	return d
}

// SessionConfig limits viewer websocket sessions
type SessionConfig struct {
	RateLimit *RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig holds rate limiting configuration for navigation commands
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second,omitempty"` // Commands per second per session (default: 20)
	Burst             int     `yaml:"burst,omitempty"`               // Burst size (default: 40)
	MaxTrackedViewers int     `yaml:"max_tracked_viewers,omitempty"` // (viewer, deck) budgets kept before the stalest is evicted (default: 10000)
}

// GetRateLimitRPS returns the per-session command rate (default: 20)
func (c SessionConfig) GetRateLimitRPS() float64 {
	if c.RateLimit == nil || c.RateLimit.RequestsPerSecond <= 0 {
		return 20
	}
	return c.RateLimit.RequestsPerSecond
}

// GetRateLimitBurst returns the burst size (default: 40)
func (c SessionConfig) GetRateLimitBurst() int {
	if c.RateLimit == nil || c.RateLimit.Burst <= 0 {
		return 40
	}
	return c.RateLimit.Burst
}

// GetMaxTrackedViewers returns how many (viewer, deck) budgets are kept (default: 10000)
func (c SessionConfig) GetMaxTrackedViewers() int {
	if c.RateLimit == nil || c.RateLimit.MaxTrackedViewers <= 0 {
		return 10000
	}
	return c.RateLimit.MaxTrackedViewers
}

// FeaturesConfig holds feature flags
type FeaturesConfig struct {
	HotReload bool `yaml:"hot_reload"`
}

// LoggingConfig controls process logging
type LoggingConfig struct {
	Level string `yaml:"level"` // "none", "normal", or "debug" (default: normal)
}

// Build creates the process logger for the configured level.
func (c LoggingConfig) Build() (*zap.Logger, error) {
	var level zapcore.Level
	switch strings.ToLower(c.Level) {
	case "none", "off":
		return zap.NewNop(), nil
	case "", "normal", "info":
		level = zapcore.InfoLevel
	case "debug":
		level = zapcore.DebugLevel
	default:
		return nil, fmt.Errorf("unknown logging level %q (use none, normal, or debug)", c.Level)
	}

	cfg := zap.NewDevelopmentConfig()
	cfg.Level = zap.NewAtomicLevelAt(level)
	cfg.DisableStacktrace = level > zapcore.DebugLevel
	cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	return cfg.Build()
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		Title: "Drillshow",
		Server: ServerConfig{
			Port:  8080,
			Host:  "localhost",
			Debug: false,
		},
		Storage: StorageConfig{
			Driver: storage.DriverMemory,
		},
		Features: FeaturesConfig{
			HotReload: true,
		},
		Logging: LoggingConfig{
			Level: "normal",
		},
		Ignore: []string{
			"drafts/**",
		},
	}
}

// Validate reports configuration values that cannot work.
func (c *Config) Validate() error {
	switch c.Storage.Driver {
	case "", storage.DriverMemory, storage.DriverSQLite, storage.DriverPostgres, storage.DriverNone:
	default:
		return fmt.Errorf("storage.driver: unknown driver %q", c.Storage.Driver)
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		return fmt.Errorf("server.port: %d out of range", c.Server.Port)
	}
	if c.Storage.MaxBytes < 0 {
		return fmt.Errorf("storage.max_bytes cannot be negative")
	}
	return nil
}

// Load loads configuration from a YAML file
// If the file doesn't exist, returns the default configuration
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return DefaultConfig(), nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := DefaultConfig() // Start with defaults
	if err := yaml.Unmarshal(data, config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config file %s: %w", configPath, err)
	}

	return config, nil
}

// LoadFromDir looks for drillshow.yaml in the given directory
// If none is found, returns the default configuration
func LoadFromDir(dir string) (*Config, error) {
	return Load(filepath.Join(dir, FileName))
}

// Save writes the configuration to a YAML file
func (c *Config) Save(configPath string) error {
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}

	return nil
}
