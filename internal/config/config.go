// ABOUTME: Configuration loading and parsing for branchsync
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Config represents the complete branchsync configuration. Terminal and
// server binaries share one file; each reads only the sections it needs.
type Config struct {
	Authority AuthorityConfig `yaml:"authority"`
	Branch    BranchConfig    `yaml:"branch"`
	Database  DatabaseConfig  `yaml:"database"`
	Sync      SyncConfig      `yaml:"sync"`
	Server    ServerConfig    `yaml:"server"`
	Auth      AuthConfig      `yaml:"auth"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Fees      FeesConfig      `yaml:"fees"`
}

// AuthorityConfig holds connection details for the central authority
type AuthorityConfig struct {
	BaseURL     string        `yaml:"base_url"`
	RealtimeURL string        `yaml:"realtime_url"`
	Token       string        `yaml:"token"`
	TimeoutRaw  string        `yaml:"timeout"`
	Timeout     time.Duration `yaml:"-"`
}

// BranchConfig identifies the terminal's branch scope
type BranchConfig struct {
	UserID    string   `yaml:"user_id"`
	BranchIDs []string `yaml:"branch_ids"`
	Master    bool     `yaml:"master"`
}

// DatabaseConfig holds local database configuration
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// SyncConfig holds queue drain timing configuration
type SyncConfig struct {
	Interval time.Duration `yaml:"-"`
	Debounce time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	IntervalRaw string `yaml:"interval"`
	DebounceRaw string `yaml:"debounce"`
}

// ServerConfig holds the authority server's listen configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret string `yaml:"jwt_secret"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// FeesConfig holds derived-field rates
type FeesConfig struct {
	PerPassenger float64 `yaml:"per_passenger"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	// Parse duration fields
	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	// Validate required fields
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	// Match ${VAR_NAME} pattern
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		// Extract variable name from ${VAR_NAME}
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func (c *Config) applyDefaults() {
	if c.Authority.Timeout == 0 {
		c.Authority.Timeout = 30 * time.Second
	}
	if c.Sync.Interval == 0 {
		c.Sync.Interval = time.Minute
	}
	if c.Sync.Debounce == 0 {
		c.Sync.Debounce = 2 * time.Second
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}

	// Branch scope is required for terminals; a master terminal needs no list
	if !c.Branch.Master && c.Authority.BaseURL != "" && len(c.Branch.BranchIDs) == 0 {
		return fmt.Errorf("branch.branch_ids is required unless branch.master is set")
	}

	// The server binary needs a listen address and signing secret
	if c.Server.HTTPAddr != "" && c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required when server.http_addr is set")
	}

	return nil
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	var err error

	if cfg.Authority.TimeoutRaw != "" {
		cfg.Authority.Timeout, err = time.ParseDuration(cfg.Authority.TimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing authority.timeout %q: %w", cfg.Authority.TimeoutRaw, err)
		}
	}

	if cfg.Sync.IntervalRaw != "" {
		cfg.Sync.Interval, err = time.ParseDuration(cfg.Sync.IntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.interval %q: %w", cfg.Sync.IntervalRaw, err)
		}
	}

	if cfg.Sync.DebounceRaw != "" {
		cfg.Sync.Debounce, err = time.ParseDuration(cfg.Sync.DebounceRaw)
		if err != nil {
			return fmt.Errorf("parsing sync.debounce %q: %w", cfg.Sync.DebounceRaw, err)
		}
	}

	return nil
}
