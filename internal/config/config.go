// ABOUTME: Configuration loading and parsing for marketchat
// ABOUTME: Supports YAML or TOML files with .env loading, env var expansion, and duration parsing

package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Environment overrides
const (
	EnvConfigPath  = "MARKETCHAT_CONFIG"
	EnvDBPath      = "MARKETCHAT_DB_PATH"
	EnvDatabaseURL = "DATABASE_URL"
)

// Supported database drivers
const (
	DriverSQLite   = "sqlite"
	DriverSQLite3  = "sqlite3"
	DriverPostgres = "postgres"
)

// Config represents the complete marketchat configuration
type Config struct {
	Server    ServerConfig    `yaml:"server" toml:"server"`
	Tailscale TailscaleConfig `yaml:"tailscale" toml:"tailscale"`
	Database  DatabaseConfig  `yaml:"database" toml:"database"`
	Auth      AuthConfig      `yaml:"auth" toml:"auth"`
	Cache     CacheConfig     `yaml:"cache" toml:"cache"`
	Chat      ChatConfig      `yaml:"chat" toml:"chat"`
	Logging   LoggingConfig   `yaml:"logging" toml:"logging"`
}

// ServerConfig holds server address configuration
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`   // serve TLS on :443 with Tailscale certs
	Funnel    bool   `yaml:"funnel" toml:"funnel"` // expose publicly (implies HTTPS)
}

// DatabaseConfig selects and locates the store backend
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"`
	Path   string `yaml:"path" toml:"path"` // sqlite file
	DSN    string `yaml:"dsn" toml:"dsn"`   // postgres connection string
}

// AuthConfig holds authentication configuration
type AuthConfig struct {
	JWTSecret  string        `yaml:"jwt_secret" toml:"jwt_secret"`
	CookieName string        `yaml:"cookie_name" toml:"cookie_name"`
	TokenTTL   time.Duration `yaml:"-" toml:"-"`

	TokenTTLRaw string `yaml:"token_ttl" toml:"token_ttl"`
}

// CacheConfig configures the directory cache. An empty RedisURL selects the
// in-memory cache.
type CacheConfig struct {
	RedisURL   string        `yaml:"redis_url" toml:"redis_url"`
	MaxEntries int           `yaml:"max_entries" toml:"max_entries"`
	TTL        time.Duration `yaml:"-" toml:"-"`

	TTLRaw string `yaml:"ttl" toml:"ttl"`
}

// ChatConfig holds conversation limits and timing
type ChatConfig struct {
	MaxMessageLength int  `yaml:"max_message_length" toml:"max_message_length"`
	HistoryLimit     *int `yaml:"history_limit" toml:"history_limit"` // 0 returns the full history

	DedupeTTL    time.Duration `yaml:"-" toml:"-"`
	PollInterval time.Duration `yaml:"-" toml:"-"`

	// Raw string values for unmarshaling
	DedupeTTLRaw    string `yaml:"dedupe_ttl" toml:"dedupe_ttl"`
	PollIntervalRaw string `yaml:"poll_interval" toml:"poll_interval"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// Defaults
const (
	DefaultHTTPAddr         = "127.0.0.1:8080"
	DefaultDBPath           = "./marketchat.db"
	DefaultCookieName       = "session"
	DefaultTokenTTL         = 7 * 24 * time.Hour
	DefaultCacheTTL         = 5 * time.Minute
	DefaultCacheEntries     = 10_000
	DefaultMaxMessageLength = 4000
	DefaultHistoryLimit     = 200
	DefaultDedupeTTL        = 10 * time.Minute
	DefaultPollInterval     = 3 * time.Second
)

// ResolvePath returns the config path from the flag value, MARKETCHAT_CONFIG, or
// the first of marketchat.yaml / marketchat.toml found in the working directory.
func ResolvePath(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv(EnvConfigPath); p != "" {
		return p
	}
	for _, candidate := range []string{"marketchat.yaml", "marketchat.yml", "marketchat.toml"} {
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
	}
	return "marketchat.yaml"
}

// LoadDotEnv loads KEY=VALUE pairs from the given .env files without
// overriding variables already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("loading %s: %w", p, err)
		}
	}
	return nil
}

// Load reads a configuration file from the given path and returns a parsed Config.
// The format follows the extension: .toml is TOML, anything else YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	cfg, err := Parse(data, filepath.Ext(path))
	if err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse decodes raw configuration bytes. ext selects the format (".toml" or YAML).
func Parse(data []byte, ext string) (*Config, error) {
	// Expand environment variables in the raw content
	expanded := expandEnvVars(string(data))

	var cfg Config
	switch strings.ToLower(ext) {
	case ".toml":
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	default:
		if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyEnvOverrides(&cfg)
	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

func applyEnvOverrides(cfg *Config) {
	if p := os.Getenv(EnvDBPath); p != "" {
		cfg.Database.Path = p
	}
	if dsn := os.Getenv(EnvDatabaseURL); dsn != "" && cfg.Database.DSN == "" {
		cfg.Database.DSN = dsn
		if cfg.Database.Driver == "" {
			cfg.Database.Driver = DriverPostgres
		}
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" && !cfg.Tailscale.Enabled {
		cfg.Server.HTTPAddr = DefaultHTTPAddr
	}
	if cfg.Database.Driver == "" {
		cfg.Database.Driver = DriverSQLite
	}
	if cfg.Database.Path == "" && cfg.Database.Driver != DriverPostgres {
		cfg.Database.Path = DefaultDBPath
	}
	if cfg.Auth.CookieName == "" {
		cfg.Auth.CookieName = DefaultCookieName
	}
	if cfg.Auth.TokenTTL == 0 {
		cfg.Auth.TokenTTL = DefaultTokenTTL
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = DefaultCacheTTL
	}
	if cfg.Cache.MaxEntries == 0 {
		cfg.Cache.MaxEntries = DefaultCacheEntries
	}
	if cfg.Chat.MaxMessageLength == 0 {
		cfg.Chat.MaxMessageLength = DefaultMaxMessageLength
	}
	if cfg.Chat.HistoryLimit == nil {
		limit := DefaultHistoryLimit
		cfg.Chat.HistoryLimit = &limit
	}
	if cfg.Chat.DedupeTTL == 0 {
		cfg.Chat.DedupeTTL = DefaultDedupeTTL
	}
	if cfg.Chat.PollInterval == 0 {
		cfg.Chat.PollInterval = DefaultPollInterval
	}
	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}

	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	switch c.Database.Driver {
	case DriverSQLite, DriverSQLite3:
		if c.Database.Path == "" {
			return fmt.Errorf("database.path is required for driver %q", c.Database.Driver)
		}
	case DriverPostgres:
		if c.Database.DSN == "" {
			return fmt.Errorf("database.dsn (or %s) is required for driver postgres", EnvDatabaseURL)
		}
	default:
		return fmt.Errorf("database.driver %q is not supported (sqlite, sqlite3, postgres)", c.Database.Driver)
	}

	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret is required")
	}
	if len(c.Auth.JWTSecret) < 32 {
		return fmt.Errorf("auth.jwt_secret must be at least 32 bytes")
	}

	if c.Cache.MaxEntries < 0 {
		return fmt.Errorf("cache.max_entries must not be negative")
	}
	if c.Chat.MaxMessageLength < 0 {
		return fmt.Errorf("chat.max_message_length must not be negative")
	}
	if c.Chat.HistoryLimit != nil && *c.Chat.HistoryLimit < 0 {
		return fmt.Errorf("chat.history_limit must not be negative")
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level %q is not one of debug, info, warn, error", c.Logging.Level)
	}

	return nil
}

// ServiceHistoryLimit returns the service history limit: the configured count, or
// -1 (everything) when configured as 0.
func (c ChatConfig) ServiceHistoryLimit() int {
	if c.HistoryLimit == nil {
		return DefaultHistoryLimit
	}
	if *c.HistoryLimit == 0 {
		return -1
	}
	return *c.HistoryLimit
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []struct {
		name string
		raw  string
		dst  *time.Duration
	}{
		{"auth.token_ttl", cfg.Auth.TokenTTLRaw, &cfg.Auth.TokenTTL},
		{"cache.ttl", cfg.Cache.TTLRaw, &cfg.Cache.TTL},
		{"chat.dedupe_ttl", cfg.Chat.DedupeTTLRaw, &cfg.Chat.DedupeTTL},
		{"chat.poll_interval", cfg.Chat.PollIntervalRaw, &cfg.Chat.PollInterval},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		if d < 0 {
			return fmt.Errorf("parsing %s %q: must not be negative", f.name, f.raw)
		}
		*f.dst = d
	}

	return nil
}
