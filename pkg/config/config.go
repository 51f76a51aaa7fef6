package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultListen is the default HTTP listen address.
	DefaultListen = ":8080"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultDatabaseDriver is used when no driver is configured.
	DefaultDatabaseDriver = "sqlite"

	// DefaultSQLitePath is the default sqlite database file.
	DefaultSQLitePath = "./testtrack.db"

	// DefaultAuditInterval is how often the counter auditor recounts
	// run statistics against the underlying result rows.
	DefaultAuditInterval = 5 * time.Minute
)

// Config is the root configuration for testtrack.
type Config struct {
	Global      GlobalConfig      `yaml:"global"`
	Server      ServerConfig      `yaml:"server"`
	Auth        AuthConfig        `yaml:"auth"`
	Attestation AttestationConfig `yaml:"attestation"`
	Database    DatabaseConfig    `yaml:"database"`
	Audit       AuditConfig       `yaml:"audit,omitempty"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Listen      string          `yaml:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled           bool `yaml:"enabled"`
	RequestsPerMinute int  `yaml:"requests_per_minute,omitempty"`
}

// AuthConfig contains authentication settings. Users are seeded into
// the database at startup; password hashes are bcrypt.
type AuthConfig struct {
	Users []AuthUser `yaml:"users,omitempty"`
}

// AuthUser is a config-seeded user account.
type AuthUser struct {
	Username string `yaml:"username"`
	Password string `yaml:"password"`
	Role     string `yaml:"role"`
}

// AttestationConfig holds the shared secret for signed execution
// timestamps submitted with results.
type AttestationConfig struct {
	Secret string `yaml:"secret"`
}

// DatabaseConfig selects and configures the persistence backend.
type DatabaseConfig struct {
	Driver   string         `yaml:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty"`
	Postgres PostgresConfig `yaml:"postgres,omitempty"`
}

// SQLiteConfig contains sqlite settings.
type SQLiteConfig struct {
	Path string `yaml:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty"`
}

// AuditConfig configures the background counter auditor.
type AuditConfig struct {
	Enabled     bool   `yaml:"enabled"`
	Interval    string `yaml:"interval,omitempty"`
	Concurrency int    `yaml:"concurrency,omitempty"`
}

// Load reads and parses a configuration file from the given path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.Server.Listen == "" {
		c.Server.Listen = DefaultListen
	}

	if c.Server.RateLimit.Enabled && c.Server.RateLimit.RequestsPerMinute == 0 {
		c.Server.RateLimit.RequestsPerMinute = 120
	}

	if c.Database.Driver == "" {
		c.Database.Driver = DefaultDatabaseDriver
	}

	if c.Database.Driver == "sqlite" && c.Database.SQLite.Path == "" {
		c.Database.SQLite.Path = DefaultSQLitePath
	}

	if c.Audit.Enabled && c.Audit.Concurrency == 0 {
		c.Audit.Concurrency = 4
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite":
		if c.Database.SQLite.Path == "" {
			return fmt.Errorf("database.sqlite.path is required")
		}
	case "postgres":
		if c.Database.Postgres.Host == "" {
			return fmt.Errorf("database.postgres.host is required")
		}

		if c.Database.Postgres.Database == "" {
			return fmt.Errorf("database.postgres.database is required")
		}
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}

	if c.Attestation.Secret == "" {
		return fmt.Errorf("attestation.secret is required")
	}

	seen := make(map[string]struct{}, len(c.Auth.Users))

	for i, u := range c.Auth.Users {
		if u.Username == "" {
			return fmt.Errorf("auth user %d: username is required", i)
		}

		if _, exists := seen[u.Username]; exists {
			return fmt.Errorf("auth user %d: duplicate username %q", i, u.Username)
		}

		seen[u.Username] = struct{}{}

		if u.Password == "" {
			return fmt.Errorf("auth user %q: password is required", u.Username)
		}

		if !isValidRole(u.Role) {
			return fmt.Errorf("auth user %q: unknown role %q", u.Username, u.Role)
		}
	}

	if _, err := c.AuditInterval(); err != nil {
		return err
	}

	return nil
}

// AuditInterval parses the audit interval, falling back to the default.
func (c *Config) AuditInterval() (time.Duration, error) {
	if c.Audit.Interval == "" {
		return DefaultAuditInterval, nil
	}

	d, err := time.ParseDuration(c.Audit.Interval)
	if err != nil {
		return 0, fmt.Errorf("parsing audit interval: %w", err)
	}

	return d, nil
}

// validRoles is the list of supported user roles.
var validRoles = map[string]struct{}{
	"admin":  {},
	"tester": {},
	"viewer": {},
}

// isValidRole checks if the given role is supported.
func isValidRole(role string) bool {
	_, ok := validRoles[role]

	return ok
}
