package orma

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"
)

// Config holds every tunable of a session factory.
type Config struct {
	Database DatabaseConfig `json:"database" yaml:"database"`
	Session  SessionConfig  `json:"session" yaml:"session"`
	Query    QueryConfig    `json:"query" yaml:"query"`
	Logging  LoggingConfig  `json:"logging" yaml:"logging"`
}

// Supported database drivers.
const (
	DriverPgx      = "pgx"
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// DatabaseConfig contains database connection settings
type DatabaseConfig struct {
	Driver          string        `json:"driver" yaml:"driver"`
	DSN             string        `json:"dsn" yaml:"dsn"`
	Host            string        `json:"host" yaml:"host"`
	Port            int           `json:"port" yaml:"port"`
	Database        string        `json:"database" yaml:"database"`
	Username        string        `json:"username" yaml:"username"`
	Password        string        `json:"password" yaml:"password"`
	SSLMode         string        `json:"sslMode" yaml:"sslMode"`
	MaxConnections  int           `json:"maxConnections" yaml:"maxConnections"`
	ConnMaxLifetime time.Duration `json:"connMaxLifetime" yaml:"connMaxLifetime"`
	ConnMaxIdleTime time.Duration `json:"connMaxIdleTime" yaml:"connMaxIdleTime"`
	Timeout         time.Duration `json:"timeout" yaml:"timeout"`
	IsolationLevel  string        `json:"isolationLevel" yaml:"isolationLevel"`
}

// ConnectionString returns DSN when set, otherwise a URL assembled from the discrete fields.
func (d DatabaseConfig) ConnectionString() string {
	if d.DSN != "" {
		return d.DSN
	}
	if d.Driver == DriverSQLite {
		return "file:" + d.Database
	}
	u := url.URL{
		Scheme: "postgres",
		Host:   d.Host + ":" + strconv.Itoa(d.Port),
		Path:   "/" + d.Database,
	}
	if d.Username != "" {
		u.User = url.UserPassword(d.Username, d.Password)
	}
	q := url.Values{}
	if d.SSLMode != "" {
		q.Set("sslmode", d.SSLMode)
	}
	if d.Timeout > 0 {
		q.Set("connect_timeout", strconv.Itoa(int(d.Timeout.Seconds())))
	}
	u.RawQuery = q.Encode()
	return u.String()
}

// FlushMode controls when pending writes reach the backend.
type FlushMode string

const (
	// FlushModeAuto flushes before queries that read entities with pending writes, and at commit.
	FlushModeAuto FlushMode = "auto"
	// FlushModeCommit flushes only on explicit Flush and at commit.
	FlushModeCommit FlushMode = "commit"
)

// SessionConfig contains unit of work settings
type SessionConfig struct {
	FlushMode FlushMode `json:"flushMode" yaml:"flushMode"`
	// ClearAfterBulk clears the session after every bulk update or delete unless the call overrides it.
	ClearAfterBulk bool `json:"clearAfterBulk" yaml:"clearAfterBulk"`
}

// QueryConfig contains query execution settings
type QueryConfig struct {
	DefaultPageSize      int           `json:"defaultPageSize" yaml:"defaultPageSize"`
	MaxPageSize          int           `json:"maxPageSize" yaml:"maxPageSize"`
	OneIndexedParameters bool          `json:"oneIndexedParameters" yaml:"oneIndexedParameters"`
	SkipCountWhenKnown   bool          `json:"skipCountWhenKnown" yaml:"skipCountWhenKnown"`
	CacheQueryPlans      bool          `json:"cacheQueryPlans" yaml:"cacheQueryPlans"`
	DefaultTimeout       time.Duration `json:"defaultTimeout" yaml:"defaultTimeout"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level              string        `json:"level" yaml:"level"`
	Format             string        `json:"format" yaml:"format"`
	LogQueries         bool          `json:"logQueries" yaml:"logQueries"`
	SlowQueryThreshold time.Duration `json:"slowQueryThreshold" yaml:"slowQueryThreshold"`
}

// DefaultConfig returns a default configuration
func DefaultConfig() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          DriverPgx,
			Host:            "localhost",
			Port:            5432,
			SSLMode:         "disable",
			MaxConnections:  25,
			ConnMaxLifetime: 5 * time.Minute,
			ConnMaxIdleTime: 5 * time.Minute,
			Timeout:         30 * time.Second,
			IsolationLevel:  "read committed",
		},
		Session: SessionConfig{
			FlushMode:      FlushModeAuto,
			ClearAfterBulk: false,
		},
		Query: QueryConfig{
			DefaultPageSize:    20,
			MaxPageSize:        2000,
			SkipCountWhenKnown: true,
			CacheQueryPlans:    true,
			DefaultTimeout:     30 * time.Second,
		},
		Logging: LoggingConfig{
			Level:              "info",
			Format:             "json",
			LogQueries:         false,
			SlowQueryThreshold: 1 * time.Second,
		},
	}
}

// Validate validates the configuration
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case DriverPgx, DriverPostgres, DriverSQLite:
	default:
		return &ConfigError{Field: "database.driver", Message: fmt.Sprintf("unsupported driver %q", c.Database.Driver)}
	}

	if c.Database.MaxConnections <= 0 {
		return &ConfigError{Field: "database.maxConnections", Message: "must be greater than 0"}
	}

	switch c.Session.FlushMode {
	case FlushModeAuto, FlushModeCommit:
	default:
		return &ConfigError{Field: "session.flushMode", Message: fmt.Sprintf("unknown flush mode %q", c.Session.FlushMode)}
	}

	if c.Query.DefaultPageSize <= 0 {
		return &ConfigError{Field: "query.defaultPageSize", Message: "must be greater than 0"}
	}

	if c.Query.MaxPageSize < c.Query.DefaultPageSize {
		return &ConfigError{Field: "query.maxPageSize", Message: "must be greater than or equal to defaultPageSize"}
	}

	switch c.Logging.Level {
	case "debug", "info", "warn", "error":
	default:
		return &ConfigError{Field: "logging.level", Message: fmt.Sprintf("unknown level %q", c.Logging.Level)}
	}

	return nil
}

// ConfigError represents a configuration validation error
type ConfigError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
}

func (e *ConfigError) Error() string {
	return "config validation error for field '" + e.Field + "': " + e.Message
}

// LoadConfig reads a YAML file over DefaultConfig. ${VAR} references are expanded from the environment first.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config %s: %w", path, err)
	}
	return ParseConfig(raw)
}

// ParseConfig decodes YAML config bytes over DefaultConfig and validates the result.
func ParseConfig(raw []byte) (*Config, error) {
	expanded, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("expand config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
