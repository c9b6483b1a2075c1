package postgres

import (
	"fmt"
	"strings"
	"time"
)

// Config holds PostgreSQL connection settings for the executor store.
type Config struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"database"`
	SSLMode  string `yaml:"sslmode"` // disable, require, verify-ca, verify-full

	// Pool settings; zero selects the defaults below.
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

const (
	DefaultMaxOpenConns    = 10
	DefaultMaxIdleConns    = 2
	DefaultConnMaxLifetime = 5 * time.Minute
)

// DefaultConfig returns settings for a local development database.
func DefaultConfig() *Config {
	return &Config{
		Host:     "localhost",
		Port:     5432,
		User:     "pulsejob",
		Password: "pulsejob",
		Database: "pulsejob",
		SSLMode:  "disable",
	}
}

// quote escapes a libpq keyword value.
func quote(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

// ConnectionString returns the libpq keyword/value connection string.
func (c *Config) ConnectionString() string {
	return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		quote(c.Host), c.Port, quote(c.User), quote(c.Password), quote(c.Database), quote(c.SSLMode))
}

// Validate checks required fields and fills defaults.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return fmt.Errorf("host is required")
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("port %d out of range", c.Port)
	case c.User == "":
		return fmt.Errorf("user is required")
	case c.Database == "":
		return fmt.Errorf("database is required")
	}
	switch c.SSLMode {
	case "":
		c.SSLMode = "disable"
	case "disable", "require", "verify-ca", "verify-full":
	default:
		return fmt.Errorf("unsupported sslmode %q", c.SSLMode)
	}
	if c.MaxOpenConns <= 0 {
		c.MaxOpenConns = DefaultMaxOpenConns
	}
	if c.MaxIdleConns <= 0 {
		c.MaxIdleConns = DefaultMaxIdleConns
	}
	if c.ConnMaxLifetime <= 0 {
		c.ConnMaxLifetime = DefaultConnMaxLifetime
	}
	return nil
}
