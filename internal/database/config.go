// Package database owns the Postgres connection pool and schema migrations
// backing the workspace/file/append/capability/idempotency tables.
package database

import (
	"fmt"
	"os"
	"strconv"
	"time"

	apperrors "github.com/coldtrail/taskboard/pkg/shared/errors"
)

// Config describes how to reach and pool connections to the Postgres instance.
type Config struct {
	Host            string
	Port            int
	User            string
	Password        string
	Database        string
	SSLMode         string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

// DefaultConfig returns sane defaults for local development.
func DefaultConfig() *Config {
	return &Config{
		Host:            "localhost",
		Port:            5432,
		User:            "taskboard",
		Database:        "taskboard",
		SSLMode:         "disable",
		MaxOpenConns:    25,
		MaxIdleConns:    5,
		ConnMaxLifetime: 5 * time.Minute,
		ConnMaxIdleTime: 5 * time.Minute,
	}
}

// LoadFromEnv overrides c's fields from DB_* environment variables when set.
func (c *Config) LoadFromEnv() {
	if v := os.Getenv("DB_HOST"); v != "" {
		c.Host = v
	}
	if v := os.Getenv("DB_PORT"); v != "" {
		if port, err := strconv.Atoi(v); err == nil {
			c.Port = port
		}
	}
	if v := os.Getenv("DB_USER"); v != "" {
		c.User = v
	}
	if v := os.Getenv("DB_PASSWORD"); v != "" {
		c.Password = v
	}
	if v := os.Getenv("DB_NAME"); v != "" {
		c.Database = v
	}
	if v := os.Getenv("DB_SSL_MODE"); v != "" {
		c.SSLMode = v
	}
}

// Validate checks that c describes a usable connection target.
func (c *Config) Validate() error {
	if c.Host == "" {
		return apperrors.ValidationError("host", "database host is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return apperrors.ValidationError("port", "database port must be between 1 and 65535")
	}
	if c.User == "" {
		return apperrors.ValidationError("user", "database user is required")
	}
	if c.Database == "" {
		return apperrors.ValidationError("database", "database name is required")
	}
	if c.MaxOpenConns <= 0 {
		return apperrors.ValidationError("max_open_conns", "max open connections must be greater than 0")
	}
	if c.MaxIdleConns < 0 {
		return apperrors.ValidationError("max_idle_conns", "max idle connections must be non-negative")
	}
	return nil
}

// ConnectionString builds a libpq-style DSN, omitting password when empty.
func (c *Config) ConnectionString() string {
	dsn := fmt.Sprintf("host=%s port=%d user=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Database, c.SSLMode)
	if c.Password != "" {
		dsn += " password=" + c.Password
	}
	return dsn
}
