package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresConfig configures the PostgreSQL store.
type PostgresConfig struct {
	URL             string        `yaml:"url"`
	PingTimeout     time.Duration `yaml:"ping_timeout"`
	MaxOpenConns    int           `yaml:"max_open_conns"`
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `yaml:"conn_max_idle_time"`
}

// withDefaults fills unset pool settings.
func (c PostgresConfig) withDefaults() PostgresConfig {
	if c.PingTimeout == 0 {
		c.PingTimeout = 2 * time.Second
	}
	if c.MaxOpenConns == 0 {
		c.MaxOpenConns = 10
	}
	if c.MaxIdleConns == 0 {
		c.MaxIdleConns = 5
	}
	if c.ConnMaxLifetime == 0 {
		c.ConnMaxLifetime = 30 * time.Minute
	}
	if c.ConnMaxIdleTime == 0 {
		c.ConnMaxIdleTime = 5 * time.Minute
	}
	return c
}

// Validate checks the configuration.
func (c PostgresConfig) Validate() error {
	if c.URL == "" {
		return errors.New("postgres url is required")
	}
	if c.PingTimeout <= 0 {
		return errors.New("postgres ping timeout must be positive")
	}
	if c.MaxOpenConns < 1 {
		return errors.New("postgres max open conns must be >= 1")
	}
	if c.MaxIdleConns < 0 {
		return errors.New("postgres max idle conns must be >= 0")
	}
	if c.MaxIdleConns > c.MaxOpenConns {
		return errors.New("postgres max idle conns must be <= max open conns")
	}
	if c.ConnMaxLifetime < 0 || c.ConnMaxIdleTime < 0 {
		return errors.New("postgres connection lifetimes must be >= 0")
	}
	return nil
}

// NewPostgresStore connects to PostgreSQL through the pgx driver and
// ensures the schema exists.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*SQLStore, error) {
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("store postgres open: %w", err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)
	db.SetMaxIdleConns(cfg.MaxIdleConns)
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.PingTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store postgres ping: %w", err)
	}

	s, err := NewSQLStore(ctx, db, DialectPostgres)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
