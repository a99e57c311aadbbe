package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"
)

// SQLiteConfig configures the SQLite store.
type SQLiteConfig struct {
	DSN string
}

// NewSQLiteStore opens (or creates) a SQLite-backed store.
func NewSQLiteStore(ctx context.Context, cfg SQLiteConfig) (*SQLStore, error) {
	if strings.TrimSpace(cfg.DSN) == "" {
		return nil, errors.New("store sqlite dsn is required")
	}

	db, err := sql.Open("sqlite", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("store sqlite open: %w", err)
	}
	// A single connection keeps in-memory databases and pragmas consistent.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store sqlite set WAL mode: %w", err)
	}
	if _, err := db.ExecContext(ctx, "PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("store sqlite enable foreign keys: %w", err)
	}

	s, err := NewSQLStore(ctx, db, DialectSQLite)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}
