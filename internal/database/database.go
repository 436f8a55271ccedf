// Gatewatch - Bot Detection and Traffic Classification
// Copyright 2026 Tom F. (tomtom215)
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/tomtom215/gatewatch

// Package database opens and tunes the embedded DuckDB instance that backs
// the reputation and weight stores.
package database

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"time"

	_ "github.com/duckdb/duckdb-go/v2"

	"github.com/tomtom215/gatewatch/internal/logging"
)

// Config tunes the embedded database.
type Config struct {
	// Path is the database file. Empty means in-memory, which is what the
	// test suite uses.
	Path string `koanf:"path"`

	// MaxMemory caps DuckDB's memory use, e.g. "512MB".
	MaxMemory string `koanf:"max_memory"`

	// Threads is the DuckDB worker thread count; 0 means NumCPU.
	Threads int `koanf:"threads"`
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		Path:      "/data/gatewatch.duckdb",
		MaxMemory: "512MB",
	}
}

// Open connects to DuckDB at cfg.Path, creating the parent directory when
// needed, and verifies the connection.
func Open(ctx context.Context, cfg Config) (*sql.DB, error) {
	if cfg.Path != "" {
		dir := filepath.Dir(cfg.Path)
		if dir != "" && dir != "." {
			// 0750 keeps the data directory group-readable only.
			if err := os.MkdirAll(dir, 0o750); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	threads := cfg.Threads
	if threads <= 0 {
		threads = runtime.NumCPU()
	}

	dsn := cfg.Path
	if cfg.MaxMemory != "" || threads > 0 {
		dsn = fmt.Sprintf("%s?threads=%d", dsn, threads)
		if cfg.MaxMemory != "" {
			dsn += "&max_memory=" + cfg.MaxMemory
		}
	}

	db, err := sql.Open("duckdb", dsn)
	if err != nil {
		return nil, fmt.Errorf("open duckdb: %w", err)
	}

	// DuckDB is embedded; a single writer connection avoids lock contention
	// on upserts while reads multiplex freely.
	db.SetMaxOpenConns(4)
	db.SetConnMaxIdleTime(5 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close() //nolint:errcheck // already failing
		return nil, fmt.Errorf("ping duckdb: %w", err)
	}

	logging.Info().Str("path", cfg.Path).Int("threads", threads).Msg("database opened")
	return db, nil
}

// OpenMemory opens an in-memory instance, used by tests and by deployments
// that accept losing learned state on restart.
func OpenMemory(ctx context.Context) (*sql.DB, error) {
	return Open(ctx, Config{MaxMemory: "256MB", Threads: 1})
}
