// Package db opens the SQL connections behind the repositories: an embedded
// SQLite store by default, PostgreSQL as the scale-out option.
package db

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

const (
	busyTimeout = 5 * time.Second

	// WAL allows many readers alongside the single writer; four read
	// connections cover concurrent subscription stream polling.
	sqliteReaderConns = 4
)

// OpenSQLite opens the write side of a SQLite database: one connection, WAL
// journaling, foreign keys on. Cascade deletes from event_broadcasters to
// buffered_events depend on FK enforcement being set on every connection.
func OpenSQLite(dbPath string) (*sql.DB, error) {
	dbPath, err := prepareSQLitePath(dbPath)
	if err != nil {
		return nil, err
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=rwc&_busy_timeout=%d&_journal_mode=WAL&_synchronous=NORMAL&_cache=shared",
		dbPath, busyTimeout.Milliseconds())
	writer, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// A single writer connection serializes writes and avoids SQLITE_BUSY
	// under append contention.
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	return writer, nil
}

// OpenSQLiteReader opens the read side: a pool of read-only connections that
// serve event replay and polling concurrently with appends via WAL snapshots.
// Journal mode and synchronous level are database-wide, set by the writer.
func OpenSQLiteReader(dbPath string) (*sql.DB, error) {
	if abs, err := filepath.Abs(dbPath); err == nil && dbPath != "" {
		dbPath = abs
	}

	dsn := fmt.Sprintf("file:%s?_foreign_keys=on&_mode=ro&_busy_timeout=%d&_cache=shared",
		dbPath, busyTimeout.Milliseconds())
	reader, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open read-only database: %w", err)
	}

	reader.SetMaxOpenConns(sqliteReaderConns)
	reader.SetMaxIdleConns(sqliteReaderConns)
	return reader, nil
}

// prepareSQLitePath resolves the path and makes sure the directory and file
// exist before the driver touches them.
func prepareSQLitePath(dbPath string) (string, error) {
	if dbPath == "" {
		return "", fmt.Errorf("database path is empty")
	}
	if abs, err := filepath.Abs(dbPath); err == nil {
		dbPath = abs
	}

	if dir := filepath.Dir(dbPath); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", fmt.Errorf("failed to prepare database path: %w", err)
		}
	}
	file, err := os.OpenFile(dbPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return "", fmt.Errorf("failed to create database file: %w", err)
	}
	return dbPath, file.Close()
}
