package db

import (
	"database/sql"
	"fmt"

	_ "github.com/jackc/pgx/v5/stdlib"
)

const (
	defaultPGMaxConns = 25
	defaultPGMinConns = 5
)

// OpenPostgres opens a pgx-backed connection pool. Unlike SQLite there is no
// writer/reader split; the same pool serves both roles.
func OpenPostgres(dsn string, maxConns, minConns int) (*sql.DB, error) {
	pool, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres database: %w", err)
	}

	if maxConns <= 0 {
		maxConns = defaultPGMaxConns
	}
	if minConns <= 0 {
		minConns = defaultPGMinConns
	}
	pool.SetMaxOpenConns(maxConns)
	pool.SetMaxIdleConns(minConns)

	if err := pool.Ping(); err != nil {
		_ = pool.Close()
		return nil, fmt.Errorf("failed to ping postgres database: %w", err)
	}
	return pool, nil
}
