package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/db"
	"github.com/helmsman-ai/helmsman/internal/db/dialect"
)

// NewFromConfig opens the configured database and builds an owned repository.
// The SQLite driver uses a single-writer pool plus a read-only reader pool;
// Postgres uses one pgx-backed pool for both roles.
func NewFromConfig(cfg *config.DatabaseConfig) (*Repository, error) {
	switch cfg.Driver {
	case dialect.PGX:
		sqlDB, err := db.OpenPostgres(cfg.DSN, cfg.MaxConns, cfg.MinConns)
		if err != nil {
			return nil, err
		}
		pool := sqlx.NewDb(sqlDB, dialect.PGX)
		return NewOwned(pool, pool)

	case dialect.SQLite3, "":
		writer, err := db.OpenSQLite(cfg.Path)
		if err != nil {
			return nil, err
		}
		reader, err := db.OpenSQLiteReader(cfg.Path)
		if err != nil {
			_ = writer.Close()
			return nil, err
		}
		return NewOwned(sqlx.NewDb(writer, dialect.SQLite3), sqlx.NewDb(reader, dialect.SQLite3))

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}
