package dialect

import (
	"context"

	"github.com/jmoiron/sqlx"
)

// InsertIgnore executes an INSERT that silently skips conflicting rows.
//
//	SQLite:   INSERT OR IGNORE INTO ...
//	Postgres: INSERT INTO ... ON CONFLICT DO NOTHING
//
// Used for get-or-create rows keyed by a natural primary key, where
// concurrent creators must converge on a single persisted row.
func InsertIgnore(ctx context.Context, db *sqlx.DB, table, columns, placeholders string, args ...any) error {
	var query string
	if IsPostgres(db.DriverName()) {
		query = "INSERT INTO " + table + " (" + columns + ") VALUES (" + placeholders + ") ON CONFLICT DO NOTHING"
	} else {
		query = "INSERT OR IGNORE INTO " + table + " (" + columns + ") VALUES (" + placeholders + ")"
	}
	_, err := db.ExecContext(ctx, db.Rebind(query), args...)
	return err
}
