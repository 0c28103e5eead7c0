// Package sqlite provides the SQL-backed repository implementation for the
// agent runtime. Queries are written with sqlx Rebind so the same code runs
// against the embedded SQLite store and PostgreSQL.
package sqlite

import (
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/helmsman-ai/helmsman/internal/db/dialect"
)

// Repository provides SQL-backed storage for agent contexts, event
// broadcasters, buffered events, subscribers, and conversations.
type Repository struct {
	db     *sqlx.DB // writer
	ro     *sqlx.DB // reader (read-only pool)
	ownsDB bool
}

// NewWithDB creates a repository with existing database connections (shared ownership).
func NewWithDB(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, false)
}

// NewOwned creates a repository that owns and closes its connections.
func NewOwned(writer, reader *sqlx.DB) (*Repository, error) {
	return newRepository(writer, reader, true)
}

func newRepository(writer, reader *sqlx.DB, ownsDB bool) (*Repository, error) {
	repo := &Repository{db: writer, ro: reader, ownsDB: ownsDB}
	if err := repo.initSchema(); err != nil {
		if ownsDB {
			if closeErr := writer.Close(); closeErr != nil {
				return nil, fmt.Errorf("failed to close database after schema error: %w", closeErr)
			}
		}
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return repo, nil
}

// Close closes the database connections if the repository owns them.
func (r *Repository) Close() error {
	if !r.ownsDB {
		return nil
	}
	err := r.db.Close()
	if r.ro != r.db {
		if roErr := r.ro.Close(); roErr != nil && err == nil {
			err = roErr
		}
	}
	return err
}

// initSchema creates the database tables if they don't exist.
func (r *Repository) initSchema() error {
	driver := r.db.DriverName()

	statements := []string{
		`CREATE TABLE IF NOT EXISTS agent_contexts (
			agent_id TEXT PRIMARY KEY,
			agent_json TEXT NOT NULL,
			flow_kind TEXT NOT NULL,
			sandbox_id TEXT NOT NULL DEFAULT '',
			status TEXT NOT NULL,
			last_message TEXT NOT NULL DEFAULT '',
			last_message_at TIMESTAMP,
			metadata TEXT NOT NULL DEFAULT '{}',
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS event_broadcasters (
			agent_id TEXT PRIMARY KEY,
			current_sequence BIGINT NOT NULL DEFAULT 0,
			max_buffer_size INTEGER NOT NULL DEFAULT 100,
			updated_at TIMESTAMP NOT NULL
		)`,
		`CREATE TABLE IF NOT EXISTS buffered_events (
			id ` + dialect.AutoIncrementPK(driver) + `,
			agent_id TEXT NOT NULL,
			sequence BIGINT NOT NULL,
			event_type TEXT NOT NULL,
			event_data TEXT NOT NULL,
			timestamp TIMESTAMP NOT NULL,
			UNIQUE(agent_id, sequence),
			FOREIGN KEY(agent_id) REFERENCES event_broadcasters(agent_id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS event_subscribers (
			subscriber_id TEXT PRIMARY KEY,
			agent_id TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			last_activity TIMESTAMP NOT NULL,
			is_active INTEGER NOT NULL DEFAULT 1,
			heartbeat_timeout_seconds INTEGER NOT NULL DEFAULT 300
		)`,
		`CREATE TABLE IF NOT EXISTS conversations (
			agent_id TEXT PRIMARY KEY,
			user_id TEXT NOT NULL,
			flow_id TEXT NOT NULL,
			title TEXT NOT NULL DEFAULT '',
			created_at TIMESTAMP NOT NULL
		)`,
	}

	for _, stmt := range statements {
		if _, err := r.db.Exec(stmt); err != nil {
			return err
		}
	}

	return r.ensureIndexes()
}

// ensureIndexes creates the indexes required for event replay and
// subscriber sweeping.
func (r *Repository) ensureIndexes() error {
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_buffered_events_agent_seq ON buffered_events(agent_id, sequence)`); err != nil {
		return err
	}
	if _, err := r.db.Exec(`CREATE INDEX IF NOT EXISTS idx_event_subscribers_agent_active ON event_subscribers(agent_id, is_active)`); err != nil {
		return err
	}
	return nil
}
