package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/db/dialect"
)

// Broadcaster and buffered event operations

// EnsureBroadcaster creates the broadcaster row if absent and returns the
// current row. Insert-if-absent followed by a read: concurrent creators for
// the same agent converge on one persisted row.
func (r *Repository) EnsureBroadcaster(ctx context.Context, agentID string, maxBufferSize int) (*models.Broadcaster, error) {
	err := dialect.InsertIgnore(ctx, r.db,
		"event_broadcasters",
		"agent_id, current_sequence, max_buffer_size, updated_at",
		"?, 0, ?, ?",
		agentID, maxBufferSize, time.Now().UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to ensure broadcaster: %w", err)
	}

	b := &models.Broadcaster{}
	err = r.db.QueryRowContext(ctx, r.db.Rebind(`
		SELECT agent_id, current_sequence, max_buffer_size, updated_at
		FROM event_broadcasters WHERE agent_id = ?
	`), agentID).Scan(&b.AgentID, &b.CurrentSequence, &b.MaxBufferSize, &b.UpdatedAt)
	if err != nil {
		return nil, err
	}
	return b, nil
}

// AppendEvent appends one event, evicts rows outside the replay window, and
// advances the broadcaster sequence, all in a single transaction. On failure
// nothing is visible and the sequence does not advance.
func (r *Repository) AppendEvent(ctx context.Context, rec *events.BufferedEvent, maxBufferSize int) error {
	payload, err := rec.MarshalPayload()
	if err != nil {
		return fmt.Errorf("failed to serialize event payload: %w", err)
	}

	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		INSERT INTO buffered_events (agent_id, sequence, event_type, event_data, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`), rec.AgentID, rec.Sequence, string(rec.Kind), string(payload), rec.Timestamp)
	if err != nil {
		return err
	}

	// The buffer is a replay window, not a log: everything older than the
	// last maxBufferSize sequences is evicted.
	if maxBufferSize > 0 {
		_, err = tx.ExecContext(ctx, tx.Rebind(`
			DELETE FROM buffered_events WHERE agent_id = ? AND sequence <= ?
		`), rec.AgentID, rec.Sequence-int64(maxBufferSize))
		if err != nil {
			return err
		}
	}

	_, err = tx.ExecContext(ctx, tx.Rebind(`
		UPDATE event_broadcasters SET current_sequence = ?, updated_at = ? WHERE agent_id = ?
	`), rec.Sequence, time.Now().UTC(), rec.AgentID)
	if err != nil {
		return err
	}

	return tx.Commit()
}

// EventsFrom returns buffered events with sequence >= fromSequence in
// ascending order.
func (r *Repository) EventsFrom(ctx context.Context, agentID string, fromSequence int64) ([]*events.BufferedEvent, error) {
	if fromSequence <= 0 {
		fromSequence = 1
	}

	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT agent_id, sequence, event_type, event_data, timestamp
		FROM buffered_events WHERE agent_id = ? AND sequence >= ? ORDER BY sequence ASC
	`), agentID, fromSequence)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*events.BufferedEvent
	for rows.Next() {
		rec, err := scanBufferedEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// LastEvent returns the highest-sequence buffered event for an agent.
func (r *Repository) LastEvent(ctx context.Context, agentID string) (*events.BufferedEvent, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT agent_id, sequence, event_type, event_data, timestamp
		FROM buffered_events WHERE agent_id = ? ORDER BY sequence DESC LIMIT 1
	`), agentID)

	rec, err := scanBufferedEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	return rec, err
}

// ClearEvents deletes all buffered events for an agent. The broadcaster
// sequence is not reset, preserving monotonicity across clears.
func (r *Repository) ClearEvents(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM buffered_events WHERE agent_id = ?`), agentID)
	return err
}

// DeleteBroadcaster removes the broadcaster row and, by cascade, all of its
// buffered events. Idempotent.
func (r *Repository) DeleteBroadcaster(ctx context.Context, agentID string) error {
	// The FK cascade covers SQLite with foreign_keys=on and Postgres alike,
	// but delete events explicitly first so behavior does not depend on the
	// connection pragma.
	if err := r.ClearEvents(ctx, agentID); err != nil {
		return err
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM event_broadcasters WHERE agent_id = ?`), agentID)
	return err
}

func scanBufferedEvent(row rowScanner) (*events.BufferedEvent, error) {
	rec := &events.BufferedEvent{}
	var kind, payload string

	err := row.Scan(&rec.AgentID, &rec.Sequence, &kind, &payload, &rec.Timestamp)
	if err != nil {
		return nil, err
	}

	rec.Kind = events.Kind(kind)
	ev, err := events.UnmarshalPayload(rec.Kind, []byte(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize event payload: %w", err)
	}
	rec.Event = ev
	return rec, nil
}
