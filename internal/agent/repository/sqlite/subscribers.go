package sqlite

import (
	"context"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/db/dialect"
)

// Subscriber liveness operations

// CreateSubscriber inserts a new subscriber row.
func (r *Repository) CreateSubscriber(ctx context.Context, sub *models.Subscriber) error {
	if sub.CreatedAt.IsZero() {
		sub.CreatedAt = time.Now().UTC()
	}
	if sub.LastActivity.IsZero() {
		sub.LastActivity = sub.CreatedAt
	}
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		INSERT INTO event_subscribers (subscriber_id, agent_id, created_at, last_activity, is_active, heartbeat_timeout_seconds)
		VALUES (?, ?, ?, ?, ?, ?)
	`), sub.ID, sub.AgentID, sub.CreatedAt, sub.LastActivity,
		dialect.BoolToInt(sub.IsActive), sub.HeartbeatTimeoutSeconds)
	return err
}

// TouchSubscriber refreshes last_activity for a subscriber.
func (r *Repository) TouchSubscriber(ctx context.Context, subscriberID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE event_subscribers SET last_activity = ? WHERE subscriber_id = ?
	`), at, subscriberID)
	return err
}

// DeleteSubscriber removes a subscriber row. Idempotent.
func (r *Repository) DeleteSubscriber(ctx context.Context, subscriberID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		DELETE FROM event_subscribers WHERE subscriber_id = ?
	`), subscriberID)
	return err
}

// ExpireSubscribers marks subscribers inactive whose last activity is older
// than their per-row heartbeat timeout. Returns the number affected.
func (r *Repository) ExpireSubscribers(ctx context.Context, now time.Time) (int64, error) {
	// The cutoff comparison is done in Go per row style would need a scan;
	// instead push it into SQL with per-row timeout arithmetic. Both SQLite
	// and Postgres accept comparing a timestamp against a computed one, but
	// the interval syntax differs, so compare epoch seconds.
	var query string
	if dialect.IsPostgres(r.db.DriverName()) {
		query = `
			UPDATE event_subscribers SET is_active = 0
			WHERE is_active = 1
			  AND EXTRACT(EPOCH FROM ($1::timestamptz - last_activity)) > heartbeat_timeout_seconds
		`
	} else {
		query = `
			UPDATE event_subscribers SET is_active = 0
			WHERE is_active = 1
			  AND (strftime('%s', ?) - strftime('%s', last_activity)) > heartbeat_timeout_seconds
		`
	}
	res, err := r.db.ExecContext(ctx, query, now.UTC())
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// CountActiveSubscribers returns the number of active subscribers for an agent.
func (r *Repository) CountActiveSubscribers(ctx context.Context, agentID string) (int, error) {
	var count int
	err := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT COUNT(*) FROM event_subscribers WHERE agent_id = ? AND is_active = 1
	`), agentID).Scan(&count)
	return count, err
}
