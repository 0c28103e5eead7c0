package sqlite

import (
	"context"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// Conversation history operations

// SaveConversation inserts or replaces the conversation row for an agent.
func (r *Repository) SaveConversation(ctx context.Context, conv *models.Conversation) error {
	if conv.CreatedAt.IsZero() {
		conv.CreatedAt = time.Now().UTC()
	}
	query := `
		INSERT INTO conversations (agent_id, user_id, flow_id, title, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			user_id = excluded.user_id,
			flow_id = excluded.flow_id,
			title = excluded.title
	`
	_, err := r.db.ExecContext(ctx, r.db.Rebind(query),
		conv.AgentID, conv.UserID, conv.FlowID, conv.Title, conv.CreatedAt)
	return err
}

// UpdateConversationTitle sets the title, typically from the first plan.
func (r *Repository) UpdateConversationTitle(ctx context.Context, agentID, title string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE conversations SET title = ? WHERE agent_id = ?
	`), title, agentID)
	return err
}

// ListConversations returns conversation records for a user, newest first.
func (r *Repository) ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error) {
	rows, err := r.ro.QueryContext(ctx, r.ro.Rebind(`
		SELECT agent_id, user_id, flow_id, title, created_at
		FROM conversations WHERE user_id = ? ORDER BY created_at DESC
	`), userID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.Conversation
	for rows.Next() {
		conv := &models.Conversation{}
		if err := rows.Scan(&conv.AgentID, &conv.UserID, &conv.FlowID, &conv.Title, &conv.CreatedAt); err != nil {
			return nil, err
		}
		result = append(result, conv)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// DeleteConversation removes the conversation row. Idempotent.
func (r *Repository) DeleteConversation(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM conversations WHERE agent_id = ?`), agentID)
	return err
}
