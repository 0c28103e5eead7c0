package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
)

// Agent context operations

// SaveAgentContext inserts or replaces the context row for an agent.
func (r *Repository) SaveAgentContext(ctx context.Context, ac *models.AgentContext) error {
	if ac.CreatedAt.IsZero() {
		ac.CreatedAt = time.Now().UTC()
	}
	ac.UpdatedAt = time.Now().UTC()

	agentJSON, err := json.Marshal(ac.Agent)
	if err != nil {
		return fmt.Errorf("failed to serialize agent: %w", err)
	}

	metadataJSON := "{}"
	if ac.Metadata != nil {
		metadataBytes, err := json.Marshal(ac.Metadata)
		if err != nil {
			return fmt.Errorf("failed to serialize context metadata: %w", err)
		}
		metadataJSON = string(metadataBytes)
	}

	lastMessage := ""
	var lastMessageAt *time.Time
	if ac.LastMsg != nil {
		lastMessage = ac.LastMsg.Text
		ts := ac.LastMsg.Timestamp
		lastMessageAt = &ts
	}

	query := `
		INSERT INTO agent_contexts (agent_id, agent_json, flow_kind, sandbox_id, status, last_message, last_message_at, metadata, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(agent_id) DO UPDATE SET
			agent_json = excluded.agent_json,
			flow_kind = excluded.flow_kind,
			sandbox_id = excluded.sandbox_id,
			status = excluded.status,
			last_message = excluded.last_message,
			last_message_at = excluded.last_message_at,
			metadata = excluded.metadata,
			updated_at = excluded.updated_at
	`
	_, err = r.db.ExecContext(ctx, r.db.Rebind(query),
		ac.AgentID, string(agentJSON), string(ac.FlowKind), ac.SandboxID, string(ac.Status),
		lastMessage, lastMessageAt, metadataJSON, ac.CreatedAt, ac.UpdatedAt)
	return err
}

// GetAgentContext returns the persisted context for an agent.
func (r *Repository) GetAgentContext(ctx context.Context, agentID string) (*models.AgentContext, error) {
	row := r.ro.QueryRowContext(ctx, r.ro.Rebind(`
		SELECT agent_id, agent_json, flow_kind, sandbox_id, status, last_message, last_message_at, metadata, created_at, updated_at
		FROM agent_contexts WHERE agent_id = ?
	`), agentID)
	return scanAgentContext(row)
}

// DeleteAgentContext removes the context row. Idempotent.
func (r *Repository) DeleteAgentContext(ctx context.Context, agentID string) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`DELETE FROM agent_contexts WHERE agent_id = ?`), agentID)
	return err
}

// ListAgentContexts returns all persisted contexts ordered by creation time.
func (r *Repository) ListAgentContexts(ctx context.Context) ([]*models.AgentContext, error) {
	rows, err := r.ro.QueryContext(ctx, `
		SELECT agent_id, agent_json, flow_kind, sandbox_id, status, last_message, last_message_at, metadata, created_at, updated_at
		FROM agent_contexts ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var result []*models.AgentContext
	for rows.Next() {
		ac, err := scanAgentContext(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, ac)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return result, nil
}

// UpdateAgentStatus updates only the status and updated_at columns.
func (r *Repository) UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error {
	res, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_contexts SET status = ?, updated_at = ? WHERE agent_id = ?
	`), string(status), time.Now().UTC(), agentID)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateLastMessage records the most recent accepted user message.
func (r *Repository) UpdateLastMessage(ctx context.Context, agentID string, msg *models.LastMessage) error {
	_, err := r.db.ExecContext(ctx, r.db.Rebind(`
		UPDATE agent_contexts SET last_message = ?, last_message_at = ?, updated_at = ? WHERE agent_id = ?
	`), msg.Text, msg.Timestamp, time.Now().UTC(), agentID)
	return err
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanAgentContext(row rowScanner) (*models.AgentContext, error) {
	ac := &models.AgentContext{}
	var agentJSON, flowKind, status, lastMessage, metadataJSON string
	var lastMessageAt sql.NullTime

	err := row.Scan(&ac.AgentID, &agentJSON, &flowKind, &ac.SandboxID, &status,
		&lastMessage, &lastMessageAt, &metadataJSON, &ac.CreatedAt, &ac.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, err
	}

	ac.FlowKind = models.FlowKind(flowKind)
	ac.Status = models.AgentStatus(status)

	if agentJSON != "" {
		agent := &models.Agent{}
		if err := json.Unmarshal([]byte(agentJSON), agent); err != nil {
			return nil, fmt.Errorf("failed to deserialize agent: %w", err)
		}
		ac.Agent = agent
	}

	if lastMessage != "" || lastMessageAt.Valid {
		ac.LastMsg = &models.LastMessage{Text: lastMessage}
		if lastMessageAt.Valid {
			ac.LastMsg.Timestamp = lastMessageAt.Time
		}
	}

	if metadataJSON != "" && metadataJSON != "{}" {
		if err := json.Unmarshal([]byte(metadataJSON), &ac.Metadata); err != nil {
			return nil, fmt.Errorf("failed to deserialize context metadata: %w", err)
		}
	}

	return ac, nil
}
