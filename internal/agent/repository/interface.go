// Package repository defines the persistence contracts for the agent runtime.
package repository

import (
	"context"
	"errors"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("not found")

// ContextStore persists agent contexts.
type ContextStore interface {
	// SaveAgentContext inserts or replaces the context row.
	SaveAgentContext(ctx context.Context, ac *models.AgentContext) error

	// GetAgentContext returns the context for an agent, or ErrNotFound.
	GetAgentContext(ctx context.Context, agentID string) (*models.AgentContext, error)

	// DeleteAgentContext removes the context row. Idempotent.
	DeleteAgentContext(ctx context.Context, agentID string) error

	// ListAgentContexts returns all persisted contexts ordered by creation time.
	ListAgentContexts(ctx context.Context) ([]*models.AgentContext, error)

	// UpdateAgentStatus updates only the status and updated_at columns.
	UpdateAgentStatus(ctx context.Context, agentID string, status models.AgentStatus) error

	// UpdateLastMessage records the most recent accepted user message.
	UpdateLastMessage(ctx context.Context, agentID string, msg *models.LastMessage) error
}

// EventStore persists broadcasters and their buffered events.
type EventStore interface {
	// EnsureBroadcaster creates the broadcaster row if absent and returns
	// the current row. Concurrent callers converge on one persisted row.
	EnsureBroadcaster(ctx context.Context, agentID string, maxBufferSize int) (*models.Broadcaster, error)

	// AppendEvent durably appends one event, evicts rows that fall outside
	// the replay window, and advances the broadcaster sequence scalar.
	// All three writes happen in a single transaction: on failure no
	// partial state is visible and the sequence does not advance.
	AppendEvent(ctx context.Context, rec *events.BufferedEvent, maxBufferSize int) error

	// EventsFrom returns buffered events with sequence >= fromSequence in
	// ascending order. A fromSequence <= 0 is treated as 1.
	EventsFrom(ctx context.Context, agentID string, fromSequence int64) ([]*events.BufferedEvent, error)

	// LastEvent returns the highest-sequence buffered event, or ErrNotFound
	// when the buffer is empty.
	LastEvent(ctx context.Context, agentID string) (*events.BufferedEvent, error)

	// ClearEvents deletes all buffered events for an agent. The broadcaster
	// sequence is not reset.
	ClearEvents(ctx context.Context, agentID string) error

	// DeleteBroadcaster removes the broadcaster row and, by cascade, all of
	// its buffered events. Idempotent.
	DeleteBroadcaster(ctx context.Context, agentID string) error
}

// SubscriberStore persists subscriber liveness.
type SubscriberStore interface {
	// CreateSubscriber inserts a new subscriber row.
	CreateSubscriber(ctx context.Context, sub *models.Subscriber) error

	// TouchSubscriber refreshes last_activity for a subscriber.
	TouchSubscriber(ctx context.Context, subscriberID string, at time.Time) error

	// DeleteSubscriber removes a subscriber row. Idempotent.
	DeleteSubscriber(ctx context.Context, subscriberID string) error

	// ExpireSubscribers marks subscribers inactive whose last activity is
	// older than their heartbeat timeout. Returns the number affected.
	ExpireSubscribers(ctx context.Context, now time.Time) (int64, error)

	// CountActiveSubscribers returns the number of active subscribers for
	// an agent.
	CountActiveSubscribers(ctx context.Context, agentID string) (int, error)
}

// ConversationStore persists conversation history records.
type ConversationStore interface {
	// SaveConversation inserts or replaces the conversation row for an agent.
	SaveConversation(ctx context.Context, conv *models.Conversation) error

	// UpdateConversationTitle sets the title, typically from the first plan.
	UpdateConversationTitle(ctx context.Context, agentID, title string) error

	// ListConversations returns conversation records for a user, newest first.
	ListConversations(ctx context.Context, userID string) ([]*models.Conversation, error)

	// DeleteConversation removes the conversation row. Idempotent.
	DeleteConversation(ctx context.Context, agentID string) error
}

// Store aggregates every persistence concern of the agent runtime.
type Store interface {
	ContextStore
	EventStore
	SubscriberStore
	ConversationStore

	Close() error
}
