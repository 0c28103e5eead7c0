package sqlite

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
)

func newTestRepository(t *testing.T) *Repository {
	t.Helper()
	// Shared-cache in-memory database so the schema is visible across
	// connections within the pool.
	dbConn, err := sqlx.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	dbConn.SetMaxOpenConns(1)

	repo, err := NewWithDB(dbConn, dbConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbConn.Close() })
	return repo
}

func TestSaveAndGetAgentContext(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ac := &models.AgentContext{
		AgentID:  "agent-1",
		FlowKind: models.FlowKindDefault,
		Status:   models.AgentStatusRunning,
		Agent: &models.Agent{
			ID:       "agent-1",
			UserID:   "dev",
			FlowKind: models.FlowKindDefault,
			Model:    models.ModelConfig{Name: "deepseek-chat", Temperature: 0.2},
		},
		Metadata: map[string]any{"source": "test"},
	}
	require.NoError(t, repo.SaveAgentContext(ctx, ac))

	got, err := repo.GetAgentContext(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, "agent-1", got.AgentID)
	assert.Equal(t, models.AgentStatusRunning, got.Status)
	assert.Equal(t, models.FlowKindDefault, got.FlowKind)
	require.NotNil(t, got.Agent)
	assert.Equal(t, "deepseek-chat", got.Agent.Model.Name)
	assert.Equal(t, "test", got.Metadata["source"])
}

func TestSaveAgentContextUpsert(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	ac := &models.AgentContext{
		AgentID:  "agent-1",
		FlowKind: models.FlowKindSuper,
		Status:   models.AgentStatusCreated,
		Agent:    &models.Agent{ID: "agent-1"},
	}
	require.NoError(t, repo.SaveAgentContext(ctx, ac))

	ac.Status = models.AgentStatusRunning
	ac.SandboxID = "sbx-42"
	require.NoError(t, repo.SaveAgentContext(ctx, ac))

	got, err := repo.GetAgentContext(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, got.Status)
	assert.Equal(t, "sbx-42", got.SandboxID)

	all, err := repo.ListAgentContexts(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestGetAgentContextNotFound(t *testing.T) {
	repo := newTestRepository(t)

	_, err := repo.GetAgentContext(context.Background(), "missing")
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateAgentStatus(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveAgentContext(ctx, &models.AgentContext{
		AgentID:  "agent-1",
		FlowKind: models.FlowKindDefault,
		Status:   models.AgentStatusCreated,
		Agent:    &models.Agent{ID: "agent-1"},
	}))

	require.NoError(t, repo.UpdateAgentStatus(ctx, "agent-1", models.AgentStatusStopped))

	got, err := repo.GetAgentContext(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusStopped, got.Status)

	err = repo.UpdateAgentStatus(ctx, "missing", models.AgentStatusStopped)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestUpdateLastMessage(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	require.NoError(t, repo.SaveAgentContext(ctx, &models.AgentContext{
		AgentID:  "agent-1",
		FlowKind: models.FlowKindDefault,
		Status:   models.AgentStatusRunning,
		Agent:    &models.Agent{ID: "agent-1"},
	}))

	ts := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, repo.UpdateLastMessage(ctx, "agent-1", &models.LastMessage{Text: "hello", Timestamp: ts}))

	got, err := repo.GetAgentContext(ctx, "agent-1")
	require.NoError(t, err)
	require.NotNil(t, got.LastMsg)
	assert.Equal(t, "hello", got.LastMsg.Text)
	assert.True(t, ts.Equal(got.LastMsg.Timestamp.UTC()))
}

func TestEnsureBroadcasterConverges(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	b1, err := repo.EnsureBroadcaster(ctx, "agent-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(0), b1.CurrentSequence)
	assert.Equal(t, 100, b1.MaxBufferSize)

	// Second call must not reset or duplicate the row.
	require.NoError(t, repo.AppendEvent(ctx, &events.BufferedEvent{
		Sequence:  1,
		AgentID:   "agent-1",
		Kind:      events.KindMessage,
		Event:     events.NewMessage("hi"),
		Timestamp: time.Now().UTC(),
	}, 100))

	b2, err := repo.EnsureBroadcaster(ctx, "agent-1", 50)
	require.NoError(t, err)
	assert.Equal(t, int64(1), b2.CurrentSequence)
	assert.Equal(t, 100, b2.MaxBufferSize)
}

func appendMessages(t *testing.T, repo *Repository, agentID string, from, to int64, maxBuffer int) {
	t.Helper()
	for seq := from; seq <= to; seq++ {
		require.NoError(t, repo.AppendEvent(context.Background(), &events.BufferedEvent{
			Sequence:  seq,
			AgentID:   agentID,
			Kind:      events.KindMessage,
			Event:     events.NewMessage("msg"),
			Timestamp: time.Now().UTC(),
		}, maxBuffer))
	}
}

func TestAppendAndReplayEvents(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnsureBroadcaster(ctx, "agent-1", 100)
	require.NoError(t, err)
	appendMessages(t, repo, "agent-1", 1, 3, 100)

	got, err := repo.EventsFrom(ctx, "agent-1", 0)
	require.NoError(t, err)
	require.Len(t, got, 3)
	for i, rec := range got {
		assert.Equal(t, int64(i+1), rec.Sequence)
		assert.Equal(t, events.KindMessage, rec.Kind)
		require.NotNil(t, rec.Event)
		assert.Equal(t, "msg", rec.Event.Text)
	}

	tail, err := repo.EventsFrom(ctx, "agent-1", 3)
	require.NoError(t, err)
	require.Len(t, tail, 1)
	assert.Equal(t, int64(3), tail[0].Sequence)
}

func TestAppendEvictsOutsideReplayWindow(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnsureBroadcaster(ctx, "agent-1", 5)
	require.NoError(t, err)
	appendMessages(t, repo, "agent-1", 1, 7, 5)

	got, err := repo.EventsFrom(ctx, "agent-1", 1)
	require.NoError(t, err)
	require.Len(t, got, 5)
	assert.Equal(t, int64(3), got[0].Sequence)
	assert.Equal(t, int64(7), got[len(got)-1].Sequence)

	b, err := repo.EnsureBroadcaster(ctx, "agent-1", 5)
	require.NoError(t, err)
	assert.Equal(t, int64(7), b.CurrentSequence)
}

func TestLastEvent(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnsureBroadcaster(ctx, "agent-1", 100)
	require.NoError(t, err)

	_, err = repo.LastEvent(ctx, "agent-1")
	assert.ErrorIs(t, err, repository.ErrNotFound)

	appendMessages(t, repo, "agent-1", 1, 2, 100)
	require.NoError(t, repo.AppendEvent(ctx, &events.BufferedEvent{
		Sequence:  3,
		AgentID:   "agent-1",
		Kind:      events.KindDone,
		Event:     events.NewDone(),
		Timestamp: time.Now().UTC(),
	}, 100))

	last, err := repo.LastEvent(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), last.Sequence)
	assert.Equal(t, events.KindDone, last.Kind)
	assert.True(t, last.Event.Terminal())
}

func TestClearEventsKeepsSequence(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnsureBroadcaster(ctx, "agent-1", 100)
	require.NoError(t, err)
	appendMessages(t, repo, "agent-1", 1, 4, 100)

	require.NoError(t, repo.ClearEvents(ctx, "agent-1"))

	got, err := repo.EventsFrom(ctx, "agent-1", 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	// The sequence counter survives a clear so later events stay monotonic.
	b, err := repo.EnsureBroadcaster(ctx, "agent-1", 100)
	require.NoError(t, err)
	assert.Equal(t, int64(4), b.CurrentSequence)
}

func TestDeleteBroadcasterCascades(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	_, err := repo.EnsureBroadcaster(ctx, "agent-1", 100)
	require.NoError(t, err)
	appendMessages(t, repo, "agent-1", 1, 2, 100)

	require.NoError(t, repo.DeleteBroadcaster(ctx, "agent-1"))

	got, err := repo.EventsFrom(ctx, "agent-1", 1)
	require.NoError(t, err)
	assert.Empty(t, got)

	// Idempotent on a missing row.
	require.NoError(t, repo.DeleteBroadcaster(ctx, "agent-1"))
}

func TestSubscriberLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	sub := &models.Subscriber{
		ID:                      uuid.NewString(),
		AgentID:                 "agent-1",
		IsActive:                true,
		HeartbeatTimeoutSeconds: 300,
	}
	require.NoError(t, repo.CreateSubscriber(ctx, sub))

	count, err := repo.CountActiveSubscribers(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	require.NoError(t, repo.TouchSubscriber(ctx, sub.ID, time.Now().UTC()))

	require.NoError(t, repo.DeleteSubscriber(ctx, sub.ID))
	count, err = repo.CountActiveSubscribers(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)
}

func TestExpireSubscribers(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	stale := &models.Subscriber{
		ID:                      "stale",
		AgentID:                 "agent-1",
		CreatedAt:               time.Now().UTC().Add(-time.Hour),
		LastActivity:            time.Now().UTC().Add(-time.Hour),
		IsActive:                true,
		HeartbeatTimeoutSeconds: 300,
	}
	fresh := &models.Subscriber{
		ID:                      "fresh",
		AgentID:                 "agent-1",
		IsActive:                true,
		HeartbeatTimeoutSeconds: 300,
	}
	require.NoError(t, repo.CreateSubscriber(ctx, stale))
	require.NoError(t, repo.CreateSubscriber(ctx, fresh))

	expired, err := repo.ExpireSubscribers(ctx, time.Now().UTC())
	require.NoError(t, err)
	assert.Equal(t, int64(1), expired)

	count, err := repo.CountActiveSubscribers(ctx, "agent-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestConversationLifecycle(t *testing.T) {
	repo := newTestRepository(t)
	ctx := context.Background()

	conv := &models.Conversation{
		AgentID: "agent-1",
		UserID:  "dev",
		FlowID:  string(models.FlowKindDefault),
	}
	require.NoError(t, repo.SaveConversation(ctx, conv))
	require.NoError(t, repo.UpdateConversationTitle(ctx, "agent-1", "Summarize quarterly report"))

	list, err := repo.ListConversations(ctx, "dev")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, "Summarize quarterly report", list[0].Title)

	require.NoError(t, repo.DeleteConversation(ctx, "agent-1"))
	list, err = repo.ListConversations(ctx, "dev")
	require.NoError(t, err)
	assert.Empty(t, list)
}
