package runtime

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/eventstream"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/agent/repository/sqlite"
	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
	"github.com/helmsman-ai/helmsman/internal/agent/search"
	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	"github.com/helmsman-ai/helmsman/internal/events/bus"
)

type testEnv struct {
	runtime   *Runtime
	store     repository.Store
	registry  *eventstream.Registry
	llm       *llm.MockClient
	sandboxes *sandbox.MockManager
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	dbConn, err := sqlx.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	dbConn.SetMaxOpenConns(1)
	store, err := sqlite.NewWithDB(dbConn, dbConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbConn.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)

	registry := eventstream.NewRegistry(store, eventBus, 100, nil)
	mockLLM := llm.NewMockClient()
	manager := sandbox.NewMockManager()
	cfg := &config.Config{LLM: config.LLMConfig{Model: "test-model"}}

	rt := New(store, registry, mockLLM, manager, search.NewMockEngine(), cfg, nil)
	t.Cleanup(func() { rt.CloseAll(context.Background()) })

	return &testEnv{runtime: rt, store: store, registry: registry, llm: mockLLM, sandboxes: manager}
}

func scriptSimpleTask(mock *llm.MockClient) {
	mock.Enqueue(&llm.Response{Content: `{"title": "Task", "steps": [{"description": "do it", "sub_plan_step": 0}]}`})
	mock.Enqueue(&llm.Response{Content: "did it"})
	mock.Enqueue(&llm.Response{Content: `{"completed": true, "message": "done", "steps": []}`})
	mock.Enqueue(&llm.Response{Content: "final report"})
}

func waitForEventKinds(t *testing.T, store repository.Store, agentID string, want []events.Kind) []*events.BufferedEvent {
	t.Helper()
	var got []*events.BufferedEvent
	require.Eventually(t, func() bool {
		var err error
		got, err = store.EventsFrom(context.Background(), agentID, 1)
		if err != nil || len(got) < len(want) {
			return false
		}
		for i, kind := range want {
			if got[i].Kind != kind {
				return false
			}
		}
		return true
	}, 10*time.Second, 20*time.Millisecond, "expected event kinds %v, got %v", want, got)
	return got
}

func TestCreateAgentRejectsInvalidFlowKind(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.runtime.CreateAgent(context.Background(), models.DefaultUser, models.FlowKind("bogus"), models.ModelConfig{}, nil)
	assert.ErrorIs(t, err, ErrInvalidFlow)
}

func TestCreateAgentFailsWhenSandboxUnavailable(t *testing.T) {
	env := newTestEnv(t)
	env.sandboxes.CreateErr = sandbox.ErrUnavailable

	_, err := env.runtime.CreateAgent(context.Background(), models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	assert.ErrorIs(t, err, ErrSandboxUnavailable)
}

func TestMessageFlowsThroughToEventBuffer(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, actx.Status)
	assert.Equal(t, "test-model", actx.Agent.Model.Name)

	require.NoError(t, env.runtime.SendMessage(ctx, actx.AgentID, "do the task", time.Now().UTC(), nil))

	// The buffered stream ends with the terminal marker once the run
	// completes.
	got := waitForEventKinds(t, env.store, actx.AgentID, []events.Kind{
		events.KindUserInput,
		events.KindPlanCreated,
		events.KindStepStarted,
		events.KindStepCompleted,
		events.KindReport,
		events.KindPlanCompleted,
		events.KindDone,
	})
	assert.Equal(t, "do the task", got[0].Event.Text)
	assert.Equal(t, "final report", got[4].Event.Text)
}

// blockingClient stalls every chat call until its context is cancelled,
// keeping the supervisor busy so queued messages pile up.
type blockingClient struct {
	started chan struct{}
	once    sync.Once
}

func (c *blockingClient) Chat(ctx context.Context, _ *llm.Request) (*llm.Response, error) {
	c.once.Do(func() { close(c.started) })
	<-ctx.Done()
	return nil, ctx.Err()
}

func TestSendMessageQueueFullLeavesNoTrace(t *testing.T) {
	dbConn, err := sqlx.Open("sqlite3", "file:"+uuid.NewString()+"?mode=memory&cache=shared&_foreign_keys=on")
	require.NoError(t, err)
	dbConn.SetMaxOpenConns(1)
	store, err := sqlite.NewWithDB(dbConn, dbConn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = dbConn.Close() })

	eventBus := bus.NewMemoryEventBus(logger.Default())
	t.Cleanup(eventBus.Close)
	registry := eventstream.NewRegistry(store, eventBus, 100, nil)

	client := &blockingClient{started: make(chan struct{})}
	rt := New(store, registry, client, sandbox.NewMockManager(), search.NewMockEngine(),
		&config.Config{LLM: config.LLMConfig{Model: "test-model"}}, nil)
	t.Cleanup(func() { rt.CloseAll(context.Background()) })

	ctx := context.Background()
	actx, err := rt.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, rt.SendMessage(ctx, actx.AgentID, "m0", time.Now().UTC(), nil))
	select {
	case <-client.started:
	case <-time.After(10 * time.Second):
		t.Fatal("supervisor never started processing the first message")
	}

	// The supervisor is stuck on m0; fill the queue behind it.
	for i := 0; i < messageQueueSize; i++ {
		require.NoError(t, rt.SendMessage(ctx, actx.AgentID, fmt.Sprintf("m%d", i+1), time.Now().UTC(), nil))
	}

	ts := time.Now().UTC()
	err = rt.SendMessage(ctx, actx.AgentID, "overflow", ts, nil)
	require.ErrorIs(t, err, ErrQueueFull)

	// The retry with identical text and timestamp must fail the same way,
	// not be swallowed as a duplicate of a message that was never accepted.
	err = rt.SendMessage(ctx, actx.AgentID, "overflow", ts, nil)
	require.ErrorIs(t, err, ErrQueueFull)

	buffered, err := store.EventsFrom(ctx, actx.AgentID, 1)
	require.NoError(t, err)
	for _, ev := range buffered {
		if ev.Kind == events.KindUserInput {
			assert.NotEqual(t, "overflow", ev.Event.Text)
		}
	}
}

func TestSendMessageSuppressesDuplicates(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)

	ts := time.Now().UTC()
	require.NoError(t, env.runtime.SendMessage(ctx, actx.AgentID, "hello", ts, nil))
	// Identical text and timestamp: a client retry, not a new message.
	require.NoError(t, env.runtime.SendMessage(ctx, actx.AgentID, "hello", ts, nil))

	events1, err := env.store.EventsFrom(ctx, actx.AgentID, 1)
	require.NoError(t, err)
	inputs := 0
	for _, ev := range events1 {
		if ev.Kind == events.KindUserInput {
			inputs++
		}
	}
	assert.Equal(t, 1, inputs)
}

func TestSendMessageUploadsFilesIntoSandbox(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)

	require.NoError(t, env.runtime.SendMessage(ctx, actx.AgentID, "use this file", time.Now().UTC(), []UploadFile{
		{Name: "data.csv", Content: []byte("a,b\n1,2\n")},
	}))

	sb, err := env.runtime.Sandbox(actx.AgentID)
	require.NoError(t, err)
	content, err := sb.ReadFile(ctx, "/workspace/uploads/data.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(content))

	got, err := env.store.EventsFrom(ctx, actx.AgentID, 1)
	require.NoError(t, err)
	require.NotEmpty(t, got)
	assert.Equal(t, []string{"/workspace/uploads/data.csv"}, got[0].Event.FileIDs)
}

func TestSendMessageToUnknownAgent(t *testing.T) {
	env := newTestEnv(t)

	err := env.runtime.SendMessage(context.Background(), "missing", "hi", time.Now().UTC(), nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDestroyAgentEmitsDoneAndIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)

	b, err := env.registry.GetOrCreate(ctx, actx.AgentID)
	require.NoError(t, err)

	require.NoError(t, env.runtime.DestroyAgent(ctx, actx.AgentID))
	assert.True(t, b.Done())

	_, err = env.store.GetAgentContext(ctx, actx.AgentID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	// Second destroy is a no-op.
	require.NoError(t, env.runtime.DestroyAgent(ctx, actx.AgentID))

	err = env.runtime.SendMessage(ctx, actx.AgentID, "hi", time.Now().UTC(), nil)
	assert.ErrorIs(t, err, ErrAgentNotFound)
}

func TestDestroyAgentRemovesOrphanedSandbox(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)
	env.runtime.CloseAll(ctx)

	// A fresh runtime that never started this agent still owes the stored
	// sandbox a teardown when the agent is destroyed.
	rt2 := New(env.store, env.registry, env.llm, env.sandboxes, search.NewMockEngine(),
		&config.Config{LLM: config.LLMConfig{Model: "test-model"}}, nil)
	require.NoError(t, rt2.DestroyAgent(ctx, actx.AgentID))

	_, err = env.sandboxes.Get(ctx, actx.SandboxID)
	assert.ErrorIs(t, err, sandbox.ErrNotFound)
	_, err = env.store.GetAgentContext(ctx, actx.AgentID)
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestCloseAllMarksAgentsStoppedButKeepsState(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)

	env.runtime.CloseAll(ctx)

	persisted, err := env.store.GetAgentContext(ctx, actx.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusStopped, persisted.Status)
}

func TestLoadFromRepositoryRehydratesRunningAgents(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)
	env.runtime.CloseAll(ctx)

	// A second runtime over the same store and sandbox backend.
	rt2 := New(env.store, env.registry, env.llm, env.sandboxes, search.NewMockEngine(),
		&config.Config{LLM: config.LLMConfig{Model: "test-model"}}, nil)
	t.Cleanup(func() { rt2.CloseAll(context.Background()) })

	require.NoError(t, rt2.LoadFromRepository(ctx))

	got, err := rt2.GetAgent(ctx, actx.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, got.Status)

	require.NoError(t, rt2.SendMessage(ctx, actx.AgentID, "resume work", time.Now().UTC(), nil))
}

func TestSendMessageRehydratesStoppedAgent(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)
	env.runtime.CloseAll(ctx)

	// A fresh runtime with no explicit rehydration pass; the send itself
	// brings the agent back.
	rt2 := New(env.store, env.registry, env.llm, env.sandboxes, search.NewMockEngine(),
		&config.Config{LLM: config.LLMConfig{Model: "test-model"}}, nil)
	t.Cleanup(func() { rt2.CloseAll(context.Background()) })

	require.NoError(t, rt2.SendMessage(ctx, actx.AgentID, "pick it back up", time.Now().UTC(), nil))

	got, err := rt2.GetAgent(ctx, actx.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusRunning, got.Status)
}

func TestLoadFromRepositoryMarksAgentsWithLostSandboxes(t *testing.T) {
	env := newTestEnv(t)
	scriptSimpleTask(env.llm)
	ctx := context.Background()

	actx, err := env.runtime.CreateAgent(ctx, models.DefaultUser, models.FlowKindDefault, models.ModelConfig{}, nil)
	require.NoError(t, err)
	env.runtime.CloseAll(ctx)

	// Simulate the sandbox dying with the old process.
	require.NoError(t, env.sandboxes.Destroy(ctx, actx.SandboxID))

	rt2 := New(env.store, env.registry, env.llm, env.sandboxes, search.NewMockEngine(),
		&config.Config{LLM: config.LLMConfig{Model: "test-model"}}, nil)
	require.NoError(t, rt2.LoadFromRepository(ctx))

	persisted, err := env.store.GetAgentContext(ctx, actx.AgentID)
	require.NoError(t, err)
	assert.Equal(t, models.AgentStatusError, persisted.Status)
}
