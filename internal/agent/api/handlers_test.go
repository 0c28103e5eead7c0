package api

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/helmsman-ai/helmsman/internal/agent/eventstream"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/repository/sqlite"
	"github.com/helmsman-ai/helmsman/internal/agent/runtime"
	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
	"github.com/helmsman-ai/helmsman/internal/agent/search"
	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	"github.com/helmsman-ai/helmsman/internal/events/bus"
	v1 "github.com/helmsman-ai/helmsman/pkg/api/v1"
)

type apiEnv struct {
	router    http.Handler
	llm       *llm.MockClient
	sandboxes *sandbox.MockManager
}

func newAPIEnv(t *testing.T) *apiEnv {
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
	cfg := &config.Config{
		LLM:    config.LLMConfig{Model: "test-model"},
		Events: config.EventsConfig{MaxBufferSize: 100, PollInterval: 1, SlowPollInterval: 1, IdlePollsToSlow: 3, HeartbeatTimeout: 60},
	}

	rt := runtime.New(store, registry, mockLLM, manager, search.NewMockEngine(), cfg, nil)
	t.Cleanup(func() { rt.CloseAll(context.Background()) })

	streamer := eventstream.NewStreamer(store, registry, eventBus, cfg.Events, nil)
	handler := NewHandler(rt, streamer, store, nil)

	return &apiEnv{router: NewRouter(handler, logger.Default()), llm: mockLLM, sandboxes: manager}
}

func (e *apiEnv) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	return rec
}

func (e *apiEnv) createAgent(t *testing.T) v1.AgentResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{FlowKind: "default"})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var agent v1.AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &agent))
	return agent
}

func scriptSimpleTask(mock *llm.MockClient) {
	mock.Enqueue(&llm.Response{Content: `{"title": "Task", "steps": [{"description": "do it", "sub_plan_step": 0}]}`})
	mock.Enqueue(&llm.Response{Content: "did it"})
	mock.Enqueue(&llm.Response{Content: `{"completed": true, "message": "done", "steps": []}`})
	mock.Enqueue(&llm.Response{Content: "final report"})
}

func TestCreateGetListAgent(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)

	agent := env.createAgent(t)
	assert.NotEmpty(t, agent.AgentID)
	assert.Equal(t, "default", agent.FlowKind)
	assert.Equal(t, "running", agent.Status)

	rec := env.do(t, http.MethodGet, "/api/v1/agents/"+agent.AgentID, nil)
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []v1.AgentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 1)
	assert.Equal(t, agent.AgentID, list[0].AgentID)
}

func TestCreateAgentRejectsUnknownFlowKind(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{FlowKind: "bogus"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreateAgentSandboxUnavailable(t *testing.T) {
	env := newAPIEnv(t)
	env.sandboxes.CreateErr = sandbox.ErrUnavailable

	rec := env.do(t, http.MethodPost, "/api/v1/agents", v1.CreateAgentRequest{FlowKind: "default"})
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestGetUnknownAgentReturns404(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodGet, "/api/v1/agents/missing", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestSendMessageAcceptedAndFilesDecoded(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/"+agent.AgentID+"/messages", v1.SendMessageRequest{
		Text:      "use this file",
		Timestamp: time.Now().UTC(),
		Files: []v1.MessageFile{
			{Name: "data.csv", Content: base64.StdEncoding.EncodeToString([]byte("a,b\n"))},
		},
	})
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	sb, err := env.sandboxes.Get(context.Background(), agent.SandboxID)
	require.NoError(t, err)
	content, err := sb.ReadFile(context.Background(), "/workspace/uploads/data.csv")
	require.NoError(t, err)
	assert.Equal(t, "a,b\n", string(content))
}

func TestSendMessageRejectsBadBase64(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/"+agent.AgentID+"/messages", v1.SendMessageRequest{
		Text:      "hi",
		Timestamp: time.Now().UTC(),
		Files:     []v1.MessageFile{{Name: "x", Content: "not base64!!!"}},
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestSendMessageToUnknownAgentReturns404(t *testing.T) {
	env := newAPIEnv(t)

	rec := env.do(t, http.MethodPost, "/api/v1/agents/missing/messages", v1.SendMessageRequest{
		Text: "hi", Timestamp: time.Now().UTC(),
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestShellRunsCommandInSandbox(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	sb, err := env.sandboxes.Get(context.Background(), agent.SandboxID)
	require.NoError(t, err)
	mock := sb.(*sandbox.MockSandbox)
	mock.CommandResults["echo hi"] = &sandbox.Result{Success: true, Message: "hi\n"}

	rec := env.do(t, http.MethodPost, "/api/v1/agents/"+agent.AgentID+"/shell", v1.ShellRequest{Command: "echo hi"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res v1.ShellResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.True(t, res.Success)
	assert.Equal(t, "hi\n", res.Output)
}

func TestListAndReadSandboxFiles(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	sb, err := env.sandboxes.Get(context.Background(), agent.SandboxID)
	require.NoError(t, err)
	require.NoError(t, sb.WriteFile(context.Background(), "/workspace/notes.txt", []byte("hello")))

	rec := env.do(t, http.MethodGet, "/api/v1/agents/"+agent.AgentID+"/files?path=/workspace", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var files []v1.FileEntry
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &files))
	require.NotEmpty(t, files)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+agent.AgentID+"/file?path=/workspace/notes.txt", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+agent.AgentID+"/file", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDestroyAgentThenGone(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	rec := env.do(t, http.MethodDelete, "/api/v1/agents/"+agent.AgentID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = env.do(t, http.MethodGet, "/api/v1/agents/"+agent.AgentID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListConversations(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	rec := env.do(t, http.MethodGet, "/api/v1/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var conversations []v1.ConversationResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conversations))
	require.Len(t, conversations, 1)
	assert.Equal(t, agent.AgentID, conversations[0].AgentID)
}

func TestAgentURLs(t *testing.T) {
	env := newAPIEnv(t)
	scriptSimpleTask(env.llm)
	agent := env.createAgent(t)

	rec := env.do(t, http.MethodGet, "/api/v1/agents/"+agent.AgentID+"/urls", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var urls v1.AgentURLsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &urls))
	assert.NotEmpty(t, urls.CDPURL)
}
