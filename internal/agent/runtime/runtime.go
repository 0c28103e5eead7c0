// Package runtime manages agent lifecycles: creation, message dispatch,
// supervision, and teardown. It owns the mapping from agent IDs to live
// flow engines and their sandboxes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"path"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/browser"
	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/eventstream"
	"github.com/helmsman-ai/helmsman/internal/agent/flow"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
	"github.com/helmsman-ai/helmsman/internal/agent/search"
	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

var (
	// ErrInvalidFlow is returned for an unknown flow kind.
	ErrInvalidFlow = errors.New("invalid flow kind")
	// ErrAgentNotFound is returned when no agent exists for the given ID.
	ErrAgentNotFound = errors.New("agent not found")
	// ErrAgentNotRunning is returned when an operation needs a live agent.
	ErrAgentNotRunning = errors.New("agent is not running")
	// ErrSandboxUnavailable is returned when a sandbox cannot be provisioned.
	ErrSandboxUnavailable = errors.New("sandbox unavailable")
	// ErrQueueFull is returned when an agent's message queue is saturated.
	ErrQueueFull = errors.New("agent message queue is full")
)

// messageQueueSize bounds how many user messages may wait per agent.
const messageQueueSize = 16

// UploadFile is one user-attached file to place in the agent's sandbox.
type UploadFile struct {
	Name    string
	Content []byte
}

type queuedMessage struct {
	text    string
	fileIDs []string
}

// managedAgent is the live state of one agent in this process.
type managedAgent struct {
	id     string
	actx   *models.AgentContext
	flow   flow.Flow
	sb     sandbox.Sandbox
	queue  chan queuedMessage
	cancel context.CancelFunc
	done   chan struct{}

	// sendMu serializes SendMessage per agent: duplicate detection, file
	// upload, and enqueue happen as one critical section.
	sendMu sync.Mutex
}

// Runtime creates, supervises, and destroys agents.
type Runtime struct {
	store     repository.Store
	registry  *eventstream.Registry
	llmClient llm.Client
	sandboxes sandbox.Manager
	search    search.Engine
	cfg       *config.Config
	log       *logger.Logger

	mu     sync.Mutex
	agents map[string]*managedAgent
}

// New creates a runtime.
func New(store repository.Store, registry *eventstream.Registry, llmClient llm.Client, sandboxes sandbox.Manager, searchEngine search.Engine, cfg *config.Config, log *logger.Logger) *Runtime {
	if log == nil {
		log = logger.Default()
	}
	return &Runtime{
		store:     store,
		registry:  registry,
		llmClient: llmClient,
		sandboxes: sandboxes,
		search:    searchEngine,
		cfg:       cfg,
		log:       log.WithFields(zap.String("component", "agent_runtime")),
		agents:    make(map[string]*managedAgent),
	}
}

// CreateAgent provisions a new agent: sandbox, flow engine, broadcaster,
// and supervisor. The returned context reflects the running agent.
func (r *Runtime) CreateAgent(ctx context.Context, user models.UserContext, kind models.FlowKind, modelCfg models.ModelConfig, env map[string]string) (*models.AgentContext, error) {
	if !kind.Valid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidFlow, kind)
	}

	agentID := uuid.NewString()
	log := r.log.WithAgentID(agentID)

	sb, err := r.sandboxes.Create(ctx, agentID, env)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSandboxUnavailable, err)
	}

	if modelCfg.Name == "" {
		modelCfg.Name = r.cfg.LLM.Model
	}
	agent := &models.Agent{
		ID:          agentID,
		UserID:      user.UserID,
		FlowKind:    kind,
		Model:       modelCfg,
		Env:         env,
		PlannerMem:  &models.Memory{},
		ExecutorMem: &models.Memory{},
		CreatedAt:   time.Now().UTC(),
	}
	actx := &models.AgentContext{
		AgentID:   agentID,
		Agent:     agent,
		FlowKind:  kind,
		SandboxID: sb.ID(),
		Status:    models.AgentStatusRunning,
	}

	if err := r.store.SaveAgentContext(ctx, actx); err != nil {
		_ = sb.Close(ctx)
		return nil, err
	}
	if _, err := r.registry.GetOrCreate(ctx, agentID); err != nil {
		_ = sb.Close(ctx)
		return nil, err
	}

	// The conversation record is history bookkeeping; its failure does not
	// fail agent creation.
	if err := r.store.SaveConversation(ctx, &models.Conversation{
		AgentID: agentID,
		UserID:  user.UserID,
		FlowID:  string(kind),
	}); err != nil {
		log.WithError(err).Warn("failed to record conversation")
	}

	ma, err := r.startAgent(actx, sb)
	if err != nil {
		_ = sb.Close(ctx)
		return nil, err
	}

	r.mu.Lock()
	r.agents[agentID] = ma
	r.mu.Unlock()

	log.Info("agent created", zap.String("flow_kind", string(kind)), zap.String("sandbox_id", sb.ID()))
	return actx, nil
}

// startAgent builds the flow engine and launches the supervisor.
func (r *Runtime) startAgent(actx *models.AgentContext, sb sandbox.Sandbox) (*managedAgent, error) {
	ma := &managedAgent{
		id:    actx.AgentID,
		actx:  actx,
		sb:    sb,
		queue: make(chan queuedMessage, messageQueueSize),
		done:  make(chan struct{}),
	}

	f, err := flow.New(actx.FlowKind, flow.Deps{
		AgentID: actx.AgentID,
		Agent:   actx.Agent,
		LLM:     r.llmClient,
		Sandbox: sb,
		Search:  r.search,
		Browser: browser.NewSandboxBrowser(sb),
		Log:     r.log,
		// Queued input preempts further step execution.
		Interrupted: func() bool { return len(ma.queue) > 0 },
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidFlow, err)
	}
	ma.flow = f

	runCtx, cancel := context.WithCancel(context.Background())
	ma.cancel = cancel
	go r.supervise(runCtx, ma)
	return ma, nil
}

// SendMessage accepts one user message for an agent. A resend carrying the
// same text and timestamp as the last accepted message is a no-op. Files
// are uploaded into the sandbox before the message is queued.
func (r *Runtime) SendMessage(ctx context.Context, agentID, text string, timestamp time.Time, files []UploadFile) error {
	ma, err := r.lookup(agentID)
	if errors.Is(err, ErrAgentNotFound) {
		// The agent may have been stopped by a previous process; try to
		// bring it back before giving up.
		ma, err = r.rehydrate(ctx, agentID)
	}
	if err != nil {
		return err
	}

	ma.sendMu.Lock()
	defer ma.sendMu.Unlock()

	if ma.actx.Status != models.AgentStatusRunning {
		return ErrAgentNotRunning
	}

	// Reject a full queue before any side effect. sendMu makes this the only
	// producer, so the capacity check holds through the enqueue below; a
	// rejected message must leave no trace, or the client's retry would be
	// swallowed as a duplicate.
	if len(ma.queue) == cap(ma.queue) {
		return ErrQueueFull
	}

	if last := ma.actx.LastMsg; last != nil && last.Text == text && last.Timestamp.Equal(timestamp) {
		r.log.WithAgentID(agentID).Debug("duplicate message suppressed")
		return nil
	}

	fileIDs := make([]string, 0, len(files))
	for _, f := range files {
		dst := path.Join(sandbox.UploadDir, f.Name)
		if err := ma.sb.WriteFile(ctx, dst, f.Content); err != nil {
			return fmt.Errorf("failed to upload %s: %w", f.Name, err)
		}
		fileIDs = append(fileIDs, dst)
	}

	broadcaster, err := r.registry.GetOrCreate(ctx, agentID)
	if err != nil {
		return err
	}
	if _, err := broadcaster.Notify(ctx, events.NewUserInput(text, fileIDs)); err != nil && !errors.Is(err, eventstream.ErrStreamDone) {
		return err
	}

	last := &models.LastMessage{Text: text, Timestamp: timestamp}
	if err := r.store.UpdateLastMessage(ctx, agentID, last); err != nil {
		r.log.WithAgentID(agentID).WithError(err).Warn("failed to persist last message")
	}
	ma.actx.LastMsg = last

	ma.queue <- queuedMessage{text: text, fileIDs: fileIDs}
	return nil
}

// GetAgent returns the agent context, preferring the live copy.
func (r *Runtime) GetAgent(ctx context.Context, agentID string) (*models.AgentContext, error) {
	if ma, err := r.lookup(agentID); err == nil {
		return ma.actx, nil
	}
	actx, err := r.store.GetAgentContext(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	return actx, err
}

// ListAgents returns every known agent context.
func (r *Runtime) ListAgents(ctx context.Context) ([]*models.AgentContext, error) {
	contexts, err := r.store.ListAgentContexts(ctx)
	if err != nil {
		return nil, err
	}
	// Live copies win over their persisted projections.
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, actx := range contexts {
		if ma, ok := r.agents[actx.AgentID]; ok {
			contexts[i] = ma.actx
		}
	}
	return contexts, nil
}

// Sandbox returns the live sandbox for an agent.
func (r *Runtime) Sandbox(agentID string) (sandbox.Sandbox, error) {
	ma, err := r.lookup(agentID)
	if err != nil {
		return nil, err
	}
	return ma.sb, nil
}

// DestroyAgent tears an agent down: terminal event, supervisor stop,
// sandbox removal, and state deletion. Idempotent.
func (r *Runtime) DestroyAgent(ctx context.Context, agentID string) error {
	r.mu.Lock()
	ma, live := r.agents[agentID]
	delete(r.agents, agentID)
	r.mu.Unlock()

	if live {
		r.stopAgent(ctx, ma, nil)
	} else {
		// A dead process may have left a sandbox behind; the stored context
		// holds the only remaining reference to it, so resolve it before the
		// deletes below.
		actx, err := r.store.GetAgentContext(ctx, agentID)
		if err != nil && !errors.Is(err, repository.ErrNotFound) {
			return err
		}
		if err == nil && actx.SandboxID != "" {
			if derr := r.sandboxes.Destroy(ctx, actx.SandboxID); derr != nil && !errors.Is(derr, sandbox.ErrNotFound) {
				r.log.WithAgentID(agentID).WithError(derr).Warn("failed to destroy orphaned sandbox")
			}
		}
	}

	if err := r.store.DeleteAgentContext(ctx, agentID); err != nil {
		return err
	}
	if err := r.registry.Delete(ctx, agentID); err != nil {
		return err
	}

	r.log.WithAgentID(agentID).Info("agent destroyed")
	return nil
}

// CloseAll stops every live agent, marking them stopped but keeping their
// persisted state for rehydration.
func (r *Runtime) CloseAll(ctx context.Context) {
	r.mu.Lock()
	agents := make([]*managedAgent, 0, len(r.agents))
	for _, ma := range r.agents {
		agents = append(agents, ma)
	}
	r.agents = make(map[string]*managedAgent)
	r.mu.Unlock()

	for _, ma := range agents {
		ma.cancel()
		<-ma.done
		ma.actx.Status = models.AgentStatusStopped
		if err := r.store.UpdateAgentStatus(ctx, ma.id, models.AgentStatusStopped); err != nil {
			r.log.WithAgentID(ma.id).WithError(err).Warn("failed to mark agent stopped")
		}
	}
}

// LoadFromRepository rehydrates agents persisted as running by a previous
// process. Agents whose sandbox no longer exists are marked errored.
func (r *Runtime) LoadFromRepository(ctx context.Context) error {
	contexts, err := r.store.ListAgentContexts(ctx)
	if err != nil {
		return err
	}

	for _, actx := range contexts {
		if actx.Status != models.AgentStatusRunning && actx.Status != models.AgentStatusStopped {
			continue
		}
		log := r.log.WithAgentID(actx.AgentID)

		sb, err := r.sandboxes.Get(ctx, actx.SandboxID)
		if err != nil {
			log.WithError(err).Warn("sandbox lost, marking agent errored")
			actx.Status = models.AgentStatusError
			if err := r.store.UpdateAgentStatus(ctx, actx.AgentID, models.AgentStatusError); err != nil {
				log.WithError(err).Warn("failed to mark agent errored")
			}
			continue
		}

		if actx.Agent == nil {
			actx.Agent = &models.Agent{
				ID:          actx.AgentID,
				FlowKind:    actx.FlowKind,
				PlannerMem:  &models.Memory{},
				ExecutorMem: &models.Memory{},
			}
		}

		ma, err := r.startAgent(actx, sb)
		if err != nil {
			log.WithError(err).Warn("failed to rehydrate agent")
			continue
		}
		actx.Status = models.AgentStatusRunning
		if err := r.store.UpdateAgentStatus(ctx, actx.AgentID, models.AgentStatusRunning); err != nil {
			log.WithError(err).Warn("failed to mark agent running")
		}

		r.mu.Lock()
		r.agents[actx.AgentID] = ma
		r.mu.Unlock()
		log.Info("agent rehydrated")
	}
	return nil
}

// rehydrate rebuilds one agent from its persisted context: re-adopt the
// sandbox, rebuild the flow engine, restart the supervisor.
func (r *Runtime) rehydrate(ctx context.Context, agentID string) (*managedAgent, error) {
	actx, err := r.store.GetAgentContext(ctx, agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return nil, ErrAgentNotFound
	}
	if err != nil {
		return nil, err
	}
	if actx.Status != models.AgentStatusRunning && actx.Status != models.AgentStatusStopped {
		return nil, ErrAgentNotRunning
	}

	sb, err := r.sandboxes.Get(ctx, actx.SandboxID)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrAgentNotRunning, err)
	}
	if actx.Agent == nil {
		actx.Agent = &models.Agent{
			ID:          actx.AgentID,
			FlowKind:    actx.FlowKind,
			PlannerMem:  &models.Memory{},
			ExecutorMem: &models.Memory{},
		}
	}

	ma, err := r.startAgent(actx, sb)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	if existing, ok := r.agents[agentID]; ok {
		// Lost the race against another rehydration; keep the winner.
		r.mu.Unlock()
		ma.cancel()
		<-ma.done
		return existing, nil
	}
	r.agents[agentID] = ma
	r.mu.Unlock()

	actx.Status = models.AgentStatusRunning
	if err := r.store.UpdateAgentStatus(ctx, agentID, models.AgentStatusRunning); err != nil {
		r.log.WithAgentID(agentID).WithError(err).Warn("failed to mark agent running")
	}
	r.log.WithAgentID(agentID).Info("agent rehydrated")
	return ma, nil
}

// stopAgent ends the supervisor and removes the sandbox. A final Done is
// guaranteed on the stream, preceded by an Error event when abnormal.
func (r *Runtime) stopAgent(ctx context.Context, ma *managedAgent, abnormal error) {
	ma.cancel()
	<-ma.done

	if b, ok := r.registry.Get(ma.id); ok {
		if abnormal != nil {
			if _, err := b.Notify(ctx, events.NewError(abnormal.Error())); err != nil && !errors.Is(err, eventstream.ErrStreamDone) {
				r.log.WithAgentID(ma.id).WithError(err).Warn("failed to emit error event")
			}
		}
		if _, err := b.Notify(ctx, events.NewDone()); err != nil && !errors.Is(err, eventstream.ErrStreamDone) {
			r.log.WithAgentID(ma.id).WithError(err).Warn("failed to emit terminal event")
		}
	}

	if err := r.sandboxes.Destroy(ctx, ma.sb.ID()); err != nil {
		r.log.WithAgentID(ma.id).WithError(err).Warn("failed to destroy sandbox")
	}
	ma.actx.Status = models.AgentStatusStopped
}

func (r *Runtime) lookup(agentID string) (*managedAgent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	ma, ok := r.agents[agentID]
	if !ok {
		return nil, ErrAgentNotFound
	}
	return ma, nil
}
