package eventstream

import (
	"context"
	"sync"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
	"github.com/helmsman-ai/helmsman/internal/events/bus"
)

// Broadcaster accepts events for one agent, buffers them durably, and
// signals waiting subscribers. Once a terminal event has been accepted the
// broadcaster refuses everything else.
type Broadcaster struct {
	agentID string
	buffer  *Buffer
	bus     bus.EventBus
	log     *logger.Logger

	mu   sync.Mutex
	done bool
}

// Notify appends the event to the durable buffer and publishes a wakeup
// signal for pollers. Returns ErrStreamDone if a terminal event was already
// accepted; the terminal event itself is accepted exactly once.
func (b *Broadcaster) Notify(ctx context.Context, ev *events.AgentEvent) (int64, error) {
	b.mu.Lock()
	if b.done {
		b.mu.Unlock()
		return 0, ErrStreamDone
	}

	seq, err := b.buffer.Append(ctx, ev)
	if err != nil {
		b.mu.Unlock()
		return 0, err
	}
	if ev.Terminal() {
		b.done = true
	}
	b.mu.Unlock()

	// Wakeup is best-effort. Subscribers poll the durable buffer regardless,
	// so a lost signal only delays delivery by one poll interval.
	if err := b.bus.Publish(ctx, bus.AgentEventsSubject(b.agentID), bus.NewEvent(
		"events.appended", "broadcaster", map[string]any{"sequence": seq},
	)); err != nil {
		b.log.WithError(err).Debug("failed to publish wakeup signal")
	}

	return seq, nil
}

// Buffer exposes the underlying durable buffer for replay queries.
func (b *Broadcaster) Buffer() *Buffer {
	return b.buffer
}

// Done reports whether a terminal event has been accepted.
func (b *Broadcaster) Done() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.done
}

// Registry owns the per-agent broadcasters. Lookups after creation are
// cheap map reads; creation touches storage once to load or create the
// broadcaster row and to restore the done flag after a restart.
type Registry struct {
	store         repository.EventStore
	bus           bus.EventBus
	maxBufferSize int
	log           *logger.Logger

	mu           sync.Mutex
	broadcasters map[string]*Broadcaster
}

// NewRegistry creates an empty broadcaster registry.
func NewRegistry(store repository.EventStore, eventBus bus.EventBus, maxBufferSize int, log *logger.Logger) *Registry {
	if log == nil {
		log = logger.Default()
	}
	return &Registry{
		store:         store,
		bus:           eventBus,
		maxBufferSize: maxBufferSize,
		log:           log.WithFields(zap.String("component", "event_registry")),
		broadcasters:  make(map[string]*Broadcaster),
	}
}

// GetOrCreate returns the broadcaster for an agent, creating it on first
// use. Concurrent callers for the same agent converge on one instance.
func (r *Registry) GetOrCreate(ctx context.Context, agentID string) (*Broadcaster, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if b, ok := r.broadcasters[agentID]; ok {
		return b, nil
	}

	buffer, err := NewBuffer(ctx, r.store, agentID, r.maxBufferSize)
	if err != nil {
		return nil, err
	}

	// After a restart the terminal marker lives only in the buffer tail.
	done, err := buffer.LastIsDone(ctx)
	if err != nil {
		return nil, err
	}

	b := &Broadcaster{
		agentID: agentID,
		buffer:  buffer,
		bus:     r.bus,
		log:     r.log.WithAgentID(agentID),
		done:    done,
	}
	r.broadcasters[agentID] = b
	r.log.WithAgentID(agentID).Debug("broadcaster created",
		zap.Int64("current_sequence", buffer.CurrentSequence()),
		zap.Bool("done", done))
	return b, nil
}

// Get returns the broadcaster for an agent if one exists in this process.
func (r *Registry) Get(agentID string) (*Broadcaster, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.broadcasters[agentID]
	return b, ok
}

// Delete removes the broadcaster and its persisted buffer. Idempotent.
func (r *Registry) Delete(ctx context.Context, agentID string) error {
	r.mu.Lock()
	delete(r.broadcasters, agentID)
	r.mu.Unlock()

	return r.store.DeleteBroadcaster(ctx, agentID)
}
