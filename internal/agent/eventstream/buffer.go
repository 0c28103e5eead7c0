// Package eventstream implements durable per-agent event delivery: a
// bounded replay buffer, a registry of per-agent broadcasters, and pull
// based subscription streams that replay history before tailing live
// events.
package eventstream

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/repository"
)

var (
	// ErrStreamDone is returned when an event is offered to a broadcaster
	// that has already delivered its terminal event.
	ErrStreamDone = errors.New("event stream is done")
)

// Buffer is the durable, bounded event buffer for one agent. Sequences are
// dense and strictly monotonic; the in-memory cursor is loaded from the
// persisted broadcaster row so monotonicity survives restarts.
type Buffer struct {
	agentID string
	store   repository.EventStore
	maxSize int

	mu  sync.Mutex
	seq int64
}

// NewBuffer loads or creates the persisted broadcaster row and returns a
// buffer whose sequence cursor continues from the stored value.
func NewBuffer(ctx context.Context, store repository.EventStore, agentID string, maxSize int) (*Buffer, error) {
	b, err := store.EnsureBroadcaster(ctx, agentID, maxSize)
	if err != nil {
		return nil, err
	}
	// The stored max_buffer_size wins over the configured one so an agent's
	// replay window is stable across config changes.
	if b.MaxBufferSize > 0 {
		maxSize = b.MaxBufferSize
	}
	return &Buffer{
		agentID: agentID,
		store:   store,
		maxSize: maxSize,
		seq:     b.CurrentSequence,
	}, nil
}

// Append assigns the next sequence number and durably stores the event,
// evicting anything that falls outside the replay window. The sequence
// advances only when the write succeeds, keeping sequences dense. A failed
// write is retried once before the error is surfaced.
func (b *Buffer) Append(ctx context.Context, ev *events.AgentEvent) (int64, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	next := b.seq + 1
	rec := &events.BufferedEvent{
		Sequence:  next,
		AgentID:   b.agentID,
		Kind:      ev.Kind,
		Event:     ev,
		Timestamp: time.Now().UTC(),
	}

	err := b.store.AppendEvent(ctx, rec, b.maxSize)
	if err != nil {
		// Transient storage errors (a briefly locked SQLite file) usually
		// clear immediately. The same sequence is reused so a success on
		// retry leaves no gap.
		err = b.store.AppendEvent(ctx, rec, b.maxSize)
	}
	if err != nil {
		return 0, err
	}

	b.seq = next
	return next, nil
}

// EventsFrom returns buffered events with sequence >= fromSequence in
// ascending order. Events already evicted from the replay window are
// silently absent.
func (b *Buffer) EventsFrom(ctx context.Context, fromSequence int64) ([]*events.BufferedEvent, error) {
	return b.store.EventsFrom(ctx, b.agentID, fromSequence)
}

// LastIsDone reports whether the most recent buffered event is terminal.
// An empty buffer is not done.
func (b *Buffer) LastIsDone(ctx context.Context) (bool, error) {
	last, err := b.store.LastEvent(ctx, b.agentID)
	if errors.Is(err, repository.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return last.Event.Terminal(), nil
}

// Clear drops all buffered events. The sequence cursor is deliberately left
// alone: sequences stay monotonic across clears so reconnecting subscribers
// never see a number reused.
func (b *Buffer) Clear(ctx context.Context) error {
	return b.store.ClearEvents(ctx, b.agentID)
}

// CurrentSequence returns the sequence of the most recently appended event.
func (b *Buffer) CurrentSequence() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.seq
}
