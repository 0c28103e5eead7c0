package runtime

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/eventstream"
	"github.com/helmsman-ai/helmsman/internal/agent/flow"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/common/appctx"
)

// finalizeTimeout bounds the detached writes done while shutting a
// supervisor down, after its own context is already cancelled.
const finalizeTimeout = 10 * time.Second

// supervise is the per-agent loop: it pulls queued user messages, runs the
// flow for each, and forwards flow events to the broadcaster. It exits on
// context cancellation or an unrecoverable failure.
func (r *Runtime) supervise(ctx context.Context, ma *managedAgent) {
	log := r.log.WithAgentID(ma.id)
	defer close(ma.done)

	defer func() {
		if rec := recover(); rec != nil {
			log.Error("supervisor panicked", zap.Any("panic", rec))
			r.finalizeAbnormal(ma, fmt.Errorf("internal error: %v", rec))
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-ma.queue:
			if err := r.processMessage(ctx, ma, msg); err != nil {
				if ctx.Err() != nil {
					return
				}
				log.WithError(err).Error("message processing failed")
				r.notifyError(ctx, ma, err)
			}
		}
	}
}

// processMessage runs the flow for one message and forwards its events.
func (r *Runtime) processMessage(ctx context.Context, ma *managedAgent, msg queuedMessage) error {
	ch, err := ma.flow.Run(ctx, msg.text)
	if err != nil {
		// A single supervisor never overlaps runs; ErrBusy here means a bug
		// upstream rather than a user-visible condition.
		if errors.Is(err, flow.ErrBusy) {
			return fmt.Errorf("flow rejected run: %w", err)
		}
		return err
	}

	for ev := range ch {
		if ev.Kind == events.KindPlanCreated && ev.Plan != nil && ev.Plan.Title != "" {
			if err := r.store.UpdateConversationTitle(ctx, ma.id, ev.Plan.Title); err != nil {
				r.log.WithAgentID(ma.id).WithError(err).Warn("failed to persist conversation title")
			}
		}
		if _, err := r.notify(ctx, ma, ev); err != nil {
			if errors.Is(err, eventstream.ErrStreamDone) {
				// The stream was closed underneath the run, typically by a
				// concurrent destroy. Drain and stop.
				for range ch {
				}
				return nil
			}
			r.log.WithAgentID(ma.id).WithError(err).Warn("failed to buffer flow event",
				zap.String("kind", string(ev.Kind)))
		}
	}
	return nil
}

func (r *Runtime) notify(ctx context.Context, ma *managedAgent, ev *events.AgentEvent) (int64, error) {
	b, err := r.registry.GetOrCreate(ctx, ma.id)
	if err != nil {
		return 0, err
	}
	return b.Notify(ctx, ev)
}

func (r *Runtime) notifyError(ctx context.Context, ma *managedAgent, cause error) {
	if _, err := r.notify(ctx, ma, events.NewError(cause.Error())); err != nil && !errors.Is(err, eventstream.ErrStreamDone) {
		r.log.WithAgentID(ma.id).WithError(err).Warn("failed to emit error event")
	}
}

// finalizeAbnormal marks the agent errored and guarantees the stream ends
// with Error then Done. Runs on a detached context because the supervisor's
// own context is already unusable.
func (r *Runtime) finalizeAbnormal(ma *managedAgent, cause error) {
	ctx, cancel := appctx.Detached(context.Background(), nil, finalizeTimeout)
	defer cancel()

	ma.actx.Status = models.AgentStatusError
	if err := r.store.UpdateAgentStatus(ctx, ma.id, models.AgentStatusError); err != nil {
		r.log.WithAgentID(ma.id).WithError(err).Warn("failed to mark agent errored")
	}

	r.notifyError(ctx, ma, cause)
	if _, err := r.notify(ctx, ma, events.NewDone()); err != nil && !errors.Is(err, eventstream.ErrStreamDone) {
		r.log.WithAgentID(ma.id).WithError(err).Warn("failed to emit terminal event")
	}

	r.mu.Lock()
	delete(r.agents, ma.id)
	r.mu.Unlock()
}
