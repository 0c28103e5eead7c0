// Package flow implements the hierarchical flow engines that turn user
// goals into plans, execute plan steps, and emit progress events.
package flow

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/helmsman-ai/helmsman/internal/agent/browser"
	"github.com/helmsman-ai/helmsman/internal/agent/events"
	"github.com/helmsman-ai/helmsman/internal/agent/llm"
	"github.com/helmsman-ai/helmsman/internal/agent/models"
	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
	"github.com/helmsman-ai/helmsman/internal/agent/search"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

// Flow drives one agent: each Run consumes one user message, works it to
// completion, and emits progress on the returned channel. The channel
// closes when the run finishes or the context is cancelled. A flow handles
// one run at a time.
type Flow interface {
	// Run starts processing one user message. The returned channel carries
	// progress events and closes when the run ends.
	Run(ctx context.Context, message string) (<-chan *events.AgentEvent, error)

	// IsIdle reports whether no run is in progress.
	IsIdle() bool
}

// Deps bundles everything a flow engine needs. Interrupted reports whether
// new user input is queued; flows poll it between steps to yield early so
// the fresh input can reshape the plan.
type Deps struct {
	AgentID     string
	Agent       *models.Agent
	LLM         llm.Client
	Sandbox     sandbox.Sandbox
	Search      search.Engine
	Browser     browser.Browser
	Log         *logger.Logger
	Interrupted func() bool
}

func (d *Deps) normalize() {
	if d.Log == nil {
		d.Log = logger.Default()
	}
	if d.Interrupted == nil {
		d.Interrupted = func() bool { return false }
	}
}

// New builds the flow engine for the agent's flow kind.
func New(kind models.FlowKind, deps Deps) (Flow, error) {
	deps.normalize()
	switch kind {
	case models.FlowKindDefault:
		return newDefaultFlow(deps), nil
	case models.FlowKindSuper:
		return newSuperFlow(deps), nil
	case models.FlowKindSearch:
		return newSearchFlow(deps), nil
	default:
		return nil, fmt.Errorf("unknown flow kind %q", kind)
	}
}

// runState tracks whether a run is in progress; shared by all engines.
type runState struct {
	busy atomic.Bool
}

func (s *runState) begin() bool {
	return s.busy.CompareAndSwap(false, true)
}

func (s *runState) end() {
	s.busy.Store(false)
}

// IsIdle reports whether no run is in progress.
func (s *runState) IsIdle() bool {
	return !s.busy.Load()
}

// emit delivers an event unless the context is gone.
func emit(ctx context.Context, ch chan<- *events.AgentEvent, ev *events.AgentEvent) bool {
	select {
	case ch <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
