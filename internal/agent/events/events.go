// Package events defines the domain event vocabulary emitted by flow
// engines and delivered to subscribers through the per-agent broadcaster.
package events

import (
	"encoding/json"
	"time"

	"github.com/helmsman-ai/helmsman/internal/agent/models"
)

// Kind discriminates the agent event union.
type Kind string

const (
	KindPlanCreated   Kind = "plan_created"
	KindPlanUpdated   Kind = "plan_updated"
	KindPlanCompleted Kind = "plan_completed"
	KindStepStarted   Kind = "step_started"
	KindStepCompleted Kind = "step_completed"
	KindStepFailed    Kind = "step_failed"
	KindToolCalling   Kind = "tool_calling"
	KindToolCalled    Kind = "tool_called"
	KindMessage       Kind = "message"
	KindReport        Kind = "report"
	KindUserInput     Kind = "user_input"
	KindError         Kind = "error"
	KindPause         Kind = "pause"
	KindDone          Kind = "done"
)

// AgentEvent is the sum type of everything a flow can emit. Events are
// immutable once created and carry no identity beyond the sequence number
// assigned when buffered.
type AgentEvent struct {
	Kind Kind `json:"kind"`

	// Plan events
	Plan    *models.Plan `json:"plan,omitempty"`
	IsSuper bool         `json:"is_super,omitempty"`

	// Step events
	Step *models.Step `json:"step,omitempty"`

	// Tool events
	Tool     string         `json:"tool,omitempty"`
	Function string         `json:"function,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result,omitempty"`

	// Text events (message, report, user input, error)
	Text    string   `json:"text,omitempty"`
	FileIDs []string `json:"file_ids,omitempty"`
}

// Terminal reports whether the event closes the stream.
func (e *AgentEvent) Terminal() bool {
	return e.Kind == KindDone
}

// NewPlanCreated builds a plan-created event.
func NewPlanCreated(plan *models.Plan, isSuper bool) *AgentEvent {
	return &AgentEvent{Kind: KindPlanCreated, Plan: plan, IsSuper: isSuper}
}

// NewPlanUpdated builds a plan-updated event.
func NewPlanUpdated(plan *models.Plan, isSuper bool) *AgentEvent {
	return &AgentEvent{Kind: KindPlanUpdated, Plan: plan, IsSuper: isSuper}
}

// NewPlanCompleted builds a plan-completed event.
func NewPlanCompleted(plan *models.Plan, isSuper bool) *AgentEvent {
	return &AgentEvent{Kind: KindPlanCompleted, Plan: plan, IsSuper: isSuper}
}

// NewStepStarted builds a step-started event.
func NewStepStarted(step *models.Step) *AgentEvent {
	return &AgentEvent{Kind: KindStepStarted, Step: step}
}

// NewStepCompleted builds a step-completed event.
func NewStepCompleted(step *models.Step) *AgentEvent {
	return &AgentEvent{Kind: KindStepCompleted, Step: step}
}

// NewStepFailed builds a step-failed event.
func NewStepFailed(step *models.Step) *AgentEvent {
	return &AgentEvent{Kind: KindStepFailed, Step: step}
}

// NewToolCalling builds an event announcing an imminent tool call.
func NewToolCalling(tool, function string, args map[string]any) *AgentEvent {
	return &AgentEvent{Kind: KindToolCalling, Tool: tool, Function: function, Args: args}
}

// NewToolCalled builds an event carrying a completed tool call and its result.
func NewToolCalled(tool, function string, args map[string]any, result string) *AgentEvent {
	return &AgentEvent{Kind: KindToolCalled, Tool: tool, Function: function, Args: args, Result: result}
}

// NewMessage builds a plain message event.
func NewMessage(text string) *AgentEvent {
	return &AgentEvent{Kind: KindMessage, Text: text}
}

// NewReport builds a final-report event.
func NewReport(text string) *AgentEvent {
	return &AgentEvent{Kind: KindReport, Text: text}
}

// NewUserInput builds an event recording an accepted user message.
func NewUserInput(text string, fileIDs []string) *AgentEvent {
	return &AgentEvent{Kind: KindUserInput, Text: text, FileIDs: fileIDs}
}

// NewError builds an error event.
func NewError(text string) *AgentEvent {
	return &AgentEvent{Kind: KindError, Text: text}
}

// NewPause builds a pause event.
func NewPause() *AgentEvent {
	return &AgentEvent{Kind: KindPause}
}

// NewDone builds the terminal event.
func NewDone() *AgentEvent {
	return &AgentEvent{Kind: KindDone}
}

// BufferedEvent is an agent event with its buffer identity attached.
// The pair (AgentID, Sequence) is unique; sequences are dense and strictly
// monotonic per agent, even across restarts.
type BufferedEvent struct {
	Sequence  int64       `json:"sequence"`
	AgentID   string      `json:"agent_id"`
	Kind      Kind        `json:"kind"`
	Event     *AgentEvent `json:"event"`
	Timestamp time.Time   `json:"timestamp"`
}

// MarshalPayload serializes the event payload for storage.
func (b *BufferedEvent) MarshalPayload() ([]byte, error) {
	return json.Marshal(b.Event)
}

// UnmarshalPayload deserializes a stored event payload.
func UnmarshalPayload(kind Kind, data []byte) (*AgentEvent, error) {
	var ev AgentEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, err
	}
	if ev.Kind == "" {
		ev.Kind = kind
	}
	return &ev, nil
}
