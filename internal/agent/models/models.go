// Package models defines the core domain types for the Helmsman agent runtime.
package models

import (
	"time"
)

// FlowKind selects the flow engine implementation for an agent.
type FlowKind string

const (
	FlowKindDefault FlowKind = "default"
	FlowKindSuper   FlowKind = "super"
	FlowKindSearch  FlowKind = "search"
)

// Valid reports whether the flow kind is one the factory can build.
func (k FlowKind) Valid() bool {
	switch k {
	case FlowKindDefault, FlowKindSuper, FlowKindSearch:
		return true
	}
	return false
}

// AgentStatus tracks the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusCreated AgentStatus = "created"
	AgentStatusRunning AgentStatus = "running"
	AgentStatusStopped AgentStatus = "stopped"
	AgentStatusError   AgentStatus = "error"
)

// PlanStatus tracks the lifecycle state of a plan.
type PlanStatus string

const (
	PlanStatusPending   PlanStatus = "pending"
	PlanStatusRunning   PlanStatus = "running"
	PlanStatusPaused    PlanStatus = "paused"
	PlanStatusCompleted PlanStatus = "completed"
	PlanStatusFailed    PlanStatus = "failed"
)

// StepStatus tracks the state of a single plan step.
// Steps progress pending -> running -> {completed, failed} and are never reopened.
type StepStatus string

const (
	StepStatusPending   StepStatus = "pending"
	StepStatusRunning   StepStatus = "running"
	StepStatusCompleted StepStatus = "completed"
	StepStatusFailed    StepStatus = "failed"
)

// SubFlowType selects which specialised sub-flow executes a step.
type SubFlowType string

const (
	SubFlowCode      SubFlowType = "code"
	SubFlowSearch    SubFlowType = "search"
	SubFlowReasoning SubFlowType = "reasoning"
	SubFlowFile      SubFlowType = "file"
)

// ModelConfig holds the LLM parameters an agent was created with.
type ModelConfig struct {
	Name        string  `json:"name"`
	Temperature float64 `json:"temperature"`
	MaxTokens   int     `json:"max_tokens"`
}

// FileRef is a reference to a file produced or consumed by a step.
type FileRef struct {
	ID       string `json:"id"`
	Filename string `json:"filename"`
	Path     string `json:"path,omitempty"`
}

// WebRef is a reference to a web resource consulted by a step.
type WebRef struct {
	URL   string `json:"url"`
	Title string `json:"title,omitempty"`
}

// Role tags a memory message with its author.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// MemoryMessage is one entry in an agent memory log.
type MemoryMessage struct {
	Role      Role      `json:"role"`
	Content   string    `json:"content"`
	Files     []FileRef `json:"files,omitempty"`
	WebRefs   []WebRef  `json:"web_refs,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Memory is an ordered log of role-tagged messages with attached references.
// It is owned by exactly one flow engine instance and is not safe for
// concurrent mutation.
type Memory struct {
	Messages []MemoryMessage `json:"messages"`
}

// Add appends a message to the memory log.
func (m *Memory) Add(role Role, content string) {
	m.Messages = append(m.Messages, MemoryMessage{
		Role:      role,
		Content:   content,
		Timestamp: time.Now().UTC(),
	})
}

// AddWithRefs appends a message carrying file and web references.
func (m *Memory) AddWithRefs(role Role, content string, files []FileRef, webRefs []WebRef) {
	m.Messages = append(m.Messages, MemoryMessage{
		Role:      role,
		Content:   content,
		Files:     files,
		WebRefs:   webRefs,
		Timestamp: time.Now().UTC(),
	})
}

// Checkpoint returns the current length of the log, for later rollback.
func (m *Memory) Checkpoint() int {
	return len(m.Messages)
}

// Rollback truncates the log to a previously taken checkpoint.
func (m *Memory) Rollback(checkpoint int) {
	if checkpoint < 0 {
		checkpoint = 0
	}
	if checkpoint < len(m.Messages) {
		m.Messages = m.Messages[:checkpoint]
	}
}

// Agent bundles the configuration and memories of one long-lived agent.
// Created by the runtime, mutated only by its owning flow engine instance.
type Agent struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	FlowKind    FlowKind          `json:"flow_kind"`
	Model       ModelConfig       `json:"model"`
	Env         map[string]string `json:"env,omitempty"`
	PlannerMem  *Memory           `json:"planner_memory"`
	ExecutorMem *Memory           `json:"executor_memory"`
	CreatedAt   time.Time         `json:"created_at"`
}

// LastMessage records the most recent accepted user message.
// Used for duplicate suppression: a resend with identical text and
// timestamp is a no-op.
type LastMessage struct {
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp"`
}

// AgentContext is the persistent projection of a live agent.
// The authoritative copy is the one held by the running runtime when
// present; otherwise the store copy is used for rehydration.
type AgentContext struct {
	AgentID   string         `json:"agent_id"`
	Agent     *Agent         `json:"agent"`
	FlowKind  FlowKind       `json:"flow_kind"`
	SandboxID string         `json:"sandbox_id"`
	Status    AgentStatus    `json:"status"`
	LastMsg   *LastMessage   `json:"last_message,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
	UpdatedAt time.Time      `json:"updated_at"`
}

// Step is a unit of work within a plan, owned by exactly one sub-flow
// invocation.
type Step struct {
	ID          string      `json:"id"`
	Description string      `json:"description"`
	Status      StepStatus  `json:"status"`
	SubFlowType SubFlowType `json:"sub_flow_type,omitempty"`
	// SubPlanStep is a parallel-group label: contiguous steps sharing the
	// same label may execute concurrently. Labels must be ascending across
	// the step list; 0 means unlabelled (its own group).
	SubPlanStep int       `json:"sub_plan_step,omitempty"`
	Result      string    `json:"result,omitempty"`
	Error       string    `json:"error,omitempty"`
	Files       []FileRef `json:"files,omitempty"`
	WebRefs     []WebRef  `json:"web_refs,omitempty"`
}

// Plan is a hierarchical decomposition of a user goal, owned by exactly
// one flow engine instance.
type Plan struct {
	ID      string     `json:"id"`
	Goal    string     `json:"goal"`
	Title   string     `json:"title,omitempty"`
	Steps   []*Step    `json:"steps"`
	Status  PlanStatus `json:"status"`
	Message string     `json:"message,omitempty"`
}

// PendingSteps returns the steps that have not started yet.
func (p *Plan) PendingSteps() []*Step {
	var pending []*Step
	for _, s := range p.Steps {
		if s.Status == StepStatusPending {
			pending = append(pending, s)
		}
	}
	return pending
}

// Broadcaster holds the persisted scalars of a per-agent event broadcaster.
// The event buffer contents are persisted separately as buffered events.
type Broadcaster struct {
	AgentID         string    `json:"agent_id"`
	CurrentSequence int64     `json:"current_sequence"`
	MaxBufferSize   int       `json:"max_buffer_size"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// Subscriber marks one reader's interest in an agent's events. Liveness is
// the only persisted fact; per-process delivery state is ephemeral.
type Subscriber struct {
	ID                      string    `json:"id"`
	AgentID                 string    `json:"agent_id"`
	CreatedAt               time.Time `json:"created_at"`
	LastActivity            time.Time `json:"last_activity"`
	IsActive                bool      `json:"is_active"`
	HeartbeatTimeoutSeconds int       `json:"heartbeat_timeout_seconds"`
}

// Conversation is the fire-and-forget history record created alongside an
// agent.
type Conversation struct {
	AgentID   string    `json:"agent_id"`
	UserID    string    `json:"user_id"`
	FlowID    string    `json:"flow_id"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// UserContext carries the identity injected by the front door. Passed
// explicitly through call sites; no hidden storage.
type UserContext struct {
	UserID string   `json:"user_id"`
	Email  string   `json:"email,omitempty"`
	Groups []string `json:"groups,omitempty"`
}

// DefaultUser is assumed in dev mode when no upstream auth headers are present.
var DefaultUser = UserContext{UserID: "dev", Email: "dev@localhost"}
