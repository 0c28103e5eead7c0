// Package v1 defines the wire types of the public HTTP API.
package v1

import "time"

// CreateAgentRequest creates a new agent.
type CreateAgentRequest struct {
	FlowKind string            `json:"flow_kind"`
	Model    string            `json:"model,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
}

// AgentResponse describes one agent.
type AgentResponse struct {
	AgentID     string    `json:"agent_id"`
	FlowKind    string    `json:"flow_kind"`
	Status      string    `json:"status"`
	SandboxID   string    `json:"sandbox_id,omitempty"`
	LastMessage string    `json:"last_message,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

// MessageFile is one file attached to a message, base64 encoded.
type MessageFile struct {
	Name    string `json:"name"`
	Content string `json:"content"`
}

// SendMessageRequest delivers a user message to an agent. Timestamp is
// assigned by the client; a retry must reuse the original timestamp so the
// server can recognize and drop it.
type SendMessageRequest struct {
	Text      string        `json:"text"`
	Timestamp time.Time     `json:"timestamp"`
	Files     []MessageFile `json:"files,omitempty"`
}

// ShellRequest runs one command in the agent's sandbox.
type ShellRequest struct {
	Command string `json:"command"`
}

// ShellResponse is the outcome of a shell command.
type ShellResponse struct {
	Success  bool   `json:"success"`
	Output   string `json:"output"`
	ExitCode int    `json:"exit_code"`
}

// FileEntry is one sandbox directory entry.
type FileEntry struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// AgentURLsResponse exposes the sandbox service endpoints.
type AgentURLsResponse struct {
	CDPURL        string `json:"cdp_url,omitempty"`
	VNCURL        string `json:"vnc_url,omitempty"`
	CodeServerURL string `json:"code_server_url,omitempty"`
}

// ConversationResponse is one history record.
type ConversationResponse struct {
	AgentID   string    `json:"agent_id"`
	FlowKind  string    `json:"flow_kind"`
	Title     string    `json:"title"`
	CreatedAt time.Time `json:"created_at"`
}

// ErrorResponse carries an API error.
type ErrorResponse struct {
	Error string `json:"error"`
}

// StreamEvent is one server-sent event frame payload. Type discriminates
// which optional fields are set.
type StreamEvent struct {
	Type      string `json:"type"`
	Sequence  int64  `json:"sequence"`
	Timestamp string `json:"timestamp"`

	// message, title, error, user_input, done
	Text string `json:"text,omitempty"`

	// plan
	Plan *StreamPlan `json:"plan,omitempty"`

	// step
	Step *StreamStep `json:"step,omitempty"`

	// tool
	Tool     string         `json:"tool,omitempty"`
	Function string         `json:"function,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Result   string         `json:"result,omitempty"`

	// user_input
	FileIDs []string `json:"file_ids,omitempty"`
}

// StreamPlan is the plan projection sent on the stream.
type StreamPlan struct {
	ID      string       `json:"id"`
	Title   string       `json:"title,omitempty"`
	Goal    string       `json:"goal"`
	Status  string       `json:"status"`
	Message string       `json:"message,omitempty"`
	IsSuper bool         `json:"is_super,omitempty"`
	Steps   []StreamStep `json:"steps"`
}

// StreamStep is the step projection sent on the stream.
type StreamStep struct {
	ID          string `json:"id"`
	Description string `json:"description"`
	Status      string `json:"status"`
	SubFlowType string `json:"sub_flow_type,omitempty"`
	Result      string `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}
