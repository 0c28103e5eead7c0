// Package llm provides the chat-completion client used by flow engines for
// planning and step execution.
package llm

import (
	"context"
	"errors"
)

var (
	// ErrEmptyResponse is returned when the backend produces no choices.
	ErrEmptyResponse = errors.New("llm returned an empty response")
)

// Role values follow the OpenAI chat-completions convention.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// ChatMessage is one turn of a chat-completion conversation.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
}

// ToolDef describes a callable tool in OpenAI function-calling format.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// ToolCall is a tool invocation requested by the model. Args is the raw
// JSON argument string as produced by the model.
type ToolCall struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Args     string `json:"args"`
}

// Request is one chat-completion request. Zero Temperature and MaxTokens
// fall back to the client's configured defaults.
type Request struct {
	Messages    []ChatMessage
	Tools       []ToolDef
	Temperature float64
	MaxTokens   int
}

// Response is the model's reply: either assistant text, tool calls, or both.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// Client is the chat-completion interface flow engines depend on.
type Client interface {
	// Chat sends one request and returns the model's reply. Blocking;
	// honors ctx cancellation.
	Chat(ctx context.Context, req *Request) (*Response, error)
}
