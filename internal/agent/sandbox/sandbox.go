// Package sandbox provides isolated execution environments for agents.
// Each agent gets one sandbox for the lifetime of the agent; flows run
// shell commands and file operations inside it.
package sandbox

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no sandbox exists for the given ID.
	ErrNotFound = errors.New("sandbox not found")
	// ErrUnavailable is returned when the sandbox backend cannot be reached.
	ErrUnavailable = errors.New("sandbox backend unavailable")
)

// UploadDir is where user-attached files are placed inside the sandbox.
const UploadDir = "/workspace/uploads"

// Result is the uniform outcome envelope for sandbox operations.
type Result struct {
	Success bool           `json:"success"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// FileInfo describes one entry in a sandbox directory listing.
type FileInfo struct {
	Name  string `json:"name"`
	Path  string `json:"path"`
	Size  int64  `json:"size"`
	IsDir bool   `json:"is_dir"`
}

// Sandbox is one isolated execution environment.
type Sandbox interface {
	// ID returns the backend identifier of this sandbox.
	ID() string

	// ExecCommand runs a shell command in the workspace and returns its
	// combined output. Short-timeout call; honors ctx cancellation.
	ExecCommand(ctx context.Context, command string) (*Result, error)

	// WriteFile writes content to a path inside the sandbox, creating
	// parent directories as needed.
	WriteFile(ctx context.Context, path string, content []byte) error

	// ReadFile reads a file from inside the sandbox.
	ReadFile(ctx context.Context, path string) ([]byte, error)

	// ListFiles lists a directory inside the sandbox.
	ListFiles(ctx context.Context, path string) ([]FileInfo, error)

	// GetCDPURL returns the Chrome DevTools Protocol endpoint for the
	// sandbox's browser, when one is exposed.
	GetCDPURL(ctx context.Context) (string, error)

	// GetVNCURL returns the VNC viewer URL for the sandbox desktop.
	GetVNCURL(ctx context.Context) (string, error)

	// GetCodeServerURL returns the in-sandbox code editor URL.
	GetCodeServerURL(ctx context.Context) (string, error)

	// Close destroys the sandbox and releases its resources.
	Close(ctx context.Context) error
}

// Manager creates and tracks sandboxes.
type Manager interface {
	// Create provisions a sandbox for an agent with the given environment.
	Create(ctx context.Context, agentID string, env map[string]string) (Sandbox, error)

	// Get returns a previously created sandbox by ID, or ErrNotFound.
	Get(ctx context.Context, sandboxID string) (Sandbox, error)

	// Destroy tears down a sandbox by ID. Idempotent.
	Destroy(ctx context.Context, sandboxID string) error

	// Close tears down every sandbox this manager created.
	Close(ctx context.Context) error
}
