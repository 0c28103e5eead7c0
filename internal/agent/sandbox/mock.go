package sandbox

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
)

// MockManager is an in-memory sandbox backend for tests and dry runs.
type MockManager struct {
	mu        sync.Mutex
	sandboxes map[string]*MockSandbox

	// CreateErr, when set, is returned by Create.
	CreateErr error
}

// NewMockManager creates an empty mock backend.
func NewMockManager() *MockManager {
	return &MockManager{sandboxes: make(map[string]*MockSandbox)}
}

// Create provisions an in-memory sandbox.
func (m *MockManager) Create(ctx context.Context, agentID string, env map[string]string) (Sandbox, error) {
	if m.CreateErr != nil {
		return nil, m.CreateErr
	}
	sb := &MockSandbox{
		id:             "mock-" + uuid.NewString(),
		agentID:        agentID,
		env:            env,
		files:          make(map[string][]byte),
		CommandResults: map[string]*Result{},
	}
	m.mu.Lock()
	m.sandboxes[sb.id] = sb
	m.mu.Unlock()
	return sb, nil
}

// Get returns a previously created mock sandbox.
func (m *MockManager) Get(ctx context.Context, sandboxID string) (Sandbox, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sb, ok := m.sandboxes[sandboxID]
	if !ok {
		return nil, ErrNotFound
	}
	return sb, nil
}

// Destroy removes a mock sandbox. Idempotent.
func (m *MockManager) Destroy(ctx context.Context, sandboxID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sandboxes, sandboxID)
	return nil
}

// Close drops all mock sandboxes.
func (m *MockManager) Close(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sandboxes = make(map[string]*MockSandbox)
	return nil
}

// MockSandbox records commands and stores files in memory.
type MockSandbox struct {
	id      string
	agentID string
	env     map[string]string

	mu       sync.Mutex
	files    map[string][]byte
	Commands []string

	// CommandResults maps a command string to a canned result. Commands
	// without an entry succeed with empty output.
	CommandResults map[string]*Result
	closed         bool
}

func (s *MockSandbox) ID() string { return s.id }

// ExecCommand records the command and returns its canned result.
func (s *MockSandbox) ExecCommand(ctx context.Context, command string) (*Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Commands = append(s.Commands, command)
	if res, ok := s.CommandResults[command]; ok {
		return res, nil
	}
	return &Result{Success: true, Message: ""}, nil
}

// WriteFile stores the content in memory.
func (s *MockSandbox) WriteFile(ctx context.Context, filePath string, content []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[filePath] = append([]byte(nil), content...)
	return nil
}

// ReadFile returns previously written content.
func (s *MockSandbox) ReadFile(ctx context.Context, filePath string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.files[filePath]
	if !ok {
		return nil, fmt.Errorf("no file at %s", filePath)
	}
	return content, nil
}

// ListFiles lists stored files under a directory prefix.
func (s *MockSandbox) ListFiles(ctx context.Context, dirPath string) ([]FileInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := strings.TrimRight(dirPath, "/") + "/"
	var files []FileInfo
	for p, content := range s.files {
		if strings.HasPrefix(p, prefix) {
			files = append(files, FileInfo{
				Name: path.Base(p),
				Path: p,
				Size: int64(len(content)),
			})
		}
	}
	sort.Slice(files, func(i, j int) bool { return files[i].Path < files[j].Path })
	return files, nil
}

func (s *MockSandbox) GetCDPURL(ctx context.Context) (string, error) {
	return "ws://mock:9222", nil
}

func (s *MockSandbox) GetVNCURL(ctx context.Context) (string, error) {
	return "http://mock:6080/vnc.html", nil
}

func (s *MockSandbox) GetCodeServerURL(ctx context.Context) (string, error) {
	return "http://mock:8443", nil
}

// Close marks the sandbox closed.
func (s *MockSandbox) Close(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// Closed reports whether Close was called.
func (s *MockSandbox) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}
