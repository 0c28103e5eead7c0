package llm

import (
	"context"
	"sync"
)

// MockClient returns scripted responses in order. When the script runs out
// it repeats the final response, which keeps looping callers deterministic.
type MockClient struct {
	mu        sync.Mutex
	responses []*Response
	next      int

	// Requests records every request received, for assertions.
	Requests []*Request

	// Err, when set, is returned by every call instead of a response.
	Err error
}

// NewMockClient creates a mock that replays the given responses.
func NewMockClient(responses ...*Response) *MockClient {
	return &MockClient{responses: responses}
}

// Enqueue appends a response to the script.
func (m *MockClient) Enqueue(resp *Response) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.responses = append(m.responses, resp)
}

// Chat pops the next scripted response.
func (m *MockClient) Chat(ctx context.Context, req *Request) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.Requests = append(m.Requests, req)
	if m.Err != nil {
		return nil, m.Err
	}
	if len(m.responses) == 0 {
		return nil, ErrEmptyResponse
	}

	resp := m.responses[m.next]
	if m.next < len(m.responses)-1 {
		m.next++
	}
	return resp, nil
}

// CallCount returns how many requests the mock has served.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Requests)
}
