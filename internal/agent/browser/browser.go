// Package browser exposes page fetching for flows. The implementation runs
// inside the agent's sandbox so navigation shares the sandbox's network
// identity and leaves artifacts in its workspace.
package browser

import (
	"context"
	"fmt"

	"github.com/helmsman-ai/helmsman/internal/agent/sandbox"
)

// Browser fetches web content on behalf of a flow.
type Browser interface {
	// Fetch navigates to a URL and returns the page content as text.
	Fetch(ctx context.Context, url string) (string, error)
}

// SandboxBrowser fetches pages by shelling out inside the sandbox, so the
// request originates from the sandbox network.
type SandboxBrowser struct {
	sb sandbox.Sandbox
}

// NewSandboxBrowser wraps a sandbox as a browser.
func NewSandboxBrowser(sb sandbox.Sandbox) *SandboxBrowser {
	return &SandboxBrowser{sb: sb}
}

// Fetch downloads a URL from inside the sandbox.
func (b *SandboxBrowser) Fetch(ctx context.Context, url string) (string, error) {
	res, err := b.sb.ExecCommand(ctx, fmt.Sprintf("curl -fsSL --max-time 30 %q", url))
	if err != nil {
		return "", err
	}
	if !res.Success {
		return "", fmt.Errorf("failed to fetch %s: %s", url, res.Message)
	}
	return res.Message, nil
}

// MockBrowser returns canned page content keyed by URL.
type MockBrowser struct {
	Pages map[string]string
}

// Fetch returns the canned content for a URL.
func (b *MockBrowser) Fetch(ctx context.Context, url string) (string, error) {
	content, ok := b.Pages[url]
	if !ok {
		return "", fmt.Errorf("no page for %s", url)
	}
	return content, nil
}
