// Package search provides the web search backend used by the search flow.
package search

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/helmsman-ai/helmsman/internal/common/config"
	"github.com/helmsman-ai/helmsman/internal/common/logger"
)

// ErrNoBackend is returned when no search endpoint is configured.
var ErrNoBackend = errors.New("no search backend configured")

// Result is one search hit.
type Result struct {
	Title   string `json:"title"`
	URL     string `json:"url"`
	Snippet string `json:"snippet"`
}

// Engine is the search interface the search flow depends on.
type Engine interface {
	// Search runs one query and returns up to limit results.
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// HTTPEngine queries a SearXNG-compatible JSON endpoint.
type HTTPEngine struct {
	baseURL    string
	apiKey     string
	maxResults int
	httpClient *http.Client
	log        *logger.Logger
}

// NewHTTPEngine builds an engine from the search config section.
func NewHTTPEngine(cfg config.SearchConfig, log *logger.Logger) *HTTPEngine {
	if log == nil {
		log = logger.Default()
	}
	maxResults := cfg.MaxResults
	if maxResults <= 0 {
		maxResults = 8
	}
	return &HTTPEngine{
		baseURL:    strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:     cfg.APIKey,
		maxResults: maxResults,
		httpClient: &http.Client{Timeout: 30 * time.Second},
		log:        log.WithFields(zap.String("component", "search_engine")),
	}
}

type searxResponse struct {
	Results []struct {
		Title   string `json:"title"`
		URL     string `json:"url"`
		Content string `json:"content"`
	} `json:"results"`
}

// Search runs one query against the configured endpoint.
func (e *HTTPEngine) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	if e.baseURL == "" {
		return nil, ErrNoBackend
	}
	if limit <= 0 || limit > e.maxResults {
		limit = e.maxResults
	}

	endpoint := fmt.Sprintf("%s/search?q=%s&format=json", e.baseURL, url.QueryEscape(query))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("search request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("search backend returned status %d", resp.StatusCode)
	}

	var parsed searxResponse
	if err := json.NewDecoder(resp.Body).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("failed to decode search response: %w", err)
	}

	results := make([]Result, 0, limit)
	for _, r := range parsed.Results {
		results = append(results, Result{Title: r.Title, URL: r.URL, Snippet: r.Content})
		if len(results) >= limit {
			break
		}
	}
	e.log.Debug("search completed", zap.String("query", query), zap.Int("results", len(results)))
	return results, nil
}

// MockEngine returns canned results keyed by substring match on the query.
type MockEngine struct {
	mu sync.Mutex

	// Responses maps a query substring to results. The first matching key
	// wins; unmatched queries return Default.
	Responses map[string][]Result
	Default   []Result
	Queries   []string
	Err       error
}

// NewMockEngine creates an empty mock engine.
func NewMockEngine() *MockEngine {
	return &MockEngine{Responses: make(map[string][]Result)}
}

// Search records the query and returns the canned results.
func (e *MockEngine) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.Queries = append(e.Queries, query)
	if e.Err != nil {
		return nil, e.Err
	}
	for key, results := range e.Responses {
		if strings.Contains(query, key) {
			return results, nil
		}
	}
	return e.Default, nil
}
