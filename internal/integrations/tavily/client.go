// Package tavily calls the Tavily search API.
package tavily

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"chat-orchestrator/internal/websearch"
)

const defaultBaseURL = "https://api.tavily.com"

// KeySource resolves the API key lazily, e.g. from Parameter Store.
type KeySource interface {
	Token(ctx context.Context, name string) (string, error)
}

type searchRequest struct {
	APIKey      string `json:"api_key"`
	Query       string `json:"query"`
	SearchDepth string `json:"search_depth"`
	MaxResults  int    `json:"max_results,omitempty"`
}

type searchResponse struct {
	Results []struct {
		Title   string  `json:"title"`
		URL     string  `json:"url"`
		Content string  `json:"content"`
		Score   float64 `json:"score"`
	} `json:"results"`
}

type Client struct {
	baseURL    string
	depth      string
	keys       KeySource
	keyName    string
	httpClient *http.Client
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) { c.baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/") }
}

// WithDepth sets the search depth, "basic" or "advanced".
func WithDepth(depth string) Option {
	return func(c *Client) {
		if d := strings.TrimSpace(depth); d != "" {
			c.depth = d
		}
	}
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// NewClient returns a client that reads its key from keys under keyName.
func NewClient(keys KeySource, keyName string, opts ...Option) (*Client, error) {
	if keys == nil {
		return nil, errors.New("tavily: key source must not be nil")
	}
	keyName = strings.TrimSpace(keyName)
	if keyName == "" {
		return nil, errors.New("tavily: key name must not be empty")
	}
	c := &Client{
		baseURL:    defaultBaseURL,
		depth:      "basic",
		keys:       keys,
		keyName:    keyName,
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.baseURL == "" {
		c.baseURL = defaultBaseURL
	}
	return c, nil
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]websearch.Result, error) {
	key, err := c.keys.Token(ctx, c.keyName)
	if err != nil {
		return nil, fmt.Errorf("tavily: resolve api key: %w", err)
	}
	body, err := json.Marshal(searchRequest{APIKey: key, Query: query, SearchDepth: c.depth, MaxResults: limit})
	if err != nil {
		return nil, fmt.Errorf("tavily: marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/search", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("tavily: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tavily: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("tavily: unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(buf)))
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("tavily: decode response: %w", err)
	}
	out := make([]websearch.Result, 0, len(payload.Results))
	for _, r := range payload.Results {
		out = append(out, websearch.Result{Title: r.Title, URL: r.URL, Snippet: r.Content, Score: r.Score})
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
