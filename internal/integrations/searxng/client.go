// Package searxng queries a SearxNG instance through its JSON API.
package searxng

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"chat-orchestrator/internal/websearch"
)

const defaultEngines = "google,wikipedia,arxiv"

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
	engines    string
	language   string
	httpClient *http.Client
}

type Option func(*Client)

// WithEngines sets the comma-separated engine list.
func WithEngines(engines string) Option {
	return func(c *Client) {
		if e := strings.TrimSpace(engines); e != "" {
			c.engines = e
		}
	}
}

func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = strings.TrimSpace(lang) }
}

func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

func NewClient(baseURL string, opts ...Option) (*Client, error) {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("searxng: base url must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		engines:    defaultEngines,
		language:   "en",
		httpClient: &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

func (c *Client) Search(ctx context.Context, query string, limit int) ([]websearch.Result, error) {
	params := url.Values{}
	params.Set("q", query)
	params.Set("format", "json")
	params.Set("pageno", "1")
	params.Set("engines", c.engines)
	if c.language != "" {
		params.Set("language", c.language)
	}
	endpoint := c.baseURL + "/search?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("searxng: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	res, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("searxng: request failed: %w", err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode != http.StatusOK {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 1024))
		return nil, fmt.Errorf("searxng: unexpected status %d: %s", res.StatusCode, strings.TrimSpace(string(buf)))
	}

	var payload searchResponse
	if err := json.NewDecoder(io.LimitReader(res.Body, 4<<20)).Decode(&payload); err != nil {
		return nil, fmt.Errorf("searxng: decode response: %w", err)
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
