// Package openai is a focused client for OpenAI-compatible chat completions
// (whole and streamed), embeddings and moderation.
package openai

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-orchestrator/internal/domain"
)

const (
	defaultBaseURL        = "https://api.openai.com/v1"
	defaultEmbeddingModel = "text-embedding-3-small"
	maxSSELine            = 1 << 20
)

// chatRequest is the request shape for the Chat Completions endpoint.
type chatRequest struct {
	Model         string               `json:"model"`
	Messages      []domain.ChatMessage `json:"messages"`
	Temperature   *float64             `json:"temperature,omitempty"`
	TopP          *float64             `json:"top_p,omitempty"`
	MaxTokens     int                  `json:"max_tokens,omitempty"`
	Stop          []string             `json:"stop,omitempty"`
	Stream        bool                 `json:"stream,omitempty"`
	StreamOptions *streamOptions       `json:"stream_options,omitempty"`
}

type streamOptions struct {
	IncludeUsage bool `json:"include_usage"`
}

type usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
}

// chatResponse is the minimal response shape returned by the Chat Completions endpoint.
type chatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      domain.ChatMessage `json:"message"`
		FinishReason string             `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

// chatChunk is one server-sent event of a streamed completion.
type chatChunk struct {
	Model   string `json:"model"`
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	Usage *usage `json:"usage"`
}

type embeddingRequest struct {
	Model string `json:"model"`
	Input string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Embedding []float64 `json:"embedding"`
	} `json:"data"`
}

// moderationRequest is the request shape for the Moderations endpoint.
type moderationRequest struct {
	Input string `json:"input"`
}

// moderationResponse is the minimal response shape for the Moderations endpoint.
type moderationResponse struct {
	Results []struct {
		Flagged bool `json:"flagged"`
	} `json:"results"`
}

// TokenSource resolves API secrets by parameter name.
type TokenSource interface {
	Token(ctx context.Context, name string) (string, error)
}

// HTTPStatusError captures non-2xx upstream responses with status-aware context.
type HTTPStatusError struct {
	StatusCode int
	URL        string
	Body       string
}

func (e *HTTPStatusError) Error() string {
	return fmt.Sprintf("openai: unexpected status %d from %s: %s", e.StatusCode, e.URL, e.Body)
}

func (e *HTTPStatusError) HTTPStatusCode() int {
	return e.StatusCode
}

// Client is a focused OpenAI-compatible client.
type Client struct {
	baseURL        string
	model          string
	embeddingModel string
	httpClient     *http.Client
	streamClient   *http.Client
	tokens         TokenSource
	tokenName      string
	now            func() time.Time
}

type Option func(*Client)

func WithBaseURL(baseURL string) Option {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithHTTPClient sets the client used for non-streaming calls.
func WithHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.httpClient = httpClient
	}
}

// WithStreamHTTPClient sets the client used for streamed completions. It
// should not carry an overall timeout; streams are bounded by their context.
func WithStreamHTTPClient(httpClient *http.Client) Option {
	return func(c *Client) {
		c.streamClient = httpClient
	}
}

func WithEmbeddingModel(model string) Option {
	return func(c *Client) {
		if m := strings.TrimSpace(model); m != "" {
			c.embeddingModel = m
		}
	}
}

// NewClient creates a Client for model. The API token is read through tokens
// from "<paramPrefix>/open-ai-token" on first use.
func NewClient(tokens TokenSource, paramPrefix, model string, opts ...Option) (*Client, error) {
	if tokens == nil {
		return nil, errors.New("openai: token source must not be nil")
	}
	paramPrefix = strings.TrimRight(strings.TrimSpace(paramPrefix), "/")
	if paramPrefix == "" {
		return nil, errors.New("openai: parameter prefix must not be empty")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, errors.New("openai: model must not be empty")
	}
	c := &Client{
		baseURL:        defaultBaseURL,
		model:          model,
		embeddingModel: defaultEmbeddingModel,
		httpClient:     &http.Client{Timeout: 30 * time.Second},
		streamClient:   &http.Client{},
		tokens:         tokens,
		tokenName:      paramPrefix + "/open-ai-token",
		now:            time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Model returns the chat model the client generates with.
func (c *Client) Model() string {
	return c.model
}

func (c *Client) resolvedHTTPClient() *http.Client {
	if c.httpClient != nil {
		return c.httpClient
	}
	return &http.Client{Timeout: 30 * time.Second}
}

func (c *Client) resolvedStreamClient() *http.Client {
	if c.streamClient != nil {
		return c.streamClient
	}
	return http.DefaultClient
}

func endpointURL(baseURL, path string) string {
	base := strings.TrimRight(baseURL, "/")
	if base == "" {
		base = defaultBaseURL
	}
	if strings.HasSuffix(base, "/v1") {
		return base + "/" + path
	}
	return base + "/v1/" + path
}

func (c *Client) chatBody(req domain.GenerationRequest, stream bool) ([]byte, error) {
	opts := req.Options
	body := chatRequest{
		Model:     c.model,
		Messages:  req.Messages,
		MaxTokens: opts.MaxTokens,
		Stop:      opts.Stop,
		Stream:    stream,
	}
	if opts.Temperature > 0 {
		body.Temperature = &opts.Temperature
	}
	if opts.TopP > 0 {
		body.TopP = &opts.TopP
	}
	if stream {
		body.StreamOptions = &streamOptions{IncludeUsage: true}
	}
	return json.Marshal(body)
}

func (c *Client) newRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	apiKey, err := c.tokens.Token(ctx, c.tokenName)
	if err != nil {
		return nil, fmt.Errorf("openai: resolve api token: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("openai: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+apiKey)
	return req, nil
}

// Generate returns the whole completion for req.
func (c *Client) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	start := c.now()
	body, err := c.chatBody(req, false)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("openai: marshal request: %w", err)
	}
	url := endpointURL(c.baseURL, "chat/completions")
	httpReq, err := c.newRequest(ctx, url, body)
	if err != nil {
		return domain.GenerationResult{}, err
	}

	raw, err := c.doJSONRequest(httpReq, url)
	if err != nil {
		return domain.GenerationResult{}, fmt.Errorf("openai: request failed: %w", err)
	}

	var payload chatResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return domain.GenerationResult{}, fmt.Errorf("openai: decode response: %w", err)
	}
	if len(payload.Choices) == 0 {
		return domain.GenerationResult{}, errors.New("openai: no choices in response")
	}

	meta := domain.GenerationMetadata{
		Model:        payload.Model,
		FinishReason: payload.Choices[0].FinishReason,
		Latency:      c.now().Sub(start),
	}
	if meta.Model == "" {
		meta.Model = c.model
	}
	if payload.Usage != nil {
		meta.PromptTokens = payload.Usage.PromptTokens
		meta.CompletionTokens = payload.Usage.CompletionTokens
	}
	return domain.GenerationResult{Text: payload.Choices[0].Message.Content, Metadata: meta}, nil
}

// Stream starts a streamed completion. Connection and status errors are
// returned directly; errors after the first byte arrive through the stream.
func (c *Client) Stream(ctx context.Context, req domain.GenerationRequest) (*domain.Stream, error) {
	start := c.now()
	body, err := c.chatBody(req, true)
	if err != nil {
		return nil, fmt.Errorf("openai: marshal request: %w", err)
	}
	url := endpointURL(c.baseURL, "chat/completions")

	streamCtx, cancel := context.WithCancel(ctx)
	httpReq, err := c.newRequest(streamCtx, url, body)
	if err != nil {
		cancel()
		return nil, err
	}
	httpReq.Header.Set("Accept", "text/event-stream")

	res, err := c.resolvedStreamClient().Do(httpReq)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("openai: request failed: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		_ = res.Body.Close()
		cancel()
		return nil, fmt.Errorf("openai: request failed: %w", &HTTPStatusError{StatusCode: res.StatusCode, URL: url, Body: string(buf)})
	}

	var (
		mu   sync.Mutex
		meta = domain.GenerationMetadata{Model: c.model}
	)
	seq := func(yield func(string, error) bool) {
		sc := bufio.NewScanner(res.Body)
		sc.Buffer(make([]byte, 0, 64*1024), maxSSELine)
		for sc.Scan() {
			line := strings.TrimSpace(sc.Text())
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				mu.Lock()
				meta.Latency = c.now().Sub(start)
				mu.Unlock()
				return
			}

			var chunk chatChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				yield("", fmt.Errorf("openai: decode stream chunk: %w", err))
				return
			}
			mu.Lock()
			if chunk.Model != "" {
				meta.Model = chunk.Model
			}
			if chunk.Usage != nil {
				meta.PromptTokens = chunk.Usage.PromptTokens
				meta.CompletionTokens = chunk.Usage.CompletionTokens
			}
			var text string
			for _, ch := range chunk.Choices {
				text += ch.Delta.Content
				if ch.FinishReason != nil {
					meta.FinishReason = *ch.FinishReason
				}
			}
			mu.Unlock()

			if text != "" && !yield(text, nil) {
				return
			}
		}
		if err := sc.Err(); err != nil {
			yield("", fmt.Errorf("openai: read stream: %w", err))
			return
		}
		yield("", fmt.Errorf("openai: stream ended before completion: %w", io.ErrUnexpectedEOF))
	}

	return domain.NewStream(seq,
		domain.WithCloser(func() error {
			cancel()
			return res.Body.Close()
		}),
		domain.WithMetadata(func() domain.GenerationMetadata {
			mu.Lock()
			defer mu.Unlock()
			return meta
		}),
	), nil
}

// Embed returns the embedding vector for text.
func (c *Client) Embed(ctx context.Context, text string) ([]float64, error) {
	body, err := json.Marshal(embeddingRequest{Model: c.embeddingModel, Input: text})
	if err != nil {
		return nil, fmt.Errorf("openai: marshal embedding request: %w", err)
	}
	url := endpointURL(c.baseURL, "embeddings")
	req, err := c.newRequest(ctx, url, body)
	if err != nil {
		return nil, err
	}
	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return nil, fmt.Errorf("openai: embedding request failed: %w", err)
	}
	var payload embeddingResponse
	if err := json.Unmarshal(raw, &payload); err != nil {
		return nil, fmt.Errorf("openai: decode embedding response: %w", err)
	}
	if len(payload.Data) == 0 || len(payload.Data[0].Embedding) == 0 {
		return nil, errors.New("openai: no embedding in response")
	}
	return payload.Data[0].Embedding, nil
}

// Moderate calls the OpenAI Moderations API and returns true if the input is flagged.
func (c *Client) Moderate(ctx context.Context, input string) (bool, error) {
	body, err := json.Marshal(moderationRequest{Input: input})
	if err != nil {
		return false, fmt.Errorf("openai: marshal moderation request: %w", err)
	}
	url := endpointURL(c.baseURL, "moderations")
	req, err := c.newRequest(ctx, url, body)
	if err != nil {
		return false, err
	}

	raw, err := c.doJSONRequest(req, url)
	if err != nil {
		return false, fmt.Errorf("openai: moderation request failed: %w", err)
	}

	var payload moderationResponse
	if decErr := json.Unmarshal(raw, &payload); decErr != nil {
		return false, fmt.Errorf("openai: decode moderation response: %w", decErr)
	}
	if len(payload.Results) == 0 {
		return false, errors.New("openai: no results in moderation response")
	}
	return payload.Results[0].Flagged, nil
}

func (c *Client) doJSONRequest(req *http.Request, url string) ([]byte, error) {
	res, doErr := c.resolvedHTTPClient().Do(req)
	if doErr != nil {
		return nil, doErr
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode < 200 || res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return nil, &HTTPStatusError{
			StatusCode: res.StatusCode,
			URL:        url,
			Body:       string(buf),
		}
	}

	buf, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	return buf, nil
}
