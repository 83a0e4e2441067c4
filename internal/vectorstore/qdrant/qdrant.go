// Package qdrant is a minimal Qdrant REST client used as a vector store.
// It assumes a cosine collection whose point payloads carry "text" and
// "document_id".
package qdrant

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

	"github.com/google/uuid"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/vectorstore"
)

const (
	defaultTimeout = 15 * time.Second
	defaultTopK    = 5
)

type Config struct {
	URL        string
	APIKey     string
	Collection string
	Timeout    time.Duration
}

type Store struct {
	url        string
	apiKey     string
	collection string
	client     *http.Client
	embedder   vectorstore.Embedder
}

// Point is a document to upsert.
type Point struct {
	ID         string
	DocumentID string
	Text       string
}

type searchResponse struct {
	Result []struct {
		ID      any            `json:"id"`
		Score   float64        `json:"score"`
		Payload map[string]any `json:"payload"`
	} `json:"result"`
}

func New(cfg Config, embedder vectorstore.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("qdrant: embedder must not be nil")
	}
	url := strings.TrimRight(strings.TrimSpace(cfg.URL), "/")
	if url == "" {
		return nil, errors.New("qdrant: url must not be empty")
	}
	if strings.TrimSpace(cfg.Collection) == "" {
		return nil, errors.New("qdrant: collection must not be empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Store{
		url:        url,
		apiKey:     cfg.APIKey,
		collection: cfg.Collection,
		client:     &http.Client{Timeout: timeout},
		embedder:   embedder,
	}, nil
}

// EnsureCollection creates the collection with cosine distance. Qdrant
// accepts the call when an identical collection already exists.
func (s *Store) EnsureCollection(ctx context.Context, dimension int) error {
	if dimension <= 0 {
		return errors.New("qdrant: invalid dimension")
	}
	body := map[string]any{
		"vectors": map[string]any{"size": dimension, "distance": "Cosine"},
	}
	return s.doJSON(ctx, http.MethodPut, s.collectionURL(""), body, nil)
}

// Upsert embeds and writes points, waiting for the write to be applied.
func (s *Store) Upsert(ctx context.Context, points []Point) error {
	payload := make([]map[string]any, 0, len(points))
	for _, p := range points {
		vec, err := s.embedder.Embed(ctx, p.Text)
		if err != nil {
			return fmt.Errorf("qdrant: embed point %q: %w", p.ID, err)
		}
		payload = append(payload, map[string]any{
			"id":     pointID(p.ID),
			"vector": vec,
			"payload": map[string]any{
				"document_id": p.DocumentID,
				"text":        p.Text,
			},
		})
	}
	return s.doJSON(ctx, http.MethodPut, s.collectionURL("/points?wait=true"), map[string]any{"points": payload}, nil)
}

func (s *Store) Search(ctx context.Context, query string, k int) ([]domain.ContextFragment, error) {
	if k <= 0 {
		k = defaultTopK
	}
	vec, err := s.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("qdrant: embed query: %w", err)
	}
	req := map[string]any{
		"vector":       vec,
		"limit":        k,
		"with_payload": true,
	}
	var resp searchResponse
	if err := s.doJSON(ctx, http.MethodPost, s.collectionURL("/points/search"), req, &resp); err != nil {
		return nil, err
	}

	out := make([]domain.ContextFragment, 0, len(resp.Result))
	for _, r := range resp.Result {
		text, _ := r.Payload["text"].(string)
		origin, _ := r.Payload["document_id"].(string)
		if origin == "" {
			origin = fmt.Sprint(r.ID)
		}
		out = append(out, domain.ContextFragment{
			Source: domain.SourceVector,
			Text:   text,
			Score:  r.Score,
			Origin: origin,
		})
	}
	return out, nil
}

// pointID maps arbitrary ids onto the UUIDs Qdrant accepts. UUID-shaped ids
// are kept as they are.
func pointID(id string) string {
	if u, err := uuid.Parse(id); err == nil {
		return u.String()
	}
	return uuid.NewSHA1(uuid.NameSpaceURL, []byte(id)).String()
}

func (s *Store) collectionURL(suffix string) string {
	return fmt.Sprintf("%s/collections/%s%s", s.url, s.collection, suffix)
}

func (s *Store) doJSON(ctx context.Context, method, url string, body, out any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("qdrant: marshal request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("qdrant: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("api-key", s.apiKey)
	}
	res, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("qdrant: %s %s: %w", method, url, err)
	}
	defer func() { _ = res.Body.Close() }()

	if res.StatusCode >= 300 {
		buf, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("qdrant: %s %s: status %d: %s", method, url, res.StatusCode, strings.TrimSpace(string(buf)))
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
		return fmt.Errorf("qdrant: decode response: %w", err)
	}
	return nil
}
