// Package memory is an in-process vector store using brute-force cosine
// similarity.
package memory

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"math"
	"slices"
	"sync"

	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/vectorstore"
)

const defaultTopK = 5

type document struct {
	id     string
	text   string
	vector []float64
}

type Store struct {
	embedder vectorstore.Embedder

	mu   sync.RWMutex
	docs []document
}

func New(embedder vectorstore.Embedder) (*Store, error) {
	if embedder == nil {
		return nil, errors.New("memory: embedder must not be nil")
	}
	return &Store{embedder: embedder}, nil
}

// Add embeds text and stores it under id, replacing any previous document
// with the same id.
func (s *Store) Add(ctx context.Context, id, text string) error {
	vec, err := s.embedder.Embed(ctx, text)
	if err != nil {
		return fmt.Errorf("memory: embed document %q: %w", id, err)
	}
	doc := document{id: id, text: text, vector: normalize(vec)}

	s.mu.Lock()
	defer s.mu.Unlock()
	if i := slices.IndexFunc(s.docs, func(d document) bool { return d.id == id }); i >= 0 {
		s.docs[i] = doc
		return nil
	}
	s.docs = append(s.docs, doc)
	return nil
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.docs)
}

func (s *Store) Search(ctx context.Context, query string, k int) ([]domain.ContextFragment, error) {
	var out []domain.ContextFragment
	for f, err := range s.SearchSeq(ctx, query, k) {
		if err != nil {
			return out, err
		}
		out = append(out, f)
	}
	return out, nil
}

// SearchSeq yields the top k documents in descending similarity, checking ctx
// between results.
func (s *Store) SearchSeq(ctx context.Context, query string, k int) iter.Seq2[domain.ContextFragment, error] {
	return func(yield func(domain.ContextFragment, error) bool) {
		if k <= 0 {
			k = defaultTopK
		}
		qv, err := s.embedder.Embed(ctx, query)
		if err != nil {
			yield(domain.ContextFragment{}, fmt.Errorf("memory: embed query: %w", err))
			return
		}
		qv = normalize(qv)

		type scored struct {
			doc   document
			score float64
		}
		s.mu.RLock()
		ranked := make([]scored, 0, len(s.docs))
		for _, d := range s.docs {
			ranked = append(ranked, scored{doc: d, score: dot(d.vector, qv)})
		}
		s.mu.RUnlock()

		slices.SortStableFunc(ranked, func(a, b scored) int {
			switch {
			case a.score > b.score:
				return -1
			case a.score < b.score:
				return 1
			}
			return 0
		})

		for i, r := range ranked {
			if i == k {
				return
			}
			if err := ctx.Err(); err != nil {
				yield(domain.ContextFragment{}, err)
				return
			}
			f := domain.ContextFragment{
				Source: domain.SourceVector,
				Text:   r.doc.text,
				Score:  r.score,
				Origin: r.doc.id,
			}
			if !yield(f, nil) {
				return
			}
		}
	}
}

func normalize(v []float64) []float64 {
	var sum float64
	for _, x := range v {
		sum += x * x
	}
	out := make([]float64, len(v))
	if sum == 0 {
		return out
	}
	n := math.Sqrt(sum)
	for i, x := range v {
		out[i] = x / n
	}
	return out
}

func dot(a, b []float64) float64 {
	n := min(len(a), len(b))
	var sum float64
	for i := 0; i < n; i++ {
		sum += a[i] * b[i]
	}
	return sum
}
