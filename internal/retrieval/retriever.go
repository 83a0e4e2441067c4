// Package retrieval implements the Context Retriever: a deadline-bounded query
// against a vector store that prefers returning what it has over failing.
package retrieval

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"

	"chat-orchestrator/internal/domain"
)

var (
	// ErrDeadlineExceeded reports that the deadline expired before the store
	// finished. Fragments returned alongside it are valid.
	ErrDeadlineExceeded = errors.New("retrieval: deadline exceeded")
	// ErrUnavailable wraps genuine store failures.
	ErrUnavailable = errors.New("retrieval: store unavailable")
)

const (
	defaultK        = 5
	defaultMinScore = 0.5
)

// Store is a query-by-text vector store. Embedding happens inside the store.
type Store interface {
	Search(ctx context.Context, query string, k int) ([]domain.ContextFragment, error)
}

// SeqStore is a Store that can deliver results incrementally, in rank order.
type SeqStore interface {
	Store
	SearchSeq(ctx context.Context, query string, k int) iter.Seq2[domain.ContextFragment, error]
}

type Retriever struct {
	store    Store
	minScore float64
	logger   *slog.Logger
}

type Option func(*Retriever)

// WithMinScore drops fragments scoring below min after clamping.
func WithMinScore(score float64) Option {
	return func(r *Retriever) {
		if score >= 0 {
			r.minScore = score
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Retriever) {
		if l != nil {
			r.logger = l
		}
	}
}

func New(store Store, opts ...Option) (*Retriever, error) {
	if store == nil {
		return nil, errors.New("retrieval: store must not be nil")
	}
	r := &Retriever{store: store, minScore: defaultMinScore, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

type searchResult struct {
	fragments []domain.ContextFragment
	err       error
}

// Retrieve returns up to k fragments for query. When ctx's deadline passes
// first, it returns whatever arrived so far together with ErrDeadlineExceeded.
func (r *Retriever) Retrieve(ctx context.Context, query string, k int) ([]domain.ContextFragment, error) {
	if k <= 0 {
		k = defaultK
	}
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if seq, ok := r.store.(SeqStore); ok {
		return r.retrieveSeq(ctx, seq, query, k)
	}

	done := make(chan searchResult, 1)
	go func() {
		frags, err := r.store.Search(ctx, query, k)
		done <- searchResult{fragments: frags, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, r.contextErr(ctx)
	case res := <-done:
		if res.err != nil {
			if ctx.Err() != nil {
				return nil, r.contextErr(ctx)
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, res.err)
		}
		return r.filter(res.fragments, k), nil
	}
}

func (r *Retriever) retrieveSeq(ctx context.Context, store SeqStore, query string, k int) ([]domain.ContextFragment, error) {
	items := make(chan searchResult)
	stop := make(chan struct{})
	defer close(stop)

	go func() {
		defer close(items)
		for frag, err := range store.SearchSeq(ctx, query, k) {
			res := searchResult{err: err}
			if err == nil {
				res.fragments = []domain.ContextFragment{frag}
			}
			select {
			case items <- res:
			case <-stop:
				return
			}
			if err != nil {
				return
			}
		}
	}()

	var got []domain.ContextFragment
	for {
		select {
		case <-ctx.Done():
			r.logger.Debug("retrieval cut short", "received", len(got), "err", ctx.Err())
			return r.filter(got, k), r.contextErr(ctx)
		case res, ok := <-items:
			if !ok {
				return r.filter(got, k), nil
			}
			if res.err != nil {
				if ctx.Err() != nil {
					return r.filter(got, k), r.contextErr(ctx)
				}
				return r.filter(got, k), fmt.Errorf("%w: %v", ErrUnavailable, res.err)
			}
			got = append(got, res.fragments...)
			if len(got) >= k {
				return r.filter(got, k), nil
			}
		}
	}
}

func (r *Retriever) contextErr(ctx context.Context) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return ErrDeadlineExceeded
	}
	return fmt.Errorf("retrieval: %w", ctx.Err())
}

func (r *Retriever) filter(in []domain.ContextFragment, k int) []domain.ContextFragment {
	out := make([]domain.ContextFragment, 0, min(len(in), k))
	for _, f := range in {
		if strings.TrimSpace(f.Text) == "" {
			continue
		}
		f.Source = domain.SourceVector
		f.Score = domain.ClampScore(f.Score)
		if f.Score < r.minScore {
			continue
		}
		out = append(out, f)
		if len(out) == k {
			break
		}
	}
	return out
}
