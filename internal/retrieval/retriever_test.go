package retrieval

import (
	"context"
	"errors"
	"iter"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-orchestrator/internal/domain"
)

type fakeStore struct {
	fragments []domain.ContextFragment
	err       error
	delay     time.Duration
	gotK      int
}

func (f *fakeStore) Search(ctx context.Context, _ string, k int) ([]domain.ContextFragment, error) {
	f.gotK = k
	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return f.fragments, f.err
}

// seqStore yields its fragments one at a time, pausing before each index in slowFrom onward.
type seqStore struct {
	fakeStore
	slowFrom int
}

func (s *seqStore) SearchSeq(ctx context.Context, _ string, _ int) iter.Seq2[domain.ContextFragment, error] {
	return func(yield func(domain.ContextFragment, error) bool) {
		for i, f := range s.fragments {
			if i >= s.slowFrom {
				select {
				case <-time.After(time.Second):
				case <-ctx.Done():
					yield(domain.ContextFragment{}, ctx.Err())
					return
				}
			}
			if !yield(f, nil) {
				return
			}
		}
		if s.err != nil {
			yield(domain.ContextFragment{}, s.err)
		}
	}
}

func frag(text string, score float64) domain.ContextFragment {
	return domain.ContextFragment{Text: text, Score: score, Origin: "doc-" + text}
}

func TestNew_NilStore(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestRetrieve_FiltersAndTags(t *testing.T) {
	store := &fakeStore{fragments: []domain.ContextFragment{
		frag("a", 0.9),
		frag("b", 0.2),
		frag("c", 1.7),
		{Text: "  ", Score: 0.9},
	}}
	r, err := New(store)
	require.NoError(t, err)

	got, err := r.Retrieve(context.Background(), "query", 5)
	require.NoError(t, err)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Text)
	require.Equal(t, domain.SourceVector, got[0].Source)
	require.Equal(t, 1.0, got[1].Score)
}

func TestRetrieve_DefaultK(t *testing.T) {
	store := &fakeStore{}
	r, err := New(store)
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "q", 0)
	require.NoError(t, err)
	require.Equal(t, 5, store.gotK)
}

func TestRetrieve_EmptyQuery(t *testing.T) {
	store := &fakeStore{fragments: []domain.ContextFragment{frag("a", 0.9)}}
	r, err := New(store)
	require.NoError(t, err)
	got, err := r.Retrieve(context.Background(), "   ", 5)
	require.NoError(t, err)
	require.Empty(t, got)
}

func TestRetrieve_StoreErrorIsUnavailable(t *testing.T) {
	r, err := New(&fakeStore{err: errors.New("connection refused")})
	require.NoError(t, err)
	_, err = r.Retrieve(context.Background(), "q", 5)
	require.ErrorIs(t, err, ErrUnavailable)
	require.NotErrorIs(t, err, ErrDeadlineExceeded)
}

func TestRetrieve_SlowStoreHitsDeadline(t *testing.T) {
	r, err := New(&fakeStore{fragments: []domain.ContextFragment{frag("a", 0.9)}, delay: time.Second})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	start := time.Now()
	got, err := r.Retrieve(ctx, "q", 5)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.Empty(t, got)
	require.Less(t, time.Since(start), 500*time.Millisecond)
}

func TestRetrieve_CanceledIsNotDeadline(t *testing.T) {
	r, err := New(&fakeStore{delay: time.Second})
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = r.Retrieve(ctx, "q", 5)
	require.ErrorIs(t, err, context.Canceled)
	require.NotErrorIs(t, err, ErrDeadlineExceeded)
}

func TestRetrieve_SeqStoreReturnsPartialOnDeadline(t *testing.T) {
	store := &seqStore{
		fakeStore: fakeStore{fragments: []domain.ContextFragment{frag("a", 0.9), frag("b", 0.8), frag("c", 0.7)}},
		slowFrom:  2,
	}
	r, err := New(store)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	got, err := r.Retrieve(ctx, "q", 5)
	require.ErrorIs(t, err, ErrDeadlineExceeded)
	require.Len(t, got, 2)
	require.Equal(t, "a", got[0].Text)
	require.Equal(t, "b", got[1].Text)
}

func TestRetrieve_SeqStoreCompletes(t *testing.T) {
	store := &seqStore{
		fakeStore: fakeStore{fragments: []domain.ContextFragment{frag("a", 0.9), frag("b", 0.8)}},
		slowFrom:  10,
	}
	r, err := New(store)
	require.NoError(t, err)
	got, err := r.Retrieve(context.Background(), "q", 1)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestRetrieve_SeqStoreErrorKeepsReceived(t *testing.T) {
	store := &seqStore{
		fakeStore: fakeStore{fragments: []domain.ContextFragment{frag("a", 0.9)}, err: errors.New("broken pipe")},
		slowFrom:  10,
	}
	r, err := New(store)
	require.NoError(t, err)
	got, err := r.Retrieve(context.Background(), "q", 5)
	require.ErrorIs(t, err, ErrUnavailable)
	require.Len(t, got, 1)
}

func TestRetrieve_MinScoreOption(t *testing.T) {
	r, err := New(&fakeStore{fragments: []domain.ContextFragment{frag("a", 0.3)}}, WithMinScore(0.1))
	require.NoError(t, err)
	got, err := r.Retrieve(context.Background(), "q", 5)
	require.NoError(t, err)
	require.Len(t, got, 1)
}
