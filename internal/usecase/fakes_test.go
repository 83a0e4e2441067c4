package usecase

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-orchestrator/internal/cache"
	"chat-orchestrator/internal/domain"
)

type fakeRetriever struct {
	fragments []domain.ContextFragment
	err       error
	block     bool
}

func (f *fakeRetriever) Retrieve(ctx context.Context, _ string, _ int) ([]domain.ContextFragment, error) {
	if f.block {
		<-ctx.Done()
		return f.fragments, f.err
	}
	return f.fragments, f.err
}

type fakeAugmenter struct {
	fragments []domain.ContextFragment
	err       error
	block     bool
}

func (f *fakeAugmenter) Search(ctx context.Context, _ string) ([]domain.ContextFragment, error) {
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.fragments, f.err
}

type genResponse struct {
	text   string
	err    error
	chunks []string
	// failAfter yields err after chunks instead of finishing the stream.
	failAfter bool
}

// fakeGenerator echoes the context prompt unless responses are scripted.
type fakeGenerator struct {
	mu        sync.Mutex
	responses []genResponse
	calls     int
	requests  []domain.GenerationRequest
	gate      chan struct{}
}

func (g *fakeGenerator) next(req domain.GenerationRequest) genResponse {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	g.requests = append(g.requests, req)
	if len(g.responses) == 0 {
		return genResponse{text: "Answer. " + req.Messages[1].Content}
	}
	idx := min(g.calls-1, len(g.responses)-1)
	return g.responses[idx]
}

func (g *fakeGenerator) wait(ctx context.Context) error {
	if g.gate == nil {
		return nil
	}
	select {
	case <-g.gate:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (g *fakeGenerator) Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error) {
	if err := g.wait(ctx); err != nil {
		return domain.GenerationResult{}, err
	}
	r := g.next(req)
	if r.err != nil {
		return domain.GenerationResult{}, r.err
	}
	return domain.GenerationResult{Text: r.text, Metadata: domain.GenerationMetadata{Model: "fake"}}, nil
}

func (g *fakeGenerator) Stream(ctx context.Context, req domain.GenerationRequest) (*domain.Stream, error) {
	if err := g.wait(ctx); err != nil {
		return nil, err
	}
	r := g.next(req)
	if r.err != nil && !r.failAfter {
		return nil, r.err
	}
	chunks := r.chunks
	if chunks == nil {
		chunks = []string{r.text}
	}
	seq := iter.Seq2[string, error](func(yield func(string, error) bool) {
		for _, c := range chunks {
			if !yield(c, nil) {
				return
			}
		}
		if r.failAfter {
			yield("", r.err)
		}
	})
	return domain.NewStream(seq, domain.WithMetadata(func() domain.GenerationMetadata {
		return domain.GenerationMetadata{Model: "fake"}
	})), nil
}

func (g *fakeGenerator) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

func (g *fakeGenerator) lastRequest() domain.GenerationRequest {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.requests[len(g.requests)-1]
}

type fakeWriter struct {
	mu        sync.Mutex
	persisted []domain.ConversationTurn
	results   []domain.TurnResult
	last      map[string]int64
	err       error
	seqErr    error
}

func (w *fakeWriter) Persist(_ context.Context, turn domain.ConversationTurn, result domain.TurnResult) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.persisted = append(w.persisted, turn)
	w.results = append(w.results, result)
	if w.last == nil {
		w.last = make(map[string]int64)
	}
	w.last[turn.ConversationID] = max(w.last[turn.ConversationID], turn.Sequence)
	return nil
}

func (w *fakeWriter) LastSequence(_ context.Context, id string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seqErr != nil {
		return 0, w.seqErr
	}
	return w.last[id], nil
}

func (w *fakeWriter) sequences(id string) []int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	var out []int64
	for _, t := range w.persisted {
		if t.ConversationID == id {
			out = append(out, t.Sequence)
		}
	}
	return out
}

func (w *fakeWriter) count() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.persisted)
}

type fakeModerator struct {
	flagged bool
	err     error
}

func (m *fakeModerator) Moderate(context.Context, string) (bool, error) {
	return m.flagged, m.err
}

type statusErr int

func (s statusErr) Error() string       { return "upstream status" }
func (s statusErr) HTTPStatusCode() int { return int(s) }

type countingRecorder struct {
	mu       sync.Mutex
	outcomes map[domain.OutcomeKind]int
	attempts map[string]int
	sources  map[string]int
}

func newCountingRecorder() *countingRecorder {
	return &countingRecorder{
		outcomes: make(map[domain.OutcomeKind]int),
		attempts: make(map[string]int),
		sources:  make(map[string]int),
	}
}

func (r *countingRecorder) Outcome(kind domain.OutcomeKind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outcomes[kind]++
}

func (r *countingRecorder) Stage(string, time.Duration) {}

func (r *countingRecorder) GenerationAttempt(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.attempts[result]++
}

func (r *countingRecorder) SourceResult(source domain.Source, result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sources[string(source)+":"+result]++
}

type harness struct {
	retriever *fakeRetriever
	augmenter *fakeAugmenter
	generator *fakeGenerator
	writer    *fakeWriter
	backend   *cache.MemoryBackend
	cache     *cache.Cache
	recorder  *countingRecorder
}

var fastSettings = Settings{
	ModelVersion:      "test-model/v1",
	RetrievalTimeout:  50 * time.Millisecond,
	SearchTimeout:     50 * time.Millisecond,
	GenerationTimeout: time.Second,
	CacheTTL:          time.Minute,
	DegradedTTL:       10 * time.Second,
	Retry: RetrySettings{
		Attempts:    3,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  2 * time.Millisecond,
	},
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	backend, err := cache.NewMemoryBackend(64)
	require.NoError(t, err)
	c, err := cache.New(backend)
	require.NoError(t, err)
	return &harness{
		retriever: &fakeRetriever{},
		augmenter: &fakeAugmenter{},
		generator: &fakeGenerator{},
		writer:    &fakeWriter{},
		backend:   backend,
		cache:     c,
		recorder:  newCountingRecorder(),
	}
}

func (h *harness) coordinator(t *testing.T, settings Settings, opts ...Option) *Coordinator {
	t.Helper()
	opts = append([]Option{WithRecorder(h.recorder)}, opts...)
	c, err := NewCoordinator(Dependencies{
		Retriever: h.retriever,
		Augmenter: h.augmenter,
		Cache:     h.cache,
		Generator: h.generator,
		Writer:    h.writer,
	}, settings, opts...)
	require.NoError(t, err)
	return c
}

func newTurn(convID, message string) domain.ConversationTurn {
	return domain.ConversationTurn{
		ConversationID: convID,
		Message:        message,
		Caller:         domain.Caller{ID: "user-1", Scopes: []string{"chat"}},
	}
}

func requireCode(t *testing.T, err error, code ErrorCode) *Error {
	t.Helper()
	var uerr *Error
	require.True(t, errors.As(err, &uerr), "expected *Error, got %v", err)
	require.Equal(t, code, uerr.Code)
	return uerr
}

func userPrompt(req domain.GenerationRequest) string {
	return req.Messages[len(req.Messages)-1].Content
}

func contextPrompt(req domain.GenerationRequest) string {
	for _, m := range req.Messages {
		if strings.HasPrefix(m.Content, "Context:") {
			return m.Content
		}
	}
	return ""
}
