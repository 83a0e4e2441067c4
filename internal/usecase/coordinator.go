// Package usecase holds the request coordinator: it drives one chat turn
// through cache lookup, context gathering, generation, persistence and cache
// store, and returns a typed outcome.
package usecase

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"chat-orchestrator/internal/cache"
	"chat-orchestrator/internal/domain"
	"chat-orchestrator/internal/fingerprint"
	"chat-orchestrator/internal/retrieval"
	"chat-orchestrator/internal/websearch"
)

const (
	defaultTopK              = 5
	defaultContextBudget     = 4096
	defaultMaxMessageLen     = 4000
	defaultRetrievalTimeout  = 2 * time.Second
	defaultSearchTimeout     = 8 * time.Second
	defaultGenerationTimeout = 60 * time.Second
	defaultCacheTTL          = 120 * time.Second
	defaultAttempts          = 3
	defaultBaseBackoff       = 200 * time.Millisecond
	defaultMaxBackoff        = 2 * time.Second
)

// Stage names reported to the Recorder.
const (
	stageCacheLookup = "cache_lookup"
	stageRetrieve    = "retrieve"
	stageGenerate    = "generate"
	stagePersist     = "persist"
)

// Source call results reported to the Recorder.
const (
	sourceOK          = "ok"
	sourceTimeout     = "timeout"
	sourceError       = "error"
	sourceCircuitOpen = "circuit_open"
)

type ContextRetriever interface {
	Retrieve(ctx context.Context, query string, k int) ([]domain.ContextFragment, error)
}

type WebAugmenter interface {
	Search(ctx context.Context, query string) ([]domain.ContextFragment, error)
}

type ResponseCache interface {
	Get(ctx context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool)
	ComputeOnce(ctx context.Context, fp domain.Fingerprint, fn cache.ComputeFunc) (domain.CacheEntry, bool, error)
}

type Generator interface {
	Generate(ctx context.Context, req domain.GenerationRequest) (domain.GenerationResult, error)
	Stream(ctx context.Context, req domain.GenerationRequest) (*domain.Stream, error)
}

type ConversationWriter interface {
	Persist(ctx context.Context, turn domain.ConversationTurn, result domain.TurnResult) error
	LastSequence(ctx context.Context, conversationID string) (int64, error)
}

type Moderator interface {
	Moderate(ctx context.Context, input string) (bool, error)
}

// Recorder receives coordinator measurements.
type Recorder interface {
	Outcome(kind domain.OutcomeKind)
	Stage(stage string, d time.Duration)
	GenerationAttempt(result string)
	SourceResult(source domain.Source, result string)
}

type RetrySettings struct {
	Attempts    int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
}

// Settings configures the coordinator. Zero fields take defaults.
type Settings struct {
	SystemPrompt string
	// ModelVersion is folded into every fingerprint.
	ModelVersion      string
	Generation        domain.GenerationOptions
	Retry             RetrySettings
	TopK              int
	ContextBudget     int
	MaxMessageLen     int
	RetrievalTimeout  time.Duration
	SearchTimeout     time.Duration
	GenerationTimeout time.Duration
	CacheTTL          time.Duration
	DegradedTTL       time.Duration
	RequiredScope     string
}

func (s Settings) withDefaults() Settings {
	if s.TopK <= 0 {
		s.TopK = defaultTopK
	}
	if s.ContextBudget <= 0 {
		s.ContextBudget = defaultContextBudget
	}
	if s.MaxMessageLen <= 0 {
		s.MaxMessageLen = defaultMaxMessageLen
	}
	if s.RetrievalTimeout <= 0 {
		s.RetrievalTimeout = defaultRetrievalTimeout
	}
	if s.SearchTimeout <= 0 {
		s.SearchTimeout = defaultSearchTimeout
	}
	if s.GenerationTimeout <= 0 {
		s.GenerationTimeout = defaultGenerationTimeout
	}
	if s.CacheTTL <= 0 {
		s.CacheTTL = defaultCacheTTL
	}
	if s.DegradedTTL <= 0 || s.DegradedTTL > s.CacheTTL {
		s.DegradedTTL = s.CacheTTL
	}
	if s.Retry.Attempts <= 0 {
		s.Retry.Attempts = defaultAttempts
	}
	if s.Retry.BaseBackoff <= 0 {
		s.Retry.BaseBackoff = defaultBaseBackoff
	}
	if s.Retry.MaxBackoff < s.Retry.BaseBackoff {
		s.Retry.MaxBackoff = max(defaultMaxBackoff, s.Retry.BaseBackoff)
	}
	return s
}

// Dependencies are the collaborators of a Coordinator. Retriever and
// Augmenter may be nil when that context source is disabled.
type Dependencies struct {
	Retriever ContextRetriever
	Augmenter WebAugmenter
	Cache     ResponseCache
	Generator Generator
	Writer    ConversationWriter
}

type Coordinator struct {
	retriever ContextRetriever
	augmenter WebAugmenter
	cache     ResponseCache
	generator Generator
	writer    ConversationWriter
	moderator Moderator
	recorder  Recorder
	logger    *slog.Logger
	now       func() time.Time
	settings  Settings
	sources   []domain.Source

	lanes *lanes
}

type Option func(*Coordinator)

// WithModerator enables the moderation gate.
func WithModerator(m Moderator) Option {
	return func(c *Coordinator) { c.moderator = m }
}

func WithRecorder(r Recorder) Option {
	return func(c *Coordinator) {
		if r != nil {
			c.recorder = r
		}
	}
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) {
		if l != nil {
			c.logger = l
		}
	}
}

func WithClock(now func() time.Time) Option {
	return func(c *Coordinator) {
		if now != nil {
			c.now = now
		}
	}
}

func NewCoordinator(deps Dependencies, settings Settings, opts ...Option) (*Coordinator, error) {
	if deps.Cache == nil {
		return nil, errors.New("usecase: cache must not be nil")
	}
	if deps.Generator == nil {
		return nil, errors.New("usecase: generator must not be nil")
	}
	if deps.Writer == nil {
		return nil, errors.New("usecase: conversation writer must not be nil")
	}
	c := &Coordinator{
		retriever: deps.Retriever,
		augmenter: deps.Augmenter,
		cache:     deps.Cache,
		generator: deps.Generator,
		writer:    deps.Writer,
		recorder:  noopRecorder{},
		logger:    slog.Default(),
		now:       time.Now,
		settings:  settings.withDefaults(),
		lanes:     newLanes(),
	}
	if deps.Retriever != nil {
		c.sources = append(c.sources, domain.SourceVector)
	}
	if deps.Augmenter != nil {
		c.sources = append(c.sources, domain.SourceWeb)
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Handle orchestrates one turn. On failure the outcome has Kind
// OutcomeFailed and a Reason, and the error is an *Error.
func (c *Coordinator) Handle(ctx context.Context, turn domain.ConversationTurn) (domain.Outcome, error) {
	return c.handle(ctx, turn, nil)
}

// HandleStream is Handle with generated text relayed to w as it arrives.
// A cached answer is written to w in one piece.
func (c *Coordinator) HandleStream(ctx context.Context, turn domain.ConversationTurn, w io.Writer) (domain.Outcome, error) {
	if w == nil {
		return c.failed(turn, newError(ErrorInvalidInput, "nil_stream_writer", nil))
	}
	return c.handle(ctx, turn, w)
}

func (c *Coordinator) handle(ctx context.Context, turn domain.ConversationTurn, sink io.Writer) (domain.Outcome, error) {
	turn, uerr := c.prepare(turn)
	if uerr != nil {
		return c.failed(turn, uerr)
	}
	if uerr := c.moderate(ctx, turn.Message); uerr != nil {
		return c.failed(turn, uerr)
	}

	release, err := c.lanes.acquire(ctx, turn.ConversationID)
	if err != nil {
		return c.failed(turn, newError(ErrorCanceled, "lane_wait_canceled", err))
	}
	defer release()

	fp := fingerprint.Compute(fingerprint.Input{
		ConversationID: turn.ConversationID,
		Message:        turn.Message,
		Sources:        c.sources,
		ModelVersion:   c.settings.ModelVersion,
	})
	log := c.logger.With("conversation_id", turn.ConversationID, "fingerprint", fp.String())

	started := c.now()
	entry, hit := c.cache.Get(ctx, fp)
	c.recorder.Stage(stageCacheLookup, c.now().Sub(started))
	if hit {
		return c.served(log, turn, entry, sink)
	}

	var run turnRun
	entry, computed, err := c.cache.ComputeOnce(ctx, fp, func(ctx context.Context) (domain.CacheEntry, error) {
		return c.compute(ctx, log, turn, fp, sink, &run)
	})
	if err != nil {
		uerr := asError(err)
		log.Warn("turn failed", "code", uerr.Code, "reason", uerr.Reason, "err", err)
		return c.failed(turn, uerr)
	}
	if !computed {
		return c.served(log, turn, entry, sink)
	}

	kind := domain.OutcomeGenerated
	if entry.Degraded {
		kind = domain.OutcomeDegraded
	}
	out := domain.Outcome{
		Kind:           kind,
		ConversationID: turn.ConversationID,
		Sequence:       run.sequence,
		Answer:         entry.Response,
		Fingerprint:    fp,
		Sources:        entry.Fragments,
		Degradations:   run.degradations,
		Metadata:       run.metadata,
	}
	c.recorder.Outcome(kind)
	log.Info("turn completed", "sequence", run.sequence, "outcome", kind,
		"attempts", run.metadata.Attempts, "degradations", run.degradations)
	return out, nil
}

// turnRun carries what the computing caller learns beyond the cache entry.
// It is only read when ComputeOnce reports that this caller computed.
type turnRun struct {
	sequence     int64
	degradations []string
	metadata     domain.GenerationMetadata
}

func (c *Coordinator) compute(ctx context.Context, log *slog.Logger, turn domain.ConversationTurn, fp domain.Fingerprint, sink io.Writer, run *turnRun) (domain.CacheEntry, error) {
	last, err := c.writer.LastSequence(ctx, turn.ConversationID)
	if err != nil {
		if ctx.Err() != nil {
			return domain.CacheEntry{}, newError(ErrorCanceled, "request_canceled", ctx.Err())
		}
		return domain.CacheEntry{}, newError(ErrorInternal, "sequence_unavailable", err)
	}
	switch {
	case turn.Sequence == 0:
		turn = turn.WithSequence(last + 1)
	case turn.Sequence <= last:
		// Persisted order must follow sequence order.
		return domain.CacheEntry{}, newError(ErrorInvalidInput, "stale_sequence", nil)
	}
	run.sequence = turn.Sequence

	fragments, degradations := c.gather(ctx, turn.Message)
	if ctx.Err() != nil {
		return domain.CacheEntry{}, newError(ErrorCanceled, "request_canceled", ctx.Err())
	}
	run.degradations = degradations

	req := domain.GenerationRequest{
		Messages: buildPromptMessages(c.settings.SystemPrompt, fragments, turn.Message),
		Options:  c.settings.Generation,
	}
	res, err := c.generate(ctx, req, sink)
	if err != nil {
		return domain.CacheEntry{}, err
	}
	run.metadata = res.Metadata

	degraded := len(degradations) > 0
	kind := domain.OutcomeGenerated
	ttl := c.settings.CacheTTL
	if degraded {
		kind = domain.OutcomeDegraded
		ttl = c.settings.DegradedTTL
	}
	refs := fragmentRefs(fragments)

	started := c.now()
	err = c.writer.Persist(ctx, turn, domain.TurnResult{
		Answer:      res.Text,
		Fingerprint: fp,
		Provenance:  refs,
		Outcome:     kind,
		Metadata:    res.Metadata,
	})
	c.recorder.Stage(stagePersist, c.now().Sub(started))
	if err != nil {
		log.Warn("persist deferred", "code", ErrorPersistence, "sequence", turn.Sequence, "err", err)
	}

	return domain.CacheEntry{
		Fingerprint: fp,
		Response:    res.Text,
		Fragments:   refs,
		Degraded:    degraded,
		CreatedAt:   c.now(),
		TTL:         ttl,
	}, nil
}

// gather queries both context sources concurrently, each under its own
// deadline. Source failures never fail the turn; they come back as
// "<source>:<code>" degradation reasons.
func (c *Coordinator) gather(ctx context.Context, query string) ([]domain.ContextFragment, []string) {
	started := c.now()
	defer func() { c.recorder.Stage(stageRetrieve, c.now().Sub(started)) }()

	var (
		vector, web       []domain.ContextFragment
		vectorErr, webErr error
		g                 errgroup.Group
	)
	if c.retriever != nil {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, c.settings.RetrievalTimeout)
			defer cancel()
			vector, vectorErr = c.retriever.Retrieve(sctx, query, c.settings.TopK)
			return nil
		})
	}
	if c.augmenter != nil {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(ctx, c.settings.SearchTimeout)
			defer cancel()
			web, webErr = c.augmenter.Search(sctx, query)
			return nil
		})
	}
	_ = g.Wait()

	var degradations []string
	if c.retriever != nil {
		if code, result := classifySourceErr(vectorErr); code != "" {
			degradations = append(degradations, string(domain.SourceVector)+":"+string(code))
			c.recorder.SourceResult(domain.SourceVector, result)
			c.logger.Warn("context source degraded", "source", domain.SourceVector,
				"code", code, "fragments", len(vector), "err", vectorErr)
		} else {
			c.recorder.SourceResult(domain.SourceVector, sourceOK)
		}
	}
	if c.augmenter != nil {
		if code, result := classifySourceErr(webErr); code != "" {
			web = nil
			degradations = append(degradations, string(domain.SourceWeb)+":"+string(code))
			c.recorder.SourceResult(domain.SourceWeb, result)
			c.logger.Warn("context source degraded", "source", domain.SourceWeb, "code", code, "err", webErr)
		} else {
			c.recorder.SourceResult(domain.SourceWeb, sourceOK)
		}
	}

	return mergeFragments(vector, web, c.settings.ContextBudget), degradations
}

func classifySourceErr(err error) (ErrorCode, string) {
	switch {
	case err == nil:
		return "", sourceOK
	case errors.Is(err, websearch.ErrCircuitOpen):
		return ErrorSearchCircuitOpen, sourceCircuitOpen
	case errors.Is(err, retrieval.ErrDeadlineExceeded),
		errors.Is(err, websearch.ErrTimeout),
		errors.Is(err, context.DeadlineExceeded):
		return ErrorRetrievalTimeout, sourceTimeout
	default:
		return ErrorRetrieval, sourceError
	}
}

func (c *Coordinator) prepare(turn domain.ConversationTurn) (domain.ConversationTurn, *Error) {
	turn.Message = strings.TrimSpace(turn.Message)
	turn.ConversationID = strings.TrimSpace(turn.ConversationID)
	if turn.Message == "" {
		return turn, newError(ErrorInvalidInput, "empty_message", nil)
	}
	if utf8.RuneCountInString(turn.Message) > c.settings.MaxMessageLen {
		return turn, newError(ErrorInvalidInput, "message_too_long", nil)
	}
	if turn.Sequence < 0 {
		return turn, newError(ErrorInvalidInput, "negative_sequence", nil)
	}
	if c.settings.RequiredScope != "" && !turn.Caller.HasScope(c.settings.RequiredScope) {
		return turn, newError(ErrorPermissionDenied, "missing_scope", nil)
	}
	if turn.ConversationID == "" {
		turn.ConversationID = newUUID()
	}
	if turn.Timestamp.IsZero() {
		turn.Timestamp = c.now()
	}
	return turn, nil
}

// moderate fails the turn for flagged input. A moderation outage is logged
// and the turn proceeds.
func (c *Coordinator) moderate(ctx context.Context, message string) *Error {
	if c.moderator == nil {
		return nil
	}
	flagged, err := c.moderator.Moderate(ctx, message)
	if err != nil {
		if ctx.Err() != nil {
			return newError(ErrorCanceled, "request_canceled", ctx.Err())
		}
		c.logger.Warn("moderation unavailable, continuing", "err", err)
		return nil
	}
	if flagged {
		return newError(ErrorInvalidQuestion, "moderation_flagged", nil)
	}
	return nil
}

func (c *Coordinator) served(log *slog.Logger, turn domain.ConversationTurn, entry domain.CacheEntry, sink io.Writer) (domain.Outcome, error) {
	if sink != nil {
		if _, err := io.WriteString(sink, entry.Response); err != nil {
			log.Warn("relay cached answer", "err", err)
		}
	}
	c.recorder.Outcome(domain.OutcomeCached)
	log.Info("turn served from cache", "outcome", domain.OutcomeCached)
	return domain.Outcome{
		Kind:           domain.OutcomeCached,
		ConversationID: turn.ConversationID,
		Sequence:       turn.Sequence,
		Answer:         entry.Response,
		Fingerprint:    entry.Fingerprint,
		Sources:        entry.Fragments,
	}, nil
}

func (c *Coordinator) failed(turn domain.ConversationTurn, uerr *Error) (domain.Outcome, error) {
	c.recorder.Outcome(domain.OutcomeFailed)
	return domain.Outcome{
		Kind:           domain.OutcomeFailed,
		ConversationID: turn.ConversationID,
		Sequence:       turn.Sequence,
		Reason:         string(uerr.Code) + "/" + uerr.Reason,
	}, uerr
}

type noopRecorder struct{}

func (noopRecorder) Outcome(domain.OutcomeKind)         {}
func (noopRecorder) Stage(string, time.Duration)        {}
func (noopRecorder) GenerationAttempt(string)           {}
func (noopRecorder) SourceResult(domain.Source, string) {}

var newUUID = func() string {
	return uuid.NewString()
}
