// Package conversation persists finished exchanges. Writes are attempted
// inline once; anything that cannot be written is queued per conversation and
// retried in the background so the stored order always follows sequence order.
package conversation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"chat-orchestrator/internal/domain"
)

// ErrPersistence marks a turn that was not durably written by Persist. The
// record is kept in the outbox and retried.
var ErrPersistence = errors.New("conversation: persistence deferred")

// ErrClosed is returned by Persist after Close.
var ErrClosed = errors.New("conversation: writer closed")

// Store is the append-only conversation store.
type Store interface {
	AppendTurn(ctx context.Context, rec domain.TurnRecord) error
	LastSequence(ctx context.Context, conversationID string) (int64, error)
}

// Recorder receives outbox events.
type Recorder interface {
	PersistFailed()
	PersistPending(delta int)
}

// Settings tunes the writer. Zero fields take defaults.
type Settings struct {
	Timeout     time.Duration
	MaxAttempts int
	BaseBackoff time.Duration
	MaxBackoff  time.Duration
	MemoSize    int
}

const (
	defaultTimeout     = 3 * time.Second
	defaultMaxAttempts = 5
	defaultBaseBackoff = 250 * time.Millisecond
	defaultMaxBackoff  = 10 * time.Second
	defaultMemoSize    = 4096
)

func (s Settings) withDefaults() Settings {
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.MaxAttempts <= 0 {
		s.MaxAttempts = defaultMaxAttempts
	}
	if s.BaseBackoff <= 0 {
		s.BaseBackoff = defaultBaseBackoff
	}
	if s.MaxBackoff < s.BaseBackoff {
		s.MaxBackoff = max(defaultMaxBackoff, s.BaseBackoff)
	}
	if s.MemoSize <= 0 {
		s.MemoSize = defaultMemoSize
	}
	return s
}

// lane is the per-conversation write state. It exists only while a write for
// the conversation is in progress or records are queued.
type lane struct {
	pending  []domain.TurnRecord
	draining bool
}

type Writer struct {
	store    Store
	settings Settings
	logger   *slog.Logger
	recorder Recorder
	now      func() time.Time

	mu     sync.Mutex
	lanes  map[string]*lane
	closed bool
	// memo holds the highest sequence accepted per conversation. It is a
	// floor for LastSequence and a fallback when the store is unreachable.
	memo *lru.Cache[string, int64]

	drains sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
}

type Option func(*Writer)

func WithLogger(l *slog.Logger) Option {
	return func(w *Writer) {
		if l != nil {
			w.logger = l
		}
	}
}

func WithRecorder(r Recorder) Option {
	return func(w *Writer) { w.recorder = r }
}

// WithClock overrides the timestamp used for records without one.
func WithClock(now func() time.Time) Option {
	return func(w *Writer) {
		if now != nil {
			w.now = now
		}
	}
}

func NewWriter(store Store, settings Settings, opts ...Option) (*Writer, error) {
	if store == nil {
		return nil, errors.New("conversation: store must not be nil")
	}
	settings = settings.withDefaults()
	memo, err := lru.New[string, int64](settings.MemoSize)
	if err != nil {
		return nil, fmt.Errorf("conversation: sequence memo: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	w := &Writer{
		store:    store,
		settings: settings,
		logger:   slog.Default(),
		now:      time.Now,
		lanes:    make(map[string]*lane),
		memo:     memo,
		ctx:      ctx,
		cancel:   cancel,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Record builds the stored form of a finished turn.
func (w *Writer) Record(turn domain.ConversationTurn, result domain.TurnResult) domain.TurnRecord {
	created := turn.Timestamp
	if created.IsZero() {
		created = w.now()
	}
	return domain.TurnRecord{
		ConversationID:   turn.ConversationID,
		Sequence:         turn.Sequence,
		CallerID:         turn.Caller.ID,
		UserMessage:      turn.Message,
		Response:         result.Answer,
		Provenance:       append([]domain.FragmentRef(nil), result.Provenance...),
		Fingerprint:      result.Fingerprint,
		Outcome:          result.Outcome,
		Model:            result.Metadata.Model,
		PromptTokens:     result.Metadata.PromptTokens,
		CompletionTokens: result.Metadata.CompletionTokens,
		CreatedAt:        created.UTC(),
	}
}

// Persist writes the turn. A nil error means the record is stored. An error
// wrapping ErrPersistence means the record is queued and will be retried;
// the caller must not retry it.
func (w *Writer) Persist(ctx context.Context, turn domain.ConversationTurn, result domain.TurnResult) error {
	if turn.ConversationID == "" || turn.Sequence <= 0 {
		return errors.New("conversation: Persist: conversation id and positive sequence are required")
	}
	rec := w.Record(turn, result)
	id := rec.ConversationID

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return ErrClosed
	}
	w.noteSequenceLocked(id, rec.Sequence)
	if l, busy := w.lanes[id]; busy {
		l.pending = append(l.pending, rec)
		n := len(l.pending)
		w.mu.Unlock()
		w.pendingDelta(1)
		return fmt.Errorf("%w: queued behind %d earlier turns", ErrPersistence, n-1)
	}
	l := &lane{}
	w.lanes[id] = l
	w.mu.Unlock()

	writeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), w.settings.Timeout)
	err := w.store.AppendTurn(writeCtx, rec)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	if err == nil {
		if len(l.pending) == 0 {
			delete(w.lanes, id)
		} else {
			w.startDrainLocked(id, l)
		}
		return nil
	}

	l.pending = append([]domain.TurnRecord{rec}, l.pending...)
	w.pendingDelta(1)
	w.startDrainLocked(id, l)
	w.logger.Warn("persist failed, queued for retry",
		"conversation_id", id, "sequence", rec.Sequence, "err", err)
	return fmt.Errorf("%w: %w", ErrPersistence, err)
}

// LastSequence returns the highest sequence known for the conversation,
// counting records still waiting in the outbox. The store read is bounded by
// the persist timeout.
func (w *Writer) LastSequence(ctx context.Context, conversationID string) (int64, error) {
	readCtx, cancel := context.WithTimeout(ctx, w.settings.Timeout)
	stored, err := w.store.LastSequence(readCtx, conversationID)
	cancel()

	w.mu.Lock()
	defer w.mu.Unlock()
	floor, known := w.memo.Get(conversationID)
	if err != nil {
		if !known {
			return 0, fmt.Errorf("conversation: LastSequence: %w", err)
		}
		w.logger.Warn("last sequence lookup failed, using memo",
			"conversation_id", conversationID, "sequence", floor, "err", err)
		return floor, nil
	}
	seq := max(stored, floor)
	w.memo.Add(conversationID, seq)
	return seq, nil
}

// Pending reports how many records are queued for retry.
func (w *Writer) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	n := 0
	for _, l := range w.lanes {
		n += len(l.pending)
	}
	return n
}

// Close stops accepting records and waits for queued ones to drain. If ctx
// ends first the remaining retries are abandoned and ctx.Err is returned.
func (w *Writer) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.drains.Wait()
		close(done)
	}()
	select {
	case <-done:
		w.cancel()
		return nil
	case <-ctx.Done():
		w.cancel()
		<-done
		return ctx.Err()
	}
}

func (w *Writer) noteSequenceLocked(id string, seq int64) {
	if cur, ok := w.memo.Get(id); ok && cur >= seq {
		return
	}
	w.memo.Add(id, seq)
}

func (w *Writer) startDrainLocked(id string, l *lane) {
	if l.draining {
		return
	}
	l.draining = true
	w.drains.Add(1)
	go w.drain(id, l)
}

// drain writes queued records for one conversation in order. A record that
// exhausts its attempts is dropped and logged so later turns are not blocked
// forever.
func (w *Writer) drain(id string, l *lane) {
	defer w.drains.Done()
	for {
		w.mu.Lock()
		if len(l.pending) == 0 {
			delete(w.lanes, id)
			w.mu.Unlock()
			return
		}
		rec := l.pending[0]
		w.mu.Unlock()

		err := w.writeWithRetry(rec)

		w.mu.Lock()
		l.pending = l.pending[1:]
		w.mu.Unlock()
		w.pendingDelta(-1)

		if err != nil {
			if w.recorder != nil {
				w.recorder.PersistFailed()
			}
			w.logger.Error("turn dropped after retries",
				"conversation_id", id, "sequence", rec.Sequence,
				"attempts", w.settings.MaxAttempts, "err", err)
		}
	}
}

func (w *Writer) writeWithRetry(rec domain.TurnRecord) error {
	var err error
	for attempt := 1; attempt <= w.settings.MaxAttempts; attempt++ {
		if attempt > 1 {
			if werr := w.sleep(backoff(w.settings.BaseBackoff, w.settings.MaxBackoff, attempt-1)); werr != nil {
				return fmt.Errorf("%w (last error: %v)", werr, err)
			}
		}
		ctx, cancel := context.WithTimeout(w.ctx, w.settings.Timeout)
		err = w.store.AppendTurn(ctx, rec)
		cancel()
		if err == nil {
			return nil
		}
		w.logger.Debug("persist retry failed",
			"conversation_id", rec.ConversationID, "sequence", rec.Sequence, "attempt", attempt, "err", err)
	}
	return err
}

func (w *Writer) sleep(d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-w.ctx.Done():
		return w.ctx.Err()
	case <-t.C:
		return nil
	}
}

func (w *Writer) pendingDelta(delta int) {
	if w.recorder != nil {
		w.recorder.PersistPending(delta)
	}
}

// backoff returns base doubled n-1 times, capped at limit.
func backoff(base, limit time.Duration, n int) time.Duration {
	d := base
	for i := 1; i < n && d < limit; i++ {
		d *= 2
	}
	return min(d, limit)
}
