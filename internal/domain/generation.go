package domain

import (
	"errors"
	"iter"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// GenerationOptions enumerates the generation knobs the orchestrator sets.
type GenerationOptions struct {
	Temperature float64
	TopP        float64
	MaxTokens   int
	Stop        []string
	Stream      bool
}

// GenerationRequest is the assembled prompt plus options for one call.
type GenerationRequest struct {
	Messages []ChatMessage
	Options  GenerationOptions
}

// Clone returns a copy that shares no slices with r.
func (r GenerationRequest) Clone() GenerationRequest {
	r.Messages = slices.Clone(r.Messages)
	r.Options.Stop = slices.Clone(r.Options.Stop)
	return r
}

// GenerationMetadata describes a completed generation.
type GenerationMetadata struct {
	Model            string
	FinishReason     string
	PromptTokens     int
	CompletionTokens int
	Latency          time.Duration
	Attempts         int
}

// GenerationResult is the model output plus metadata.
type GenerationResult struct {
	Text     string
	Metadata GenerationMetadata
}

// ErrStreamConsumed is yielded when a stream is ranged over a second time.
var ErrStreamConsumed = errors.New("domain: stream already consumed")

// Stream is a finite, non-restartable sequence of text increments.
// Close cancels an unfinished stream and is safe to call more than once.
type Stream struct {
	seq      iter.Seq2[string, error]
	closer   func() error
	metadata func() GenerationMetadata

	used      atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

type StreamOption func(*Stream)

// WithCloser registers the function that releases the underlying transport.
func WithCloser(fn func() error) StreamOption {
	return func(s *Stream) { s.closer = fn }
}

// WithMetadata registers a function reporting metadata once the stream ends.
func WithMetadata(fn func() GenerationMetadata) StreamOption {
	return func(s *Stream) { s.metadata = fn }
}

func NewStream(seq iter.Seq2[string, error], opts ...StreamOption) *Stream {
	s := &Stream{seq: seq}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Chunks returns the increments. Only the first range over the returned
// sequence produces data; later ranges yield ErrStreamConsumed.
// The stream is closed when iteration stops for any reason.
func (s *Stream) Chunks() iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		if !s.used.CompareAndSwap(false, true) {
			yield("", ErrStreamConsumed)
			return
		}
		defer func() { _ = s.Close() }()
		if s.seq == nil {
			return
		}
		for chunk, err := range s.seq {
			if !yield(chunk, err) || err != nil {
				return
			}
		}
	}
}

func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.closer != nil {
			s.closeErr = s.closer()
		}
	})
	return s.closeErr
}

// Metadata returns whatever the producer reported; meaningful after the
// sequence is exhausted.
func (s *Stream) Metadata() GenerationMetadata {
	if s.metadata == nil {
		return GenerationMetadata{}
	}
	return s.metadata()
}
