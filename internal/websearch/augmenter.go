// Package websearch implements the Web Augmenter: supplementary facts from an
// external search provider, isolated behind a process-wide circuit breaker.
package websearch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/sony/gobreaker/v2"

	"chat-orchestrator/internal/domain"
)

var (
	// ErrCircuitOpen is returned without contacting the provider while the
	// breaker is open or its single trial call is already in flight.
	ErrCircuitOpen = errors.New("websearch: circuit open")
	ErrTimeout     = errors.New("websearch: timeout")
	ErrUnavailable = errors.New("websearch: provider unavailable")
)

// Result is one provider hit. Score is zero when the provider does not rank.
type Result struct {
	Title   string
	URL     string
	Snippet string
	Score   float64
}

// Provider is a query-by-text search collaborator.
type Provider interface {
	Search(ctx context.Context, query string, limit int) ([]Result, error)
}

// StateRecorder observes breaker transitions.
type StateRecorder interface {
	BreakerState(state string)
}

// Settings configure the augmenter. Zero values take defaults.
type Settings struct {
	// Threshold is the run of consecutive failures that opens the breaker.
	Threshold uint32
	// Cooldown is how long the breaker stays open before a trial call.
	Cooldown time.Duration
	// Timeout bounds each provider call.
	Timeout    time.Duration
	MaxResults int
}

const (
	defaultThreshold  = 5
	defaultCooldown   = 60 * time.Second
	defaultTimeout    = 8 * time.Second
	defaultMaxResults = 5
)

func (s Settings) withDefaults() Settings {
	if s.Threshold == 0 {
		s.Threshold = defaultThreshold
	}
	if s.Cooldown <= 0 {
		s.Cooldown = defaultCooldown
	}
	if s.Timeout <= 0 {
		s.Timeout = defaultTimeout
	}
	if s.MaxResults <= 0 {
		s.MaxResults = defaultMaxResults
	}
	return s
}

type Augmenter struct {
	provider Provider
	settings Settings
	breaker  *gobreaker.CircuitBreaker[[]domain.ContextFragment]
	logger   *slog.Logger
	recorder StateRecorder

	// failures is the run of consecutive provider failures. Calls the caller
	// abandoned leave it untouched.
	failures atomic.Uint32
}

type Option func(*Augmenter)

func WithLogger(l *slog.Logger) Option {
	return func(a *Augmenter) {
		if l != nil {
			a.logger = l
		}
	}
}

func WithStateRecorder(r StateRecorder) Option {
	return func(a *Augmenter) { a.recorder = r }
}

// New returns an Augmenter whose breaker starts closed. The breaker lives as
// long as the Augmenter; share one Augmenter across all orchestrations.
func New(provider Provider, settings Settings, opts ...Option) (*Augmenter, error) {
	if provider == nil {
		return nil, errors.New("websearch: provider must not be nil")
	}
	a := &Augmenter{
		provider: provider,
		settings: settings.withDefaults(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}

	threshold := a.settings.Threshold
	a.breaker = gobreaker.NewCircuitBreaker[[]domain.ContextFragment](gobreaker.Settings{
		Name:        "websearch",
		MaxRequests: 1,
		Timeout:     a.settings.Cooldown,
		ReadyToTrip: func(gobreaker.Counts) bool {
			return a.failures.Load() >= threshold
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			a.failures.Store(0)
			level := slog.LevelInfo
			if to == gobreaker.StateOpen {
				level = slog.LevelWarn
			}
			a.logger.Log(context.Background(), level, "circuit breaker state change", "breaker", name, "from", from.String(), "to", to.String())
			if a.recorder != nil {
				a.recorder.BreakerState(to.String())
			}
		},
		IsSuccessful: a.settle,
	})
	if a.recorder != nil {
		a.recorder.BreakerState(gobreaker.StateClosed.String())
	}
	return a, nil
}

// settle classifies a finished provider call for the breaker. A canceled call
// proves nothing about the provider: while closed it leaves the failure run
// alone, and as the half-open trial it re-opens the breaker for another
// cooldown instead of closing it.
func (a *Augmenter) settle(err error) bool {
	switch {
	case err == nil:
		a.failures.Store(0)
		return true
	case errors.Is(err, context.Canceled):
		return a.breaker.State() != gobreaker.StateHalfOpen
	default:
		a.failures.Add(1)
		return false
	}
}

// State reports the breaker state: "closed", "half-open" or "open".
func (a *Augmenter) State() string {
	return a.breaker.State().String()
}

// Search queries the provider through the breaker and converts hits to
// web fragments with scores in [0, 1].
func (a *Augmenter) Search(ctx context.Context, query string) ([]domain.ContextFragment, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, nil
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	frags, err := a.breaker.Execute(func() ([]domain.ContextFragment, error) {
		callCtx, cancel := context.WithTimeout(ctx, a.settings.Timeout)
		defer cancel()

		results, err := a.provider.Search(callCtx, query, a.settings.MaxResults)
		if err != nil {
			if errors.Is(callCtx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
				return nil, fmt.Errorf("%w: %w", ErrTimeout, context.DeadlineExceeded)
			}
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
		return toFragments(results, a.settings.MaxResults), nil
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, ErrCircuitOpen
	}
	if err != nil {
		return nil, err
	}
	return frags, nil
}

// toFragments de-duplicates by URL and normalises scores: provider scores are
// divided by the best score; unscored results decay by rank.
func toFragments(results []Result, limit int) []domain.ContextFragment {
	var best float64
	for _, r := range results {
		best = max(best, r.Score)
	}

	seen := make(map[string]struct{}, len(results))
	out := make([]domain.ContextFragment, 0, min(len(results), limit))
	for rank, r := range results {
		text := fragmentText(r)
		if text == "" {
			continue
		}
		url := strings.TrimSpace(r.URL)
		if url != "" {
			if _, dup := seen[url]; dup {
				continue
			}
			seen[url] = struct{}{}
		}

		score := 1 / float64(rank+1)
		if best > 0 {
			score = r.Score / best
		}
		out = append(out, domain.ContextFragment{
			Source: domain.SourceWeb,
			Text:   text,
			Score:  domain.ClampScore(score),
			Origin: url,
		})
		if len(out) == limit {
			break
		}
	}
	return out
}

func fragmentText(r Result) string {
	title := strings.TrimSpace(r.Title)
	snippet := strings.TrimSpace(r.Snippet)
	switch {
	case title == "":
		return snippet
	case snippet == "":
		return title
	default:
		return title + ": " + snippet
	}
}
