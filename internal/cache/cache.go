// Package cache implements the response cache: fingerprint-addressed entries
// that become visible only after a computation fully succeeds, with at most
// one computation per fingerprint in flight.
package cache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"chat-orchestrator/internal/domain"
)

// ErrCorrupt is returned by backends for entries that fail to decode.
var ErrCorrupt = errors.New("cache: corrupt entry")

const (
	defaultClaimTTL     = 2 * time.Minute
	defaultPollInterval = 100 * time.Millisecond
	storeTimeout        = 2 * time.Second
)

// Lookup results reported to the Recorder.
const (
	LookupHit     = "hit"
	LookupMiss    = "miss"
	LookupExpired = "expired"
	LookupCorrupt = "corrupt"
	LookupError   = "error"
)

// Backend holds entries. Load reports ErrCorrupt for undecodable entries.
type Backend interface {
	Load(ctx context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool, error)
	Store(ctx context.Context, entry domain.CacheEntry) error
	Delete(ctx context.Context, fp domain.Fingerprint) error
}

// Claimer grants an exclusive claim on a fingerprint across processes.
type Claimer interface {
	Claim(ctx context.Context, fp domain.Fingerprint, ttl time.Duration) (release func(context.Context) error, ok bool, err error)
}

// Recorder receives lookup results.
type Recorder interface {
	CacheLookup(result string)
}

// ComputeFunc produces the entry for a fingerprint. Returning an error leaves
// the cache untouched.
type ComputeFunc func(ctx context.Context) (domain.CacheEntry, error)

type Cache struct {
	backend      Backend
	claimer      Claimer
	recorder     Recorder
	logger       *slog.Logger
	now          func() time.Time
	claimTTL     time.Duration
	pollInterval time.Duration

	group singleflight.Group
}

type Option func(*Cache)

// WithClaimer enables cross-process exclusivity, e.g. a shared Redis.
func WithClaimer(c Claimer) Option {
	return func(cc *Cache) { cc.claimer = c }
}

func WithRecorder(r Recorder) Option {
	return func(c *Cache) { c.recorder = r }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cache) {
		if l != nil {
			c.logger = l
		}
	}
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithClaimTiming sets how long a claim lives and how often losers poll.
func WithClaimTiming(ttl, poll time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.claimTTL = ttl
		}
		if poll > 0 {
			c.pollInterval = poll
		}
	}
}

func New(backend Backend, opts ...Option) (*Cache, error) {
	if backend == nil {
		return nil, errors.New("cache: backend must not be nil")
	}
	c := &Cache{
		backend:      backend,
		logger:       slog.Default(),
		now:          time.Now,
		claimTTL:     defaultClaimTTL,
		pollInterval: defaultPollInterval,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Get returns a live entry for fp. Corrupt, expired and unreadable entries
// are reported as misses.
func (c *Cache) Get(ctx context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool) {
	entry, found, err := c.backend.Load(ctx, fp)
	switch {
	case errors.Is(err, ErrCorrupt):
		c.record(LookupCorrupt)
		c.logger.Warn("cache entry corrupt, treating as miss", "fingerprint", fp.String(), "err", err)
		c.deleteQuietly(ctx, fp)
		return domain.CacheEntry{}, false
	case err != nil:
		c.record(LookupError)
		c.logger.Warn("cache lookup failed, treating as miss", "fingerprint", fp.String(), "err", err)
		return domain.CacheEntry{}, false
	case !found:
		c.record(LookupMiss)
		return domain.CacheEntry{}, false
	case entry.Expired(c.now()):
		c.record(LookupExpired)
		c.deleteQuietly(ctx, fp)
		return domain.CacheEntry{}, false
	}
	c.record(LookupHit)
	return entry.Clone(), true
}

// ComputeOnce returns the entry for fp, running fn only if no live entry
// exists and no other computation for fp is in flight. computed is true only
// for the caller whose fn actually ran.
func (c *Cache) ComputeOnce(ctx context.Context, fp domain.Fingerprint, fn ComputeFunc) (entry domain.CacheEntry, computed bool, err error) {
	if fn == nil {
		return domain.CacheEntry{}, false, errors.New("cache: compute func must not be nil")
	}
	for {
		ran := false
		ch := c.group.DoChan(string(fp), func() (any, error) {
			return c.compute(ctx, fp, fn, &ran)
		})

		var res singleflight.Result
		select {
		case <-ctx.Done():
			return domain.CacheEntry{}, false, ctx.Err()
		case res = <-ch:
		}

		if res.Err != nil {
			// A sibling's cancellation must not fail callers that are still live.
			if !ran && isContextErr(res.Err) && ctx.Err() == nil {
				continue
			}
			return domain.CacheEntry{}, ran, res.Err
		}
		return res.Val.(domain.CacheEntry).Clone(), ran, nil
	}
}

func (c *Cache) compute(ctx context.Context, fp domain.Fingerprint, fn ComputeFunc, ran *bool) (any, error) {
	if existing, ok := c.Get(ctx, fp); ok {
		return existing, nil
	}

	if c.claimer != nil {
		existing, release, err := c.claim(ctx, fp)
		if err != nil {
			return nil, err
		}
		if existing != nil {
			return *existing, nil
		}
		if release != nil {
			defer c.releaseClaim(ctx, fp, release)
		}
	}

	*ran = true
	entry, err := fn(ctx)
	if err != nil {
		return nil, err
	}
	entry.Fingerprint = fp
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = c.now()
	}
	entry = entry.Clone()

	storeCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := c.backend.Store(storeCtx, entry); err != nil {
		c.logger.Warn("cache store failed", "fingerprint", fp.String(), "err", err)
	}
	return entry, nil
}

// claim blocks until this process holds the claim for fp or another process
// has published an entry. A claimer failure is logged and computation
// proceeds unclaimed.
func (c *Cache) claim(ctx context.Context, fp domain.Fingerprint) (*domain.CacheEntry, func(context.Context) error, error) {
	ticker := time.NewTicker(c.pollInterval)
	defer ticker.Stop()
	for {
		release, ok, err := c.claimer.Claim(ctx, fp, c.claimTTL)
		if err != nil {
			c.logger.Warn("cache claim failed, computing unclaimed", "fingerprint", fp.String(), "err", err)
			return nil, nil, nil
		}
		if ok {
			// The previous holder may have published between our lookup and claim.
			if existing, found := c.Get(ctx, fp); found {
				c.releaseClaim(ctx, fp, release)
				return &existing, nil, nil
			}
			return nil, release, nil
		}

		select {
		case <-ctx.Done():
			return nil, nil, fmt.Errorf("cache: wait for claim: %w", ctx.Err())
		case <-ticker.C:
		}
		if existing, found := c.Get(ctx, fp); found {
			return &existing, nil, nil
		}
	}
}

// releaseClaim gives up a claim even when ctx is already done, bounded by
// storeTimeout.
func (c *Cache) releaseClaim(ctx context.Context, fp domain.Fingerprint, release func(context.Context) error) {
	relCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), storeTimeout)
	defer cancel()
	if err := release(relCtx); err != nil {
		c.logger.Warn("release cache claim", "fingerprint", fp.String(), "err", err)
	}
}

func (c *Cache) deleteQuietly(ctx context.Context, fp domain.Fingerprint) {
	if err := c.backend.Delete(ctx, fp); err != nil {
		c.logger.Debug("cache delete failed", "fingerprint", fp.String(), "err", err)
	}
}

func (c *Cache) record(result string) {
	if c.recorder != nil {
		c.recorder.CacheLookup(result)
	}
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
