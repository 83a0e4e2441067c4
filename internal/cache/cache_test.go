package cache

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"chat-orchestrator/internal/domain"
)

type fakeBackend struct {
	mu       sync.Mutex
	entries  map[domain.Fingerprint]domain.CacheEntry
	loadErr  error
	storeErr error
	deleted  []domain.Fingerprint
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{entries: map[domain.Fingerprint]domain.CacheEntry{}}
}

func (f *fakeBackend) Load(_ context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.loadErr != nil {
		return domain.CacheEntry{}, false, f.loadErr
	}
	e, ok := f.entries[fp]
	return e, ok, nil
}

func (f *fakeBackend) Store(_ context.Context, e domain.CacheEntry) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.storeErr != nil {
		return f.storeErr
	}
	f.entries[e.Fingerprint] = e
	return nil
}

func (f *fakeBackend) Delete(_ context.Context, fp domain.Fingerprint) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.entries, fp)
	f.deleted = append(f.deleted, fp)
	return nil
}

type countingRecorder struct {
	mu      sync.Mutex
	results map[string]int
}

func (r *countingRecorder) CacheLookup(result string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.results == nil {
		r.results = map[string]int{}
	}
	r.results[result]++
}

func mustNew(t *testing.T, b Backend, opts ...Option) *Cache {
	t.Helper()
	c, err := New(b, opts...)
	require.NoError(t, err)
	return c
}

func TestNew_NilBackend(t *testing.T) {
	_, err := New(nil)
	require.Error(t, err)
}

func TestComputeOnce_RoundTrip(t *testing.T) {
	c := mustNew(t, newFakeBackend())
	fp := domain.Fingerprint("fp-1")

	entry, computed, err := c.ComputeOnce(context.Background(), fp, func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{Response: "Paris is the capital.", TTL: time.Minute}, nil
	})
	require.NoError(t, err)
	require.True(t, computed)
	require.Equal(t, fp, entry.Fingerprint)
	require.False(t, entry.CreatedAt.IsZero())

	got, ok := c.Get(context.Background(), fp)
	require.True(t, ok)
	require.Equal(t, []byte(entry.Response), []byte(got.Response))
}

func TestComputeOnce_ConcurrentCallersShareOneComputation(t *testing.T) {
	c := mustNew(t, newFakeBackend())
	fp := domain.Fingerprint("fp-shared")

	var calls atomic.Int32
	release := make(chan struct{})
	fn := func(context.Context) (domain.CacheEntry, error) {
		calls.Add(1)
		<-release
		return domain.CacheEntry{Response: "answer", TTL: time.Minute}, nil
	}

	const n = 8
	var wg sync.WaitGroup
	var computedCount atomic.Int32
	results := make([]string, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			e, computed, err := c.ComputeOnce(context.Background(), fp, fn)
			require.NoError(t, err)
			if computed {
				computedCount.Add(1)
			}
			results[i] = e.Response
		}(i)
	}

	require.Eventually(t, func() bool { return calls.Load() == 1 }, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	require.Equal(t, int32(1), calls.Load())
	require.Equal(t, int32(1), computedCount.Load())
	for _, r := range results {
		require.Equal(t, "answer", r)
	}
}

func TestComputeOnce_DifferentFingerprintsRunInParallel(t *testing.T) {
	c := mustNew(t, newFakeBackend())
	var inFlight, peak atomic.Int32
	gate := make(chan struct{})
	fn := func(context.Context) (domain.CacheEntry, error) {
		cur := inFlight.Add(1)
		for {
			old := peak.Load()
			if cur <= old || peak.CompareAndSwap(old, cur) {
				break
			}
		}
		<-gate
		inFlight.Add(-1)
		return domain.CacheEntry{Response: "x"}, nil
	}

	var wg sync.WaitGroup
	for _, fp := range []domain.Fingerprint{"a", "b", "c"} {
		wg.Add(1)
		go func(fp domain.Fingerprint) {
			defer wg.Done()
			_, _, err := c.ComputeOnce(context.Background(), fp, fn)
			require.NoError(t, err)
		}(fp)
	}
	require.Eventually(t, func() bool { return peak.Load() == 3 }, time.Second, 5*time.Millisecond)
	close(gate)
	wg.Wait()
}

func TestComputeOnce_FailureLeavesNoEntry(t *testing.T) {
	b := newFakeBackend()
	c := mustNew(t, b)
	boom := errors.New("generation failed")

	_, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{Response: "partial"}, boom
	})
	require.ErrorIs(t, err, boom)
	require.True(t, computed)
	_, ok := c.Get(context.Background(), "fp")
	require.False(t, ok)
	require.Empty(t, b.entries)
}

func TestComputeOnce_ExistingEntryNotRecomputed(t *testing.T) {
	b := newFakeBackend()
	b.entries["fp"] = domain.CacheEntry{Fingerprint: "fp", Response: "cached", CreatedAt: time.Now(), TTL: time.Hour}
	c := mustNew(t, b)

	e, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		t.Fatal("compute must not run")
		return domain.CacheEntry{}, nil
	})
	require.NoError(t, err)
	require.False(t, computed)
	require.Equal(t, "cached", e.Response)
}

func TestGet_ExpiredIsMissAndRecomputed(t *testing.T) {
	now := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	b := newFakeBackend()
	b.entries["fp"] = domain.CacheEntry{Fingerprint: "fp", Response: "old", CreatedAt: now.Add(-2 * time.Minute), TTL: time.Minute}
	rec := &countingRecorder{}
	c := mustNew(t, b, WithClock(func() time.Time { return now }), WithRecorder(rec))

	_, ok := c.Get(context.Background(), "fp")
	require.False(t, ok)
	require.Equal(t, 1, rec.results[LookupExpired])

	e, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{Response: "new", TTL: time.Minute}, nil
	})
	require.NoError(t, err)
	require.True(t, computed)
	require.Equal(t, "new", e.Response)
	require.Equal(t, now, e.CreatedAt)
}

func TestGet_CorruptIsMissAndDeleted(t *testing.T) {
	b := newFakeBackend()
	b.loadErr = ErrCorrupt
	rec := &countingRecorder{}
	c := mustNew(t, b, WithRecorder(rec))

	_, ok := c.Get(context.Background(), "fp")
	require.False(t, ok)
	require.Equal(t, []domain.Fingerprint{"fp"}, b.deleted)
	require.Equal(t, 1, rec.results[LookupCorrupt])
}

func TestGet_BackendErrorIsMiss(t *testing.T) {
	b := newFakeBackend()
	b.loadErr = errors.New("connection refused")
	c := mustNew(t, b)
	_, ok := c.Get(context.Background(), "fp")
	require.False(t, ok)
	require.Empty(t, b.deleted)
}

func TestComputeOnce_StoreFailureStillReturnsEntry(t *testing.T) {
	b := newFakeBackend()
	b.storeErr = errors.New("store down")
	c := mustNew(t, b)
	e, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{Response: "ok"}, nil
	})
	require.NoError(t, err)
	require.True(t, computed)
	require.Equal(t, "ok", e.Response)
}

func TestComputeOnce_CanceledWaiterReturns(t *testing.T) {
	c := mustNew(t, newFakeBackend())
	block := make(chan struct{})
	defer close(block)

	go func() {
		_, _, _ = c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
			<-block
			return domain.CacheEntry{}, nil
		})
	}()
	time.Sleep(10 * time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, _, err := c.ComputeOnce(ctx, "fp", func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{}, nil
	})
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

type fakeClaimer struct {
	mu       sync.Mutex
	held     map[domain.Fingerprint]bool
	err      error
	claims   int
	released int
}

func (f *fakeClaimer) Claim(_ context.Context, fp domain.Fingerprint, _ time.Duration) (func(context.Context) error, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.claims++
	if f.err != nil {
		return nil, false, f.err
	}
	if f.held == nil {
		f.held = map[domain.Fingerprint]bool{}
	}
	if f.held[fp] {
		return nil, false, nil
	}
	f.held[fp] = true
	return func(context.Context) error {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.held, fp)
		f.released++
		return nil
	}, true, nil
}

func TestComputeOnce_ClaimAcquiredAndReleased(t *testing.T) {
	cl := &fakeClaimer{}
	c := mustNew(t, newFakeBackend(), WithClaimer(cl))
	_, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{Response: "x"}, nil
	})
	require.NoError(t, err)
	require.True(t, computed)
	require.Equal(t, 1, cl.released)
}

func TestComputeOnce_WaitsForRemoteHolderThenUsesItsEntry(t *testing.T) {
	b := newFakeBackend()
	cl := &fakeClaimer{held: map[domain.Fingerprint]bool{"fp": true}}
	c := mustNew(t, b, WithClaimer(cl), WithClaimTiming(time.Second, 5*time.Millisecond))

	go func() {
		time.Sleep(30 * time.Millisecond)
		_ = b.Store(context.Background(), domain.CacheEntry{Fingerprint: "fp", Response: "remote", CreatedAt: time.Now(), TTL: time.Minute})
	}()

	e, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		t.Fatal("compute must not run while another process holds the claim")
		return domain.CacheEntry{}, nil
	})
	require.NoError(t, err)
	require.False(t, computed)
	require.Equal(t, "remote", e.Response)
}

// recordingClaimer always grants the claim and records the context each
// release runs with.
type recordingClaimer struct {
	releaseErr error
	released   chan context.Context
}

func (r *recordingClaimer) Claim(context.Context, domain.Fingerprint, time.Duration) (func(context.Context) error, bool, error) {
	return func(ctx context.Context) error {
		r.released <- ctx
		return r.releaseErr
	}, true, nil
}

type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestComputeOnce_ReleaseOutlivesCanceledCaller(t *testing.T) {
	cl := &recordingClaimer{releaseErr: errors.New("redis down"), released: make(chan context.Context, 1)}
	var logs lockedBuffer
	c := mustNew(t, newFakeBackend(), WithClaimer(cl), WithLogger(slog.New(slog.NewTextHandler(&logs, nil))))

	ctx, cancel := context.WithCancel(context.Background())
	_, _, _ = c.ComputeOnce(ctx, "fp", func(context.Context) (domain.CacheEntry, error) {
		cancel()
		return domain.CacheEntry{Response: "x"}, nil
	})
	require.Error(t, ctx.Err())

	select {
	case relCtx := <-cl.released:
		require.NoError(t, relCtx.Err())
		_, hasDeadline := relCtx.Deadline()
		require.True(t, hasDeadline)
	case <-time.After(time.Second):
		t.Fatal("claim was never released")
	}
	require.Eventually(t, func() bool {
		return strings.Contains(logs.String(), "release cache claim")
	}, time.Second, 5*time.Millisecond)
}

func TestComputeOnce_ReleasesClaimWhenEntryAppearsAfterClaim(t *testing.T) {
	b := newFakeBackend()
	cl := &recordingClaimer{released: make(chan context.Context, 1)}
	c := mustNew(t, &publishOnSecondLoad{fakeBackend: b}, WithClaimer(cl))

	e, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		t.Fatal("compute must not run once the entry is published")
		return domain.CacheEntry{}, nil
	})
	require.NoError(t, err)
	require.False(t, computed)
	require.Equal(t, "published", e.Response)

	select {
	case relCtx := <-cl.released:
		_, hasDeadline := relCtx.Deadline()
		require.True(t, hasDeadline)
	default:
		t.Fatal("claim was not released")
	}
}

// publishOnSecondLoad misses the first lookup and publishes an entry before
// the post-claim lookup.
type publishOnSecondLoad struct {
	*fakeBackend
	loads atomic.Int32
}

func (p *publishOnSecondLoad) Load(ctx context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	if p.loads.Add(1) == 2 {
		_ = p.fakeBackend.Store(ctx, domain.CacheEntry{Fingerprint: fp, Response: "published", CreatedAt: time.Now(), TTL: time.Minute})
	}
	return p.fakeBackend.Load(ctx, fp)
}

func TestComputeOnce_ClaimerErrorFailsOpen(t *testing.T) {
	cl := &fakeClaimer{err: errors.New("redis down")}
	c := mustNew(t, newFakeBackend(), WithClaimer(cl))
	e, computed, err := c.ComputeOnce(context.Background(), "fp", func(context.Context) (domain.CacheEntry, error) {
		return domain.CacheEntry{Response: "x"}, nil
	})
	require.NoError(t, err)
	require.True(t, computed)
	require.Equal(t, "x", e.Response)
}

func TestComputeOnce_NilFunc(t *testing.T) {
	c := mustNew(t, newFakeBackend())
	_, _, err := c.ComputeOnce(context.Background(), "fp", nil)
	require.Error(t, err)
}
