// Package redisstore is a shared cache backend: entries and per-fingerprint
// claims live in Redis so every process sees the same cache.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"chat-orchestrator/internal/cache"
	"chat-orchestrator/internal/domain"
)

const (
	entryPrefix = "chatcache:entry:"
	claimPrefix = "chatcache:claim:"
	pingTimeout = 5 * time.Second
)

// releaseScript deletes the claim only if it still carries our token.
const releaseScript = `if redis.call("GET", KEYS[1]) == ARGV[1] then
	return redis.call("DEL", KEYS[1])
end
return 0`

// redisAPI is the subset of *redis.Client used by Store.
type redisAPI interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
	SetNX(ctx context.Context, key string, value any, expiration time.Duration) *redis.BoolCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
	Eval(ctx context.Context, script string, keys []string, args ...any) *redis.Cmd
}

// Store implements cache.Backend and cache.Claimer.
type Store struct {
	api    redisAPI
	closer io.Closer
	now    func() time.Time
}

var (
	_ cache.Backend = (*Store)(nil)
	_ cache.Claimer = (*Store)(nil)
)

func New(api redisAPI) (*Store, error) {
	if api == nil {
		return nil, errors.New("redisstore: api must not be nil")
	}
	return &Store{api: api, now: time.Now}, nil
}

// NewFromURL dials redisURL and verifies the connection.
func NewFromURL(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("redisstore: parse url: %w", err)
	}
	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redisstore: connect %s: %w", opts.Addr, err)
	}
	return &Store{api: client, closer: client, now: time.Now}, nil
}

func (s *Store) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer.Close()
}

func entryKey(fp domain.Fingerprint) string { return entryPrefix + fp.String() }
func claimKey(fp domain.Fingerprint) string { return claimPrefix + fp.String() }

func (s *Store) Load(ctx context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	raw, err := s.api.Get(ctx, entryKey(fp)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.CacheEntry{}, false, nil
	}
	if err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("redisstore: get: %w", err)
	}

	var entry domain.CacheEntry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return domain.CacheEntry{}, false, fmt.Errorf("%w: %v", cache.ErrCorrupt, err)
	}
	if entry.Fingerprint != fp {
		return domain.CacheEntry{}, false, fmt.Errorf("%w: fingerprint mismatch", cache.ErrCorrupt)
	}
	return entry, true, nil
}

// Store writes entry with a Redis expiry matching its remaining lifetime.
// Entries that are already expired are not written.
func (s *Store) Store(ctx context.Context, entry domain.CacheEntry) error {
	var ttl time.Duration
	if entry.TTL > 0 {
		ttl = entry.CreatedAt.Add(entry.TTL).Sub(s.now())
		if ttl <= 0 {
			return nil
		}
	}
	raw, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("redisstore: marshal entry: %w", err)
	}
	if err := s.api.Set(ctx, entryKey(entry.Fingerprint), raw, ttl).Err(); err != nil {
		return fmt.Errorf("redisstore: set: %w", err)
	}
	return nil
}

func (s *Store) Delete(ctx context.Context, fp domain.Fingerprint) error {
	if err := s.api.Del(ctx, entryKey(fp)).Err(); err != nil {
		return fmt.Errorf("redisstore: del: %w", err)
	}
	return nil
}

// Claim takes the claim key with SET NX PX. The returned release deletes the
// key only while it still holds this claim's token, so an expired claim that
// was re-taken by another process is left alone.
func (s *Store) Claim(ctx context.Context, fp domain.Fingerprint, ttl time.Duration) (func(context.Context) error, bool, error) {
	key := claimKey(fp)
	token := uuid.NewString()
	ok, err := s.api.SetNX(ctx, key, token, ttl).Result()
	if err != nil {
		return nil, false, fmt.Errorf("redisstore: claim: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	release := func(ctx context.Context) error {
		if err := s.api.Eval(ctx, releaseScript, []string{key}, token).Err(); err != nil && !errors.Is(err, redis.Nil) {
			return fmt.Errorf("redisstore: release claim: %w", err)
		}
		return nil
	}
	return release, true, nil
}
