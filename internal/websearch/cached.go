package websearch

import (
	"context"
	"errors"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	defaultCachedQueries = 512
	defaultCacheTTL      = 300 * time.Second
)

// CachedProvider memoises successful provider responses per normalised
// query. Failures are never cached.
type CachedProvider struct {
	next    Provider
	results *expirable.LRU[string, []Result]
}

func NewCachedProvider(next Provider, size int, ttl time.Duration) (*CachedProvider, error) {
	if next == nil {
		return nil, errors.New("websearch: provider must not be nil")
	}
	if size <= 0 {
		size = defaultCachedQueries
	}
	if ttl <= 0 {
		ttl = defaultCacheTTL
	}
	return &CachedProvider{next: next, results: expirable.NewLRU[string, []Result](size, nil, ttl)}, nil
}

func (p *CachedProvider) Search(ctx context.Context, query string, limit int) ([]Result, error) {
	key := strconv.Itoa(limit) + "|" + strings.Join(strings.Fields(strings.ToLower(query)), " ")
	if hit, ok := p.results.Get(key); ok {
		return slices.Clone(hit), nil
	}
	res, err := p.next.Search(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	p.results.Add(key, slices.Clone(res))
	return res, nil
}
