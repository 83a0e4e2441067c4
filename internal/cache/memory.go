package cache

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"

	"chat-orchestrator/internal/domain"
)

const defaultCapacity = 1024

// MemoryBackend is a capacity-bounded LRU holding immutable entries. Readers
// receive copies, so eviction never affects an in-progress read.
type MemoryBackend struct {
	entries *lru.Cache[domain.Fingerprint, domain.CacheEntry]
}

func NewMemoryBackend(capacity int) (*MemoryBackend, error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	entries, err := lru.New[domain.Fingerprint, domain.CacheEntry](capacity)
	if err != nil {
		return nil, fmt.Errorf("cache: new lru: %w", err)
	}
	return &MemoryBackend{entries: entries}, nil
}

func (m *MemoryBackend) Load(_ context.Context, fp domain.Fingerprint) (domain.CacheEntry, bool, error) {
	e, ok := m.entries.Get(fp)
	if !ok {
		return domain.CacheEntry{}, false, nil
	}
	return e.Clone(), true, nil
}

func (m *MemoryBackend) Store(_ context.Context, entry domain.CacheEntry) error {
	m.entries.Add(entry.Fingerprint, entry.Clone())
	return nil
}

func (m *MemoryBackend) Delete(_ context.Context, fp domain.Fingerprint) error {
	m.entries.Remove(fp)
	return nil
}

// Len reports the number of resident entries.
func (m *MemoryBackend) Len() int {
	return m.entries.Len()
}
