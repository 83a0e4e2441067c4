package domain

import (
	"slices"
	"time"
)

// Fingerprint is the hex digest identifying a logically identical request.
type Fingerprint string

func (f Fingerprint) String() string { return string(f) }

// CacheEntry is a fully generated response stored under its fingerprint.
type CacheEntry struct {
	Fingerprint Fingerprint   `json:"fingerprint"`
	Response    string        `json:"response"`
	Fragments   []FragmentRef `json:"fragments"`
	Degraded    bool          `json:"degraded"`
	CreatedAt   time.Time     `json:"createdAt"`
	TTL         time.Duration `json:"ttl"`
}

// Expired reports whether the entry is past its time-to-live at now.
// A non-positive TTL never expires.
func (e CacheEntry) Expired(now time.Time) bool {
	if e.TTL <= 0 {
		return false
	}
	return !now.Before(e.CreatedAt.Add(e.TTL))
}

// Clone returns a deep copy so callers never share backing arrays.
func (e CacheEntry) Clone() CacheEntry {
	e.Fragments = slices.Clone(e.Fragments)
	return e
}
