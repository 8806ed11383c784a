// Package fastpath implements the small-value in-process map that bypasses
// disk and the eviction policy entirely.
package fastpath

import (
	"sync"
	"time"

	"github.com/cuenv/cuenv/pkg/cachekey"
)

// DefaultThreshold is the maximum payload size eligible for the fast path.
const DefaultThreshold = 256

// DefaultMaxEntries bounds the fast path's entry count; overflow falls
// through to the main cache.
const DefaultMaxEntries = 4096

// Entry is what the fast path stores for a key.
type Entry struct {
	Data         []byte
	CreatedAt    time.Time
	LastAccessed time.Time
	ExpiresAt    time.Time
	HasExpiry    bool
	AccessCount  uint64
	ContentHash  string
}

// Path is the fast path: a plain mutex-guarded map, since entries are
// small and short-lived enough that sharding would add complexity without
// measurable benefit.
type Path struct {
	mu         sync.RWMutex
	threshold  int
	maxEntries int
	entries    map[string]*Entry
}

// New constructs a Path with the given threshold and entry-count bound. A
// zero threshold or maxEntries selects the defaults.
func New(threshold, maxEntries int) *Path {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Path{
		threshold:  threshold,
		maxEntries: maxEntries,
		entries:    make(map[string]*Entry),
	}
}

// Eligible reports whether a payload of size bytes belongs on the fast
// path.
func (p *Path) Eligible(size int) bool {
	return size < p.threshold
}

// Get returns the entry for key and bumps its access bookkeeping. Reads
// from the fast path never touch disk and never update the main cache's
// eviction structure.
func (p *Path) Get(key string) (*Entry, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	e, ok := p.entries[key]
	if !ok {
		return nil, false
	}
	if e.HasExpiry && !time.Now().Before(e.ExpiresAt) {
		delete(p.entries, key)
		return nil, false
	}
	e.LastAccessed = time.Now()
	e.AccessCount++
	copied := *e
	return &copied, true
}

// Put inserts data under key if there is room; it returns false when the
// path is full and the caller should fall through to the main cache. A
// non-nil expiresAt stamps an absolute expiry, which may already be in
// the past.
func (p *Path) Put(key string, data []byte, expiresAt *time.Time) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	if _, exists := p.entries[key]; !exists && len(p.entries) >= p.maxEntries {
		return false
	}

	now := time.Now()
	e := &Entry{
		Data:         append([]byte(nil), data...),
		CreatedAt:    now,
		LastAccessed: now,
		AccessCount:  1,
		ContentHash:  cachekey.ContentHash(data),
	}
	if expiresAt != nil {
		e.ExpiresAt = *expiresAt
		e.HasExpiry = true
	}
	p.entries[key] = e
	return true
}

// Remove deletes key if present, reporting whether it existed.
func (p *Path) Remove(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.entries[key]; !ok {
		return false
	}
	delete(p.entries, key)
	return true
}

// Contains reports whether key is resident and unexpired.
func (p *Path) Contains(key string) bool {
	p.mu.RLock()
	e, ok := p.entries[key]
	p.mu.RUnlock()
	if !ok {
		return false
	}
	return !(e.HasExpiry && !time.Now().Before(e.ExpiresAt))
}

// Clear empties the fast path.
func (p *Path) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries = make(map[string]*Entry)
}

// Len reports the current entry count.
func (p *Path) Len() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.entries)
}
