// Package evict implements the hybrid LRU/LFU eviction policy that governs
// the unified cache's in-memory entries.
package evict

import (
	"sort"
	"sync"
	"time"
)

// Config tunes the composite score `score = alpha*frequency + beta*recency_rank`.
type Config struct {
	Alpha float64
	Beta  float64
}

// DefaultConfig weights recency slightly above frequency; size is
// handled separately by the caller's byte accounting.
func DefaultConfig() Config {
	return Config{Alpha: 0.4, Beta: 0.6}
}

type entry struct {
	key          string
	size         int64
	frequency    uint64
	lastAccessed time.Time
	expiresAt    time.Time
	hasExpiry    bool
}

// Policy tracks recency and frequency for every resident key and selects
// eviction victims by composite score. A single mutex guards all state; its
// critical sections are bounded by the eviction batch size.
type Policy struct {
	mu      sync.Mutex
	cfg     Config
	entries map[string]*entry
}

// New constructs a Policy with cfg.
func New(cfg Config) *Policy {
	return &Policy{
		cfg:     cfg,
		entries: make(map[string]*entry),
	}
}

// OnInsert registers a newly inserted key.
func (p *Policy) OnInsert(key string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = &entry{
		key:          key,
		size:         size,
		frequency:    1,
		lastAccessed: time.Now(),
	}
}

// OnInsertWithTTL registers a newly inserted key with an absolute expiry.
func (p *Policy) OnInsertWithTTL(key string, size int64, expiresAt time.Time) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.entries[key] = &entry{
		key:          key,
		size:         size,
		frequency:    1,
		lastAccessed: time.Now(),
		expiresAt:    expiresAt,
		hasExpiry:    true,
	}
}

// OnAccess bumps recency and frequency for key on a read hit.
func (p *Policy) OnAccess(key string, size int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	e, ok := p.entries[key]
	if !ok {
		p.entries[key] = &entry{key: key, size: size, frequency: 1, lastAccessed: time.Now()}
		return
	}
	e.frequency++
	e.lastAccessed = time.Now()
	e.size = size
}

// OnRemove forgets key entirely.
func (p *Policy) OnRemove(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.entries, key)
}

// Len reports how many keys the policy is currently tracking.
func (p *Policy) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.entries)
}

// SelectVictims returns keys to evict to free at least neededBytes.
// TTL-expired entries are always selected first; remaining
// victims are chosen by ascending composite score (lowest score evicted
// first), tie-broken by older last_accessed then lexicographic key order.
func (p *Policy) SelectVictims(neededBytes int64) []string {
	p.mu.Lock()
	defer p.mu.Unlock()

	now := time.Now()
	all := make([]*entry, 0, len(p.entries))
	for _, e := range p.entries {
		all = append(all, e)
	}

	var expired, live []*entry
	for _, e := range all {
		if e.hasExpiry && !now.Before(e.expiresAt) {
			expired = append(expired, e)
		} else {
			live = append(live, e)
		}
	}

	sortByEviction(expired)
	sortByEviction(live)

	n := len(live)
	scores := make(map[string]float64, n)
	if n > 0 {
		// recency_rank: 0 = least recently used, n-1 = most recently used,
		// so a stale entry contributes the lowest score and goes first.
		byRecency := make([]*entry, n)
		copy(byRecency, live)
		sort.Slice(byRecency, func(i, j int) bool {
			return byRecency[i].lastAccessed.Before(byRecency[j].lastAccessed)
		})
		rank := make(map[string]int, n)
		for i, e := range byRecency {
			rank[e.key] = i
		}
		for _, e := range live {
			scores[e.key] = p.cfg.Alpha*float64(e.frequency) + p.cfg.Beta*float64(rank[e.key])
		}
	}

	sort.SliceStable(live, func(i, j int) bool {
		si, sj := scores[live[i].key], scores[live[j].key]
		if si != sj {
			return si < sj
		}
		if !live[i].lastAccessed.Equal(live[j].lastAccessed) {
			return live[i].lastAccessed.Before(live[j].lastAccessed)
		}
		return live[i].key < live[j].key
	})

	var victims []string
	var freed int64
	for _, e := range expired {
		victims = append(victims, e.key)
		freed += e.size
	}
	for _, e := range live {
		if freed >= neededBytes {
			break
		}
		victims = append(victims, e.key)
		freed += e.size
	}
	return victims
}

// sortByEviction orders a tie-breaking group by older last_accessed, then
// lexicographic key.
func sortByEviction(entries []*entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].lastAccessed.Equal(entries[j].lastAccessed) {
			return entries[i].lastAccessed.Before(entries[j].lastAccessed)
		}
		return entries[i].key < entries[j].key
	})
}
