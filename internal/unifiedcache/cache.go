// Package unifiedcache orchestrates the fast path, an in-memory entry
// map, and the on-disk storage backend behind a single typed get/put
// surface.
package unifiedcache

import (
	"encoding/json"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cuenv/cuenv/internal/batching"
	"github.com/cuenv/cuenv/internal/evict"
	"github.com/cuenv/cuenv/internal/fastpath"
	"github.com/cuenv/cuenv/internal/metrics"
	"github.com/cuenv/cuenv/internal/storage"
	"github.com/cuenv/cuenv/pkg/cachekey"
	"github.com/cuenv/cuenv/pkg/cueerrors"
)

// CacheVersion is the monotonic version stamped on every metadata record;
// entries with a mismatched version are treated as missing.
const CacheVersion = 1

// Metadata is persisted alongside an entry's data.
type Metadata struct {
	CreatedAt    time.Time  `json:"created_at"`
	LastAccessed time.Time  `json:"last_accessed"`
	ExpiresAt    *time.Time `json:"expires_at,omitempty"`
	SizeBytes    int64      `json:"size_bytes"`
	AccessCount  uint64     `json:"access_count"`
	ContentHash  string     `json:"content_hash"`
	CacheVersion int        `json:"cache_version"`
}

// expired treats the expiry instant itself as past, so a zero TTL is
// expired on the very next access.
func (m *Metadata) expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Stats is a snapshot of the cache's counters. All counters are
// monotonic within a process.
type Stats struct {
	Hits     uint64
	Misses   uint64
	Writes   uint64
	Removals uint64
	Errors   uint64
	Entries  int64
	Bytes    int64
	HitRate  float64
}

type memEntry struct {
	data []byte
	meta Metadata
}

// Config shapes a Cache's limits.
type Config struct {
	MaxMemoryBytes     int64         `yaml:"max_memory_bytes"`
	MaxEntries         int           `yaml:"max_entries"`
	MaxEntrySize       int64         `yaml:"max_entry_size"`
	DefaultTTL         time.Duration `yaml:"default_ttl"`
	FastPathThreshold  int           `yaml:"fast_path_threshold"`
	FastPathMaxEntries int           `yaml:"fast_path_max_entries"`
}

// DefaultConfig returns conservative defaults suitable for a single
// developer-machine cache root.
func DefaultConfig() Config {
	return Config{
		MaxMemoryBytes:     256 * 1024 * 1024,
		MaxEntries:         100_000,
		MaxEntrySize:       64 * 1024 * 1024,
		DefaultTTL:         0,
		FastPathThreshold:  fastpath.DefaultThreshold,
		FastPathMaxEntries: fastpath.DefaultMaxEntries,
	}
}

// Cache is the single object handle referenced by every caller:
// internal concurrency is by fine-grained locks, not by cloning.
type Cache struct {
	cfg     Config
	root    string
	backend *storage.Backend
	fast    *fastpath.Path
	policy  *evict.Policy
	batch   *batching.Processor
	log     *zap.Logger

	mu      sync.RWMutex
	memory  map[string]*memEntry
	curSize int64

	statsMu sync.Mutex
	stats   Stats

	metrics *metrics.Collector
}

// SetMetrics attaches a collector that records hit/miss/eviction
// counters and a cache-size gauge alongside the in-process Stats this
// cache already tracks.
func (c *Cache) SetMetrics(m *metrics.Collector) {
	c.metrics = m
	c.backend.SetMetrics(m)
}

// New constructs a Cache rooted at root, recovering the storage backend's
// WAL as part of construction.
func New(root string, cfg Config, storageCfg storage.Config, log *zap.Logger) (*Cache, error) {
	if log == nil {
		log = zap.NewNop()
	}
	backend, err := storage.New(root, storageCfg, log)
	if err != nil {
		return nil, err
	}
	return &Cache{
		cfg:     cfg,
		root:    root,
		backend: backend,
		fast:    fastpath.New(cfg.FastPathThreshold, cfg.FastPathMaxEntries),
		policy:  evict.New(evict.DefaultConfig()),
		batch:   batching.New(0),
		log:     log,
		memory:  make(map[string]*memEntry),
	}, nil
}

// Close releases the underlying storage backend.
func (c *Cache) Close() error {
	return c.backend.Close()
}

func (c *Cache) paths(key string) (metaPath, dataPath string) {
	h := cachekey.Hash(key)
	prefix := cachekey.HashPrefix(h)
	dir := filepath.Join(c.root, "entries", prefix)
	return filepath.Join(dir, h+".meta"), filepath.Join(dir, h+".data")
}

func (c *Cache) recordHit(tier string, size int64) {
	c.statsMu.Lock()
	c.stats.Hits++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheHit(tier, size)
	}
}

func (c *Cache) recordMiss(tier string) {
	c.statsMu.Lock()
	c.stats.Misses++
	c.statsMu.Unlock()
	if c.metrics != nil {
		c.metrics.RecordCacheMiss(tier, 0)
	}
}

func (c *Cache) recordError() {
	c.statsMu.Lock()
	c.stats.Errors++
	c.statsMu.Unlock()
}

func (c *Cache) recordEviction(key string, size int64) {
	if c.metrics != nil {
		c.metrics.RecordOperation("cache_evict", 0, size, true)
	}
}

// Put serializes value as JSON, validates its size, stamps content hash
// and TTL, and stores it via the fast path or the memory+disk tiers. A
// nil ttl falls back to the configured default; a non-nil ttl is applied
// as given, so an explicit zero expires the entry immediately.
func (c *Cache) Put(key string, value interface{}, ttl *time.Duration) error {
	if err := cachekey.Validate(key); err != nil {
		return err
	}

	data, err := json.Marshal(value)
	if err != nil {
		return cueerrors.Wrap(cueerrors.CodeSerialization, err, "encoding cache value").
			WithComponent("unifiedcache").WithOperation("put").WithDetail("key", key)
	}
	if c.cfg.MaxEntrySize > 0 && int64(len(data)) > c.cfg.MaxEntrySize {
		return cueerrors.New(cueerrors.CodeCapacityExceeded, "value exceeds max_entry_size").
			WithComponent("unifiedcache").WithOperation("put").
			WithDetail("key", key).WithDetail("size", len(data)).WithDetail("max_entry_size", c.cfg.MaxEntrySize)
	}

	now := time.Now()
	meta := Metadata{
		CreatedAt:    now,
		LastAccessed: now,
		SizeBytes:    int64(len(data)),
		AccessCount:  1,
		ContentHash:  cachekey.ContentHash(data),
		CacheVersion: CacheVersion,
	}
	// A nil ttl means the caller omitted it and the configured default
	// applies; an explicit ttl always wins, including a zero or negative
	// duration, which stamps an already-elapsed expiry so the entry is
	// expired on its next access.
	if ttl != nil {
		exp := now.Add(*ttl)
		meta.ExpiresAt = &exp
	} else if c.cfg.DefaultTTL > 0 {
		exp := now.Add(c.cfg.DefaultTTL)
		meta.ExpiresAt = &exp
	}

	if c.fast.Eligible(len(data)) && c.fast.Put(key, data, meta.ExpiresAt) {
		c.statsMu.Lock()
		c.stats.Writes++
		c.statsMu.Unlock()
		return nil
	}

	if err := c.makeRoom(int64(len(data))); err != nil {
		c.recordError()
		return err
	}

	metaBytes, err := json.Marshal(meta)
	if err != nil {
		c.recordError()
		return cueerrors.Wrap(cueerrors.CodeSerialization, err, "encoding cache metadata").
			WithComponent("unifiedcache").WithOperation("put").WithDetail("key", key)
	}

	metaPath, dataPath := c.paths(key)
	if err := c.backend.WriteCacheEntry(key, metaPath, dataPath, metaBytes, data); err != nil {
		c.recordError()
		return err
	}

	c.mu.Lock()
	if existing, ok := c.memory[key]; ok {
		c.curSize -= existing.meta.SizeBytes
	}
	c.memory[key] = &memEntry{data: data, meta: meta}
	c.curSize += meta.SizeBytes
	c.mu.Unlock()

	c.insertPolicy(key, &meta)
	c.statsMu.Lock()
	c.stats.Writes++
	c.statsMu.Unlock()
	return nil
}

// insertPolicy registers key with the eviction policy, carrying the
// entry's expiry so TTL-expired entries are selected first.
func (c *Cache) insertPolicy(key string, meta *Metadata) {
	if meta.ExpiresAt != nil {
		c.policy.OnInsertWithTTL(key, meta.SizeBytes, *meta.ExpiresAt)
		return
	}
	c.policy.OnInsert(key, meta.SizeBytes)
}

// makeRoom evicts entries until the memory tier has room for an additional
// addBytes, honoring MaxEntries and MaxMemoryBytes.
func (c *Cache) makeRoom(addBytes int64) error {
	for {
		c.mu.RLock()
		overCount := c.cfg.MaxEntries > 0 && len(c.memory) >= c.cfg.MaxEntries
		overBytes := c.cfg.MaxMemoryBytes > 0 && c.curSize+addBytes > c.cfg.MaxMemoryBytes
		c.mu.RUnlock()
		if !overCount && !overBytes {
			return nil
		}

		victims := c.policy.SelectVictims(addBytes)
		if len(victims) == 0 {
			return cueerrors.New(cueerrors.CodeCapacityExceeded, "cache full and no victims available").
				WithComponent("unifiedcache").WithOperation("make_room")
		}
		for _, v := range victims {
			meta, _ := c.Metadata(v)
			_ = c.removeLocked(v)
			var size int64
			if meta != nil {
				size = meta.SizeBytes
			}
			c.recordEviction(v, size)
		}
	}
}

// Get deserializes the value stored under key into dst (a pointer),
// trying the fast path, then the memory tier, then disk, in that order.
func (c *Cache) Get(key string, dst interface{}) (bool, error) {
	if err := cachekey.Validate(key); err != nil {
		return false, err
	}

	if e, ok := c.fast.Get(key); ok {
		if err := json.Unmarshal(e.Data, dst); err != nil {
			c.fast.Remove(key)
			c.recordMiss("fastpath")
			return false, nil
		}
		c.recordHit("fastpath", int64(len(e.Data)))
		return true, nil
	}

	now := time.Now()

	c.mu.Lock()
	if e, ok := c.memory[key]; ok {
		if e.meta.expired(now) {
			delete(c.memory, key)
			c.curSize -= e.meta.SizeBytes
			c.mu.Unlock()
			c.policy.OnRemove(key)
			_ = c.removeFromDisk(key)
			c.recordMiss("memory")
			return false, nil
		}
		if err := json.Unmarshal(e.data, dst); err != nil {
			delete(c.memory, key)
			c.curSize -= e.meta.SizeBytes
			c.mu.Unlock()
			c.policy.OnRemove(key)
			c.recordMiss("memory")
			return false, nil
		}
		e.meta.LastAccessed = now
		e.meta.AccessCount++
		size := e.meta.SizeBytes
		c.mu.Unlock()
		c.policy.OnAccess(key, size)
		c.recordHit("memory", size)
		return true, nil
	}
	c.mu.Unlock()

	metaPath, dataPath := c.paths(key)
	metaBytes, err := c.backend.Read(metaPath)
	if err != nil {
		if code, ok := cueerrors.GetCode(err); ok && code == cueerrors.CodeCorruption {
			_ = c.removeFromDisk(key)
		}
		c.recordMiss("disk")
		return false, nil
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		c.recordMiss("disk")
		return false, nil
	}
	if meta.CacheVersion != CacheVersion || meta.expired(now) {
		_ = c.removeFromDisk(key)
		c.recordMiss("disk")
		return false, nil
	}

	data, err := c.backend.Read(dataPath)
	if err != nil {
		c.recordMiss("disk")
		return false, nil
	}
	if err := json.Unmarshal(data, dst); err != nil {
		c.recordMiss("disk")
		return false, nil
	}

	meta.LastAccessed = now
	meta.AccessCount++
	c.mu.Lock()
	c.memory[key] = &memEntry{data: data, meta: meta}
	c.curSize += meta.SizeBytes
	c.mu.Unlock()
	c.insertPolicy(key, &meta)
	c.recordHit("disk", meta.SizeBytes)
	return true, nil
}

// Contains reports whether key is resident and unexpired.
func (c *Cache) Contains(key string) bool {
	if c.fast.Contains(key) {
		return true
	}
	now := time.Now()

	c.mu.RLock()
	if e, ok := c.memory[key]; ok {
		present := !e.meta.expired(now)
		c.mu.RUnlock()
		return present
	}
	c.mu.RUnlock()

	metaPath, _ := c.paths(key)
	metaBytes, err := c.backend.Read(metaPath)
	if err != nil {
		return false
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil {
		return false
	}
	return meta.CacheVersion == CacheVersion && !meta.expired(now)
}

// Metadata returns the freshest metadata known for key.
func (c *Cache) Metadata(key string) (*Metadata, bool) {
	now := time.Now()

	if e, ok := c.fast.Get(key); ok {
		meta := &Metadata{
			CreatedAt:    e.CreatedAt,
			LastAccessed: e.LastAccessed,
			SizeBytes:    int64(len(e.Data)),
			AccessCount:  e.AccessCount,
			ContentHash:  e.ContentHash,
			CacheVersion: CacheVersion,
		}
		if e.HasExpiry {
			exp := e.ExpiresAt
			meta.ExpiresAt = &exp
		}
		return meta, true
	}

	c.mu.RLock()
	if e, ok := c.memory[key]; ok && !e.meta.expired(now) {
		meta := e.meta
		c.mu.RUnlock()
		return &meta, true
	}
	c.mu.RUnlock()

	metaPath, _ := c.paths(key)
	metaBytes, err := c.backend.Read(metaPath)
	if err != nil {
		return nil, false
	}
	var meta Metadata
	if err := json.Unmarshal(metaBytes, &meta); err != nil || meta.expired(now) {
		return nil, false
	}
	return &meta, true
}

// Remove deletes key from every tier, reporting whether it existed
// anywhere.
func (c *Cache) Remove(key string) bool {
	existed := c.fast.Remove(key)
	if c.removeLocked(key) {
		existed = true
	}
	if existed {
		c.statsMu.Lock()
		c.stats.Removals++
		c.statsMu.Unlock()
	}
	return existed
}

func (c *Cache) removeLocked(key string) bool {
	c.mu.Lock()
	e, ok := c.memory[key]
	if ok {
		delete(c.memory, key)
		c.curSize -= e.meta.SizeBytes
	}
	c.mu.Unlock()
	if ok {
		c.policy.OnRemove(key)
	}
	diskExisted := c.removeFromDisk(key) == nil
	return ok || diskExisted
}

func (c *Cache) removeFromDisk(key string) error {
	metaPath, dataPath := c.paths(key)
	return c.backend.RemoveCacheEntry(key, metaPath, dataPath)
}

// Clear empties every tier. Disk removal for the cleared keys runs with
// bounded concurrency through internal/batching; eviction in makeRoom
// removes its victims one at a time and does not use it.
func (c *Cache) Clear() {
	if err := c.backend.LogClear(); err != nil {
		c.log.Warn("failed to log clear to wal", zap.Error(err))
	}
	c.fast.Clear()
	c.mu.Lock()
	keys := make([]string, 0, len(c.memory))
	for k := range c.memory {
		keys = append(keys, k)
	}
	c.memory = make(map[string]*memEntry)
	c.curSize = 0
	c.mu.Unlock()

	for _, k := range keys {
		c.policy.OnRemove(k)
	}
	_ = c.batch.Run(keys, c.removeFromDisk)
}

// CleanupStale removes every memory-tier entry last accessed more than
// maxAge ago, returning the number of entries removed and the bytes
// freed.
func (c *Cache) CleanupStale(maxAge time.Duration) (removed int, bytesFreed int64) {
	cutoff := time.Now().Add(-maxAge)

	c.mu.RLock()
	var stale []string
	for k, e := range c.memory {
		if e.meta.LastAccessed.Before(cutoff) {
			stale = append(stale, k)
		}
	}
	c.mu.RUnlock()

	for _, k := range stale {
		meta, ok := c.Metadata(k)
		if c.removeLocked(k) {
			removed++
			if ok && meta != nil {
				bytesFreed += meta.SizeBytes
			}
		}
	}
	return removed, bytesFreed
}

// Statistics returns a snapshot of the cache's counters.
func (c *Cache) Statistics() Stats {
	c.statsMu.Lock()
	s := c.stats
	c.statsMu.Unlock()

	c.mu.RLock()
	s.Entries = int64(len(c.memory)) + int64(c.fast.Len())
	s.Bytes = c.curSize
	c.mu.RUnlock()

	if c.metrics != nil {
		c.metrics.UpdateCacheSize("memory", s.Bytes)
	}

	if s.Hits+s.Misses > 0 {
		s.HitRate = float64(s.Hits) / float64(s.Hits+s.Misses)
	}
	return s
}
