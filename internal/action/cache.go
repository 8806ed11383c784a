package action

import (
	"context"
	"sync/atomic"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/cuenv/cuenv/internal/eventbus"
	"github.com/cuenv/cuenv/internal/metrics"
	"github.com/cuenv/cuenv/internal/unifiedcache"
)

// Result is the materialized outcome of a task execution.
type Result struct {
	ExitCode    int               `json:"exit_code"`
	StdoutHash  string            `json:"stdout_hash,omitempty"`
	StderrHash  string            `json:"stderr_hash,omitempty"`
	OutputFiles map[string]string `json:"output_files,omitempty"`
	ExecutedAt  time.Time         `json:"executed_at"`
	DurationMS  int64             `json:"duration_ms"`
}

// Builder computes a Result for a digest that missed the cache.
type Builder func(ctx context.Context) (Result, error)

// Cache is the action cache: read-through over the unified cache, with at
// most one in-flight computation per digest process-wide.
type Cache struct {
	store *unifiedcache.Cache
	bus   *eventbus.Bus
	group singleflight.Group

	metrics  *metrics.Collector
	inFlight int64
}

// New constructs an action Cache backed by store, publishing cache events
// to bus (bus may be nil to disable event publication).
func New(store *unifiedcache.Cache, bus *eventbus.Bus) *Cache {
	return &Cache{store: store, bus: bus}
}

// SetMetrics attaches a collector that records a gauge of the number of
// digests currently computing their single-flight builder, and forwards
// the same collector to the backing unified cache.
func (c *Cache) SetMetrics(m *metrics.Collector) {
	c.metrics = m
	c.store.SetMetrics(m)
}

// Execute consults the unified cache for a prior Result, and otherwise
// runs builder exactly once per digest even under concurrent callers,
// caching the Result on success and never caching on failure.
func (c *Cache) Execute(ctx context.Context, digest Digest, builder Builder) (Result, error) {
	key := digest.CacheKey()

	var cached Result
	if ok, err := c.store.Get(key, &cached); err == nil && ok {
		c.publish(eventbus.CacheHit, key)
		return cached, nil
	}
	c.publish(eventbus.CacheMiss, key)

	v, err, _ := c.group.Do(string(digest), func() (interface{}, error) {
		if c.metrics != nil {
			n := atomic.AddInt64(&c.inFlight, 1)
			c.metrics.UpdateActiveConnections(int(n))
			defer func() {
				n := atomic.AddInt64(&c.inFlight, -1)
				c.metrics.UpdateActiveConnections(int(n))
			}()
		}

		result, err := builder(ctx)
		if err != nil {
			return Result{}, err
		}
		if putErr := c.store.Put(key, result, nil); putErr != nil {
			return Result{}, putErr
		}
		c.publish(eventbus.CacheWrite, key)
		return result, nil
	})
	if err != nil {
		return Result{}, err
	}
	return v.(Result), nil
}

func (c *Cache) publish(kind eventbus.EventKind, keyHash string) {
	if c.bus == nil {
		return
	}
	c.bus.PublishCacheEvent(kind, keyHash)
}
