package unifiedcache

import (
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cuenv/cuenv/internal/storage"
	"github.com/cuenv/cuenv/pkg/cueerrors"
)

func ttl(d time.Duration) *time.Duration { return &d }

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FastPathThreshold = 16 // force most test payloads through the disk tier
	c, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestPutGetRoundTripThroughDisk(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("greeting", "hello, cuenv task engine", nil))

	var got string
	ok, err := c.Get("greeting", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hello, cuenv task engine", got)
}

func TestPutGetRoundTripThroughFastPath(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "hi", nil))

	var got string
	ok, err := c.Get("k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "hi", got)
}

func TestIdempotentOverwrite(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "value padded out past threshold", nil))
	require.NoError(t, c.Put("k", "value padded out past threshold", nil))

	var got string
	ok, _ := c.Get("k", &got)
	require.True(t, ok)
	assert.Equal(t, "value padded out past threshold", got)
}

func TestLastWriterWins(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "first value padded out past threshold", nil))
	require.NoError(t, c.Put("k", "second value padded out past threshold", nil))

	var got string
	ok, _ := c.Get("k", &got)
	require.True(t, ok)
	assert.Equal(t, "second value padded out past threshold", got)
}

func TestRemoveThenGetMisses(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "value padded out past threshold", nil))
	assert.True(t, c.Remove("k"))

	var got string
	ok, _ := c.Get("k", &got)
	assert.False(t, ok)
}

func TestClearResetsEntryCount(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("a", "value padded out past threshold a", nil))
	require.NoError(t, c.Put("b", "value padded out past threshold b", nil))

	c.Clear()
	assert.EqualValues(t, 0, c.Statistics().Entries)
}

func TestTTLZeroExpiresImmediately(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "value padded out past threshold", ttl(0)))
	time.Sleep(time.Millisecond)

	var got string
	ok, _ := c.Get("k", &got)
	assert.False(t, ok)
	assert.False(t, c.Contains("k"))
}

func TestTTLZeroExpiresImmediatelyOnFastPath(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "hi", ttl(0)))
	time.Sleep(time.Millisecond)

	var got string
	ok, _ := c.Get("k", &got)
	assert.False(t, ok)
}

func TestExplicitTTLWinsOverDefault(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FastPathThreshold = 16
	cfg.DefaultTTL = time.Hour
	c, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	// An omitted TTL picks up the configured default; an explicit zero
	// does not.
	require.NoError(t, c.Put("defaulted", "value padded out past threshold", nil))
	require.NoError(t, c.Put("explicit", "value padded out past threshold", ttl(0)))
	time.Sleep(time.Millisecond)

	assert.True(t, c.Contains("defaulted"))
	var got string
	ok, _ := c.Get("explicit", &got)
	assert.False(t, ok)
}

func TestCapacityExceededOnOversizedValue(t *testing.T) {
	c := newTestCache(t)
	c.cfg.MaxEntrySize = 8

	err := c.Put("k", "this value is definitely too large", nil)
	require.Error(t, err)
}

func TestStatisticsCountHitsAndMisses(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "value padded out past threshold", nil))

	var got string
	_, _ = c.Get("k", &got)
	_, _ = c.Get("missing-key", &got)

	stats := c.Statistics()
	assert.EqualValues(t, 1, stats.Hits)
	assert.EqualValues(t, 1, stats.Misses)
	assert.InDelta(t, 0.5, stats.HitRate, 0.0001)
}

func TestCleanupStaleRemovesOldEntriesOnly(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "value padded out past threshold", nil))

	removed, freed := c.CleanupStale(time.Hour)
	assert.Zero(t, removed)
	assert.Zero(t, freed)

	removed, freed = c.CleanupStale(0)
	assert.Equal(t, 1, removed)
	assert.Positive(t, freed)

	var got string
	ok, _ := c.Get("k", &got)
	assert.False(t, ok)
}

func TestContainsRespectsTTL(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("k", "value padded out past threshold", ttl(time.Hour)))
	assert.True(t, c.Contains("k"))
}

func TestEmptyValueRoundTrips(t *testing.T) {
	c := newTestCache(t)
	require.NoError(t, c.Put("empty", "", nil))

	var got string
	ok, err := c.Get("empty", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "", got)
}

func TestMaxEntrySizeBoundary(t *testing.T) {
	c := newTestCache(t)
	// A string of length n serializes to n+2 JSON bytes (the quotes).
	payload := strings.Repeat("v", 30)
	c.cfg.MaxEntrySize = int64(len(payload) + 2)

	require.NoError(t, c.Put("exact", payload, nil))

	err := c.Put("over", payload+"v", nil)
	require.Error(t, err)
	code, ok := cueerrors.GetCode(err)
	require.True(t, ok)
	assert.Equal(t, cueerrors.CodeCapacityExceeded, code)
}

func TestEntryCountStaysWithinMaxEntries(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FastPathThreshold = 1 // force everything through the memory tier
	cfg.MaxEntries = 4
	c, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })

	for i := 0; i < 10; i++ {
		key := fmt.Sprintf("key-%d", i)
		require.NoError(t, c.Put(key, "value padded out past threshold", nil))
		assert.LessOrEqual(t, c.Statistics().Entries, int64(cfg.MaxEntries))
	}
}

func TestCorruptedDiskEntryDegradesToMissThenReputSucceeds(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FastPathThreshold = 1
	c, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Put("corrupt", "Test data for corruption", nil))
	require.NoError(t, c.Close())

	_, dataPath := c.paths("corrupt")
	raw, err := os.ReadFile(dataPath)
	require.NoError(t, err)
	raw[storage.HeaderSize] ^= 0xFF
	require.NoError(t, os.WriteFile(dataPath, raw, 0o644))

	// A fresh cache over the same root has no memory-tier copy, so the
	// flipped byte is detected on the disk read.
	c2, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	var got string
	ok, err := c2.Get("corrupt", &got)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, c2.Put("corrupt", "replacement value", nil))
	ok, err = c2.Get("corrupt", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "replacement value", got)
}

func TestWALRecreatesDeletedDataFile(t *testing.T) {
	dir := t.TempDir()
	cfg := DefaultConfig()
	cfg.FastPathThreshold = 1
	c, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, c.Put("k", "value recovered from the log", nil))
	require.NoError(t, c.Close())

	_, dataPath := c.paths("k")
	require.NoError(t, os.Remove(dataPath))

	c2, err := New(dir, cfg, storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c2.Close() })

	var got string
	ok, err := c2.Get("k", &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "value recovered from the log", got)
}
