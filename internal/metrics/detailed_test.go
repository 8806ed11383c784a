package metrics

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordTaskExecutionAggregates(t *testing.T) {
	tc := NewTaskCollector()

	tc.RecordTaskExecution("build", 100*time.Millisecond, false, false)
	tc.RecordTaskExecution("build", 200*time.Millisecond, false, true)
	tc.RecordTaskExecution("build", 300*time.Millisecond, true, false)

	m, ok := tc.Task("build")
	require.True(t, ok)
	assert.Equal(t, int64(3), m.Runs)
	assert.Equal(t, int64(1), m.Failures)
	assert.Equal(t, int64(1), m.CacheHits)
	assert.Equal(t, int64(2), m.CacheMisses)
	assert.InDelta(t, 1.0/3.0, m.CacheHitRate, 1e-9)
	assert.Equal(t, 100*time.Millisecond, m.MinDuration)
	assert.Equal(t, 300*time.Millisecond, m.MaxDuration)
	assert.Equal(t, 200*time.Millisecond, m.AvgDuration)
	assert.False(t, m.LastRun.IsZero())
}

func TestTaskReturnsFalseForUnknownTask(t *testing.T) {
	tc := NewTaskCollector()
	_, ok := tc.Task("never-ran")
	assert.False(t, ok)
}

func TestPercentilesReportBucketUpperBounds(t *testing.T) {
	tc := NewTaskCollector()

	// 90 fast runs and 10 slow ones: p50 lands in the fast bucket, p99 in
	// the slow one.
	for i := 0; i < 90; i++ {
		tc.RecordTaskExecution("test", 8*time.Millisecond, false, false)
	}
	for i := 0; i < 10; i++ {
		tc.RecordTaskExecution("test", 900*time.Millisecond, false, false)
	}

	m, ok := tc.Task("test")
	require.True(t, ok)
	assert.Equal(t, 10*time.Millisecond, m.P50Duration)
	assert.Equal(t, 1*time.Second, m.P99Duration)
}

func TestPercentileOfSingleRun(t *testing.T) {
	tc := NewTaskCollector()
	tc.RecordTaskExecution("once", 30*time.Millisecond, false, false)

	m, ok := tc.Task("once")
	require.True(t, ok)
	assert.Equal(t, 50*time.Millisecond, m.P50Duration)
	assert.Equal(t, 50*time.Millisecond, m.P99Duration)
}

func TestOverlongRunFallsIntoUnboundedBucket(t *testing.T) {
	tc := NewTaskCollector()
	tc.RecordTaskExecution("slow", 20*time.Minute, false, false)

	m, ok := tc.Task("slow")
	require.True(t, ok)
	assert.Equal(t, 20*time.Minute, m.P99Duration)
}

func TestSnapshotCopiesAllTasks(t *testing.T) {
	tc := NewTaskCollector()
	tc.RecordTaskExecution("a", time.Millisecond, false, false)
	tc.RecordTaskExecution("b", time.Millisecond, false, false)

	snapshot := tc.Snapshot()
	require.Len(t, snapshot, 2)

	// Mutating the snapshot must not affect the collector.
	snapshot["a"].Runs = 999
	m, _ := tc.Task("a")
	assert.Equal(t, int64(1), m.Runs)
}

func TestSlowestTasksOrdersByAvgDuration(t *testing.T) {
	tc := NewTaskCollector()
	tc.RecordTaskExecution("fast", 10*time.Millisecond, false, false)
	tc.RecordTaskExecution("slow", time.Second, false, false)
	tc.RecordTaskExecution("medium", 100*time.Millisecond, false, false)

	top := tc.SlowestTasks(2)
	require.Len(t, top, 2)
	assert.Equal(t, "slow", top[0].TaskName)
	assert.Equal(t, "medium", top[1].TaskName)
}

func TestResetClearsTasks(t *testing.T) {
	tc := NewTaskCollector()
	tc.RecordTaskExecution("a", time.Millisecond, false, false)
	tc.Reset()
	assert.Empty(t, tc.Snapshot())
}

func TestConcurrentTaskRecording(t *testing.T) {
	tc := NewTaskCollector()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 50; j++ {
				tc.RecordTaskExecution("shared", time.Millisecond, false, j%2 == 0)
			}
		}()
	}
	wg.Wait()

	m, ok := tc.Task("shared")
	require.True(t, ok)
	assert.Equal(t, int64(400), m.Runs)
	assert.Equal(t, int64(200), m.CacheHits)
}
