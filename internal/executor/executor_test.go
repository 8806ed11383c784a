package executor

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/cuenv/cuenv/internal/action"
	"github.com/cuenv/cuenv/internal/eventbus"
	"github.com/cuenv/cuenv/internal/storage"
	"github.com/cuenv/cuenv/internal/task"
	"github.com/cuenv/cuenv/internal/unifiedcache"
)

func newTestExecutor(t *testing.T) (*Executor, *eventbus.Bus) {
	t.Helper()
	dir := t.TempDir()
	store, err := unifiedcache.New(dir, unifiedcache.DefaultConfig(), storage.DefaultConfig(), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bus := eventbus.New(64)
	actionCache := action.New(store, bus)
	ex := New(task.NewBuilder(), actionCache, bus, nil, DefaultConfig(), zap.NewNop())
	return ex, bus
}

func cmdConfig(cmd string) task.RawConfig {
	return task.RawConfig{Command: cmd, Shell: "sh", Timeout: 5 * time.Second}
}

func TestExecuteTasksRunsSingleTaskSuccessfully(t *testing.T) {
	ex, _ := newTestExecutor(t)
	configs := map[string]task.RawConfig{"build": cmdConfig("exit 0")}

	code, err := ex.ExecuteTasks(context.Background(), configs, []string{"build"}, Options{PackagePath: t.TempDir()})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	assert.True(t, ex.Executed("build"))
}

func TestExecuteTasksReportsFailure(t *testing.T) {
	ex, _ := newTestExecutor(t)
	configs := map[string]task.RawConfig{"build": cmdConfig("exit 3")}

	code, err := ex.ExecuteTasks(context.Background(), configs, []string{"build"}, Options{PackagePath: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.False(t, ex.Executed("build"))
}

func TestExecuteTasksRunsLevelsInDependencyOrder(t *testing.T) {
	ex, _ := newTestExecutor(t)
	dir := t.TempDir()
	marker := filepath.Join(dir, "compile.done")

	configs := map[string]task.RawConfig{
		"compile": cmdConfig("touch " + marker),
		"build":   {Command: "test -f " + marker, Shell: "sh", Dependencies: []string{"compile"}, Timeout: 5 * time.Second},
		"test":    {Command: "test -f " + marker, Shell: "sh", Dependencies: []string{"compile"}, Timeout: 5 * time.Second},
		"deploy":  {Command: "exit 0", Shell: "sh", Dependencies: []string{"build", "test"}, Timeout: 5 * time.Second},
	}

	code, err := ex.ExecuteTasks(context.Background(), configs, []string{"deploy"}, Options{PackagePath: dir})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
	for _, name := range []string{"compile", "build", "test", "deploy"} {
		assert.True(t, ex.Executed(name), name)
	}
}

func TestExecuteTasksRejectsCycle(t *testing.T) {
	ex, _ := newTestExecutor(t)
	configs := map[string]task.RawConfig{
		"a": {Command: "exit 0", Shell: "sh", Dependencies: []string{"b"}, Timeout: time.Second},
		"b": {Command: "exit 0", Shell: "sh", Dependencies: []string{"a"}, Timeout: time.Second},
	}

	code, err := ex.ExecuteTasks(context.Background(), configs, []string{"a"}, Options{PackagePath: t.TempDir()})
	require.Error(t, err)
	assert.Equal(t, 1, code)
}

func TestExecuteTasksEnforcesTimeout(t *testing.T) {
	ex, _ := newTestExecutor(t)
	configs := map[string]task.RawConfig{
		"slow": {Command: "sleep 10", Shell: "sh", Timeout: 100 * time.Millisecond},
	}

	start := time.Now()
	code, err := ex.ExecuteTasks(context.Background(), configs, []string{"slow"}, Options{PackagePath: t.TempDir()})
	elapsed := time.Since(start)

	require.Error(t, err)
	assert.Equal(t, 1, code)
	assert.Less(t, elapsed, 6*time.Second)
}

func TestExecuteTasksCachesSecondRun(t *testing.T) {
	ex, _ := newTestExecutor(t)
	dir := t.TempDir()
	countFile := filepath.Join(dir, "count")

	configs := map[string]task.RawConfig{
		"build": cmdConfig("echo x >> " + countFile),
	}

	_, err := ex.ExecuteTasks(context.Background(), configs, []string{"build"}, Options{PackagePath: dir})
	require.NoError(t, err)
	_, err = ex.ExecuteTasks(context.Background(), configs, []string{"build"}, Options{PackagePath: dir})
	require.NoError(t, err)

	data, err := os.ReadFile(countFile)
	require.NoError(t, err)
	assert.Equal(t, "x\n", string(data), "second run should be a cache hit and not re-execute")
}

func TestExecuteTasksPublishesLifecycleEvents(t *testing.T) {
	ex, bus := newTestExecutor(t)
	sub := bus.Subscribe()
	defer bus.Unsubscribe(sub)

	configs := map[string]task.RawConfig{"build": cmdConfig("exit 0")}
	_, err := ex.ExecuteTasks(context.Background(), configs, []string{"build"}, Options{PackagePath: t.TempDir()})
	require.NoError(t, err)

	var sawStarted, sawCompleted bool
	for i := 0; i < 8; i++ {
		select {
		case ev := <-sub.Events():
			if ev.Kind == eventbus.TaskStarted {
				sawStarted = true
			}
			if ev.Kind == eventbus.TaskCompleted {
				sawCompleted = true
			}
		case <-time.After(time.Second):
			break
		}
		if sawStarted && sawCompleted {
			break
		}
	}
	assert.True(t, sawStarted)
	assert.True(t, sawCompleted)
}

func TestExecuteTasksCapturesOutput(t *testing.T) {
	ex, _ := newTestExecutor(t)
	configs := map[string]task.RawConfig{"build": cmdConfig("echo hello")}

	code, err := ex.ExecuteTasks(context.Background(), configs, []string{"build"}, Options{
		PackagePath:   t.TempDir(),
		CaptureOutput: true,
	})
	require.NoError(t, err)
	assert.Equal(t, 0, code)
}
