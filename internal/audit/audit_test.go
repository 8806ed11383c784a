package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecordWritesJSONLineToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := New(Config{FilePath: path, SessionID: "s1", User: "alice"})
	require.NoError(t, err)

	log.Record(LevelInfo, EventCommandExecution, map[string]interface{}{"task": "build"})
	require.NoError(t, log.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	line := scanner.Text()
	assert.Contains(t, line, `"event":"command_execution"`)
	assert.Contains(t, line, `"session_id":"s1"`)
}

func TestRecordDropsBelowMinLevel(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := New(Config{FilePath: path, MinLevel: LevelWarning})
	require.NoError(t, err)

	log.Record(LevelInfo, EventSecretResolution, nil)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Empty(t, data)
}

func TestRecordAtOrAboveMinLevelIsWritten(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := New(Config{FilePath: path, MinLevel: LevelWarning})
	require.NoError(t, err)

	log.Record(LevelCritical, EventRateLimitTrip, nil)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.NotEmpty(t, data)
}

func TestRecordIncludesMetadataWhenConfigured(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := New(Config{FilePath: path, IncludeMetadata: true})
	require.NoError(t, err)

	log.Record(LevelInfo, EventFileOperation, nil)
	require.NoError(t, log.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"hostname"`)
	assert.Contains(t, string(data), `"pid"`)
}

func TestLogHookExecutionLevelTracksOutcome(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.log")
	log, err := New(Config{FilePath: path})
	require.NoError(t, err)

	log.LogHookExecution("preload", false, nil)
	log.LogSecurityValidation("path-allowlist", false, nil)
	require.NoError(t, log.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	scanner := bufio.NewScanner(f)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"level":"warning"`)
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), `"level":"critical"`)
}
