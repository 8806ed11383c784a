package cueerrors

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewSetsDefaultHint(t *testing.T) {
	err := New(CodeCorruption, "checksum mismatch")
	require.Equal(t, CodeCorruption, err.Code)
	assert.Equal(t, HintClearAndRetry, err.Hint)
	assert.True(t, err.Retryable())
}

func TestWithChainReturnsSameError(t *testing.T) {
	err := New(CodeIO, "write failed").
		WithComponent("storage").
		WithOperation("write").
		WithDetail("path", "/tmp/x").
		WithContext("request_id", "abc")

	assert.Equal(t, "storage", err.Component)
	assert.Equal(t, "write", err.Operation)
	assert.Equal(t, "/tmp/x", err.Details["path"])
	assert.Equal(t, "abc", err.Context["request_id"])
	assert.Contains(t, err.Error(), "storage:write")
}

func TestWrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(CodeIO, cause, "could not write entry")

	assert.Same(t, cause, err.Unwrap())
	assert.True(t, errors.Is(err, err))
}

func TestIsMatchesByCode(t *testing.T) {
	a := New(CodeTimeout, "a")
	b := New(CodeTimeout, "b")
	c := New(CodeIO, "c")

	assert.True(t, a.Is(b))
	assert.False(t, a.Is(c))
}

func TestJSONRoundTripsFields(t *testing.T) {
	err := New(CodeInvalidKey, "bad key").WithComponent("cachekey")
	data := err.JSON()
	assert.Contains(t, data, `"code":"INVALID_KEY"`)
	assert.Contains(t, data, `"component":"cachekey"`)
}

func TestWithStackCapturesCaller(t *testing.T) {
	err := New(CodeCorruption, "boom").WithStack()
	assert.NotEmpty(t, err.Stack)
	assert.Contains(t, err.Stack, "errors_test.go")
}

func TestGetCodeUnwrapsChain(t *testing.T) {
	inner := New(CodeCompression, "zstd failed")
	outer := errors.New("outer context")
	_ = outer

	code, ok := GetCode(inner)
	require.True(t, ok)
	assert.Equal(t, CodeCompression, code)

	_, ok = GetCode(errors.New("plain"))
	assert.False(t, ok)
}
