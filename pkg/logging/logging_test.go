package logging

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decode(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &entry), "output: %s", buf.String())
	return entry
}

func TestNewLogger(t *testing.T) {
	logger := NewLogger(LevelInfo)
	assert.Equal(t, LevelInfo, logger.level)
	assert.Equal(t, FormatJSON, logger.format)
}

func TestLogger_Debug(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelDebug)
	logger.SetOutput(&buf)

	logger.Debug("test message", map[string]any{"key": "value"})

	entry := decode(t, &buf)
	assert.Equal(t, "debug", entry["level"])
	assert.Equal(t, "test message", entry["message"])
	assert.Equal(t, "value", entry["key"])
	assert.Contains(t, entry, "time")
}

func TestLogger_DebugFiltered(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.Debug("test message")

	assert.Zero(t, buf.Len(), "debug must be dropped at info level")
}

func TestLogger_WarnFilteredAtError(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)

	logger.Warn("ignored")
	logger.Info("ignored")
	assert.Zero(t, buf.Len())

	logger.Error("error message")
	assert.Equal(t, "error", decode(t, &buf)["level"])
}

func TestLogger_Warn(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	logger.Warn("warn message")

	assert.Equal(t, "warn", decode(t, &buf)["level"])
}

func TestLogger_ErrorErr(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)

	logger.ErrorErr("operation failed", errors.New("test error"), map[string]any{"step": "transfer"})

	entry := decode(t, &buf)
	assert.Equal(t, "test error", entry["error"])
	assert.Equal(t, "transfer", entry["step"])
}

func TestLogger_WithFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)

	child := logger.WithFields(map[string]any{"hash": "abc"})
	grandchild := child.WithFields(map[string]any{"run_id": "123"})
	grandchild.Info("test message", map[string]any{"count": 42})

	entry := decode(t, &buf)
	assert.Equal(t, "abc", entry["hash"])
	assert.Equal(t, "123", entry["run_id"])
	assert.Equal(t, float64(42), entry["count"])

	buf.Reset()
	logger.Info("parent")
	assert.NotContains(t, buf.String(), "run_id", "parent must not inherit child fields")
}

func TestLogger_TextFormat(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelInfo)
	logger.SetOutput(&buf)
	logger.SetFormat(FormatText)

	logger.Info("moved payload", map[string]any{"hash": "abc"})

	out := buf.String()
	assert.Contains(t, out, "moved payload")
	assert.Contains(t, out, "hash=abc")
	assert.False(t, strings.HasPrefix(out, "{"))
}

func TestLogger_SetLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(LevelError)
	logger.SetOutput(&buf)
	logger.SetLevel(LevelDebug)

	assert.Equal(t, LevelDebug, logger.level)
	logger.Debug("now visible")
	assert.Contains(t, buf.String(), "now visible")
}

func TestParseLevel(t *testing.T) {
	for in, want := range map[string]Level{
		"debug": LevelDebug, "INFO": LevelInfo, "": LevelInfo,
		"warning": LevelWarn, "warn": LevelWarn, "error": LevelError,
	} {
		got, err := ParseLevel(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := ParseLevel("trace")
	assert.Error(t, err)
}

func TestParseFormat(t *testing.T) {
	f, err := ParseFormat("text")
	require.NoError(t, err)
	assert.Equal(t, FormatText, f)

	f, err = ParseFormat("")
	require.NoError(t, err)
	assert.Equal(t, FormatJSON, f)

	_, err = ParseFormat("xml")
	assert.Error(t, err)
}

func TestGlobalLogger(t *testing.T) {
	prev := Global()
	t.Cleanup(func() { SetGlobal(prev) })

	var buf bytes.Buffer
	testLogger := NewLogger(LevelDebug)
	testLogger.SetOutput(&buf)
	SetGlobal(testLogger)

	Debug("global debug message")
	assert.Equal(t, "global debug message", decode(t, &buf)["message"])

	buf.Reset()
	WithFields(map[string]any{"component": "test"}).Info("component message")
	assert.Equal(t, "test", decode(t, &buf)["component"])
}
