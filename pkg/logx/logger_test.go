package logx

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []map[string]interface{} {
	t.Helper()
	var out []map[string]interface{}
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		m := map[string]interface{}{}
		require.NoError(t, json.Unmarshal([]byte(line), &m))
		out = append(out, m)
	}
	return out
}

func TestLoggerKeyValueFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("debug", "selector")
	l.SetOutput(&buf)

	l.Info("switch requested", "sub_id", 5, "error", errors.New("boom"))

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "switch requested", lines[0]["msg"])
	assert.Equal(t, "selector", lines[0]["component"])
	assert.Equal(t, float64(5), lines[0]["sub_id"])
	assert.Equal(t, "boom", lines[0]["error"])
}

func TestLoggerMapFields(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("info", "scan")
	l.SetOutput(&buf)

	l.Warn("scan failed", map[string]interface{}{"code": 3})

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "warning", lines[0]["level"])
	assert.Equal(t, float64(3), lines[0]["code"])
}

func TestLoggerOddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("info", "x")
	l.SetOutput(&buf)

	l.Info("odd", "a", 1, "dangling")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "dangling", lines[0]["extra"])
}

func TestLoggerLevelFiltering(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("warn", "x")
	l.SetOutput(&buf)

	l.Debug("hidden")
	l.Info("hidden")
	l.LogDebugVerbose("hidden", nil)
	l.Error("shown")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "shown", lines[0]["msg"])

	l.SetLevel("trace")
	assert.Equal(t, "trace", l.Level())
}

func TestLoggerWith(t *testing.T) {
	var buf bytes.Buffer
	l := NewLogger("info", "svc")
	l.SetOutput(&buf)

	child := l.With("request_id", "abc")
	child.Info("hello")

	lines := decodeLines(t, &buf)
	require.Len(t, lines, 1)
	assert.Equal(t, "abc", lines[0]["request_id"])
	assert.Equal(t, "svc", lines[0]["component"])
}

func TestLoggerWithFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "ons.log")
	l := NewLoggerWithFile("info", "onsd", FileOptions{Path: path})
	l.Info("to file")
	require.NoError(t, l.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), "to file")
}

func TestPerformanceLogger(t *testing.T) {
	l := NewLogger("error", "perf")
	l.SetOutput(&bytes.Buffer{})
	pl := NewPerformanceLogger(l)

	op := pl.StartOperation(context.Background(), "selection_cycle")
	op.Complete(nil)
	op.Complete(errors.New("ignored second call"))

	pl.StartOperation(context.Background(), "selection_cycle").Complete(errors.New("failed"))

	m, ok := pl.GetMetrics("selection_cycle")
	require.True(t, ok)
	assert.Equal(t, int64(2), m.Count)
	assert.Equal(t, int64(1), m.ErrorCount)
	assert.Equal(t, int64(0), m.InFlight)
	assert.LessOrEqual(t, m.MinDuration, m.MaxDuration)

	all := pl.GetAllMetrics()
	assert.Len(t, all, 1)

	pl.Reset()
	_, ok = pl.GetMetrics("selection_cycle")
	assert.False(t, ok)
}
