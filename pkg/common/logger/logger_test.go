package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogger_WritesStructuredRecord(t *testing.T) {
	var buf bytes.Buffer
	traceID := func(context.Context) string { return "abc123" }

	log := New(&buf, LevelInfo, "gatekeeper", traceID).With("component", "engine")
	log.Info(context.Background(), "state changed", "from", "READY", "to", "TRIGGERING")

	var rec map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &rec))
	assert.Equal(t, "state changed", rec["msg"])
	assert.Equal(t, "gatekeeper", rec["service"])
	assert.Equal(t, "engine", rec["component"])
	assert.Equal(t, "TRIGGERING", rec["to"])
	assert.Equal(t, "abc123", rec["trace_id"])
	assert.Contains(t, rec["file"], "logger_test.go")
}

func TestLogger_RespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	log := New(&buf, LevelWarn, "gatekeeper", nil)

	log.Debug(context.Background(), "hidden")
	log.Info(context.Background(), "hidden")
	assert.Zero(t, buf.Len())

	log.Warn(context.Background(), "shown")
	assert.NotZero(t, buf.Len())
}

func TestLogger_ErrorEventFires(t *testing.T) {
	var buf bytes.Buffer
	var got Record
	events := Events{
		Error: func(_ context.Context, r Record) { got = r },
	}

	log := NewWithMetadata(&buf, LevelDebug, "gatekeeper", nil, events, map[string]string{"hostname": "gate-1"})
	log.Error(context.Background(), "adapter failed", "target", "udp:8080")

	assert.Equal(t, "adapter failed", got.Message)
	assert.Equal(t, LevelError, got.Level)
	assert.Equal(t, "udp:8080", got.Attributes["target"])
	assert.Contains(t, buf.String(), `"hostname":"gate-1"`)
}

func TestNoop_DiscardsEverything(t *testing.T) {
	log := Noop().With("component", "x")
	assert.NotPanics(t, func() {
		log.Error(context.Background(), "nothing to see")
	})
}

func TestParseLevel(t *testing.T) {
	tests := map[string]Level{
		"debug":   LevelDebug,
		"INFO":    LevelInfo,
		"warn":    LevelWarn,
		"Warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"verbose": LevelInfo,
	}
	for in, want := range tests {
		assert.Equal(t, want, ParseLevel(in), in)
	}
}
