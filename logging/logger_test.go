package logging

import (
	"bytes"
	"context"
	"log/slog"
	"testing"

	"github.com/goccy/go-json"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureJSON(t *testing.T, level string) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	Init(Config{Level: level, Format: "json", Output: &buf})
	t.Cleanup(func() { Init(Config{}) })
	return &buf
}

func decodeLine(t *testing.T, buf *bytes.Buffer) map[string]any {
	t.Helper()
	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	return entry
}

func TestLevelFiltering(t *testing.T) {
	buf := captureJSON(t, "warn")

	Info().Msg("hidden")
	assert.Zero(t, buf.Len())

	Warn().Msg("shown")
	entry := decodeLine(t, buf)
	assert.Equal(t, "shown", entry["message"])
	assert.Equal(t, "warn", entry["level"])
}

func TestCtxAddsRequestID(t *testing.T) {
	buf := captureJSON(t, "debug")

	ctx := ContextWithRequestID(context.Background(), "req-1")
	Ctx(ctx).Info().Msg("hello")

	entry := decodeLine(t, buf)
	assert.Equal(t, "req-1", entry["request_id"])
	assert.Equal(t, "req-1", RequestIDFromContext(ctx))
	assert.Empty(t, RequestIDFromContext(context.Background()))
}

func TestSlogHandlerWritesThroughZerolog(t *testing.T) {
	buf := captureJSON(t, "info")

	logger := NewSlogLogger().With("service", "sweeper").WithGroup("purge")
	logger.Info("done", "requests", 3)

	entry := decodeLine(t, buf)
	assert.Equal(t, "done", entry["message"])
	assert.Equal(t, "sweeper", entry["service"])
	assert.EqualValues(t, 3, entry["purge.requests"])

	buf.Reset()
	logger.Debug("dropped")
	assert.Zero(t, buf.Len())
	assert.False(t, NewSlogHandler().Enabled(context.Background(), slog.LevelDebug))
}
