package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func captureLogger(buf *bytes.Buffer, level slog.Level) *slog.Logger {
	return slog.New(slog.NewJSONHandler(buf, &slog.HandlerOptions{Level: level}))
}

func TestSingletonLogging(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	Set(captureLogger(&buf, slog.LevelDebug))
	t.Cleanup(func() { Set(old) })

	Infof("hello %s", "world")
	Debugw("probing", "service", "/currenttime")
	Warnf("slow probe: %dms", 1200)

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 3)

	var first map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &first))
	assert.Equal(t, "hello world", first["msg"])
	assert.Equal(t, "INFO", first["level"])

	var second map[string]any
	require.NoError(t, json.Unmarshal(lines[1], &second))
	assert.Equal(t, "probing", second["msg"])
	assert.Equal(t, "/currenttime", second["service"])
}

func TestDebugSuppressedAtInfoLevel(t *testing.T) {
	var buf bytes.Buffer
	old := Get()
	Set(captureLogger(&buf, slog.LevelInfo))
	t.Cleanup(func() { Set(old) })

	Debug("should not appear")
	Info("should appear")

	lines := bytes.Split(bytes.TrimSpace(buf.Bytes()), []byte("\n"))
	require.Len(t, lines, 1)
	assert.Contains(t, string(lines[0]), "should appear")
}
