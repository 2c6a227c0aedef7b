package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSlogLoggerLevels(t *testing.T) {
	tests := []struct {
		name      string
		level     LogLevel
		logFunc   func(l Logger)
		wantEntry bool
	}{
		{"info at info", LogLevelInfo, func(l Logger) { l.Info("hello") }, true},
		{"debug at info", LogLevelInfo, func(l Logger) { l.Debug("hello") }, false},
		{"trace at trace", LogLevelTrace, func(l Logger) { l.Trace("hello") }, true},
		{"warn at error", LogLevelError, func(l Logger) { l.Warn("hello") }, false},
		{"error at error", LogLevelError, func(l Logger) { l.Error("hello") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := &bytes.Buffer{}
			tt.logFunc(NewSlogLogger(buf, tt.level, time.UTC))
			assert.Equal(t, tt.wantEntry, strings.Contains(buf.String(), "hello"))
		})
	}
}

func TestModuleAndFields(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelDebug, time.UTC).
		Module("pipeline").
		Module("fetch").
		With(String("area", "yosemite"))

	log.Info("tile fetched", Int("tile_index", 7), Error(errors.New("slow")), Duration("elapsed", 1500*time.Millisecond))

	out := buf.String()
	assert.Contains(t, out, "module=pipeline.fetch")
	assert.Contains(t, out, "area=yosemite")
	assert.Contains(t, out, "tile_index=7")
	assert.Contains(t, out, "error=slow")
	assert.Contains(t, out, "elapsed=1.5s")
}

func TestWithContextAddsTraceID(t *testing.T) {
	buf := &bytes.Buffer{}
	log := NewSlogLogger(buf, LogLevelInfo, time.UTC)

	ctx := WithTraceID(context.Background(), "run-123")
	log.WithContext(ctx).Info("started")
	log.WithContext(context.Background()).Info("plain")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "trace_id=run-123")
	assert.NotContains(t, lines[1], "trace_id")
}

func TestCentralLoggerFileOutput(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "run.log")
	cl, err := NewCentralLogger(&LoggingConfig{
		DefaultLevel: "debug",
		Console:      &ConsoleOutput{Enabled: false},
		FileOutput:   &FileOutput{Enabled: true, Path: path, Level: "debug"},
		ModuleLevels: map[string]string{"quiet": "error"},
	})
	require.NoError(t, err)

	cl.Module("mosaic").Debug("merged", Int("tiles", 11))
	cl.Module("quiet").Info("dropped")
	require.NoError(t, cl.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 1)

	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &entry))
	assert.Equal(t, "merged", entry["msg"])
	assert.Equal(t, "mosaic", entry["module"])
	assert.InDelta(t, 11, entry["tiles"], 0)
}

func TestCentralLoggerRejectsBadTimezone(t *testing.T) {
	_, err := NewCentralLogger(&LoggingConfig{Timezone: "Mars/Olympus"})
	require.Error(t, err)
}

func TestNilConfig(t *testing.T) {
	_, err := NewCentralLogger(nil)
	require.Error(t, err)
}
