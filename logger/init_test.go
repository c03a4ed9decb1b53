package logger

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetLevelFromEnv(t *testing.T) {
	tests := []struct {
		name          string
		envValue      string
		expectedLevel LogLevel
	}{
		{"trace level", "trace", LevelTrace},
		{"debug level", "debug", LevelDebug},
		{"info level", "info", LevelInfo},
		{"warn level", "warn", LevelWarn},
		{"warning alias", "warning", LevelWarn},
		{"error level", "error", LevelError},
		{"uppercase trace", "TRACE", LevelTrace},
		{"padded info", " info ", LevelInfo},
		{"off", "off", LevelNone},
		{"invalid value", "verbose", LevelWarn},
		{"empty value", "", LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(LevelEnv, tt.envValue)
			assert.Equal(t, tt.expectedLevel, GetLevelFromEnv())
		})
	}
}

func TestConsoleLoggerSink(t *testing.T) {
	var buf bytes.Buffer
	log := NewConsoleLogger(LevelNone)
	log.SetSink(&buf, LevelInfo)

	log.Debug("hidden %d", 1)
	assert.Empty(t, buf.String())

	log.WithPrefix("[store]").With(map[string]interface{}{"partition": "posts"}).Warn("reset %s", "posts")
	out := buf.String()
	assert.Contains(t, out, "[WARN ]")
	assert.Contains(t, out, "[store] reset posts")
	assert.Contains(t, out, `{"partition":"posts"}`)
	assert.NotContains(t, out, "\x1b[")
}

func TestConsoleLoggerWithDoesNotLeak(t *testing.T) {
	var buf bytes.Buffer
	base := NewConsoleLogger(LevelNone)
	base.SetSink(&buf, LevelTrace)

	_ = base.With(map[string]interface{}{"k": "v"})
	base.Info("plain")
	assert.NotContains(t, buf.String(), `"k"`)
}
