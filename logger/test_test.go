package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewTestLogger(t *testing.T) {
	logger := NewTestLogger()

	assert.NotNil(t, logger)
	assert.Len(t, logger.Logs(), 0)
	assert.Nil(t, logger.metadata)
}

func TestTestLoggerMethods(t *testing.T) {
	logger := NewTestLogger()

	logger.Trace("Trace message", 1)
	logger.Debug("Debug message", 2)
	logger.Info("Info message", 3)
	logger.Warn("Warn message", 4)
	logger.Error("Error message %d", 5)

	logs := logger.Logs()
	assert.Len(t, logs, 5)
	assert.Equal(t, "TRACE", logs[0].Severity)
	assert.Equal(t, "DEBUG", logs[1].Severity)
	assert.Equal(t, "INFO", logs[2].Severity)
	assert.Equal(t, "WARNING", logs[3].Severity)
	assert.Equal(t, "ERROR", logs[4].Severity)
	assert.Equal(t, []interface{}{5}, logs[4].Arguments)
	assert.True(t, logger.Has("ERROR", "Error message 5"))
	assert.False(t, logger.Has("INFO", "Error message"))
}

func TestTestLoggerSharedRecord(t *testing.T) {
	root := NewTestLogger()
	child := WithKV(root.WithPrefix("[x]"), "partition", "posts")

	child.Warn("reset")

	logs := root.Logs()
	if assert.Len(t, logs, 1) {
		assert.Equal(t, "posts", logs[0].Metadata["partition"])
	}
}
