package logger

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// JSONLogEntry is one line written by the JSON logger.
type JSONLogEntry struct {
	Timestamp time.Time              `json:"timestamp"`
	Severity  string                 `json:"severity"`
	Message   string                 `json:"message"`
	Component string                 `json:"component,omitempty"`
	Metadata  map[string]interface{} `json:"metadata,omitempty"`
}

type jsonLogger struct {
	metadata     map[string]interface{}
	components   []string
	out          io.Writer
	mu           *sync.Mutex
	sink         Sink
	logLevel     LogLevel
	sinkLogLevel LogLevel
	now          func() time.Time
}

var _ SinkLogger = (*jsonLogger)(nil)

func (c *jsonLogger) clone() *jsonLogger {
	metadata := make(map[string]interface{}, len(c.metadata))
	for k, v := range c.metadata {
		metadata[k] = v
	}
	l := *c
	l.metadata = metadata
	l.components = append([]string(nil), c.components...)
	return &l
}

func (c *jsonLogger) SetSink(sink Sink, level LogLevel) {
	c.mu.Lock()
	c.sink = sink
	c.sinkLogLevel = level
	c.mu.Unlock()
}

// WithPrefix adds prefix, without its brackets, to the entry component.
func (c *jsonLogger) WithPrefix(prefix string) Logger {
	l := c.clone()
	name := strings.Trim(prefix, "[]")
	for _, existing := range l.components {
		if existing == name {
			return l
		}
	}
	l.components = append(l.components, name)
	return l
}

func (c *jsonLogger) With(metadata map[string]interface{}) Logger {
	l := c.clone()
	for k, v := range metadata {
		l.metadata[k] = v
	}
	return l
}

func (c *jsonLogger) log(level LogLevel, severity string, msg string, args ...interface{}) {
	if level < c.logLevel && level < c.sinkLogLevel {
		return
	}
	entry := JSONLogEntry{
		Timestamp: c.now(),
		Severity:  severity,
		Message:   ansiColorStripper.ReplaceAllString(fmt.Sprintf(msg, args...), ""),
		Component: strings.Join(c.components, "."),
	}
	if len(c.metadata) > 0 {
		entry.Metadata = c.metadata
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		buf, _ = json.Marshal(JSONLogEntry{Timestamp: entry.Timestamp, Severity: severity, Message: entry.Message})
	}
	buf = append(buf, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if level >= c.logLevel {
		c.out.Write(buf)
	}
	if c.sink != nil && level >= c.sinkLogLevel {
		c.sink.Write(buf)
	}
}

func (c *jsonLogger) Trace(msg string, args ...interface{}) {
	c.log(LevelTrace, "TRACE", msg, args...)
}

func (c *jsonLogger) Debug(msg string, args ...interface{}) {
	c.log(LevelDebug, "DEBUG", msg, args...)
}

func (c *jsonLogger) Info(msg string, args ...interface{}) {
	c.log(LevelInfo, "INFO", msg, args...)
}

func (c *jsonLogger) Warn(msg string, args ...interface{}) {
	c.log(LevelWarn, "WARNING", msg, args...)
}

func (c *jsonLogger) Error(msg string, args ...interface{}) {
	c.log(LevelError, "ERROR", msg, args...)
}

func (c *jsonLogger) Fatal(msg string, args ...interface{}) {
	c.log(LevelError, "FATAL", msg, args...)
	os.Exit(1)
}

// NewJSONLogger returns a Logger writing one JSON object per line to out.
func NewJSONLogger(out io.Writer, level LogLevel) SinkLogger {
	return &jsonLogger{
		metadata:     map[string]interface{}{},
		out:          out,
		mu:           &sync.Mutex{},
		logLevel:     level,
		sinkLogLevel: LevelNone,
		now:          time.Now,
	}
}
