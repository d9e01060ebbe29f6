package logging

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/austindbirch/harbor_egress/internal/tracing"
)

// LogLevel represents the severity of the log entry
type LogLevel string

const (
	LevelDebug LogLevel = "debug"
	LevelInfo  LogLevel = "info"
	LevelWarn  LogLevel = "warn"
	LevelError LogLevel = "error"
	LevelFatal LogLevel = "fatal"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time     time.Time      `json:"time"`
	Level    LogLevel       `json:"level"`
	Message  string         `json:"msg"`
	Service  string         `json:"service,omitempty"`
	TraceID  string         `json:"trace_id,omitempty"`
	SpanID   string         `json:"span_id,omitempty"`
	RunID    string         `json:"run_id,omitempty"`
	Consumer string         `json:"consumer,omitempty"`
	EntityID string         `json:"entity_id,omitempty"`
	Attempt  int            `json:"attempt,omitempty"`
	Fields   map[string]any `json:"fields,omitempty"`

	logger *Logger
}

// Logger provides structured logging with trace correlation
type Logger struct {
	service string
	mu      sync.Mutex
	out     io.Writer
}

// New creates a new structured logger for the given service
func New(service string) *Logger {
	return &Logger{
		service: service,
		out:     os.Stdout,
	}
}

// NewWithWriter creates a logger that writes JSON lines to w
func NewWithWriter(service string, w io.Writer) *Logger {
	return &Logger{service: service, out: w}
}

// Discard returns a logger that drops everything. Handy for tests.
func Discard() *Logger {
	return NewWithWriter("", io.Discard)
}

func (l *Logger) entry() *LogEntry {
	return &LogEntry{
		Time:    time.Now().UTC(),
		Service: l.service,
		Fields:  make(map[string]any),
		logger:  l,
	}
}

// WithContext creates a log entry with trace correlation from context
func (l *Logger) WithContext(ctx context.Context) *LogEntry {
	entry := l.entry()
	if traceID := tracing.GetTraceID(ctx); traceID != "" {
		entry.TraceID = traceID
	}
	return entry
}

// WithFields creates a log entry with arbitrary key-value pairs
func (l *Logger) WithFields(fields map[string]any) *LogEntry {
	entry := l.entry()
	entry.Fields = fields
	return entry
}

// Plain creates a basic log entry without context
func (l *Logger) Plain() *LogEntry {
	return l.entry()
}

// Fluent interface methods for LogEntry

// WithTraceID sets the trace ID for the log entry
func (e *LogEntry) WithTraceID(traceID string) *LogEntry {
	e.TraceID = traceID
	return e
}

// WithRun sets the orchestration run ID
func (e *LogEntry) WithRun(runID string) *LogEntry {
	e.RunID = runID
	return e
}

// WithConsumer sets the consumer URL
func (e *LogEntry) WithConsumer(url string) *LogEntry {
	e.Consumer = url
	return e
}

// WithEntity sets the changed entity ID
func (e *LogEntry) WithEntity(entityID string) *LogEntry {
	e.EntityID = entityID
	return e
}

// WithAttempt sets the 1-based attempt number
func (e *LogEntry) WithAttempt(n int) *LogEntry {
	e.Attempt = n
	return e
}

// WithField adds a single field to the log entry
func (e *LogEntry) WithField(key string, value any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	e.Fields[key] = value
	return e
}

// WithFields adds multiple fields to the log entry
func (e *LogEntry) WithFields(fields map[string]any) *LogEntry {
	if e.Fields == nil {
		e.Fields = make(map[string]any)
	}
	for k, v := range fields {
		e.Fields[k] = v
	}
	return e
}

// WithError adds an error field to the log entry
func (e *LogEntry) WithError(err error) *LogEntry {
	if err != nil {
		if e.Fields == nil {
			e.Fields = make(map[string]any)
		}
		e.Fields["error"] = err.Error()
	}
	return e
}

// Debug logs at debug level
func (e *LogEntry) Debug(message string) {
	e.emit(LevelDebug, message)
}

// Debugf logs at debug level with formatting
func (e *LogEntry) Debugf(format string, args ...any) {
	e.emit(LevelDebug, fmt.Sprintf(format, args...))
}

// Info logs at info level
func (e *LogEntry) Info(message string) {
	e.emit(LevelInfo, message)
}

// Infof logs at info level with formatting
func (e *LogEntry) Infof(format string, args ...any) {
	e.emit(LevelInfo, fmt.Sprintf(format, args...))
}

// Warn logs at warn level
func (e *LogEntry) Warn(message string) {
	e.emit(LevelWarn, message)
}

// Warnf logs at warn level with formatting
func (e *LogEntry) Warnf(format string, args ...any) {
	e.emit(LevelWarn, fmt.Sprintf(format, args...))
}

// Error logs at error level
func (e *LogEntry) Error(message string) {
	e.emit(LevelError, message)
}

// Errorf logs at error level with formatting
func (e *LogEntry) Errorf(format string, args ...any) {
	e.emit(LevelError, fmt.Sprintf(format, args...))
}

// Fatal logs at fatal level and exits
func (e *LogEntry) Fatal(message string) {
	e.emit(LevelFatal, message)
	os.Exit(1)
}

// Fatalf logs at fatal level with formatting and exits
func (e *LogEntry) Fatalf(format string, args ...any) {
	e.emit(LevelFatal, fmt.Sprintf(format, args...))
	os.Exit(1)
}

func (e *LogEntry) emit(level LogLevel, message string) {
	e.Level = level
	e.Message = message
	e.output()
}

// output writes the log entry as one JSON line
func (e *LogEntry) output() {
	if len(e.Fields) == 0 {
		e.Fields = nil
	}

	var (
		w  io.Writer = os.Stdout
		mu *sync.Mutex
	)
	if e.logger != nil {
		w = e.logger.out
		mu = &e.logger.mu
	}

	data, err := json.Marshal(e)
	if mu != nil {
		mu.Lock()
		defer mu.Unlock()
	}
	if err != nil {
		// Fallback to plain text if JSON marshaling fails
		fmt.Fprintf(os.Stderr, "logging error: %v\n", err)
		fmt.Fprintf(w, "%s [%s] %s\n", e.Time.Format(time.RFC3339), e.Level, e.Message)
		return
	}

	_, _ = w.Write(append(data, '\n'))
}

// Global convenience functions

var defaultLogger = New("harbor-egress")

// WithContext creates a log entry with trace correlation from context using the default logger
func WithContext(ctx context.Context) *LogEntry {
	return defaultLogger.WithContext(ctx)
}

// WithFields creates a log entry with fields using the default logger
func WithFields(fields map[string]any) *LogEntry {
	return defaultLogger.WithFields(fields)
}

// Plain creates a basic log entry using the default logger
func Plain() *LogEntry {
	return defaultLogger.Plain()
}

// SetDefaultService sets the service name for the default logger
func SetDefaultService(service string) {
	defaultLogger.service = service
}
