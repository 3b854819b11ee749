package testutil

import (
	"context"
	"sync"

	"github.com/nimburion/chatsync/pkg/observability/logger"
)

// MockLogger captures log entries for assertions. It is safe for
// concurrent use; children created by With share the parent's entries.
type MockLogger struct {
	mu     *sync.Mutex
	logs   *[]LogEntry
	fields map[string]any
}

// LogEntry is one captured log call.
type LogEntry struct {
	Level  string
	Msg    string
	Fields map[string]any
}

// NewMockLogger returns an empty capturing logger.
func NewMockLogger() *MockLogger {
	return &MockLogger{mu: &sync.Mutex{}, logs: &[]LogEntry{}, fields: map[string]any{}}
}

func (m *MockLogger) Debug(msg string, args ...any) { m.record("debug", msg, args) }
func (m *MockLogger) Info(msg string, args ...any)  { m.record("info", msg, args) }
func (m *MockLogger) Warn(msg string, args ...any)  { m.record("warn", msg, args) }
func (m *MockLogger) Error(msg string, args ...any) { m.record("error", msg, args) }

// With returns a child that adds args to every entry.
func (m *MockLogger) With(args ...any) logger.Logger {
	child := &MockLogger{mu: m.mu, logs: m.logs, fields: cloneFields(m.fields)}
	addFields(child.fields, args)
	return child
}

// WithContext adds the request id found in ctx.
func (m *MockLogger) WithContext(ctx context.Context) logger.Logger {
	if id := logger.RequestIDFromContext(ctx); id != "" {
		return m.With("request_id", id)
	}
	return m
}

// Entries returns a copy of the captured entries.
func (m *MockLogger) Entries() []LogEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]LogEntry(nil), (*m.logs)...)
}

// Find returns the first entry with msg.
func (m *MockLogger) Find(msg string) (LogEntry, bool) {
	for _, e := range m.Entries() {
		if e.Msg == msg {
			return e, true
		}
	}
	return LogEntry{}, false
}

func (m *MockLogger) record(level, msg string, args []any) {
	fields := cloneFields(m.fields)
	addFields(fields, args)
	m.mu.Lock()
	*m.logs = append(*m.logs, LogEntry{Level: level, Msg: msg, Fields: fields})
	m.mu.Unlock()
}

func cloneFields(base map[string]any) map[string]any {
	out := make(map[string]any, len(base))
	for k, v := range base {
		out[k] = v
	}
	return out
}

func addFields(dst map[string]any, args []any) {
	for i := 0; i < len(args)-1; i += 2 {
		if key, ok := args[i].(string); ok {
			dst[key] = args[i+1]
		}
	}
}
