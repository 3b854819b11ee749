package logger

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func newBufferedLogger(t *testing.T, level LogLevel) (*ZapLogger, *bytes.Buffer) {
	t.Helper()
	var buf bytes.Buffer
	log, err := NewZapLogger(Config{Level: level, Format: JSONFormat, Output: &buf})
	if err != nil {
		t.Fatalf("NewZapLogger() error = %v", err)
	}
	return log, &buf
}

func decodeEntries(t *testing.T, buf *bytes.Buffer) []map[string]any {
	t.Helper()
	var entries []map[string]any
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var entry map[string]any
		if err := json.Unmarshal([]byte(line), &entry); err != nil {
			t.Fatalf("invalid json log line %q: %v", line, err)
		}
		entries = append(entries, entry)
	}
	return entries
}

func TestZapLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		name  string
		level LogLevel
		log   func(Logger)
		want  bool
	}{
		{"debug level logs debug", DebugLevel, func(l Logger) { l.Debug("m") }, true},
		{"info level drops debug", InfoLevel, func(l Logger) { l.Debug("m") }, false},
		{"warn level drops info", WarnLevel, func(l Logger) { l.Info("m") }, false},
		{"warn level logs warn", WarnLevel, func(l Logger) { l.Warn("m") }, true},
		{"error level drops warn", ErrorLevel, func(l Logger) { l.Warn("m") }, false},
		{"error level logs error", ErrorLevel, func(l Logger) { l.Error("m") }, true},
		{"unknown level behaves as info", LogLevel("loud"), func(l Logger) { l.Info("m") }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			log, buf := newBufferedLogger(t, tt.level)
			tt.log(log)
			_ = log.Sync()
			if got := buf.Len() > 0; got != tt.want {
				t.Fatalf("emitted = %v, want %v (output %q)", got, tt.want, buf.String())
			}
		})
	}
}

func TestZapLogger_StructuredFields(t *testing.T) {
	log, buf := newBufferedLogger(t, InfoLevel)
	log.With("component", "dispatcher").Info("event appended", "seqno", 7)

	entries := decodeEntries(t, buf)
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	entry := entries[0]
	if entry["message"] != "event appended" {
		t.Fatalf("unexpected message %v", entry["message"])
	}
	if entry["component"] != "dispatcher" {
		t.Fatalf("expected component field, got %v", entry["component"])
	}
	if entry["seqno"] != float64(7) {
		t.Fatalf("expected seqno 7, got %v", entry["seqno"])
	}
}

func TestZapLogger_WithContext(t *testing.T) {
	log, buf := newBufferedLogger(t, InfoLevel)

	ctx := ContextWithRequestID(context.Background(), "req-1")
	ctx = ContextWithRecipientID(ctx, "user-9")
	log.WithContext(ctx).Info("handled")
	log.WithContext(context.Background()).Info("bare")

	entries := decodeEntries(t, buf)
	if len(entries) != 2 {
		t.Fatalf("expected two entries, got %d", len(entries))
	}
	if entries[0]["request_id"] != "req-1" || entries[0]["recipient_id"] != "user-9" {
		t.Fatalf("context fields missing: %v", entries[0])
	}
	if _, ok := entries[1]["request_id"]; ok {
		t.Fatalf("unexpected request_id on bare entry: %v", entries[1])
	}
}

func TestNewZapLogger_RejectsUnknownFormat(t *testing.T) {
	if _, err := NewZapLogger(Config{Format: "xml"}); err == nil {
		t.Fatal("expected error for unknown format")
	}
}

func TestParseLogLevel(t *testing.T) {
	cases := map[string]LogLevel{"debug": DebugLevel, "INFO": InfoLevel, "warning": WarnLevel, "error": ErrorLevel, "": InfoLevel}
	for input, want := range cases {
		got, err := ParseLogLevel(input)
		if err != nil || got != want {
			t.Fatalf("ParseLogLevel(%q) = %v, %v; want %v", input, got, err, want)
		}
	}
	if _, err := ParseLogLevel("trace"); err == nil {
		t.Fatal("expected error for trace")
	}
}

func TestParseLogFormat(t *testing.T) {
	if got, err := ParseLogFormat("console"); err != nil || got != TextFormat {
		t.Fatalf("ParseLogFormat(console) = %v, %v", got, err)
	}
	if _, err := ParseLogFormat("yaml"); err == nil {
		t.Fatal("expected error for yaml")
	}
}

func TestNewNop(t *testing.T) {
	log := NewNop()
	log.With("k", "v").WithContext(context.Background()).Error("ignored")
}
