package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
)

func decodeLines(t *testing.T, buf *bytes.Buffer) []LogEntry {
	t.Helper()
	var entries []LogEntry
	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}
		var e LogEntry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("log line is not JSON: %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}

func TestNew(t *testing.T) {
	tests := []struct {
		name        string
		serviceName string
	}{
		{
			name:        "create logger with service name",
			serviceName: "test-service",
		},
		{
			name:        "create logger with empty service name",
			serviceName: "",
		},
		{
			name:        "create logger with complex service name",
			serviceName: "harborsync-gatewayd-v1.2.0",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logger := New(tt.serviceName)

			if logger == nil {
				t.Fatal("New() returned nil logger")
			}
			if logger.service != tt.serviceName {
				t.Errorf("New() service = %q, want %q", logger.service, tt.serviceName)
			}
		})
	}
}

func TestLogger_WithContext(t *testing.T) {
	exporter := tracetest.NewInMemoryExporter()
	tp := trace.NewTracerProvider(trace.WithSyncer(exporter))
	otel.SetTracerProvider(tp)
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	ctx, span := tp.Tracer("test").Start(context.Background(), "op")
	logger.WithContext(ctx).Info("with trace")
	span.End()
	logger.WithContext(context.Background()).Info("without trace")

	entries := decodeLines(t, &buf)
	if len(entries) != 2 {
		t.Fatalf("got %d entries, want 2", len(entries))
	}
	if entries[0].TraceID != span.SpanContext().TraceID().String() {
		t.Errorf("TraceID = %q, want %q", entries[0].TraceID, span.SpanContext().TraceID().String())
	}
	if entries[1].TraceID != "" {
		t.Errorf("TraceID = %q, want empty without span", entries[1].TraceID)
	}
	if entries[0].Service != "svc" {
		t.Errorf("Service = %q, want svc", entries[0].Service)
	}
}

func TestLogEntry_FluentMethods(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	logger.Plain().
		WithTraceID("trace-1").
		WithOperation("op-1").
		WithKind("message.send").
		WithTarget("/conversations/c1/messages").
		WithField("attempt", 2).
		WithFields(map[string]any{"status": "pending"}).
		WithError(errors.New("boom")).
		Warn("requeue operation")

	entries := decodeLines(t, &buf)
	if len(entries) != 1 {
		t.Fatalf("got %d entries, want 1", len(entries))
	}
	e := entries[0]
	if e.Level != LevelWarn || e.Message != "requeue operation" {
		t.Errorf("Level/Message = %q/%q", e.Level, e.Message)
	}
	if e.TraceID != "trace-1" || e.OperationID != "op-1" || e.Kind != "message.send" || e.Target != "/conversations/c1/messages" {
		t.Errorf("unexpected correlation fields: %+v", e)
	}
	if e.Fields["attempt"] != float64(2) {
		t.Errorf("Fields[attempt] = %v, want 2", e.Fields["attempt"])
	}
	if e.Fields["status"] != "pending" {
		t.Errorf("Fields[status] = %v, want pending", e.Fields["status"])
	}
	if e.Fields["error"] != "boom" {
		t.Errorf("Fields[error] = %v, want boom", e.Fields["error"])
	}
}

func TestLogEntry_WithError_Nil(t *testing.T) {
	var buf bytes.Buffer
	NewWithWriter("svc", &buf).Plain().WithError(nil).Info("ok")

	if strings.Contains(buf.String(), `"fields"`) {
		t.Errorf("empty fields should be omitted, got %s", buf.String())
	}
}

func TestLogEntry_LoggingMethods(t *testing.T) {
	tests := []struct {
		name  string
		log   func(e *LogEntry)
		level LogLevel
		msg   string
	}{
		{"debug", func(e *LogEntry) { e.Debug("d") }, LevelDebug, "d"},
		{"info", func(e *LogEntry) { e.Info("i") }, LevelInfo, "i"},
		{"warn", func(e *LogEntry) { e.Warn("w") }, LevelWarn, "w"},
		{"error", func(e *LogEntry) { e.Error("e") }, LevelError, "e"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			tt.log(NewWithWriter("svc", &buf).Plain())

			entries := decodeLines(t, &buf)
			if len(entries) != 1 {
				t.Fatalf("got %d entries, want 1", len(entries))
			}
			if entries[0].Level != tt.level {
				t.Errorf("Level = %q, want %q", entries[0].Level, tt.level)
			}
			if entries[0].Message != tt.msg {
				t.Errorf("Message = %q, want %q", entries[0].Message, tt.msg)
			}
		})
	}
}

func TestLogger_ConcurrentWritesStayLineDelimited(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWithWriter("svc", &buf)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger.Plain().WithField("i", i).Info("concurrent")
		}(i)
	}
	wg.Wait()

	if got := len(decodeLines(t, &buf)); got != 20 {
		t.Errorf("got %d entries, want 20", got)
	}
}

func TestDiscard(t *testing.T) {
	// must not panic or write anywhere visible
	Discard().Plain().WithField("k", "v").Error("dropped")
}
