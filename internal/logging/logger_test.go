package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"

	"monsterhunt/arengine/internal/config"
)

func TestLoggerWritesStructuredFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, InfoLevel).With(String("session_id", "s-1"))

	logger.Debug("hidden")
	logger.Info("fire resolved", Int("remaining_hp", 80), Bool("hit", true))

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line above the level threshold, got %d: %q", len(lines), buf.String())
	}
	var payload map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &payload); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if payload["message"] != "fire resolved" || payload["level"] != "info" {
		t.Fatalf("unexpected payload: %+v", payload)
	}
	if payload["session_id"] != "s-1" || payload["remaining_hp"].(float64) != 80 || payload["hit"] != true {
		t.Fatalf("missing structured fields: %+v", payload)
	}
}

func TestLoggerOrdersKeys(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriterLogger(&buf, DebugLevel).With(MonsterID("ghost"), SessionID("s-1"))
	logger.now = func() time.Time { return time.Date(2026, 3, 4, 5, 6, 7, 0, time.UTC) }

	logger.Warn("miss", Component("bridge"), String("message", "ignored"))

	want := `{"timestamp":"2026-03-04T05:06:07Z","level":"warn","message":"miss","component":"bridge","monster_id":"ghost","session_id":"s-1"}` + "\n"
	if buf.String() != want {
		t.Fatalf("unexpected line:\n got %s\nwant %s", buf.String(), want)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := ParseLevel("loud"); err == nil {
		t.Fatal("expected error for unknown level")
	}
	if level, err := ParseLevel("WARNING"); err != nil || level != WarnLevel {
		t.Fatalf("expected warn level, got %v %v", level, err)
	}
}

func TestContextLoggerFallsBackToGlobal(t *testing.T) {
	if FromContext(context.Background()) != L() {
		t.Fatal("expected global logger without context value")
	}
	custom := NewTestLogger()
	ctx := ContextWithLogger(context.Background(), custom)
	if FromContext(ctx) != custom {
		t.Fatal("expected context logger")
	}
}

func TestHTTPTraceMiddlewareEchoesTraceID(t *testing.T) {
	var seen *Logger
	handler := HTTPTraceMiddleware(NewTestLogger())(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = FromContext(r.Context())
	}))
	req := httptest.NewRequest(http.MethodGet, "/livez", nil)
	req.Header.Set(TraceIDHeader, "trace-123")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if rec.Header().Get(TraceIDHeader) != "trace-123" {
		t.Fatalf("expected trace id echoed, got %q", rec.Header().Get(TraceIDHeader))
	}
	if seen == nil || seen.fields[TraceIDField] != "trace-123" {
		t.Fatal("expected request logger to carry the trace id")
	}
}

func TestRotatingWriterCompressesRotatedFiles(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arengine.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 2, Compress: true})
	if err != nil {
		t.Fatalf("new rotating writer: %v", err)
	}
	defer writer.Close()
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writer.now = func() time.Time { return base }

	chunk := bytes.Repeat([]byte("x"), 700*1024)
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("first write: %v", err)
	}
	if _, err := writer.Write(chunk); err != nil {
		t.Fatalf("second write: %v", err)
	}

	matches, err := filepath.Glob(path + ".*.gz")
	if err != nil || len(matches) != 1 {
		t.Fatalf("expected one compressed backup, got %v (%v)", matches, err)
	}
	file, err := os.Open(matches[0])
	if err != nil {
		t.Fatalf("open backup: %v", err)
	}
	defer file.Close()
	reader, err := gzip.NewReader(file)
	if err != nil {
		t.Fatalf("gzip reader: %v", err)
	}
	restored, err := io.ReadAll(reader)
	if err != nil {
		t.Fatalf("read backup: %v", err)
	}
	if len(restored) != len(chunk) {
		t.Fatalf("restored %d bytes, want %d", len(restored), len(chunk))
	}
}

func TestRotatingWriterPrunesBackups(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "arengine.log")
	writer, err := newRotatingWriter(config.LoggingConfig{Path: path, MaxSizeMB: 1, MaxBackups: 1})
	if err != nil {
		t.Fatalf("new rotating writer: %v", err)
	}
	defer writer.Close()
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	writer.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}

	chunk := bytes.Repeat([]byte("y"), 700*1024)
	for i := 0; i < 4; i++ {
		if _, err := writer.Write(chunk); err != nil {
			t.Fatalf("write %d: %v", i, err)
		}
	}
	if files := backups(path); len(files) != 1 {
		t.Fatalf("expected one retained backup, got %d", len(files))
	}
}
