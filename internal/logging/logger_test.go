package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"racetiming/ipicoforward/internal/config"
)

func TestNewRejectsMissingPath(t *testing.T) {
	_, err := New("server", config.LoggingConfig{MaxSizeMB: 10})
	if err == nil {
		t.Fatal("New with empty path, want error")
	}
}

func TestNewWritesJSONLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := New("server", config.LoggingConfig{Path: path, Level: "info", MaxSizeMB: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("stream resolved", String("forwarder_id", "F1"), Int64("stream_id", 7))
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	var line map[string]any
	scanner := bufio.NewScanner(bytes.NewReader(data))
	if !scanner.Scan() {
		t.Fatalf("log file has no lines")
	}
	if err := json.Unmarshal(scanner.Bytes(), &line); err != nil {
		t.Fatalf("decode log line: %v", err)
	}
	if line["service"] != "server" || line["message"] != "stream resolved" || line["forwarder_id"] != "F1" {
		t.Fatalf("log line = %+v, want service/message/forwarder_id populated", line)
	}
}

func TestInfoBelowConfiguredLevelIsDropped(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := New("server", config.LoggingConfig{Path: path, Level: "warn", MaxSizeMB: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("should be dropped")
	logger.Warn("should be kept")
	logger.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	scanner := bufio.NewScanner(bytes.NewReader(data))
	count := 0
	for scanner.Scan() {
		count++
	}
	if count != 1 {
		t.Fatalf("log line count = %d, want exactly the one warn line", count)
	}
}

func TestWithClonesAndAddsFields(t *testing.T) {
	base := NewTestLogger()
	derived := base.With(String("stream_id", "7"))
	if derived == base {
		t.Fatal("With() returned the same logger, want a clone")
	}
	if len(base.fields) != 0 {
		t.Fatalf("base.fields mutated by With(): %+v", base.fields)
	}
	if derived.fields["stream_id"] != "7" {
		t.Fatalf("derived.fields = %+v, want stream_id=7", derived.fields)
	}
}

func TestGenerateTraceIDIsUnique(t *testing.T) {
	a := GenerateTraceID()
	b := GenerateTraceID()
	if a == "" || b == "" || a == b {
		t.Fatalf("GenerateTraceID() = %q, %q, want distinct non-empty ids", a, b)
	}
}

func TestContextWithTraceIDRoundTrips(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "trace-123")
	if got := TraceIDFromContext(ctx); got != "trace-123" {
		t.Fatalf("TraceIDFromContext = %q, want trace-123", got)
	}
	if got := TraceIDFromContext(context.Background()); got != "" {
		t.Fatalf("TraceIDFromContext on bare context = %q, want empty", got)
	}
}

func TestHTTPTraceMiddlewarePropagatesHeaderAndContext(t *testing.T) {
	base := NewTestLogger()
	var seenTraceID string
	handler := HTTPTraceMiddleware(base)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seenTraceID = TraceIDFromContext(r.Context())
	}))

	req := httptest.NewRequest(http.MethodGet, "/api/v1/streams", nil)
	req.Header.Set(TraceIDHeader, "incoming-trace")
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	if seenTraceID != "incoming-trace" {
		t.Fatalf("handler saw trace id %q, want the incoming header value", seenTraceID)
	}
	if rec.Header().Get(TraceIDHeader) != "incoming-trace" {
		t.Fatalf("response header %s = %q, want it echoed", TraceIDHeader, rec.Header().Get(TraceIDHeader))
	}
}

func TestRotatingWriterRotatesOnSizeLimit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.log")
	logger, err := New("server", config.LoggingConfig{Path: path, Level: "info", MaxSizeMB: 1, MaxBackups: 3})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	writer, ok := logger.writer.(*multiWriter)
	if !ok || len(writer.writers) == 0 {
		t.Fatalf("logger.writer = %T, want a *multiWriter wrapping a rotatingWriter", logger.writer)
	}
	rw, ok := writer.writers[0].(*rotatingWriter)
	if !ok {
		t.Fatalf("writer.writers[0] = %T, want *rotatingWriter", writer.writers[0])
	}
	rw.maxSize = 64

	big := make([]byte, 100)
	for i := range big {
		big[i] = 'x'
	}
	if _, err := rw.Write(big); err != nil {
		t.Fatalf("first Write: %v", err)
	}
	if _, err := rw.Write(big); err != nil {
		t.Fatalf("second Write (past limit): %v", err)
	}

	entries, err := os.ReadDir(filepath.Dir(path))
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	rotatedCount := 0
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			rotatedCount++
		}
	}
	if rotatedCount == 0 {
		t.Fatalf("expected at least one rotated backup file in %s, found none", filepath.Dir(path))
	}
}
