package logging

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestNewRespectsCustomWriter(t *testing.T) {
	var buf bytes.Buffer

	logger := New(Config{Writer: &buf})
	logger.Info("custom writer")

	if buf.Len() == 0 {
		t.Fatalf("expected output in custom writer, got none")
	}
	if !strings.HasPrefix(buf.String(), "{") {
		t.Fatalf("expected JSON output by default, got %q", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	testCases := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug", input: "debug", expected: slog.LevelDebug},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "warn", input: "warn", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "empty", input: "", expected: slog.LevelInfo},
		{name: "mixed case", input: " DeBuG ", expected: slog.LevelDebug},
		{name: "offset", input: "info+2", expected: slog.LevelInfo + 2},
		{name: "unknown", input: "verbose", expected: slog.LevelInfo},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			if got := parseLevel(tc.input).Level(); got != tc.expected {
				t.Fatalf("expected %v, got %v", tc.expected, got)
			}
		})
	}
}

func TestNewRendersDurationsAsText(t *testing.T) {
	var buf bytes.Buffer
	New(Config{Writer: &buf, Format: "json"}).Info("encoded", "elapsed", 90*time.Second)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log output: %v", err)
	}
	if payload["elapsed"] != "1m30s" {
		t.Fatalf("expected readable duration, got %v", payload["elapsed"])
	}
}

func TestResolveFormatAutoFallsBackToJSONForBuffers(t *testing.T) {
	var buf bytes.Buffer
	if got := resolveFormat("auto", &buf); got != FormatJSON {
		t.Fatalf("expected json for non-terminal writer, got %s", got)
	}
	if got := resolveFormat(" TEXT ", &buf); got != FormatText {
		t.Fatalf("expected text, got %s", got)
	}
}

func TestWithComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	WithComponent(logger, "queue").Info("component set")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log output: %v", err)
	}
	if payload["component"] != "queue" {
		t.Fatalf("expected component \"queue\", got %v", payload["component"])
	}
	if got := WithComponent(nil, "anything"); got != nil {
		t.Fatalf("expected nil logger, got %v", got)
	}
}

func TestWithContextAnnotatesLogger(t *testing.T) {
	ctx := ContextWithJob(context.Background(), "job-1", " v1 ")

	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	WithContext(ctx, logger).Info("hello")

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to unmarshal log output: %v", err)
	}
	if payload["job_id"] != "job-1" {
		t.Fatalf("expected job_id to be set, got %v", payload["job_id"])
	}
	if payload["video_id"] != "v1" {
		t.Fatalf("expected video_id to be trimmed, got %v", payload["video_id"])
	}
}

func TestRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	middleware := RequestLogger(RequestLoggerConfig{Logger: logger, SkipPaths: []string{"/healthz"}})
	handler := middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte("queued"))
	}))

	handler.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/healthz", nil))
	if buf.Len() != 0 {
		t.Fatalf("expected skipped path to produce no log, got %q", buf.String())
	}

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", nil)
	req.RemoteAddr = "127.0.0.1:1234"
	rec := httptest.NewRecorder()
	rec.Header().Set("X-Request-Id", "req-7")
	handler.ServeHTTP(rec, req)

	var payload map[string]any
	if err := json.Unmarshal(buf.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode log entry: %v", err)
	}
	if payload["status"] != float64(http.StatusAccepted) {
		t.Fatalf("expected status %d, got %v", http.StatusAccepted, payload["status"])
	}
	if payload["bytes"] != float64(6) || payload["request_id"] != "req-7" {
		t.Fatalf("expected bytes and request_id, got %v", payload)
	}
	if payload["remote_addr"] != "127.0.0.1:1234" {
		t.Fatalf("expected remote_addr to be recorded, got %v", payload["remote_addr"])
	}
}
