// Package logging tests for structured JSON logging.
package logging

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"strings"
	"sync"
	"testing"
)

func decodeLine(t *testing.T, line []byte) map[string]interface{} {
	t.Helper()
	var entry map[string]interface{}
	if err := json.Unmarshal(bytes.TrimSpace(line), &entry); err != nil {
		t.Fatalf("Failed to unmarshal log entry %q: %v", line, err)
	}
	return entry
}

// =====================================================
// Logger Creation and Initialization Tests
// =====================================================

// TestInit_idempotent verifies Init is idempotent.
func TestInit_idempotent(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf1 bytes.Buffer
	Init(&buf1, LevelInfo)
	firstLogger := Get()

	var buf2 bytes.Buffer
	Init(&buf2, LevelDebug)

	logger := Get()
	if logger != firstLogger {
		t.Error("Second Init() should be ignored, different logger returned")
	}
	if logger.out != &buf1 {
		t.Error("Second Init() should be ignored, output writer changed")
	}
}

// TestGet_default verifies default logger creation.
func TestGet_default(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	logger := Get()
	if logger == nil {
		t.Fatal("Get() returned nil without Init()")
	}
	if logger.out != os.Stdout {
		t.Error("Get() should default to os.Stdout")
	}
	if logger.minLevel != LevelInfo {
		t.Errorf("minLevel = %v, want LevelInfo", logger.minLevel)
	}
}

// TestParseLevel verifies config strings map onto levels.
func TestParseLevel(t *testing.T) {
	tests := map[string]LogLevel{
		"DEBUG":   LevelDebug,
		"debug":   LevelDebug,
		"warning": LevelWarn,
		"error":   LevelError,
		"":        LevelInfo,
		"bogus":   LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Errorf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

// TestLogLevel_shouldLog verifies log level filtering.
func TestLogLevel_shouldLog(t *testing.T) {
	tests := []struct {
		minLevel LogLevel
		logLevel LogLevel
		want     bool
	}{
		{LevelDebug, LevelDebug, true},
		{LevelInfo, LevelDebug, false},
		{LevelInfo, LevelWarn, true},
		{LevelWarn, LevelInfo, false},
		{LevelError, LevelWarn, false},
		{LevelError, LevelError, true},
	}

	for _, tt := range tests {
		logger := New(io.Discard, tt.minLevel)
		if got := logger.shouldLog(tt.logLevel); got != tt.want {
			t.Errorf("shouldLog(%v) at minLevel %v = %v, want %v",
				tt.logLevel, tt.minLevel, got, tt.want)
		}
	}
}

// =====================================================
// Output Tests
// =====================================================

// TestLogger_Info verifies info messages carry context fields.
func TestLogger_Info(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Info("sync complete", map[string]interface{}{"store": "bookmarks", "pulled": 3})

	entry := decodeLine(t, buf.Bytes())
	if entry["message"] != "sync complete" {
		t.Errorf("message = %v, want 'sync complete'", entry["message"])
	}
	if entry["level"] != "info" {
		t.Errorf("level = %v, want info", entry["level"])
	}
	if entry["store"] != "bookmarks" {
		t.Errorf("store = %v, want bookmarks", entry["store"])
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Error("timestamp field missing")
	}
}

// TestLogger_Error verifies error text is attached.
func TestLogger_Error(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	logger.Error("upload failed", io.ErrUnexpectedEOF)

	entry := decodeLine(t, buf.Bytes())
	if entry["level"] != "error" {
		t.Errorf("level = %v, want error", entry["level"])
	}
	if entry["error"] != io.ErrUnexpectedEOF.Error() {
		t.Errorf("error = %v, want %v", entry["error"], io.ErrUnexpectedEOF)
	}
}

// TestLogger_ErrorWithCode verifies error logging with code.
func TestLogger_ErrorWithCode(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)
	ctx := map[string]interface{}{"store": "workspaces"}

	logger.ErrorWithCode("sync failed", "PROVIDER_UNAVAILABLE", io.ErrUnexpectedEOF, ctx)

	entry := decodeLine(t, buf.Bytes())
	if entry["code"] != "PROVIDER_UNAVAILABLE" {
		t.Errorf("code = %v, want PROVIDER_UNAVAILABLE", entry["code"])
	}
	if entry["store"] != "workspaces" {
		t.Errorf("store = %v, want workspaces", entry["store"])
	}
	if _, ok := ctx["code"]; ok {
		t.Error("ErrorWithCode() must not mutate the caller's context")
	}
}

// TestLogger_filtering verifies messages below the minimum level are dropped.
func TestLogger_filtering(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelWarn)

	logger.Debug("debug")
	logger.Info("info")
	logger.Warn("warn")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("got %d lines, want 1: %q", len(lines), buf.String())
	}
	entry := decodeLine(t, []byte(lines[0]))
	if entry["message"] != "warn" {
		t.Errorf("message = %v, want warn", entry["message"])
	}
}

// TestLogger_getContext_multiple verifies context maps are merged.
func TestLogger_getContext_multiple(t *testing.T) {
	logger := New(io.Discard, LevelInfo)

	merged := logger.getContext(
		map[string]interface{}{"a": 1, "b": 2},
		map[string]interface{}{"b": 3, "c": 4},
	)
	if len(merged) != 3 || merged["b"] != 3 {
		t.Errorf("getContext() = %v, want a,b=3,c", merged)
	}
	if logger.getContext() != nil {
		t.Error("getContext() with no maps should return nil")
	}
}

// TestLogger_concurrentLogging verifies every line stays valid JSON under concurrency.
func TestLogger_concurrentLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := New(&buf, LevelInfo)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			logger.Info("concurrent", map[string]interface{}{"n": n})
		}(i)
	}
	wg.Wait()

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 20 {
		t.Fatalf("got %d lines, want 20", len(lines))
	}
	for _, line := range lines {
		decodeLine(t, []byte(line))
	}
}

// TestGlobalErrorWithCode verifies global convenience functions.
func TestGlobalErrorWithCode(t *testing.T) {
	global = nil
	once = *new(sync.Once)

	var buf bytes.Buffer
	Init(&buf, LevelDebug)

	Debug("d")
	ErrorWithCode("error occurred", "ERR001", io.ErrUnexpectedEOF)

	if strings.Count(buf.String(), "\n") != 2 {
		t.Errorf("expected two log lines, got %q", buf.String())
	}
}
