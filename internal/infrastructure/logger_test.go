package infrastructure

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"fathomlicense/internal/config"
)

func TestInitializeLogger(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	logFile := filepath.Join(t.TempDir(), "nested", "license.log")

	cfg := config.LoggingConfig{
		Level:    "info",
		Format:   "json",
		Output:   "file",
		FilePath: logFile,
	}

	logger, err := InitializeLogger(cfg)
	if err != nil {
		t.Fatalf("Failed to initialize logger: %v", err)
	}
	if logger == nil {
		t.Fatal("Logger is nil")
	}

	logger.Info("license validated", "status", "Valid")

	// Close before reading so Windows releases the handle
	CloseLogFile()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("Failed to read log file: %v", err)
	}

	var entry map[string]interface{}
	if err := json.Unmarshal(content, &entry); err != nil {
		t.Fatalf("Log output is not valid JSON: %v", err)
	}
	if entry["msg"] != "license validated" {
		t.Errorf("Expected msg='license validated', got %v", entry["msg"])
	}
	if entry["status"] != "Valid" {
		t.Errorf("Expected status='Valid', got %v", entry["status"])
	}
	if entry["level"] != "INFO" {
		t.Errorf("Expected level='INFO', got %v", entry["level"])
	}
}

func TestInitializeLoggerOnlyOnce(t *testing.T) {
	ResetLoggerForTesting()
	defer ResetLoggerForTesting()

	first, err := InitializeLogger(config.LoggingConfig{Level: "info", Output: "console"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := InitializeLogger(config.LoggingConfig{Level: "debug", Output: "console"})
	if err != nil {
		t.Fatal(err)
	}
	if first != second {
		t.Error("InitializeLogger should return the same instance on repeated calls")
	}
	if GetLogger() != first {
		t.Error("GetLogger should return the initialized logger")
	}
}

func TestTraceIDInjection(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "debug")

	ctx := WithTraceID(context.Background(), "trace-1234")
	logger.InfoContext(ctx, "sync started")

	var entry map[string]interface{}
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("invalid JSON: %v", err)
	}
	if entry["trace_id"] != "trace-1234" {
		t.Errorf("Expected trace_id='trace-1234', got %v", entry["trace_id"])
	}

	buf.Reset()
	logger.InfoContext(context.Background(), "no trace")
	if strings.Contains(buf.String(), "trace_id") {
		t.Error("trace_id should be absent when the context carries none")
	}
}

func TestTraceIDSurvivesWith(t *testing.T) {
	var buf bytes.Buffer
	logger := WithComponent(NewLogger(&buf, "info"), "revocation")

	logger.InfoContext(WithTraceID(context.Background(), "abc"), "snapshot swapped")

	out := buf.String()
	if !strings.Contains(out, `"trace_id":"abc"`) {
		t.Errorf("trace_id missing after With: %s", out)
	}
	if !strings.Contains(out, `"component":"revocation"`) {
		t.Errorf("component missing: %s", out)
	}
}

func TestLogLevels(t *testing.T) {
	tests := []struct {
		level      string
		debugShown bool
		infoShown  bool
		warnShown  bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warn", false, false, true},
		{"warning", false, false, true},
		{"error", false, false, false},
		{"bogus", false, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")

			out := buf.String()
			if got := strings.Contains(out, "debug message"); got != tt.debugShown {
				t.Errorf("debug shown = %v, want %v", got, tt.debugShown)
			}
			if got := strings.Contains(out, "info message"); got != tt.infoShown {
				t.Errorf("info shown = %v, want %v", got, tt.infoShown)
			}
			if got := strings.Contains(out, "warn message"); got != tt.warnShown {
				t.Errorf("warn shown = %v, want %v", got, tt.warnShown)
			}
		})
	}
}

func TestContextHelpers(t *testing.T) {
	ctx := context.Background()
	if GetTraceID(ctx) != "" {
		t.Error("empty context should have no trace id")
	}
	//nolint:staticcheck
	if GetTraceID(nil) != "" {
		t.Error("nil context should have no trace id")
	}

	ctx = EnsureTraceID(ctx)
	id := GetTraceID(ctx)
	if len(id) != 36 {
		t.Errorf("Expected UUID trace id, got %q", id)
	}

	if GetTraceID(EnsureTraceID(ctx)) != id {
		t.Error("EnsureTraceID must keep an existing trace id")
	}
}

func TestLoggerHelpers(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, "info")

	if WithError(logger, nil) != logger {
		t.Error("WithError(nil) should return the logger unchanged")
	}

	WithError(logger, errors.New("disk full")).Error("persist failed")
	if !strings.Contains(buf.String(), `"error":"disk full"`) {
		t.Errorf("error attribute missing: %s", buf.String())
	}
}
