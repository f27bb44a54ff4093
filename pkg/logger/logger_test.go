package logger

import (
	"bytes"
	"encoding/json"
	"os"
	"strings"
	"testing"

	"replybot/pkg/config"
)

func TestLoggerJSONEntryShape(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("component", "pipeline.orchestrator").Info("Pipeline event", "request_id", "42", "ok", true)

	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}

	var entry LogEntry
	if err := json.Unmarshal([]byte(line), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}

	if entry.Level != "info" {
		t.Fatalf("level = %q, want %q", entry.Level, "info")
	}
	if entry.Message != "Pipeline event" {
		t.Fatalf("message = %q, want %q", entry.Message, "Pipeline event")
	}
	if entry.Component != "pipeline.orchestrator" {
		t.Fatalf("component = %q, want %q", entry.Component, "pipeline.orchestrator")
	}
	if entry.Timestamp == "" {
		t.Fatal("expected timestamp")
	}
	if got := entry.Fields["request_id"]; got != "42" {
		t.Fatalf("fields.request_id = %v, want %q", got, "42")
	}
	if got := entry.Fields["ok"]; got != true {
		t.Fatalf("fields.ok = %v, want true", got)
	}
}

func TestLoggerLevelFiltering(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Ignored")
	if got := strings.TrimSpace(out.String()); got != "" {
		t.Fatalf("expected no output for info, got %q", got)
	}

	log.Error("Kept")
	if got := strings.TrimSpace(out.String()); got == "" {
		t.Fatal("expected output for error")
	}
}

func TestLoggerEnvironmentOverrides(t *testing.T) {
	t.Setenv("REPLYBOT_LOG_LEVEL", "debug")
	t.Setenv("REPLYBOT_LOG_FORMAT", "text")
	defer unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "error"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Debug("Debug enabled", "component", "test")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected debug output with env override")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format override, got %q", line)
	}
}

func TestLoggerDefaultsToTextFormat(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.Info("Default format")
	line := strings.TrimSpace(out.String())
	if line == "" {
		t.Fatal("expected log output")
	}
	if strings.HasPrefix(line, "{") {
		t.Fatalf("expected text format by default, got %q", line)
	}
}

func TestLoggerMasksSenderAndHoistsRunID(t *testing.T) {
	unsetLoggingEnv(t)

	var out bytes.Buffer
	log, err := newWithWriter(config.LoggingConfig{Format: "json", Level: "info"}, &out)
	if err != nil {
		t.Fatalf("newWithWriter error: %v", err)
	}

	log.With("run_id", "run-1", "recipient", "+5215512345678").Info("Reply dispatched", "sender", "+5215512345678")

	var entry LogEntry
	if err := json.Unmarshal([]byte(strings.TrimSpace(out.String())), &entry); err != nil {
		t.Fatalf("unmarshal log entry: %v", err)
	}
	if entry.RunID != "run-1" {
		t.Fatalf("run_id = %q, want %q", entry.RunID, "run-1")
	}
	if got := entry.Fields["sender"]; got != "**********5678" {
		t.Fatalf("fields.sender = %v, want masked", got)
	}
	if got := entry.Fields["recipient"]; got != "**********5678" {
		t.Fatalf("fields.recipient = %v, want masked", got)
	}
}

func TestLoggerRejectsUnknownFormat(t *testing.T) {
	unsetLoggingEnv(t)

	if _, err := newWithWriter(config.LoggingConfig{Format: "xml"}, &bytes.Buffer{}); err == nil {
		t.Fatal("expected error for unsupported format")
	}
}

func TestMask(t *testing.T) {
	tests := map[string]string{
		"":          "",
		"123":       "***",
		"+15551234": "*****1234",
	}
	for input, want := range tests {
		if got := Mask(input); got != want {
			t.Fatalf("Mask(%q) = %q, want %q", input, got, want)
		}
	}
}

func TestPreview(t *testing.T) {
	if got := Preview(" hola "); got != "hola" {
		t.Fatalf("Preview short = %q, want %q", got, "hola")
	}

	long := strings.Repeat("á", previewLimit+20)
	got := Preview(long)
	if !strings.HasSuffix(got, "...") {
		t.Fatalf("Preview long = %q, want ellipsis suffix", got)
	}
	if n := len([]rune(got)); n != previewLimit+3 {
		t.Fatalf("Preview long rune count = %d, want %d", n, previewLimit+3)
	}
}

func unsetLoggingEnv(t *testing.T) {
	t.Helper()
	_ = os.Unsetenv("REPLYBOT_LOG_LEVEL")
	_ = os.Unsetenv("REPLYBOT_LOG_FORMAT")
	_ = os.Unsetenv("REPLYBOT_LOG_ADD_SOURCE")
}
