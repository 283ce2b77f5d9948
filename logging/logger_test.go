package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewJSONLoggerWritesStructuredEntries(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("debug", FormatJSON, &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Named("relay").Debug("device registered")
	_ = logger.Sync()

	var entry map[string]any
	if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
		t.Fatalf("expected one JSON entry, got %q: %v", buf.String(), err)
	}
	if entry["level"] != "debug" || entry["message"] != "device registered" || entry["logger"] != "relay" {
		t.Fatalf("unexpected entry: %v", entry)
	}
	if _, ok := entry["timestamp"]; !ok {
		t.Fatalf("expected timestamp field in %v", entry)
	}
}

func TestNewFiltersBelowLevel(t *testing.T) {
	var buf bytes.Buffer
	logger, err := New("warn", "", &buf)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}

	logger.Info("hidden")
	logger.Warn("shown")
	_ = logger.Sync()

	out := buf.String()
	if strings.Contains(out, "hidden") || !strings.Contains(out, "shown") {
		t.Fatalf("unexpected output: %q", out)
	}
}

func TestNewRejectsUnknownSettings(t *testing.T) {
	if _, err := New("loud", FormatJSON, nil); err == nil {
		t.Fatalf("expected level error")
	}
	if _, err := New("info", "xml", nil); err == nil {
		t.Fatalf("expected format error")
	}
}
