package logging

import (
	"bufio"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"netwire/hub/internal/config"
)

func testConfig(t *testing.T) config.LoggingConfig {
	t.Helper()
	return config.LoggingConfig{
		Level:      "debug",
		Path:       filepath.Join(t.TempDir(), "hub.log"),
		MaxSizeMB:  1,
		MaxBackups: 1,
		MaxAgeDays: 1,
	}
}

func TestLoggerWritesStructuredJSON(t *testing.T) {
	cfg := testConfig(t)
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.With(String("component", "hub")).Info("client connected",
		String("client_id", "abc"),
		Int("active", 3),
		Error(errors.New("boom")),
	)
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	file, err := os.Open(cfg.Path)
	if err != nil {
		t.Fatalf("open log: %v", err)
	}
	defer file.Close()
	scanner := bufio.NewScanner(file)
	if !scanner.Scan() {
		t.Fatal("expected at least one log line")
	}
	var entry map[string]any
	if err := json.Unmarshal(scanner.Bytes(), &entry); err != nil {
		t.Fatalf("unmarshal log line: %v", err)
	}
	if entry["service"] != "hub" || entry["component"] != "hub" {
		t.Fatalf("missing service/component fields: %v", entry)
	}
	if entry["message"] != "client connected" || entry["level"] != "info" {
		t.Fatalf("unexpected message/level: %v", entry)
	}
	if entry["error"] != "boom" {
		t.Fatalf("expected error rendered as string, got %v", entry["error"])
	}
}

func TestLoggerFiltersBelowConfiguredLevel(t *testing.T) {
	cfg := testConfig(t)
	cfg.Level = "error"
	logger, err := New(cfg)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	logger.Info("dropped")
	logger.Error("kept")
	if err := logger.Sync(); err != nil {
		t.Fatalf("Sync: %v", err)
	}

	data, err := os.ReadFile(cfg.Path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal(data[:len(data)-1], &entry); err != nil {
		t.Fatalf("expected exactly one line, got %q", data)
	}
	if entry["message"] != "kept" {
		t.Fatalf("unexpected entry %v", entry)
	}
}

func TestParseLevelRejectsUnknown(t *testing.T) {
	if _, err := parseLevel("verbose"); err == nil {
		t.Fatal("expected error for unknown level")
	}
}
