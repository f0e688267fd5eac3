package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/sirupsen/logrus"
)

func TestSetupJSONFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "crawlbench.log")
	log, closer, err := Setup(Options{Level: "debug", Format: "json", File: path})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	if log.GetLevel() != logrus.DebugLevel {
		t.Errorf("expected debug level, got %v", log.GetLevel())
	}

	log.WithField("crawler", "wget").Info("pair finished")
	if err := closer.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	b, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(b))), &entry); err != nil {
		t.Fatalf("log line is not JSON: %v (%q)", err, b)
	}
	if entry["crawler"] != "wget" || entry["msg"] != "pair finished" {
		t.Errorf("unexpected entry %v", entry)
	}
}

func TestSetupRejectsBadOptions(t *testing.T) {
	if _, _, err := Setup(Options{Level: "loud"}); err == nil {
		t.Error("expected error for unknown level")
	}
	if _, _, err := Setup(Options{Format: "xml"}); err == nil {
		t.Error("expected error for unknown format")
	}
}

func TestSetupDefaults(t *testing.T) {
	log, closer, err := Setup(Options{})
	if err != nil {
		t.Fatalf("Setup: %v", err)
	}
	defer closer.Close()
	if log.GetLevel() != logrus.InfoLevel {
		t.Errorf("expected info level, got %v", log.GetLevel())
	}
	if _, ok := log.Formatter.(*logrus.TextFormatter); !ok {
		t.Errorf("expected text formatter, got %T", log.Formatter)
	}
}
