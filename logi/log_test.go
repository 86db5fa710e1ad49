package logi

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

// tests that the service logger writes JSON records to <service>.log
func TestNewLog_ServiceFile(t *testing.T) {
	if GetLogger() == nil {
		t.Fatal("GetLogger() returned nil before NewLog")
	}

	dir := t.TempDir()
	l, err := NewLog(&Config{Service: "controller", LogDir: dir, Level: slog.LevelDebug})
	if err != nil {
		t.Fatalf("NewLog() returned error: %v", err)
	}
	if GetLogger() != l {
		t.Error("GetLogger() does not return the NewLog instance")
	}

	GetLogger().Debug("Link attached", "link", "nf0")

	data, err := os.ReadFile(filepath.Join(dir, "controller.log"))
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d log lines, want 2", len(lines))
	}

	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[1]), &rec); err != nil {
		t.Fatalf("log line is not JSON: %v", err)
	}
	if rec["service"] != "controller" || rec["link"] != "nf0" || rec["msg"] != "Link attached" {
		t.Errorf("unexpected record %v", rec)
	}

	// later calls return the same logger
	again, err := NewLog(&Config{Service: "other", LogDir: dir})
	if err != nil || again != l {
		t.Errorf("second NewLog() = %p, %v; want the first logger", again, err)
	}
}
