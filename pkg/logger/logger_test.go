package logger

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	auditPath := filepath.Join(dir, "audit", "audit.log")

	if err := Init(Config{Level: "debug", OutputPaths: []string{out}, Audit: AuditConfig{Enabled: true, Path: auditPath}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("agent").Info("hello", "run_id", "r1")
	Audit().Info("会话已保存", "session_id", "s1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	var entry map[string]any
	if err := json.Unmarshal([]byte(strings.TrimSpace(string(data))), &entry); err != nil {
		t.Fatalf("decode log line %q: %v", data, err)
	}
	if entry["component"] != "agent" || entry["run_id"] != "r1" {
		t.Fatalf("unexpected entry: %v", entry)
	}

	auditData, err := os.ReadFile(auditPath)
	if err != nil {
		t.Fatalf("read audit: %v", err)
	}
	if !strings.Contains(string(auditData), `"channel":"audit"`) {
		t.Fatalf("audit entry missing channel: %s", auditData)
	}

	if err := Init(Config{}); err != nil {
		t.Fatalf("reinit: %v", err)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error for empty audit path")
	}
	if L() == nil {
		t.Fatalf("default logger should stay usable")
	}
}
