package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestInitWritesJSONToFile(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "app.log")
	if err := Init(Config{Level: "debug", Format: "json", OutputPaths: []string{out}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	Named("planner").Info("plan created", "plan_id", "p-1")
	if err := Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	line := string(data)
	if !strings.Contains(line, `"component":"planner"`) || !strings.Contains(line, `"plan_id":"p-1"`) {
		t.Fatalf("unexpected log line: %s", line)
	}
}

func TestAuditRequiresPath(t *testing.T) {
	if err := Init(Config{Audit: AuditConfig{Enabled: true}}); err == nil {
		t.Fatalf("expected error when audit path is empty")
	}
}

func TestConsoleFormatUsesTint(t *testing.T) {
	dir := t.TempDir()
	out := filepath.Join(dir, "console.log")
	if err := Init(Config{Format: "console", NoColor: true, OutputPaths: []string{out}}); err != nil {
		t.Fatalf("init: %v", err)
	}
	L().Warn("keepalive", "trace_id", "t-1")
	_ = Sync()

	data, err := os.ReadFile(out)
	if err != nil {
		t.Fatalf("read log: %v", err)
	}
	if !strings.Contains(string(data), "WRN keepalive trace_id=t-1") {
		t.Fatalf("unexpected console line: %q", string(data))
	}
}
