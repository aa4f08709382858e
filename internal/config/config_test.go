package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestParseAppliesDefaults(t *testing.T) {
	t.Setenv("TEST_TOOLMIND_KEY", "sk-test")
	content := []byte(`
models:
  conversation:
    model: gpt-4o-mini
    api_key_env: TEST_TOOLMIND_KEY
tools:
  knowledge:
    path: data/knowledge.json
  mcp_servers:
    - id: weather
      url: http://localhost:9000/sse
`)
	cfg, err := Parse(content, "/etc/toolmind")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if cfg.Server.Address != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Server.Address)
	}
	if cfg.Agent.MaxAttempts != 3 || cfg.Agent.PassScore != 80 {
		t.Fatalf("unexpected agent defaults: %+v", cfg.Agent)
	}
	if cfg.Models.ToolCall.Model != "gpt-4o-mini" || cfg.Models.Reasoning.Model != "gpt-4o-mini" {
		t.Fatalf("tool_call/reasoning should fall back to conversation: %+v", cfg.Models)
	}
	if cfg.Models.Reasoning.APIKey != "sk-test" {
		t.Fatalf("api key should resolve from env, got %q", cfg.Models.Reasoning.APIKey)
	}
	if cfg.Tools.Knowledge.Path != filepath.Join("/etc/toolmind", "data/knowledge.json") {
		t.Fatalf("relative knowledge path not resolved: %s", cfg.Tools.Knowledge.Path)
	}
	if cfg.Tools.MCPServers[0].Transport != "sse" {
		t.Fatalf("transport default missing")
	}
}

func TestValidateRejectsBadDrivers(t *testing.T) {
	cases := map[string]string{
		"storage":   "storage:\n  driver: oracle\n",
		"dsn":       "storage:\n  driver: mysql\n",
		"queue":     "task_queue:\n  driver: kafka\n",
		"events":    "events:\n  driver: file\n",
		"duplicate": "tools:\n  mcp_servers:\n    - {id: a, url: http://x}\n    - {id: a, url: http://y}\n",
		"transport": "tools:\n  mcp_servers:\n    - {id: a, url: http://x, transport: stdio}\n",
	}
	for name, content := range cases {
		if _, err := Parse([]byte(content), "."); err == nil {
			t.Fatalf("%s: expected validation error", name)
		}
	}
}

func TestLoadMissingFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing.yaml")
	if _, err := Load(path, false); err == nil {
		t.Fatalf("expected error for missing file")
	}
	cfg, err := Load(path, true)
	if err != nil {
		t.Fatalf("load with allowMissing: %v", err)
	}
	if cfg.Storage.Driver != "memory" {
		t.Fatalf("unexpected driver %s", cfg.Storage.Driver)
	}
}

func TestLoadFromFileAndResolvePath(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "toolmind.yaml")
	if err := os.WriteFile(path, []byte("agent:\n  pass_score: 90\n"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}
	t.Setenv(EnvConfigPath, path)
	resolved := ResolvePath("")
	if resolved != path {
		t.Fatalf("expected env path, got %s", resolved)
	}
	if ResolvePath("flag.yaml") != "flag.yaml" {
		t.Fatalf("flag should win")
	}
	cfg, err := Load(resolved, false)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Agent.PassScore != 90 {
		t.Fatalf("unexpected pass score %d", cfg.Agent.PassScore)
	}
	if _, err := Parse([]byte("agent:\n  pass_score: 101\n"), "."); err == nil || !strings.Contains(err.Error(), "pass_score") {
		t.Fatalf("expected pass_score validation error, got %v", err)
	}
}

func TestSampleConfigLoads(t *testing.T) {
	path := filepath.Join("..", "..", "configs", "toolmind.yaml")
	cfg, err := Load(path, false)
	if err != nil {
		t.Fatalf("load sample: %v", err)
	}
	if cfg.Models.Reasoning.Model != cfg.Models.ToolCall.Model {
		t.Fatalf("reasoning should fall back to tool_call, got %q", cfg.Models.Reasoning.Model)
	}
	if !filepath.IsAbs(cfg.Tools.Knowledge.Path) {
		t.Fatalf("knowledge path should be resolved, got %s", cfg.Tools.Knowledge.Path)
	}
	if _, err := os.Stat(cfg.Tools.Knowledge.Path); err != nil {
		t.Fatalf("knowledge sample missing: %v", err)
	}
	if len(cfg.Tools.MCPServers) != 1 || cfg.Tools.MCPServers[0].Transport != "sse" {
		t.Fatalf("unexpected servers: %+v", cfg.Tools.MCPServers)
	}
}
