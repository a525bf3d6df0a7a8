package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sdxl-assets/sam/internal/sync"
)

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	return path
}

func TestLoad_Defaults(t *testing.T) {
	home := t.TempDir()
	t.Setenv("SAM_HOME", home)
	t.Setenv("NOTION_API_KEY", "")
	t.Setenv("SAM_NOTION_API_KEY", "")

	cfg, err := Load(New(), "")
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Home != home {
		t.Errorf("Home = %q, want %q", cfg.Home, home)
	}
	if cfg.DBPath != filepath.Join(home, "sam.db") {
		t.Errorf("DBPath = %q", cfg.DBPath)
	}
	if cfg.Sync.Policy != string(sync.PolicyNewestWins) || cfg.Sync.Direction != "both" {
		t.Errorf("Sync = %+v", cfg.Sync)
	}
	if cfg.Sync.Interval != 5*time.Minute {
		t.Errorf("Interval = %s, want 5m", cfg.Sync.Interval)
	}
	if cfg.File != "" {
		t.Errorf("File = %q, want none", cfg.File)
	}
}

func TestLoad_FileAndEnvironment(t *testing.T) {
	path := writeFile(t, "sam.toml", `
db_path = "/data/runs.db"

[notion]
database_id = "from-file"

[sync]
policy = "field-merge"
interval = "90s"
concurrency = 2
`)
	t.Setenv("NOTION_API_KEY", "secret")
	t.Setenv("SAM_SYNC_CONCURRENCY", "8")
	t.Setenv("NOTION_DATABASE_ID", "")
	t.Setenv("SAM_NOTION_DATABASE_ID", "")

	cfg, err := Load(New(), path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.File != path {
		t.Errorf("File = %q, want %q", cfg.File, path)
	}
	if cfg.DBPath != "/data/runs.db" || cfg.Notion.DatabaseID != "from-file" {
		t.Errorf("file values not applied: %+v", cfg)
	}
	if cfg.Notion.APIKey != "secret" {
		t.Errorf("APIKey = %q, want value of NOTION_API_KEY", cfg.Notion.APIKey)
	}
	if cfg.Sync.Concurrency != 8 {
		t.Errorf("Concurrency = %d, want env override 8", cfg.Sync.Concurrency)
	}
	if cfg.Sync.Interval != 90*time.Second {
		t.Errorf("Interval = %s, want 90s", cfg.Sync.Interval)
	}

	engine, err := cfg.Engine()
	if err != nil {
		t.Fatalf("Engine() error = %v", err)
	}
	if engine.Policy != sync.PolicyFieldMerge || engine.Concurrency != 8 || engine.LockPath == "" {
		t.Errorf("Engine() = %+v", engine)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"unknown policy", "[sync]\npolicy = \"coin-flip\"\n"},
		{"bad direction", "[sync]\ndirection = \"sideways\"\n"},
		{"zero concurrency", "[sync]\nconcurrency = 0\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv("SAM_SYNC_CONCURRENCY", "")
			if _, err := Load(New(), writeFile(t, "sam.toml", tt.content)); err == nil {
				t.Error("Load() succeeded, want validation error")
			}
		})
	}
}

func TestLoad_MissingExplicitFile(t *testing.T) {
	if _, err := Load(New(), filepath.Join(t.TempDir(), "nope.toml")); err == nil {
		t.Error("Load() of a missing explicit file succeeded")
	}
}
