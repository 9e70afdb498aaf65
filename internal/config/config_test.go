package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadFrom_MissingFileYieldsDefaults(t *testing.T) {
	dir := t.TempDir()
	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Worker.Count != 2 {
		t.Fatalf("worker count = %d, want 2", cfg.Worker.Count)
	}
	if cfg.Quota.Defaults["image"] != 500 {
		t.Fatalf("image quota = %d, want 500", cfg.Quota.Defaults["image"])
	}
	if cfg.Quota.Defaults["upload"] != 6 {
		t.Fatalf("upload quota = %d, want 6", cfg.Quota.Defaults["upload"])
	}
	if cfg.DBPath != filepath.Join(dir, "showrunner.db") {
		t.Fatalf("db path = %q", cfg.DBPath)
	}
	if cfg.Notion.SyncSchedule != "*/5 * * * *" {
		t.Fatalf("sync schedule = %q", cfg.Notion.SyncSchedule)
	}
	if cfg.Worker.MaxConcurrent["video"] != 1 {
		t.Fatalf("video cap = %d, want 1", cfg.Worker.MaxConcurrent["video"])
	}
}

func TestLoadFrom_FileOverridesAndEnvSecrets(t *testing.T) {
	dir := t.TempDir()
	yaml := `
log_level: debug
quota:
  defaults:
    image: 100
  channels:
    alpha:
      video: 3
worker:
  count: 4
  poll_interval_seconds: 2
notion:
  database_id: db-123
channels:
  telegram:
    chat_id: 42
    enabled: true
`
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte(yaml), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	t.Setenv("NOTION_TOKEN", "secret_abc")
	t.Setenv("TELEGRAM_BOT_TOKEN", "12345:xyz")

	cfg, err := LoadFrom(dir)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.LogLevel != "debug" || cfg.Worker.Count != 4 {
		t.Fatalf("overrides not applied: %+v", cfg)
	}
	if cfg.Quota.Defaults["image"] != 100 {
		t.Fatalf("image quota = %d, want 100", cfg.Quota.Defaults["image"])
	}
	if cfg.Quota.Channels["alpha"]["video"] != 3 {
		t.Fatalf("alpha video quota = %d, want 3", cfg.Quota.Channels["alpha"]["video"])
	}
	if cfg.Notion.Token != "secret_abc" {
		t.Fatalf("notion token = %q", cfg.Notion.Token)
	}
	if cfg.Channels.Telegram.Token != "12345:xyz" || cfg.Channels.Telegram.ChatID != 42 {
		t.Fatalf("telegram config = %+v", cfg.Channels.Telegram)
	}
	if cfg.Worker.PollInterval() != 2*time.Second {
		t.Fatalf("poll interval = %v", cfg.Worker.PollInterval())
	}
}

func TestLoadFrom_MalformedFileFails(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("worker: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, err := LoadFrom(dir); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestApplyFloors(t *testing.T) {
	cfg := &Config{}
	applyFloors(cfg)
	if cfg.Worker.Count != 1 {
		t.Fatalf("count floor = %d, want 1", cfg.Worker.Count)
	}
	if cfg.Worker.MaxAttempts != 3 {
		t.Fatalf("attempts floor = %d, want 3", cfg.Worker.MaxAttempts)
	}
	// Lease defaults to twice the step timeout.
	if cfg.Worker.LeaseSeconds != 2*cfg.Worker.StepTimeoutSeconds {
		t.Fatalf("lease = %d, timeout = %d", cfg.Worker.LeaseSeconds, cfg.Worker.StepTimeoutSeconds)
	}
}

func TestHomeDir_EnvOverride(t *testing.T) {
	t.Setenv("SHOWRUNNER_HOME", "/tmp/sr-test")
	if got := HomeDir(); got != "/tmp/sr-test" {
		t.Fatalf("home = %q", got)
	}
}
