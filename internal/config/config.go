// Package config loads the showrunner configuration from
// $SHOWRUNNER_HOME/config.yaml with environment-variable overrides for
// secrets, and watches the file for hot-reloadable settings.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// QuotaConfig declares the daily budgets for metered external resources.
// Defaults apply to every channel; Channels holds per-channel overrides.
// A resource absent from both maps is treated as unlimited.
type QuotaConfig struct {
	Defaults map[string]int64            `yaml:"defaults"`
	Channels map[string]map[string]int64 `yaml:"channels"`
}

// StepServiceConfig points at the external collaborator executing one
// pipeline step.
type StepServiceConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
}

// NotionConfig configures the planning-surface integration.
type NotionConfig struct {
	Token      string `yaml:"token"`
	DatabaseID string `yaml:"database_id"`
	BaseURL    string `yaml:"base_url"`
	// SyncSchedule is a 5-field cron expression for the reconciliation pull
	// that catches work items whose change events were missed.
	SyncSchedule string `yaml:"sync_schedule"`
	MirrorStatus bool   `yaml:"mirror_status"`
	// ReviewPollSeconds is the interval at which gate tasks are checked for
	// approval or rejection signals.
	ReviewPollSeconds int `yaml:"review_poll_seconds"`
}

// TelegramConfig configures the Telegram alert channel.
type TelegramConfig struct {
	Token   string `yaml:"token"`
	ChatID  int64  `yaml:"chat_id"`
	Enabled bool   `yaml:"enabled"`
}

// ChannelsConfig holds alert channel settings.
type ChannelsConfig struct {
	Telegram TelegramConfig `yaml:"telegram"`
}

// OtelConfig configures tracing and metrics export. An empty endpoint with
// Enabled=true selects the stdout exporter (useful in development).
type OtelConfig struct {
	Enabled  bool   `yaml:"enabled"`
	Endpoint string `yaml:"endpoint"`
}

// WorkerConfig tunes the claim/execute loop.
type WorkerConfig struct {
	Count                  int            `yaml:"count"`
	PollIntervalSeconds    int            `yaml:"poll_interval_seconds"`
	StepTimeoutSeconds     int            `yaml:"step_timeout_seconds"`
	MaxAttempts            int            `yaml:"max_attempts"`
	FailureStreakThreshold int            `yaml:"failure_streak_threshold"`
	LeaseSeconds           int            `yaml:"lease_seconds"`
	ClaimBatch             int            `yaml:"claim_batch"`
	MaxConcurrent          map[string]int `yaml:"max_concurrent"`
}

// Config is the root configuration.
type Config struct {
	HomeDir string `yaml:"-"`

	DBPath   string `yaml:"db_path"`
	LogLevel string `yaml:"log_level"`

	Quota    QuotaConfig                  `yaml:"quota"`
	Worker   WorkerConfig                 `yaml:"worker"`
	Notion   NotionConfig                 `yaml:"notion"`
	Channels ChannelsConfig               `yaml:"channels"`
	Otel     OtelConfig                   `yaml:"otel"`
	Steps    map[string]StepServiceConfig `yaml:"steps"`
}

// HomeDir resolves the data directory: $SHOWRUNNER_HOME or ~/.showrunner.
func HomeDir() string {
	if dir := os.Getenv("SHOWRUNNER_HOME"); dir != "" {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".showrunner")
}

// Load reads config.yaml from the home directory. A missing file yields the
// defaults; a malformed file is an error. Secrets may be supplied via
// NOTION_TOKEN and TELEGRAM_BOT_TOKEN, which override the file.
func Load() (*Config, error) {
	return LoadFrom(HomeDir())
}

// LoadFrom reads configuration rooted at the given home directory.
func LoadFrom(homeDir string) (*Config, error) {
	cfg := defaults()
	cfg.HomeDir = homeDir

	path := filepath.Join(homeDir, "config.yaml")
	data, err := os.ReadFile(path)
	if err != nil {
		if !os.IsNotExist(err) {
			return nil, fmt.Errorf("read config: %w", err)
		}
	} else if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}

	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(homeDir, "showrunner.db")
	}
	if token := os.Getenv("NOTION_TOKEN"); token != "" {
		cfg.Notion.Token = token
	}
	if token := os.Getenv("TELEGRAM_BOT_TOKEN"); token != "" {
		cfg.Channels.Telegram.Token = token
	}
	applyFloors(cfg)
	return cfg, nil
}

func defaults() *Config {
	return &Config{
		LogLevel: "info",
		Quota: QuotaConfig{
			Defaults: map[string]int64{
				"llm":    200,
				"image":  500,
				"tts":    100,
				"video":  200,
				"upload": 6,
			},
		},
		Worker: WorkerConfig{
			Count:                  2,
			PollIntervalSeconds:    5,
			StepTimeoutSeconds:     900,
			MaxAttempts:            3,
			FailureStreakThreshold: 5,
			LeaseSeconds:           1800,
			ClaimBatch:             50,
			MaxConcurrent: map[string]int{
				"video": 1,
				"image": 2,
			},
		},
		Notion: NotionConfig{
			BaseURL:           "https://api.notion.com",
			SyncSchedule:      "*/5 * * * *",
			MirrorStatus:      true,
			ReviewPollSeconds: 60,
		},
	}
}

// applyFloors keeps zero or negative values from a sparse config file from
// disabling the loops they control.
func applyFloors(cfg *Config) {
	if cfg.Worker.Count <= 0 {
		cfg.Worker.Count = 1
	}
	if cfg.Worker.PollIntervalSeconds <= 0 {
		cfg.Worker.PollIntervalSeconds = 5
	}
	if cfg.Worker.StepTimeoutSeconds <= 0 {
		cfg.Worker.StepTimeoutSeconds = 900
	}
	if cfg.Worker.MaxAttempts <= 0 {
		cfg.Worker.MaxAttempts = 3
	}
	if cfg.Worker.FailureStreakThreshold <= 0 {
		cfg.Worker.FailureStreakThreshold = 5
	}
	if cfg.Worker.LeaseSeconds <= 0 {
		cfg.Worker.LeaseSeconds = 2 * cfg.Worker.StepTimeoutSeconds
	}
	if cfg.Worker.ClaimBatch <= 0 {
		cfg.Worker.ClaimBatch = 50
	}
	if cfg.Notion.ReviewPollSeconds <= 0 {
		cfg.Notion.ReviewPollSeconds = 60
	}
	if cfg.Notion.SyncSchedule == "" {
		cfg.Notion.SyncSchedule = "*/5 * * * *"
	}
}

// PollInterval returns the worker idle sleep as a duration.
func (w WorkerConfig) PollInterval() time.Duration {
	return time.Duration(w.PollIntervalSeconds) * time.Second
}

// StepTimeout returns the per-step execution bound as a duration.
func (w WorkerConfig) StepTimeout() time.Duration {
	return time.Duration(w.StepTimeoutSeconds) * time.Second
}

// Lease returns the claim lease TTL as a duration.
func (w WorkerConfig) Lease() time.Duration {
	return time.Duration(w.LeaseSeconds) * time.Second
}

// ReviewPoll returns the review-gate polling interval as a duration.
func (n NotionConfig) ReviewPoll() time.Duration {
	return time.Duration(n.ReviewPollSeconds) * time.Second
}
