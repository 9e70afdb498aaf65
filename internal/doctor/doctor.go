// Package doctor runs the startup diagnostics behind the doctor subcommand:
// configuration, credentials, database, filesystem permissions, and the
// reachability of the planning surface.
package doctor

import (
	"context"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/basket/showrunner/internal/config"
	"github.com/basket/showrunner/internal/persistence"
)

type CheckResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"` // "PASS", "FAIL", "WARN", "SKIP"
	Message string `json:"message"`
	Detail  string `json:"detail,omitempty"`
}

type Diagnosis struct {
	Timestamp time.Time     `json:"timestamp"`
	System    SystemInfo    `json:"system"`
	Results   []CheckResult `json:"results"`
}

type SystemInfo struct {
	OS      string `json:"os"`
	Arch    string `json:"arch"`
	Go      string `json:"go_version"`
	Version string `json:"version"`
}

// Run executes all diagnostic checks.
func Run(ctx context.Context, cfg *config.Config, version string) Diagnosis {
	d := Diagnosis{
		Timestamp: time.Now().UTC(),
		System: SystemInfo{
			OS:      runtime.GOOS,
			Arch:    runtime.GOARCH,
			Go:      runtime.Version(),
			Version: version,
		},
	}

	checks := []func(context.Context, *config.Config) CheckResult{
		checkConfig,
		checkNotionToken,
		checkDatabase,
		checkPermissions,
		checkStepServices,
		checkNetwork,
	}

	for _, check := range checks {
		d.Results = append(d.Results, check(ctx, cfg))
	}

	return d
}

func checkConfig(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Config", Status: "FAIL", Message: "Configuration not loaded"}
	}
	return CheckResult{Name: "Config", Status: "PASS", Message: fmt.Sprintf("Loaded from %s", cfg.HomeDir)}
}

func checkNotionToken(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Notion", Status: "SKIP", Message: "Config missing"}
	}
	if cfg.Notion.Token == "" {
		return CheckResult{Name: "Notion", Status: "FAIL", Message: "NOTION_TOKEN not set",
			Detail: "Set NOTION_TOKEN in the environment or notion.token in config.yaml"}
	}
	if cfg.Notion.DatabaseID == "" {
		return CheckResult{Name: "Notion", Status: "WARN", Message: "notion.database_id not configured",
			Detail: "Reconciliation sync and review polling are disabled without it"}
	}
	return CheckResult{Name: "Notion", Status: "PASS", Message: "Token and database configured"}
}

func checkDatabase(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Database", Status: "SKIP", Message: "Config missing"}
	}
	store, err := persistence.Open(cfg.DBPath, nil)
	if err != nil {
		return CheckResult{Name: "Database", Status: "FAIL",
			Message: "Cannot open database", Detail: err.Error()}
	}
	defer store.Close()
	return CheckResult{Name: "Database", Status: "PASS", Message: fmt.Sprintf("Opened %s", cfg.DBPath)}
}

func checkPermissions(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil {
		return CheckResult{Name: "Permissions", Status: "SKIP", Message: "Config missing"}
	}
	probe := filepath.Join(cfg.HomeDir, ".doctor-probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return CheckResult{Name: "Permissions", Status: "FAIL",
			Message: "Home directory not writable", Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return CheckResult{Name: "Permissions", Status: "PASS", Message: fmt.Sprintf("%s is writable", cfg.HomeDir)}
}

func checkStepServices(_ context.Context, cfg *config.Config) CheckResult {
	if cfg == nil || len(cfg.Steps) == 0 {
		return CheckResult{Name: "Step Services", Status: "WARN",
			Message: "No step services configured",
			Detail:  "Workers will release every claim for lack of an executor"}
	}
	for name, svc := range cfg.Steps {
		if _, err := url.ParseRequestURI(svc.URL); err != nil {
			return CheckResult{Name: "Step Services", Status: "FAIL",
				Message: fmt.Sprintf("Invalid URL for step %q", name), Detail: svc.URL}
		}
	}
	return CheckResult{Name: "Step Services", Status: "PASS",
		Message: fmt.Sprintf("%d step services configured", len(cfg.Steps))}
}

func checkNetwork(ctx context.Context, cfg *config.Config) CheckResult {
	host := "api.notion.com:443"
	if cfg != nil && cfg.Notion.BaseURL != "" {
		if u, err := url.Parse(cfg.Notion.BaseURL); err == nil && u.Host != "" {
			host = u.Host
			if u.Port() == "" {
				host += ":443"
			}
		}
	}
	d := net.Dialer{Timeout: 5 * time.Second}
	conn, err := d.DialContext(ctx, "tcp", host)
	if err != nil {
		return CheckResult{Name: "Network", Status: "WARN",
			Message: fmt.Sprintf("Cannot reach %s", host), Detail: err.Error()}
	}
	_ = conn.Close()
	return CheckResult{Name: "Network", Status: "PASS", Message: fmt.Sprintf("Reached %s", host)}
}
