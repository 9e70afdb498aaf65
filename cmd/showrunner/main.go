package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/mattn/go-isatty"

	"github.com/basket/showrunner/internal/audit"
	"github.com/basket/showrunner/internal/bus"
	"github.com/basket/showrunner/internal/channels"
	"github.com/basket/showrunner/internal/claim"
	"github.com/basket/showrunner/internal/config"
	"github.com/basket/showrunner/internal/notion"
	otelPkg "github.com/basket/showrunner/internal/otel"
	"github.com/basket/showrunner/internal/persistence"
	"github.com/basket/showrunner/internal/pipeline"
	"github.com/basket/showrunner/internal/quota"
	"github.com/basket/showrunner/internal/review"
	"github.com/basket/showrunner/internal/steps"
	"github.com/basket/showrunner/internal/syncer"
	"github.com/basket/showrunner/internal/telemetry"
	"github.com/basket/showrunner/internal/worker"
)

// Version is set via ldflags at build time: -ldflags "-X main.Version=..."
var Version = "v0.3-dev"

func printUsage() {
	fmt.Fprintf(os.Stderr, `Usage of %s:

  %s                          Run the orchestration engine
  %s doctor [-json]           Run diagnostic checks

FLAGS:
`, os.Args[0], os.Args[0], os.Args[0])
	flag.PrintDefaults()
	fmt.Fprintf(os.Stderr, `
ENVIRONMENT VARIABLES:
  SHOWRUNNER_HOME         Data directory (default: ~/.showrunner)
  NOTION_TOKEN            Planning surface API token
  TELEGRAM_BOT_TOKEN      Alert channel bot token
`)
}

func main() {
	loadDotEnv(".env")

	interactive := isatty.IsTerminal(os.Stdout.Fd())
	flag.Usage = printUsage
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if args := flag.Args(); len(args) > 0 {
		switch strings.ToLower(strings.TrimSpace(args[0])) {
		case "help", "-h", "--help":
			printUsage()
			os.Exit(0)
		case "doctor":
			os.Exit(runDoctorCommand(ctx, args[1:]))
		default:
			fmt.Fprintf(os.Stderr, "unknown command %q\n", args[0])
			printUsage()
			os.Exit(2)
		}
	}

	cfg, err := config.Load()
	if err != nil {
		fatalStartup(nil, "E_CONFIG_LOAD", err)
	}

	if err := audit.Init(cfg.HomeDir); err != nil {
		fatalStartup(nil, "E_AUDIT_INIT", err)
	}
	defer func() { _ = audit.Close() }()

	logger, logLevel, closer, err := telemetry.NewLogger(cfg.HomeDir, cfg.LogLevel, interactive)
	if err != nil {
		fatalStartup(nil, "E_LOGGER_INIT", err)
	}
	defer closer.Close()
	slog.SetDefault(logger)
	logger.Info("startup phase", "phase", "config_loaded", "home", cfg.HomeDir)

	eventBus := bus.New()

	otelProvider, err := otelPkg.Init(ctx, otelPkg.Config{
		Enabled:  cfg.Otel.Enabled,
		Endpoint: cfg.Otel.Endpoint,
	})
	if err != nil {
		fatalStartup(logger, "E_OTEL_INIT", err)
	}
	defer otelProvider.Shutdown(context.Background())
	metrics, err := otelPkg.NewMetrics(otelProvider.Meter)
	if err != nil {
		fatalStartup(logger, "E_METRICS_INIT", err)
	}

	store, err := persistence.Open(cfg.DBPath, eventBus)
	if err != nil {
		fatalStartup(logger, "E_STORE_OPEN", err)
	}
	defer store.Close()
	audit.SetDB(store.DB())
	logger.Info("startup phase", "phase", "schema_migrated")

	// Crash recovery: return tasks orphaned by a previous run to the pool
	// before any worker starts claiming.
	requeued, err := store.RequeueExpiredLeases(ctx)
	if err != nil {
		fatalStartup(logger, "E_RECOVERY_SCAN", err)
	}
	logger.Info("startup phase", "phase", "recovery_scan_completed", "requeued", requeued)

	ledger := quota.NewLedger(store, eventBus, quota.Limits{
		Defaults: cfg.Quota.Defaults,
		Channels: cfg.Quota.Channels,
	}, logger)

	claimer := claim.NewClaimer(store, ledger, cfg.Worker.Lease(), cfg.Worker.ClaimBatch, logger)
	execs := buildExecutors(cfg, logger)

	var notionClient *notion.Client
	if cfg.Notion.Token != "" {
		notionClient = notion.NewClient(cfg.Notion.BaseURL, cfg.Notion.Token, logger)
	}

	// Status mirroring back to the planning surface.
	if notionClient != nil && cfg.Notion.MirrorStatus {
		notion.NewStatusMirror(notionClient, eventBus, logger).Start(ctx)
	}

	// Review gate polling.
	var reviewCtl *review.Controller
	if notionClient != nil && cfg.Notion.DatabaseID != "" {
		reviewCtl = review.NewController(store, notionClient, cfg.Notion.ReviewPoll(), metrics, logger)
		reviewCtl.Start(ctx)
		defer reviewCtl.Stop()
	} else {
		logger.Warn("review polling disabled, gated tasks will wait indefinitely")
	}

	// Reconciliation pull on a cron schedule.
	var reconciler *syncer.Syncer
	if notionClient != nil && cfg.Notion.DatabaseID != "" {
		reconciler, err = syncer.New(store, notionClient, cfg.Notion.DatabaseID, cfg.Notion.SyncSchedule, logger)
		if err != nil {
			fatalStartup(logger, "E_SYNC_SCHEDULE", err)
		}
		reconciler.Start(ctx)
		defer reconciler.Stop()
	}

	// Alert channels.
	var alertChans []channels.Channel
	if cfg.Channels.Telegram.Enabled && cfg.Channels.Telegram.Token != "" {
		alertChans = append(alertChans,
			channels.NewTelegramChannel(cfg.Channels.Telegram.Token, cfg.Channels.Telegram.ChatID, logger))
	}
	channels.NewDispatcher(eventBus, alertChans, logger).Start(ctx)

	// Config hot reload: quota limits and log level apply without a restart.
	watcher := config.NewWatcher(cfg.HomeDir, logger)
	if err := watcher.Start(ctx); err != nil {
		logger.Warn("config watcher unavailable", "error", err)
	} else {
		go func() {
			for range watcher.Events() {
				fresh, err := config.LoadFrom(cfg.HomeDir)
				if err != nil {
					logger.Error("config reload failed", "error", err)
					continue
				}
				ledger.SetLimits(quota.Limits{
					Defaults: fresh.Quota.Defaults,
					Channels: fresh.Quota.Channels,
				})
				logLevel.Set(telemetry.ParseLevel(fresh.LogLevel))
				logger.Info("config reloaded", "log_level", fresh.LogLevel)
			}
		}()
	}

	// Lease janitor for workers that die mid-step.
	go worker.NewJanitor(store, cfg.Worker.Lease()/2, metrics, logger).Run(ctx)

	// Worker pool.
	var wg sync.WaitGroup
	for i := 0; i < cfg.Worker.Count; i++ {
		workerID := fmt.Sprintf("worker-%d", i+1)
		state := claim.NewWorkerState(workerID, cfg.Worker.MaxConcurrent)
		rt := worker.New(worker.Options{
			WorkerID:        workerID,
			PollInterval:    cfg.Worker.PollInterval(),
			StepTimeout:     cfg.Worker.StepTimeout(),
			MaxAttempts:     cfg.Worker.MaxAttempts,
			StreakThreshold: cfg.Worker.FailureStreakThreshold,
			LeaseTTL:        cfg.Worker.Lease(),
		}, store, claimer, ledger, execs, eventBus, metrics, state, logger)
		wg.Add(1)
		go func() {
			defer wg.Done()
			rt.Run(ctx)
		}()
	}
	logger.Info("startup phase", "phase", "workers_started", "count", cfg.Worker.Count)

	<-ctx.Done()
	logger.Info("shutdown requested")
	wg.Wait()
	logger.Info("shutdown complete")
}

// buildExecutors wires an HTTP executor for every pipeline step that has a
// collaborator service configured. Steps without one are left unregistered;
// the worker releases their claims untouched.
func buildExecutors(cfg *config.Config, logger *slog.Logger) worker.ExecutorSet {
	execs := worker.ExecutorSet{}
	for _, step := range pipeline.Steps {
		svc, ok := cfg.Steps[string(step.ID)]
		if !ok || svc.URL == "" {
			logger.Warn("no service configured for step", "step", string(step.ID))
			continue
		}
		timeout := time.Duration(svc.TimeoutSeconds) * time.Second
		execs[step.ID] = steps.NewHTTPExecutor(step, svc.URL, timeout, logger)
	}
	return execs
}

func fatalStartup(logger *slog.Logger, reasonCode string, err error) {
	message := ""
	if err != nil {
		message = err.Error()
	}
	audit.Record("fatal", "runtime.startup", reasonCode+": "+message, "")

	if logger != nil {
		logger.Error("startup failure", "reason_code", reasonCode, "error", message)
	} else {
		fmt.Fprintf(
			os.Stderr,
			`{"timestamp":"%s","level":"ERROR","component":"runtime","msg":"startup failure","reason_code":%q,"error":%q}`+"\n",
			time.Now().UTC().Format(time.RFC3339Nano),
			reasonCode,
			message,
		)
	}
	os.Exit(1)
}

// loadDotEnv loads KEY=VALUE pairs from a .env file without overriding
// variables already set in the environment.
func loadDotEnv(path string) {
	f, err := os.Open(path)
	if err != nil {
		return
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		eq := strings.Index(line, "=")
		if eq <= 0 {
			continue
		}
		key := strings.TrimSpace(line[:eq])
		val := strings.TrimSpace(line[eq+1:])
		if key == "" || os.Getenv(key) != "" {
			continue
		}
		_ = os.Setenv(key, val)
	}
}
