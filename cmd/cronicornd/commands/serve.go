package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/cronicorn/cronicorn/ai/openrouter"
	"github.com/cronicorn/cronicorn/ai/planner"
	"github.com/cronicorn/cronicorn/config"
	"github.com/cronicorn/cronicorn/db"
	"github.com/cronicorn/cronicorn/dispatch"
	"github.com/cronicorn/cronicorn/errors"
	"github.com/cronicorn/cronicorn/logger"
	"github.com/cronicorn/cronicorn/quota"
	"github.com/cronicorn/cronicorn/schedule"
	"github.com/cronicorn/cronicorn/server"
	"github.com/cronicorn/cronicorn/signing"
	"github.com/cronicorn/cronicorn/webhook"
)

// shutdownGrace bounds how long shutdown waits for in-flight executions and
// open connections.
const shutdownGrace = 30 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the scheduler daemon",
	Long: `Runs the full daemon: the scheduler loop, the zombie/retention sweeps,
the ops HTTP server, and (when an OpenRouter API key is configured) the AI
planner worker.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		return runServe(cfg)
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cfg *config.Config) error {
	log := logger.ComponentLogger("daemon")

	conn, err := db.Open(cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer conn.Close()

	if err := db.EnsureSchema(conn, log); err != nil {
		return err
	}

	jobs := schedule.NewJobsStore(conn)
	runs := schedule.NewRunsStore(conn)
	events := webhook.NewEventStore(conn)
	keyStore := signing.NewKeyStore(conn)

	keys := signing.NewProvider(keyStore, logger.ComponentLogger("signing"))
	keys.LoadFromEnv()

	executor := dispatch.NewExecutor(keys, dispatch.Config{
		SigningRequired:      cfg.Dispatch.SigningRequired,
		AllowPrivateNetworks: cfg.Dispatch.AllowPrivateNetworks,
		DefaultTimeout:       time.Duration(cfg.Dispatch.DefaultTimeoutMs) * time.Millisecond,
	}, logger.ComponentLogger("dispatch"))

	cron := schedule.NewCronParser()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := server.NewHub(logger.ComponentLogger("server"))

	ticker := schedule.NewTicker(ctx, jobs, runs, executor, cron, schedule.SystemClock{}, hub, schedule.TickerConfig{
		TickInterval:    time.Duration(cfg.Scheduler.TickIntervalMs) * time.Millisecond,
		BatchSize:       cfg.Scheduler.BatchSize,
		LockTTL:         time.Duration(cfg.Scheduler.LockTTLMs) * time.Millisecond,
		MaxConcurrent:   cfg.Scheduler.MaxConcurrent,
		SweepInterval:   time.Duration(cfg.Scheduler.SweepIntervalMs) * time.Millisecond,
		ZombieThreshold: time.Duration(cfg.Scheduler.ZombieThresholdMs) * time.Millisecond,
		RunRetention:    time.Duration(cfg.Scheduler.RunRetentionDays) * 24 * time.Hour,
	}, logger.ComponentLogger("scheduler"))

	ops := server.New(cfg.Server.Addr, hub, conn, jobs, runs, events, executor, ticker, logger.ComponentLogger("server"))

	ticker.Start()
	defer ticker.Stop()

	var aiWorker *planner.Worker
	if cfg.AI.APIKey != "" {
		usage := quota.NewUsageStore(conn)
		guard := quota.NewDailyBudget(usage, cfg.AI.DailyTokenBudget, logger.ComponentLogger("quota"))

		client := openrouter.NewClient(openrouter.Config{
			APIKey: cfg.AI.APIKey,
			Model:  cfg.AI.Model,
			Logger: logger.ComponentLogger("openrouter"),
		})

		aiWorker = planner.NewWorker(ctx, jobs, runs, client, guard, schedule.SystemClock{}, planner.WorkerConfig{
			Interval:          time.Duration(cfg.AI.AnalysisIntervalMs) * time.Millisecond,
			MinFailures:       cfg.AI.MinFailures,
			StaleAfter:        time.Duration(cfg.AI.StaleAfterMs) * time.Millisecond,
			MaxEndpoints:      cfg.AI.MaxEndpoints,
			AnalysesPerMinute: cfg.AI.AnalysesPerMinute,
			MaxHintTTL:        time.Duration(cfg.AI.MaxHintTTLMs) * time.Millisecond,
		}, logger.ComponentLogger("ai-planner"))
		aiWorker.Start()
		defer aiWorker.Stop()
	} else {
		log.Infow("AI planner disabled, no API key configured")
	}

	serverErr := make(chan error, 1)
	go func() {
		serverErr <- ops.Start()
	}()

	log.Infow("cronicorn daemon running",
		"database", cfg.Database.Path,
		"ops_addr", cfg.Server.Addr,
		"ai_enabled", aiWorker != nil)

	select {
	case <-ctx.Done():
		log.Infow("Shutdown signal received, draining")
	case err := <-serverErr:
		if err != nil {
			return errors.Wrap(err, "ops server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
	defer cancel()
	if err := ops.Shutdown(shutdownCtx); err != nil {
		log.Warnw("Ops server shutdown error", "error", err)
	}

	return nil
}
