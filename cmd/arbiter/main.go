// Package main — cmd/arbiter/main.go
//
// Scheduler process entrypoint.
//
// Startup sequence:
//  1. Load and validate config.
//  2. Initialise structured logger.
//  3. Start the Prometheus metrics server (loopback).
//  4. Build the DLQ (with file mirror when configured) and Scheduler.
//  5. Spawn the Core via the Supervisor; bind the scheduler's protocol
//     handlers on every (re)spawn.
//  6. Block on SIGINT/SIGTERM for graceful shutdown.
//
// Crash and hang handling: a crashed or hung Core is restarted through
// the Supervisor's sliding-window cap; hitting the cap, or a STOP
// escalation, halts the Scheduler.
//
// Shutdown: drain in-flight jobs up to the configured timeout,
// dead-letter the stragglers, kill the Core, exit 0.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/observability"
	"github.com/arbiterd/arbiter/internal/scheduler"
	"github.com/arbiterd/arbiter/internal/supervisor"
)

func main() {
	configPath := flag.String("config", "", "Path to arbiter.yaml (optional)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("arbiter %s (commit=%s built=%s)\n",
			config.Version, config.GitCommit, config.BuildTime)
		os.Exit(0)
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "FATAL: config load failed: %v\n", err)
		os.Exit(1)
	}

	log := observability.MustLogger(cfg.Observability.LogLevel, cfg.Observability.LogFormat)
	defer log.Sync() //nolint:errcheck

	log.Info("arbiter scheduler starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics := observability.NewSchedulerMetrics()
	if addr := cfg.Observability.MetricsAddr; addr != "" {
		go func() {
			if err := observability.ServeMetrics(ctx, addr, metrics.Registry()); err != nil {
				log.Error("metrics server error", zap.Error(err))
			}
		}()
		log.Info("metrics server started", zap.String("addr", addr))
	}

	if cfg.DLQ.Dir != "" {
		if err := os.MkdirAll(cfg.DLQ.Dir, 0o755); err != nil {
			log.Fatal("dlq dir create failed", zap.Error(err))
		}
	}
	dlq := scheduler.NewDLQ(cfg.DLQ.Capacity, cfg.DLQ.Dir, metrics, log)
	sched := scheduler.New(cfg.Scheduler, dlq, metrics, log)

	// Fatal path: STOP escalations and the restart cap both halt.
	var haltOnce sync.Once
	exitCode := 0
	halt := func(reason string) {
		haltOnce.Do(func() {
			log.Error("halting scheduler", zap.String("reason", reason))
			exitCode = 1
			cancel()
		})
	}
	sched.SetFatalHandler(halt)

	var sup *supervisor.Supervisor
	sup = supervisor.New(cfg.Supervisor, cfg.IPC, metrics, supervisor.Callbacks{
		OnCrash: func(code int) {
			log.Error("core crashed", zap.Int("exit_code", code))
			go restartCore(ctx, sup, halt, log)
		},
		OnHang: func() {
			log.Error("core unresponsive")
			go restartCore(ctx, sup, halt, log)
		},
		OnRestartLimit: func() {
			halt("core restart limit reached")
		},
	}, log)
	sup.SetBinder(sched.AttachProtocol)
	sched.SetCoreControl(sup)

	if _, err := sup.SpawnCore(ctx); err != nil {
		log.Fatal("core spawn failed", zap.Error(err))
	}
	sched.Start()
	log.Info("scheduler ready")

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-ctx.Done():
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(),
		cfg.Scheduler.DrainTimeout+cfg.Supervisor.GracefulShutdown+5*time.Second)
	defer shutdownCancel()
	if err := sched.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", zap.Error(err))
		if exitCode == 0 {
			exitCode = 1
		}
	}

	log.Info("arbiter scheduler shutdown complete")
	_ = log.Sync()
	os.Exit(exitCode)
}

// restartCore restarts the Core once; the restart cap converts repeated
// crashes into a halt.
func restartCore(ctx context.Context, sup *supervisor.Supervisor, halt func(string), log *zap.Logger) {
	if ctx.Err() != nil {
		return
	}
	if _, err := sup.RestartCore(ctx); err != nil {
		switch err {
		case supervisor.ErrRestartInProgress:
			// Another path already restarting.
		case supervisor.ErrRestartLimit:
			halt("core restart limit reached")
		default:
			log.Error("core restart failed", zap.Error(err))
			halt("core restart failed: " + err.Error())
		}
	}
}

// loadConfig loads the file when given, otherwise defaults + env.
func loadConfig(path string) (*config.Config, error) {
	if path != "" {
		return config.Load(path)
	}
	cfg := config.Defaults()
	cfg.ApplyEnv()
	if err := config.Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
