// Package main — cmd/arbiter-core/main.go
//
// Core process entrypoint.
//
// Startup sequence:
//  1. Load config (file optional; defaults + environment overrides).
//  2. Initialise structured logger on stderr (stdout may carry IPC).
//  3. Resolve the transport from the environment exported by the
//     Supervisor: stdio (default), unix socket, or loopback TCP.
//  4. Build admission state: budget, breaker registry, backpressure.
//  5. Bind the orchestrator and start dispatching.
//  6. Block until SIGINT/SIGTERM or the Scheduler disconnects.
//
// Shutdown: revoke all permits, cancel all workers, stop the watchdog,
// close the protocol, flush the logger, exit 0.
package main

import (
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/backpressure"
	"github.com/arbiterd/arbiter/internal/breaker"
	"github.com/arbiterd/arbiter/internal/budget"
	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/core"
	"github.com/arbiterd/arbiter/internal/ipc"
	"github.com/arbiterd/arbiter/internal/observability"
	"github.com/arbiterd/arbiter/internal/permit"
	"github.com/arbiterd/arbiter/internal/worker"
)

func main() {
	configPath := flag.String("config", "", "Path to arbiter.yaml (optional)")
	version := flag.Bool("version", false, "Print version and exit")
	flag.Parse()

	if *version {
		fmt.Printf("arbiter-core %s (commit=%s built=%s)\n",
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

	log.Info("arbiter core starting",
		zap.String("version", config.Version),
		zap.String("node_id", cfg.NodeID))

	transport, err := openTransport(cfg, log)
	if err != nil {
		log.Fatal("transport setup failed", zap.Error(err))
	}

	metrics := observability.NewCoreMetrics()

	bud := budget.New(cfg.Core.Budget.MaxConcurrency, cfg.Core.Budget.MaxRPS, cfg.Core.Budget.Burst)
	breakers := breaker.NewRegistry(breaker.Config{
		FailureThreshold: cfg.Core.Breaker.FailureThreshold,
		Window:           cfg.Core.Breaker.Window,
		Cooldown:         cfg.Core.Breaker.Cooldown,
		HalfOpenProbes:   cfg.Core.Breaker.HalfOpenProbes,
	}, log, func(key, from, to string) {
		metrics.BreakerTransitionsTotal.WithLabelValues(key, from, to).Inc()
	})
	bp := backpressure.NewController(
		backpressure.Limits{
			MaxActivePermits: cfg.Core.Backpressure.MaxActivePermits,
			MaxQueueDepth:    cfg.Core.Backpressure.MaxQueueDepth,
			MaxLatency:       cfg.Core.Backpressure.MaxLatency,
		},
		backpressure.Thresholds{
			Degrade: cfg.Core.Backpressure.DegradeThreshold,
			Defer:   cfg.Core.Backpressure.DeferThreshold,
			Reject:  cfg.Core.Backpressure.RejectThreshold,
		},
	)

	cancels := permit.NewManager()
	gate := permit.NewGate(bud, breakers, bp, cancels, cfg.Core.GlobalDeadline, metrics, log)

	// Worker adapters are registered by the embedding integration; the
	// bare binary serves admission and delegation plumbing only.
	adapters := worker.NewRegistry()
	gateway := worker.NewGateway(adapters, worker.ThrottleConfig{
		ForwardStdio:   cfg.Core.Throttle.ForwardStdio,
		MaxEvents:      cfg.Core.Throttle.MaxEvents,
		ProgressWindow: cfg.Core.Throttle.ProgressWindow,
	}, metrics, log)

	// Scheduler disconnect initiates Core shutdown.
	shutdownCh := make(chan struct{}, 1)
	protocol := ipc.NewProtocol(transport, ipc.ProtocolOptions{
		Logger:         log.Named("ipc"),
		RequestTimeout: cfg.IPC.RequestTimeout,
		OnDisconnect: func(err error) {
			log.Warn("scheduler disconnected", zap.Error(err))
			select {
			case shutdownCh <- struct{}{}:
			default:
			}
		},
	})

	orch := core.NewOrchestrator(protocol, gate, gateway, bp, metrics, cfg, log)
	orch.Start()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigCh:
		log.Info("shutdown signal received", zap.String("signal", sig.String()))
	case <-shutdownCh:
	}

	orch.Shutdown()
	log.Info("arbiter core shutdown complete")
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

// openTransport connects back to the Supervisor over the transport it
// selected: stdio by default, or the socket/tcp address in the
// environment.
func openTransport(cfg *config.Config, log *zap.Logger) (*ipc.Transport, error) {
	opts := ipc.Options{
		MaxLineBytes: cfg.IPC.MaxLineBytes,
		Logger:       log.Named("ipc"),
		Trace:        cfg.IPC.Trace,
	}

	switch cfg.IPC.Transport {
	case config.TransportSocket:
		path := os.Getenv(config.EnvSocketPath)
		if path == "" {
			return nil, fmt.Errorf("transport socket selected but %s unset", config.EnvSocketPath)
		}
		conn, err := net.Dial("unix", path)
		if err != nil {
			return nil, fmt.Errorf("dial unix %q: %w", path, err)
		}
		return ipc.NewConn(conn, opts), nil

	case config.TransportTCP:
		host := os.Getenv(config.EnvSocketHost)
		port := os.Getenv(config.EnvSocketPort)
		if host == "" || port == "" {
			return nil, fmt.Errorf("transport tcp selected but %s/%s unset",
				config.EnvSocketHost, config.EnvSocketPort)
		}
		conn, err := net.Dial("tcp", net.JoinHostPort(host, port))
		if err != nil {
			return nil, fmt.Errorf("dial tcp %s:%s: %w", host, port, err)
		}
		return ipc.NewConn(conn, opts), nil

	default:
		opts.Closer = os.Stdin
		return ipc.New(os.Stdin, os.Stdout, opts), nil
	}
}
