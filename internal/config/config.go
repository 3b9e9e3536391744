// Package config provides configuration loading and validation for the
// arbiter Scheduler and Core processes.
//
// Configuration file: arbiter.yaml (path passed via -config).
// Schema version: 1
//
// Precedence (lowest to highest):
//  1. Defaults()
//  2. YAML file values
//  3. Environment overrides (ApplyEnv)
//
// Environment overrides:
//   - ARBITER_IPC_TRANSPORT          stdio | socket | tcp
//   - ARBITER_IPC_TRACE              non-empty enables per-frame stderr traces
//   - ARBITER_KEEPALIVE              "0"/"false" disables, anything else enables
//   - ARBITER_KEEPALIVE_INTERVAL     Go duration, e.g. "30s"
//   - ARBITER_DLQ_DIR                enables the dlq.jsonl mirror in this dir
//
// Validation:
//   - All required fields must be present, numeric ranges enforced.
//   - Thresholds must satisfy degrade <= defer <= reject.
//   - Invalid config on startup: the process refuses to start.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Version, GitCommit, BuildTime can be set at build time via -ldflags -X.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// Environment variable names shared between the Supervisor (which exports
// them into the child) and the Core (which reads them at startup).
const (
	EnvTransport         = "ARBITER_IPC_TRANSPORT"
	EnvTrace             = "ARBITER_IPC_TRACE"
	EnvKeepalive         = "ARBITER_KEEPALIVE"
	EnvKeepaliveInterval = "ARBITER_KEEPALIVE_INTERVAL"
	EnvDLQDir            = "ARBITER_DLQ_DIR"
	EnvSocketPath        = "ARBITER_IPC_SOCKET_PATH"
	EnvSocketHost        = "ARBITER_IPC_SOCKET_HOST"
	EnvSocketPort        = "ARBITER_IPC_SOCKET_PORT"
)

// Transport names accepted by the transport selector.
const (
	TransportStdio  = "stdio"
	TransportSocket = "socket"
	TransportTCP    = "tcp"
)

// Config is the root configuration structure for arbiter.
// All fields have defaults; see Defaults() for values.
type Config struct {
	// SchemaVersion must be "1". Future versions will trigger migration.
	SchemaVersion string `yaml:"schema_version"`

	// NodeID identifies this arbiter instance in logs and escalation events.
	// Default: hostname.
	NodeID string `yaml:"node_id"`

	Scheduler     SchedulerConfig     `yaml:"scheduler"`
	Core          CoreConfig          `yaml:"core"`
	IPC           IPCConfig           `yaml:"ipc"`
	Supervisor    SupervisorConfig    `yaml:"supervisor"`
	DLQ           DLQConfig           `yaml:"dlq"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// SchedulerConfig holds job queue and retry parameters.
type SchedulerConfig struct {
	// MaxQueueDepth is the maximum number of queued jobs. Submissions beyond
	// this are rejected. Default: 1000.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// MaxAttempts is the default retry budget for jobs that do not set
	// limits.maxAttempts. Default: 3.
	MaxAttempts int `yaml:"max_attempts"`

	// RetryBaseDelay is the base for the full-jitter retry backoff.
	// Default: 1s.
	RetryBaseDelay time.Duration `yaml:"retry_base_delay"`

	// RetryMaxDelay caps the retry backoff. Default: 30s.
	RetryMaxDelay time.Duration `yaml:"retry_max_delay"`

	// BackoffBaseDelay is the base for the permit-rejection backoff.
	// Default: 500ms.
	BackoffBaseDelay time.Duration `yaml:"backoff_base_delay"`

	// BackoffMaxDelay caps the permit-rejection backoff. Default: 30s.
	BackoffMaxDelay time.Duration `yaml:"backoff_max_delay"`

	// MetricsInterval is the cadence of report_queue_metrics messages sent
	// to the Core. Default: 5s.
	MetricsInterval time.Duration `yaml:"metrics_interval"`

	// DrainTimeout is how long Shutdown waits for in-flight jobs before
	// dead-lettering them. Default: 30s.
	DrainTimeout time.Duration `yaml:"drain_timeout"`
}

// CoreConfig holds admission control parameters for the Core process.
type CoreConfig struct {
	Budget       BudgetConfig       `yaml:"budget"`
	Breaker      BreakerConfig      `yaml:"breaker"`
	Backpressure BackpressureConfig `yaml:"backpressure"`
	Throttle     ThrottleConfig     `yaml:"throttle"`
	Watchdog     WatchdogConfig     `yaml:"watchdog"`
	Keepalive    KeepaliveConfig    `yaml:"keepalive"`

	// GlobalDeadline caps every permit deadline regardless of the job's own
	// timeout. Default: 30m.
	GlobalDeadline time.Duration `yaml:"global_deadline"`
}

// BudgetConfig holds execution budget parameters.
type BudgetConfig struct {
	// MaxConcurrency is the maximum number of simultaneously held permits.
	// Default: 8.
	MaxConcurrency int `yaml:"max_concurrency"`

	// MaxRPS is the sustained permit grant rate. Default: 10.
	MaxRPS float64 `yaml:"max_rps"`

	// Burst is the rate limiter burst size. Default: 10.
	Burst int `yaml:"burst"`
}

// BreakerConfig holds circuit breaker parameters applied to every key.
type BreakerConfig struct {
	// FailureThreshold is the failure count within Window that opens a
	// breaker. Default: 5.
	FailureThreshold int `yaml:"failure_threshold"`

	// Cooldown is how long an open breaker waits before allowing half-open
	// probes. Default: 30s.
	Cooldown time.Duration `yaml:"cooldown"`

	// HalfOpenProbes is the number of probes permitted while half-open.
	// Default: 1.
	HalfOpenProbes int `yaml:"half_open_probes"`

	// Window is the period after which a closed breaker's failure count
	// resets; periods are fixed and back to back, not sliding. Default: 60s.
	Window time.Duration `yaml:"window"`
}

// BackpressureConfig holds load normalisation maxima and decision thresholds.
type BackpressureConfig struct {
	// MaxActivePermits normalises the active permit count. Default: 16.
	MaxActivePermits int `yaml:"max_active_permits"`

	// MaxQueueDepth normalises the reported queue depth. Default: 500.
	MaxQueueDepth int `yaml:"max_queue_depth"`

	// MaxLatency normalises the reported average latency. Default: 60s.
	MaxLatency time.Duration `yaml:"max_latency"`

	// Thresholds select the response from the normalised load.
	// Must satisfy degrade <= defer <= reject, each in [0, 1].
	DegradeThreshold float64 `yaml:"degrade_threshold"`
	DeferThreshold   float64 `yaml:"defer_threshold"`
	RejectThreshold  float64 `yaml:"reject_threshold"`
}

// ThrottleConfig holds worker event throttle parameters.
type ThrottleConfig struct {
	// ForwardStdio opts in to forwarding stdout/stderr events. They are
	// filtered by default because agent output may contain secrets.
	ForwardStdio bool `yaml:"forward_stdio"`

	// MaxEvents is the per-job non-progress event budget. Default: 500.
	MaxEvents int `yaml:"max_events"`

	// ProgressWindow is the coalescing window for progress events.
	// Default: 100ms.
	ProgressWindow time.Duration `yaml:"progress_window"`
}

// WatchdogConfig holds stalled-worker detection parameters.
type WatchdogConfig struct {
	// Interval is the scan cadence. Default: 10s.
	Interval time.Duration `yaml:"interval"`

	// StallWindow is how long a worker may go without emitting an event
	// before a WARN escalation is raised. Default: 2m.
	StallWindow time.Duration `yaml:"stall_window"`
}

// KeepaliveConfig controls periodic stderr keepalive lines while workers
// are active. Defaults to enabled in non-interactive environments.
type KeepaliveConfig struct {
	Enabled  bool          `yaml:"enabled"`
	Interval time.Duration `yaml:"interval"`
}

// IPCConfig holds transport and protocol parameters.
type IPCConfig struct {
	// Transport selects stdio, socket, or tcp. Precedence: this field, then
	// ARBITER_IPC_TRANSPORT, then stdio. Default: "" (unset).
	Transport string `yaml:"transport"`

	// MaxLineBytes is the per-frame byte budget, newline included.
	// Default: 1 MiB.
	MaxLineBytes int `yaml:"max_line_bytes"`

	// RequestTimeout bounds waitForResponse. Default: 10s.
	RequestTimeout time.Duration `yaml:"request_timeout"`

	// HeartbeatInterval is the health checker cadence. Default: 15s.
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`

	// HeartbeatMisses is the consecutive missed-heartbeat count that marks
	// the Core as hung. Default: 3.
	HeartbeatMisses int `yaml:"heartbeat_misses"`

	// Trace enables per-frame diagnostic lines on stderr.
	Trace bool `yaml:"trace"`
}

// SupervisorConfig holds Core spawn and restart parameters.
type SupervisorConfig struct {
	// Entrypoint is the Core executable. A .js/.ts/.sh path is run through
	// the matching interpreter; anything else is executed directly.
	// Default: arbiter-core (resolved via PATH).
	Entrypoint string `yaml:"entrypoint"`

	// ConnectTimeout bounds the wait for the child to connect back on
	// socket/tcp transports. Default: 10s.
	ConnectTimeout time.Duration `yaml:"connect_timeout"`

	// MaxRestarts is the restart cap within RestartWindow. Default: 5.
	MaxRestarts int `yaml:"max_restarts"`

	// RestartWindow is the sliding window for the restart cap. Default: 60s.
	RestartWindow time.Duration `yaml:"restart_window"`

	// GracefulShutdown is the SIGTERM grace before SIGKILL. Default: 5s.
	GracefulShutdown time.Duration `yaml:"graceful_shutdown"`
}

// DLQConfig holds dead-letter queue parameters.
type DLQConfig struct {
	// Capacity is the DLQ ring size; the oldest entry is dropped on
	// overflow. Default: 256.
	Capacity int `yaml:"capacity"`

	// Dir, when set, mirrors the DLQ to an append-only dlq.jsonl file in
	// this directory. Default: "" (memory only).
	Dir string `yaml:"dir"`
}

// ObservabilityConfig holds metrics and logging parameters.
type ObservabilityConfig struct {
	// MetricsAddr is the Prometheus metrics HTTP bind address.
	// Empty disables the exposition server. Default: 127.0.0.1:9137.
	MetricsAddr string `yaml:"metrics_addr"`

	// LogLevel controls the minimum log level (debug, info, warn, error).
	// Default: info.
	LogLevel string `yaml:"log_level"`

	// LogFormat controls the log output format (json, console).
	// Default: json.
	LogFormat string `yaml:"log_format"`
}

// Defaults returns a Config populated with all default values.
func Defaults() Config {
	hostname, _ := os.Hostname()
	return Config{
		SchemaVersion: "1",
		NodeID:        hostname,
		Scheduler: SchedulerConfig{
			MaxQueueDepth:    1000,
			MaxAttempts:      3,
			RetryBaseDelay:   time.Second,
			RetryMaxDelay:    30 * time.Second,
			BackoffBaseDelay: 500 * time.Millisecond,
			BackoffMaxDelay:  30 * time.Second,
			MetricsInterval:  5 * time.Second,
			DrainTimeout:     30 * time.Second,
		},
		Core: CoreConfig{
			Budget: BudgetConfig{
				MaxConcurrency: 8,
				MaxRPS:         10,
				Burst:          10,
			},
			Breaker: BreakerConfig{
				FailureThreshold: 5,
				Cooldown:         30 * time.Second,
				HalfOpenProbes:   1,
				Window:           60 * time.Second,
			},
			Backpressure: BackpressureConfig{
				MaxActivePermits: 16,
				MaxQueueDepth:    500,
				MaxLatency:       60 * time.Second,
				DegradeThreshold: 0.7,
				DeferThreshold:   0.85,
				RejectThreshold:  1.0,
			},
			Throttle: ThrottleConfig{
				ForwardStdio:   false,
				MaxEvents:      500,
				ProgressWindow: 100 * time.Millisecond,
			},
			Watchdog: WatchdogConfig{
				Interval:    10 * time.Second,
				StallWindow: 2 * time.Minute,
			},
			Keepalive: KeepaliveConfig{
				Enabled:  !isInteractive(),
				Interval: 30 * time.Second,
			},
			GlobalDeadline: 30 * time.Minute,
		},
		IPC: IPCConfig{
			MaxLineBytes:      1 << 20,
			RequestTimeout:    10 * time.Second,
			HeartbeatInterval: 15 * time.Second,
			HeartbeatMisses:   3,
		},
		Supervisor: SupervisorConfig{
			Entrypoint:       "arbiter-core",
			ConnectTimeout:   10 * time.Second,
			MaxRestarts:      5,
			RestartWindow:    60 * time.Second,
			GracefulShutdown: 5 * time.Second,
		},
		DLQ: DLQConfig{
			Capacity: 256,
		},
		Observability: ObservabilityConfig{
			MetricsAddr: "127.0.0.1:9137",
			LogLevel:    "info",
			LogFormat:   "json",
		},
	}
}

// isInteractive reports whether stderr is a terminal. Keepalive lines are
// for log collectors watching a quiet pipe, not for humans.
func isInteractive() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return fi.Mode()&os.ModeCharDevice != 0
}

// Load reads and validates a config file from the given path.
// Returns the merged config (defaults overridden by file values, then by
// environment overrides).
func Load(path string) (*Config, error) {
	cfg := Defaults()

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
	}

	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config.Load: parse %q: %w", path, err)
	}

	cfg.ApplyEnv()

	if err := Validate(&cfg); err != nil {
		return nil, fmt.Errorf("config.Load: validation failed: %w", err)
	}

	return &cfg, nil
}

// ApplyEnv applies environment overrides on top of the current values.
func (c *Config) ApplyEnv() {
	// Explicit config wins over the environment for the transport; the
	// env override only fills an unset selector.
	if v := os.Getenv(EnvTransport); v != "" && c.IPC.Transport == "" {
		c.IPC.Transport = v
	}
	if v := os.Getenv(EnvTrace); v != "" {
		c.IPC.Trace = true
	}
	if v := os.Getenv(EnvKeepalive); v != "" {
		c.Core.Keepalive.Enabled = v != "0" && !strings.EqualFold(v, "false")
	}
	if v := os.Getenv(EnvKeepaliveInterval); v != "" {
		if d, err := time.ParseDuration(v); err == nil && d > 0 {
			c.Core.Keepalive.Interval = d
		}
	}
	if v := os.Getenv(EnvDLQDir); v != "" {
		c.DLQ.Dir = v
	}
}

// Validate checks all config fields for correctness.
// Returns a descriptive error listing all violations found.
func Validate(cfg *Config) error {
	var errs []string

	if cfg.SchemaVersion != "1" {
		errs = append(errs, fmt.Sprintf("schema_version must be \"1\", got %q", cfg.SchemaVersion))
	}
	if cfg.NodeID == "" {
		errs = append(errs, "node_id must not be empty")
	}
	if cfg.Scheduler.MaxQueueDepth < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_queue_depth must be >= 1, got %d", cfg.Scheduler.MaxQueueDepth))
	}
	if cfg.Scheduler.MaxAttempts < 1 {
		errs = append(errs, fmt.Sprintf("scheduler.max_attempts must be >= 1, got %d", cfg.Scheduler.MaxAttempts))
	}
	if cfg.Scheduler.RetryBaseDelay <= 0 || cfg.Scheduler.RetryMaxDelay < cfg.Scheduler.RetryBaseDelay {
		errs = append(errs, "scheduler retry delays must satisfy 0 < retry_base_delay <= retry_max_delay")
	}
	if cfg.Scheduler.BackoffBaseDelay <= 0 || cfg.Scheduler.BackoffMaxDelay < cfg.Scheduler.BackoffBaseDelay {
		errs = append(errs, "scheduler backoff delays must satisfy 0 < backoff_base_delay <= backoff_max_delay")
	}
	if cfg.Core.Budget.MaxConcurrency < 1 {
		errs = append(errs, fmt.Sprintf("core.budget.max_concurrency must be >= 1, got %d", cfg.Core.Budget.MaxConcurrency))
	}
	if cfg.Core.Budget.MaxRPS <= 0 {
		errs = append(errs, fmt.Sprintf("core.budget.max_rps must be > 0, got %f", cfg.Core.Budget.MaxRPS))
	}
	if cfg.Core.Budget.Burst < 1 {
		errs = append(errs, fmt.Sprintf("core.budget.burst must be >= 1, got %d", cfg.Core.Budget.Burst))
	}
	if cfg.Core.Breaker.FailureThreshold < 1 {
		errs = append(errs, fmt.Sprintf("core.breaker.failure_threshold must be >= 1, got %d", cfg.Core.Breaker.FailureThreshold))
	}
	if cfg.Core.Breaker.Cooldown < time.Second {
		errs = append(errs, fmt.Sprintf("core.breaker.cooldown must be >= 1s, got %s", cfg.Core.Breaker.Cooldown))
	}
	if cfg.Core.Breaker.HalfOpenProbes < 1 {
		errs = append(errs, fmt.Sprintf("core.breaker.half_open_probes must be >= 1, got %d", cfg.Core.Breaker.HalfOpenProbes))
	}
	bp := cfg.Core.Backpressure
	if bp.MaxActivePermits < 1 || bp.MaxQueueDepth < 1 || bp.MaxLatency <= 0 {
		errs = append(errs, "core.backpressure maxima must all be positive")
	}
	for name, v := range map[string]float64{
		"degrade_threshold": bp.DegradeThreshold,
		"defer_threshold":   bp.DeferThreshold,
		"reject_threshold":  bp.RejectThreshold,
	} {
		if v < 0 || v > 1 {
			errs = append(errs, fmt.Sprintf("core.backpressure.%s must be in [0.0, 1.0], got %f", name, v))
		}
	}
	if !(bp.DegradeThreshold <= bp.DeferThreshold && bp.DeferThreshold <= bp.RejectThreshold) {
		errs = append(errs, "core.backpressure thresholds must satisfy degrade <= defer <= reject")
	}
	if cfg.Core.Throttle.MaxEvents < 1 {
		errs = append(errs, fmt.Sprintf("core.throttle.max_events must be >= 1, got %d", cfg.Core.Throttle.MaxEvents))
	}
	if cfg.Core.Throttle.ProgressWindow <= 0 {
		errs = append(errs, fmt.Sprintf("core.throttle.progress_window must be > 0, got %s", cfg.Core.Throttle.ProgressWindow))
	}
	if cfg.Core.GlobalDeadline <= 0 {
		errs = append(errs, fmt.Sprintf("core.global_deadline must be > 0, got %s", cfg.Core.GlobalDeadline))
	}
	switch cfg.IPC.Transport {
	case "", TransportStdio, TransportSocket, TransportTCP:
	default:
		errs = append(errs, fmt.Sprintf("ipc.transport must be one of stdio|socket|tcp, got %q", cfg.IPC.Transport))
	}
	if cfg.IPC.MaxLineBytes < 1024 {
		errs = append(errs, fmt.Sprintf("ipc.max_line_bytes must be >= 1024, got %d", cfg.IPC.MaxLineBytes))
	}
	if cfg.IPC.RequestTimeout <= 0 {
		errs = append(errs, fmt.Sprintf("ipc.request_timeout must be > 0, got %s", cfg.IPC.RequestTimeout))
	}
	if cfg.IPC.HeartbeatMisses < 1 {
		errs = append(errs, fmt.Sprintf("ipc.heartbeat_misses must be >= 1, got %d", cfg.IPC.HeartbeatMisses))
	}
	if cfg.Supervisor.Entrypoint == "" {
		errs = append(errs, "supervisor.entrypoint must not be empty")
	}
	if cfg.Supervisor.MaxRestarts < 1 {
		errs = append(errs, fmt.Sprintf("supervisor.max_restarts must be >= 1, got %d", cfg.Supervisor.MaxRestarts))
	}
	if cfg.Supervisor.RestartWindow <= 0 {
		errs = append(errs, fmt.Sprintf("supervisor.restart_window must be > 0, got %s", cfg.Supervisor.RestartWindow))
	}
	if cfg.DLQ.Capacity < 1 {
		errs = append(errs, fmt.Sprintf("dlq.capacity must be >= 1, got %d", cfg.DLQ.Capacity))
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation errors:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
