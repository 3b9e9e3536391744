// Package core — watchdog.go
//
// The watchdog scans active workers on a fixed cadence and raises
// escalation events toward the Scheduler:
//
//	WARN   — worker silent past the stall window. Raised once per worker.
//	CANCEL — worker past its permit deadline; the permit is revoked.
//	STOP   — a cancelled worker is still running two scans later. The
//	         Scheduler must halt; something is leaking processes.
//
// Escalation is monotonic per worker: WARN may be followed by CANCEL,
// CANCEL by STOP, never the reverse.
package core

import (
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/ipc"
	"github.com/arbiterd/arbiter/internal/observability"
	"github.com/arbiterd/arbiter/internal/permit"
	"github.com/arbiterd/arbiter/internal/worker"
)

// Escalation actions.
const (
	ActionWarn   = "WARN"
	ActionCancel = "CANCEL"
	ActionStop   = "STOP"
)

// Escalation severities.
const (
	SeverityWarning  = "WARNING"
	SeverityCritical = "CRITICAL"
)

// watchState tracks per-worker escalation progress between scans.
type watchState struct {
	warned        bool
	cancelledAt   int // scan counter when CANCEL was raised; 0 = not yet
}

// Watchdog owns the scan loop.
type Watchdog struct {
	cfg      config.WatchdogConfig
	gateway  *worker.Gateway
	gate     *permit.Gate
	protocol *ipc.Protocol
	metrics  *observability.CoreMetrics
	log      *zap.Logger

	mu    sync.Mutex
	seen  map[string]*watchState // jobID → state
	scans int

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewWatchdog creates a Watchdog. metrics may be nil.
func NewWatchdog(
	cfg config.WatchdogConfig,
	gateway *worker.Gateway,
	gate *permit.Gate,
	protocol *ipc.Protocol,
	metrics *observability.CoreMetrics,
	log *zap.Logger,
) *Watchdog {
	if log == nil {
		log = zap.NewNop()
	}
	return &Watchdog{
		cfg:      cfg,
		gateway:  gateway,
		gate:     gate,
		protocol: protocol,
		metrics:  metrics,
		log:      log,
		seen:     make(map[string]*watchState),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start launches the scan loop.
func (w *Watchdog) Start() {
	go w.loop()
}

// Stop terminates the scan loop and waits for it to exit. Idempotent.
func (w *Watchdog) Stop() {
	w.stopOnce.Do(func() { close(w.stop) })
	<-w.done
}

func (w *Watchdog) loop() {
	defer close(w.done)

	interval := w.cfg.Interval
	if interval <= 0 {
		interval = 10 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.scan(time.Now())
		}
	}
}

// scan inspects every active worker once.
func (w *Watchdog) scan(now time.Time) {
	w.mu.Lock()
	w.scans++
	scan := w.scans
	w.mu.Unlock()

	activeJobs := make(map[string]bool)
	for _, st := range w.gateway.ActiveWorkers() {
		activeJobs[st.JobID] = true
		w.inspect(now, scan, st)
	}

	// Drop state for workers that exited.
	w.mu.Lock()
	for jobID := range w.seen {
		if !activeJobs[jobID] {
			delete(w.seen, jobID)
		}
	}
	w.mu.Unlock()
}

func (w *Watchdog) inspect(now time.Time, scan int, st worker.Status) {
	w.mu.Lock()
	ws := w.seen[st.JobID]
	if ws == nil {
		ws = &watchState{}
		w.seen[st.JobID] = ws
	}
	state := *ws
	w.mu.Unlock()

	// STOP: cancelled two scans ago and still here.
	if state.cancelledAt > 0 {
		if scan-state.cancelledAt >= 2 {
			w.escalate(ActionStop, SeverityCritical, st.JobID,
				fmt.Sprintf("worker for job %s ignored cancellation", st.JobID))
		}
		return
	}

	// CANCEL: past the permit deadline.
	if deadline := st.DeadlineAt; !deadline.IsZero() && now.After(deadline) {
		w.escalate(ActionCancel, SeverityCritical, st.JobID,
			fmt.Sprintf("worker for job %s exceeded its deadline", st.JobID))
		w.gate.Revoke(st.PermitID, fmt.Errorf("core: watchdog deadline for job %s", st.JobID))
		w.mu.Lock()
		ws.cancelledAt = scan
		w.mu.Unlock()
		return
	}

	// WARN: silent past the stall window.
	if !state.warned && w.cfg.StallWindow > 0 && now.Sub(st.LastEventAt) > w.cfg.StallWindow {
		w.escalate(ActionWarn, SeverityWarning, st.JobID,
			fmt.Sprintf("worker for job %s silent for %s", st.JobID, now.Sub(st.LastEventAt).Round(time.Second)))
		w.mu.Lock()
		ws.warned = true
		w.mu.Unlock()
	}
}

// escalate serialises an escalation toward the Scheduler.
func (w *Watchdog) escalate(action, severity, target, reason string) {
	w.log.Warn("watchdog escalation",
		zap.String("action", action),
		zap.String("target", target),
		zap.String("reason", reason))
	if w.metrics != nil {
		w.metrics.EscalationsTotal.WithLabelValues(action).Inc()
	}
	if err := w.protocol.Escalation(ipc.EscalationEvent{
		Scope:     "worker",
		Action:    action,
		Target:    target,
		Reason:    reason,
		Timestamp: time.Now().UnixMilli(),
		Severity:  severity,
	}); err != nil {
		w.log.Warn("escalation send failed", zap.Error(err))
	}
}
