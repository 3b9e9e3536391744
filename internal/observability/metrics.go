// Package observability — metrics.go
//
// Prometheus metrics for the arbiter Scheduler and Core processes.
//
// Endpoint: GET /metrics on 127.0.0.1:9137 (configurable); the Core process
// does not serve HTTP — its metrics ride along in logs and escalations, and
// the gauges exist for tests and future exposition.
// Format: Prometheus text exposition format (OpenMetrics compatible).
// Bind: loopback only — no external exposure.
//
// Metric naming convention: arbiter_<subsystem>_<name>_<unit>
//
// All metrics are registered on a dedicated prometheus.Registry (not the
// default global registry) to avoid collisions with other instrumented
// libraries in the same process.
//
// Cardinality control:
//   - Reason/outcome labels come from closed enums (at most 9 values).
//   - Job ids and permit ids are NOT used as labels.
package observability

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// SchedulerMetrics holds the Scheduler-side Prometheus descriptors.
type SchedulerMetrics struct {
	registry *prometheus.Registry

	// SubmissionsTotal counts submitJob calls by outcome.
	// Labels: outcome (accepted, duplicate, coalesced, replaced, queue_full,
	// rejected_closed)
	SubmissionsTotal *prometheus.CounterVec

	// QueueDepth is the current job queue depth.
	QueueDepth prometheus.Gauge

	// OldestJobAgeSeconds is the age of the oldest queued job.
	OldestJobAgeSeconds prometheus.Gauge

	// RetriesTotal counts retry re-enqueues by error class.
	RetriesTotal *prometheus.CounterVec

	// BackoffsTotal counts permit-rejection backoffs by reason.
	BackoffsTotal *prometheus.CounterVec

	// DLQDepth is the current dead-letter ring size.
	DLQDepth prometheus.Gauge

	// DLQTotal counts dead-lettered jobs by reason.
	DLQTotal *prometheus.CounterVec

	// CoreRestartsTotal counts Core subprocess restarts.
	CoreRestartsTotal prometheus.Counter

	// IPCErrorsTotal counts IPC-level failures observed by the scheduler.
	IPCErrorsTotal prometheus.Counter
}

// NewSchedulerMetrics creates and registers the Scheduler metric set on a
// dedicated registry.
func NewSchedulerMetrics() *SchedulerMetrics {
	reg := prometheus.NewRegistry()

	m := &SchedulerMetrics{
		registry: reg,

		SubmissionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "scheduler",
			Name:      "submissions_total",
			Help:      "Total job submissions, by admission outcome.",
		}, []string{"outcome"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "scheduler",
			Name:      "queue_depth",
			Help:      "Current depth of the job queue.",
		}),

		OldestJobAgeSeconds: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "scheduler",
			Name:      "oldest_job_age_seconds",
			Help:      "Age of the oldest queued job in seconds.",
		}),

		RetriesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "scheduler",
			Name:      "retries_total",
			Help:      "Total retry re-enqueues, by classified error.",
		}, []string{"error_class"}),

		BackoffsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "scheduler",
			Name:      "backoffs_total",
			Help:      "Total permit-rejection backoffs, by rejection reason.",
		}, []string{"reason"}),

		DLQDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "dlq",
			Name:      "depth",
			Help:      "Current number of dead-letter entries held in memory.",
		}),

		DLQTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "dlq",
			Name:      "entries_total",
			Help:      "Total dead-lettered jobs, by reason.",
		}, []string{"reason"}),

		CoreRestartsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "supervisor",
			Name:      "core_restarts_total",
			Help:      "Total Core subprocess restarts.",
		}),

		IPCErrorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "scheduler",
			Name:      "ipc_errors_total",
			Help:      "Total IPC failures observed by the scheduler loop.",
		}),
	}

	reg.MustRegister(
		m.SubmissionsTotal,
		m.QueueDepth,
		m.OldestJobAgeSeconds,
		m.RetriesTotal,
		m.BackoffsTotal,
		m.DLQDepth,
		m.DLQTotal,
		m.CoreRestartsTotal,
		m.IPCErrorsTotal,
		// Standard Go runtime metrics.
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)

	return m
}

// CoreMetrics holds the Core-side Prometheus descriptors.
type CoreMetrics struct {
	registry *prometheus.Registry

	// ActivePermits is the current number of live permits.
	ActivePermits prometheus.Gauge

	// PermitsGrantedTotal counts granted permits.
	PermitsGrantedTotal prometheus.Counter

	// PermitsRejectedTotal counts rejected permit requests.
	// Labels: reason (CIRCUIT_OPEN, RATE_LIMIT, GLOBAL_SHED, ...)
	PermitsRejectedTotal *prometheus.CounterVec

	// BreakerTransitionsTotal counts circuit state transitions.
	// Labels: key, from_state, to_state
	BreakerTransitionsTotal *prometheus.CounterVec

	// BudgetConcurrencyInUse is the current concurrency counter.
	BudgetConcurrencyInUse prometheus.Gauge

	// ActiveWorkers is the current number of delegated workers.
	ActiveWorkers prometheus.Gauge

	// WorkerEventsTotal counts worker events by disposition.
	// Labels: disposition (forwarded, filtered, truncated, dropped, coalesced)
	WorkerEventsTotal *prometheus.CounterVec

	// EscalationsTotal counts watchdog escalations by action.
	EscalationsTotal *prometheus.CounterVec
}

// NewCoreMetrics creates and registers the Core metric set on a dedicated
// registry.
func NewCoreMetrics() *CoreMetrics {
	reg := prometheus.NewRegistry()

	m := &CoreMetrics{
		registry: reg,

		ActivePermits: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "permits",
			Name:      "active",
			Help:      "Current number of live permits.",
		}),

		PermitsGrantedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "permits",
			Name:      "granted_total",
			Help:      "Total permits granted.",
		}),

		PermitsRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "permits",
			Name:      "rejected_total",
			Help:      "Total permit requests rejected, by reason.",
		}, []string{"reason"}),

		BreakerTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "breaker",
			Name:      "transitions_total",
			Help:      "Total circuit breaker state transitions, by key and states.",
		}, []string{"key", "from_state", "to_state"}),

		BudgetConcurrencyInUse: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "budget",
			Name:      "concurrency_in_use",
			Help:      "Current execution budget concurrency counter.",
		}),

		ActiveWorkers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "arbiter",
			Subsystem: "workers",
			Name:      "active",
			Help:      "Current number of delegated workers.",
		}),

		WorkerEventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "workers",
			Name:      "events_total",
			Help:      "Total worker events seen by the throttle, by disposition.",
		}, []string{"disposition"}),

		EscalationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "arbiter",
			Subsystem: "watchdog",
			Name:      "escalations_total",
			Help:      "Total watchdog escalations, by action.",
		}, []string{"action"}),
	}

	reg.MustRegister(
		m.ActivePermits,
		m.PermitsGrantedTotal,
		m.PermitsRejectedTotal,
		m.BreakerTransitionsTotal,
		m.BudgetConcurrencyInUse,
		m.ActiveWorkers,
		m.WorkerEventsTotal,
		m.EscalationsTotal,
	)

	return m
}

// Registry exposes the scheduler registry for the exposition server.
func (m *SchedulerMetrics) Registry() *prometheus.Registry { return m.registry }

// Registry exposes the core registry (used in tests).
func (m *CoreMetrics) Registry() *prometheus.Registry { return m.registry }

// ServeMetrics starts the Prometheus HTTP metrics server on the given
// address. Blocks until ctx is cancelled or the server fails.
func ServeMetrics(ctx context.Context, addr string, reg *prometheus.Registry) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{
		EnableOpenMetrics: true,
		ErrorHandling:     promhttp.ContinueOnError,
	}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	srv := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("metrics server on %s: %w", addr, err)
	}
	return nil
}
