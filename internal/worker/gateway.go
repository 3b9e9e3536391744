// Package worker — gateway.go
//
// The delegation gateway dispatches a permitted task to its adapter and
// owns the worker lifecycle:
//
//   - Validates the task payload; invalid payloads fail NON_RETRYABLE.
//   - Runs the worker under a scoped cancellation composed of parent
//     cancellation (permit revocation), the permit deadline, and explicit
//     cancel.
//   - Forwards every worker event through the per-job throttle.
//   - Maps a FAILED result to CANCELLED when the abort originated here:
//     adapters are not trusted to classify our own cancellations.
//   - The active-worker count is decremented on every exit path; no
//     worker outlives its Delegate call.
package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/observability"
	"github.com/arbiterd/arbiter/internal/permit"
)

// Status is a watchdog-facing snapshot of one active worker.
type Status struct {
	JobID       string
	PermitID    string
	WorkerKind  string
	StartedAt   time.Time
	LastEventAt time.Time
	DeadlineAt  time.Time
}

// entry is the gateway's record of one running worker.
type entry struct {
	jobID       string
	permitID    string
	kind        string
	startedAt   time.Time
	deadline    time.Time
	lastEventAt atomic.Int64 // unix nanos
	cancel      context.CancelFunc
}

// Gateway delegates tasks to registered adapters.
type Gateway struct {
	registry    *Registry
	throttleCfg ThrottleConfig
	metrics     *observability.CoreMetrics
	log         *zap.Logger

	mu      sync.Mutex
	active  map[string]*entry // jobID → entry
	wg      sync.WaitGroup
}

// NewGateway wires the gateway. metrics may be nil in tests.
func NewGateway(registry *Registry, throttleCfg ThrottleConfig, metrics *observability.CoreMetrics, log *zap.Logger) *Gateway {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gateway{
		registry:    registry,
		throttleCfg: throttleCfg,
		metrics:     metrics,
		log:         log,
		active:      make(map[string]*entry),
	}
}

// Delegate runs one task to completion under the permit's scope and
// returns its structured result. Blocks for the worker's lifetime; the
// orchestrator calls it from a per-job goroutine. The returned result is
// never nil.
func (g *Gateway) Delegate(parent context.Context, task *job.Task, pm permit.Permit, jobID string, sink Sink) *job.Result {
	if err := task.Validate(); err != nil {
		return failedResult(job.ErrClassNonRetryable, "invalid worker task: "+err.Error())
	}

	adapter, err := g.registry.Get(task.WorkerKind)
	if err != nil {
		return failedResult(job.ErrClassNonRetryable, err.Error())
	}

	// Scope: parent (revocation) ∧ permit deadline ∧ explicit cancel.
	scope, cancel := context.WithDeadline(parent, pm.Deadline())
	defer cancel()

	e := &entry{
		jobID:     jobID,
		permitID:  pm.PermitID,
		kind:      task.WorkerKind,
		startedAt: time.Now(),
		deadline:  pm.Deadline(),
		cancel:    cancel,
	}
	e.lastEventAt.Store(e.startedAt.UnixNano())

	g.track(e)
	defer g.untrack(e)

	started := time.Now()
	handle, err := adapter.StartTask(scope, task)
	if err != nil {
		g.log.Error("worker start failed",
			zap.String("job_id", jobID),
			zap.String("kind", task.WorkerKind),
			zap.Error(err))
		return failedResult(job.ErrClassRetryableService, "worker start: "+err.Error())
	}

	throttle := NewThrottle(g.throttleCfg, sink, g.metrics)
	defer throttle.Dispose()

	// Event pump: drain the adapter stream fully so a slow sink cannot
	// wedge the adapter's emit path after completion.
	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		for ev := range handle.Events() {
			e.lastEventAt.Store(time.Now().UnixNano())
			throttle.Handle(ev)
		}
	}()

	res, awaitErr := handle.Await(scope)
	aborted := scope.Err() != nil
	// Deadline expiry without parent cancellation is a timeout, not a
	// cancellation: the job may still be retried.
	expired := aborted && parent.Err() == nil && errors.Is(scope.Err(), context.DeadlineExceeded)
	if aborted {
		// Our own cancellation or deadline: tell the adapter, then give
		// it a bounded grace to come back with a terminal result.
		handle.Cancel()
		if res == nil && awaitErr != nil {
			res, awaitErr = g.awaitAfterAbort(handle)
		}
	}
	<-pumpDone

	wall := time.Since(started)

	if expired {
		return failedResult(job.ErrClassRetryableTransient, "permit deadline exceeded")
	}

	switch {
	case res == nil && awaitErr != nil:
		if aborted {
			return cancelledResult(wall)
		}
		return failedResult(job.ErrClassRetryableTransient, "worker await: "+awaitErr.Error())
	case res == nil:
		return failedResult(job.ErrClassRetryableTransient, "worker returned no result")
	}

	if res.Cost.WallTimeMs == 0 {
		res.Cost.WallTimeMs = wall.Milliseconds()
	}

	// Cancellation is best-effort on the worker side: when the abort came
	// from us, a FAILED report is still a cancellation.
	if aborted && res.Status == job.StatusFailed {
		res.Status = job.StatusCancelled
		res.ErrorClass = ""
	}

	return res
}

// awaitAfterAbort gives a cancelled worker a short grace to report its
// terminal result before it is written off.
func (g *Gateway) awaitAfterAbort(handle TaskHandle) (*job.Result, error) {
	graceCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	return handle.Await(graceCtx)
}

// ActiveCount returns the number of running workers.
func (g *Gateway) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// ActiveWorkers snapshots the running workers for the watchdog.
func (g *Gateway) ActiveWorkers() []Status {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Status, 0, len(g.active))
	for _, e := range g.active {
		out = append(out, Status{
			JobID:       e.jobID,
			PermitID:    e.permitID,
			WorkerKind:  e.kind,
			StartedAt:   e.startedAt,
			LastEventAt: time.Unix(0, e.lastEventAt.Load()),
			DeadlineAt:  e.deadline,
		})
	}
	return out
}

// CancelWorker fires the scoped cancellation for a job's worker.
// Returns false when no worker is active for the job.
func (g *Gateway) CancelWorker(jobID string) bool {
	g.mu.Lock()
	e, ok := g.active[jobID]
	g.mu.Unlock()
	if !ok {
		return false
	}
	e.cancel()
	return true
}

// Wait blocks until every delegated worker has returned. Used by
// shutdown after cancelling everything.
func (g *Gateway) Wait() {
	g.wg.Wait()
}

func (g *Gateway) track(e *entry) {
	g.wg.Add(1)
	g.mu.Lock()
	g.active[e.jobID] = e
	count := len(g.active)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveWorkers.Set(float64(count))
	}
}

func (g *Gateway) untrack(e *entry) {
	g.mu.Lock()
	delete(g.active, e.jobID)
	count := len(g.active)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.ActiveWorkers.Set(float64(count))
	}
	g.wg.Done()
}

// failedResult builds a FAILED result with a classification.
func failedResult(class job.ErrorClass, msg string) *job.Result {
	return &job.Result{
		Status:       job.StatusFailed,
		ErrorClass:   class,
		ErrorMessage: msg,
	}
}

// cancelledResult builds a CANCELLED result.
func cancelledResult(wall time.Duration) *job.Result {
	return &job.Result{
		Status: job.StatusCancelled,
		Cost:   job.Cost{WallTimeMs: wall.Milliseconds()},
	}
}
