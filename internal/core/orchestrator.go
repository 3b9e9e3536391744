// Package core wires the Core process: the IPC protocol bound to the
// permit gate, the delegation gateway, the event throttle, and the
// watchdog.
//
// Handler map:
//
//	submit_job           → register job, ack
//	cancel_job           → revoke permit or forget job, acknowledge
//	request_permit       → one-permit-per-job, gate decision, delegation
//	report_queue_metrics → backpressure inputs
//	heartbeat            → heartbeat_ack
//
// A granted WORKER_TASK spawns a fire-and-forget delegation that ends in
// job_completed. Other job types take the same path through an adapter
// registered under the job type; with no such adapter the job fails
// NON_RETRYABLE (see DESIGN.md).
//
// No handler error escapes the read loop; no worker failure crashes the
// Core.
package core

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/backpressure"
	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/ipc"
	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/observability"
	"github.com/arbiterd/arbiter/internal/permit"
	"github.com/arbiterd/arbiter/internal/worker"
)

// ErrCancelledByScheduler is the revocation cause for cancel_job.
var ErrCancelledByScheduler = errors.New("core: cancelled by scheduler")

// trackedJob is the Core's record of a submitted job.
type trackedJob struct {
	job       job.Job
	permitID  string
	cancelled bool
}

// Orchestrator is the top of the Core process.
type Orchestrator struct {
	protocol     *ipc.Protocol
	gate         *permit.Gate
	gateway      *worker.Gateway
	backpressure *backpressure.Controller
	watchdog     *Watchdog
	metrics      *observability.CoreMetrics
	log          *zap.Logger
	cfg          *config.Config

	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]*trackedJob

	shutdownOnce sync.Once
	keepaliveDone chan struct{}
}

// NewOrchestrator wires the Core. Call Start to bind handlers and begin
// dispatching.
func NewOrchestrator(
	protocol *ipc.Protocol,
	gate *permit.Gate,
	gateway *worker.Gateway,
	bp *backpressure.Controller,
	metrics *observability.CoreMetrics,
	cfg *config.Config,
	log *zap.Logger,
) *Orchestrator {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	o := &Orchestrator{
		protocol:      protocol,
		gate:          gate,
		gateway:       gateway,
		backpressure:  bp,
		metrics:       metrics,
		log:           log,
		cfg:           cfg,
		ctx:           ctx,
		cancel:        cancel,
		jobs:          make(map[string]*trackedJob),
		keepaliveDone: make(chan struct{}),
	}
	o.watchdog = NewWatchdog(cfg.Core.Watchdog, gateway, gate, protocol, metrics, log)
	return o
}

// Start registers the protocol handlers and starts dispatch, the
// watchdog, and the keepalive emitter.
func (o *Orchestrator) Start() {
	o.protocol.Handle(ipc.TypeSubmitJob, o.handleSubmitJob)
	o.protocol.Handle(ipc.TypeCancelJob, o.handleCancelJob)
	o.protocol.Handle(ipc.TypeRequestPermit, o.handleRequestPermit)
	o.protocol.Handle(ipc.TypeReportQueueMetrics, o.handleQueueMetrics)
	o.protocol.Handle(ipc.TypeHeartbeat, o.handleHeartbeat)
	o.protocol.Start()

	o.watchdog.Start()
	go o.keepaliveLoop()

	o.log.Info("core orchestrator started",
		zap.Int("max_concurrency", o.cfg.Core.Budget.MaxConcurrency),
		zap.Float64("max_rps", o.cfg.Core.Budget.MaxRPS))
}

// Shutdown revokes all permits, cancels all workers, stops the watchdog,
// and closes the protocol. Idempotent.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		o.log.Info("core orchestrator shutting down",
			zap.Int("active_permits", o.gate.ActiveCount()),
			zap.Int("active_workers", o.gateway.ActiveCount()))

		o.cancel()
		o.watchdog.Stop()
		o.gate.Dispose()
		o.gateway.Wait()
		<-o.keepaliveDone
		o.protocol.Stop()

		o.log.Info("core orchestrator shutdown complete")
	})
}

// Done is closed when the orchestrator's root context ends.
func (o *Orchestrator) Done() <-chan struct{} { return o.ctx.Done() }

// ─── Handlers ─────────────────────────────────────────────────────────────────

type submitJobBody struct {
	RequestID string  `json:"requestId"`
	Job       job.Job `json:"job"`
}

func (o *Orchestrator) handleSubmitJob(env *ipc.Envelope) {
	var body submitJobBody
	if err := env.Decode(&body); err != nil {
		o.log.Warn("submit_job decode failed", zap.Error(err))
		return
	}
	if body.Job.JobID == "" || !body.Job.Type.Valid() {
		_ = o.protocol.SendError("INVALID_JOB", "job missing id or has unknown type", body.RequestID)
		return
	}

	o.mu.Lock()
	if _, exists := o.jobs[body.Job.JobID]; !exists {
		o.jobs[body.Job.JobID] = &trackedJob{job: body.Job}
	}
	o.mu.Unlock()

	if err := o.protocol.Ack(body.RequestID, body.Job.JobID); err != nil {
		o.log.Warn("ack send failed", zap.Error(err))
	}
}

type cancelJobBody struct {
	RequestID string `json:"requestId"`
	JobID     string `json:"jobId"`
	Reason    string `json:"reason"`
}

func (o *Orchestrator) handleCancelJob(env *ipc.Envelope) {
	var body cancelJobBody
	if err := env.Decode(&body); err != nil {
		o.log.Warn("cancel_job decode failed", zap.Error(err))
		return
	}

	o.mu.Lock()
	tj := o.jobs[body.JobID]
	if tj != nil {
		tj.cancelled = true
	}
	o.mu.Unlock()

	if permitID, ok := o.gate.PermitForJob(body.JobID); ok {
		// Revocation fires the scoped cancellation; the delegation
		// goroutine observes it and reports job_completed{cancelled}.
		o.gate.Revoke(permitID, fmt.Errorf("%w: %s", ErrCancelledByScheduler, body.Reason))
	} else {
		o.forget(body.JobID)
	}

	if err := o.protocol.JobCancelled(body.RequestID, body.JobID, body.Reason); err != nil {
		o.log.Warn("job_cancelled send failed", zap.Error(err))
	}
}

type requestPermitBody struct {
	RequestID    string  `json:"requestId"`
	Job          job.Job `json:"job"`
	AttemptIndex int     `json:"attemptIndex"`
}

func (o *Orchestrator) handleRequestPermit(env *ipc.Envelope) {
	var body requestPermitBody
	if err := env.Decode(&body); err != nil {
		o.log.Warn("request_permit decode failed", zap.Error(err))
		return
	}
	j := body.Job

	// One live permit per job, enforced before the gate is consulted.
	if _, dup := o.gate.PermitForJob(j.JobID); dup {
		o.rejectPermit(body.RequestID, permit.Rejection{
			Reason: permit.ReasonDuplicatePermit,
			Detail: fmt.Sprintf("job %s already holds a permit", j.JobID),
		})
		return
	}

	pm, rej := o.gate.Request(o.ctx, &j, body.AttemptIndex)
	if rej != nil {
		o.rejectPermit(body.RequestID, *rej)
		return
	}

	o.mu.Lock()
	tj, exists := o.jobs[j.JobID]
	if !exists {
		tj = &trackedJob{job: j}
		o.jobs[j.JobID] = tj
	}
	tj.permitID = pm.PermitID
	o.mu.Unlock()

	if err := o.protocol.PermitGranted(body.RequestID, pm); err != nil {
		o.log.Warn("permit_granted send failed", zap.Error(err))
	}

	go o.runJob(j, pm)
}

func (o *Orchestrator) rejectPermit(requestID string, rej permit.Rejection) {
	if err := o.protocol.PermitRejected(requestID, rej); err != nil {
		o.log.Warn("permit_rejected send failed", zap.Error(err))
	}
}

func (o *Orchestrator) handleQueueMetrics(env *ipc.Envelope) {
	var body struct {
		ipc.QueueMetrics
	}
	if err := env.Decode(&body); err != nil {
		o.log.Warn("report_queue_metrics decode failed", zap.Error(err))
		return
	}
	o.backpressure.SetQueueMetrics(body.QueueDepth, time.Duration(body.OldestJobAgeMs)*time.Millisecond)
}

func (o *Orchestrator) handleHeartbeat(env *ipc.Envelope) {
	if err := o.protocol.HeartbeatAck(time.Now().UnixMilli()); err != nil {
		o.log.Warn("heartbeat_ack send failed", zap.Error(err))
	}
}

// ─── Delegation ───────────────────────────────────────────────────────────────

// runJob drives one granted job to job_completed. Fire-and-forget from
// the handler; all failures are converted to results, never panics.
func (o *Orchestrator) runJob(j job.Job, pm permit.Permit) {
	task, err := o.taskFor(&j)
	var res *job.Result
	if err != nil {
		res = &job.Result{
			Status:       job.StatusFailed,
			ErrorClass:   job.ErrClassNonRetryable,
			ErrorMessage: err.Error(),
		}
	} else {
		handle := o.gate.Handle(pm.PermitID)
		parent := o.ctx
		if handle != nil {
			parent = handle.Context()
		}
		res = o.gateway.Delegate(parent, task, pm, j.JobID, o.eventSink(&j))
	}

	outcome := res.Outcome()
	o.gate.Complete(pm.PermitID, outcome == job.OutcomeSucceeded)
	o.forget(j.JobID)

	if err := o.protocol.JobCompleted(j.JobID, outcome, res, res.ErrorClass); err != nil {
		o.log.Warn("job_completed send failed",
			zap.String("job_id", j.JobID), zap.Error(err))
	}
}

// taskFor derives the worker task for a granted job. WORKER_TASK payloads
// must be valid tasks; other types get a synthesized task delegated to an
// adapter registered under the job type.
func (o *Orchestrator) taskFor(j *job.Job) (*job.Task, error) {
	if j.Type == job.TypeWorkerTask {
		t, err := job.ParseTask(j.Payload)
		if err != nil {
			return nil, err
		}
		return t, nil
	}
	return &job.Task{
		WorkerTaskID: j.JobID + "-task",
		WorkerKind:   string(j.Type),
		WorkspaceRef: ".",
		Instructions: string(j.Payload),
		OutputMode:   job.OutputBatch,
	}, nil
}

// eventSink forwards throttled worker events into the Core log, carrying
// the job's trace identifiers.
func (o *Orchestrator) eventSink(j *job.Job) worker.Sink {
	logger := o.log.With(
		zap.String("job_id", j.JobID),
		zap.String("trace_id", j.Context.TraceID))
	return func(ev job.Event) {
		switch ev.Kind {
		case job.EventProgress:
			logger.Info("worker progress", zap.String("message", ev.Message))
		case job.EventPatch:
			logger.Info("worker patch", zap.String("file", ev.FilePath), zap.Int("diff_bytes", len(ev.Diff)))
		default:
			logger.Debug("worker output", zap.String("stream", string(ev.Kind)), zap.Int("bytes", len(ev.Data)))
		}
	}
}

func (o *Orchestrator) forget(jobID string) {
	o.mu.Lock()
	delete(o.jobs, jobID)
	o.mu.Unlock()
}

// ─── Keepalive ────────────────────────────────────────────────────────────────

// keepaliveLoop writes a JSON line to stderr each interval while workers
// are active, so pipe-watching collectors can tell a quiet Core from a
// dead one.
func (o *Orchestrator) keepaliveLoop() {
	defer close(o.keepaliveDone)

	ka := o.cfg.Core.Keepalive
	if !ka.Enabled || ka.Interval <= 0 {
		return
	}
	ticker := time.NewTicker(ka.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-o.ctx.Done():
			return
		case <-ticker.C:
			active := o.gateway.ActiveCount()
			if active == 0 {
				continue
			}
			line, _ := json.Marshal(map[string]any{
				"type":          "Keepalive",
				"activeWorkers": active,
				"timestamp":     time.Now().UnixMilli(),
			})
			fmt.Fprintf(os.Stderr, "%s\n", line)
		}
	}
}
