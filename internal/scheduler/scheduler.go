// Package scheduler owns the job queue, dedup registry, in-flight map,
// retry policy, and dead-letter queue, and drives the Core over IPC.
//
// Concurrency model: one mutex guards queue + dedup + in-flight as a
// single critical section; all IPC happens outside it. The process loop
// is the queue's only consumer, event-driven via a condition variable
// signalled by submissions, retries, backoff re-enqueues, and shutdown.
//
// Per job: submit_job + ack, then request_permit + response. A rejection
// or an IPC failure re-enqueues under full-jitter backoff; a grant marks
// the job processing until job_completed arrives. Completion either
// retires the job, schedules a retry (retryable classes, attempts left),
// or dead-letters it.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/ident"
	"github.com/arbiterd/arbiter/internal/ipc"
	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/observability"
	"github.com/arbiterd/arbiter/internal/permit"
)

// DedupPolicy selects the duplicate-key behaviour for a submission.
type DedupPolicy string

const (
	// PolicyCoalesce refuses the new job, pointing at the existing one.
	PolicyCoalesce DedupPolicy = "COALESCE"

	// PolicyLatestWins replaces the dedup entry and asks the caller to
	// cancel the displaced job.
	PolicyLatestWins DedupPolicy = "LATEST_WINS"

	// PolicyReject refuses the new job outright.
	PolicyReject DedupPolicy = "REJECT"
)

// SubmitResult reports the admission outcome of SubmitJob.
type SubmitResult struct {
	Accepted    bool
	Reason      string
	CancelJobID string // LATEST_WINS: displaced job the caller should cancel
}

// CoreControl is the slice of the Supervisor the scheduler needs for
// shutdown.
type CoreControl interface {
	KillCore(ctx context.Context) error
}

// inflight is the scheduler-private record of a live job.
type inflight struct {
	job          job.Job
	attemptIndex int
	processing   bool
	enqueuedAt   time.Time
	backoffCount int
}

// Scheduler accepts jobs, drives the Core, retries, and dead-letters.
type Scheduler struct {
	cfg     config.SchedulerConfig
	dlq     *DLQ
	metrics *observability.SchedulerMetrics
	log     *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  *jobQueue
	dedup  map[string]string    // job.key → jobID
	jobs   map[string]*inflight // jobID → info
	proto  *ipc.Protocol
	closed bool

	ctx    context.Context
	cancel context.CancelFunc

	core    CoreControl
	onFatal func(reason string)

	loopDone    chan struct{}
	metricsDone chan struct{}
}

// New creates a Scheduler. metrics may be nil in tests.
func New(cfg config.SchedulerConfig, dlq *DLQ, metrics *observability.SchedulerMetrics, log *zap.Logger) *Scheduler {
	if log == nil {
		log = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg:         cfg,
		dlq:         dlq,
		metrics:     metrics,
		log:         log,
		queue:       newJobQueue(),
		dedup:       make(map[string]string),
		jobs:        make(map[string]*inflight),
		ctx:         ctx,
		cancel:      cancel,
		loopDone:    make(chan struct{}),
		metricsDone: make(chan struct{}),
	}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SetCoreControl wires the supervisor handle used at the end of
// Shutdown.
func (s *Scheduler) SetCoreControl(c CoreControl) { s.core = c }

// SetFatalHandler wires the halt callback fired on STOP escalations.
func (s *Scheduler) SetFatalHandler(fn func(reason string)) { s.onFatal = fn }

// AttachProtocol binds (or re-binds, after a Core restart) the IPC
// protocol and registers the scheduler's inbound handlers.
func (s *Scheduler) AttachProtocol(p *ipc.Protocol) {
	p.Handle(ipc.TypeJobCompleted, s.handleJobCompleted)
	p.Handle(ipc.TypeEscalation, s.handleEscalation)
	p.Handle(ipc.TypeError, s.handleError)
	p.Handle(ipc.TypePermitRejected, s.handleOrphanRejection)

	s.mu.Lock()
	s.proto = p
	s.mu.Unlock()
	s.cond.Broadcast()
}

// Start launches the process and metrics loops.
func (s *Scheduler) Start() {
	go s.runLoop()
	go s.metricsLoop()
}

// ─── Submission ───────────────────────────────────────────────────────────────

// SubmitJob admits a job into the queue, applying the dedup policy when
// the job carries a key. An empty policy means COALESCE.
func (s *Scheduler) SubmitJob(j job.Job, policy DedupPolicy) SubmitResult {
	if policy == "" {
		policy = PolicyCoalesce
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.countSubmission("rejected_closed")
		return SubmitResult{Accepted: false, Reason: "Scheduler shutting down"}
	}

	var cancelJobID string
	if j.Key != "" {
		if existing, dup := s.dedup[j.Key]; dup {
			switch policy {
			case PolicyReject:
				s.mu.Unlock()
				s.countSubmission("duplicate")
				return SubmitResult{Accepted: false, Reason: fmt.Sprintf("Duplicate key: %s", j.Key)}
			case PolicyLatestWins:
				cancelJobID = existing
			default: // COALESCE
				s.mu.Unlock()
				s.countSubmission("coalesced")
				return SubmitResult{Accepted: false, Reason: fmt.Sprintf("Coalesced with %s", existing)}
			}
		}
	}

	if s.queue.Len() >= s.cfg.MaxQueueDepth {
		s.mu.Unlock()
		s.countSubmission("queue_full")
		return SubmitResult{Accepted: false, Reason: "Queue full"}
	}

	now := time.Now()
	if j.Key != "" {
		s.dedup[j.Key] = j.JobID
	}
	s.queue.enqueue(j, now)
	s.jobs[j.JobID] = &inflight{job: j, enqueuedAt: now}
	s.mu.Unlock()

	s.cond.Broadcast()
	s.countSubmission(submissionOutcome(cancelJobID))

	s.log.Debug("job submitted",
		zap.String("job_id", j.JobID),
		zap.String("type", string(j.Type)),
		zap.String("key", j.Key))

	return SubmitResult{Accepted: true, CancelJobID: cancelJobID}
}

func submissionOutcome(cancelJobID string) string {
	if cancelJobID != "" {
		return "replaced"
	}
	return "accepted"
}

// CancelJob cancels a job: queued jobs are retired locally; granted jobs
// are cancelled through the Core, which reports job_completed{cancelled}.
func (s *Scheduler) CancelJob(jobID, reason string) error {
	s.mu.Lock()
	info, tracked := s.jobs[jobID]
	if tracked && !info.processing {
		s.queue.remove(jobID)
		s.retireLocked(jobID, info)
	}
	p := s.proto
	s.mu.Unlock()

	if !tracked {
		return fmt.Errorf("scheduler: job %s not in flight", jobID)
	}
	if p == nil {
		return nil
	}

	requestID := ident.NewPrefixed("req")
	w := p.Expect(requestID)
	if err := p.CancelJob(requestID, jobID, reason); err != nil {
		return fmt.Errorf("scheduler: cancel_job send: %w", err)
	}
	if _, err := w.Wait(s.ctx); err != nil {
		return fmt.Errorf("scheduler: cancel_job ack: %w", err)
	}
	return nil
}

// ─── Process loop ─────────────────────────────────────────────────────────────

// runLoop is the single queue consumer: blocks until notified when the
// queue is empty, dequeues under the mutex, converses with the Core
// outside it.
func (s *Scheduler) runLoop() {
	defer close(s.loopDone)

	for {
		s.mu.Lock()
		for !s.closed && (s.queue.Len() == 0 || s.proto == nil) {
			s.cond.Wait()
		}
		if s.closed {
			s.mu.Unlock()
			return
		}
		item, _ := s.queue.dequeue()
		info := s.jobs[item.job.JobID]
		p := s.proto
		s.mu.Unlock()

		if info == nil {
			// Cancelled while queued; nothing to do.
			continue
		}
		s.process(p, item.job, info)
	}
}

// process runs one submit/permit conversation for a dequeued job.
func (s *Scheduler) process(p *ipc.Protocol, j job.Job, info *inflight) {
	attempt := s.attemptOf(j.JobID)

	// submit_job → ack.
	submitReq := ident.NewPrefixed("req")
	w := p.Expect(submitReq)
	if err := p.SubmitJob(submitReq, j); err != nil {
		s.ipcFailure(j, err)
		return
	}
	if _, err := w.Wait(s.ctx); err != nil {
		s.ipcFailure(j, err)
		return
	}

	// request_permit → permit_granted | permit_rejected.
	permitReq := ident.NewPrefixed("req")
	w = p.Expect(permitReq)
	if err := p.RequestPermit(permitReq, j, attempt); err != nil {
		s.ipcFailure(j, err)
		return
	}
	env, err := w.Wait(s.ctx)
	if err != nil {
		s.ipcFailure(j, err)
		return
	}

	switch env.Type {
	case ipc.TypePermitGranted:
		s.mu.Lock()
		if info, ok := s.jobs[j.JobID]; ok {
			info.processing = true
			info.backoffCount = 0
		}
		s.mu.Unlock()
		s.log.Debug("permit granted", zap.String("job_id", j.JobID), zap.Int("attempt", attempt))

	case ipc.TypePermitRejected:
		var body struct {
			Rejection permit.Rejection `json:"rejection"`
		}
		reason := string(permit.ReasonDeferred)
		if decodeErr := env.Decode(&body); decodeErr == nil {
			reason = string(body.Rejection.Reason)
		}
		if s.metrics != nil {
			s.metrics.BackoffsTotal.WithLabelValues(reason).Inc()
		}
		s.scheduleBackoff(j, "permit rejected: "+reason)

	default:
		s.ipcFailure(j, fmt.Errorf("unexpected response type %q", env.Type))
	}
}

// attemptOf reads the current attempt index for a job.
func (s *Scheduler) attemptOf(jobID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if info, ok := s.jobs[jobID]; ok {
		return info.attemptIndex
	}
	return 0
}

// ipcFailure applies the rejection backoff path to an IPC error.
func (s *Scheduler) ipcFailure(j job.Job, err error) {
	if s.metrics != nil {
		s.metrics.IPCErrorsTotal.Inc()
		s.metrics.BackoffsTotal.WithLabelValues("ipc_error").Inc()
	}
	s.log.Warn("ipc failure, backing off",
		zap.String("job_id", j.JobID), zap.Error(err))
	s.scheduleBackoff(j, "ipc failure")
}

// scheduleBackoff re-enqueues a job after the full-jitter rejection
// delay.
func (s *Scheduler) scheduleBackoff(j job.Job, why string) {
	s.mu.Lock()
	info, ok := s.jobs[j.JobID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	delay := fullJitter(s.cfg.BackoffBaseDelay, s.cfg.BackoffMaxDelay, info.backoffCount)
	info.backoffCount++
	s.mu.Unlock()

	s.log.Debug("backoff scheduled",
		zap.String("job_id", j.JobID),
		zap.Duration("delay", delay),
		zap.String("why", why))

	time.AfterFunc(delay, func() { s.reenqueue(j.JobID) })
}

// reenqueue puts a still-tracked job back on the queue.
func (s *Scheduler) reenqueue(jobID string) {
	s.mu.Lock()
	info, ok := s.jobs[jobID]
	if !ok || s.closed {
		s.mu.Unlock()
		return
	}
	info.processing = false
	s.queue.enqueue(info.job, time.Now())
	s.mu.Unlock()
	s.cond.Broadcast()
}

// ─── Completion ───────────────────────────────────────────────────────────────

type jobCompletedBody struct {
	JobID      string         `json:"jobId"`
	Outcome    job.Outcome    `json:"outcome"`
	Result     *job.Result    `json:"result,omitempty"`
	ErrorClass job.ErrorClass `json:"errorClass,omitempty"`
}

func (s *Scheduler) handleJobCompleted(env *ipc.Envelope) {
	var body jobCompletedBody
	if err := env.Decode(&body); err != nil {
		s.log.Warn("job_completed decode failed", zap.Error(err))
		return
	}

	s.mu.Lock()
	info, ok := s.jobs[body.JobID]
	if !ok {
		s.mu.Unlock()
		s.log.Debug("job_completed for unknown job", zap.String("job_id", body.JobID))
		return
	}

	switch body.Outcome {
	case job.OutcomeSucceeded, job.OutcomeCancelled:
		s.retireLocked(body.JobID, info)
		s.mu.Unlock()
		s.cond.Broadcast()
		s.log.Info("job finished",
			zap.String("job_id", body.JobID),
			zap.String("outcome", string(body.Outcome)))
		return
	}

	// Failed: retry or dead-letter.
	maxAttempts := info.job.Limits.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = s.cfg.MaxAttempts
	}

	if body.ErrorClass.Retryable() && info.attemptIndex < maxAttempts-1 {
		delay := fullJitter(s.cfg.RetryBaseDelay, s.cfg.RetryMaxDelay, info.attemptIndex)
		info.attemptIndex++
		info.processing = false
		nextAttempt := info.attemptIndex
		s.mu.Unlock()

		if s.metrics != nil {
			s.metrics.RetriesTotal.WithLabelValues(string(body.ErrorClass)).Inc()
		}
		s.log.Info("job retry scheduled",
			zap.String("job_id", body.JobID),
			zap.String("error_class", string(body.ErrorClass)),
			zap.Int("attempt", nextAttempt),
			zap.Duration("delay", delay))

		time.AfterFunc(delay, func() { s.reenqueue(body.JobID) })
		return
	}

	reason := "Retry attempts exhausted"
	if !body.ErrorClass.Retryable() {
		reason = "Non-retryable failure"
	}
	if body.Result != nil && body.Result.ErrorMessage != "" {
		reason = body.Result.ErrorMessage
	}
	attempts := info.attemptIndex + 1
	j := info.job
	s.retireLocked(body.JobID, info)
	s.mu.Unlock()
	s.cond.Broadcast()

	s.dlq.Push(DLQEntry{
		Job:          j,
		Reason:       reason,
		ErrorClass:   body.ErrorClass,
		FailedAt:     time.Now(),
		AttemptCount: attempts,
	})

	if body.ErrorClass == job.ErrClassFatal && s.onFatal != nil {
		go s.onFatal("fatal job failure: " + body.JobID)
	}
}

// retireLocked removes a job from the in-flight map and the dedup
// registry. Caller holds s.mu.
func (s *Scheduler) retireLocked(jobID string, info *inflight) {
	delete(s.jobs, jobID)
	if info.job.Key != "" && s.dedup[info.job.Key] == jobID {
		delete(s.dedup, info.job.Key)
	}
}

// ─── Escalations and protocol errors ──────────────────────────────────────────

func (s *Scheduler) handleEscalation(env *ipc.Envelope) {
	var body struct {
		Event ipc.EscalationEvent `json:"event"`
	}
	if err := env.Decode(&body); err != nil {
		s.log.Warn("escalation decode failed", zap.Error(err))
		return
	}
	ev := body.Event
	s.log.Warn("core escalation",
		zap.String("scope", ev.Scope),
		zap.String("action", ev.Action),
		zap.String("target", ev.Target),
		zap.String("reason", ev.Reason),
		zap.String("severity", ev.Severity))

	if ev.Action == "STOP" && s.onFatal != nil {
		go s.onFatal("core escalation: " + ev.Reason)
	}
}

func (s *Scheduler) handleError(env *ipc.Envelope) {
	var body ipc.ErrorBody
	if err := env.Decode(&body); err != nil {
		return
	}
	s.log.Warn("core error message",
		zap.String("code", body.Code),
		zap.String("message", body.Message),
		zap.String("request_id", body.RequestID))
}

// handleOrphanRejection sees permit_rejected frames whose requestId no
// longer has a waiter (the waiter timed out). The wire carries no job id,
// so there is nothing to match; the timed-out request already re-entered
// the backoff path, which is the recovery.
func (s *Scheduler) handleOrphanRejection(env *ipc.Envelope) {
	s.log.Warn("orphan permit_rejected", zap.String("request_id", env.RequestID()))
}

// ─── Metrics reporting ────────────────────────────────────────────────────────

// metricsLoop reports queue metrics to the Core on a fixed cadence.
// Send failures are swallowed: metrics are advisory.
func (s *Scheduler) metricsLoop() {
	defer close(s.metricsDone)

	interval := s.cfg.MetricsInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.reportMetrics()
		}
	}
}

func (s *Scheduler) reportMetrics() {
	s.mu.Lock()
	p := s.proto
	now := time.Now()
	m := ipc.QueueMetrics{
		QueueDepth:     s.queue.Len(),
		OldestJobAgeMs: s.queue.oldestAge(now).Milliseconds(),
		BacklogCount:   len(s.jobs),
	}
	s.mu.Unlock()

	if s.metrics != nil {
		s.metrics.QueueDepth.Set(float64(m.QueueDepth))
		s.metrics.OldestJobAgeSeconds.Set(float64(m.OldestJobAgeMs) / 1000.0)
	}
	if p == nil {
		return
	}
	if err := p.ReportQueueMetrics(ident.NewPrefixed("req"), m); err != nil {
		s.log.Debug("queue metrics report failed", zap.Error(err))
	}
}

// ─── Shutdown ─────────────────────────────────────────────────────────────────

// Shutdown drains in-flight jobs for up to the configured timeout,
// dead-letters the stragglers, and kills the Core.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	s.cancel()
	s.cond.Broadcast()
	<-s.loopDone
	<-s.metricsDone

	s.log.Info("scheduler draining", zap.Duration("timeout", s.cfg.DrainTimeout))
	s.waitForDrain(s.cfg.DrainTimeout)

	// Anything still tracked missed the drain window.
	s.mu.Lock()
	var leftovers []*inflight
	for id, info := range s.jobs {
		leftovers = append(leftovers, info)
		s.retireLocked(id, info)
	}
	s.mu.Unlock()

	for _, info := range leftovers {
		s.dlq.Push(DLQEntry{
			Job:          info.job,
			Reason:       "Drain timeout",
			FailedAt:     time.Now(),
			AttemptCount: info.attemptIndex + 1,
		})
	}

	if s.core != nil {
		if err := s.core.KillCore(ctx); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("scheduler: kill core: %w", err)
		}
	}
	s.log.Info("scheduler shutdown complete", zap.Int("dead_lettered", len(leftovers)))
	return nil
}

// waitForDrain polls until no job is marked processing or the timeout
// elapses. Completion handlers broadcast on the cond as jobs retire.
func (s *Scheduler) waitForDrain(timeout time.Duration) {
	deadline := time.Now().Add(timeout)
	for {
		s.mu.Lock()
		busy := 0
		for _, info := range s.jobs {
			if info.processing {
				busy++
			}
		}
		s.mu.Unlock()
		if busy == 0 || time.Now().After(deadline) {
			return
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// QueueDepth returns the current queue length.
func (s *Scheduler) QueueDepth() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.queue.Len()
}

// InFlightCount returns the number of tracked jobs.
func (s *Scheduler) InFlightCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}

func (s *Scheduler) countSubmission(outcome string) {
	if s.metrics != nil {
		s.metrics.SubmissionsTotal.WithLabelValues(outcome).Inc()
	}
}
