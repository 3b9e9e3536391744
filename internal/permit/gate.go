// Package permit — gate.go
//
// The permit gate composes the three admission primitives into a single
// decision for a given (job, attemptIndex):
//
//  1. Circuit breaker for the job's worker kind — OPEN rejects.
//  2. Backpressure — DEGRADE admits marked, DEFER/REJECT refuse.
//  3. Execution budget — concurrency and rate exhaustion refuse.
//
// Probe accounting: the breaker is consulted by state first and its probe
// is reserved only after every other check passes. Reserving earlier
// would force recording an outcome for admissions that never ran, which
// corrupts half-open accounting.
package permit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/backpressure"
	"github.com/arbiterd/arbiter/internal/breaker"
	"github.com/arbiterd/arbiter/internal/budget"
	"github.com/arbiterd/arbiter/internal/ident"
	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/observability"
)

// ErrRevoked is the cancellation cause for revoked permits.
var ErrRevoked = errors.New("permit: revoked")

// ErrDisposed is the cancellation cause used when the gate shuts down.
var ErrDisposed = errors.New("permit: gate disposed")

// active pairs a live permit with its release bookkeeping.
type active struct {
	permit      Permit
	breakerDone func(success bool)
}

// Gate issues and retires permits.
type Gate struct {
	budget       *budget.Budget
	breakers     *breaker.Registry
	backpressure *backpressure.Controller
	cancels      *Manager
	metrics      *observability.CoreMetrics
	log          *zap.Logger

	// globalDeadline caps every permit lifetime.
	globalDeadline time.Duration

	mu      sync.Mutex
	active  map[string]*active // permitID → active
	byJob   map[string]string  // jobID → permitID
	created uint64
}

// NewGate wires the gate. metrics may be nil in tests.
func NewGate(
	b *budget.Budget,
	br *breaker.Registry,
	bp *backpressure.Controller,
	cancels *Manager,
	globalDeadline time.Duration,
	metrics *observability.CoreMetrics,
	log *zap.Logger,
) *Gate {
	if log == nil {
		log = zap.NewNop()
	}
	return &Gate{
		budget:         b,
		breakers:       br,
		backpressure:   bp,
		cancels:        cancels,
		metrics:        metrics,
		log:            log,
		globalDeadline: globalDeadline,
		active:         make(map[string]*active),
		byJob:          make(map[string]string),
	}
}

// BreakerKey derives the circuit key for a job: the worker kind for
// worker tasks, the job type otherwise.
func BreakerKey(j *job.Job) string {
	if j.Type == job.TypeWorkerTask {
		if t, err := job.ParseTask(j.Payload); err == nil {
			return t.WorkerKind
		}
	}
	return string(j.Type)
}

// Request performs the atomic admission decision.
// Returns (permit, nil) or (zero, rejection).
func (g *Gate) Request(parent context.Context, j *job.Job, attemptIndex int) (Permit, *Rejection) {
	key := BreakerKey(j)

	// 1. Circuit breaker state.
	if g.breakers.State(key) == breaker.StateOpen {
		return g.reject(ReasonCircuitOpen, fmt.Sprintf("circuit open for %q", key))
	}

	// 2. Backpressure.
	degraded := false
	switch g.backpressure.Evaluate() {
	case backpressure.Accept:
	case backpressure.Degrade:
		degraded = true
	case backpressure.Defer:
		return g.reject(ReasonDeferred, "load high, retry later")
	case backpressure.Reject:
		return g.reject(ReasonGlobalShed, "load shedding")
	}

	// 3. Execution budget.
	tokens, denial := g.budget.TryAcquire()
	switch denial {
	case budget.DenialNone:
	case budget.DenialConcurrency:
		return g.reject(ReasonConcurrencyLimit, "concurrency limit reached")
	case budget.DenialRate:
		return g.reject(ReasonRateLimit, "rate limit exceeded")
	default:
		return g.reject(ReasonBudgetExhausted, "cost budget exhausted")
	}

	// 4. Reserve the breaker probe now that the admission will stand.
	done, ok := g.breakers.Allow(key)
	if !ok {
		g.budget.Release()
		return g.reject(ReasonCircuitOpen, fmt.Sprintf("circuit probing limit for %q", key))
	}

	deadline := g.globalDeadline
	if t := j.Timeout(); t > 0 && t < deadline {
		deadline = t
	}

	pm := Permit{
		PermitID:     ident.NewPrefixed("permit"),
		JobID:        j.JobID,
		DeadlineAt:   time.Now().Add(deadline).UnixMilli(),
		AttemptIndex: attemptIndex,
		TokensGranted: TokensGranted{
			Concurrency: tokens.Concurrency,
			RPS:         tokens.RPS,
			CostBudget:  tokens.CostBudget,
		},
		CircuitStateSnapshot: g.breakers.Snapshot(),
		Degraded:             degraded,
	}

	g.cancels.Register(parent, pm.PermitID)

	g.mu.Lock()
	g.active[pm.PermitID] = &active{permit: pm, breakerDone: done}
	g.byJob[j.JobID] = pm.PermitID
	g.created++
	count := len(g.active)
	g.mu.Unlock()

	g.backpressure.SetActivePermits(count)
	if g.metrics != nil {
		g.metrics.ActivePermits.Set(float64(count))
		g.metrics.PermitsGrantedTotal.Inc()
		g.metrics.BudgetConcurrencyInUse.Set(float64(g.budget.InUse()))
	}

	g.log.Debug("permit granted",
		zap.String("permit_id", pm.PermitID),
		zap.String("job_id", j.JobID),
		zap.Int("attempt", attemptIndex),
		zap.Bool("degraded", degraded))

	return pm, nil
}

// Handle returns the cancellation handle for a live permit, or nil.
func (g *Gate) Handle(permitID string) *Handle {
	return g.cancels.Get(permitID)
}

// PermitForJob returns the live permit id for a job, if any.
func (g *Gate) PermitForJob(jobID string) (string, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	id, ok := g.byJob[jobID]
	return id, ok
}

// Revoke fires the permit's cancellation, releases the budget, and
// records a breaker failure. No-op for unknown ids.
func (g *Gate) Revoke(permitID string, reason error) {
	a := g.retire(permitID)
	if a == nil {
		return
	}
	if reason == nil {
		reason = ErrRevoked
	}
	g.cancels.Fire(permitID, reason)
	g.budget.Release()
	a.breakerDone(false)
	g.log.Info("permit revoked",
		zap.String("permit_id", permitID),
		zap.String("job_id", a.permit.JobID),
		zap.NamedError("reason", reason))
}

// Complete releases the permit on a terminal outcome and records the
// breaker observation. No-op for unknown ids.
func (g *Gate) Complete(permitID string, success bool) {
	a := g.retire(permitID)
	if a == nil {
		return
	}
	g.cancels.Release(permitID)
	g.budget.Release()
	a.breakerDone(success)
	g.log.Debug("permit completed",
		zap.String("permit_id", permitID),
		zap.Bool("success", success))
}

// ActiveCount returns the number of live permits.
func (g *Gate) ActiveCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.active)
}

// Dispose revokes every live permit. Used on Core shutdown.
func (g *Gate) Dispose() {
	g.mu.Lock()
	ids := make([]string, 0, len(g.active))
	for id := range g.active {
		ids = append(ids, id)
	}
	g.mu.Unlock()
	for _, id := range ids {
		g.Revoke(id, ErrDisposed)
	}
}

// retire removes a permit from the live set and syncs gauges.
func (g *Gate) retire(permitID string) *active {
	g.mu.Lock()
	a, ok := g.active[permitID]
	if ok {
		delete(g.active, permitID)
		delete(g.byJob, a.permit.JobID)
	}
	count := len(g.active)
	g.mu.Unlock()
	if !ok {
		return nil
	}

	g.backpressure.SetActivePermits(count)
	if g.metrics != nil {
		g.metrics.ActivePermits.Set(float64(count))
		g.metrics.BudgetConcurrencyInUse.Set(float64(g.budget.InUse()))
	}
	return a
}

// reject counts and returns a typed rejection.
func (g *Gate) reject(reason Reason, detail string) (Permit, *Rejection) {
	if g.metrics != nil {
		g.metrics.PermitsRejectedTotal.WithLabelValues(string(reason)).Inc()
	}
	return Permit{}, &Rejection{Reason: reason, Detail: detail}
}
