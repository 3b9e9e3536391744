// Scheduler tests: dedup policies, completion handling with retries and
// dead-lettering, local cancellation, and drain-timeout behaviour.
//
// The IPC conversation itself is covered by the integration suite; here
// the protocol stays detached so jobs rest in the queue while the
// bookkeeping paths run.

package scheduler

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/config"
	"github.com/arbiterd/arbiter/internal/ipc"
	"github.com/arbiterd/arbiter/internal/job"
)

func testSchedulerConfig() config.SchedulerConfig {
	return config.SchedulerConfig{
		MaxQueueDepth:    100,
		MaxAttempts:      3,
		RetryBaseDelay:   time.Millisecond,
		RetryMaxDelay:    2 * time.Millisecond,
		BackoffBaseDelay: time.Millisecond,
		BackoffMaxDelay:  2 * time.Millisecond,
		MetricsInterval:  time.Hour, // quiet during tests
		DrainTimeout:     50 * time.Millisecond,
	}
}

func newTestScheduler(t *testing.T) (*Scheduler, *DLQ) {
	t.Helper()
	dlq := NewDLQ(32, "", nil, zap.NewNop())
	s := New(testSchedulerConfig(), dlq, nil, zap.NewNop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})
	return s, dlq
}

func keyedJob(id, key string) job.Job {
	return job.Job{
		JobID:    id,
		Type:     job.TypeTool,
		Key:      key,
		Priority: job.Priority{Value: 1, Class: job.ClassBatch},
	}
}

// completedEnvelope fabricates an inbound job_completed message.
func completedEnvelope(t *testing.T, jobID string, outcome job.Outcome, class job.ErrorClass) *ipc.Envelope {
	t.Helper()
	body := map[string]any{
		"type":    ipc.TypeJobCompleted,
		"jobId":   jobID,
		"outcome": string(outcome),
	}
	if class != "" {
		body["errorClass"] = string(class)
	}
	raw, err := json.Marshal(body)
	require.NoError(t, err)
	return &ipc.Envelope{Type: ipc.TypeJobCompleted, Fields: body, Raw: raw}
}

func TestSubmitJob_Accepted(t *testing.T) {
	s, _ := newTestScheduler(t)
	res := s.SubmitJob(keyedJob("j1", ""), "")
	assert.True(t, res.Accepted)
	assert.Equal(t, 1, s.QueueDepth())
	assert.Equal(t, 1, s.InFlightCount())
}

func TestSubmitJob_DedupReject(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.True(t, s.SubmitJob(keyedJob("j1", "deploy"), PolicyReject).Accepted)

	res := s.SubmitJob(keyedJob("j2", "deploy"), PolicyReject)
	assert.False(t, res.Accepted)
	assert.Equal(t, "Duplicate key: deploy", res.Reason)
	assert.Equal(t, 1, s.QueueDepth())
}

func TestSubmitJob_DedupCoalesce(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.True(t, s.SubmitJob(keyedJob("j1", "deploy"), "").Accepted)

	res := s.SubmitJob(keyedJob("j2", "deploy"), PolicyCoalesce)
	assert.False(t, res.Accepted)
	assert.Equal(t, "Coalesced with j1", res.Reason)
}

func TestSubmitJob_DedupLatestWins(t *testing.T) {
	s, _ := newTestScheduler(t)
	require.True(t, s.SubmitJob(keyedJob("j1", "deploy"), "").Accepted)

	res := s.SubmitJob(keyedJob("j2", "deploy"), PolicyLatestWins)
	assert.True(t, res.Accepted)
	assert.Equal(t, "j1", res.CancelJobID, "caller is told to cancel the displaced job")
	assert.Equal(t, 2, s.QueueDepth())
}

func TestSubmitJob_QueueFull(t *testing.T) {
	dlq := NewDLQ(8, "", nil, zap.NewNop())
	cfg := testSchedulerConfig()
	cfg.MaxQueueDepth = 1
	s := New(cfg, dlq, nil, zap.NewNop())
	s.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.Shutdown(ctx)
	})

	require.True(t, s.SubmitJob(keyedJob("j1", ""), "").Accepted)
	res := s.SubmitJob(keyedJob("j2", ""), "")
	assert.False(t, res.Accepted)
	assert.Equal(t, "Queue full", res.Reason)
}

func TestCompletion_SucceededRetires(t *testing.T) {
	s, dlq := newTestScheduler(t)
	s.SubmitJob(keyedJob("j1", "deploy"), "")

	s.handleJobCompleted(completedEnvelope(t, "j1", job.OutcomeSucceeded, ""))
	assert.Equal(t, 0, s.InFlightCount())
	assert.Equal(t, 0, dlq.Len())

	// The dedup entry is released with the job.
	res := s.SubmitJob(keyedJob("j3", "deploy"), PolicyReject)
	assert.True(t, res.Accepted)
}

func TestCompletion_RetryableRequeues(t *testing.T) {
	s, dlq := newTestScheduler(t)
	s.SubmitJob(keyedJob("j1", ""), "")

	// Pull the job off the queue the way the loop would.
	s.mu.Lock()
	s.queue.dequeue()
	s.jobs["j1"].processing = true
	s.mu.Unlock()

	s.handleJobCompleted(completedEnvelope(t, "j1", job.OutcomeFailed, job.ErrClassRetryableNetwork))

	// The retry timer is at most the configured max delay.
	require.Eventually(t, func() bool { return s.QueueDepth() == 1 }, time.Second, 2*time.Millisecond)
	assert.Equal(t, 0, dlq.Len())

	s.mu.Lock()
	info := s.jobs["j1"]
	s.mu.Unlock()
	require.NotNil(t, info)
	assert.Equal(t, 1, info.attemptIndex)
	assert.False(t, info.processing)
}

func TestCompletion_RetriesBounded(t *testing.T) {
	// maxAttempts=3: two retries, the third failure dead-letters.
	s, dlq := newTestScheduler(t)
	s.SubmitJob(keyedJob("j1", ""), "")

	for attempt := 0; attempt < 3; attempt++ {
		s.mu.Lock()
		s.queue.remove("j1")
		if info := s.jobs["j1"]; info != nil {
			info.processing = true
		}
		s.mu.Unlock()
		s.handleJobCompleted(completedEnvelope(t, "j1", job.OutcomeFailed, job.ErrClassRetryableService))
		if attempt < 2 {
			require.Eventually(t, func() bool { return s.QueueDepth() == 1 }, time.Second, 2*time.Millisecond)
		}
	}

	assert.Equal(t, 0, s.InFlightCount())
	require.Equal(t, 1, dlq.Len())
	entry := dlq.Entries()[0]
	assert.Equal(t, "j1", entry.Job.JobID)
	assert.Equal(t, "Retry attempts exhausted", entry.Reason)
	assert.Equal(t, job.ErrClassRetryableService, entry.ErrorClass)
	assert.Equal(t, 3, entry.AttemptCount)
}

func TestCompletion_NonRetryableDeadLetters(t *testing.T) {
	s, dlq := newTestScheduler(t)
	s.SubmitJob(keyedJob("j1", ""), "")

	s.handleJobCompleted(completedEnvelope(t, "j1", job.OutcomeFailed, job.ErrClassNonRetryable))
	assert.Equal(t, 0, s.InFlightCount())
	require.Equal(t, 1, dlq.Len())
	assert.Equal(t, "Non-retryable failure", dlq.Entries()[0].Reason)
	assert.Equal(t, 1, dlq.Entries()[0].AttemptCount)
}

func TestCompletion_JobLimitsOverrideMaxAttempts(t *testing.T) {
	s, dlq := newTestScheduler(t)
	j := keyedJob("j1", "")
	j.Limits.MaxAttempts = 1
	s.SubmitJob(j, "")

	s.handleJobCompleted(completedEnvelope(t, "j1", job.OutcomeFailed, job.ErrClassRetryableTransient))
	assert.Equal(t, 1, dlq.Len(), "maxAttempts=1 means no retries at all")
}

func TestCompletion_UnknownJobIgnored(t *testing.T) {
	s, dlq := newTestScheduler(t)
	s.handleJobCompleted(completedEnvelope(t, "ghost", job.OutcomeFailed, job.ErrClassFatal))
	assert.Equal(t, 0, dlq.Len())
}

func TestCancelJob_QueuedJobRetiredLocally(t *testing.T) {
	s, _ := newTestScheduler(t)
	s.SubmitJob(keyedJob("j1", "deploy"), "")

	require.NoError(t, s.CancelJob("j1", "user request"))
	assert.Equal(t, 0, s.QueueDepth())
	assert.Equal(t, 0, s.InFlightCount())

	err := s.CancelJob("j1", "again")
	assert.Error(t, err)
}

func TestShutdown_DrainTimeoutDeadLetters(t *testing.T) {
	dlq := NewDLQ(8, "", nil, zap.NewNop())
	s := New(testSchedulerConfig(), dlq, nil, zap.NewNop())
	s.Start()

	s.SubmitJob(keyedJob("j1", ""), "")
	s.mu.Lock()
	s.jobs["j1"].processing = true
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	require.Equal(t, 1, dlq.Len())
	assert.Equal(t, "Drain timeout", dlq.Entries()[0].Reason)
	assert.Equal(t, 0, s.InFlightCount())
}

func TestShutdown_RefusesNewSubmissions(t *testing.T) {
	s, _ := newTestScheduler(t)
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, s.Shutdown(ctx))

	res := s.SubmitJob(keyedJob("late", ""), "")
	assert.False(t, res.Accepted)
}

func TestEscalation_StopHalts(t *testing.T) {
	s, _ := newTestScheduler(t)
	halted := make(chan string, 1)
	s.SetFatalHandler(func(reason string) { halted <- reason })

	raw, err := json.Marshal(map[string]any{
		"type": ipc.TypeEscalation,
		"event": map[string]any{
			"scope": "worker", "action": "STOP", "target": "j9",
			"reason": "worker ignored cancellation", "timestamp": 1, "severity": "CRITICAL",
		},
	})
	require.NoError(t, err)
	s.handleEscalation(&ipc.Envelope{Type: ipc.TypeEscalation, Raw: raw})

	select {
	case reason := <-halted:
		assert.Contains(t, reason, "worker ignored cancellation")
	case <-time.After(time.Second):
		t.Fatal("STOP escalation did not halt")
	}
}

func TestMetricsSnapshotShape(t *testing.T) {
	// The report carries depth, oldest age, and backlog from one locked
	// snapshot; exercised here through the public accessors.
	s, _ := newTestScheduler(t)
	for i := 0; i < 3; i++ {
		s.SubmitJob(keyedJob(fmt.Sprintf("j%d", i), ""), "")
	}
	assert.Equal(t, 3, s.QueueDepth())
	assert.Equal(t, 3, s.InFlightCount())
}
