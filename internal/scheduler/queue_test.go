// Job queue ordering tests.

package scheduler

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterd/arbiter/internal/job"
)

func qjob(id string, value int, class job.Class) job.Job {
	return job.Job{JobID: id, Type: job.TypeTool, Priority: job.Priority{Value: value, Class: class}}
}

func drain(t *testing.T, q *jobQueue) []string {
	t.Helper()
	var ids []string
	for {
		it, ok := q.dequeue()
		if !ok {
			return ids
		}
		ids = append(ids, it.job.JobID)
	}
}

func TestQueue_HigherValueFirst(t *testing.T) {
	q := newJobQueue()
	now := time.Now()
	q.enqueue(qjob("low", 1, job.ClassBatch), now)
	q.enqueue(qjob("high", 9, job.ClassBatch), now)
	q.enqueue(qjob("mid", 5, job.ClassBatch), now)

	assert.Equal(t, []string{"high", "mid", "low"}, drain(t, q))
}

func TestQueue_InteractivePreemptsBatchAtEqualValue(t *testing.T) {
	q := newJobQueue()
	now := time.Now()
	q.enqueue(qjob("batch", 5, job.ClassBatch), now)
	q.enqueue(qjob("interactive", 5, job.ClassInteractive), now)

	assert.Equal(t, []string{"interactive", "batch"}, drain(t, q))
}

func TestQueue_FIFOWithinClassAndValue(t *testing.T) {
	q := newJobQueue()
	now := time.Now()
	for _, id := range []string{"a", "b", "c"} {
		q.enqueue(qjob(id, 3, job.ClassBatch), now)
	}
	assert.Equal(t, []string{"a", "b", "c"}, drain(t, q))
}

func TestQueue_Remove(t *testing.T) {
	q := newJobQueue()
	now := time.Now()
	q.enqueue(qjob("keep", 1, job.ClassBatch), now)
	q.enqueue(qjob("drop", 1, job.ClassBatch), now)

	require.True(t, q.remove("drop"))
	assert.False(t, q.remove("drop"))
	assert.Equal(t, []string{"keep"}, drain(t, q))
}

func TestQueue_OldestAge(t *testing.T) {
	q := newJobQueue()
	base := time.Now()
	assert.Equal(t, time.Duration(0), q.oldestAge(base))

	q.enqueue(qjob("old", 1, job.ClassBatch), base.Add(-10*time.Second))
	q.enqueue(qjob("new", 9, job.ClassBatch), base)
	assert.Equal(t, 10*time.Second, q.oldestAge(base))

	// Dequeue order does not affect age bookkeeping: removing the newer
	// high-priority job keeps the old one's age.
	q.dequeue()
	assert.Equal(t, 10*time.Second, q.oldestAge(base))
}
