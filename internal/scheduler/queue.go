// Package scheduler — queue.go
//
// Priority-aware job queue.
//
// Ordering: higher priority value first; at equal value the INTERACTIVE
// class preempts BATCH; within the same value and class, FIFO by
// submission sequence.
//
// The queue is not self-synchronising: the Scheduler mutex guards every
// access as part of its enqueue/dequeue critical sections.
package scheduler

import (
	"container/heap"
	"time"

	"github.com/arbiterd/arbiter/internal/job"
)

// queued is one queue element.
type queued struct {
	job        job.Job
	enqueuedAt time.Time
	seq        uint64 // FIFO tiebreak
	index      int    // heap bookkeeping
}

// jobQueue implements heap.Interface.
type jobQueue struct {
	items   []*queued
	nextSeq uint64
}

func newJobQueue() *jobQueue {
	return &jobQueue{}
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.job.Priority.Value != b.job.Priority.Value {
		return a.job.Priority.Value > b.job.Priority.Value
	}
	ai := a.job.Priority.Class == job.ClassInteractive
	bi := b.job.Priority.Class == job.ClassInteractive
	if ai != bi {
		return ai
	}
	return a.seq < b.seq
}

func (q *jobQueue) Swap(i, j int) {
	q.items[i], q.items[j] = q.items[j], q.items[i]
	q.items[i].index = i
	q.items[j].index = j
}

func (q *jobQueue) Push(x any) {
	it := x.(*queued)
	it.index = len(q.items)
	q.items = append(q.items, it)
}

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	it := old[n-1]
	old[n-1] = nil
	it.index = -1
	q.items = old[:n-1]
	return it
}

// enqueue adds a job.
func (q *jobQueue) enqueue(j job.Job, at time.Time) {
	q.nextSeq++
	heap.Push(q, &queued{job: j, enqueuedAt: at, seq: q.nextSeq})
}

// dequeue removes the highest-priority job.
func (q *jobQueue) dequeue() (*queued, bool) {
	if len(q.items) == 0 {
		return nil, false
	}
	return heap.Pop(q).(*queued), true
}

// remove deletes a job by id, for LATEST_WINS displacement.
func (q *jobQueue) remove(jobID string) bool {
	for _, it := range q.items {
		if it.job.JobID == jobID {
			heap.Remove(q, it.index)
			return true
		}
	}
	return false
}

// oldestAge returns the age of the oldest enqueued job, or 0 when empty.
func (q *jobQueue) oldestAge(now time.Time) time.Duration {
	var oldest time.Time
	for _, it := range q.items {
		if oldest.IsZero() || it.enqueuedAt.Before(oldest) {
			oldest = it.enqueuedAt
		}
	}
	if oldest.IsZero() {
		return 0
	}
	return now.Sub(oldest)
}
