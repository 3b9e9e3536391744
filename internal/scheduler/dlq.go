// Package scheduler — dlq.go
//
// Bounded dead-letter ring with an optional append-only file mirror.
//
// File contract (when a directory is configured):
//
//	<dir>/dlq.jsonl
//	    One JSON-encoded Entry per line, append-only while entries are
//	    pushed. Pop and Clear rewrite the file atomically (temp file +
//	    rename) so external readers never observe a torn file.
//
// Overflow: the ring drops its oldest entry. Disk failures are logged
// and never block dead-lettering — the in-memory ring is authoritative.
package scheduler

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/observability"
)

// dlqFileName is the mirror file name inside the configured directory.
const dlqFileName = "dlq.jsonl"

// DLQEntry records one dead-lettered job.
type DLQEntry struct {
	Job          job.Job        `json:"job"`
	Reason       string         `json:"reason"`
	ErrorClass   job.ErrorClass `json:"errorClass,omitempty"`
	FailedAt     time.Time      `json:"failedAt"`
	AttemptCount int            `json:"attemptCount"`
}

// DLQ is the thread-safe dead-letter queue.
type DLQ struct {
	capacity int
	dir      string
	metrics  *observability.SchedulerMetrics
	log      *zap.Logger

	mu      sync.Mutex
	entries []DLQEntry
}

// NewDLQ creates a DLQ. dir == "" disables the file mirror. metrics may
// be nil.
func NewDLQ(capacity int, dir string, metrics *observability.SchedulerMetrics, log *zap.Logger) *DLQ {
	if capacity <= 0 {
		panic("scheduler.DLQ: capacity must be > 0")
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &DLQ{capacity: capacity, dir: dir, metrics: metrics, log: log}
}

// Push appends an entry, dropping the oldest on overflow, and mirrors it
// to disk when configured.
func (d *DLQ) Push(e DLQEntry) {
	d.mu.Lock()
	dropped := false
	if len(d.entries) >= d.capacity {
		d.entries = d.entries[1:]
		dropped = true
	}
	d.entries = append(d.entries, e)
	size := len(d.entries)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DLQDepth.Set(float64(size))
		d.metrics.DLQTotal.WithLabelValues(e.Reason).Inc()
	}
	d.log.Warn("job dead-lettered",
		zap.String("job_id", e.Job.JobID),
		zap.String("reason", e.Reason),
		zap.String("error_class", string(e.ErrorClass)),
		zap.Int("attempts", e.AttemptCount))

	if d.dir == "" {
		return
	}
	if dropped {
		// The ring rotated: the file must match, so rewrite.
		d.rewrite()
		return
	}
	if err := d.appendLine(e); err != nil {
		d.log.Error("dlq mirror append failed", zap.Error(err))
	}
}

// Pop removes and returns the oldest entry.
func (d *DLQ) Pop() (DLQEntry, bool) {
	d.mu.Lock()
	if len(d.entries) == 0 {
		d.mu.Unlock()
		return DLQEntry{}, false
	}
	e := d.entries[0]
	d.entries = d.entries[1:]
	size := len(d.entries)
	d.mu.Unlock()

	if d.metrics != nil {
		d.metrics.DLQDepth.Set(float64(size))
	}
	d.rewrite()
	return e, true
}

// Clear empties the queue and the mirror.
func (d *DLQ) Clear() {
	d.mu.Lock()
	d.entries = nil
	d.mu.Unlock()
	if d.metrics != nil {
		d.metrics.DLQDepth.Set(0)
	}
	d.rewrite()
}

// Entries returns a copy of the current ring, oldest first.
func (d *DLQ) Entries() []DLQEntry {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]DLQEntry, len(d.entries))
	copy(out, d.entries)
	return out
}

// Len returns the current ring size.
func (d *DLQ) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.entries)
}

// appendLine appends one serialised entry to the mirror.
func (d *DLQ) appendLine(e DLQEntry) error {
	data, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("dlq: marshal entry: %w", err)
	}
	path := filepath.Join(d.dir, dlqFileName)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("dlq: open %q: %w", path, err)
	}
	defer f.Close()
	if _, err := f.Write(append(data, '\n')); err != nil {
		return fmt.Errorf("dlq: append %q: %w", path, err)
	}
	return nil
}

// rewrite replaces the mirror with the current ring via temp file +
// rename. No-op without a configured directory.
func (d *DLQ) rewrite() {
	if d.dir == "" {
		return
	}

	d.mu.Lock()
	entries := make([]DLQEntry, len(d.entries))
	copy(entries, d.entries)
	d.mu.Unlock()

	path := filepath.Join(d.dir, dlqFileName)
	tmp, err := os.CreateTemp(d.dir, dlqFileName+".tmp-")
	if err != nil {
		d.log.Error("dlq mirror rewrite failed", zap.Error(err))
		return
	}
	tmpName := tmp.Name()

	ok := true
	for _, e := range entries {
		data, err := json.Marshal(e)
		if err != nil {
			ok = false
			break
		}
		if _, err := tmp.Write(append(data, '\n')); err != nil {
			ok = false
			break
		}
	}
	if err := tmp.Close(); err != nil {
		ok = false
	}
	if !ok {
		_ = os.Remove(tmpName)
		d.log.Error("dlq mirror rewrite failed", zap.String("path", path))
		return
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		d.log.Error("dlq mirror rename failed", zap.Error(err))
	}
}
