// Package worker — throttle.go
//
// Per-job event throttle between a worker adapter and the event sink.
//
// Policy:
//   - stdout/stderr are filtered out by default (agent output may carry
//     secrets); forwarding is a config opt-in.
//   - Data fields are truncated on UTF-8 byte length: 16 KiB for
//     stdout/stderr/progress messages, 256 KiB for patch diffs. The cut
//     lands on a codepoint boundary and appends "...(truncated)".
//   - Non-progress events have a per-job budget (default 500). Crossing
//     it emits one synthetic progress "(logs truncated)"; everything
//     after is dropped silently.
//   - Progress events bypass the budget but are coalesced: at most one
//     forwarded per window (default 100 ms), latest value wins, and
//     Dispose flushes whatever is pending.
package worker

import (
	"sync"
	"time"
	"unicode/utf8"

	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/observability"
)

// Truncation limits in UTF-8 bytes.
const (
	MaxTextBytes = 16 << 10  // stdout, stderr, progress messages
	MaxDiffBytes = 256 << 10 // patch diffs
)

// truncationSuffix marks a truncated field.
const truncationSuffix = "...(truncated)"

// logsTruncatedNotice is the synthetic progress message emitted when the
// non-progress budget is spent.
const logsTruncatedNotice = "(logs truncated)"

// Sink receives the throttled event stream.
type Sink func(ev job.Event)

// ThrottleConfig parameterises a Throttle.
type ThrottleConfig struct {
	// ForwardStdio opts in to stdout/stderr forwarding.
	ForwardStdio bool

	// MaxEvents is the non-progress budget. 0 means 500.
	MaxEvents int

	// ProgressWindow is the coalescing window. 0 means 100 ms.
	ProgressWindow time.Duration
}

// Throttle shapes one job's event stream. Safe for concurrent use.
type Throttle struct {
	cfg     ThrottleConfig
	sink    Sink
	metrics *observability.CoreMetrics

	mu         sync.Mutex
	sent       int  // non-progress events forwarded
	noticeSent bool // "(logs truncated)" emitted
	disposed   bool

	// Progress coalescing: windowOpen marks a running suppression
	// window; pending holds the newest suppressed event.
	windowOpen bool
	pending    *job.Event
	timer      *time.Timer
}

// NewThrottle creates a Throttle delivering to sink. metrics may be nil.
func NewThrottle(cfg ThrottleConfig, sink Sink, metrics *observability.CoreMetrics) *Throttle {
	if cfg.MaxEvents <= 0 {
		cfg.MaxEvents = 500
	}
	if cfg.ProgressWindow <= 0 {
		cfg.ProgressWindow = 100 * time.Millisecond
	}
	return &Throttle{cfg: cfg, sink: sink, metrics: metrics}
}

// Handle applies the policy to one event.
func (t *Throttle) Handle(ev job.Event) {
	switch ev.Kind {
	case job.EventProgress:
		ev.Message = TruncateUTF8(ev.Message, MaxTextBytes)
		t.handleProgress(ev)
	case job.EventStdout, job.EventStderr:
		if !t.cfg.ForwardStdio {
			t.count("filtered")
			return
		}
		ev.Data = TruncateUTF8(ev.Data, MaxTextBytes)
		t.handleBudgeted(ev)
	case job.EventPatch:
		ev.Diff = TruncateUTF8(ev.Diff, MaxDiffBytes)
		t.handleBudgeted(ev)
	default:
		t.count("dropped")
	}
}

// Dispose stops the coalescing timer and flushes any pending progress
// event. Idempotent.
func (t *Throttle) Dispose() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	t.disposed = true
	if t.timer != nil {
		t.timer.Stop()
	}
	pending := t.pending
	t.pending = nil
	t.mu.Unlock()

	if pending != nil {
		t.forward(*pending)
	}
}

// handleBudgeted forwards a non-progress event within the budget.
func (t *Throttle) handleBudgeted(ev job.Event) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	if t.sent >= t.cfg.MaxEvents {
		notice := !t.noticeSent
		t.noticeSent = true
		t.mu.Unlock()
		if notice {
			t.forward(job.Progress(logsTruncatedNotice))
		} else {
			t.count("dropped")
		}
		return
	}
	t.sent++
	t.mu.Unlock()
	t.forward(ev)
}

// handleProgress coalesces progress events: forward on the leading edge,
// suppress-and-remember inside the window, forward the newest value on
// the trailing edge.
func (t *Throttle) handleProgress(ev job.Event) {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	if t.windowOpen {
		t.pending = &ev
		t.count("coalesced")
		t.mu.Unlock()
		return
	}
	t.windowOpen = true
	t.timer = time.AfterFunc(t.cfg.ProgressWindow, t.windowExpired)
	t.mu.Unlock()

	t.forward(ev)
}

// windowExpired closes the suppression window, flushing a pending event
// and opening a fresh window when one was buffered.
func (t *Throttle) windowExpired() {
	t.mu.Lock()
	if t.disposed {
		t.mu.Unlock()
		return
	}
	pending := t.pending
	t.pending = nil
	if pending == nil {
		t.windowOpen = false
		t.mu.Unlock()
		return
	}
	t.timer = time.AfterFunc(t.cfg.ProgressWindow, t.windowExpired)
	t.mu.Unlock()

	t.forward(*pending)
}

func (t *Throttle) forward(ev job.Event) {
	t.count("forwarded")
	if t.sink != nil {
		t.sink(ev)
	}
}

func (t *Throttle) count(disposition string) {
	if t.metrics != nil {
		t.metrics.WorkerEventsTotal.WithLabelValues(disposition).Inc()
	}
}

// TruncateUTF8 caps s at max bytes, dropping any trailing partial
// codepoint before appending the truncation suffix. Strings within the
// budget pass through untouched.
func TruncateUTF8(s string, max int) string {
	if len(s) <= max {
		return s
	}
	cut := max
	// Back off continuation bytes so the cut lands on a rune boundary.
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + truncationSuffix
}
