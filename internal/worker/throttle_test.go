// Event throttle tests: stdio filtering, UTF-8-safe truncation at the
// byte limits, the non-progress budget with its single notice, and
// progress coalescing with latest-wins and dispose flush.

package worker

import (
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/arbiterd/arbiter/internal/job"
)

// recorder is a synchronised sink.
type recorder struct {
	mu     sync.Mutex
	events []job.Event
}

func (r *recorder) sink(ev job.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []job.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]job.Event, len(r.events))
	copy(out, r.events)
	return out
}

func TestThrottle_StdioFilteredByDefault(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{}, rec.sink, nil)

	th.Handle(job.Event{Kind: job.EventStdout, Data: "secret token"})
	th.Handle(job.Event{Kind: job.EventStderr, Data: "oops"})
	th.Handle(job.Event{Kind: job.EventPatch, FilePath: "a.go", Diff: "+x"})
	th.Dispose()

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, job.EventPatch, events[0].Kind)
}

func TestThrottle_StdioOptIn(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{ForwardStdio: true}, rec.sink, nil)

	th.Handle(job.Event{Kind: job.EventStdout, Data: "line"})
	th.Dispose()

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, "line", events[0].Data)
}

func TestThrottle_NonProgressBudget(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{MaxEvents: 5}, rec.sink, nil)

	for i := 0; i < 10; i++ {
		th.Handle(job.Event{Kind: job.EventPatch, FilePath: "f.go", Diff: "+1"})
	}
	th.Dispose()

	events := rec.snapshot()
	// 5 within budget, then exactly one notice, then silence.
	require.Len(t, events, 6)
	for _, ev := range events[:5] {
		assert.Equal(t, job.EventPatch, ev.Kind)
	}
	assert.Equal(t, job.EventProgress, events[5].Kind)
	assert.Equal(t, "(logs truncated)", events[5].Message)
}

func TestThrottle_ProgressBypassesBudget(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{MaxEvents: 1, ProgressWindow: 5 * time.Millisecond}, rec.sink, nil)

	th.Handle(job.Event{Kind: job.EventPatch, Diff: "+1", FilePath: "f"})
	th.Handle(job.Event{Kind: job.EventPatch, Diff: "+2", FilePath: "f"}) // notice
	time.Sleep(10 * time.Millisecond)
	th.Handle(job.Progress("still going"))
	th.Dispose()

	var progress []job.Event
	for _, ev := range rec.snapshot() {
		if ev.Kind == job.EventProgress {
			progress = append(progress, ev)
		}
	}
	require.Len(t, progress, 2) // the notice plus the real progress
	assert.Equal(t, "still going", progress[1].Message)
}

func TestThrottle_ProgressCoalescing(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{ProgressWindow: 50 * time.Millisecond}, rec.sink, nil)

	// Leading edge forwards immediately; the burst inside the window
	// collapses to the latest value on the trailing edge.
	th.Handle(job.Progress("1"))
	th.Handle(job.Progress("2"))
	th.Handle(job.Progress("3"))
	th.Handle(job.Progress("4"))

	time.Sleep(80 * time.Millisecond)
	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "1", events[0].Message)
	assert.Equal(t, "4", events[1].Message)
}

func TestThrottle_DisposeFlushesPending(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{ProgressWindow: time.Minute}, rec.sink, nil)

	th.Handle(job.Progress("first"))
	th.Handle(job.Progress("buffered"))
	th.Dispose()
	th.Dispose() // idempotent

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, "buffered", events[1].Message)
}

func TestThrottle_TruncatesDataFields(t *testing.T) {
	rec := &recorder{}
	th := NewThrottle(ThrottleConfig{ForwardStdio: true}, rec.sink, nil)

	th.Handle(job.Event{Kind: job.EventStdout, Data: strings.Repeat("a", MaxTextBytes+100)})
	th.Handle(job.Event{Kind: job.EventPatch, FilePath: "big.go", Diff: strings.Repeat("b", MaxDiffBytes+100)})
	th.Dispose()

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.LessOrEqual(t, len(events[0].Data), MaxTextBytes+len("...(truncated)"))
	assert.True(t, strings.HasSuffix(events[0].Data, "...(truncated)"))
	assert.True(t, strings.HasSuffix(events[1].Diff, "...(truncated)"))
}

func TestTruncateUTF8(t *testing.T) {
	// Within budget: untouched.
	assert.Equal(t, "héllo", TruncateUTF8("héllo", 16))

	// Boundary falls inside a multi-byte rune: the partial rune is
	// dropped, the result stays valid UTF-8.
	s := strings.Repeat("世", 10) // 3 bytes each
	got := TruncateUTF8(s, 10)   // boundary mid-rune
	assert.True(t, utf8.ValidString(got))
	assert.True(t, strings.HasSuffix(got, "...(truncated)"))
	assert.Equal(t, strings.Repeat("世", 3)+"...(truncated)", got)

	// Exact boundary on a rune edge keeps every complete rune.
	got = TruncateUTF8(s, 9)
	assert.Equal(t, strings.Repeat("世", 3)+"...(truncated)", got)

	// Exactly at the limit: untouched.
	assert.Equal(t, s, TruncateUTF8(s, 30))
}
