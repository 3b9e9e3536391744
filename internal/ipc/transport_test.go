// Transport framing tests.
//
// Coverage:
//   - one parsed value per LF-delimited line; CR is content
//   - empty lines skipped; non-object and null values pass through
//   - malformed lines surface parse errors and parsing continues
//   - overflow at exactly maxLine+1 bytes drops and resyncs at next LF
//   - EOF mid-line discards the partial buffer silently
//   - write rejects unrepresentable values and oversized frames
//   - round trip: parse(serialise(msg)) == msg
//   - Close is idempotent

package ipc

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// collect drains the transport's event sequence until the channel closes
// or the timeout elapses.
func collect(t *testing.T, tr *Transport) []Event {
	t.Helper()
	var events []Event
	timeout := time.After(5 * time.Second)
	for {
		select {
		case ev, ok := <-tr.Messages():
			if !ok {
				return events
			}
			events = append(events, ev)
		case <-timeout:
			t.Fatal("timed out draining transport events")
		}
	}
}

func readerTransport(input string, maxLine int) *Transport {
	return New(strings.NewReader(input), io.Discard, Options{MaxLineBytes: maxLine})
}

func TestTransport_OneValuePerLine(t *testing.T) {
	tr := readerTransport(`{"a":1}`+"\n"+`{"b":2}`+"\n", 0)
	events := collect(t, tr)

	require.Len(t, events, 2)
	require.NoError(t, events[0].Err)
	require.NoError(t, events[1].Err)
	assert.Equal(t, map[string]any{"a": float64(1)}, events[0].Frame.Value)
	assert.Equal(t, map[string]any{"b": float64(2)}, events[1].Frame.Value)
}

func TestTransport_EmptyLinesSkipped(t *testing.T) {
	tr := readerTransport("\n\n{\"a\":1}\n\n\n{\"b\":2}\n", 0)
	events := collect(t, tr)
	require.Len(t, events, 2)
}

func TestTransport_CRIsContent(t *testing.T) {
	tr := readerTransport("\"with\\r\"\r\n", 0)
	events := collect(t, tr)

	// The CR before LF belongs to the line and stays in the raw frame;
	// JSON reads the trailing raw CR byte as whitespace, so the line parses.
	require.Len(t, events, 1)
	require.NoError(t, events[0].Err)
	assert.Equal(t, "with\r", events[0].Frame.Value)
	raw := events[0].Frame.Raw
	assert.Equal(t, byte('\r'), raw[len(raw)-1])
}

func TestTransport_NonObjectValues(t *testing.T) {
	tr := readerTransport("null\n42\n\"str\"\n[1,2]\n", 0)
	events := collect(t, tr)

	require.Len(t, events, 4)
	assert.Nil(t, events[0].Frame.Value)
	assert.Equal(t, float64(42), events[1].Frame.Value)
	assert.Equal(t, "str", events[2].Frame.Value)
	assert.Equal(t, []any{float64(1), float64(2)}, events[3].Frame.Value)
}

func TestTransport_MalformedSurvival(t *testing.T) {
	// Two bad lines, then a valid one: exactly two parse errors, and the
	// valid frame is still delivered.
	tr := readerTransport("{bad json}\n[also bad\n{\"valid\":true}\n", 0)
	events := collect(t, tr)

	require.Len(t, events, 3)
	var perr *ParseError
	require.ErrorAs(t, events[0].Err, &perr)
	assert.Equal(t, "{bad json}", perr.Line)
	require.ErrorAs(t, events[1].Err, &perr)
	require.NoError(t, events[2].Err)
	assert.Equal(t, map[string]any{"valid": true}, events[2].Frame.Value)
}

func TestTransport_OverflowResync(t *testing.T) {
	const maxLine = 64
	long := strings.Repeat("x", maxLine+1)
	tr := readerTransport(long+"\n{\"ok\":1}\n", maxLine)
	events := collect(t, tr)

	require.Len(t, events, 2)
	var oerr *OverflowError
	require.ErrorAs(t, events[0].Err, &oerr)
	assert.Greater(t, oerr.Bytes, maxLine)
	require.NoError(t, events[1].Err)
	assert.Equal(t, map[string]any{"ok": float64(1)}, events[1].Frame.Value)
}

func TestTransport_OverflowBoundary(t *testing.T) {
	const maxLine = 32

	// Exactly maxLine bytes without the LF: parses.
	line := `{"k":"` + strings.Repeat("a", maxLine-8) + `"}`
	require.Len(t, line, maxLine)
	events := collect(t, readerTransport(line+"\n", maxLine))
	require.Len(t, events, 1)
	require.NoError(t, events[0].Err)

	// One byte more: overflow.
	over := `{"k":"` + strings.Repeat("a", maxLine-7) + `"}`
	require.Len(t, over, maxLine+1)
	events = collect(t, readerTransport(over+"\n", maxLine))
	require.Len(t, events, 1)
	var oerr *OverflowError
	require.ErrorAs(t, events[0].Err, &oerr)
}

func TestTransport_EOFMidLineSilent(t *testing.T) {
	tr := readerTransport(`{"a":1}`+"\n"+`{"partial":`, 0)
	events := collect(t, tr)

	// The partial tail is discarded without an error event.
	require.Len(t, events, 1)
	require.NoError(t, events[0].Err)
}

func TestTransport_WriteAppendsLF(t *testing.T) {
	var sb strings.Builder
	tr := New(strings.NewReader(""), &sb, Options{})
	require.NoError(t, tr.Write(map[string]any{"a": 1}))
	require.NoError(t, tr.Write(map[string]any{"b": 2}))

	lines := strings.Split(strings.TrimSuffix(sb.String(), "\n"), "\n")
	require.Len(t, lines, 2)
	for _, line := range lines {
		assert.NotContains(t, line, "\n")
		var v any
		require.NoError(t, json.Unmarshal([]byte(line), &v))
	}
}

func TestTransport_WriteSerializeError(t *testing.T) {
	tr := New(strings.NewReader(""), io.Discard, Options{})

	var serr *SerializeError
	require.ErrorAs(t, tr.Write(math.NaN()), &serr)
	require.ErrorAs(t, tr.Write(make(chan int)), &serr)

	cyclic := map[string]any{}
	cyclic["self"] = cyclic
	require.ErrorAs(t, tr.Write(cyclic), &serr)
}

func TestTransport_WriteOverflow(t *testing.T) {
	tr := New(strings.NewReader(""), io.Discard, Options{MaxLineBytes: 16})
	err := tr.Write(map[string]any{"k": strings.Repeat("x", 32)})
	var oerr *OverflowError
	require.ErrorAs(t, err, &oerr)
}

func TestTransport_WriteAfterClose(t *testing.T) {
	tr := New(strings.NewReader(""), io.Discard, Options{})
	require.NoError(t, tr.Close())
	require.NoError(t, tr.Close()) // idempotent

	err := tr.Write(map[string]any{"a": 1})
	var derr *DisconnectError
	require.ErrorAs(t, err, &derr)
	assert.True(t, errors.Is(err, ErrClosed))
}

func TestTransport_RoundTrip(t *testing.T) {
	msgs := []any{
		map[string]any{"type": "heartbeat", "timestamp": float64(123)},
		map[string]any{"type": "ack", "requestId": "r1", "jobId": "j1"},
		map[string]any{"nested": map[string]any{"multi\nline": "va\rlue", "uni": "héllo → 世界"}},
	}

	r, w := io.Pipe()
	tr := New(r, w, Options{})
	go func() {
		for _, m := range msgs {
			_ = tr.Write(m)
		}
		w.Close()
	}()

	events := collect(t, tr)
	require.Len(t, events, len(msgs))
	for i, ev := range events {
		require.NoError(t, ev.Err)
		assert.Equal(t, msgs[i], ev.Frame.Value)
	}
}

func TestTransport_MultiByteBoundaries(t *testing.T) {
	// A frame full of multi-byte runes measured in bytes, not runes.
	const maxLine = 64
	s := strings.Repeat("世", 30) // 90 bytes encoded
	payload, err := json.Marshal(s)
	require.NoError(t, err)
	require.Greater(t, len(payload), maxLine)

	events := collect(t, readerTransport(string(payload)+"\n", maxLine))
	require.Len(t, events, 1)
	var oerr *OverflowError
	require.ErrorAs(t, events[0].Err, &oerr)
}
