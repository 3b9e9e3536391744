// Package ipc implements the control-plane channel between the Scheduler
// and the Core: a line-framed JSON transport and a typed, correlated
// message protocol on top of it.
//
// Framing (transport.go):
//   - One JSON value per line; the delimiter is a single LF. CR is content.
//   - Byte budget per frame (default 1 MiB, newline included on write).
//   - Overflowing input is dropped and parsing resumes at the next LF.
//   - Malformed lines surface a parse error and parsing continues.
//   - EOF mid-line discards the partial buffer without error.
//
// The read side never terminates on a bad frame: only disconnect/EOF ends
// the message sequence. This is what lets the protocol survive a
// misbehaving peer writing garbage between valid frames.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"

	"go.uber.org/zap"
)

// DefaultMaxLineBytes is the per-frame byte budget when Options leaves it 0.
const DefaultMaxLineBytes = 1 << 20

// rawErrorSample bounds the raw-line excerpt carried in ParseError.
const rawErrorSample = 256

// ErrClosed is returned by Write after Close, and wrapped into the
// disconnect event when the peer goes away.
var ErrClosed = errors.New("ipc: transport closed")

// SerializeError reports a value that cannot be framed (cyclic structures,
// NaN, channels, ...).
type SerializeError struct{ Err error }

func (e *SerializeError) Error() string { return fmt.Sprintf("ipc: serialize: %v", e.Err) }
func (e *SerializeError) Unwrap() error { return e.Err }

// OverflowError reports a frame that exceeded the byte budget, on either
// direction. Bytes is the observed size when the budget was blown.
type OverflowError struct {
	Bytes int
	Limit int
}

func (e *OverflowError) Error() string {
	return fmt.Sprintf("ipc: frame of %d bytes exceeds limit %d", e.Bytes, e.Limit)
}

// ParseError reports a malformed JSON line. Line carries at most
// rawErrorSample bytes of the offending input.
type ParseError struct {
	Line string
	Err  error
}

func (e *ParseError) Error() string { return fmt.Sprintf("ipc: parse %q: %v", e.Line, e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// DisconnectError reports a failed read or write on the underlying stream.
type DisconnectError struct{ Err error }

func (e *DisconnectError) Error() string { return fmt.Sprintf("ipc: disconnected: %v", e.Err) }
func (e *DisconnectError) Unwrap() error { return e.Err }

// Frame is one parsed inbound message with its raw bytes (no trailing LF).
type Frame struct {
	Value any
	Raw   []byte
}

// Event is one element of the inbound sequence: either a frame or a
// non-terminal error (parse failure, overflow).
type Event struct {
	Frame *Frame
	Err   error
}

// Options configures a Transport.
type Options struct {
	// MaxLineBytes is the frame byte budget. 0 means DefaultMaxLineBytes.
	MaxLineBytes int

	// Logger; nil means zap.NewNop().
	Logger *zap.Logger

	// Trace logs every frame in both directions at debug level.
	Trace bool

	// Closer, when set, is closed together with the transport (e.g. the
	// net.Conn backing both directions, or the pipe ends of a child
	// process). Closing it must unblock a pending read, or Close and
	// Protocol.Stop will wait for the next inbound byte.
	Closer io.Closer
}

// Transport frames JSON values over a byte stream, one value per
// LF-terminated line.
type Transport struct {
	r       io.Reader
	w       io.Writer
	maxLine int
	log     *zap.Logger
	trace   bool
	closer  io.Closer

	writeMu sync.Mutex

	startOnce sync.Once
	events    chan Event

	closeOnce sync.Once
	closed    chan struct{}
}

// New creates a Transport over separate read and write streams.
func New(r io.Reader, w io.Writer, opts Options) *Transport {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = DefaultMaxLineBytes
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	return &Transport{
		r:       r,
		w:       w,
		maxLine: opts.MaxLineBytes,
		log:     opts.Logger,
		trace:   opts.Trace,
		closer:  opts.Closer,
		events:  make(chan Event, 64),
		closed:  make(chan struct{}),
	}
}

// NewConn creates a Transport over a single bidirectional connection.
// Closing the transport closes the connection.
func NewConn(conn net.Conn, opts Options) *Transport {
	opts.Closer = conn
	return New(conn, conn, opts)
}

// Write serialises one value followed by a newline.
// Returns *SerializeError for unrepresentable values, *OverflowError when
// the serialised frame (newline included) exceeds the byte budget, and a
// *DisconnectError wrapping ErrClosed after Close.
func (t *Transport) Write(v any) error {
	select {
	case <-t.closed:
		return &DisconnectError{Err: ErrClosed}
	default:
	}

	data, err := json.Marshal(v)
	if err != nil {
		return &SerializeError{Err: err}
	}
	if len(data)+1 > t.maxLine {
		return &OverflowError{Bytes: len(data) + 1, Limit: t.maxLine}
	}

	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.trace {
		t.log.Debug("ipc frame out", zap.ByteString("frame", data))
	}

	// Single write call keeps the frame atomic with respect to concurrent
	// writers on this transport.
	frame := make([]byte, 0, len(data)+1)
	frame = append(frame, data...)
	frame = append(frame, '\n')
	if _, err := t.w.Write(frame); err != nil {
		return &DisconnectError{Err: err}
	}
	return nil
}

// Messages returns the inbound event sequence. The read loop starts on the
// first call; the channel is closed on EOF or Close. The sequence is not
// restartable.
func (t *Transport) Messages() <-chan Event {
	t.startOnce.Do(func() { go t.readLoop() })
	return t.events
}

// Close releases both directions. Idempotent.
func (t *Transport) Close() error {
	t.closeOnce.Do(func() {
		close(t.closed)
		if t.closer != nil {
			_ = t.closer.Close()
		}
	})
	return nil
}

// readLoop accumulates bytes until LF and emits one Event per line.
// Overflow switches to skip mode: bytes are discarded until the next LF,
// then parsing resumes.
func (t *Transport) readLoop() {
	defer close(t.events)

	var (
		line     []byte
		skipping bool
		chunk    = make([]byte, 32*1024)
	)

	for {
		n, err := t.r.Read(chunk)
		if n > 0 {
			rest := chunk[:n]
			for {
				i := indexLF(rest)
				if i < 0 {
					if skipping {
						break
					}
					line = append(line, rest...)
					if len(line) > t.maxLine {
						t.emit(Event{Err: &OverflowError{Bytes: len(line), Limit: t.maxLine}})
						line = nil
						skipping = true
					}
					break
				}

				if skipping {
					// The LF ends the oversized line; resume normal parsing.
					skipping = false
				} else {
					line = append(line, rest[:i]...)
					if len(line) > t.maxLine {
						t.emit(Event{Err: &OverflowError{Bytes: len(line), Limit: t.maxLine}})
					} else {
						t.emitLine(line)
					}
					line = nil
				}
				rest = rest[i+1:]
			}
		}

		if err != nil {
			// EOF mid-line discards the partial buffer without error.
			if err != io.EOF {
				select {
				case <-t.closed:
					// Close() raced the read; treat as clean shutdown.
				default:
					t.emit(Event{Err: &DisconnectError{Err: err}})
				}
			}
			return
		}

		select {
		case <-t.closed:
			return
		default:
		}
	}
}

// emitLine parses one complete line and emits a frame or a parse error.
// Empty lines between frames are skipped.
func (t *Transport) emitLine(line []byte) {
	if len(line) == 0 {
		return
	}

	if t.trace {
		t.log.Debug("ipc frame in", zap.ByteString("frame", line))
	}

	var v any
	if err := json.Unmarshal(line, &v); err != nil {
		sample := line
		if len(sample) > rawErrorSample {
			sample = sample[:rawErrorSample]
		}
		t.emit(Event{Err: &ParseError{Line: string(sample), Err: err}})
		return
	}

	raw := make([]byte, len(line))
	copy(raw, line)
	t.emit(Event{Frame: &Frame{Value: v, Raw: raw}})
}

func (t *Transport) emit(ev Event) {
	select {
	case t.events <- ev:
	case <-t.closed:
	}
}

// indexLF returns the index of the first LF in b, or -1.
// CR is ordinary content and is never treated as a delimiter.
func indexLF(b []byte) int {
	for i, c := range b {
		if c == '\n' {
			return i
		}
	}
	return -1
}
