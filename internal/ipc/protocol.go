// Package ipc — protocol.go
//
// Typed message router atop the line-framed transport.
//
// Dispatch rules:
//   - Inbound frames pass the admission table (message.go) or are dropped.
//   - A message whose requestId matches a pending waiter satisfies that
//     waiter exclusively; the type handler is NOT also invoked. This is
//     what keeps request/response conversations unambiguous.
//   - Handler panics are caught and logged; later messages are unaffected.
//   - Start and Stop are idempotent. Stop rejects all pending waiters with
//     ErrStopped and closes the transport.
package ipc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/job"
	"github.com/arbiterd/arbiter/internal/permit"
)

// ErrStopped rejects pending waiters when the protocol stops.
var ErrStopped = errors.New("ipc: protocol stopped")

// ErrResponseTimeout is returned by Waiter.Wait when the window elapses.
var ErrResponseTimeout = errors.New("ipc: response timeout")

// Handler consumes one admitted inbound message.
type Handler func(env *Envelope)

// ProtocolOptions configures a Protocol.
type ProtocolOptions struct {
	// Logger; nil means zap.NewNop().
	Logger *zap.Logger

	// RequestTimeout is the default waitForResponse window. 0 means 10s.
	RequestTimeout time.Duration

	// OnProtocolError observes non-terminal inbound errors (parse,
	// overflow). May be nil.
	OnProtocolError func(err error)

	// OnDisconnect observes the end of the inbound sequence (EOF or read
	// failure). Called at most once, from the dispatch goroutine: it must
	// not call Stop synchronously. May be nil.
	OnDisconnect func(err error)
}

// Protocol routes inbound messages to handlers and correlates responses to
// pending waiters by requestId.
type Protocol struct {
	t   *Transport
	log *zap.Logger

	requestTimeout  time.Duration
	onProtocolError func(error)
	onDisconnect    func(error)

	mu       sync.Mutex
	handlers map[string]Handler
	pending  map[string]chan *Envelope
	started  bool
	stopped  bool

	done chan struct{}
}

// NewProtocol creates a Protocol over the given transport.
func NewProtocol(t *Transport, opts ProtocolOptions) *Protocol {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 10 * time.Second
	}
	return &Protocol{
		t:               t,
		log:             opts.Logger,
		requestTimeout:  opts.RequestTimeout,
		onProtocolError: opts.OnProtocolError,
		onDisconnect:    opts.OnDisconnect,
		handlers:        make(map[string]Handler),
		pending:         make(map[string]chan *Envelope),
		done:            make(chan struct{}),
	}
}

// Handle registers the handler for a message type, replacing any previous
// registration. Must be called before Start for deterministic dispatch.
func (p *Protocol) Handle(typ string, h Handler) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.handlers[typ] = h
}

// Start begins dispatching inbound messages. Idempotent.
func (p *Protocol) Start() {
	p.mu.Lock()
	if p.started || p.stopped {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	go p.dispatchLoop()
}

// Stop rejects pending waiters, closes the transport, and waits for the
// dispatch loop to exit. Idempotent.
func (p *Protocol) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	started := p.started
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()

	_ = p.t.Close()
	if started {
		<-p.done
	} else {
		close(p.done)
	}
}

// Stopped reports whether Stop has been called.
func (p *Protocol) Stopped() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.stopped
}

func (p *Protocol) dispatchLoop() {
	defer close(p.done)

	var disconnectErr error
	for ev := range p.t.Messages() {
		if ev.Err != nil {
			var de *DisconnectError
			if errors.As(ev.Err, &de) {
				disconnectErr = ev.Err
				continue
			}
			p.log.Warn("ipc protocol error", zap.Error(ev.Err))
			if p.onProtocolError != nil {
				p.onProtocolError(ev.Err)
			}
			continue
		}
		p.dispatch(ev.Frame)
	}

	// Inbound sequence ended: fail anything still waiting.
	p.mu.Lock()
	alreadyStopped := p.stopped
	for id, ch := range p.pending {
		close(ch)
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !alreadyStopped && p.onDisconnect != nil {
		p.onDisconnect(disconnectErr)
	}
}

// dispatch routes one frame: waiter first, then type handler, else drop.
func (p *Protocol) dispatch(f *Frame) {
	env, ok := admit(f)
	if !ok {
		p.log.Debug("ipc message dropped", zap.ByteString("frame", f.Raw))
		return
	}

	if reqID := env.RequestID(); reqID != "" {
		p.mu.Lock()
		ch, waiting := p.pending[reqID]
		if waiting {
			delete(p.pending, reqID)
		}
		p.mu.Unlock()
		if waiting {
			ch <- env
			close(ch)
			return
		}
	}

	p.mu.Lock()
	h := p.handlers[env.Type]
	p.mu.Unlock()
	if h == nil {
		p.log.Debug("ipc message without handler", zap.String("type", env.Type))
		return
	}

	defer func() {
		if r := recover(); r != nil {
			p.log.Error("ipc handler panic",
				zap.String("type", env.Type),
				zap.Any("panic", r))
		}
	}()
	h(env)
}

// ─── Correlation ──────────────────────────────────────────────────────────────

// Waiter is a registered expectation for a response carrying a requestId.
type Waiter struct {
	p         *Protocol
	requestID string
	ch        chan *Envelope
}

// Expect registers a waiter for requestId. Register before sending the
// request; otherwise the response can race past the registration.
func (p *Protocol) Expect(requestID string) *Waiter {
	ch := make(chan *Envelope, 1)
	p.mu.Lock()
	if p.stopped {
		close(ch)
	} else {
		p.pending[requestID] = ch
	}
	p.mu.Unlock()
	return &Waiter{p: p, requestID: requestID, ch: ch}
}

// Wait blocks for the correlated response. Returns ErrResponseTimeout
// after the protocol's request window, ErrStopped if the protocol stops,
// or the context error.
func (w *Waiter) Wait(ctx context.Context) (*Envelope, error) {
	timer := time.NewTimer(w.p.requestTimeout)
	defer timer.Stop()

	select {
	case env, ok := <-w.ch:
		if !ok {
			return nil, ErrStopped
		}
		return env, nil
	case <-timer.C:
		w.cancel()
		return nil, fmt.Errorf("ipc: request %s: %w", w.requestID, ErrResponseTimeout)
	case <-ctx.Done():
		w.cancel()
		return nil, ctx.Err()
	}
}

// cancel removes the registration so a late response routes to the type
// handler instead of a dead channel.
func (w *Waiter) cancel() {
	w.p.mu.Lock()
	delete(w.p.pending, w.requestID)
	w.p.mu.Unlock()
}

// ─── Outbound helpers, Scheduler → Core ───────────────────────────────────────

type submitJobMsg struct {
	Type      string  `json:"type"`
	RequestID string  `json:"requestId"`
	Job       job.Job `json:"job"`
}

// SubmitJob sends submit_job.
func (p *Protocol) SubmitJob(requestID string, j job.Job) error {
	return p.t.Write(submitJobMsg{Type: TypeSubmitJob, RequestID: requestID, Job: j})
}

type cancelJobMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	JobID     string `json:"jobId"`
	Reason    string `json:"reason"`
}

// CancelJob sends cancel_job.
func (p *Protocol) CancelJob(requestID, jobID, reason string) error {
	return p.t.Write(cancelJobMsg{Type: TypeCancelJob, RequestID: requestID, JobID: jobID, Reason: reason})
}

type requestPermitMsg struct {
	Type         string  `json:"type"`
	RequestID    string  `json:"requestId"`
	Job          job.Job `json:"job"`
	AttemptIndex int     `json:"attemptIndex"`
}

// RequestPermit sends request_permit.
func (p *Protocol) RequestPermit(requestID string, j job.Job, attemptIndex int) error {
	return p.t.Write(requestPermitMsg{Type: TypeRequestPermit, RequestID: requestID, Job: j, AttemptIndex: attemptIndex})
}

type reportQueueMetricsMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	QueueMetrics
}

// ReportQueueMetrics sends report_queue_metrics.
func (p *Protocol) ReportQueueMetrics(requestID string, m QueueMetrics) error {
	return p.t.Write(reportQueueMetricsMsg{Type: TypeReportQueueMetrics, RequestID: requestID, QueueMetrics: m})
}

type heartbeatMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// Heartbeat sends heartbeat with the given unix-ms timestamp.
func (p *Protocol) Heartbeat(timestamp int64) error {
	return p.t.Write(heartbeatMsg{Type: TypeHeartbeat, Timestamp: timestamp})
}

// ─── Outbound helpers, Core → Scheduler ───────────────────────────────────────

type ackMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	JobID     string `json:"jobId"`
}

// Ack sends ack for a requestId/job pair.
func (p *Protocol) Ack(requestID, jobID string) error {
	return p.t.Write(ackMsg{Type: TypeAck, RequestID: requestID, JobID: jobID})
}

type permitGrantedMsg struct {
	Type      string        `json:"type"`
	RequestID string        `json:"requestId"`
	Permit    permit.Permit `json:"permit"`
}

// PermitGranted sends permit_granted. The permit's cancellation handle
// stays on the Core side; only data crosses.
func (p *Protocol) PermitGranted(requestID string, pm permit.Permit) error {
	return p.t.Write(permitGrantedMsg{Type: TypePermitGranted, RequestID: requestID, Permit: pm})
}

type permitRejectedMsg struct {
	Type      string           `json:"type"`
	RequestID string           `json:"requestId"`
	Rejection permit.Rejection `json:"rejection"`
}

// PermitRejected sends permit_rejected.
func (p *Protocol) PermitRejected(requestID string, r permit.Rejection) error {
	return p.t.Write(permitRejectedMsg{Type: TypePermitRejected, RequestID: requestID, Rejection: r})
}

type jobCompletedMsg struct {
	Type       string         `json:"type"`
	JobID      string         `json:"jobId"`
	Outcome    job.Outcome    `json:"outcome"`
	Result     *job.Result    `json:"result,omitempty"`
	ErrorClass job.ErrorClass `json:"errorClass,omitempty"`
}

// JobCompleted sends job_completed.
func (p *Protocol) JobCompleted(jobID string, outcome job.Outcome, result *job.Result, errClass job.ErrorClass) error {
	return p.t.Write(jobCompletedMsg{Type: TypeJobCompleted, JobID: jobID, Outcome: outcome, Result: result, ErrorClass: errClass})
}

type jobCancelledMsg struct {
	Type      string `json:"type"`
	RequestID string `json:"requestId"`
	JobID     string `json:"jobId"`
	Reason    string `json:"reason"`
}

// JobCancelled sends job_cancelled.
func (p *Protocol) JobCancelled(requestID, jobID, reason string) error {
	return p.t.Write(jobCancelledMsg{Type: TypeJobCancelled, RequestID: requestID, JobID: jobID, Reason: reason})
}

type escalationMsg struct {
	Type  string          `json:"type"`
	Event EscalationEvent `json:"event"`
}

// Escalation sends an escalation event.
func (p *Protocol) Escalation(ev EscalationEvent) error {
	return p.t.Write(escalationMsg{Type: TypeEscalation, Event: ev})
}

type heartbeatAckMsg struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

// HeartbeatAck replies to a heartbeat.
func (p *Protocol) HeartbeatAck(timestamp int64) error {
	return p.t.Write(heartbeatAckMsg{Type: TypeHeartbeatAck, Timestamp: timestamp})
}

// SendError sends a protocol-level error message.
func (p *Protocol) SendError(code, message, requestID string) error {
	return p.t.Write(ErrorBody{Type: TypeError, Code: code, Message: message, RequestID: requestID})
}
