// Package supervisor — health.go
//
// Heartbeat-driven health checking for the Core subprocess.
//
// The checker sends a heartbeat each interval and watches for
// heartbeat_ack replies (which carry timestamps, not request ids, so
// correlation is temporal: any ack after the last send counts). N
// consecutive unanswered intervals fire the hang callback once.
package supervisor

import (
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/arbiterd/arbiter/internal/ipc"
)

// HealthChecker owns the heartbeat loop for one Core.
type HealthChecker struct {
	proto     *ipc.Protocol
	interval  time.Duration
	maxMisses int
	onHang    func()
	log       *zap.Logger

	lastAck  atomic.Int64 // unix nanos of the newest heartbeat_ack
	lastSent atomic.Int64 // unix nanos of the newest heartbeat

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewHealthChecker wires the checker and registers its heartbeat_ack
// handler on the protocol. onHang may be nil.
func NewHealthChecker(proto *ipc.Protocol, interval time.Duration, maxMisses int, onHang func(), log *zap.Logger) *HealthChecker {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	if maxMisses <= 0 {
		maxMisses = 3
	}
	if log == nil {
		log = zap.NewNop()
	}
	h := &HealthChecker{
		proto:     proto,
		interval:  interval,
		maxMisses: maxMisses,
		onHang:    onHang,
		log:       log,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	proto.Handle(ipc.TypeHeartbeatAck, func(env *ipc.Envelope) {
		h.lastAck.Store(time.Now().UnixNano())
	})
	return h
}

// Start launches the heartbeat loop.
func (h *HealthChecker) Start() {
	go h.loop()
}

// Stop terminates the loop. Idempotent.
func (h *HealthChecker) Stop() {
	h.stopOnce.Do(func() { close(h.stop) })
	<-h.done
}

func (h *HealthChecker) loop() {
	defer close(h.done)

	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()

	misses := 0
	hung := false
	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			// Was the previous heartbeat answered?
			sent := h.lastSent.Load()
			if sent != 0 && h.lastAck.Load() < sent {
				misses++
			} else if sent != 0 {
				misses = 0
				hung = false
			}

			if misses >= h.maxMisses && !hung {
				hung = true
				h.log.Error("core missed heartbeats",
					zap.Int("consecutive", misses))
				if h.onHang != nil {
					h.onHang()
				}
			}

			h.lastSent.Store(time.Now().UnixNano())
			if err := h.proto.Heartbeat(time.Now().UnixMilli()); err != nil {
				h.log.Debug("heartbeat send failed", zap.Error(err))
			}
		}
	}
}
