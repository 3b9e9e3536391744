// Package breaker provides the per-key circuit breaker registry consulted
// by the permit gate.
//
// Each logical key (normally a worker kind) gets its own breaker, created
// lazily from one shared settings template. State machine per key:
//
//	CLOSED    — failures counted in fixed, back-to-back Window periods (the
//	            count resets at each period boundary, so failures on both
//	            sides of a boundary are not summed); threshold → OPEN.
//	OPEN      — reject immediately until the cooldown elapses → HALF_OPEN.
//	HALF_OPEN — a bounded number of probes; any failure reopens, enough
//	            consecutive successes close.
//
// The registry hands out two-step probes: Allow reserves the observation,
// the returned done func records the outcome. This fits permits, whose
// success or failure is only known minutes later — and lets a revocation
// record a failure without running anything.
package breaker

import (
	"sync"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"
)

// State names as they appear in permit circuit snapshots.
const (
	StateClosed   = "CLOSED"
	StateHalfOpen = "HALF_OPEN"
	StateOpen     = "OPEN"
)

// Config parameterises every breaker the registry creates.
type Config struct {
	// FailureThreshold opens a closed breaker once this many failures
	// accumulate within Window.
	FailureThreshold int

	// Window is the period after which a closed breaker's failure count
	// resets. Periods are fixed and back to back, not sliding.
	Window time.Duration

	// Cooldown is the open→half-open delay.
	Cooldown time.Duration

	// HalfOpenProbes bounds in-flight probes while half-open; the same
	// count of consecutive successes closes the breaker.
	HalfOpenProbes int
}

// TransitionFunc observes breaker state changes (for metrics).
type TransitionFunc func(key, from, to string)

// Registry is the thread-safe per-key breaker collection.
type Registry struct {
	cfg          Config
	log          *zap.Logger
	onTransition TransitionFunc

	mu       sync.Mutex
	breakers map[string]*gobreaker.TwoStepCircuitBreaker
}

// NewRegistry creates an empty Registry. onTransition may be nil.
func NewRegistry(cfg Config, log *zap.Logger, onTransition TransitionFunc) *Registry {
	if log == nil {
		log = zap.NewNop()
	}
	return &Registry{
		cfg:          cfg,
		log:          log,
		onTransition: onTransition,
		breakers:     make(map[string]*gobreaker.TwoStepCircuitBreaker),
	}
}

// Allow reserves a probe on the key's breaker.
// Returns (done, true) when the call may proceed; the caller MUST invoke
// done exactly once with the observed outcome. Returns (nil, false) when
// the breaker is open or the half-open probe budget is spent.
func (r *Registry) Allow(key string) (func(success bool), bool) {
	done, err := r.get(key).Allow()
	if err != nil {
		// gobreaker.ErrOpenState or ErrTooManyRequests: both mean the
		// dependency is shedding.
		return nil, false
	}
	return done, true
}

// State returns the current state name for a key. Keys never seen are
// CLOSED.
func (r *Registry) State(key string) string {
	r.mu.Lock()
	cb, ok := r.breakers[key]
	r.mu.Unlock()
	if !ok {
		return StateClosed
	}
	return stateName(cb.State())
}

// Snapshot returns every known key's state, for inclusion in permits.
func (r *Registry) Snapshot() map[string]string {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap := make(map[string]string, len(r.breakers))
	for key, cb := range r.breakers {
		snap[key] = stateName(cb.State())
	}
	return snap
}

// RecordFailure registers a failure observation outside a reserved probe.
// Used when a failure must be attributed to a key whose probe was never
// taken (e.g. a worker crash detected by the watchdog). Ignored while the
// breaker refuses probes.
func (r *Registry) RecordFailure(key string) {
	if done, ok := r.Allow(key); ok {
		done(false)
	}
}

// get returns the breaker for a key, creating it on first use.
func (r *Registry) get(key string) *gobreaker.TwoStepCircuitBreaker {
	r.mu.Lock()
	defer r.mu.Unlock()
	if cb, ok := r.breakers[key]; ok {
		return cb
	}

	cb := gobreaker.NewTwoStepCircuitBreaker(gobreaker.Settings{
		Name:        key,
		MaxRequests: uint32(r.cfg.HalfOpenProbes),
		Interval:    r.cfg.Window,
		Timeout:     r.cfg.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.TotalFailures >= uint32(r.cfg.FailureThreshold)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			r.log.Info("circuit breaker transition",
				zap.String("key", name),
				zap.String("from", stateName(from)),
				zap.String("to", stateName(to)))
			if r.onTransition != nil {
				r.onTransition(name, stateName(from), stateName(to))
			}
		},
	})
	r.breakers[key] = cb
	return cb
}

// stateName maps gobreaker states to snapshot names.
func stateName(s gobreaker.State) string {
	switch s {
	case gobreaker.StateOpen:
		return StateOpen
	case gobreaker.StateHalfOpen:
		return StateHalfOpen
	default:
		return StateClosed
	}
}
