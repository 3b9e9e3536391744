// Package budget implements the execution budget consulted by the permit
// gate: a concurrency counter and a token-bucket rate limit, plus an
// optional per-class cost budget.
//
// Invariants:
//   - inUse ∈ [0, maxConcurrency] at all times.
//   - TryAcquire and Release are the only mutators; both are atomic under
//     the mutex.
//   - A failed TryAcquire consumes nothing: the concurrency slot is given
//     back if the rate limiter refuses, so CONCURRENCY_LIMIT and
//     RATE_LIMIT are mutually exclusive outcomes of one call.
//   - Cost budgets are tracked but the gate does not deduct them; the
//     deduction hook exists for the costBudget wire field.
package budget

import (
	"sync"
	"sync/atomic"

	"golang.org/x/time/rate"
)

// Denial reports why TryAcquire refused.
type Denial int

const (
	// DenialNone means tokens were granted.
	DenialNone Denial = iota

	// DenialConcurrency means the concurrency counter is at max.
	DenialConcurrency

	// DenialRate means the rate limiter has no token available.
	DenialRate

	// DenialCost means the job class cost budget is exhausted.
	DenialCost
)

// Tokens describes a successful acquisition.
type Tokens struct {
	Concurrency int
	RPS         float64
	CostBudget  float64
}

// Budget is the thread-safe execution budget.
type Budget struct {
	mu             sync.Mutex
	maxConcurrency int
	inUse          int
	limiter        *rate.Limiter
	maxRPS         float64

	// cost budgets per job class; empty map disables cost accounting.
	costRemaining map[string]float64

	// grantedTotal tracks lifetime acquisitions (for metrics).
	grantedTotal atomic.Uint64
}

// New creates a Budget. maxConcurrency must be > 0; maxRPS must be > 0;
// burst must be >= 1.
func New(maxConcurrency int, maxRPS float64, burst int) *Budget {
	if maxConcurrency <= 0 {
		panic("budget.Budget: maxConcurrency must be > 0")
	}
	if maxRPS <= 0 {
		panic("budget.Budget: maxRPS must be > 0")
	}
	if burst < 1 {
		panic("budget.Budget: burst must be >= 1")
	}
	return &Budget{
		maxConcurrency: maxConcurrency,
		limiter:        rate.NewLimiter(rate.Limit(maxRPS), burst),
		maxRPS:         maxRPS,
		costRemaining:  make(map[string]float64),
	}
}

// SetCostBudget assigns a per-class cost budget. Classes without a budget
// are never cost-denied.
func (b *Budget) SetCostBudget(class string, amount float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.costRemaining[class] = amount
}

// TryAcquire attempts to take one concurrency slot and one rate token.
// On success the returned Tokens describe the grant and the caller owes a
// Release. On denial nothing is consumed.
func (b *Budget) TryAcquire() (Tokens, Denial) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.inUse >= b.maxConcurrency {
		return Tokens{}, DenialConcurrency
	}
	if !b.limiter.Allow() {
		return Tokens{}, DenialRate
	}

	b.inUse++
	b.grantedTotal.Add(1)
	return Tokens{Concurrency: 1, RPS: b.maxRPS}, DenialNone
}

// DeductCost consumes cost from a class budget. Returns DenialCost when
// the class has a budget and it is exhausted. Classes without a budget
// always succeed.
func (b *Budget) DeductCost(class string, cost float64) Denial {
	b.mu.Lock()
	defer b.mu.Unlock()

	remaining, tracked := b.costRemaining[class]
	if !tracked {
		return DenialNone
	}
	if remaining < cost {
		return DenialCost
	}
	b.costRemaining[class] = remaining - cost
	return DenialNone
}

// Release returns one concurrency slot. Release below zero is a
// programming error and panics.
func (b *Budget) Release() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.inUse <= 0 {
		panic("budget.Budget: Release without matching TryAcquire")
	}
	b.inUse--
}

// InUse returns the current concurrency counter.
func (b *Budget) InUse() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.inUse
}

// MaxConcurrency returns the configured concurrency cap.
func (b *Budget) MaxConcurrency() int {
	return b.maxConcurrency // Immutable after construction.
}

// GrantedTotal returns the lifetime acquisition count.
func (b *Budget) GrantedTotal() uint64 {
	return b.grantedTotal.Load()
}
