// Execution budget tests: concurrency cap, rate limiting, release
// accounting, and cost budgets.

package budget

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBudget_ConcurrencyCap(t *testing.T) {
	b := New(2, 1000, 1000)

	_, d1 := b.TryAcquire()
	_, d2 := b.TryAcquire()
	require.Equal(t, DenialNone, d1)
	require.Equal(t, DenialNone, d2)
	assert.Equal(t, 2, b.InUse())

	_, d3 := b.TryAcquire()
	assert.Equal(t, DenialConcurrency, d3)
	assert.Equal(t, 2, b.InUse(), "denied acquire must consume nothing")

	b.Release()
	_, d4 := b.TryAcquire()
	assert.Equal(t, DenialNone, d4)
}

func TestBudget_RateLimit(t *testing.T) {
	// Burst 2 at a slow refill: the third immediate acquire must be
	// rate-denied even though concurrency remains.
	b := New(10, 0.5, 2)

	_, d1 := b.TryAcquire()
	_, d2 := b.TryAcquire()
	require.Equal(t, DenialNone, d1)
	require.Equal(t, DenialNone, d2)

	_, d3 := b.TryAcquire()
	assert.Equal(t, DenialRate, d3)
	assert.Equal(t, 2, b.InUse(), "rate denial must return the concurrency slot")
}

func TestBudget_RateRefill(t *testing.T) {
	b := New(10, 50, 1)

	_, d := b.TryAcquire()
	require.Equal(t, DenialNone, d)
	_, d = b.TryAcquire()
	require.Equal(t, DenialRate, d)

	time.Sleep(40 * time.Millisecond) // 50 rps refills within ~20ms
	_, d = b.TryAcquire()
	assert.Equal(t, DenialNone, d)
}

func TestBudget_NeverExceedsMax(t *testing.T) {
	b := New(3, 1000, 1000)
	granted := 0
	for i := 0; i < 10; i++ {
		if _, d := b.TryAcquire(); d == DenialNone {
			granted++
		}
	}
	assert.Equal(t, 3, granted)
	assert.Equal(t, 3, b.InUse())
	assert.LessOrEqual(t, b.InUse(), b.MaxConcurrency())
}

func TestBudget_ReleaseWithoutAcquirePanics(t *testing.T) {
	b := New(1, 10, 10)
	assert.Panics(t, func() { b.Release() })
}

func TestBudget_CostBudget(t *testing.T) {
	b := New(1, 10, 10)
	b.SetCostBudget("INTERACTIVE", 10)

	assert.Equal(t, DenialNone, b.DeductCost("INTERACTIVE", 6))
	assert.Equal(t, DenialCost, b.DeductCost("INTERACTIVE", 6))
	assert.Equal(t, DenialNone, b.DeductCost("INTERACTIVE", 4))

	// Untracked classes are never denied.
	assert.Equal(t, DenialNone, b.DeductCost("BATCH", 1e9))
}

func TestBudget_TokensDescribeGrant(t *testing.T) {
	b := New(4, 25, 25)
	tokens, d := b.TryAcquire()
	require.Equal(t, DenialNone, d)
	assert.Equal(t, 1, tokens.Concurrency)
	assert.Equal(t, 25.0, tokens.RPS)
	assert.Equal(t, uint64(1), b.GrantedTotal())
}

func TestBudget_ConstructorValidation(t *testing.T) {
	assert.Panics(t, func() { New(0, 1, 1) })
	assert.Panics(t, func() { New(1, 0, 1) })
	assert.Panics(t, func() { New(1, 1, 0) })
}
