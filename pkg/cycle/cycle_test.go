package cycle

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/roomloop/roomloop/pkg/store"
)

func newTestLimiter(t *testing.T) *Limiter {
	t.Helper()
	dir := t.TempDir()
	return New(dir, store.NewLockManager(filepath.Join(dir, "locks")))
}

func testLimits() Limits {
	return Limits{MaxTurns: 2, MaxDispatch: 2, TTLMs: 600_000}
}

// TestTurnBudget verifies the spec scenario: two turns succeed, the third
// fails with the counter pinned at the limit.
func TestTurnBudget(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	first := l.TryConsumeTurn("R1", limits, now)
	require.True(t, first.OK)
	require.Equal(t, 1, first.Used)

	second := l.TryConsumeTurn("R1", limits, now+10)
	require.True(t, second.OK)
	require.Equal(t, 2, second.Used)

	third := l.TryConsumeTurn("R1", limits, now+20)
	require.False(t, third.OK)
	require.Equal(t, 2, third.Used)
	require.Equal(t, 2, third.Limit)
}

// TestExternalInputResets verifies registration after the debounce gap
// re-grants the budget.
func TestExternalInputResets(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.TryConsumeTurn("R1", limits, now)
	l.TryConsumeTurn("R1", limits, now)
	require.False(t, l.TryConsumeTurn("R1", limits, now).OK)

	cy := l.RegisterInboundExternal("R1", limits, now+debounceMs+1)
	require.Zero(t, cy.TurnsUsed)
	require.Zero(t, cy.DispatchCount)
	require.True(t, l.TryConsumeTurn("R1", limits, now+debounceMs+2).OK)
}

// TestDebounceSuppressesSecondReset verifies a rapid second registration
// does not re-grant the budget again.
func TestDebounceSuppressesSecondReset(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.RegisterInboundExternal("R1", limits, now)
	l.TryConsumeTurn("R1", limits, now+10)
	l.TryConsumeTurn("R1", limits, now+20)

	cy := l.RegisterInboundExternal("R1", limits, now+1000)
	require.Equal(t, 2, cy.TurnsUsed, "reset inside the debounce window must not apply")
	require.False(t, l.TryConsumeTurn("R1", limits, now+1010).OK)
}

// TestDebounceGapFromLastRegistration verifies the gap is measured from the
// previous registration, not the previous reset.
func TestDebounceGapFromLastRegistration(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.RegisterInboundExternal("R1", limits, now)
	l.TryConsumeTurn("R1", limits, now+10)

	// Second registration inside the window: no reset, but it moves the
	// reference point.
	l.RegisterInboundExternal("R1", limits, now+3000)

	cy := l.RegisterInboundExternal("R1", limits, now+6000)
	require.Equal(t, 1, cy.TurnsUsed, "gap from previous registration is under the debounce")
}

// TestTTLRotation verifies an expired cycle is replaced by a zeroed window.
func TestTTLRotation(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.TryConsumeTurn("R1", limits, now)
	cy := l.GetOrCreate("R1", limits, now+limits.TTLMs+1)
	require.Zero(t, cy.TurnsUsed)
	require.Equal(t, now+limits.TTLMs+1, cy.CreatedAt)
}

// TestLimitRefreshKeepsCounters verifies changing limits mid-cycle never
// resets counters.
func TestLimitRefreshKeepsCounters(t *testing.T) {
	l := newTestLimiter(t)
	now := int64(1_000_000)

	l.TryConsumeTurn("R1", testLimits(), now)
	raised := Limits{MaxTurns: 5, MaxDispatch: 5, TTLMs: 600_000}
	cy := l.GetOrCreate("R1", raised, now+10)
	require.Equal(t, 1, cy.TurnsUsed)
	require.Equal(t, 5, cy.MaxTurns)
}

// TestDispatchBudget verifies the dispatch counter is independent of turns.
func TestDispatchBudget(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.TryConsumeTurn("R1", limits, now)
	require.True(t, l.TryConsumeDispatch("R1", limits, now).OK)
	require.True(t, l.TryConsumeDispatch("R1", limits, now).OK)

	denied := l.TryConsumeDispatch("R1", limits, now)
	require.False(t, denied.OK)
	require.Equal(t, 2, denied.Used)
}

// TestReset verifies the administrative hard reset starts a fresh window.
func TestReset(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.TryConsumeTurn("R1", limits, now)
	l.Reset("R1")

	cy := l.GetOrCreate("R1", limits, now+10)
	require.Zero(t, cy.TurnsUsed)
}

// TestRoomsAreIsolated verifies budgets never bleed across rooms.
func TestRoomsAreIsolated(t *testing.T) {
	l := newTestLimiter(t)
	limits := testLimits()
	now := int64(1_000_000)

	l.TryConsumeTurn("R1", limits, now)
	l.TryConsumeTurn("R1", limits, now)
	require.False(t, l.TryConsumeTurn("R1", limits, now).OK)
	require.True(t, l.TryConsumeTurn("R2", limits, now).OK)
}
