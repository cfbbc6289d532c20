// Package cycle implements the per-room turn and dispatch budgets that keep
// agent-to-agent reply loops bounded. A cycle is a TTL window of counters;
// genuine external input re-grants the budget, debounced so a burst of rapid
// messages cannot re-grant it repeatedly.
package cycle

import (
	"path/filepath"

	"github.com/roomloop/roomloop/pkg/domain"
	"github.com/roomloop/roomloop/pkg/logger"
	"github.com/roomloop/roomloop/pkg/store"
)

// debounceMs is the minimum gap between two external-input resets. A fixed
// constant, matching the coordinator's observed-safe value.
const debounceMs = int64(5000)

// Cycle is the persisted per-room budget window.
type Cycle struct {
	TurnsUsed      int   `json:"turnsUsed"`
	DispatchCount  int   `json:"dispatchCount"`
	MaxTurns       int   `json:"maxTurns"`
	MaxDispatch    int   `json:"maxDispatch"`
	TTLMs          int64 `json:"ttlMs"`
	CreatedAt      int64 `json:"createdAt"`
	LastInboundAt  int64 `json:"lastInboundAt"`
	LastActivityAt int64 `json:"lastActivityAt"`
}

// Limits carries the current configured budget. Limits may change mid-cycle;
// counters are never reset by a limit change.
type Limits struct {
	MaxTurns    int
	MaxDispatch int
	TTLMs       int64
}

// ConsumeResult is the structured outcome of a budget consumption attempt.
type ConsumeResult struct {
	OK    bool
	Used  int // counter value after the attempt (unchanged on failure)
	Limit int
}

// Limiter owns cycle state for all rooms under one state directory.
type Limiter struct {
	root  string
	locks *store.LockManager
}

// New creates a cycle limiter rooted at the given state directory.
func New(root string, locks *store.LockManager) *Limiter {
	return &Limiter{root: root, locks: locks}
}

func (l *Limiter) cyclePath(room domain.RoomID) string {
	return filepath.Join(l.root, "rooms", string(room), "cycle.json")
}

func (l *Limiter) lockName(room domain.RoomID) string {
	return string(room) + "/cycle"
}

// loadFresh reads the room's cycle and replaces it with a zeroed window when
// none exists or the TTL has elapsed since creation. Existing cycles pick up
// the current limits.
func (l *Limiter) loadFresh(room domain.RoomID, limits Limits, now int64) *Cycle {
	var cy Cycle
	have := store.ReadJSON(l.cyclePath(room), &cy)
	if !have || cy.CreatedAt == 0 || now-cy.CreatedAt >= limits.TTLMs {
		return &Cycle{
			MaxTurns:    limits.MaxTurns,
			MaxDispatch: limits.MaxDispatch,
			TTLMs:       limits.TTLMs,
			CreatedAt:   now,
		}
	}
	cy.MaxTurns = limits.MaxTurns
	cy.MaxDispatch = limits.MaxDispatch
	cy.TTLMs = limits.TTLMs
	return &cy
}

// GetOrCreate returns the room's current cycle, allocating or TTL-rotating
// as needed, and persists the result.
func (l *Limiter) GetOrCreate(room domain.RoomID, limits Limits, now int64) Cycle {
	var out Cycle
	l.locks.WithLock(l.lockName(room), func() error {
		cy := l.loadFresh(room, limits, now)
		out = *cy
		return store.WriteJSONAtomic(l.cyclePath(room), cy)
	})
	return out
}

// RegisterInboundExternal records genuine external input. It zeroes the
// turn and dispatch counters so the room earns a fresh budget — unless the
// previous external registration was under the debounce interval ago, in
// which case only the activity timestamps advance.
func (l *Limiter) RegisterInboundExternal(room domain.RoomID, limits Limits, now int64) Cycle {
	var out Cycle
	l.locks.WithLock(l.lockName(room), func() error {
		cy := l.loadFresh(room, limits, now)
		if cy.LastInboundAt == 0 || now-cy.LastInboundAt >= debounceMs {
			cy.TurnsUsed = 0
			cy.DispatchCount = 0
			logger.DebugCF("cycle", "Budget reset on external input", map[string]interface{}{
				"room": room.String(),
			})
		}
		// The registration itself is always recorded; the gap is measured
		// from the previous registration, not the previous reset.
		cy.LastInboundAt = now
		cy.LastActivityAt = now
		out = *cy
		return store.WriteJSONAtomic(l.cyclePath(room), cy)
	})
	return out
}

// TryConsumeTurn checks and increments the turn counter. Exhaustion is a
// structured result carrying the counter and limit, never an error.
func (l *Limiter) TryConsumeTurn(room domain.RoomID, limits Limits, now int64) ConsumeResult {
	var result ConsumeResult
	applied := l.locks.WithLock(l.lockName(room), func() error {
		cy := l.loadFresh(room, limits, now)
		if cy.TurnsUsed >= cy.MaxTurns {
			result = ConsumeResult{OK: false, Used: cy.TurnsUsed, Limit: cy.MaxTurns}
			return store.WriteJSONAtomic(l.cyclePath(room), cy)
		}
		cy.TurnsUsed++
		cy.LastActivityAt = now
		result = ConsumeResult{OK: true, Used: cy.TurnsUsed, Limit: cy.MaxTurns}
		return store.WriteJSONAtomic(l.cyclePath(room), cy)
	})
	if !applied {
		// Degraded mode: treat as denied without corrupting counters.
		return ConsumeResult{OK: false, Used: result.Used, Limit: limits.MaxTurns}
	}
	return result
}

// TryConsumeDispatch checks and increments the dispatch counter.
func (l *Limiter) TryConsumeDispatch(room domain.RoomID, limits Limits, now int64) ConsumeResult {
	var result ConsumeResult
	applied := l.locks.WithLock(l.lockName(room), func() error {
		cy := l.loadFresh(room, limits, now)
		if cy.DispatchCount >= cy.MaxDispatch {
			result = ConsumeResult{OK: false, Used: cy.DispatchCount, Limit: cy.MaxDispatch}
			return store.WriteJSONAtomic(l.cyclePath(room), cy)
		}
		cy.DispatchCount++
		cy.LastActivityAt = now
		result = ConsumeResult{OK: true, Used: cy.DispatchCount, Limit: cy.MaxDispatch}
		return store.WriteJSONAtomic(l.cyclePath(room), cy)
	})
	if !applied {
		return ConsumeResult{OK: false, Used: result.Used, Limit: limits.MaxDispatch}
	}
	return result
}

// Reset is the administrative hard reset: the room starts a brand-new cycle
// on next access.
func (l *Limiter) Reset(room domain.RoomID) {
	l.locks.WithLock(l.lockName(room), func() error {
		var zero Cycle
		return store.WriteJSONAtomic(l.cyclePath(room), &zero)
	})
	logger.InfoCF("cycle", "Cycle reset", map[string]interface{}{"room": room.String()})
}
