// Package domain provides the shared value objects for RoomLoop.
// All coordination subsystems (cache, board, cycle, relay) build on these.
package domain

import (
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Identifiers
// ---------------------------------------------------------------------------

// RoomID identifies one group conversation. It is the unit of isolation for
// all cache, task, and cycle state.
type RoomID string

// String implements fmt.Stringer.
func (r RoomID) String() string { return string(r) }

// IsZero returns true if the room id is empty.
func (r RoomID) IsZero() bool { return r == "" }

// AgentID identifies one chat agent within the coordinator's configuration.
type AgentID string

// String implements fmt.Stringer.
func (a AgentID) String() string { return string(a) }

// IsZero returns true if the agent id is empty.
func (a AgentID) IsZero() bool { return a == "" }

// AgentIDs is an ordered set of agent ids.
type AgentIDs []AgentID

// Contains returns true if the set includes the given agent.
func (ids AgentIDs) Contains(id AgentID) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

// Strings returns the ids as a string slice.
func (ids AgentIDs) Strings() []string {
	out := make([]string, len(ids))
	for i, v := range ids {
		out[i] = string(v)
	}
	return out
}

// ---------------------------------------------------------------------------
// Epoch-millisecond timestamps
// ---------------------------------------------------------------------------

// NowMillis returns the current time as epoch milliseconds. All persisted
// timestamps use this representation for portability across processes.
func NowMillis() int64 { return time.Now().UnixMilli() }

// MillisToTime converts an epoch-millisecond timestamp to time.Time (UTC).
func MillisToTime(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

// ---------------------------------------------------------------------------
// Message id generation
// ---------------------------------------------------------------------------

// IDSource produces unique message identifiers. Injected rather than global
// so tests can use a deterministic source.
type IDSource interface {
	NextMessageID(now int64) string
}

// SeqIDSource generates ids of the form <epochMs>-<seq>-<rand>: roughly
// sortable by time, unique within a process via the counter, unique across
// processes via the random suffix.
type SeqIDSource struct {
	counter atomic.Uint64
}

// NewSeqIDSource creates the default id source.
func NewSeqIDSource() *SeqIDSource { return &SeqIDSource{} }

// NextMessageID implements IDSource.
func (s *SeqIDSource) NextMessageID(now int64) string {
	seq := s.counter.Add(1)
	suffix := strings.Split(uuid.NewString(), "-")[0]
	return fmt.Sprintf("%d-%d-%s", now, seq, suffix)
}
