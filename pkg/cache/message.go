// Package cache implements the per-room message cache: an append-only
// transcript with per-agent read watermarks, context extraction, echo
// detection, and compaction.
package cache

import (
	"strings"

	"github.com/roomloop/roomloop/pkg/domain"
)

// MessageType distinguishes ordinary chat from task-board traffic.
type MessageType string

const (
	TypeMessage    MessageType = "message"
	TypeTaskUpdate MessageType = "task_update"
)

func (mt MessageType) String() string { return string(mt) }

// Message is one transcript entry. Immutable once appended; ordering is
// append order within a room.
type Message struct {
	ID          string         `json:"id"`
	Timestamp   int64          `json:"timestamp"` // epoch ms
	Sender      string         `json:"sender"`    // display label
	SenderID    string         `json:"senderId"`  // network identifier
	SourceAgent domain.AgentID `json:"sourceAgent,omitempty"`
	Content     string         `json:"content"`
	Mentions    []string       `json:"mentions,omitempty"`
	Type        MessageType    `json:"type"`
}

// Draft is the caller-supplied shape for a message about to be appended.
// ID may be empty (one is generated) and Timestamp may be zero (now).
type Draft struct {
	ID          string
	Timestamp   int64
	Sender      string
	SenderID    string
	SourceAgent domain.AgentID
	Content     string
	Mentions    []string
	Type        MessageType
}

// Watermark records how far one agent has read in one room. Mutated only by
// the owning agent's read-marking operations.
type Watermark struct {
	LastReadID string `json:"lastReadId"`
	LastReadTs int64  `json:"lastReadTs"`
}

// ---------------------------------------------------------------------------
// Injection filtering
// ---------------------------------------------------------------------------

// injectionMarkers are the scaffolding strings the relay itself emits. A
// draft containing any of them is the coordinator's own enriched payload
// bouncing back through the transport, and must never enter the transcript.
var injectionMarkers = []string{
	"[group-relay]",
	"--- recent room context ---",
	"--- task board ---",
}

// isInjection reports whether content carries relay scaffolding.
func isInjection(content string) bool {
	for _, marker := range injectionMarkers {
		if strings.Contains(content, marker) {
			return true
		}
	}
	return false
}
