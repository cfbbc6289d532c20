package domain

// ---------------------------------------------------------------------------
// System events — emitted onto the bus for the operator event feed
// ---------------------------------------------------------------------------

// EventType classifies coordination events for routing and filtering.
type EventType string

const (
	// Cache context events
	EventMessageAppended EventType = "cache.message.appended"
	EventMessageRejected EventType = "cache.message.rejected"
	EventCacheCompacted  EventType = "cache.compacted"

	// Board context events
	EventTaskCreated  EventType = "board.task.created"
	EventTaskUpdated  EventType = "board.task.updated"
	EventTaskArchived EventType = "board.task.archived"

	// Cycle context events
	EventCycleReset     EventType = "cycle.reset"
	EventTurnExhausted  EventType = "cycle.turn.exhausted"
	EventDispatchDenied EventType = "cycle.dispatch.denied"

	// Relay context events
	EventForwardDelivered EventType = "relay.forward.delivered"
	EventForwardSkipped   EventType = "relay.forward.skipped"
	EventEchoSuppressed   EventType = "relay.echo.suppressed"
)

func (et EventType) String() string { return string(et) }

// Event is a coordination event with a room scope and a free-form payload.
type Event struct {
	Type   EventType         `json:"type"`
	Room   RoomID            `json:"room"`
	At     int64             `json:"at"` // epoch ms
	Fields map[string]string `json:"fields,omitempty"`
}

// NewEvent creates an event stamped with the current time.
func NewEvent(t EventType, room RoomID, fields map[string]string) Event {
	return Event{Type: t, Room: room, At: NowMillis(), Fields: fields}
}
