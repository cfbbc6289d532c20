package bus

import "github.com/roomloop/roomloop/pkg/domain"

// InboundMessage is a message arriving from the transport for a room.
type InboundMessage struct {
	Room       domain.RoomID     `json:"room"`
	SenderID   string            `json:"sender_id"`
	Sender     string            `json:"sender"` // display label
	Content    string            `json:"content"`
	Mentions   []string          `json:"mentions,omitempty"`
	SessionKey string            `json:"session_key"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// OutboundMessage is a payload the coordinator wants delivered.
type OutboundMessage struct {
	Room        domain.RoomID  `json:"room"`
	SessionKey  string         `json:"session_key"`
	Content     string         `json:"content"`
	SourceAgent domain.AgentID `json:"source_agent,omitempty"`
}

// MessageHandler consumes inbound messages for one room.
type MessageHandler func(InboundMessage) error
