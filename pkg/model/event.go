package model

import "github.com/mahaj/messaging-core/pkg/snowflake"

type EventType string

const (
	EventMessageCreated EventType = "message_created"
	EventStatusChanged  EventType = "message_status_changed"
)

// Event is the server-initiated push payload.
type Event struct {
	Type           EventType    `json:"type"`
	ConversationID string       `json:"conversation_id"`
	Message        *Message     `json:"message,omitempty"`
	MessageID      snowflake.ID `json:"message_id,omitempty"`
	Status         Status       `json:"status,omitempty"`
	ReadBy         []string     `json:"read_by,omitempty"`
}

func MessageCreated(m Message) Event {
	return Event{Type: EventMessageCreated, ConversationID: m.ConversationID, Message: &m}
}

func StatusChanged(m Message) Event {
	return Event{
		Type:           EventStatusChanged,
		ConversationID: m.ConversationID,
		MessageID:      m.ID,
		Status:         m.Status,
		ReadBy:         m.ReadBy,
	}
}
