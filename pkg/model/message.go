package model

import (
	"fmt"
	"slices"
	"time"

	"github.com/mahaj/messaging-core/pkg/snowflake"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

// Rank orders statuses; unknown statuses rank below sent.
func (s Status) Rank() int {
	switch s {
	case StatusSent:
		return 0
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	default:
		return -1
	}
}

func (s Status) Valid() bool { return s.Rank() >= 0 }

func StatusFromRank(rank int) (Status, error) {
	switch rank {
	case 0:
		return StatusSent, nil
	case 1:
		return StatusDelivered, nil
	case 2:
		return StatusRead, nil
	}
	return "", fmt.Errorf("unknown status rank %d", rank)
}

type Message struct {
	ID             snowflake.ID `json:"id"`
	ConversationID string       `json:"conversation_id"`
	SenderID       string       `json:"sender_id"`
	RecipientID    string       `json:"recipient_id"`
	Content        string       `json:"content"`
	CreatedAt      time.Time    `json:"created_at"`
	IsGroup        bool         `json:"is_group"`
	Status         Status       `json:"status"`
	ReadBy         []string     `json:"read_by,omitempty"`
}

// Advance moves the message forward to status `to`, recording readerID when it is set.
// It reports whether anything changed; a backwards or equal target changes nothing.
func (m *Message) Advance(to Status, readerID string) bool {
	changed := false
	if to.Rank() > m.Status.Rank() {
		m.Status = to
		changed = true
	}
	if readerID != "" && to == StatusRead && !slices.Contains(m.ReadBy, readerID) {
		m.ReadBy = append(m.ReadBy, readerID)
		slices.Sort(m.ReadBy)
		changed = true
	}
	return changed
}

// Before reports whether m sorts before o in conversation order (createdAt, id).
func (m Message) Before(o Message) bool {
	if !m.CreatedAt.Equal(o.CreatedAt) {
		return m.CreatedAt.Before(o.CreatedAt)
	}
	return m.ID < o.ID
}
