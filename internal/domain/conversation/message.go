package conversation

import (
	"time"

	"github.com/google/uuid"
)

// DeliveryState tracks a message's position in the optimistic-send cycle.
type DeliveryState string

const (
	// DeliveryOptimistic marks a locally created message still awaiting
	// server confirmation. It has a LocalID but no server ID yet.
	DeliveryOptimistic DeliveryState = "optimistic"
	// DeliveryConfirmed marks a server-persisted message. Confirmed messages
	// are immutable except for IsRead flips.
	DeliveryConfirmed DeliveryState = "confirmed"
	// DeliveryFailed marks a send whose REST call failed. Failed messages are
	// removed from the list; the state exists so a message is never silently
	// stuck as optimistic.
	DeliveryFailed DeliveryState = "failed"
)

// Sender identifies the author of a message.
type Sender struct {
	ID          string `json:"id"`
	DisplayName string `json:"display_name"`
	Avatar      string `json:"avatar,omitempty"`
}

// Message is a single chat entry. A message carries either a server-assigned
// ID (confirmed) or a client-generated LocalID (optimistic), never a
// prefix-marked hybrid: reconciliation matches on LocalID and fills in the
// server ID in place.
type Message struct {
	ID             string        `json:"id"`
	LocalID        string        `json:"-"`
	ConversationID string        `json:"conversation_id"`
	Sender         Sender        `json:"sender"`
	Content        string        `json:"content"`
	Images         []string      `json:"images,omitempty"`
	IsRead         bool          `json:"is_read"`
	CreatedAt      time.Time     `json:"created_at"`
	DeliveryState  DeliveryState `json:"-"`
}

// NewOptimistic builds the local placeholder inserted before the send
// round-trip completes.
func NewOptimistic(conversationID string, sender Sender, content string, images []string, now time.Time) Message {
	return Message{
		LocalID:        uuid.New().String(),
		ConversationID: conversationID,
		Sender:         sender,
		Content:        content,
		Images:         append([]string(nil), images...),
		CreatedAt:      now.UTC(),
		DeliveryState:  DeliveryOptimistic,
	}
}

// Confirmed reports whether the message has a server identity.
func (m Message) Confirmed() bool {
	return m.DeliveryState == DeliveryConfirmed && m.ID != ""
}

// Before orders messages chronologically by server-assigned CreatedAt,
// tie-broken by server id so colliding timestamps still sort stably.
func (m Message) Before(other Message) bool {
	if !m.CreatedAt.Equal(other.CreatedAt) {
		return m.CreatedAt.Before(other.CreatedAt)
	}
	return m.ID < other.ID
}
