package realtime

import (
	"context"
	"strconv"
)

const (
	EventReceiveMessage = "receive_message"
	EventBotResponse    = "bot_response"
	EventSent           = "sent"
	EventJoined         = "joined"
	EventLeft           = "left"
	EventError          = "error"
)

// Event is the frame pushed to clients.
type Event struct {
	Type           string `json:"type"`
	ConversationID uint64 `json:"conversation_id,omitempty"`
	Message        any    `json:"message,omitempty"`
	Error          string `json:"error,omitempty"`
}

// Broadcaster delivers an event to every live member of a tenant's group.
// It returns how many receivers accepted it.
type Broadcaster interface {
	Broadcast(ctx context.Context, tenantID uint64, group string, ev Event) (int, error)
}

// ConversationGroup names the group of viewers of one conversation.
func ConversationGroup(conversationID uint64) string {
	return "conversation-" + strconv.FormatUint(conversationID, 10)
}
