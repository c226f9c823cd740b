package chat

import "time"

type MessageView struct {
	ID              uint64    `json:"id"`
	ConversationID  uint64    `json:"conversation_id"`
	UserID          uint64    `json:"user_id"`
	Content         string    `json:"content"`
	Type            string    `json:"type"`
	IsBot           bool      `json:"is_bot"`
	RequestID       *uint64   `json:"request_id,omitempty"`
	ModelUsed       string    `json:"model_used,omitempty"`
	ReferenceDocIDs []uint64  `json:"reference_doc_ids,omitempty"`
	Timestamp       time.Time `json:"timestamp"`
}

type ConversationView struct {
	ID            uint64        `json:"id"`
	UserID        uint64        `json:"user_id"`
	Title         string        `json:"title"`
	CreatedAt     time.Time     `json:"created_at"`
	LastMessageAt time.Time     `json:"last_message_at"`
	MessageCount  int64         `json:"message_count"`
	Messages      []MessageView `json:"messages"`
}

func newMessageView(m *Message) MessageView {
	return MessageView{
		ID:              m.ID,
		ConversationID:  m.ConversationID,
		UserID:          m.UserID,
		Content:         m.Content,
		Type:            string(m.Type),
		IsBot:           m.IsBot(),
		RequestID:       m.RequestID,
		ModelUsed:       m.ModelUsed,
		ReferenceDocIDs: []uint64(m.ReferenceDocIDs),
		Timestamp:       m.Timestamp,
	}
}

func newConversationView(c *Conversation, count int64, msgs []Message) ConversationView {
	views := make([]MessageView, 0, len(msgs))
	for i := range msgs {
		views = append(views, newMessageView(&msgs[i]))
	}
	return ConversationView{
		ID:            c.ID,
		UserID:        c.UserID,
		Title:         c.Title,
		CreatedAt:     c.CreatedAt,
		LastMessageAt: c.LastMessageAt,
		MessageCount:  count,
		Messages:      views,
	}
}
