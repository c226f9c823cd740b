package chat

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
)

// Repo is the only code that touches the chat tables. Every call goes through
// db.WithContext so the tenancy plugin scopes it to the caller's tenant.
type Repo struct {
	db *gorm.DB
}

func NewRepo(db *gorm.DB) *Repo {
	return &Repo{db: db}
}

// Transaction runs fn with a Repo bound to one database transaction.
func (r *Repo) Transaction(ctx context.Context, fn func(tx *Repo) error) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		return fn(&Repo{db: tx})
	})
}

func (r *Repo) CreateConversation(ctx context.Context, c *Conversation) error {
	return r.db.WithContext(ctx).Create(c).Error
}

// GetConversation returns the conversation if it exists in the caller's tenant.
func (r *Repo) GetConversation(ctx context.Context, id uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).First(&c, id).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// GetOwnedConversation also requires userID to own the conversation.
func (r *Repo) GetOwnedConversation(ctx context.Context, id, userID uint64) (*Conversation, error) {
	var c Conversation
	if err := r.db.WithContext(ctx).
		Where("id = ? AND user_id = ?", id, userID).
		First(&c).Error; err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConversations returns userID's conversations, most recently active first.
func (r *Repo) ListConversations(ctx context.Context, userID uint64) ([]Conversation, error) {
	var convs []Conversation
	if err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Order("last_message_at DESC").
		Order("id DESC").
		Find(&convs).Error; err != nil {
		return nil, err
	}
	return convs, nil
}

type messageCount struct {
	ConversationID uint64
	Count          int64
}

// CountMessages returns message counts keyed by conversation id. Conversations
// without messages are absent from the map.
func (r *Repo) CountMessages(ctx context.Context, conversationIDs []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64, len(conversationIDs))
	if len(conversationIDs) == 0 {
		return out, nil
	}
	var rows []messageCount
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Select("conversation_id, COUNT(*) AS count").
		Where("conversation_id IN ?", conversationIDs).
		Group("conversation_id").
		Find(&rows).Error; err != nil {
		return nil, err
	}
	for _, row := range rows {
		out[row.ConversationID] = row.Count
	}
	return out, nil
}

// ListMessages returns a conversation's messages in ASC timestamp order.
func (r *Repo) ListMessages(ctx context.Context, conversationID uint64) ([]Message, error) {
	var msgs []Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ?", conversationID).
		Order("sent_at ASC").
		Order("id ASC").
		Find(&msgs).Error; err != nil {
		return nil, err
	}
	return msgs, nil
}

// InsertMessage stores m and moves the conversation's last_message_at forward
// to m.Timestamp. It never moves it backwards.
func (r *Repo) InsertMessage(ctx context.Context, m *Message) error {
	if err := r.db.WithContext(ctx).Create(m).Error; err != nil {
		return err
	}
	return r.db.WithContext(ctx).
		Model(&Conversation{}).
		Where("id = ? AND last_message_at < ?", m.ConversationID, m.Timestamp).
		Update("last_message_at", m.Timestamp).Error
}

// FindReply returns the bot reply already stored for the user message requestID.
func (r *Repo) FindReply(ctx context.Context, conversationID, requestID uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND request_id = ?", conversationID, requestID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindReplyByEvent returns the reply stored for a broker event id.
func (r *Repo) FindReplyByEvent(ctx context.Context, eventID string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("event_id = ?", eventID).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// FindReplyAt returns a reply with the same text and timestamp, which is how a
// redelivered event without an id is recognized.
func (r *Repo) FindReplyAt(ctx context.Context, conversationID uint64, ts time.Time, content string) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND sent_at = ? AND content = ?", conversationID, MessageResponse, ts, content).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// GetUserMessage returns the user message id inside conversationID.
func (r *Repo) GetUserMessage(ctx context.Context, conversationID, id uint64) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("id = ? AND conversation_id = ? AND type = ?", id, conversationID, MessageRequest).
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// LatestUserMessage returns the newest user message in conversationID written
// at or before ts.
func (r *Repo) LatestUserMessage(ctx context.Context, conversationID uint64, ts time.Time) (*Message, error) {
	var m Message
	if err := r.db.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND sent_at <= ?", conversationID, MessageRequest, ts).
		Order("sent_at DESC").
		Order("id DESC").
		First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// OldestUnansweredUserMessage returns the earliest user message in
// conversationID written at or before ts that no reply points at yet.
func (r *Repo) OldestUnansweredUserMessage(ctx context.Context, conversationID uint64, ts time.Time) (*Message, error) {
	var answered []uint64
	if err := r.db.WithContext(ctx).
		Model(&Message{}).
		Where("conversation_id = ? AND request_id IS NOT NULL", conversationID).
		Pluck("request_id", &answered).Error; err != nil {
		return nil, err
	}

	q := r.db.WithContext(ctx).
		Where("conversation_id = ? AND type = ? AND sent_at <= ?", conversationID, MessageRequest, ts)
	if len(answered) > 0 {
		q = q.Where("id NOT IN ?", answered)
	}
	var m Message
	if err := q.Order("sent_at ASC").Order("id ASC").First(&m).Error; err != nil {
		return nil, err
	}
	return &m, nil
}

// ActivePromptConfigs returns the tenant's active system instructions by key.
func (r *Repo) ActivePromptConfigs(ctx context.Context) ([]PromptConfig, error) {
	var cfgs []PromptConfig
	if err := r.db.WithContext(ctx).
		Where("active = ?", true).
		Order("config_key ASC").
		Find(&cfgs).Error; err != nil {
		return nil, err
	}
	return cfgs, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, gorm.ErrRecordNotFound)
}
