package chat

import (
	"time"

	"github.com/suPer8Hu/tenant-chat/internal/store/tenancy"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type MessageType string

const (
	MessageRequest  MessageType = "request"
	MessageResponse MessageType = "response"
)

type Conversation struct {
	tenancy.Entity
	TenantID      uint64    `gorm:"not null;index:idx_chat_conv_tenant_user,priority:1" json:"-"`
	UserID        uint64    `gorm:"not null;index:idx_chat_conv_tenant_user,priority:2" json:"user_id"`
	Title         string    `gorm:"type:varchar(500);not null" json:"title"`
	LastMessageAt time.Time `gorm:"precision:6;index" json:"last_message_at"`
}

func (Conversation) TableName() string { return "chat_conversations" }

type Message struct {
	tenancy.Entity
	TenantID        uint64                      `gorm:"not null;index:uniq_chat_msg_event,unique,priority:1" json:"-"`
	ConversationID  uint64                      `gorm:"not null;index:idx_chat_msg_conv_ts,priority:1" json:"conversation_id"`
	RequestID       *uint64                     `gorm:"index" json:"request_id,omitempty"`
	EventID         *string                     `gorm:"type:varchar(64);index:uniq_chat_msg_event,unique,priority:2" json:"-"`
	UserID          uint64                      `gorm:"not null;index" json:"user_id"`
	Type            MessageType                 `gorm:"type:varchar(16);not null" json:"type"`
	Content         string                      `gorm:"type:text;not null" json:"content"`
	ModelUsed       string                      `gorm:"type:varchar(128)" json:"model_used,omitempty"`
	ReferenceDocIDs datatypes.JSONSlice[uint64] `gorm:"not null" json:"reference_doc_ids,omitempty"`
	Timestamp       time.Time                   `gorm:"column:sent_at;precision:6;not null;index:idx_chat_msg_conv_ts,priority:2" json:"timestamp"`
}

func (Message) TableName() string { return "chat_messages" }

func (m *Message) BeforeCreate(tx *gorm.DB) error {
	if m.ReferenceDocIDs == nil {
		m.ReferenceDocIDs = datatypes.JSONSlice[uint64]{}
	}
	return nil
}

// IsBot reports whether the bot wrote the message.
func (m *Message) IsBot() bool { return m.Type == MessageResponse }

// PromptConfig is a tenant's system instruction entry. Rows are managed by the
// admin service; this package only reads the active ones.
type PromptConfig struct {
	tenancy.Entity
	TenantID uint64 `gorm:"not null;index:uniq_prompt_cfg_key,unique,priority:1"`
	Key      string `gorm:"column:config_key;type:varchar(128);not null;index:uniq_prompt_cfg_key,unique,priority:2"`
	Value    string `gorm:"type:text;not null"`
	Active   bool   `gorm:"not null;default:true"`
}

func (PromptConfig) TableName() string { return "chat_prompt_configs" }

// AutoMigrate creates or updates the chat tables.
func AutoMigrate(db *gorm.DB) error {
	return db.AutoMigrate(&Conversation{}, &Message{}, &PromptConfig{})
}
