package chat

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventGenerationRequest = "chat.generation_requested"
	EventBotReply          = "chat.bot_reply_created"
)

type SystemInstruction struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// GenerationRequest is published for every stored user message.
type GenerationRequest struct {
	EventID           string              `json:"event_id"`
	TraceID           string              `json:"trace_id"`
	ConversationID    uint64              `json:"conversation_id"`
	MessageID         uint64              `json:"message_id"`
	Message           string              `json:"message"`
	UserID            uint64              `json:"user_id"`
	TenantID          uint64              `json:"tenant_id"`
	Timestamp         time.Time           `json:"timestamp"`
	SystemInstruction []SystemInstruction `json:"system_instruction,omitempty"`
}

// BotReply is consumed from the reply queue. RequestID is optional: workers
// that do not echo it get the reply linked by timestamp.
type BotReply struct {
	EventID         string    `json:"event_id,omitempty"`
	TraceID         string    `json:"trace_id,omitempty"`
	ConversationID  uint64    `json:"conversation_id"`
	RequestID       *uint64   `json:"request_id,omitempty"`
	Message         string    `json:"message"`
	UserID          uint64    `json:"user_id"`
	TenantID        uint64    `json:"tenant_id"`
	Timestamp       Timestamp `json:"timestamp"`
	ModelUsed       string    `json:"model_used,omitempty"`
	ReferenceDocIDs []uint64  `json:"reference_doc_ids,omitempty"`
}

// Timestamp decodes RFC 3339 times as well as ISO 8601 times without a zone,
// which are taken as UTC.
type Timestamp struct {
	time.Time
}

var naiveLayouts = []string{
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

func (t *Timestamp) UnmarshalJSON(b []byte) error {
	if bytes.Equal(b, []byte("null")) {
		t.Time = time.Time{}
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return fmt.Errorf("timestamp: %w", err)
	}
	if s == "" {
		t.Time = time.Time{}
		return nil
	}
	if v, err := time.Parse(time.RFC3339Nano, s); err == nil {
		t.Time = v.UTC()
		return nil
	}
	for _, layout := range naiveLayouts {
		if v, err := time.ParseInLocation(layout, s, time.UTC); err == nil {
			t.Time = v
			return nil
		}
	}
	return fmt.Errorf("timestamp: unsupported format %q", s)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.Time.UTC().Format(time.RFC3339Nano))
}
