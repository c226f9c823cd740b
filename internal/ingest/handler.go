// Package ingest consumes bot replies from the broker, stores them and pushes
// them to the conversation's live viewers.
package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
)

// ReplyStore persists bot replies.
type ReplyStore interface {
	SaveBotReply(ctx context.Context, reply chat.BotReply) (*chat.MessageView, bool, error)
}

type Handler struct {
	store       ReplyStore
	broadcaster realtime.Broadcaster
	logger      *slog.Logger
}

func NewHandler(store ReplyStore, broadcaster realtime.Broadcaster, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		store:       store,
		broadcaster: broadcaster,
		logger:      logger.With("component", "ingest"),
	}
}

// HandleDelivery adapts Handle to the broker consumer.
func (h *Handler) HandleDelivery(ctx context.Context, d amqp.Delivery) error {
	var reply chat.BotReply
	if err := json.Unmarshal(d.Body, &reply); err != nil {
		return rabbitmq.Permanent(fmt.Errorf("decode bot reply: %w", err))
	}
	if reply.TraceID == "" {
		reply.TraceID = d.CorrelationId
	}
	if reply.EventID == "" {
		reply.EventID = d.MessageId
	}
	return h.Handle(ctx, reply)
}

// Handle stores the reply and broadcasts it. It is safe to call again for the
// same reply: the second store is a no-op and the event is pushed again.
// Errors that redelivery cannot fix are marked permanent.
func (h *Handler) Handle(ctx context.Context, reply chat.BotReply) error {
	start := time.Now()
	ctx = common.WithTraceID(ctx, reply.TraceID)
	log := h.logger.With(
		"trace_id", reply.TraceID,
		"event_id", reply.EventID,
		"tenant_id", reply.TenantID,
		"conversation_id", reply.ConversationID,
	)

	msg, duplicate, err := h.store.SaveBotReply(ctx, reply)
	if err != nil {
		if errors.Is(err, chat.ErrInvalidEvent) || errors.Is(err, chat.ErrNotFound) {
			return rabbitmq.Permanent(err)
		}
		return fmt.Errorf("persist bot reply: %w", err)
	}
	log = log.With("message_id", msg.ID, "duplicate", duplicate)

	ev := realtime.Event{
		Type:           realtime.EventBotResponse,
		ConversationID: reply.ConversationID,
		Message:        msg,
	}
	n, err := h.broadcaster.Broadcast(ctx, reply.TenantID, realtime.ConversationGroup(reply.ConversationID), ev)
	if err != nil {
		return fmt.Errorf("broadcast bot reply: %w", err)
	}

	log.Info("bot reply ingested", "receivers", n, "cost", time.Since(start))
	return nil
}
