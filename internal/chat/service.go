package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
)

// Publisher hands generation requests to the broker.
type Publisher interface {
	Publish(ctx context.Context, env rabbitmq.Envelope) error
}

type Service struct {
	repo        *Repo
	publisher   Publisher
	broadcaster realtime.Broadcaster
	logger      *slog.Logger
	now         func() time.Time
}

// NewService wires the orchestrator. broadcaster may be nil, in which case
// receive_message events are not pushed.
func NewService(repo *Repo, publisher Publisher, broadcaster realtime.Broadcaster, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		repo:        repo,
		publisher:   publisher,
		broadcaster: broadcaster,
		logger:      logger.With("component", "chat.service"),
		now:         func() time.Time { return time.Now().UTC().Truncate(time.Microsecond) },
	}
}

func (s *Service) CreateConversation(ctx context.Context, title string) (*ConversationView, error) {
	id, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, ErrTitleRequired
	}
	if utf8.RuneCountInString(title) > MaxTitleLength {
		return nil, ErrTitleTooLong
	}

	now := s.now()
	conv := &Conversation{
		UserID:        id.UserID,
		Title:         title,
		LastMessageAt: now,
	}
	conv.CreatedAt = now
	conv.UpdatedAt = now
	if err := s.repo.CreateConversation(ctx, conv); err != nil {
		return nil, err
	}

	view := newConversationView(conv, 0, nil)
	return &view, nil
}

// ListConversations returns the caller's conversations without message bodies.
func (s *Service) ListConversations(ctx context.Context) ([]ConversationView, error) {
	id, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	convs, err := s.repo.ListConversations(ctx, id.UserID)
	if err != nil {
		return nil, err
	}

	ids := make([]uint64, 0, len(convs))
	for _, c := range convs {
		ids = append(ids, c.ID)
	}
	counts, err := s.repo.CountMessages(ctx, ids)
	if err != nil {
		return nil, err
	}

	out := make([]ConversationView, 0, len(convs))
	for i := range convs {
		out = append(out, newConversationView(&convs[i], counts[convs[i].ID], nil))
	}
	return out, nil
}

// GetConversation returns the caller's conversation with its messages. A
// conversation of another user or tenant is reported as ErrNotFound.
func (s *Service) GetConversation(ctx context.Context, conversationID uint64) (*ConversationView, error) {
	id, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	conv, err := s.repo.GetOwnedConversation(ctx, conversationID, id.UserID)
	if err != nil {
		if isNotFound(err) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	msgs, err := s.repo.ListMessages(ctx, conv.ID)
	if err != nil {
		return nil, err
	}
	view := newConversationView(conv, int64(len(msgs)), msgs)
	return &view, nil
}

// SendUserMessage stores the message and requests a bot reply. If the request
// cannot be published the stored message is still returned, together with an
// error wrapping ErrReplyPending.
func (s *Service) SendUserMessage(ctx context.Context, conversationID uint64, text string) (*MessageView, error) {
	id, err := tenant.Require(ctx)
	if err != nil {
		return nil, err
	}
	if strings.TrimSpace(text) == "" {
		return nil, ErrMessageRequired
	}

	msg := &Message{
		ConversationID: conversationID,
		UserID:         id.UserID,
		Type:           MessageRequest,
		Content:        text,
		Timestamp:      s.now(),
	}

	// 1) verify ownership + store (strong consistency)
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		if _, err := tx.GetOwnedConversation(ctx, conversationID, id.UserID); err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}
		return tx.InsertMessage(ctx, msg)
	})
	if err != nil {
		return nil, err
	}

	view := newMessageView(msg)
	traceID := common.TraceID(ctx)
	log := s.logger.With("trace_id", traceID, "tenant_id", id.TenantID, "conversation_id", conversationID, "message_id", msg.ID)

	// 2) request the bot reply
	if err := s.publishGenerationRequest(ctx, id, traceID, msg); err != nil {
		log.Warn("generation request not published", "err", err)
		s.notify(ctx, log, id.TenantID, conversationID, view)
		return &view, fmt.Errorf("%w: %w", ErrReplyPending, err)
	}

	// 3) optimistic echo to the conversation's viewers
	s.notify(ctx, log, id.TenantID, conversationID, view)
	return &view, nil
}

func (s *Service) publishGenerationRequest(ctx context.Context, id tenant.Identity, traceID string, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if s.publisher == nil {
		return errors.New("no publisher configured")
	}
	eventID, err := common.NewULID()
	if err != nil {
		return err
	}

	instructions, err := s.systemInstructions(ctx)
	if err != nil {
		return err
	}

	req := GenerationRequest{
		EventID:           eventID,
		TraceID:           traceID,
		ConversationID:    msg.ConversationID,
		MessageID:         msg.ID,
		Message:           msg.Content,
		UserID:            id.UserID,
		TenantID:          id.TenantID,
		Timestamp:         msg.Timestamp,
		SystemInstruction: instructions,
	}
	return s.publisher.Publish(ctx, rabbitmq.Envelope{
		ID:            eventID,
		CorrelationID: traceID,
		Type:          EventGenerationRequest,
		Body:          req,
	})
}

func (s *Service) systemInstructions(ctx context.Context) ([]SystemInstruction, error) {
	cfgs, err := s.repo.ActivePromptConfigs(ctx)
	if err != nil {
		return nil, fmt.Errorf("load prompt configs: %w", err)
	}
	if len(cfgs) == 0 {
		return nil, nil
	}
	out := make([]SystemInstruction, 0, len(cfgs))
	for _, c := range cfgs {
		out = append(out, SystemInstruction{Key: c.Key, Value: c.Value})
	}
	return out, nil
}

func (s *Service) notify(ctx context.Context, log *slog.Logger, tenantID, conversationID uint64, view MessageView) {
	if s.broadcaster == nil {
		return
	}
	ev := realtime.Event{Type: realtime.EventReceiveMessage, ConversationID: conversationID, Message: view}
	if _, err := s.broadcaster.Broadcast(context.WithoutCancel(ctx), tenantID, realtime.ConversationGroup(conversationID), ev); err != nil {
		log.Warn("receive_message broadcast failed", "err", err)
	}
}

// SaveBotReply stores a reply consumed from the broker under the reply's own
// tenant. A redelivered event returns the stored row with duplicate=true;
// distinct events are always stored, even when they answer the same request.
func (s *Service) SaveBotReply(ctx context.Context, reply BotReply) (view *MessageView, duplicate bool, err error) {
	if reply.TenantID == 0 || reply.ConversationID == 0 || strings.TrimSpace(reply.Message) == "" {
		return nil, false, ErrInvalidEvent
	}
	if len(reply.EventID) > maxEventIDLength {
		return nil, false, fmt.Errorf("%w: event id too long", ErrInvalidEvent)
	}
	ctx = tenant.WithTenant(ctx, reply.TenantID)

	ts := reply.Timestamp.UTC().Truncate(time.Microsecond)
	if reply.Timestamp.IsZero() {
		ts = s.now()
	}

	var eventID *string
	if reply.EventID != "" {
		eventID = &reply.EventID
	}

	var stored *Message
	err = s.repo.Transaction(ctx, func(tx *Repo) error {
		if _, err := tx.GetConversation(ctx, reply.ConversationID); err != nil {
			if isNotFound(err) {
				return ErrNotFound
			}
			return err
		}

		existing, err := tx.findStoredReply(ctx, reply, ts)
		if err != nil {
			return err
		}
		if existing != nil {
			stored, duplicate = existing, true
			return nil
		}

		requestID, err := tx.resolveRequestID(ctx, reply, ts)
		if err != nil {
			return err
		}

		m := &Message{
			ConversationID:  reply.ConversationID,
			RequestID:       &requestID,
			EventID:         eventID,
			UserID:          tenant.BotUserID,
			Type:            MessageResponse,
			Content:         reply.Message,
			ModelUsed:       reply.ModelUsed,
			ReferenceDocIDs: reply.ReferenceDocIDs,
			Timestamp:       ts,
		}
		if err := tx.InsertMessage(ctx, m); err != nil {
			return err
		}
		stored = m
		return nil
	})
	if err != nil {
		return nil, false, err
	}

	v := newMessageView(stored)
	return &v, duplicate, nil
}

// findStoredReply returns the row already written for this reply, or nil. The
// event id identifies a reply; events without one fall back to one reply per
// explicit request, or to an identical text and timestamp.
func (r *Repo) findStoredReply(ctx context.Context, reply BotReply, ts time.Time) (*Message, error) {
	var (
		m   *Message
		err error
	)
	switch {
	case reply.EventID != "":
		m, err = r.FindReplyByEvent(ctx, reply.EventID)
	case reply.RequestID != nil:
		m, err = r.FindReply(ctx, reply.ConversationID, *reply.RequestID)
	default:
		m, err = r.FindReplyAt(ctx, reply.ConversationID, ts, reply.Message)
	}
	if isNotFound(err) {
		return nil, nil
	}
	return m, err
}

// resolveRequestID returns the user message the reply answers. An explicit id
// must name a user message of the conversation written no later than the
// reply. Without one the oldest unanswered such message is used, and once all
// are answered the newest.
func (r *Repo) resolveRequestID(ctx context.Context, reply BotReply, ts time.Time) (uint64, error) {
	if reply.RequestID != nil {
		req, err := r.GetUserMessage(ctx, reply.ConversationID, *reply.RequestID)
		if err != nil {
			if isNotFound(err) {
				return 0, fmt.Errorf("%w: request %d not in conversation", ErrInvalidEvent, *reply.RequestID)
			}
			return 0, err
		}
		if ts.Before(req.Timestamp) {
			return 0, fmt.Errorf("%w: reply older than request %d", ErrInvalidEvent, req.ID)
		}
		return req.ID, nil
	}

	req, err := r.OldestUnansweredUserMessage(ctx, reply.ConversationID, ts)
	if isNotFound(err) {
		req, err = r.LatestUserMessage(ctx, reply.ConversationID, ts)
	}
	if err != nil {
		if isNotFound(err) {
			return 0, fmt.Errorf("%w: no user message to answer", ErrInvalidEvent)
		}
		return 0, err
	}
	return req.ID, nil
}
