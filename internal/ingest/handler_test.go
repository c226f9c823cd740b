package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	gormsqlite "github.com/glebarez/sqlite"
	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tenant-chat/internal/store/tenancy"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
	"gorm.io/gorm"
)

type viewer struct {
	id  string
	mu  sync.Mutex
	got []realtime.Event
}

func (v *viewer) ID() string { return v.id }

func (v *viewer) Send(payload []byte) error {
	var ev realtime.Event
	if err := json.Unmarshal(payload, &ev); err != nil {
		return err
	}
	v.mu.Lock()
	defer v.mu.Unlock()
	v.got = append(v.got, ev)
	return nil
}

func (v *viewer) events() []realtime.Event {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]realtime.Event(nil), v.got...)
}

type nopPublisher struct{}

func (nopPublisher) Publish(context.Context, rabbitmq.Envelope) error { return nil }

func newChatService(t *testing.T) *chat.Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(gormsqlite.Open(dsn), &gorm.Config{})
	require.NoError(t, err)
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })
	require.NoError(t, db.Use(tenancy.Plugin{}))
	require.NoError(t, chat.AutoMigrate(db))
	return chat.NewService(chat.NewRepo(db), nopPublisher{}, nil, nil)
}

func TestHandleDelivery_PersistsAndBroadcasts(t *testing.T) {
	svc := newChatService(t)
	hub := realtime.NewHub(nil)
	h := NewHandler(svc, hub, nil)

	ctx := tenant.WithIdentity(context.Background(), tenant.Identity{TenantID: 4, UserID: 1})
	conv, err := svc.CreateConversation(ctx, "Hỏi về hợp đồng")
	require.NoError(t, err)
	msg, err := svc.SendUserMessage(ctx, conv.ID, "Điều 5 nói gì?")
	require.NoError(t, err)

	group := realtime.ConversationGroup(conv.ID)
	a, b := &viewer{id: "a"}, &viewer{id: "b"}
	for _, v := range []*viewer{a, b} {
		hub.Attach(v)
		require.NoError(t, hub.Join(4, group, v))
	}
	// same conversation id under another tenant
	stranger := &viewer{id: "stranger"}
	hub.Attach(stranger)
	require.NoError(t, hub.Join(5, group, stranger))

	t2 := msg.Timestamp.Add(3 * time.Second)
	body, err := json.Marshal(map[string]any{
		"conversation_id": conv.ID,
		"message":         "Điều 5 quy định...",
		"user_id":         0,
		"tenant_id":       4,
		"timestamp":       t2.Format(time.RFC3339Nano),
		"model_used":      "llama3",
	})
	require.NoError(t, err)
	d := amqp.Delivery{Body: body, CorrelationId: "trace-1", MessageId: "evt-1"}

	require.NoError(t, h.HandleDelivery(context.Background(), d))

	for _, v := range []*viewer{a, b} {
		evs := v.events()
		require.Len(t, evs, 1)
		assert.Equal(t, realtime.EventBotResponse, evs[0].Type)
		assert.Equal(t, conv.ID, evs[0].ConversationID)
	}
	assert.Empty(t, stranger.events())

	// redelivery stores nothing new but pushes the reply again
	require.NoError(t, h.HandleDelivery(context.Background(), d))
	assert.Len(t, a.events(), 2)

	got, err := svc.GetConversation(ctx, conv.ID)
	require.NoError(t, err)
	require.Len(t, got.Messages, 2)
	bot := got.Messages[1]
	assert.True(t, bot.IsBot)
	assert.Equal(t, "Điều 5 quy định...", bot.Content)
	assert.True(t, bot.Timestamp.Equal(t2))
	require.NotNil(t, bot.RequestID)
	assert.Equal(t, msg.ID, *bot.RequestID)

	// a viewer joining afterwards sees nothing retroactively
	late := &viewer{id: "late"}
	hub.Attach(late)
	require.NoError(t, hub.Join(4, group, late))
	assert.Empty(t, late.events())
}

type stubStore struct {
	err error
}

func (s stubStore) SaveBotReply(ctx context.Context, reply chat.BotReply) (*chat.MessageView, bool, error) {
	if s.err != nil {
		return nil, false, s.err
	}
	return &chat.MessageView{ID: 1, ConversationID: reply.ConversationID, IsBot: true}, false, nil
}

type stubBroadcaster struct {
	err error
}

func (b stubBroadcaster) Broadcast(context.Context, uint64, string, realtime.Event) (int, error) {
	return 0, b.err
}

func TestHandle_ClassifiesFailures(t *testing.T) {
	valid, err := json.Marshal(chat.BotReply{ConversationID: 1, TenantID: 1, Message: "m"})
	require.NoError(t, err)

	tests := []struct {
		name      string
		body      []byte
		store     ReplyStore
		bc        realtime.Broadcaster
		wantErr   bool
		permanent bool
	}{
		{"ok", valid, stubStore{}, stubBroadcaster{}, false, false},
		{"malformed json", []byte("{"), stubStore{}, stubBroadcaster{}, true, true},
		{"invalid event", valid, stubStore{err: chat.ErrInvalidEvent}, stubBroadcaster{}, true, true},
		{"unknown conversation", valid, stubStore{err: chat.ErrNotFound}, stubBroadcaster{}, true, true},
		{"database down", valid, stubStore{err: errors.New("connection refused")}, stubBroadcaster{}, true, false},
		{"broadcast failed", valid, stubStore{}, stubBroadcaster{err: errors.New("redis down")}, true, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := NewHandler(tt.store, tt.bc, nil)
			err := h.HandleDelivery(context.Background(), amqp.Delivery{Body: tt.body})
			if !tt.wantErr {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Equal(t, tt.permanent, rabbitmq.IsPermanent(err))
		})
	}
}
