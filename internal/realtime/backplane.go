package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/suPer8Hu/tenant-chat/internal/store/redisstore"
)

// backplaneMessage is what travels over the Redis channel.
type backplaneMessage struct {
	TenantID uint64          `json:"tenant_id"`
	Group    string          `json:"group"`
	Event    json.RawMessage `json:"event"`
}

// Backplane fans events out across instances through Redis pub/sub. Broadcast
// publishes to a shared channel; Run subscribes to it and delivers every
// message to the local Hub.
type Backplane struct {
	store   *redisstore.Store
	channel string
	hub     *Hub
	logger  *slog.Logger
}

func NewBackplane(store *redisstore.Store, channel string, hub *Hub, logger *slog.Logger) *Backplane {
	if logger == nil {
		logger = slog.Default()
	}
	return &Backplane{
		store:   store,
		channel: channel,
		hub:     hub,
		logger:  logger.With("component", "realtime.backplane", "channel", channel),
	}
}

// Broadcast returns the number of subscribed instances, not connections.
func (b *Backplane) Broadcast(ctx context.Context, tenantID uint64, group string, ev Event) (int, error) {
	payload, err := encodeBackplane(tenantID, group, ev)
	if err != nil {
		return 0, err
	}
	n, err := b.store.Publish(ctx, b.channel, payload)
	if err != nil {
		return 0, fmt.Errorf("backplane publish: %w", err)
	}
	return int(n), nil
}

// Run delivers channel messages to the local hub until ctx is done.
func (b *Backplane) Run(ctx context.Context) error {
	sub, err := b.store.Subscribe(ctx, b.channel)
	if err != nil {
		return err
	}
	defer sub.Close()

	b.logger.Info("backplane subscribed")
	msgs := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case m, ok := <-msgs:
			if !ok {
				return fmt.Errorf("backplane: subscription closed")
			}
			b.dispatch([]byte(m.Payload))
		}
	}
}

func (b *Backplane) dispatch(payload []byte) int {
	var msg backplaneMessage
	if err := json.Unmarshal(payload, &msg); err != nil || msg.TenantID == 0 {
		b.logger.Warn("dropping malformed backplane message", "err", err)
		return 0
	}
	return b.hub.Deliver(msg.TenantID, msg.Group, msg.Event)
}

func encodeBackplane(tenantID uint64, group string, ev Event) ([]byte, error) {
	raw, err := json.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return json.Marshal(backplaneMessage{TenantID: tenantID, Group: group, Event: raw})
}
