package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"slices"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
)

const (
	frameJoin  = "join"
	frameLeave = "leave"
	frameSend  = "send"
)

// clientFrame is what the browser sends over the socket.
//
//	-> {type: "join",  conversation_id}
//	-> {type: "leave", conversation_id}
//	-> {type: "send",  conversation_id, message}
//	<- {type: "joined" | "left", conversation_id}
//	<- {type: "sent", conversation_id, message: {message, reply_pending}}
//	<- {type: "receive_message" | "bot_response", conversation_id, message}
//	<- {type: "error", conversation_id?, error}
type clientFrame struct {
	Type           string `json:"type"`
	ConversationID uint64 `json:"conversation_id"`
	Message        string `json:"message"`
}

func (h *Handler) upgrader() *websocket.Upgrader {
	return &websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			origin := r.Header.Get("Origin")
			if origin == "" {
				return true
			}
			return slices.Contains(h.Cfg.CORSOrigins, "*") || slices.Contains(h.Cfg.CORSOrigins, origin)
		},
	}
}

// ChatSocket upgrades an authenticated request to a websocket. The identity
// resolved by the auth middleware stays with the connection for its lifetime.
func (h *Handler) ChatSocket(c *gin.Context) {
	id := tenant.FromContext(c.Request.Context())

	ws, err := h.upgrader().Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// Upgrade already replied with an HTTP error
		h.Logger.Warn("websocket upgrade failed", "err", err)
		return
	}

	conn := realtime.NewConnection(ws, id, h.Hub.Detach)
	h.Hub.Attach(conn)
	conn.Start()

	log := h.Logger.With("conn_id", conn.ID(), "tenant_id", id.TenantID, "user_id", id.UserID)
	log.Info("websocket connected")

	ctx := c.Request.Context()
	conn.ReadLoop(func(raw []byte) {
		h.handleFrame(ctx, conn, raw)
	})
	log.Info("websocket disconnected")
}

func (h *Handler) handleFrame(ctx context.Context, conn *realtime.Connection, raw []byte) {
	var f clientFrame
	if err := json.Unmarshal(raw, &f); err != nil {
		sendEvent(conn, realtime.Event{Type: realtime.EventError, Error: "invalid frame"})
		return
	}
	if f.ConversationID == 0 {
		sendEvent(conn, realtime.Event{Type: realtime.EventError, Error: "conversation_id required"})
		return
	}

	ctx = common.WithTraceID(ctx, uuid.NewString())
	id := conn.Identity
	group := realtime.ConversationGroup(f.ConversationID)

	switch f.Type {
	case frameJoin:
		if _, err := h.ChatSvc.GetConversation(ctx, f.ConversationID); err != nil {
			sendEvent(conn, frameError(f.ConversationID, err))
			return
		}
		if err := h.Hub.Join(id.TenantID, group, conn); err != nil {
			sendEvent(conn, frameError(f.ConversationID, err))
			return
		}
		sendEvent(conn, realtime.Event{Type: realtime.EventJoined, ConversationID: f.ConversationID})

	case frameLeave:
		h.Hub.Leave(id.TenantID, group, conn)
		sendEvent(conn, realtime.Event{Type: realtime.EventLeft, ConversationID: f.ConversationID})

	case frameSend:
		msg, err := h.ChatSvc.SendUserMessage(ctx, f.ConversationID, f.Message)
		pending := errors.Is(err, chat.ErrReplyPending) && msg != nil
		if err != nil && !pending {
			sendEvent(conn, frameError(f.ConversationID, err))
			return
		}
		sendEvent(conn, realtime.Event{
			Type:           realtime.EventSent,
			ConversationID: f.ConversationID,
			Message:        sentAck{Message: msg, ReplyPending: pending},
		})

	default:
		sendEvent(conn, realtime.Event{Type: realtime.EventError, ConversationID: f.ConversationID, Error: "unknown frame type"})
	}
}

// sentAck answers a send frame the way POST /chat/messages does.
type sentAck struct {
	Message      *chat.MessageView `json:"message"`
	ReplyPending bool              `json:"reply_pending"`
}

func frameError(conversationID uint64, err error) realtime.Event {
	msg := "internal error"
	switch {
	case errors.Is(err, chat.ErrNotFound):
		msg = "conversation not found"
	case errors.Is(err, chat.ErrMessageRequired):
		msg = "message is required"
	case errors.Is(err, tenant.ErrUnscoped):
		msg = "unauthorized"
	}
	return realtime.Event{Type: realtime.EventError, ConversationID: conversationID, Error: msg}
}

func sendEvent(conn *realtime.Connection, ev realtime.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		return
	}
	_ = conn.Send(payload)
}
