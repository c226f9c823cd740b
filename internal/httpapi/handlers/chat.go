package handlers

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/tenant"
)

func (h *Handler) Ping(c *gin.Context) {
	data := gin.H{"pong": true}
	if h.Redis != nil {
		data["redis"] = h.Redis.Ping(c.Request.Context()) == nil
	}
	common.OK(c, data)
}

type createConversationReq struct {
	Title string `json:"title"`
}

func (h *Handler) CreateConversation(c *gin.Context) {
	var req createConversationReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	conv, err := h.ChatSvc.CreateConversation(c.Request.Context(), req.Title)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, conv)
}

func (h *Handler) ListConversations(c *gin.Context) {
	convs, err := h.ChatSvc.ListConversations(c.Request.Context())
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"conversations": convs})
}

func (h *Handler) GetConversation(c *gin.Context) {
	id, err := strconv.ParseUint(c.Param("id"), 10, 64)
	if err != nil || id == 0 {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidID, "invalid conversation id")
		return
	}

	conv, err := h.ChatSvc.GetConversation(c.Request.Context(), id)
	if err != nil {
		h.fail(c, err)
		return
	}
	common.OK(c, conv)
}

type sendMessageReq struct {
	ConversationID uint64 `json:"conversation_id" binding:"required"`
	Message        string `json:"message"`
}

func (h *Handler) SendMessage(c *gin.Context) {
	var req sendMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidJSON, "invalid json")
		return
	}

	msg, err := h.ChatSvc.SendUserMessage(c.Request.Context(), req.ConversationID, req.Message)
	if err != nil {
		if errors.Is(err, chat.ErrReplyPending) && msg != nil {
			// stored, but no bot reply will follow
			common.Respond(c, http.StatusAccepted, common.CodeReplyPending, "message saved, reply pending", gin.H{
				"message":       msg,
				"reply_pending": true,
			})
			return
		}
		h.fail(c, err)
		return
	}
	common.OK(c, gin.H{"message": msg, "reply_pending": false})
}

// fail maps service errors to the response envelope. Unknown errors are
// logged and reported without detail.
func (h *Handler) fail(c *gin.Context, err error) {
	switch {
	case errors.Is(err, chat.ErrTitleRequired):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidInput, "title is required")
	case errors.Is(err, chat.ErrTitleTooLong):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidInput, "title is too long")
	case errors.Is(err, chat.ErrMessageRequired):
		common.Fail(c, http.StatusBadRequest, common.CodeInvalidInput, "message is required")
	case errors.Is(err, chat.ErrNotFound):
		common.Fail(c, http.StatusNotFound, common.CodeNotFound, "conversation not found")
	case errors.Is(err, tenant.ErrUnscoped):
		common.Fail(c, http.StatusUnauthorized, common.CodeUnauthorized, "unauthorized")
	default:
		h.Logger.Error("request failed",
			"err", err,
			"path", c.FullPath(),
			"trace_id", common.TraceID(c.Request.Context()),
			"tenant_id", tenant.FromContext(c.Request.Context()).TenantID,
		)
		common.Fail(c, http.StatusInternalServerError, common.CodeInternal, "internal error")
	}
}
