package handlers

import (
	"log/slog"

	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/store/redisstore"
)

type Handler struct {
	Cfg     config.Config
	ChatSvc *chat.Service
	Hub     *realtime.Hub
	Redis   *redisstore.Store // nil without the redis backplane
	Logger  *slog.Logger
}

func NewHandler(cfg config.Config, chatSvc *chat.Service, hub *realtime.Hub, rds *redisstore.Store, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Cfg:     cfg,
		ChatSvc: chatSvc,
		Hub:     hub,
		Redis:   rds,
		Logger:  logger.With("component", "httpapi"),
	}
}
