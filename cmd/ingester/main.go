package main

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/db"
	"github.com/suPer8Hu/tenant-chat/internal/ingest"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tenant-chat/internal/store/redisstore"
)

// ingester consumes bot replies without serving HTTP. Viewers are connected
// to the api processes, so replies are fanned out over the redis backplane.
func main() {
	cfg := config.Load()
	logger := common.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("ingester stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	if cfg.RealtimeBackplane != "redis" {
		return errors.New("ingester needs REALTIME_BACKPLANE=redis to reach api viewers")
	}

	gdb := db.Connect(cfg.DBDSN)
	if err := chat.AutoMigrate(gdb); err != nil {
		return err
	}

	rds, err := redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
	if err != nil {
		return err
	}
	defer rds.Close()
	// no local viewers; the backplane only publishes
	bp := realtime.NewBackplane(rds, cfg.RealtimeChannel, realtime.NewHub(logger), logger)

	svc := chat.NewService(chat.NewRepo(gdb), nil, bp, logger)

	conn, ch, err := rabbitmq.Dial(cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	replies := ingest.NewHandler(svc, bp, logger)
	consumer := rabbitmq.NewConsumer(ch, rabbitmq.ConsumerOptions{
		Queue:       cfg.ChatReplyQueue,
		Concurrency: cfg.BrokerConcurrency,
		MaxAttempts: cfg.BrokerMaxAttempts,
		RetryDelay:  cfg.BrokerRetryDelay,
	}, replies.HandleDelivery, logger)

	logger.Info("ingester started", "queue", cfg.ChatReplyQueue, "concurrency", cfg.BrokerConcurrency)
	return consumer.Run(ctx)
}
