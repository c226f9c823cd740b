package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/suPer8Hu/tenant-chat/internal/chat"
	"github.com/suPer8Hu/tenant-chat/internal/common"
	"github.com/suPer8Hu/tenant-chat/internal/config"
	"github.com/suPer8Hu/tenant-chat/internal/db"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi"
	"github.com/suPer8Hu/tenant-chat/internal/httpapi/handlers"
	"github.com/suPer8Hu/tenant-chat/internal/ingest"
	"github.com/suPer8Hu/tenant-chat/internal/realtime"
	"github.com/suPer8Hu/tenant-chat/internal/store/rabbitmq"
	"github.com/suPer8Hu/tenant-chat/internal/store/redisstore"
	"golang.org/x/sync/errgroup"
)

func main() {
	cfg := config.Load()
	logger := common.NewLogger(os.Stdout, cfg.LogLevel, cfg.LogFormat)
	slog.SetDefault(logger)

	if err := run(cfg, logger); err != nil {
		logger.Error("api stopped", "err", err)
		os.Exit(1)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	gdb := db.Connect(cfg.DBDSN)
	if err := chat.AutoMigrate(gdb); err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	hub := realtime.NewHub(logger)
	var broadcaster realtime.Broadcaster = hub

	var rds *redisstore.Store
	if cfg.RealtimeBackplane == "redis" {
		var err error
		rds, err = redisstore.New(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisDB)
		if err != nil {
			return err
		}
		defer rds.Close()

		bp := realtime.NewBackplane(rds, cfg.RealtimeChannel, hub, logger)
		broadcaster = bp
		g.Go(func() error { return bp.Run(ctx) })
	}

	publisher, err := rabbitmq.NewPublisher(cfg.RabbitURL, cfg.ChatRequestQueue, cfg.BrokerRetryDelay)
	if err != nil {
		return err
	}
	defer publisher.Close()

	svc := chat.NewService(chat.NewRepo(gdb), publisher, broadcaster, logger)

	// bot replies are consumed in-process too; cmd/ingester scales this out
	conn, ch, err := rabbitmq.Dial(cfg.RabbitURL)
	if err != nil {
		return err
	}
	defer conn.Close()
	defer ch.Close()

	replies := ingest.NewHandler(svc, broadcaster, logger)
	consumer := rabbitmq.NewConsumer(ch, rabbitmq.ConsumerOptions{
		Queue:       cfg.ChatReplyQueue,
		Concurrency: cfg.BrokerConcurrency,
		MaxAttempts: cfg.BrokerMaxAttempts,
		RetryDelay:  cfg.BrokerRetryDelay,
	}, replies.HandleDelivery, logger)
	g.Go(func() error { return consumer.Run(ctx) })

	h := handlers.NewHandler(cfg, svc, hub, rds, logger)
	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           httpapi.NewRouter(h, cfg, logger),
		ReadHeaderTimeout: 10 * time.Second,
	}
	g.Go(func() error {
		logger.Info("api listening", "addr", cfg.HTTPAddr, "backplane", cfg.RealtimeBackplane)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
