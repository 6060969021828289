package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"agrichat/internal/app/chat"
	"agrichat/internal/app/list"
	"agrichat/internal/app/presence"
	"agrichat/internal/domain/conversation"
	"agrichat/internal/domain/session"
	"agrichat/internal/infra/config"
	"agrichat/internal/infra/obs"
	"agrichat/internal/infra/rest"
	"agrichat/internal/infra/socket"
	"agrichat/internal/infra/storage/s3"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, err := config.Load()
	if err != nil {
		logger := obs.NewLogger("dev")
		logger.Error("config load failed", "error", err)
		os.Exit(1)
	}
	logger := obs.NewLogger(cfg.Env)

	sess := session.Session{
		UserID: os.Getenv("USER_ID"),
		Role:   conversation.Role(getenv("USER_ROLE", string(conversation.RoleFarmer))),
		Token:  os.Getenv("AUTH_TOKEN"),
	}
	if err := sess.Validate(); err != nil {
		logger.Error("session rejected", "error", err)
		os.Exit(1)
	}

	api, err := rest.NewClient(rest.Config{
		BaseURL:     cfg.APIBaseURL,
		CallTimeout: cfg.CallTimeout,
	}, func() string { return sess.Token }, logger)
	if err != nil {
		logger.Error("rest client init failed", "error", err)
		os.Exit(1)
	}

	var uploader s3.Uploader = s3.NoopUploader{}
	if s3Client, err := s3.NewClient(cfg.S3Endpoint, cfg.S3UseSSL, cfg.S3AccessKey, cfg.S3SecretKey, cfg.S3Bucket, cfg.S3PublicEndpoint, cfg.UploadTimeout, logger); err != nil {
		logger.Warn("image uploads disabled", "error", err)
	} else {
		uploader = s3Client
	}

	manager := socket.NewManager(socket.Config{
		URL:            cfg.SocketURL,
		MaxAttempts:    cfg.ReconnectAttempts,
		ReconnectDelay: cfg.ReconnectDelay,
	}, logger)
	if err := manager.Connect(ctx, sess.Token); err != nil {
		logger.Warn("socket connect failed, running without live delivery", "error", err)
	}
	defer manager.Disconnect()

	cancelState := manager.OnStateChange(func(connected bool) {
		logger.Info("socket state changed", "connected", connected)
	})
	defer cancelState()

	coordinator := presence.NewCoordinator(manager, sess.UserID, cfg.TypingWindow, logger)
	coordinator.Start()
	defer coordinator.Stop()

	aggregator := list.NewAggregator(api, logger)
	for _, bucket := range []conversation.Bucket{
		conversation.BucketPending,
		conversation.BucketAnswered,
		conversation.BucketCompleted,
	} {
		items, err := aggregator.Refresh(ctx, bucket)
		if err != nil {
			logger.Warn("bucket refresh failed", "bucket", bucket, "error", err)
			continue
		}
		logger.Info("bucket loaded", "bucket", bucket, "count", len(items))
	}
	if total, err := aggregator.UnreadTotal(ctx); err == nil {
		logger.Info("unread badge", "total", total)
	}

	// Optionally open one conversation so live delivery is observable from
	// the command line.
	if convID := os.Getenv("CONVERSATION_ID"); convID != "" {
		me := conversation.Sender{ID: sess.UserID, DisplayName: getenv("DISPLAY_NAME", sess.UserID)}
		chatSession := chat.NewSession(api, uploader, manager, me, sess.Role, logger)
		cancelEvents := chatSession.OnEvent(func(ev chat.Event) {
			aggregator.HandleSessionEvent(ev)
			logger.Info("session event", "kind", ev.Kind, "conversation_id", ev.ConversationID)
		})
		defer cancelEvents()
		cancelTyping := coordinator.Watch(convID, func(isTyping bool) {
			logger.Info("counterpart typing", "conversation_id", convID, "is_typing", isTyping)
		})
		defer cancelTyping()

		if err := chatSession.Open(ctx, convID); err != nil {
			logger.Error("open conversation failed", "conversation_id", convID, "error", err)
			os.Exit(1)
		}
		defer chatSession.Close()
		logger.Info("conversation open", "conversation_id", convID, "messages", len(chatSession.Messages()))
	}

	logger.Info("engine running", "user_id", sess.UserID, "role", sess.Role, "env", cfg.Env)
	<-ctx.Done()
	logger.Info("engine stopped")
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
