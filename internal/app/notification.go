package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
	"github.com/andreasstove999/marketplace-saga/internal/notification"
)

// BuildNotification wires the notification participant. It owns no database:
// contacts and sent markers live in Redis.
func BuildNotification(ctx context.Context, cfg config.Notification) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	rdb, err := a.openRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
	if err != nil {
		return a.fail(err)
	}
	a.openChannel()

	senders := []notification.Sender{
		notification.NewLogSender(notification.ChannelEmail, a.logger),
		notification.NewLogSender(notification.ChannelSMS, a.logger),
		notification.NewLogSender(notification.ChannelPush, a.logger),
	}
	if cfg.WebhookURL != "" {
		client, err := httpclient.NewClient("notification-webhook", cfg.WebhookURL, &http.Client{Timeout: cfg.SendTimeout})
		if err != nil {
			return a.fail(fmt.Errorf("webhook client: %w", err))
		}
		senders = append(senders, notification.NewWebhookSender(client))
	}
	renderer, err := notification.NewRenderer()
	if err != nil {
		return a.fail(err)
	}

	svc := notification.NewService(
		senders,
		renderer,
		notification.NewRedisContactStore(rdb, cfg.ContactTTL),
		notification.NewRedisSentStore(rdb, cfg.SentTTL),
		notification.Options{SendTimeout: cfg.SendTimeout, MaxAttempts: cfg.MaxAttempts},
		a.logger,
	)
	svc.Register(a.registry)
	return a, nil
}
