package notification

import (
	"context"
	"errors"
	"net/http"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
)

type Channel string

const (
	ChannelEmail   Channel = "email"
	ChannelSMS     Channel = "sms"
	ChannelPush    Channel = "push"
	ChannelWebhook Channel = "webhook"
)

// Message is one rendered notification for one channel.
type Message struct {
	// Key identifies the message across redeliveries of the same event.
	Key     string  `json:"key"`
	Channel Channel `json:"channel"`
	To      string  `json:"to"`
	OrderID string  `json:"orderId,omitempty"`
	UserID  string  `json:"userId,omitempty"`
	Subject string  `json:"subject"`
	Body    string  `json:"body"`
}

type Sender interface {
	Channel() Channel
	Send(ctx context.Context, msg Message) error
}

// address returns where ch delivers to for c, or "" when c has no such address.
func address(ch Channel, c events.Contact, orderID string) string {
	switch ch {
	case ChannelEmail:
		return c.Email
	case ChannelSMS:
		return c.Phone
	case ChannelPush:
		return c.DeviceToken
	case ChannelWebhook:
		return orderID
	}
	return ""
}

// LogSender writes the message to the log. It stands in for the email, sms
// and push providers.
type LogSender struct {
	channel Channel
	logger  *zap.Logger
}

func NewLogSender(ch Channel, logger *zap.Logger) *LogSender {
	return &LogSender{channel: ch, logger: logger}
}

func (s *LogSender) Channel() Channel { return s.channel }

func (s *LogSender) Send(ctx context.Context, msg Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.logger.Info("notification sent",
		zap.String("channel", string(s.channel)),
		zap.String("to", msg.To),
		zap.String("orderId", msg.OrderID),
		zap.String("subject", msg.Subject))
	return nil
}

// WebhookSender posts messages to a partner endpoint.
type WebhookSender struct {
	c *httpclient.Client
}

func NewWebhookSender(c *httpclient.Client) *WebhookSender {
	return &WebhookSender{c: c}
}

func (s *WebhookSender) Channel() Channel { return ChannelWebhook }

// Send treats 4xx responses other than 429 as permanent.
func (s *WebhookSender) Send(ctx context.Context, msg Message) error {
	headers := http.Header{"Idempotency-Key": []string{msg.Key}}
	err := s.c.Do(ctx, http.MethodPost, "/notifications", headers, msg, nil)
	var se *httpclient.StatusError
	if errors.As(err, &se) && se.Status >= 400 && se.Status < 500 && se.Status != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}
