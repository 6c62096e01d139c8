package notification

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
)

type Options struct {
	// SendTimeout bounds a single send attempt.
	SendTimeout time.Duration
	MaxAttempts int
}

// Service is the notification participant. It is best effort: every handler
// logs its failures and returns nil, so nothing here is ever redelivered or
// affects the saga.
type Service struct {
	senders  map[Channel]Sender
	renderer *Renderer
	contacts ContactStore
	sent     SentStore
	opts     Options
	logger   *zap.Logger

	newBackOff func() backoff.BackOff
}

func NewService(senders []Sender, renderer *Renderer, contacts ContactStore, sent SentStore, opts Options, logger *zap.Logger) *Service {
	if opts.SendTimeout <= 0 {
		opts.SendTimeout = 5 * time.Second
	}
	if opts.MaxAttempts < 1 {
		opts.MaxAttempts = 1
	}
	s := &Service{
		senders:  make(map[Channel]Sender, len(senders)),
		renderer: renderer,
		contacts: contacts,
		sent:     sent,
		opts:     opts,
		logger:   logger.With(zap.String("component", "notification")),
	}
	for _, snd := range senders {
		s.senders[snd.Channel()] = snd
	}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 200 * time.Millisecond
		b.MaxInterval = 2 * time.Second
		return b
	}
	return s
}

func (s *Service) Register(r *messaging.Registry) {
	r.On(events.OrderCreated, messaging.Typed(s.logger, s.HandleOrderCreated))
	r.On(events.ShippingDispatched, messaging.Typed(s.logger, s.HandleShippingDispatched))
	r.On(events.ShippingDelivered, messaging.Typed(s.logger, s.HandleShippingDelivered))
	r.On(events.OrderCancelled, messaging.Typed(s.logger, s.HandleOrderCancelled))
	r.On(events.NotificationSendRequested, messaging.Typed(s.logger, s.HandleSendRequested))
}

func (s *Service) HandleOrderCreated(ctx context.Context, env events.Envelope, data events.OrderCreatedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))
	rcpt := Recipient{UserID: data.UserID, Contact: data.Contact}
	if err := s.contacts.Save(ctx, data.OrderID, rcpt); err != nil {
		log.Warn("cannot store contact, later notifications for this order will be skipped", zap.Error(err))
	}
	items := 0
	for _, it := range data.Items {
		items += it.Quantity
	}
	s.notify(ctx, env, log, KindOrderCreated, data.OrderID, rcpt, map[string]string{
		"orderId":  data.OrderID,
		"items":    strconv.Itoa(items),
		"amount":   strconv.FormatInt(data.Amount, 10),
		"currency": data.Currency,
	})
	return nil
}

func (s *Service) HandleShippingDispatched(ctx context.Context, env events.Envelope, data events.ShippingDispatchedData) error {
	s.notifyOrder(ctx, env, KindShippingDispatched, data.OrderID, map[string]string{
		"orderId":        data.OrderID,
		"carrier":        data.CarrierName,
		"trackingNumber": data.TrackingNumber,
		"eta":            data.EstimatedDeliveryDate.Format(time.DateOnly),
	})
	return nil
}

func (s *Service) HandleShippingDelivered(ctx context.Context, env events.Envelope, data events.ShippingDeliveredData) error {
	s.notifyOrder(ctx, env, KindShippingDelivered, data.OrderID, map[string]string{
		"orderId":     data.OrderID,
		"deliveredAt": data.DeliveredAt.Format(time.DateOnly),
	})
	return nil
}

func (s *Service) HandleOrderCancelled(ctx context.Context, env events.Envelope, data events.OrderCancelledData) error {
	s.notifyOrder(ctx, env, KindOrderCancelled, data.OrderID, map[string]string{
		"orderId": data.OrderID,
		"reason":  data.Reason,
	})
	return nil
}

// HandleSendRequested sends caller supplied templates on the requested
// channels. The contact falls back to the one stored for the order.
func (s *Service) HandleSendRequested(ctx context.Context, env events.Envelope, data events.NotificationSendRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))

	rcpt := Recipient{UserID: data.UserID, Contact: data.Contact}
	if rcpt.Contact == (events.Contact{}) && data.OrderID != "" {
		stored, ok := s.lookup(ctx, log, data.OrderID)
		if !ok {
			return nil
		}
		rcpt.Contact = stored.Contact
		if rcpt.UserID == "" {
			rcpt.UserID = stored.UserID
		}
	}

	subject, body, err := s.renderer.RenderText(data.Subject, data.Body, data.Vars)
	if err != nil {
		log.Error("cannot render notification", zap.Error(err))
		return nil
	}
	channels := make([]Channel, 0, len(data.Channels))
	for _, ch := range data.Channels {
		channels = append(channels, Channel(ch))
	}
	s.deliver(ctx, env, log, s.messages(env, log, channels, data.OrderID, rcpt, subject, body))
	return nil
}

func (s *Service) notifyOrder(ctx context.Context, env events.Envelope, k Kind, orderID string, vars map[string]string) {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", orderID))
	rcpt, ok := s.lookup(ctx, log, orderID)
	if !ok {
		return
	}
	s.notify(ctx, env, log, k, orderID, rcpt, vars)
}

func (s *Service) lookup(ctx context.Context, log *zap.Logger, orderID string) (Recipient, bool) {
	rcpt, ok, err := s.contacts.Get(ctx, orderID)
	if err != nil {
		log.Warn("cannot load contact, skipping notification", zap.Error(err))
		return Recipient{}, false
	}
	if !ok {
		log.Warn("no contact for order, skipping notification")
		return Recipient{}, false
	}
	return rcpt, true
}

// notify sends k on every channel the recipient can be reached on.
func (s *Service) notify(ctx context.Context, env events.Envelope, log *zap.Logger, k Kind, orderID string, rcpt Recipient, vars map[string]string) {
	subject, body, err := s.renderer.Render(k, vars)
	if err != nil {
		log.Error("cannot render notification", zap.String("kind", string(k)), zap.Error(err))
		return
	}
	var channels []Channel
	for _, ch := range []Channel{ChannelEmail, ChannelSMS, ChannelPush, ChannelWebhook} {
		if _, ok := s.senders[ch]; ok && address(ch, rcpt.Contact, orderID) != "" {
			channels = append(channels, ch)
		}
	}
	s.deliver(ctx, env, log, s.messages(env, log, channels, orderID, rcpt, subject, body))
}

func (s *Service) messages(env events.Envelope, log *zap.Logger, channels []Channel, orderID string, rcpt Recipient, subject, body string) []Message {
	out := make([]Message, 0, len(channels))
	seen := make(map[Channel]bool, len(channels))
	for _, ch := range channels {
		if seen[ch] {
			continue
		}
		seen[ch] = true
		if _, ok := s.senders[ch]; !ok {
			log.Warn("unsupported notification channel", zap.String("channel", string(ch)))
			continue
		}
		to := address(ch, rcpt.Contact, orderID)
		if to == "" {
			log.Warn("no address for channel", zap.String("channel", string(ch)))
			continue
		}
		out = append(out, Message{
			Key:     env.EventID + ":" + string(ch),
			Channel: ch,
			To:      to,
			OrderID: orderID,
			UserID:  rcpt.UserID,
			Subject: subject,
			Body:    body,
		})
	}
	return out
}

// deliver fans the messages out to their channels and waits for all of them.
func (s *Service) deliver(ctx context.Context, env events.Envelope, log *zap.Logger, msgs []Message) {
	ctx = middleware.WithCorrelationID(ctx, env.CorrelationID)
	var g errgroup.Group
	for _, m := range msgs {
		g.Go(func() error {
			if err := s.send(ctx, m); err != nil {
				log.Warn("notification not sent", zap.String("channel", string(m.Channel)), zap.Error(err))
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		log.Warn("some notifications failed", zap.Int("messages", len(msgs)))
	}
}

func (s *Service) send(ctx context.Context, m Message) error {
	first, err := s.sent.Claim(ctx, m.Key)
	if err != nil {
		// Without the marker a duplicate is possible; sending anyway.
		s.logger.Warn("cannot check sent marker", zap.String("key", m.Key), zap.Error(err))
		first = true
	}
	if !first {
		s.logger.Debug("notification already sent", zap.String("key", m.Key))
		return nil
	}

	sender := s.senders[m.Channel]
	attempt := func() error {
		actx, cancel := context.WithTimeout(ctx, s.opts.SendTimeout)
		defer cancel()
		return sender.Send(actx, m)
	}
	b := backoff.WithContext(backoff.WithMaxRetries(s.newBackOff(), uint64(s.opts.MaxAttempts-1)), ctx)
	if err := backoff.Retry(attempt, b); err != nil {
		if rerr := s.sent.Release(ctx, m.Key); rerr != nil {
			s.logger.Warn("cannot release sent marker", zap.String("key", m.Key), zap.Error(rerr))
		}
		return fmt.Errorf("%s: %w", m.Channel, err)
	}
	return nil
}
