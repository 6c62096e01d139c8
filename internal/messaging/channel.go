package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	amqp "github.com/rabbitmq/amqp091-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

var (
	ErrNotConnected = errors.New("messaging: not connected")
	ErrClosed       = errors.New("messaging: channel closed")
)

// HandlerFunc reacts to one delivered event. A returned error requeues the message.
type HandlerFunc func(ctx context.Context, env events.Envelope) error

// Publisher is what participants need to emit events.
type Publisher interface {
	Publish(ctx context.Context, t events.Type, meta events.Meta, data any) (events.Envelope, error)
}

// Sequencer hands out per-partition producer sequence numbers.
type Sequencer interface {
	NextSequence(ctx context.Context, partitionKey string) (int64, error)
}

type Config struct {
	URL      string
	Exchange string
	// Service names the consuming service in queue names and the envelope source.
	Service        string
	ReconnectDelay time.Duration
	PublishTimeout time.Duration
	Prefetch       int
}

type Option func(*Channel)

func WithDialer(d Dialer) Option {
	return func(c *Channel) { c.dial = d }
}

func WithSequencer(s Sequencer) Option {
	return func(c *Channel) { c.seq = s }
}

// Channel is a topic-exchange publish/subscribe channel over RabbitMQ with
// manual acknowledgement and reconnect after a fixed delay.
type Channel struct {
	cfg    Config
	logger *zap.Logger
	dial   Dialer
	seq    Sequencer
	tracer trace.Tracer

	mu        sync.RWMutex
	conn      Conn
	pub       AMQPChannel
	consumers []AMQPChannel
	// lost receives the first close of the connection or any of its channels.
	lost      chan *amqp.Error
	subs      map[events.Type][]HandlerFunc
	connected bool
	closed    bool

	pubMu sync.Mutex

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewChannel(cfg Config, logger *zap.Logger, opts ...Option) *Channel {
	if cfg.PublishTimeout <= 0 {
		cfg.PublishTimeout = 3 * time.Second
	}
	if cfg.ReconnectDelay <= 0 {
		cfg.ReconnectDelay = 5 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Channel{
		cfg:    cfg,
		logger: logger.With(zap.String("component", "messaging")),
		dial:   DialRabbit,
		tracer: otel.Tracer("github.com/andreasstove999/marketplace-saga/internal/messaging"),
		subs:   make(map[events.Type][]HandlerFunc),
		ctx:    ctx,
		cancel: cancel,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Connect dials the broker and declares the exchange. Subscriptions made
// before a reconnect are re-established automatically.
func (c *Channel) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if c.connected {
		return nil
	}
	return c.connectLocked()
}

func (c *Channel) connectLocked() error {
	conn, err := c.dial(c.cfg.URL)
	if err != nil {
		return fmt.Errorf("%w: dial: %v", ErrNotConnected, err)
	}
	pub, err := conn.Channel()
	if err != nil {
		_ = conn.Close()
		return fmt.Errorf("%w: open channel: %v", ErrNotConnected, err)
	}
	if err := declareExchange(pub, c.cfg.Exchange); err != nil {
		_ = pub.Close()
		_ = conn.Close()
		return fmt.Errorf("declare exchange %s: %w", c.cfg.Exchange, err)
	}

	c.conn, c.pub, c.connected = conn, pub, true
	c.lost = make(chan *amqp.Error, 1)
	c.notifyLost(conn.NotifyClose(make(chan *amqp.Error, 1)), true)
	c.notifyLost(pub.NotifyClose(make(chan *amqp.Error, 1)), false)
	for t := range c.subs {
		if err := c.consumeLocked(t); err != nil {
			c.teardownLocked()
			return err
		}
	}

	c.wg.Add(1)
	go c.watch(conn, c.lost)

	c.logger.Info("connected to broker",
		zap.String("exchange", c.cfg.Exchange),
		zap.Int("subscriptions", len(c.subs)))
	return nil
}

func (c *Channel) Connected() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.connected
}

// notifyLost forwards a close notification into c.lost. A channel closed
// without an error was closed by us; a connection closing always counts.
func (c *Channel) notifyLost(closeCh <-chan *amqp.Error, always bool) {
	lost := c.lost
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		select {
		case <-c.ctx.Done():
		case reason, ok := <-closeCh:
			if !ok && !always {
				return
			}
			select {
			case lost <- reason:
			default:
			}
		}
	}()
}

func (c *Channel) watch(conn Conn, lost <-chan *amqp.Error) {
	defer c.wg.Done()

	var reason *amqp.Error
	select {
	case <-c.ctx.Done():
		return
	case reason = <-lost:
	}

	c.mu.Lock()
	if c.closed || c.conn != conn {
		c.mu.Unlock()
		return
	}
	c.teardownLocked()
	c.mu.Unlock()

	fields := []zap.Field{zap.Duration("retryIn", c.cfg.ReconnectDelay)}
	if reason != nil {
		fields = append(fields, zap.String("reason", reason.Reason), zap.Int("code", reason.Code))
	}
	c.logger.Warn("broker connection lost", fields...)
	c.reconnect()
}

func (c *Channel) reconnect() {
	timer := time.NewTimer(c.cfg.ReconnectDelay)
	defer timer.Stop()
	select {
	case <-c.ctx.Done():
		return
	case <-timer.C:
	}

	op := func() error {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.closed {
			return backoff.Permanent(ErrClosed)
		}
		if c.connected {
			return nil
		}
		return c.connectLocked()
	}
	notify := func(err error, next time.Duration) {
		c.logger.Warn("reconnect failed", zap.Error(err), zap.Duration("retryIn", next))
	}

	b := backoff.WithContext(backoff.NewConstantBackOff(c.cfg.ReconnectDelay), c.ctx)
	if err := backoff.RetryNotify(op, b, notify); err != nil && !errors.Is(err, ErrClosed) && c.ctx.Err() == nil {
		c.logger.Error("giving up reconnecting", zap.Error(err))
	}
}

func (c *Channel) teardownLocked() {
	c.connected = false
	for _, ch := range c.consumers {
		_ = ch.Close()
	}
	c.consumers = nil
	if c.pub != nil {
		_ = c.pub.Close()
		c.pub = nil
	}
	if c.conn != nil {
		_ = c.conn.Close()
		c.conn = nil
	}
}

// Publish wraps data in an envelope and sends it with the event type as
// routing key. It fails fast while disconnected.
func (c *Channel) Publish(ctx context.Context, t events.Type, meta events.Meta, data any) (events.Envelope, error) {
	c.mu.RLock()
	pub, connected, closed := c.pub, c.connected, c.closed
	c.mu.RUnlock()
	if closed {
		return events.Envelope{}, ErrClosed
	}
	if !connected {
		return events.Envelope{}, ErrNotConnected
	}

	env, err := events.New(t, c.cfg.Service, meta, data)
	if err != nil {
		return events.Envelope{}, err
	}
	if c.seq != nil && meta.SagaID != "" {
		seq, err := c.seq.NextSequence(ctx, meta.SagaID)
		if err != nil {
			return events.Envelope{}, fmt.Errorf("reserve sequence: %w", err)
		}
		env.Sequence = seq
	}

	if err := c.send(ctx, pub, env); err != nil {
		return events.Envelope{}, err
	}
	return env, nil
}

func (c *Channel) send(ctx context.Context, pub AMQPChannel, env events.Envelope) error {
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("marshal envelope: %w", err)
	}

	ctx, span := c.tracer.Start(ctx, "publish "+env.EventType.String(),
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("messaging.destination.name", c.cfg.Exchange),
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("saga.id", env.SagaID),
		))
	defer span.End()

	headers := amqp.Table{}
	otel.GetTextMapPropagator().Inject(ctx, headerCarrier(headers))

	pubCtx, cancel := context.WithTimeout(ctx, c.cfg.PublishTimeout)
	defer cancel()

	c.pubMu.Lock()
	err = pub.PublishWithContext(
		pubCtx,
		c.cfg.Exchange,
		env.EventType.String(),
		false,
		false,
		amqp.Publishing{
			ContentType:   "application/json",
			DeliveryMode:  amqp.Persistent,
			MessageId:     env.EventID,
			CorrelationId: env.CorrelationID,
			Type:          env.EventType.String(),
			AppId:         c.cfg.Service,
			Timestamp:     env.Timestamp,
			Headers:       headers,
			Body:          body,
		},
	)
	c.pubMu.Unlock()
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("publish %s: %w", env.EventType, err)
	}
	return nil
}

// Subscribe binds the service queue for t and adds h to its handlers. All
// handlers of an event type run for every delivery.
func (c *Channel) Subscribe(t events.Type, h HandlerFunc) error {
	if h == nil {
		return fmt.Errorf("subscribe %s: nil handler", t)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrClosed
	}
	if !c.connected {
		return ErrNotConnected
	}

	existing := c.subs[t]
	c.subs[t] = append(existing, h)
	if len(existing) > 0 {
		return nil
	}
	if err := c.consumeLocked(t); err != nil {
		delete(c.subs, t)
		return err
	}
	return nil
}

func (c *Channel) consumeLocked(t events.Type) error {
	ch, err := c.conn.Channel()
	if err != nil {
		return fmt.Errorf("%w: open consumer channel: %v", ErrNotConnected, err)
	}
	queue := QueueName(c.cfg.Service, t)

	setup := func() (<-chan amqp.Delivery, error) {
		if c.cfg.Prefetch > 0 {
			if err := ch.Qos(c.cfg.Prefetch, 0, false); err != nil {
				return nil, fmt.Errorf("qos: %w", err)
			}
		}
		if _, err := ch.QueueDeclare(
			queue,
			true,  // durable
			false, // autoDelete
			false, // exclusive
			false, // noWait
			nil,
		); err != nil {
			return nil, fmt.Errorf("queue declare %s: %w", queue, err)
		}
		if err := ch.QueueBind(queue, t.String(), c.cfg.Exchange, false, nil); err != nil {
			return nil, fmt.Errorf("queue bind %s: %w", queue, err)
		}
		return ch.Consume(
			queue,
			"",    // consumer tag
			false, // autoAck
			false, // exclusive
			false, // noLocal
			false, // noWait
			nil,
		)
	}

	deliveries, err := setup()
	if err != nil {
		_ = ch.Close()
		return fmt.Errorf("subscribe %s: %w", t, err)
	}
	c.consumers = append(c.consumers, ch)
	c.notifyLost(ch.NotifyClose(make(chan *amqp.Error, 1)), false)

	c.wg.Add(1)
	go c.consume(t, deliveries)
	return nil
}

func (c *Channel) consume(t events.Type, deliveries <-chan amqp.Delivery) {
	defer c.wg.Done()
	for {
		select {
		case <-c.ctx.Done():
			return
		case d, ok := <-deliveries:
			if !ok {
				return
			}
			c.deliver(t, d)
		}
	}
}

func (c *Channel) handlers(t events.Type) []HandlerFunc {
	c.mu.RLock()
	defer c.mu.RUnlock()
	hs := make([]HandlerFunc, len(c.subs[t]))
	copy(hs, c.subs[t])
	return hs
}

func (c *Channel) deliver(t events.Type, d amqp.Delivery) {
	env, err := events.Parse(d.Body)
	if err != nil {
		// Cannot succeed on redelivery either.
		c.logger.Error("dropping malformed message",
			zap.String("routingKey", d.RoutingKey),
			zap.String("messageId", d.MessageId),
			zap.Error(err))
		if nackErr := d.Nack(false, false); nackErr != nil {
			c.logger.Warn("nack failed", zap.Error(nackErr))
		}
		return
	}

	ctx := otel.GetTextMapPropagator().Extract(c.ctx, headerCarrier(d.Headers))
	ctx, span := c.tracer.Start(ctx, "consume "+t.String(),
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			attribute.String("messaging.message.id", env.EventID),
			attribute.String("saga.id", env.SagaID),
			attribute.Bool("messaging.redelivered", d.Redelivered),
		))
	defer span.End()

	if err := dispatch(ctx, env, c.handlers(t)); err != nil {
		span.RecordError(err)
		c.logger.Warn("handler failed, requeueing",
			zap.String("eventType", t.String()),
			zap.String("eventId", env.EventID),
			zap.String("sagaId", env.SagaID),
			zap.Bool("redelivered", d.Redelivered),
			zap.Error(err))
		if nackErr := d.Nack(false, true); nackErr != nil {
			c.logger.Warn("nack failed", zap.Error(nackErr))
		}
		return
	}
	if err := d.Ack(false); err != nil {
		c.logger.Warn("ack failed", zap.String("eventId", env.EventID), zap.Error(err))
	}
}

// Close stops consumers and closes the connection. Close errors are ignored.
func (c *Channel) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.cancel()
	c.teardownLocked()
	c.mu.Unlock()

	c.wg.Wait()
	c.logger.Info("message channel closed")
	return nil
}
