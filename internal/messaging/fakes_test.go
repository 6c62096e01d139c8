package messaging

import (
	"context"
	"errors"
	"sync"

	amqp "github.com/rabbitmq/amqp091-go"
)

type publishedMsg struct {
	exchange string
	key      string
	msg      amqp.Publishing
}

type fakeBroker struct {
	mu         sync.Mutex
	dialErr    error
	dials      int
	conns      []*fakeConn
	exchanges  map[string]string
	bindings   map[string]string
	durable    map[string]bool
	published  []publishedMsg
	deliveries map[string]chan amqp.Delivery
	publishErr error
}

func newFakeBroker() *fakeBroker {
	return &fakeBroker{
		exchanges:  map[string]string{},
		bindings:   map[string]string{},
		durable:    map[string]bool{},
		deliveries: map[string]chan amqp.Delivery{},
	}
}

func (b *fakeBroker) dial(string) (Conn, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dials++
	if b.dialErr != nil {
		return nil, b.dialErr
	}
	c := &fakeConn{broker: b}
	b.conns = append(b.conns, c)
	return c, nil
}

func (b *fakeBroker) setDialErr(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.dialErr = err
}

func (b *fakeBroker) dialCount() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.dials
}

func (b *fakeBroker) lastConn() *fakeConn {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.conns[len(b.conns)-1]
}

func (b *fakeBroker) queue(name string) chan amqp.Delivery {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.deliveries[name]
}

func (b *fakeBroker) messages() []publishedMsg {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]publishedMsg, len(b.published))
	copy(out, b.published)
	return out
}

type fakeConn struct {
	broker *fakeBroker

	mu       sync.Mutex
	notify   chan *amqp.Error
	closed   bool
	channels []*fakeAMQPChannel
}

func (c *fakeConn) Channel() (AMQPChannel, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, amqp.ErrClosed
	}
	ch := &fakeAMQPChannel{broker: c.broker}
	c.channels = append(c.channels, ch)
	return ch, nil
}

// channel returns the i-th AMQP channel opened on c. The first one publishes.
func (c *fakeConn) channel(i int) *fakeAMQPChannel {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.channels[i]
}

func (c *fakeConn) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.notify = receiver
	return receiver
}

func (c *fakeConn) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return amqp.ErrClosed
	}
	c.closed = true
	if c.notify != nil {
		close(c.notify)
	}
	return nil
}

// drop simulates the broker forcing the connection closed.
func (c *fakeConn) drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.notify <- &amqp.Error{Code: amqp.ConnectionForced, Reason: "CONNECTION_FORCED"}
	close(c.notify)
}

type fakeAMQPChannel struct {
	broker *fakeBroker

	mu       sync.Mutex
	consumed []chan amqp.Delivery
	notify   []chan *amqp.Error
	closed   bool
}

func (ch *fakeAMQPChannel) NotifyClose(receiver chan *amqp.Error) chan *amqp.Error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.notify = append(ch.notify, receiver)
	return receiver
}

// fail simulates a channel-level exception raised by the broker.
func (ch *fakeAMQPChannel) fail() {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return
	}
	ch.closed = true
	for _, n := range ch.notify {
		n <- &amqp.Error{Code: amqp.PreconditionFailed, Reason: "PRECONDITION_FAILED"}
		close(n)
	}
	for _, d := range ch.consumed {
		close(d)
	}
}

func (ch *fakeAMQPChannel) ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.exchanges[name] = kind
	return nil
}

func (ch *fakeAMQPChannel) QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error) {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.durable[name] = durable
	return amqp.Queue{Name: name}, nil
}

func (ch *fakeAMQPChannel) QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	ch.broker.bindings[name] = key
	return nil
}

func (ch *fakeAMQPChannel) Qos(prefetchCount, prefetchSize int, global bool) error { return nil }

func (ch *fakeAMQPChannel) Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error) {
	if autoAck {
		return nil, errors.New("auto ack is not allowed")
	}
	d := make(chan amqp.Delivery, 8)
	ch.mu.Lock()
	ch.consumed = append(ch.consumed, d)
	ch.mu.Unlock()

	ch.broker.mu.Lock()
	ch.broker.deliveries[queue] = d
	ch.broker.mu.Unlock()
	return d, nil
}

func (ch *fakeAMQPChannel) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error {
	ch.broker.mu.Lock()
	defer ch.broker.mu.Unlock()
	if ch.broker.publishErr != nil {
		return ch.broker.publishErr
	}
	ch.broker.published = append(ch.broker.published, publishedMsg{exchange: exchange, key: key, msg: msg})
	return nil
}

func (ch *fakeAMQPChannel) Close() error {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	if ch.closed {
		return amqp.ErrClosed
	}
	ch.closed = true
	for _, n := range ch.notify {
		close(n)
	}
	for _, d := range ch.consumed {
		close(d)
	}
	return nil
}

type ackResult struct {
	acked   bool
	requeue bool
}

type fakeAcknowledger struct {
	results chan ackResult
}

func newFakeAcknowledger() *fakeAcknowledger {
	return &fakeAcknowledger{results: make(chan ackResult, 4)}
}

func (a *fakeAcknowledger) Ack(tag uint64, multiple bool) error {
	a.results <- ackResult{acked: true}
	return nil
}

func (a *fakeAcknowledger) Nack(tag uint64, multiple, requeue bool) error {
	a.results <- ackResult{requeue: requeue}
	return nil
}

func (a *fakeAcknowledger) Reject(tag uint64, requeue bool) error {
	a.results <- ackResult{requeue: requeue}
	return nil
}

type fakeSequencer struct {
	mu   sync.Mutex
	next map[string]int64
}

func (s *fakeSequencer) NextSequence(ctx context.Context, partitionKey string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.next == nil {
		s.next = map[string]int64{}
	}
	s.next[partitionKey]++
	return s.next[partitionKey], nil
}
