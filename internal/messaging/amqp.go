package messaging

import (
	"context"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// AMQPChannel is the subset of *amqp.Channel the message channel uses.
type AMQPChannel interface {
	ExchangeDeclare(name, kind string, durable, autoDelete, internal, noWait bool, args amqp.Table) error
	QueueDeclare(name string, durable, autoDelete, exclusive, noWait bool, args amqp.Table) (amqp.Queue, error)
	QueueBind(name, key, exchange string, noWait bool, args amqp.Table) error
	Qos(prefetchCount, prefetchSize int, global bool) error
	Consume(queue, consumer string, autoAck, exclusive, noLocal, noWait bool, args amqp.Table) (<-chan amqp.Delivery, error)
	PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp.Publishing) error
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

// Conn is the subset of *amqp.Connection the message channel uses.
type Conn interface {
	Channel() (AMQPChannel, error)
	NotifyClose(receiver chan *amqp.Error) chan *amqp.Error
	Close() error
}

type Dialer func(url string) (Conn, error)

type rabbitConn struct {
	*amqp.Connection
}

func (c rabbitConn) Channel() (AMQPChannel, error) {
	ch, err := c.Connection.Channel()
	if err != nil {
		return nil, err
	}
	return ch, nil
}

// DialRabbit is the production Dialer.
func DialRabbit(url string) (Conn, error) {
	conn, err := amqp.Dial(url)
	if err != nil {
		return nil, err
	}
	return rabbitConn{Connection: conn}, nil
}

// QueueName is the durable queue of one consuming service for one event type.
func QueueName(service string, t events.Type) string {
	return service + "." + string(t)
}

func declareExchange(ch AMQPChannel, name string) error {
	return ch.ExchangeDeclare(
		name,
		"topic",
		true,  // durable
		false, // autoDelete
		false, // internal
		false, // noWait
		nil,
	)
}

// headerCarrier adapts AMQP headers to the otel propagation carrier.
type headerCarrier amqp.Table

func (h headerCarrier) Get(key string) string {
	v, ok := h[key]
	if !ok {
		return ""
	}
	s, _ := v.(string)
	return s
}

func (h headerCarrier) Set(key, value string) {
	h[key] = value
}

func (h headerCarrier) Keys() []string {
	keys := make([]string, 0, len(h))
	for k := range h {
		keys = append(keys, k)
	}
	return keys
}
