//go:build integration

package integration

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/app"
	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/testutil"
)

const waitTimeout = 30 * time.Second

// stack runs every participant against one Postgres, one RabbitMQ and one
// Redis. Components share the database and keep separate migration tables.
type stack struct {
	dsn      string
	apps     map[string]*app.App
	observer *observer
	client   *http.Client
}

func common(name, dsn, amqpURL string) config.Common {
	return config.Common{
		ServiceName:     name,
		Env:             "local",
		LogLevel:        "warn",
		HTTPAddr:        "127.0.0.1:0",
		DatabaseDSN:     dsn,
		RunMigrations:   true,
		ShutdownTimeout: 5 * time.Second,
		Rabbit: config.Rabbit{
			URL:            amqpURL,
			Exchange:       "marketplace.events",
			ReconnectDelay: time.Second,
			PublishTimeout: 3 * time.Second,
			Prefetch:       8,
		},
	}
}

func startStack(t *testing.T) *stack {
	t.Helper()
	dsn := testutil.StartPostgres(t)
	amqpURL := testutil.StartRabbitMQ(t)
	redisAddr := testutil.StartRedis(t)
	ctx := context.Background()

	s := &stack{
		dsn:    dsn,
		apps:   map[string]*app.App{},
		client: &http.Client{Timeout: 5 * time.Second},
	}

	start := func(name string, a *app.App, err error) {
		t.Helper()
		require.NoError(t, err, "build %s", name)
		t.Cleanup(a.Stop)
		require.NoError(t, a.Start(ctx), "start %s", name)
		s.apps[name] = a
	}

	inv, err := app.BuildInventory(ctx, config.Inventory{
		Common:             common("inventory-service", dsn, amqpURL),
		ReservationTTL:     30 * time.Minute,
		ExpiryScanInterval: time.Minute,
	})
	start("inventory", inv, err)

	pay, err := app.BuildPayment(ctx, config.Payment{
		Common:         common("payment-service", dsn, amqpURL),
		GatewayTimeout: 5 * time.Second,
		SimulatedLimit: 10_000_000,
		Alert:          config.Alert{Topic: "alerts.critical"},
	})
	start("payment", pay, err)

	ship, err := app.BuildShipping(ctx, config.Shipping{
		Common:         common("shipping-service", dsn, amqpURL),
		CarrierTimeout: 5 * time.Second,
		HomeCountry:    "KR",
	})
	start("shipping", ship, err)

	notify, err := app.BuildNotification(ctx, config.Notification{
		Common:      common("notification-service", dsn, amqpURL),
		RedisAddr:   redisAddr,
		SendTimeout: 2 * time.Second,
		SentTTL:     time.Hour,
		ContactTTL:  time.Hour,
		MaxAttempts: 2,
	})
	start("notification", notify, err)

	proj, err := app.BuildProjector(ctx, config.Projector{
		Common:    common("saga-projector", dsn, amqpURL),
		RedisAddr: redisAddr,
		CacheTTL:  100 * time.Millisecond,
	})
	start("projector", proj, err)

	s.observer = newObserver(t, amqpURL)

	ord, err := app.BuildOrder(ctx, config.Order{
		Common:             common("order-service", dsn, amqpURL),
		OutboxPollInterval: 100 * time.Millisecond,
		OutboxBatchSize:    20,
		Alert:              config.Alert{Topic: "alerts.critical"},
	})
	start("order", ord, err)

	base := func(name string) string { return "http://" + s.apps[name].Addr().String() }
	gw, err := app.BuildGateway(ctx, config.Gateway{
		Common:           common("api-gateway", dsn, amqpURL),
		OrderURL:         base("order"),
		InventoryURL:     base("inventory"),
		PaymentURL:       base("payment"),
		ShippingURL:      base("shipping"),
		SagaURL:          base("projector"),
		UpstreamTimeout:  5 * time.Second,
		CORSAllowOrigins: []string{"*"},
	})
	start("gateway", gw, err)
	return s
}

func (s *stack) url(name, path string) string {
	return "http://" + s.apps[name].Addr().String() + path
}

func (s *stack) post(t *testing.T, name, path string, body any, out any) int {
	t.Helper()
	b, err := json.Marshal(body)
	require.NoError(t, err)
	resp, err := s.client.Post(s.url(name, path), "application/json", bytes.NewReader(b))
	require.NoError(t, err)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (s *stack) get(t *testing.T, name, path string, out any) int {
	t.Helper()
	resp, err := s.client.Get(s.url(name, path))
	require.NoError(t, err)
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK && out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

// eventually polls path on name until check accepts the decoded body.
func eventually[T any](t *testing.T, s *stack, name, path string, check func(T) bool) T {
	t.Helper()
	var last T
	require.Eventually(t, func() bool {
		var v T
		if s.get(t, name, path, &v) != http.StatusOK {
			return false
		}
		last = v
		return check(v)
	}, waitTimeout, 100*time.Millisecond, "waiting on %s%s", name, path)
	return last
}

func (s *stack) seed(t *testing.T, productID string, available int) {
	t.Helper()
	status := s.post(t, "inventory", "/api/inventory/adjust", map[string]any{
		"productId": productID,
		"available": available,
	}, nil)
	require.Equal(t, http.StatusOK, status)
}

// observer records selected event types from the exchange.
type observer struct {
	ch *messaging.Channel

	mu   sync.Mutex
	seen []events.Envelope
}

var observed = []events.Type{
	events.InventoryReserveFailed,
	events.PaymentRefundRequested,
	events.ShippingCancelled,
	events.ReturnInitiated,
}

func newObserver(t *testing.T, amqpURL string) *observer {
	t.Helper()
	ch := messaging.NewChannel(messaging.Config{
		URL:            amqpURL,
		Exchange:       "marketplace.events",
		Service:        "e2e-observer",
		ReconnectDelay: time.Second,
		PublishTimeout: 3 * time.Second,
	}, zap.NewNop())
	t.Cleanup(func() { _ = ch.Close() })
	require.NoError(t, ch.Connect(context.Background()))

	o := &observer{ch: ch}
	for _, typ := range observed {
		require.NoError(t, ch.Subscribe(typ, o.record))
	}
	return o
}

func (o *observer) record(_ context.Context, env events.Envelope) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.seen = append(o.seen, env)
	return nil
}

func (o *observer) find(typ events.Type, orderID string) (events.Envelope, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	for _, env := range o.seen {
		if env.EventType != typ {
			continue
		}
		var d struct {
			OrderID string `json:"orderId"`
		}
		if json.Unmarshal(env.Data, &d) == nil && d.OrderID == orderID {
			return env, true
		}
	}
	return events.Envelope{}, false
}

func (o *observer) waitFor(t *testing.T, typ events.Type, orderID string) events.Envelope {
	t.Helper()
	var env events.Envelope
	require.Eventually(t, func() bool {
		var ok bool
		env, ok = o.find(typ, orderID)
		return ok
	}, waitTimeout, 50*time.Millisecond, fmt.Sprintf("no %s for %s", typ, orderID))
	return env
}

func (o *observer) publish(t *testing.T, typ events.Type, meta events.Meta, data any) {
	t.Helper()
	_, err := o.ch.Publish(context.Background(), typ, meta, data)
	require.NoError(t, err)
}
