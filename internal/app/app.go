// Package app wires a participant's dependencies and runs it until shutdown.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/db"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/shutdown"
	"github.com/andreasstove999/marketplace-saga/internal/telemetry"
)

// App is one running participant: its event channel, handler table,
// background workers and HTTP API.
type App struct {
	cfg      config.Common
	logger   *zap.Logger
	channel  *messaging.Channel
	registry *messaging.Registry
	routes   []httpapi.Routes
	cors     []string
	workers  []worker
	shutdown *shutdown.Manager

	// ConnectTimeout bounds the initial broker connection attempts.
	ConnectTimeout time.Duration

	server   *http.Server
	addr     net.Addr
	errCh    chan error
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

type worker struct {
	name string
	run  func(ctx context.Context)
}

func newApp(ctx context.Context, cfg config.Common) (*App, error) {
	logger, err := logging.New(logging.Config{
		ServiceName: cfg.ServiceName,
		Env:         cfg.Env,
		Level:       cfg.LogLevel,
	})
	if err != nil {
		return nil, fmt.Errorf("init logger: %w", err)
	}
	stopTracing, err := telemetry.SetupTracing(ctx, cfg.ServiceName, cfg.OTLPEndpoint)
	if err != nil {
		return nil, fmt.Errorf("init tracing: %w", err)
	}

	a := &App{
		cfg:            cfg,
		logger:         logger,
		registry:       messaging.NewRegistry(),
		shutdown:       shutdown.New(cfg.ShutdownTimeout, logger),
		ConnectTimeout: 2 * time.Minute,
		errCh:          make(chan error, 1),
	}
	a.shutdown.Add("logger", func(context.Context) error {
		logging.Sync(logger)
		return nil
	})
	a.shutdown.Add("tracing", stopTracing)
	return a, nil
}

func (a *App) Logger() *zap.Logger { return a.logger }

// Addr is the bound HTTP address once started.
func (a *App) Addr() net.Addr { return a.addr }

// Channel is the participant's event channel.
func (a *App) Channel() *messaging.Channel { return a.channel }

// fail closes what was built so far and returns err.
func (a *App) fail(err error) (*App, error) {
	a.shutdown.Shutdown()
	return nil, err
}

func (a *App) openPool(ctx context.Context, component db.Component) (*pgxpool.Pool, error) {
	if a.cfg.RunMigrations {
		if err := db.RunMigrations(a.cfg.DatabaseDSN, component, a.logger); err != nil {
			return nil, fmt.Errorf("migrate %s: %w", component, err)
		}
	}
	pool, err := db.NewPool(ctx, a.cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("connect db: %w", err)
	}
	a.shutdown.Add("postgres", func(context.Context) error {
		pool.Close()
		return nil
	})
	return pool, nil
}

func (a *App) openRedis(ctx context.Context, addr, password string) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis %s: %w", addr, err)
	}
	a.shutdown.Add("redis", func(context.Context) error { return client.Close() })
	return client, nil
}

func (a *App) openChannel(opts ...messaging.Option) *messaging.Channel {
	a.channel = messaging.NewChannel(messaging.Config{
		URL:            a.cfg.Rabbit.URL,
		Exchange:       a.cfg.Rabbit.Exchange,
		Service:        a.cfg.ServiceName,
		ReconnectDelay: a.cfg.Rabbit.ReconnectDelay,
		PublishTimeout: a.cfg.Rabbit.PublishTimeout,
		Prefetch:       a.cfg.Rabbit.Prefetch,
	}, a.logger, opts...)
	a.shutdown.Add("rabbitmq", func(context.Context) error { return a.channel.Close() })
	return a.channel
}

func (a *App) addWorker(name string, run func(ctx context.Context)) {
	a.workers = append(a.workers, worker{name: name, run: run})
}

// Start connects the channel, binds the handler table, starts the workers
// and serves HTTP. It returns once everything is running.
func (a *App) Start(ctx context.Context) error {
	if err := a.registry.Validate(); err != nil {
		return err
	}
	if a.channel != nil {
		if err := a.connect(ctx); err != nil {
			return err
		}
		if err := a.registry.Bind(a.channel); err != nil {
			return fmt.Errorf("bind handlers: %w", err)
		}
		a.logger.Info("handlers bound", zap.Int("eventTypes", len(a.registry.Types())))
	}

	workCtx, cancel := context.WithCancel(context.Background())
	a.cancel = cancel
	for _, w := range a.workers {
		a.wg.Add(1)
		go func(w worker) {
			defer a.wg.Done()
			a.logger.Info("worker started", zap.String("worker", w.name))
			w.run(workCtx)
		}(w)
	}
	a.shutdown.Add("workers", func(ctx context.Context) error {
		cancel()
		done := make(chan struct{})
		go func() {
			a.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	})

	var ready func() bool
	if a.channel != nil {
		ready = a.channel.Connected
	}
	a.server = &http.Server{
		Handler: httpapi.NewRouter(httpapi.Options{
			Service: a.cfg.ServiceName,
			Logger:  a.logger,
			Ready:   ready,

			CORSAllowOrigins: a.cors,
		}, a.routes...),
		ReadHeaderTimeout: 5 * time.Second,
	}
	ln, err := net.Listen("tcp", a.cfg.HTTPAddr)
	if err != nil {
		return fmt.Errorf("listen %s: %w", a.cfg.HTTPAddr, err)
	}
	a.addr = ln.Addr()
	go func() {
		a.logger.Info("http listening", zap.String("addr", a.addr.String()))
		if err := a.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			a.errCh <- err
		}
	}()
	a.shutdown.Add("http", a.server.Shutdown)
	return nil
}

// connect retries the first broker connection. Later losses are handled by
// the channel itself.
func (a *App) connect(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, a.ConnectTimeout)
	defer cancel()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 500 * time.Millisecond
	b.MaxInterval = 5 * time.Second
	b.MaxElapsedTime = 0

	attempt := 0
	err := backoff.Retry(func() error {
		attempt++
		err := a.channel.Connect(ctx)
		if errors.Is(err, messaging.ErrClosed) {
			return backoff.Permanent(err)
		}
		if err != nil {
			a.logger.Warn("broker not reachable yet", zap.Int("attempt", attempt), zap.Error(err))
		}
		return err
	}, backoff.WithContext(b, ctx))
	if err != nil {
		return fmt.Errorf("connect to broker: %w", err)
	}
	return nil
}

// Stop shuts everything down in reverse start order.
func (a *App) Stop() {
	a.stopOnce.Do(a.shutdown.Shutdown)
}

// Run starts the app and blocks until a signal or a fatal server error.
func (a *App) Run(ctx context.Context) error {
	if err := a.Start(ctx); err != nil {
		a.Stop()
		return err
	}
	a.shutdown.Wait(a.errCh)
	return nil
}
