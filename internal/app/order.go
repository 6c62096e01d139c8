package app

import (
	"context"
	"fmt"

	"github.com/andreasstove999/marketplace-saga/internal/alert"
	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/db"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/order"
	"github.com/andreasstove999/marketplace-saga/internal/sequence"
)

// BuildOrder wires the order service: the public order API, the saga
// driver and the outbox relay that publishes its requests.
func BuildOrder(ctx context.Context, cfg config.Order) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	if cfg.RunMigrations {
		if err := db.RunMigrations(cfg.DatabaseDSN, db.Order, a.logger); err != nil {
			return a.fail(fmt.Errorf("migrate %s: %w", db.Order, err))
		}
	}
	sqlDB, err := db.OpenSQL(ctx, cfg.DatabaseDSN)
	if err != nil {
		return a.fail(fmt.Errorf("connect db: %w", err))
	}
	a.shutdown.Add("postgres", func(context.Context) error { return sqlDB.Close() })

	ch := a.openChannel(messaging.WithSequencer(sequence.NewCounter(sequence.FromSQL(sqlDB), cfg.ServiceName)))

	alerts, closeAlerts := alert.New(cfg.Alert.KafkaBrokers, cfg.Alert.Topic, a.logger)
	a.shutdown.Add("alerts", func(context.Context) error { return closeAlerts() })

	repo := order.NewRepository(sqlDB)
	svc := order.NewService(repo, alerts, a.logger)
	svc.Register(a.registry)

	relay := order.NewRelay(repo, ch, cfg.OutboxBatchSize, a.logger)
	a.addWorker("outbox-relay", func(ctx context.Context) {
		_ = relay.Run(ctx, cfg.OutboxPollInterval)
	})

	a.routes = append(a.routes, httpapi.NewOrderHandler(svc))
	return a, nil
}
