package app

import (
	"context"

	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/db"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
	"github.com/andreasstove999/marketplace-saga/internal/inventory"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/sequence"
)

// BuildInventory wires the inventory participant and its reservation expiry monitor.
func BuildInventory(ctx context.Context, cfg config.Inventory) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	pool, err := a.openPool(ctx, db.Inventory)
	if err != nil {
		return a.fail(err)
	}
	ch := a.openChannel(messaging.WithSequencer(sequence.NewCounter(pool, cfg.ServiceName)))

	repo := inventory.NewPostgresRepository(pool)
	svc := inventory.NewService(repo, ch, cfg.ReservationTTL, a.logger)
	svc.Register(a.registry)

	monitor := inventory.NewExpiryMonitor(repo, cfg.ExpiryScanInterval, a.logger)
	a.addWorker("reservation-expiry", monitor.Run)

	a.routes = append(a.routes, httpapi.NewInventoryHandler(repo))
	return a, nil
}
