package app

import (
	"context"

	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/db"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
	"github.com/andreasstove999/marketplace-saga/internal/saga"
)

// BuildProjector wires the read-only saga projector. Redis is optional.
func BuildProjector(ctx context.Context, cfg config.Projector) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	pool, err := a.openPool(ctx, db.Saga)
	if err != nil {
		return a.fail(err)
	}
	a.openChannel()

	var cache saga.Cache
	if cfg.RedisAddr != "" {
		rdb, err := a.openRedis(ctx, cfg.RedisAddr, cfg.RedisPassword)
		if err != nil {
			return a.fail(err)
		}
		cache = saga.NewRedisCache(rdb, cfg.CacheTTL)
	}

	projector := saga.NewProjector(saga.NewPostgresStore(pool, cfg.ServiceName), cache, a.logger)
	projector.Register(a.registry)

	a.routes = append(a.routes, httpapi.NewSagaHandler(projector))
	return a, nil
}
