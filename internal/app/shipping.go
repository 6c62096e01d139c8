package app

import (
	"context"
	"fmt"
	"net/http"

	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/db"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/sequence"
	"github.com/andreasstove999/marketplace-saga/internal/shipping"
)

func BuildShipping(ctx context.Context, cfg config.Shipping) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	pool, err := a.openPool(ctx, db.Shipping)
	if err != nil {
		return a.fail(err)
	}
	ch := a.openChannel(messaging.WithSequencer(sequence.NewCounter(pool, cfg.ServiceName)))

	carriers, err := carrierSelector(cfg)
	if err != nil {
		return a.fail(err)
	}
	svc := shipping.NewService(shipping.NewPostgresRepository(pool), carriers, ch, cfg.CarrierTimeout, a.logger)
	svc.Register(a.registry)

	a.routes = append(a.routes, httpapi.NewShipmentHandler(svc))
	return a, nil
}

// carrierSelector routes everything to one carrier API when CARRIER_URL is
// set and to the simulated carriers otherwise.
func carrierSelector(cfg config.Shipping) (*shipping.Selector, error) {
	if cfg.CarrierURL == "" {
		return shipping.DefaultCarriers(cfg.HomeCountry), nil
	}
	client, err := httpclient.NewClient("carrier", cfg.CarrierURL, &http.Client{Timeout: cfg.CarrierTimeout})
	if err != nil {
		return nil, fmt.Errorf("carrier client: %w", err)
	}
	return shipping.NewSelector(shipping.CarrierOption{Carrier: shipping.NewHTTPCarrier("carrier-api", client)}), nil
}
