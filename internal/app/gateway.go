package app

import (
	"context"
	"net/http"

	"github.com/andreasstove999/marketplace-saga/internal/config"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
)

// BuildGateway wires the public API gateway. It has no broker connection.
func BuildGateway(ctx context.Context, cfg config.Gateway) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	gw, err := httpapi.NewGatewayHandler([]httpapi.Upstream{
		{Name: "order-service", BaseURL: cfg.OrderURL, Prefixes: []string{"/api/orders", "/api/users"}},
		{Name: "inventory-service", BaseURL: cfg.InventoryURL, Prefixes: []string{"/api/inventory"}},
		{Name: "payment-service", BaseURL: cfg.PaymentURL, Prefixes: []string{"/api/payments"}},
		{Name: "shipping-service", BaseURL: cfg.ShippingURL, Prefixes: []string{"/api/shipments"}},
		{Name: "saga-projector", BaseURL: cfg.SagaURL, Prefixes: []string{"/api/sagas"}},
	}, &http.Client{Timeout: cfg.UpstreamTimeout}, cfg.UpstreamTimeout, a.logger)
	if err != nil {
		return a.fail(err)
	}
	a.routes = append(a.routes, gw)
	a.cors = cfg.CORSAllowOrigins
	return a, nil
}
