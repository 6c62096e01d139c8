package app

import (
	"context"
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/alert"
	"github.com/andreasstove999/marketplace-saga/internal/config"
	"github.com/andreasstove999/marketplace-saga/internal/db"
	httpapi "github.com/andreasstove999/marketplace-saga/internal/http"
	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/payment"
	"github.com/andreasstove999/marketplace-saga/internal/sequence"
)

// BuildPayment wires the payment participant. Without a gateway URL it
// charges against the simulated gateway.
func BuildPayment(ctx context.Context, cfg config.Payment) (*App, error) {
	a, err := newApp(ctx, cfg.Common)
	if err != nil {
		return nil, err
	}
	pool, err := a.openPool(ctx, db.Payment)
	if err != nil {
		return a.fail(err)
	}
	ch := a.openChannel(messaging.WithSequencer(sequence.NewCounter(pool, cfg.ServiceName)))

	var gw payment.Gateway
	if cfg.GatewayURL != "" {
		client, err := httpclient.NewClient("payment-gateway", cfg.GatewayURL, &http.Client{Timeout: cfg.GatewayTimeout})
		if err != nil {
			return a.fail(fmt.Errorf("gateway client: %w", err))
		}
		gw = payment.NewHTTPGateway(client)
	} else {
		a.logger.Warn("PAYMENT_GATEWAY_URL not set, using simulated gateway", zap.Int64("limit", cfg.SimulatedLimit))
		gw = payment.NewSimulatedGateway(cfg.SimulatedLimit)
	}

	alerts, closeAlerts := alert.New(cfg.Alert.KafkaBrokers, cfg.Alert.Topic, a.logger)
	a.shutdown.Add("alerts", func(context.Context) error { return closeAlerts() })

	svc := payment.NewService(payment.NewPostgresRepository(pool), gw, ch, alerts, cfg.GatewayTimeout, a.logger)
	svc.Register(a.registry)

	a.routes = append(a.routes, httpapi.NewPaymentHandler(svc))
	return a, nil
}
