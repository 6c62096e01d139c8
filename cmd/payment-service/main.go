package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/app"
	"github.com/andreasstove999/marketplace-saga/internal/config"
)

func main() {
	cfg, err := config.Load[config.Payment]("payment-service")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.BuildPayment(ctx, cfg)
	if err != nil {
		log.Fatalf("build payment-service: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		a.Logger().Fatal("payment-service stopped", zap.Error(err))
	}
}
