package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/app"
	"github.com/andreasstove999/marketplace-saga/internal/config"
)

func main() {
	cfg, err := config.Load[config.Shipping]("shipping-service")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.BuildShipping(ctx, cfg)
	if err != nil {
		log.Fatalf("build shipping-service: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		a.Logger().Fatal("shipping-service stopped", zap.Error(err))
	}
}
