package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/app"
	"github.com/andreasstove999/marketplace-saga/internal/config"
)

func main() {
	cfg, err := config.Load[config.Order]("order-service")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.BuildOrder(ctx, cfg)
	if err != nil {
		log.Fatalf("build order-service: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		a.Logger().Fatal("order-service stopped", zap.Error(err))
	}
}
