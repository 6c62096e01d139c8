package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/app"
	"github.com/andreasstove999/marketplace-saga/internal/config"
)

func main() {
	cfg, err := config.Load[config.Gateway]("api-gateway")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.BuildGateway(ctx, cfg)
	if err != nil {
		log.Fatalf("build api-gateway: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		a.Logger().Fatal("api-gateway stopped", zap.Error(err))
	}
}
