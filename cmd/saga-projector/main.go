package main

import (
	"context"
	"log"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/app"
	"github.com/andreasstove999/marketplace-saga/internal/config"
)

func main() {
	cfg, err := config.Load[config.Projector]("saga-projector")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	ctx := context.Background()
	a, err := app.BuildProjector(ctx, cfg)
	if err != nil {
		log.Fatalf("build saga-projector: %v", err)
	}
	if err := a.Run(ctx); err != nil {
		a.Logger().Fatal("saga-projector stopped", zap.Error(err))
	}
}
