package order

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/messaging"
)

// Relay moves committed outbox messages onto the channel.
type Relay struct {
	repo      Repository
	pub       messaging.Publisher
	batchSize int
	logger    *zap.Logger
}

func NewRelay(repo Repository, pub messaging.Publisher, batchSize int, logger *zap.Logger) *Relay {
	if batchSize <= 0 {
		batchSize = 50
	}
	return &Relay{
		repo:      repo,
		pub:       pub,
		batchSize: batchSize,
		logger:    logger.With(zap.String("component", "outbox-relay")),
	}
}

// Flush publishes pending messages until the outbox is drained or a publish
// fails.
func (r *Relay) Flush(ctx context.Context) (int, error) {
	total := 0
	for {
		n, err := r.repo.RelayOutbox(ctx, r.batchSize, func(m OutboxMessage) error {
			_, err := r.pub.Publish(ctx, m.EventType, m.Meta(), json.RawMessage(m.Payload))
			if err != nil {
				return fmt.Errorf("publish %s for order %s: %w", m.EventType, m.OrderID, err)
			}
			return nil
		})
		total += n
		if err != nil || n < r.batchSize {
			return total, err
		}
	}
}

// Run flushes on every tick until ctx is done.
func (r *Relay) Run(ctx context.Context, interval time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Flush(ctx)
			if err != nil && ctx.Err() == nil {
				r.logger.Warn("outbox flush stopped", zap.Int("published", n), zap.Error(err))
			} else if n > 0 {
				r.logger.Debug("outbox flushed", zap.Int("published", n))
			}
		}
	}
}
