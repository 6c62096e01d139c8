package inventory

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// ExpiryMonitor reports active reservations past their expiry. It never
// releases stock; reclaiming is left to an operator.
type ExpiryMonitor struct {
	repo     Repository
	interval time.Duration
	batch    int
	now      func() time.Time
	logger   *zap.Logger
}

func NewExpiryMonitor(repo Repository, interval time.Duration, logger *zap.Logger) *ExpiryMonitor {
	if interval <= 0 {
		interval = time.Minute
	}
	return &ExpiryMonitor{
		repo:     repo,
		interval: interval,
		batch:    100,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(zap.String("component", "reservation-expiry")),
	}
}

// Run scans until ctx is cancelled.
func (m *ExpiryMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := m.Scan(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn("expiry scan failed", zap.Error(err))
			}
		}
	}
}

// Scan logs one warning per expired reservation and returns how many it saw.
func (m *ExpiryMonitor) Scan(ctx context.Context) (int, error) {
	now := m.now()
	expired, err := m.repo.Expired(ctx, now, m.batch)
	if err != nil {
		return 0, err
	}
	for _, r := range expired {
		m.logger.Warn("reservation expired but still active",
			zap.String("orderId", r.OrderID),
			zap.String("productId", r.ProductID),
			zap.String("variantId", r.VariantID),
			zap.Int("quantity", r.Quantity),
			zap.Duration("overdue", now.Sub(r.ExpiresAt)))
	}
	return len(expired), nil
}
