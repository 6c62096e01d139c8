package inventory

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
)

const DefaultReservationTTL = 30 * time.Minute

const (
	ReasonInsufficientStock = "insufficient_stock"
	ReasonInvalidRequest    = "invalid_request"
)

// Service is the inventory participant of the order saga.
type Service struct {
	repo   Repository
	pub    messaging.Publisher
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

func NewService(repo Repository, pub messaging.Publisher, ttl time.Duration, logger *zap.Logger) *Service {
	if ttl <= 0 {
		ttl = DefaultReservationTTL
	}
	return &Service{
		repo:   repo,
		pub:    pub,
		ttl:    ttl,
		now:    func() time.Time { return time.Now().UTC() },
		logger: logger.With(zap.String("component", "inventory")),
	}
}

// Register adds the inventory handlers to r.
func (s *Service) Register(r *messaging.Registry) {
	r.On(events.InventoryReserveRequested, messaging.Typed(s.logger, s.HandleReserveRequested))
	r.On(events.InventoryReleaseRequested, messaging.Typed(s.logger, s.HandleReleaseRequested))
	r.On(events.OrderCompleted, messaging.Typed(s.logger, s.HandleOrderCompleted))
	r.On(events.OrderCancelled, messaging.Typed(s.logger, s.HandleOrderCancelled))
}

func (s *Service) HandleReserveRequested(ctx context.Context, env events.Envelope, data events.InventoryReserveRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))
	if data.OrderID == "" {
		log.Error("reserve request without orderId")
		return nil
	}

	lines, err := toLines(data.Items)
	if err != nil {
		log.Warn("rejecting reserve request", zap.Error(err))
		return s.publishReserveFailed(ctx, env, data.OrderID, ReasonInvalidRequest, nil)
	}

	res, err := s.repo.Reserve(ctx, data.OrderID, lines, s.now().Add(s.ttl))
	if err != nil {
		return fmt.Errorf("reserve order %s: %w", data.OrderID, err)
	}

	if !res.Reserved() {
		log.Info("insufficient stock", zap.Int("shortLines", len(res.Shortages)))
		return s.publishReserveFailed(ctx, env, data.OrderID, ReasonInsufficientStock, res.Shortages)
	}

	if res.Existing {
		if settled(res.Reservations, ReservationReleased) {
			log.Info("reservations already released, ignoring redelivered request")
			return nil
		}
		log.Info("order already reserved, republishing outcome")
	} else {
		log.Info("stock reserved", zap.Int("lines", len(res.Reservations)))
	}

	out := events.InventoryReservedData{OrderID: data.OrderID}
	for _, r := range res.Reservations {
		out.Reservations = append(out.Reservations, events.ReservationData{
			ProductID: r.ProductID,
			VariantID: r.VariantID,
			Quantity:  r.Quantity,
			ExpiresAt: r.ExpiresAt,
		})
	}
	if _, err := s.pub.Publish(ctx, events.InventoryReserved, env.Meta(), out); err != nil {
		return fmt.Errorf("publish %s: %w", events.InventoryReserved, err)
	}
	return nil
}

// HandleReleaseRequested always answers with inventory.released, also when
// there was nothing left to release.
func (s *Service) HandleReleaseRequested(ctx context.Context, env events.Envelope, data events.InventoryReleaseRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))

	released, err := s.repo.Release(ctx, data.OrderID)
	if err != nil {
		return fmt.Errorf("release order %s: %w", data.OrderID, err)
	}
	log.Info("reservations released", zap.Int("lines", len(released)), zap.String("reason", data.Reason))

	if _, err := s.pub.Publish(ctx, events.InventoryReleased, env.Meta(), events.InventoryReleasedData{OrderID: data.OrderID}); err != nil {
		return fmt.Errorf("publish %s: %w", events.InventoryReleased, err)
	}
	return nil
}

// HandleOrderCancelled releases whatever the order still holds. It only
// announces inventory.released when something was actually returned.
func (s *Service) HandleOrderCancelled(ctx context.Context, env events.Envelope, data events.OrderCancelledData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))

	released, err := s.repo.Release(ctx, data.OrderID)
	if err != nil {
		return fmt.Errorf("release cancelled order %s: %w", data.OrderID, err)
	}
	if len(released) == 0 {
		return nil
	}
	log.Info("released reservations of cancelled order", zap.Int("lines", len(released)))
	if _, err := s.pub.Publish(ctx, events.InventoryReleased, env.Meta(), events.InventoryReleasedData{OrderID: data.OrderID}); err != nil {
		return fmt.Errorf("publish %s: %w", events.InventoryReleased, err)
	}
	return nil
}

// HandleOrderCompleted turns the reservations into a hard sale.
func (s *Service) HandleOrderCompleted(ctx context.Context, env events.Envelope, data events.OrderCompletedData) error {
	confirmed, err := s.repo.Confirm(ctx, data.OrderID)
	if err != nil {
		return fmt.Errorf("confirm order %s: %w", data.OrderID, err)
	}
	s.logger.Info("reservations confirmed",
		append(logging.EventFields(env), zap.String("orderId", data.OrderID), zap.Int("lines", len(confirmed)))...)
	return nil
}

func (s *Service) publishReserveFailed(ctx context.Context, env events.Envelope, orderID, reason string, shortages []Shortage) error {
	out := events.InventoryReserveFailedData{OrderID: orderID, Reason: reason}
	for _, sh := range shortages {
		out.Shortages = append(out.Shortages, events.Shortage{
			ProductID: sh.ProductID,
			VariantID: sh.VariantID,
			Requested: sh.Requested,
			Available: sh.Available,
		})
	}
	if _, err := s.pub.Publish(ctx, events.InventoryReserveFailed, env.Meta(), out); err != nil {
		return fmt.Errorf("publish %s: %w", events.InventoryReserveFailed, err)
	}
	return nil
}

func toLines(items []events.LineItem) ([]Line, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("no items")
	}
	lines := make([]Line, 0, len(items))
	for _, it := range items {
		if it.ProductID == "" || it.Quantity <= 0 {
			return nil, fmt.Errorf("invalid line %q quantity %d", it.ProductID, it.Quantity)
		}
		lines = append(lines, Line{ProductID: it.ProductID, VariantID: it.VariantID, Quantity: it.Quantity})
	}
	return lines, nil
}

func settled(rs []Reservation, status ReservationStatus) bool {
	for _, r := range rs {
		if r.Status != status {
			return false
		}
	}
	return len(rs) > 0
}
