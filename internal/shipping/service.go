package shipping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
)

var ErrNotPrepared = errors.New("shipment not prepared yet")

const (
	ReasonInvalidRequest = "invalid_request"
	ReasonNoCarrier      = "no_carrier_available"
)

// Service is the shipping participant of the order saga.
type Service struct {
	repo     Repository
	carriers *Selector
	pub      messaging.Publisher
	timeout  time.Duration
	now      func() time.Time
	logger   *zap.Logger

	// newBackOff paces the wait for a shipment that is still being prepared
	// when payment.completed arrives.
	newBackOff func() backoff.BackOff
}

func NewService(repo Repository, carriers *Selector, pub messaging.Publisher, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	s := &Service{
		repo:     repo,
		carriers: carriers,
		pub:      pub,
		timeout:  timeout,
		now:      func() time.Time { return time.Now().UTC() },
		logger:   logger.With(zap.String("component", "shipping")),
	}
	s.newBackOff = func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = 100 * time.Millisecond
		b.MaxInterval = time.Second
		// Registration at the carrier is bounded by timeout.
		b.MaxElapsedTime = 2 * timeout
		return b
	}
	return s
}

func (s *Service) Register(r *messaging.Registry) {
	r.On(events.ShippingPrepareRequested, messaging.Typed(s.logger, s.HandlePrepareRequested))
	r.On(events.ShippingCancelRequested, messaging.Typed(s.logger, s.HandleCancelRequested))
	r.On(events.PaymentCompleted, messaging.Typed(s.logger, s.HandlePaymentCompleted))
}

func (s *Service) HandlePrepareRequested(ctx context.Context, env events.Envelope, data events.ShippingPrepareRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))
	if data.OrderID == "" {
		log.Error("prepare request without orderId")
		return nil
	}

	sh, created, err := s.repo.Create(ctx, Shipment{
		OrderID:       data.OrderID,
		SagaID:        env.SagaID,
		CorrelationID: env.CorrelationID,
		Address:       data.Address,
		Items:         data.Items,
		WeightGrams:   totalWeight(data.Items),
	})
	if err != nil {
		return fmt.Errorf("create shipment %s: %w", data.OrderID, err)
	}

	if !created {
		switch {
		case sh.Status == StatusPreparing:
			log.Info("resuming shipment preparation")
		case sh.Status == StatusPrepared || sh.Status.Shipped():
			log.Info("shipment already prepared, republishing outcome")
			return s.publishPrepared(ctx, env, sh)
		case sh.Status == StatusFailed:
			return s.publishPrepareFailed(ctx, env, sh.OrderID, sh.FailureReason)
		default:
			log.Info("shipment already cancelled")
			return nil
		}
	}

	if len(data.Items) == 0 || data.Address.Country == "" {
		log.Warn("rejecting prepare request", zap.Int("items", len(data.Items)))
		return s.fail(ctx, env, sh, ReasonInvalidRequest)
	}

	carrier, err := s.carriers.Select(sh.WeightGrams, data.Address.Country)
	if err != nil {
		log.Warn("no carrier", zap.Error(err))
		return s.fail(ctx, env, sh, ReasonNoCarrier)
	}

	cctx, cancel := s.carrierContext(ctx, env)
	tracking, err := carrier.Register(cctx, RegisterRequest{
		OrderID:     sh.OrderID,
		Address:     data.Address,
		Items:       data.Items,
		WeightGrams: sh.WeightGrams,
	})
	cancel()
	if err != nil {
		log.Warn("carrier registration failed", zap.String("carrier", carrier.Name()), zap.Error(err))
		return s.fail(ctx, env, sh, "carrier_registration_failed: "+err.Error())
	}

	prepared, err := s.repo.Transition(ctx, sh.OrderID, StatusPreparing, StatusPrepared, Update{
		Carrier:        carrier.Name(),
		TrackingNumber: tracking,
	})
	if err != nil {
		// Never leave a registration behind for a shipment that is not prepared.
		s.cancelAtCarrier(ctx, env, carrier, tracking, log)
		if errors.Is(err, ErrInvalidTransition) {
			log.Info("shipment changed while preparing", zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark shipment %s prepared: %w", sh.OrderID, err)
	}

	log.Info("shipment prepared", zap.String("carrier", prepared.Carrier), zap.String("trackingNumber", tracking))
	return s.publishPrepared(ctx, env, prepared)
}

// HandleCancelRequested cancels before dispatch. Once the parcel has left it
// starts a return instead and leaves the shipment as it is.
func (s *Service) HandleCancelRequested(ctx context.Context, env events.Envelope, data events.ShippingCancelRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))

	sh, err := s.repo.Get(ctx, data.OrderID)
	if errors.Is(err, ErrNotFound) {
		log.Info("nothing to cancel")
		return s.publishCancelled(ctx, env, data.OrderID)
	}
	if err != nil {
		return err
	}

	switch {
	case sh.Status.Shipped():
		log.Info("cancel after dispatch, initiating return", zap.String("status", string(sh.Status)))
		return s.publish(ctx, env, events.ReturnInitiated, events.ReturnInitiatedData{
			OrderID:        sh.OrderID,
			Reason:         events.ReasonCancelledAfterDispatch,
			TrackingNumber: sh.TrackingNumber,
		})
	case sh.Status == StatusCancelled || sh.Status == StatusFailed:
		return s.publishCancelled(ctx, env, sh.OrderID)
	}

	if sh.TrackingNumber != "" {
		carrier, ok := s.carriers.ByName(sh.Carrier)
		if !ok {
			return fmt.Errorf("shipment %s: unknown carrier %q", sh.OrderID, sh.Carrier)
		}
		cctx, cancel := s.carrierContext(ctx, env)
		err := carrier.Cancel(cctx, sh.TrackingNumber)
		cancel()
		if err != nil {
			return fmt.Errorf("cancel shipment %s at %s: %w", sh.OrderID, sh.Carrier, err)
		}
	}

	if _, err := s.repo.Transition(ctx, sh.OrderID, sh.Status, StatusCancelled, Update{FailureReason: data.Reason}); err != nil {
		return fmt.Errorf("mark shipment %s cancelled: %w", sh.OrderID, err)
	}
	log.Info("shipment cancelled")
	return s.publishCancelled(ctx, env, sh.OrderID)
}

// HandlePaymentCompleted dispatches as soon as the order is paid, without
// waiting for inventory.reserved. This optimistic dispatch is intentional: a
// later cancel turns into a return.
func (s *Service) HandlePaymentCompleted(ctx context.Context, env events.Envelope, data events.PaymentCompletedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))

	sh, err := s.awaitPrepared(ctx, data.OrderID)
	switch {
	case errors.Is(err, ErrNotFound):
		log.Warn("no shipment for paid order, dropping dispatch")
		return nil
	case errors.Is(err, ErrNotPrepared):
		return fmt.Errorf("dispatch order %s: %w", data.OrderID, err)
	case err != nil:
		return err
	}

	switch {
	case sh.Status.Shipped():
		log.Info("shipment already dispatched, republishing outcome")
		return s.publishDispatched(ctx, env, sh)
	case sh.Status != StatusPrepared:
		log.Info("shipment not dispatchable, skipping", zap.String("status", string(sh.Status)))
		return nil
	}

	carrier, ok := s.carriers.ByName(sh.Carrier)
	if !ok {
		return fmt.Errorf("shipment %s: unknown carrier %q", sh.OrderID, sh.Carrier)
	}
	cctx, cancel := s.carrierContext(ctx, env)
	eta, err := carrier.Dispatch(cctx, sh.TrackingNumber)
	cancel()
	if err != nil {
		return fmt.Errorf("dispatch shipment %s at %s: %w", sh.OrderID, sh.Carrier, err)
	}

	now := s.now()
	dispatched, err := s.repo.Transition(ctx, sh.OrderID, StatusPrepared, StatusDispatched, Update{
		EstimatedDelivery: &eta,
		DispatchedAt:      &now,
	})
	if err != nil {
		return fmt.Errorf("mark shipment %s dispatched: %w", sh.OrderID, err)
	}
	log.Info("shipment dispatched", zap.String("trackingNumber", dispatched.TrackingNumber), zap.Time("eta", eta))
	return s.publishDispatched(ctx, env, dispatched)
}

// awaitPrepared polls until the shipment has left preparing. It gives up
// with ErrNotFound or ErrNotPrepared once the backoff is exhausted.
func (s *Service) awaitPrepared(ctx context.Context, orderID string) (Shipment, error) {
	var sh Shipment
	op := func() error {
		var err error
		sh, err = s.repo.Get(ctx, orderID)
		switch {
		case errors.Is(err, ErrNotFound):
			return err
		case err != nil:
			return backoff.Permanent(err)
		case sh.Status == StatusPreparing:
			return ErrNotPrepared
		}
		return nil
	}
	err := backoff.Retry(op, backoff.WithContext(s.newBackOff(), ctx))
	return sh, err
}

// MarkStatus applies a carrier tracking update. Reaching delivered publishes
// shipping.delivered.
func (s *Service) MarkStatus(ctx context.Context, orderID string, to Status, at time.Time) (Shipment, error) {
	sh, err := s.repo.Get(ctx, orderID)
	if err != nil {
		return Shipment{}, err
	}
	if sh.Status == to {
		return sh, nil
	}
	if at.IsZero() {
		at = s.now()
	}

	u := Update{}
	if to == StatusDelivered {
		u.DeliveredAt = &at
	}
	updated, err := s.repo.Transition(ctx, orderID, sh.Status, to, u)
	if err != nil {
		return Shipment{}, err
	}
	s.logger.Info("shipment status updated",
		zap.String("orderId", orderID), zap.String("from", string(sh.Status)), zap.String("to", string(to)))

	if to == StatusDelivered {
		if _, err := s.pub.Publish(ctx, events.ShippingDelivered, updated.Meta(), events.ShippingDeliveredData{
			OrderID:        updated.OrderID,
			TrackingNumber: updated.TrackingNumber,
			DeliveredAt:    at,
		}); err != nil {
			return updated, fmt.Errorf("publish %s: %w", events.ShippingDelivered, err)
		}
	}
	return updated, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (Shipment, error) {
	return s.repo.Get(ctx, orderID)
}

func (s *Service) fail(ctx context.Context, env events.Envelope, sh Shipment, reason string) error {
	if _, err := s.repo.Transition(ctx, sh.OrderID, StatusPreparing, StatusFailed, Update{FailureReason: reason}); err != nil {
		if errors.Is(err, ErrInvalidTransition) {
			s.logger.Info("shipment changed while preparing", zap.String("orderId", sh.OrderID), zap.Error(err))
			return nil
		}
		return fmt.Errorf("mark shipment %s failed: %w", sh.OrderID, err)
	}
	return s.publishPrepareFailed(ctx, env, sh.OrderID, reason)
}

func (s *Service) cancelAtCarrier(ctx context.Context, env events.Envelope, c Carrier, tracking string, log *zap.Logger) {
	cctx, cancel := s.carrierContext(ctx, env)
	defer cancel()
	if err := c.Cancel(cctx, tracking); err != nil {
		log.Error("cannot cancel carrier registration", zap.String("trackingNumber", tracking), zap.Error(err))
	}
}

func (s *Service) carrierContext(ctx context.Context, env events.Envelope) (context.Context, context.CancelFunc) {
	return context.WithTimeout(middleware.WithCorrelationID(ctx, env.CorrelationID), s.timeout)
}

func (s *Service) publishPrepared(ctx context.Context, env events.Envelope, sh Shipment) error {
	return s.publish(ctx, env, events.ShippingPrepared, events.ShippingPreparedData{
		OrderID:        sh.OrderID,
		TrackingNumber: sh.TrackingNumber,
		CarrierName:    sh.Carrier,
	})
}

func (s *Service) publishPrepareFailed(ctx context.Context, env events.Envelope, orderID, reason string) error {
	return s.publish(ctx, env, events.ShippingPrepareFailed, events.ShippingPrepareFailedData{OrderID: orderID, Reason: reason})
}

func (s *Service) publishCancelled(ctx context.Context, env events.Envelope, orderID string) error {
	return s.publish(ctx, env, events.ShippingCancelled, events.ShippingCancelledData{OrderID: orderID})
}

func (s *Service) publishDispatched(ctx context.Context, env events.Envelope, sh Shipment) error {
	out := events.ShippingDispatchedData{
		OrderID:        sh.OrderID,
		TrackingNumber: sh.TrackingNumber,
		CarrierName:    sh.Carrier,
	}
	if sh.EstimatedDelivery != nil {
		out.EstimatedDeliveryDate = *sh.EstimatedDelivery
	}
	return s.publish(ctx, env, events.ShippingDispatched, out)
}

func (s *Service) publish(ctx context.Context, env events.Envelope, t events.Type, data any) error {
	if _, err := s.pub.Publish(ctx, t, env.Meta(), data); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}
