package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/alert"
	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/saga"
)

// outcomes are the step results the order reacts to.
var outcomes = []events.Type{
	events.PaymentCompleted,
	events.PaymentFailed,
	events.PaymentRefunded,
	events.PaymentRefundFailed,
	events.InventoryReserved,
	events.InventoryReserveFailed,
	events.InventoryReleased,
	events.ShippingPrepared,
	events.ShippingPrepareFailed,
	events.ShippingCancelled,
	events.ShippingDispatched,
	events.ShippingDelivered,
	events.ReturnInitiated,
}

// Service is the originating participant: it places orders and turns step
// outcomes into the next requests of the saga.
type Service struct {
	repo   Repository
	alerts alert.Sink
	logger *zap.Logger
	newID  func() string
	now    func() time.Time
}

func NewService(repo Repository, alerts alert.Sink, logger *zap.Logger) *Service {
	return &Service{
		repo:   repo,
		alerts: alerts,
		logger: logger.With(zap.String("component", "order")),
		newID:  uuid.NewString,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

func (s *Service) Register(r *messaging.Registry) {
	for _, t := range outcomes {
		r.On(t, s.HandleOutcome)
	}
}

// Place stores the order and queues the opening events of its saga.
func (s *Service) Place(ctx context.Context, req PlaceRequest, correlationID string) (Order, error) {
	if err := req.Validate(); err != nil {
		return Order{}, err
	}
	meta := events.NewSaga(correlationID)
	now := s.now()
	o := Order{
		ID:            s.newID(),
		SagaID:        meta.SagaID,
		CorrelationID: meta.CorrelationID,
		UserID:        req.UserID,
		Amount:        amount(req.Items),
		Currency:      req.Currency,
		PaymentMethod: req.PaymentMethod,
		Items:         req.Items,
		Address:       req.Address,
		Contact:       req.Contact,
		Ledger:        saga.NewLedger(),
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	o.Ledger.Apply(events.ShippingPrepareRequested, "")
	o.Ledger.Apply(events.PaymentRequested, "")
	o.Status = o.Ledger.State

	opening := []struct {
		t    events.Type
		data any
	}{
		{events.OrderCreated, events.OrderCreatedData{
			OrderID:  o.ID,
			UserID:   o.UserID,
			Items:    o.Items,
			Amount:   o.Amount,
			Currency: o.Currency,
			Address:  o.Address,
			Contact:  o.Contact,
		}},
		{events.ShippingPrepareRequested, events.ShippingPrepareRequestedData{OrderID: o.ID, Items: o.Items, Address: o.Address}},
		{events.PaymentRequested, events.PaymentRequestedData{
			OrderID:  o.ID,
			UserID:   o.UserID,
			Amount:   o.Amount,
			Currency: o.Currency,
			Method:   o.PaymentMethod,
		}},
	}
	msgs := make([]OutboxMessage, 0, len(opening))
	for _, ev := range opening {
		m, err := newMessage(o, "", ev.t, ev.data)
		if err != nil {
			return Order{}, err
		}
		msgs = append(msgs, m)
	}

	if err := s.repo.Create(ctx, o, msgs); err != nil {
		return Order{}, fmt.Errorf("create order: %w", err)
	}
	s.logger.Info("order placed",
		zap.String("orderId", o.ID),
		zap.String("sagaId", o.SagaID),
		zap.String("correlationId", o.CorrelationID),
		zap.Int64("amount", o.Amount),
	)
	return o, nil
}

// Cancel fails the saga on request of the user. Finished orders return
// ErrNotCancellable.
func (s *Service) Cancel(ctx context.Context, orderID, reason string) (Order, error) {
	if reason == "" {
		reason = "requested_by_user"
	}
	o, _, err := s.repo.Update(ctx, orderID, func(o *Order) (bool, []OutboxMessage, error) {
		before := o.Ledger.State
		if err := o.Ledger.Cancel(reason); err != nil {
			if errors.Is(err, saga.ErrTerminal) {
				return false, nil, fmt.Errorf("%w: order is %s", ErrNotCancellable, o.Status)
			}
			return false, nil, err
		}
		if before != saga.StateRunning {
			// Already failing; the cancel changes nothing.
			return false, nil, nil
		}
		msgs, err := s.followUps(o, "")
		if err != nil {
			return false, nil, err
		}
		return true, msgs, nil
	})
	if err != nil {
		return Order{}, err
	}
	s.logger.Info("order cancellation requested", zap.String("orderId", o.ID), zap.String("sagaId", o.SagaID), zap.String("status", string(o.Status)))
	return o, nil
}

func (s *Service) Get(ctx context.Context, orderID string) (Order, error) {
	return s.repo.Get(ctx, orderID)
}

func (s *Service) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	return s.repo.ListByUser(ctx, userID)
}

type outcome struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// HandleOutcome folds a step result into the order's ledger and queues
// whatever the saga needs next. Redelivered results change nothing.
func (s *Service) HandleOutcome(ctx context.Context, env events.Envelope) error {
	log := s.logger.With(logging.EventFields(env)...)
	var data outcome
	if err := env.Decode(&data); err != nil {
		log.Error("undecodable outcome", zap.Error(err))
		return nil
	}
	if data.OrderID == "" {
		log.Error("outcome without orderId")
		return nil
	}
	log = log.With(zap.String("orderId", data.OrderID))

	var escalated bool
	o, changed, err := s.repo.Update(ctx, data.OrderID, func(o *Order) (bool, []OutboxMessage, error) {
		if o.SagaID != env.SagaID {
			log.Warn("outcome belongs to another saga", zap.String("orderSagaId", o.SagaID))
			return false, nil, nil
		}
		before := o.Ledger.State
		if !o.Ledger.Apply(env.EventType, data.Reason) {
			return false, nil, nil
		}
		msgs, err := s.followUps(o, env.EventID)
		if err != nil {
			return false, nil, err
		}
		escalated = before != saga.StateEscalated && o.Status == saga.StateEscalated
		return true, msgs, nil
	})
	if errors.Is(err, ErrNotFound) {
		log.Warn("outcome for unknown order")
		return nil
	}
	if err != nil {
		log.Error("cannot apply outcome", zap.Error(err))
		return err
	}
	if !changed {
		log.Debug("outcome already applied")
		return nil
	}
	log.Info("saga advanced", zap.String("status", string(o.Status)))

	if escalated {
		s.escalate(ctx, o, env, data.Reason)
	}
	return nil
}

// followUps asks the ledger for the next requests and turns them into
// outbox messages. It also syncs the order status with the saga.
func (s *Service) followUps(o *Order, causationID string) ([]OutboxMessage, error) {
	next := o.Ledger.Next()
	o.Status = o.Ledger.State
	if o.Status == saga.StateCancelled && o.CancelReason == "" {
		o.CancelReason = o.Ledger.FailureReason
	}

	msgs := make([]OutboxMessage, 0, len(next))
	for _, t := range next {
		data, err := s.payload(*o, t)
		if err != nil {
			return nil, err
		}
		m, err := newMessage(*o, causationID, t, data)
		if err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, nil
}

func (s *Service) payload(o Order, t events.Type) (any, error) {
	reason := o.Ledger.FailureReason
	switch t {
	case events.InventoryReserveRequested:
		return events.InventoryReserveRequestedData{OrderID: o.ID, Items: o.Items}, nil
	case events.PaymentRefundRequested:
		return events.PaymentRefundRequestedData{OrderID: o.ID, Reason: reason}, nil
	case events.InventoryReleaseRequested:
		return events.InventoryReleaseRequestedData{OrderID: o.ID, Reason: reason}, nil
	case events.ShippingCancelRequested:
		return events.ShippingCancelRequestedData{OrderID: o.ID, Reason: reason}, nil
	case events.OrderCompleted:
		return events.OrderCompletedData{OrderID: o.ID}, nil
	case events.OrderCancelled:
		return events.OrderCancelledData{OrderID: o.ID, Reason: reason}, nil
	}
	return nil, fmt.Errorf("no payload for %s", t)
}

func (s *Service) escalate(ctx context.Context, o Order, env events.Envelope, reason string) {
	s.logger.Error("saga escalated", zap.String("orderId", o.ID), zap.String("sagaId", o.SagaID), zap.String("cause", string(env.EventType)))
	err := s.alerts.Critical(ctx, alert.Alert{
		Kind:    "saga_escalated",
		Source:  "order-service",
		SagaID:  o.SagaID,
		OrderID: o.ID,
		Message: "compensation failed, manual intervention required",
		Details: map[string]string{
			"cause":         string(env.EventType),
			"reason":        reason,
			"failureReason": o.Ledger.FailureReason,
			"correlationId": o.CorrelationID,
		},
	})
	if err != nil {
		s.logger.Error("cannot raise escalation alert", zap.String("orderId", o.ID), zap.Error(err))
	}
}
