package payment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/alert"
	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/http/middleware"
	"github.com/andreasstove999/marketplace-saga/internal/logging"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
)

const ReasonInvalidRequest = "invalid_request"

// Service is the payment participant of the order saga.
type Service struct {
	repo    Repository
	gateway Gateway
	pub     messaging.Publisher
	alerts  alert.Sink
	timeout time.Duration
	logger  *zap.Logger
	newID   func() string
}

func NewService(repo Repository, gw Gateway, pub messaging.Publisher, alerts alert.Sink, timeout time.Duration, logger *zap.Logger) *Service {
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Service{
		repo:    repo,
		gateway: gw,
		pub:     pub,
		alerts:  alerts,
		timeout: timeout,
		logger:  logger.With(zap.String("component", "payment")),
		newID:   uuid.NewString,
	}
}

func (s *Service) Register(r *messaging.Registry) {
	r.On(events.PaymentRequested, messaging.Typed(s.logger, s.HandleRequested))
	r.On(events.PaymentRefundRequested, messaging.Typed(s.logger, s.HandleRefundRequested))
}

func (s *Service) HandleRequested(ctx context.Context, env events.Envelope, data events.PaymentRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))
	if data.OrderID == "" {
		log.Error("payment request without orderId")
		return nil
	}
	if data.Amount <= 0 || data.Method == "" {
		log.Warn("rejecting payment request", zap.Int64("amount", data.Amount), zap.String("method", data.Method))
		return s.publishFailed(ctx, env, data.OrderID, ReasonInvalidRequest)
	}

	p, created, err := s.repo.CreatePending(ctx, Payment{
		ID:       s.newID(),
		OrderID:  data.OrderID,
		SagaID:   env.SagaID,
		UserID:   data.UserID,
		Amount:   data.Amount,
		Currency: data.Currency,
		Method:   data.Method,
	})
	if err != nil {
		// A previous delivery may have charged already.
		return fmt.Errorf("record payment %s: %w", data.OrderID, err)
	}

	if !created {
		switch p.Status {
		case StatusPending:
			log.Info("resuming pending payment")
		case StatusCompleted:
			log.Info("payment already completed, republishing outcome")
			return s.publishCompleted(ctx, env, p)
		case StatusFailed:
			log.Info("payment already failed, republishing outcome")
			return s.publishFailed(ctx, env, p.OrderID, p.FailureReason)
		default:
			log.Info("payment already settled", zap.String("status", string(p.Status)))
			return nil
		}
	}

	res, err := s.charge(ctx, env, p)
	if err != nil || !res.Success {
		reason := chargeFailureReason(res, err)
		log.Info("charge failed", zap.String("reason", reason), zap.Error(err))
		if _, terr := s.repo.Transition(ctx, p.OrderID, StatusPending, StatusFailed, Update{FailureReason: reason}); terr != nil {
			return fmt.Errorf("mark payment %s failed: %w", p.OrderID, terr)
		}
		return s.publishFailed(ctx, env, p.OrderID, reason)
	}

	// The money is taken: from here on errors requeue, and the retry charges
	// again under the same idempotency key.
	completed, err := s.repo.Transition(ctx, p.OrderID, StatusPending, StatusCompleted, Update{TransactionID: res.TransactionID})
	if err != nil {
		return fmt.Errorf("mark payment %s completed: %w", p.OrderID, err)
	}
	log.Info("payment completed", zap.String("transactionId", res.TransactionID), zap.Int64("amount", completed.Amount))
	return s.publishCompleted(ctx, env, completed)
}

func (s *Service) HandleRefundRequested(ctx context.Context, env events.Envelope, data events.PaymentRefundRequestedData) error {
	log := s.logger.With(logging.EventFields(env)...).With(zap.String("orderId", data.OrderID))

	p, err := s.repo.GetByOrder(ctx, data.OrderID)
	if errors.Is(err, ErrNotFound) {
		log.Warn("refund requested for unknown payment")
		return nil
	}
	if err != nil {
		return err
	}

	switch p.Status {
	case StatusCompleted:
	case StatusRefunded:
		log.Info("payment already refunded, republishing outcome")
		return s.publishRefunded(ctx, env, p)
	case StatusRefundFailed:
		log.Warn("refund already failed and escalated, republishing outcome")
		return s.publishRefundFailed(ctx, env, p, p.FailureReason)
	default:
		log.Warn("refund requested for payment that is not completed", zap.String("status", string(p.Status)))
		return nil
	}

	res, err := s.refund(ctx, env, p)
	if err != nil || !res.Success {
		reason := refundFailureReason(res, err)
		_, terr := s.repo.Transition(ctx, p.OrderID, StatusCompleted, StatusRefundFailed, Update{FailureReason: reason})
		if errors.Is(terr, ErrInvalidTransition) {
			return s.republishSettled(ctx, env, log, p.OrderID)
		}
		log.Error("refund failed, escalating", zap.String("reason", reason), zap.Error(err))
		s.escalate(ctx, env, p, reason)
		if terr != nil {
			// A failed refund is never retried, so the outcome goes out regardless.
			log.Error("cannot record refund failure", zap.Error(terr))
		}
		return s.publishRefundFailed(ctx, env, p, reason)
	}

	refunded, err := s.repo.Transition(ctx, p.OrderID, StatusCompleted, StatusRefunded, Update{RefundTransactionID: res.RefundTransactionID})
	if err != nil {
		return fmt.Errorf("mark payment %s refunded: %w", p.OrderID, err)
	}
	log.Info("payment refunded", zap.String("refundTransactionId", res.RefundTransactionID))
	return s.publishRefunded(ctx, env, refunded)
}

// republishSettled repeats the outcome recorded by a concurrent delivery
// that settled the refund first.
func (s *Service) republishSettled(ctx context.Context, env events.Envelope, log *zap.Logger, orderID string) error {
	p, err := s.repo.GetByOrder(ctx, orderID)
	if err != nil {
		return fmt.Errorf("reload payment %s: %w", orderID, err)
	}
	log.Info("refund settled concurrently, republishing outcome", zap.String("status", string(p.Status)))
	switch p.Status {
	case StatusRefunded:
		return s.publishRefunded(ctx, env, p)
	case StatusRefundFailed:
		return s.publishRefundFailed(ctx, env, p, p.FailureReason)
	default:
		return nil
	}
}

// GetByOrder serves the read API.
func (s *Service) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	return s.repo.GetByOrder(ctx, orderID)
}

func (s *Service) charge(ctx context.Context, env events.Envelope, p Payment) (ChargeResult, error) {
	ctx, cancel := context.WithTimeout(middleware.WithCorrelationID(ctx, env.CorrelationID), s.timeout)
	defer cancel()
	return s.gateway.Charge(ctx, ChargeRequest{
		OrderID:        p.OrderID,
		UserID:         p.UserID,
		Amount:         p.Amount,
		Currency:       p.Currency,
		Method:         p.Method,
		IdempotencyKey: "charge-" + p.ID,
	})
}

func (s *Service) refund(ctx context.Context, env events.Envelope, p Payment) (RefundResult, error) {
	ctx, cancel := context.WithTimeout(middleware.WithCorrelationID(ctx, env.CorrelationID), s.timeout)
	defer cancel()
	return s.gateway.Refund(ctx, RefundRequest{
		OrderID:        p.OrderID,
		TransactionID:  p.TransactionID,
		Amount:         p.Amount,
		IdempotencyKey: "refund-" + p.ID,
	})
}

func (s *Service) escalate(ctx context.Context, env events.Envelope, p Payment, reason string) {
	err := s.alerts.Critical(ctx, alert.Alert{
		Kind:    "payment.refund_failed",
		Source:  env.Source,
		SagaID:  env.SagaID,
		OrderID: p.OrderID,
		Message: "refund failed, manual intervention required",
		Details: map[string]string{
			"paymentId":     p.ID,
			"transactionId": p.TransactionID,
			"amount":        fmt.Sprint(p.Amount),
			"reason":        reason,
		},
	})
	if err != nil {
		s.logger.Error("alert delivery failed", zap.String("orderId", p.OrderID), zap.Error(err))
	}
}

func (s *Service) publishCompleted(ctx context.Context, env events.Envelope, p Payment) error {
	return s.publish(ctx, env, events.PaymentCompleted, events.PaymentCompletedData{
		OrderID:       p.OrderID,
		PaymentID:     p.ID,
		TransactionID: p.TransactionID,
		Amount:        p.Amount,
	})
}

func (s *Service) publishFailed(ctx context.Context, env events.Envelope, orderID, reason string) error {
	return s.publish(ctx, env, events.PaymentFailed, events.PaymentFailedData{OrderID: orderID, Reason: reason})
}

func (s *Service) publishRefunded(ctx context.Context, env events.Envelope, p Payment) error {
	return s.publish(ctx, env, events.PaymentRefunded, events.PaymentRefundedData{
		OrderID:             p.OrderID,
		PaymentID:           p.ID,
		Amount:              p.Amount,
		RefundTransactionID: p.RefundTransactionID,
	})
}

func (s *Service) publishRefundFailed(ctx context.Context, env events.Envelope, p Payment, reason string) error {
	return s.publish(ctx, env, events.PaymentRefundFailed, events.PaymentRefundFailedData{
		OrderID:   p.OrderID,
		PaymentID: p.ID,
		Amount:    p.Amount,
		Reason:    reason,
	})
}

func (s *Service) publish(ctx context.Context, env events.Envelope, t events.Type, data any) error {
	if _, err := s.pub.Publish(ctx, t, env.Meta(), data); err != nil {
		return fmt.Errorf("publish %s: %w", t, err)
	}
	return nil
}

func chargeFailureReason(res ChargeResult, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "gateway_timeout"
	case err != nil:
		return "gateway_error: " + err.Error()
	case res.ErrorMessage != "":
		return res.ErrorMessage
	default:
		return "charge_declined"
	}
}

func refundFailureReason(res RefundResult, err error) string {
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "gateway_timeout"
	case err != nil:
		return "gateway_error: " + err.Error()
	case res.ErrorMessage != "":
		return res.ErrorMessage
	default:
		return "refund_declined"
	}
}
