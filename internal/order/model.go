package order

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/saga"
)

var (
	ErrNotFound       = errors.New("order not found")
	ErrInvalidOrder   = errors.New("invalid order")
	ErrNotCancellable = errors.New("order can no longer be cancelled")
)

// Order is the originating side of one saga. Its status is the saga state.
type Order struct {
	ID            string            `json:"orderId"`
	SagaID        string            `json:"sagaId"`
	CorrelationID string            `json:"correlationId"`
	UserID        string            `json:"userId"`
	Amount        int64             `json:"amount"`
	Currency      string            `json:"currency,omitempty"`
	PaymentMethod string            `json:"paymentMethod"`
	Status        saga.State        `json:"status"`
	Items         []events.LineItem `json:"items"`
	Address       events.Address    `json:"address"`
	Contact       events.Contact    `json:"contact"`
	Ledger        saga.Ledger       `json:"ledger"`
	CancelReason  string            `json:"cancelReason,omitempty"`
	CreatedAt     time.Time         `json:"createdAt"`
	UpdatedAt     time.Time         `json:"updatedAt"`
}

func (o Order) Meta(causationID string) events.Meta {
	return events.Meta{SagaID: o.SagaID, CorrelationID: o.CorrelationID, CausationID: causationID}
}

type PlaceRequest struct {
	UserID        string            `json:"userId"`
	Items         []events.LineItem `json:"items"`
	Address       events.Address    `json:"address"`
	Contact       events.Contact    `json:"contact"`
	Currency      string            `json:"currency"`
	PaymentMethod string            `json:"paymentMethod"`
}

func (r PlaceRequest) Validate() error {
	var errs []error
	if r.UserID == "" {
		errs = append(errs, errors.New("userId is required"))
	}
	if len(r.Items) == 0 {
		errs = append(errs, errors.New("at least one item is required"))
	}
	for i, it := range r.Items {
		if it.ProductID == "" || it.SellerID == "" {
			errs = append(errs, fmt.Errorf("item %d: productId and sellerId are required", i))
		}
		if it.Quantity <= 0 || it.UnitPrice < 0 {
			errs = append(errs, fmt.Errorf("item %d: quantity must be positive and unitPrice not negative", i))
		}
	}
	if r.Address.Country == "" || r.Address.Line1 == "" {
		errs = append(errs, errors.New("address line1 and country are required"))
	}
	if r.PaymentMethod == "" {
		errs = append(errs, errors.New("paymentMethod is required"))
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidOrder, err)
	}
	if amount(r.Items) <= 0 {
		return fmt.Errorf("%w: order total must be positive", ErrInvalidOrder)
	}
	return nil
}

func amount(items []events.LineItem) int64 {
	var total int64
	for _, it := range items {
		total += it.UnitPrice * int64(it.Quantity)
	}
	return total
}

// OutboxMessage is an event waiting to be published.
type OutboxMessage struct {
	ID            int64           `json:"id"`
	OrderID       string          `json:"orderId"`
	EventType     events.Type     `json:"eventType"`
	SagaID        string          `json:"sagaId"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload"`
	CreatedAt     time.Time       `json:"createdAt"`
}

func (m OutboxMessage) Meta() events.Meta {
	return events.Meta{SagaID: m.SagaID, CorrelationID: m.CorrelationID, CausationID: m.CausationID}
}

func newMessage(o Order, causationID string, t events.Type, data any) (OutboxMessage, error) {
	payload, err := json.Marshal(data)
	if err != nil {
		return OutboxMessage{}, fmt.Errorf("marshal %s: %w", t, err)
	}
	return OutboxMessage{
		OrderID:       o.ID,
		EventType:     t,
		SagaID:        o.SagaID,
		CorrelationID: o.CorrelationID,
		CausationID:   causationID,
		Payload:       payload,
	}, nil
}
