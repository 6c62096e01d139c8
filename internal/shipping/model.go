package shipping

import (
	"time"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

type Status string

const (
	StatusPreparing  Status = "preparing"
	StatusPrepared   Status = "prepared"
	StatusDispatched Status = "dispatched"
	StatusInTransit  Status = "in_transit"
	StatusDelivered  Status = "delivered"
	StatusCancelled  Status = "cancelled"
	StatusFailed     Status = "failed"
)

var transitions = map[Status][]Status{
	StatusPreparing:  {StatusPrepared, StatusFailed, StatusCancelled},
	StatusPrepared:   {StatusDispatched, StatusCancelled},
	StatusDispatched: {StatusInTransit, StatusDelivered},
	StatusInTransit:  {StatusDelivered},
}

func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Shipped reports whether the parcel has left, after which it can only come
// back as a return.
func (s Status) Shipped() bool {
	return s == StatusDispatched || s == StatusInTransit || s == StatusDelivered
}

type Shipment struct {
	OrderID           string            `json:"orderId"`
	SagaID            string            `json:"sagaId"`
	CorrelationID     string            `json:"correlationId,omitempty"`
	Status            Status            `json:"status"`
	Carrier           string            `json:"carrier,omitempty"`
	TrackingNumber    string            `json:"trackingNumber,omitempty"`
	Address           events.Address    `json:"address"`
	Items             []events.LineItem `json:"items"`
	WeightGrams       int               `json:"weightGrams"`
	FailureReason     string            `json:"failureReason,omitempty"`
	EstimatedDelivery *time.Time        `json:"estimatedDelivery,omitempty"`
	DispatchedAt      *time.Time        `json:"dispatchedAt,omitempty"`
	DeliveredAt       *time.Time        `json:"deliveredAt,omitempty"`
	CreatedAt         time.Time         `json:"createdAt"`
	UpdatedAt         time.Time         `json:"updatedAt"`
}

func (s Shipment) Meta() events.Meta {
	return events.Meta{SagaID: s.SagaID, CorrelationID: s.CorrelationID}
}

// Update carries the fields a transition may set. Zero fields are kept.
type Update struct {
	Carrier           string
	TrackingNumber    string
	FailureReason     string
	EstimatedDelivery *time.Time
	DispatchedAt      *time.Time
	DeliveredAt       *time.Time
}

func totalWeight(items []events.LineItem) int {
	w := 0
	for _, it := range items {
		w += it.WeightGrams * it.Quantity
	}
	return w
}
