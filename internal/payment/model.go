package payment

import "time"

type Status string

const (
	StatusPending      Status = "pending"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusRefunded     Status = "refunded"
	StatusRefundFailed Status = "refund_failed"
)

var transitions = map[Status][]Status{
	StatusPending:   {StatusCompleted, StatusFailed},
	StatusCompleted: {StatusRefunded, StatusRefundFailed},
}

// CanTransition reports whether from -> to is a legal payment transition.
// Refunds start from completed only.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Payment is the single payment record of an order.
type Payment struct {
	ID                  string    `json:"paymentId"`
	OrderID             string    `json:"orderId"`
	SagaID              string    `json:"sagaId"`
	UserID              string    `json:"userId"`
	Amount              int64     `json:"amount"`
	Currency            string    `json:"currency,omitempty"`
	Method              string    `json:"method"`
	Status              Status    `json:"status"`
	TransactionID       string    `json:"transactionId,omitempty"`
	RefundTransactionID string    `json:"refundTransactionId,omitempty"`
	FailureReason       string    `json:"failureReason,omitempty"`
	CreatedAt           time.Time `json:"createdAt"`
	UpdatedAt           time.Time `json:"updatedAt"`
}

// Update carries the fields a transition may set. Empty fields are kept.
type Update struct {
	TransactionID       string
	RefundTransactionID string
	FailureReason       string
}
