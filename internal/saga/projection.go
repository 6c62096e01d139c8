package saga

import (
	"encoding/json"
	"time"

	"github.com/andreasstove999/marketplace-saga/internal/events"
)

// maxHistory bounds the history kept per saga; older entries are dropped.
const maxHistory = 200

type HistoryEntry struct {
	EventID   string      `json:"eventId"`
	EventType events.Type `json:"eventType"`
	Source    string      `json:"source"`
	Sequence  int64       `json:"sequence,omitempty"`
	At        time.Time   `json:"at"`
}

// Projection is the read model of one saga, folded from every event that
// carries its sagaId.
type Projection struct {
	SagaID        string         `json:"sagaId"`
	OrderID       string         `json:"orderId,omitempty"`
	CorrelationID string         `json:"correlationId,omitempty"`
	Phase         string         `json:"phase"`
	Ledger        Ledger         `json:"ledger"`
	EventCount    int            `json:"eventCount"`
	LastEventType events.Type    `json:"lastEventType,omitempty"`
	LastEventAt   time.Time      `json:"lastEventAt"`
	History       []HistoryEntry `json:"history"`
}

func NewProjection(sagaID string) Projection {
	return Projection{SagaID: sagaID, Ledger: NewLedger(), Phase: "Initiated"}
}

// outcome is the part of every payload the projection reads.
type outcome struct {
	OrderID string `json:"orderId"`
	Reason  string `json:"reason"`
}

// Fold applies env to the projection. Events are assumed unseen; duplicate
// suppression happens before folding.
func (p *Projection) Fold(env events.Envelope) {
	var o outcome
	_ = json.Unmarshal(env.Data, &o)

	if p.OrderID == "" {
		p.OrderID = o.OrderID
	}
	if p.CorrelationID == "" {
		p.CorrelationID = env.CorrelationID
	}
	reason := ""
	if isFailure(env.EventType) {
		reason = o.Reason
	}
	p.Ledger.Apply(env.EventType, reason)
	p.Phase = p.Ledger.Phase()

	p.EventCount++
	if !env.Timestamp.Before(p.LastEventAt) {
		p.LastEventType = env.EventType
		p.LastEventAt = env.Timestamp
	}
	p.History = append(p.History, HistoryEntry{
		EventID:   env.EventID,
		EventType: env.EventType,
		Source:    env.Source,
		Sequence:  env.Sequence,
		At:        env.Timestamp,
	})
	if len(p.History) > maxHistory {
		p.History = p.History[len(p.History)-maxHistory:]
	}
}

func isFailure(t events.Type) bool {
	switch t {
	case events.PaymentFailed, events.InventoryReserveFailed, events.ShippingPrepareFailed, events.PaymentRefundFailed:
		return true
	}
	return false
}
