package events

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Envelope is the wire format of every event crossing a service boundary.
type Envelope struct {
	EventID       string          `json:"eventId"`
	EventType     Type            `json:"eventType"`
	CorrelationID string          `json:"correlationId"`
	CausationID   string          `json:"causationId,omitempty"`
	SagaID        string          `json:"sagaId"`
	Sequence      int64           `json:"sequence,omitempty"`
	Timestamp     time.Time       `json:"timestamp"`
	Source        string          `json:"source"`
	Data          json.RawMessage `json:"data"`
}

var ErrInvalidEnvelope = errors.New("invalid envelope")

// Meta is the propagated part of an envelope. Handlers derive it from the
// input event and hand it to the publisher unchanged.
type Meta struct {
	SagaID        string
	CorrelationID string
	CausationID   string
}

// NewSaga starts a new saga. It is the only place a sagaId is minted.
// An empty correlationID gets a fresh one.
func NewSaga(correlationID string) Meta {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return Meta{
		SagaID:        uuid.NewString(),
		CorrelationID: correlationID,
	}
}

// Meta returns the metadata for events emitted in reaction to e.
func (e Envelope) Meta() Meta {
	return Meta{
		SagaID:        e.SagaID,
		CorrelationID: e.CorrelationID,
		CausationID:   e.EventID,
	}
}

// New wraps data into an envelope with a fresh eventId.
func New(t Type, source string, meta Meta, data any) (Envelope, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshal %s data: %w", t, err)
	}
	return Envelope{
		EventID:       uuid.NewString(),
		EventType:     t,
		CorrelationID: meta.CorrelationID,
		CausationID:   meta.CausationID,
		SagaID:        meta.SagaID,
		Timestamp:     time.Now().UTC(),
		Source:        source,
		Data:          raw,
	}, nil
}

func (e Envelope) Validate() error {
	switch {
	case e.EventID == "":
		return fmt.Errorf("%w: missing eventId", ErrInvalidEnvelope)
	case e.EventType == "":
		return fmt.Errorf("%w: missing eventType", ErrInvalidEnvelope)
	case e.SagaID == "":
		return fmt.Errorf("%w: missing sagaId", ErrInvalidEnvelope)
	}
	return nil
}

// Parse decodes and validates an envelope read off the wire.
func Parse(body []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrInvalidEnvelope, err)
	}
	if err := env.Validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

// Decode unmarshals the event data into v.
func (e Envelope) Decode(v any) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%w: %s has no data", ErrInvalidEnvelope, e.EventType)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("decode %s data: %w", e.EventType, err)
	}
	return nil
}
