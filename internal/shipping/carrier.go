package shipping

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/httpclient"
)

var ErrNoCarrier = errors.New("no carrier accepts this shipment")

type RegisterRequest struct {
	OrderID     string            `json:"orderId"`
	Address     events.Address    `json:"address"`
	Items       []events.LineItem `json:"items"`
	WeightGrams int               `json:"weightGrams"`
}

// Carrier is an external shipping provider.
type Carrier interface {
	Name() string
	// Register books a shipment and returns its tracking number. Registering
	// the same order twice yields the same tracking number.
	Register(ctx context.Context, req RegisterRequest) (string, error)
	Cancel(ctx context.Context, trackingNumber string) error
	// Dispatch hands the parcel over and returns the estimated delivery time.
	Dispatch(ctx context.Context, trackingNumber string) (time.Time, error)
}

// CarrierOption limits which shipments a carrier accepts. Zero limits accept
// anything.
type CarrierOption struct {
	Carrier        Carrier
	MaxWeightGrams int
	Countries      []string
}

func (o CarrierOption) accepts(weightGrams int, country string) bool {
	if o.MaxWeightGrams > 0 && weightGrams > o.MaxWeightGrams {
		return false
	}
	if len(o.Countries) == 0 {
		return true
	}
	for _, c := range o.Countries {
		if strings.EqualFold(c, country) {
			return true
		}
	}
	return false
}

// Selector picks the first carrier, in preference order, that accepts the
// weight and destination.
type Selector struct {
	options []CarrierOption
}

func NewSelector(options ...CarrierOption) *Selector {
	return &Selector{options: options}
}

func (s *Selector) Select(weightGrams int, country string) (Carrier, error) {
	for _, o := range s.options {
		if o.accepts(weightGrams, country) {
			return o.Carrier, nil
		}
	}
	return nil, fmt.Errorf("%w: %dg to %q", ErrNoCarrier, weightGrams, country)
}

// ByName finds a configured carrier, used to reach the carrier a shipment was
// registered with.
func (s *Selector) ByName(name string) (Carrier, bool) {
	for _, o := range s.options {
		if o.Carrier.Name() == name {
			return o.Carrier, true
		}
	}
	return nil, false
}

// HTTPCarrier talks to a carrier API exposing /v1/shipments.
type HTTPCarrier struct {
	name string
	c    *httpclient.Client
}

func NewHTTPCarrier(name string, c *httpclient.Client) *HTTPCarrier {
	return &HTTPCarrier{name: name, c: c}
}

func (h *HTTPCarrier) Name() string { return h.name }

func (h *HTTPCarrier) Register(ctx context.Context, req RegisterRequest) (string, error) {
	var out struct {
		TrackingNumber string `json:"trackingNumber"`
	}
	headers := http.Header{"Idempotency-Key": []string{"register-" + req.OrderID}}
	if err := h.c.Do(ctx, http.MethodPost, "/v1/shipments", headers, req, &out); err != nil {
		return "", err
	}
	if out.TrackingNumber == "" {
		return "", fmt.Errorf("%s: empty tracking number", h.name)
	}
	return out.TrackingNumber, nil
}

func (h *HTTPCarrier) Cancel(ctx context.Context, trackingNumber string) error {
	return h.c.Do(ctx, http.MethodDelete, "/v1/shipments/"+trackingNumber, nil, nil, nil)
}

func (h *HTTPCarrier) Dispatch(ctx context.Context, trackingNumber string) (time.Time, error) {
	var out struct {
		EstimatedDelivery time.Time `json:"estimatedDelivery"`
	}
	if err := h.c.Do(ctx, http.MethodPost, "/v1/shipments/"+trackingNumber+"/dispatch", nil, nil, &out); err != nil {
		return time.Time{}, err
	}
	return out.EstimatedDelivery, nil
}

// SimulatedCarrier is an in-process carrier for local runs.
type SimulatedCarrier struct {
	name        string
	prefix      string
	transitTime time.Duration

	mu         sync.Mutex
	registered map[string]string
	cancelled  map[string]bool
}

func NewSimulatedCarrier(name, prefix string, transitTime time.Duration) *SimulatedCarrier {
	return &SimulatedCarrier{
		name:        name,
		prefix:      prefix,
		transitTime: transitTime,
		registered:  map[string]string{},
		cancelled:   map[string]bool{},
	}
}

func (c *SimulatedCarrier) Name() string { return c.name }

func (c *SimulatedCarrier) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if tn, ok := c.registered[req.OrderID]; ok {
		return tn, nil
	}
	tn := c.prefix + strings.ToUpper(strings.ReplaceAll(uuid.NewString(), "-", "")[:12])
	c.registered[req.OrderID] = tn
	return tn, nil
}

func (c *SimulatedCarrier) Cancel(ctx context.Context, trackingNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cancelled[trackingNumber] = true
	return nil
}

func (c *SimulatedCarrier) Dispatch(ctx context.Context, trackingNumber string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelled[trackingNumber] {
		return time.Time{}, fmt.Errorf("%s: shipment %s was cancelled", c.name, trackingNumber)
	}
	return time.Now().UTC().Add(c.transitTime), nil
}

// DefaultCarriers is the simulated carrier set: a parcel service for light
// domestic parcels, a freight carrier for heavy ones and an international
// courier for everything else.
func DefaultCarriers(homeCountry string) *Selector {
	return NewSelector(
		CarrierOption{Carrier: NewSimulatedCarrier("parcel-express", "PX", 48*time.Hour), MaxWeightGrams: 20000, Countries: []string{homeCountry}},
		CarrierOption{Carrier: NewSimulatedCarrier("freight-line", "FL", 96*time.Hour), MaxWeightGrams: 500000, Countries: []string{homeCountry}},
		CarrierOption{Carrier: NewSimulatedCarrier("global-courier", "GC", 168*time.Hour), MaxWeightGrams: 30000},
	)
}
