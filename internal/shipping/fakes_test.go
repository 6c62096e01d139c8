package shipping

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

type memRepository struct {
	mu        sync.Mutex
	shipments map[string]Shipment

	createErr     error
	transitionErr error
	getErr        error

	gets int
	// afterGet runs after every Get with the running call count.
	afterGet func(n int)
}

func newMemRepository() *memRepository {
	return &memRepository{shipments: map[string]Shipment{}}
}

func (r *memRepository) get(orderID string) Shipment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.shipments[orderID]
}

func (r *memRepository) put(s Shipment) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.shipments[s.OrderID] = s
}

func (r *memRepository) Create(ctx context.Context, s Shipment) (Shipment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return Shipment{}, false, r.createErr
	}
	if existing, ok := r.shipments[s.OrderID]; ok {
		return existing, false, nil
	}
	s.Status = StatusPreparing
	s.CreatedAt = time.Now()
	s.UpdatedAt = s.CreatedAt
	r.shipments[s.OrderID] = s
	return s, true, nil
}

func (r *memRepository) Get(ctx context.Context, orderID string) (Shipment, error) {
	r.mu.Lock()
	r.gets++
	n, hook := r.gets, r.afterGet
	s, ok := r.shipments[orderID]
	err := r.getErr
	r.mu.Unlock()
	if hook != nil {
		hook(n)
	}
	if err != nil {
		return Shipment{}, err
	}
	if !ok {
		return Shipment{}, ErrNotFound
	}
	return s, nil
}

func (r *memRepository) getCalls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.gets
}

func (r *memRepository) Transition(ctx context.Context, orderID string, from, to Status, u Update) (Shipment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return Shipment{}, r.transitionErr
	}
	s, ok := r.shipments[orderID]
	if !ok || s.Status != from || !CanTransition(from, to) {
		return Shipment{}, fmt.Errorf("%w: %s", ErrInvalidTransition, orderID)
	}
	s.Status = to
	if u.Carrier != "" {
		s.Carrier = u.Carrier
	}
	if u.TrackingNumber != "" {
		s.TrackingNumber = u.TrackingNumber
	}
	if u.FailureReason != "" {
		s.FailureReason = u.FailureReason
	}
	if u.EstimatedDelivery != nil {
		s.EstimatedDelivery = u.EstimatedDelivery
	}
	if u.DispatchedAt != nil {
		s.DispatchedAt = u.DispatchedAt
	}
	if u.DeliveredAt != nil {
		s.DeliveredAt = u.DeliveredAt
	}
	r.shipments[orderID] = s
	return s, nil
}

type fakeCarrier struct {
	name string
	eta  time.Time

	mu          sync.Mutex
	registerErr error
	cancelErr   error
	dispatchErr error
	block       bool
	registered  []string
	cancelled   []string
	dispatched  []string
}

func newFakeCarrier(name string) *fakeCarrier {
	return &fakeCarrier{name: name, eta: time.Date(2026, 3, 4, 0, 0, 0, 0, time.UTC)}
}

func (c *fakeCarrier) Name() string { return c.name }

func (c *fakeCarrier) Register(ctx context.Context, req RegisterRequest) (string, error) {
	if c.block {
		<-ctx.Done()
		return "", ctx.Err()
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.registerErr != nil {
		return "", c.registerErr
	}
	c.registered = append(c.registered, req.OrderID)
	return "TN-" + req.OrderID, nil
}

func (c *fakeCarrier) Cancel(ctx context.Context, trackingNumber string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancelErr != nil {
		return c.cancelErr
	}
	c.cancelled = append(c.cancelled, trackingNumber)
	return nil
}

func (c *fakeCarrier) Dispatch(ctx context.Context, trackingNumber string) (time.Time, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.dispatchErr != nil {
		return time.Time{}, c.dispatchErr
	}
	c.dispatched = append(c.dispatched, trackingNumber)
	return c.eta, nil
}

func (c *fakeCarrier) calls() (registered, cancelled, dispatched int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.registered), len(c.cancelled), len(c.dispatched)
}

var errCarrierDown = errors.New("carrier unavailable")
