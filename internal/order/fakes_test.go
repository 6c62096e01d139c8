package order

import (
	"context"
	"errors"
	"maps"
	"sync"

	"github.com/andreasstove999/marketplace-saga/internal/alert"
	"github.com/andreasstove999/marketplace-saga/internal/events"
)

type memRepository struct {
	mu        sync.Mutex
	orders    map[string]Order
	outbox    []OutboxMessage
	published map[int64]bool
	nextID    int64
	createErr error
	updateErr error
}

func newMemRepository() *memRepository {
	return &memRepository{orders: map[string]Order{}, published: map[int64]bool{}}
}

func clone(o Order) Order {
	o.Ledger.Steps = maps.Clone(o.Ledger.Steps)
	return o
}

func (r *memRepository) enqueue(msgs []OutboxMessage) {
	for _, m := range msgs {
		r.nextID++
		m.ID = r.nextID
		r.outbox = append(r.outbox, m)
	}
}

func (r *memRepository) Create(_ context.Context, o Order, msgs []OutboxMessage) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return r.createErr
	}
	if _, ok := r.orders[o.ID]; ok {
		return errors.New("duplicate order")
	}
	r.orders[o.ID] = clone(o)
	r.enqueue(msgs)
	return nil
}

func (r *memRepository) Get(_ context.Context, orderID string) (Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	o, ok := r.orders[orderID]
	if !ok {
		return Order{}, ErrNotFound
	}
	return clone(o), nil
}

func (r *memRepository) ListByUser(_ context.Context, userID string) ([]Order, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []Order{}
	for _, o := range r.orders {
		if o.UserID == userID {
			out = append(out, clone(o))
		}
	}
	return out, nil
}

func (r *memRepository) Update(_ context.Context, orderID string, fn Mutation) (Order, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.updateErr != nil {
		return Order{}, false, r.updateErr
	}
	stored, ok := r.orders[orderID]
	if !ok {
		return Order{}, false, ErrNotFound
	}
	o := clone(stored)
	changed, msgs, err := fn(&o)
	if err != nil || !changed {
		return o, false, err
	}
	r.orders[orderID] = clone(o)
	r.enqueue(msgs)
	return o, true, nil
}

func (r *memRepository) RelayOutbox(_ context.Context, limit int, publish func(OutboxMessage) error) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, m := range r.outbox {
		if n == limit {
			break
		}
		if r.published[m.ID] {
			continue
		}
		if err := publish(m); err != nil {
			return n, err
		}
		r.published[m.ID] = true
		n++
	}
	return n, nil
}

// drain returns the queued messages not yet handed out by an earlier drain.
func (r *memRepository) drain() []OutboxMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []OutboxMessage
	for _, m := range r.outbox {
		if !r.published[m.ID] {
			r.published[m.ID] = true
			out = append(out, m)
		}
	}
	return out
}

func types(msgs []OutboxMessage) []events.Type {
	out := make([]events.Type, 0, len(msgs))
	for _, m := range msgs {
		out = append(out, m.EventType)
	}
	return out
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
	err    error
}

func (s *recordingSink) Critical(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return s.err
}

func (s *recordingSink) raised() []alert.Alert {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]alert.Alert(nil), s.alerts...)
}
