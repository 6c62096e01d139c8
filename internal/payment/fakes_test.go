package payment

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/andreasstove999/marketplace-saga/internal/alert"
)

type memRepository struct {
	mu       sync.Mutex
	payments map[string]Payment

	createErr     error
	transitionErr error
	// beforeTransition runs ahead of every Transition, outside the lock.
	beforeTransition func()
}

func newMemRepository() *memRepository {
	return &memRepository{payments: map[string]Payment{}}
}

func (r *memRepository) get(orderID string) Payment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.payments[orderID]
}

func (r *memRepository) CreatePending(ctx context.Context, p Payment) (Payment, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return Payment{}, false, r.createErr
	}
	if existing, ok := r.payments[p.OrderID]; ok {
		return existing, false, nil
	}
	p.Status = StatusPending
	p.CreatedAt = time.Now()
	p.UpdatedAt = p.CreatedAt
	r.payments[p.OrderID] = p
	return p, true, nil
}

func (r *memRepository) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.payments[orderID]
	if !ok {
		return Payment{}, ErrNotFound
	}
	return p, nil
}

func (r *memRepository) Transition(ctx context.Context, orderID string, from, to Status, u Update) (Payment, error) {
	if hook := r.beforeTransition; hook != nil {
		r.beforeTransition = nil
		hook()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.transitionErr != nil {
		return Payment{}, r.transitionErr
	}
	p, ok := r.payments[orderID]
	if !ok || p.Status != from || !CanTransition(from, to) {
		return Payment{}, fmt.Errorf("%w: %s", ErrInvalidTransition, orderID)
	}
	p.Status = to
	if u.TransactionID != "" {
		p.TransactionID = u.TransactionID
	}
	if u.RefundTransactionID != "" {
		p.RefundTransactionID = u.RefundTransactionID
	}
	if u.FailureReason != "" {
		p.FailureReason = u.FailureReason
	}
	r.payments[orderID] = p
	return p, nil
}

// fakeGateway remembers results per idempotency key like a real provider.
type fakeGateway struct {
	mu sync.Mutex

	declineCharge bool
	chargeErr     error
	failRefund    bool
	block         bool

	chargeCalls int
	refundCalls int
	chargeKeys  []string
	charged     map[string]ChargeResult
}

func (g *fakeGateway) Charge(ctx context.Context, req ChargeRequest) (ChargeResult, error) {
	g.mu.Lock()
	g.chargeCalls++
	g.chargeKeys = append(g.chargeKeys, req.IdempotencyKey)
	block := g.block
	g.mu.Unlock()

	if block {
		<-ctx.Done()
		return ChargeResult{}, ctx.Err()
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	if g.chargeErr != nil {
		return ChargeResult{}, g.chargeErr
	}
	if g.charged == nil {
		g.charged = map[string]ChargeResult{}
	}
	if res, ok := g.charged[req.IdempotencyKey]; ok {
		return res, nil
	}
	res := ChargeResult{Success: true, TransactionID: fmt.Sprintf("tx-%d", len(g.charged)+1)}
	if g.declineCharge {
		res = ChargeResult{ErrorMessage: "insufficient_balance"}
	}
	g.charged[req.IdempotencyKey] = res
	return res, nil
}

func (g *fakeGateway) Refund(ctx context.Context, req RefundRequest) (RefundResult, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.refundCalls++
	if g.failRefund {
		return RefundResult{}, errors.New("provider rejected refund")
	}
	return RefundResult{Success: true, RefundTransactionID: "rf-" + req.OrderID}, nil
}

func (g *fakeGateway) calls() (int, int) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.chargeCalls, g.refundCalls
}

type recordingSink struct {
	mu     sync.Mutex
	alerts []alert.Alert
}

func (s *recordingSink) Critical(_ context.Context, a alert.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.alerts = append(s.alerts, a)
	return nil
}

func (s *recordingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.alerts)
}
