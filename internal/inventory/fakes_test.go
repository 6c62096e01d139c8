package inventory

import (
	"context"
	"sort"
	"sync"
	"time"
)

// memRepository mirrors PostgresRepository semantics in memory.
type memRepository struct {
	mu           sync.Mutex
	stock        map[key]*StockItem
	reservations map[string][]Reservation

	reserveErr   error
	releaseErr   error
	reserveCalls int
}

func newMemRepository(available map[string]int) *memRepository {
	r := &memRepository{stock: map[key]*StockItem{}, reservations: map[string][]Reservation{}}
	for p, n := range available {
		r.stock[key{p, ""}] = &StockItem{ProductID: p, Total: n, Available: n}
	}
	return r
}

func (r *memRepository) item(productID string) StockItem {
	r.mu.Lock()
	defer r.mu.Unlock()
	if it, ok := r.stock[key{productID, ""}]; ok {
		return *it
	}
	return StockItem{}
}

func (r *memRepository) Get(ctx context.Context, productID, variantID string) (StockItem, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	it, ok := r.stock[key{productID, variantID}]
	if !ok {
		return StockItem{}, ErrNotFound
	}
	return *it, nil
}

func (r *memRepository) SetAvailable(ctx context.Context, productID, variantID string, available int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	k := key{productID, variantID}
	it, ok := r.stock[k]
	if !ok {
		it = &StockItem{ProductID: productID, VariantID: variantID}
		r.stock[k] = it
	}
	it.Available = available
	it.Total = available + it.Reserved + it.Sold
	return nil
}

func (r *memRepository) Reserve(ctx context.Context, orderID string, lines []Line, expiresAt time.Time) (ReserveResult, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reserveCalls++
	if r.reserveErr != nil {
		return ReserveResult{}, r.reserveErr
	}
	if existing := r.reservations[orderID]; len(existing) > 0 {
		return ReserveResult{Reservations: append([]Reservation(nil), existing...), Existing: true}, nil
	}

	lines = mergeLines(lines)
	var res ReserveResult
	for _, l := range lines {
		available := 0
		if it, ok := r.stock[key{l.ProductID, l.VariantID}]; ok {
			available = it.Available
		}
		if available < l.Quantity {
			res.Shortages = append(res.Shortages, Shortage{ProductID: l.ProductID, VariantID: l.VariantID, Requested: l.Quantity, Available: available})
		}
	}
	if len(res.Shortages) > 0 {
		return res, nil
	}
	for _, l := range lines {
		it := r.stock[key{l.ProductID, l.VariantID}]
		it.Available -= l.Quantity
		it.Reserved += l.Quantity
		res.Reservations = append(res.Reservations, Reservation{
			OrderID: orderID, ProductID: l.ProductID, VariantID: l.VariantID,
			Quantity: l.Quantity, Status: ReservationActive, ExpiresAt: expiresAt,
		})
	}
	r.reservations[orderID] = append([]Reservation(nil), res.Reservations...)
	return res, nil
}

func (r *memRepository) Release(ctx context.Context, orderID string) ([]Reservation, error) {
	if r.releaseErr != nil {
		return nil, r.releaseErr
	}
	return r.settle(orderID, ReservationReleased, func(it *StockItem, q int) {
		it.Available += q
		it.Reserved -= q
	}), nil
}

func (r *memRepository) Confirm(ctx context.Context, orderID string) ([]Reservation, error) {
	return r.settle(orderID, ReservationConfirmed, func(it *StockItem, q int) {
		it.Reserved -= q
		it.Sold += q
	}), nil
}

func (r *memRepository) settle(orderID string, status ReservationStatus, apply func(*StockItem, int)) []Reservation {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Reservation
	for i, res := range r.reservations[orderID] {
		if res.Status != ReservationActive {
			continue
		}
		apply(r.stock[key{res.ProductID, res.VariantID}], res.Quantity)
		r.reservations[orderID][i].Status = status
		res.Status = status
		out = append(out, res)
	}
	return out
}

func (r *memRepository) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Reservation(nil), r.reservations[orderID]...), nil
}

func (r *memRepository) Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Reservation
	for _, rs := range r.reservations {
		for _, res := range rs {
			if res.Status == ReservationActive && !res.ExpiresAt.After(now) {
				out = append(out, res)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
