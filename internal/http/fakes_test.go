package httpapi

import (
	"context"
	"time"

	"github.com/andreasstove999/marketplace-saga/internal/inventory"
	"github.com/andreasstove999/marketplace-saga/internal/order"
	"github.com/andreasstove999/marketplace-saga/internal/payment"
	"github.com/andreasstove999/marketplace-saga/internal/saga"
	"github.com/andreasstove999/marketplace-saga/internal/shipping"
)

type fakeStock struct {
	getFunc func(ctx context.Context, productID, variantID string) (inventory.StockItem, error)
	setFunc func(ctx context.Context, productID, variantID string, available int) error
}

func (f *fakeStock) Get(ctx context.Context, productID, variantID string) (inventory.StockItem, error) {
	if f.getFunc != nil {
		return f.getFunc(ctx, productID, variantID)
	}
	return inventory.StockItem{}, inventory.ErrNotFound
}

func (f *fakeStock) SetAvailable(ctx context.Context, productID, variantID string, available int) error {
	if f.setFunc != nil {
		return f.setFunc(ctx, productID, variantID, available)
	}
	return nil
}

type fakeOrders struct {
	placeFunc  func(ctx context.Context, req order.PlaceRequest, correlationID string) (order.Order, error)
	getFunc    func(ctx context.Context, orderID string) (order.Order, error)
	cancelFunc func(ctx context.Context, orderID, reason string) (order.Order, error)
	listFunc   func(ctx context.Context, userID string) ([]order.Order, error)
}

func (f *fakeOrders) Place(ctx context.Context, req order.PlaceRequest, correlationID string) (order.Order, error) {
	return f.placeFunc(ctx, req, correlationID)
}

func (f *fakeOrders) Get(ctx context.Context, orderID string) (order.Order, error) {
	if f.getFunc != nil {
		return f.getFunc(ctx, orderID)
	}
	return order.Order{}, order.ErrNotFound
}

func (f *fakeOrders) Cancel(ctx context.Context, orderID, reason string) (order.Order, error) {
	return f.cancelFunc(ctx, orderID, reason)
}

func (f *fakeOrders) ListByUser(ctx context.Context, userID string) ([]order.Order, error) {
	if f.listFunc != nil {
		return f.listFunc(ctx, userID)
	}
	return []order.Order{}, nil
}

type fakePayments struct {
	payments map[string]payment.Payment
	err      error
}

func (f *fakePayments) GetByOrder(_ context.Context, orderID string) (payment.Payment, error) {
	if f.err != nil {
		return payment.Payment{}, f.err
	}
	p, ok := f.payments[orderID]
	if !ok {
		return payment.Payment{}, payment.ErrNotFound
	}
	return p, nil
}

type fakeShipments struct {
	shipments map[string]shipping.Shipment
	markFunc  func(ctx context.Context, orderID string, to shipping.Status, at time.Time) (shipping.Shipment, error)
}

func (f *fakeShipments) Get(_ context.Context, orderID string) (shipping.Shipment, error) {
	sh, ok := f.shipments[orderID]
	if !ok {
		return shipping.Shipment{}, shipping.ErrNotFound
	}
	return sh, nil
}

func (f *fakeShipments) MarkStatus(ctx context.Context, orderID string, to shipping.Status, at time.Time) (shipping.Shipment, error) {
	return f.markFunc(ctx, orderID, to, at)
}

type fakeSagas struct {
	bySaga  map[string]saga.Projection
	byOrder map[string]saga.Projection
	err     error
}

func (f *fakeSagas) Get(_ context.Context, sagaID string) (saga.Projection, error) {
	return f.lookup(f.bySaga, sagaID)
}

func (f *fakeSagas) ByOrder(_ context.Context, orderID string) (saga.Projection, error) {
	return f.lookup(f.byOrder, orderID)
}

func (f *fakeSagas) lookup(m map[string]saga.Projection, id string) (saga.Projection, error) {
	if f.err != nil {
		return saga.Projection{}, f.err
	}
	p, ok := m[id]
	if !ok {
		return saga.Projection{}, saga.ErrNotFound
	}
	return p, nil
}
