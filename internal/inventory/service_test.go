package inventory

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/andreasstove999/marketplace-saga/internal/events"
	"github.com/andreasstove999/marketplace-saga/internal/messaging"
	"github.com/andreasstove999/marketplace-saga/internal/testutil"
)

var fixedNow = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newTestService(repo Repository) (*Service, *testutil.Publisher) {
	pub := testutil.NewPublisher("inventory-service")
	svc := NewService(repo, pub, 0, zap.NewNop())
	svc.now = func() time.Time { return fixedNow }
	return svc, pub
}

var sagaMeta = events.Meta{SagaID: "saga-1", CorrelationID: "corr-1"}

func reserveRequest(orderID string, items ...events.LineItem) (events.Envelope, events.InventoryReserveRequestedData) {
	data := events.InventoryReserveRequestedData{OrderID: orderID, Items: items}
	return testutil.Envelope(events.InventoryReserveRequested, sagaMeta, data), data
}

func TestReserveRequestedPublishesReserved(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)

	env, data := reserveRequest("O1", events.LineItem{ProductID: "P1", Quantity: 2})
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))

	out := pub.Of(events.InventoryReserved)
	require.Len(t, out, 1)
	assert.Equal(t, "saga-1", out[0].SagaID)
	assert.Equal(t, "corr-1", out[0].CorrelationID)
	assert.Equal(t, env.EventID, out[0].CausationID)

	reserved, err := testutil.DecodeData[events.InventoryReservedData](out[0])
	require.NoError(t, err)
	require.Len(t, reserved.Reservations, 1)
	assert.Equal(t, 2, reserved.Reservations[0].Quantity)
	assert.Equal(t, fixedNow.Add(30*time.Minute), reserved.Reservations[0].ExpiresAt)

	assert.Equal(t, StockItem{ProductID: "P1", Total: 10, Available: 8, Reserved: 2}, repo.item("P1"))
}

func TestReserveRequestedInsufficientStock(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 3})
	svc, pub := newTestService(repo)

	env, data := reserveRequest("O2", events.LineItem{ProductID: "P1", Quantity: 5})
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))

	assert.Equal(t, []events.Type{events.InventoryReserveFailed}, pub.Types())
	failed, err := testutil.DecodeData[events.InventoryReserveFailedData](pub.Envelopes()[0])
	require.NoError(t, err)
	assert.Equal(t, "O2", failed.OrderID)
	assert.Equal(t, ReasonInsufficientStock, failed.Reason)
	assert.Equal(t, []events.Shortage{{ProductID: "P1", Requested: 5, Available: 3}}, failed.Shortages)

	rs, _ := repo.Reservations(context.Background(), "O2")
	assert.Empty(t, rs)
	assert.Equal(t, 3, repo.item("P1").Available)
}

func TestReserveIsAllOrNothing(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10, "P2": 1})
	svc, pub := newTestService(repo)

	env, data := reserveRequest("O3",
		events.LineItem{ProductID: "P1", Quantity: 4},
		events.LineItem{ProductID: "P2", Quantity: 2},
	)
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))

	assert.Equal(t, 1, pub.Count(events.InventoryReserveFailed))
	assert.Equal(t, StockItem{ProductID: "P1", Total: 10, Available: 10}, repo.item("P1"))
	assert.Equal(t, StockItem{ProductID: "P2", Total: 1, Available: 1}, repo.item("P2"))
}

func TestReserveMergesDuplicateLines(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 3})
	svc, pub := newTestService(repo)

	env, data := reserveRequest("O4",
		events.LineItem{ProductID: "P1", Quantity: 2},
		events.LineItem{ProductID: "P1", Quantity: 2},
	)
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))
	assert.Equal(t, 1, pub.Count(events.InventoryReserveFailed))
	assert.Equal(t, 3, repo.item("P1").Available)
}

func TestReserveRedeliveryDoesNotDoubleDecrement(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)

	env, data := reserveRequest("O5", events.LineItem{ProductID: "P1", Quantity: 3})
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))

	assert.Equal(t, StockItem{ProductID: "P1", Total: 10, Available: 7, Reserved: 3}, repo.item("P1"))
	assert.Equal(t, 2, pub.Count(events.InventoryReserved))
	rs, _ := repo.Reservations(context.Background(), "O5")
	assert.Len(t, rs, 1)
}

func TestReserveRedeliveryAfterReleaseIsIgnored(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)
	ctx := context.Background()

	env, data := reserveRequest("O6", events.LineItem{ProductID: "P1", Quantity: 3})
	require.NoError(t, svc.HandleReserveRequested(ctx, env, data))
	_, err := repo.Release(ctx, "O6")
	require.NoError(t, err)
	pub.Reset()

	require.NoError(t, svc.HandleReserveRequested(ctx, env, data))
	assert.Empty(t, pub.Envelopes())
	assert.Equal(t, 10, repo.item("P1").Available)
}

func TestReserveInvalidRequest(t *testing.T) {
	svc, pub := newTestService(newMemRepository(nil))

	env, data := reserveRequest("O7", events.LineItem{ProductID: "P1", Quantity: 0})
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))

	failed, err := testutil.DecodeData[events.InventoryReserveFailedData](pub.Of(events.InventoryReserveFailed)[0])
	require.NoError(t, err)
	assert.Equal(t, ReasonInvalidRequest, failed.Reason)
}

func TestReserveTransientErrorRequeues(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	repo.reserveErr = errors.New("connection reset")
	svc, pub := newTestService(repo)

	env, data := reserveRequest("O8", events.LineItem{ProductID: "P1", Quantity: 1})
	err := svc.HandleReserveRequested(context.Background(), env, data)
	require.Error(t, err)
	assert.Empty(t, pub.Envelopes())
}

func TestReservePublishFailureRequeues(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)
	pub.FailOn(events.InventoryReserved, messaging.ErrNotConnected)

	env, data := reserveRequest("O9", events.LineItem{ProductID: "P1", Quantity: 1})
	err := svc.HandleReserveRequested(context.Background(), env, data)
	require.ErrorIs(t, err, messaging.ErrNotConnected)

	pub.FailOn(events.InventoryReserved, nil)
	require.NoError(t, svc.HandleReserveRequested(context.Background(), env, data))
	assert.Equal(t, 1, pub.Count(events.InventoryReserved))
	assert.Equal(t, 9, repo.item("P1").Available)
}

func TestReleaseRestoresStock(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)
	ctx := context.Background()

	env, data := reserveRequest("O10", events.LineItem{ProductID: "P1", Quantity: 4})
	require.NoError(t, svc.HandleReserveRequested(ctx, env, data))

	rel := events.InventoryReleaseRequestedData{OrderID: "O10", Reason: "payment_failed"}
	relEnv := testutil.Envelope(events.InventoryReleaseRequested, sagaMeta, rel)
	require.NoError(t, svc.HandleReleaseRequested(ctx, relEnv, rel))
	require.NoError(t, svc.HandleReleaseRequested(ctx, relEnv, rel))

	assert.Equal(t, StockItem{ProductID: "P1", Total: 10, Available: 10}, repo.item("P1"))
	assert.Equal(t, 2, pub.Count(events.InventoryReleased))
	rs, _ := repo.Reservations(ctx, "O10")
	assert.Equal(t, ReservationReleased, rs[0].Status)
}

func TestReleaseWithoutReservationsIsNoop(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 5})
	svc, pub := newTestService(repo)

	rel := events.InventoryReleaseRequestedData{OrderID: "unknown"}
	require.NoError(t, svc.HandleReleaseRequested(context.Background(),
		testutil.Envelope(events.InventoryReleaseRequested, sagaMeta, rel), rel))

	assert.Equal(t, StockItem{ProductID: "P1", Total: 5, Available: 5}, repo.item("P1"))
	assert.Equal(t, 1, pub.Count(events.InventoryReleased))
}

func TestReleaseErrorRequeues(t *testing.T) {
	repo := newMemRepository(nil)
	repo.releaseErr = errors.New("deadlock detected")
	svc, pub := newTestService(repo)

	rel := events.InventoryReleaseRequestedData{OrderID: "O11"}
	err := svc.HandleReleaseRequested(context.Background(), testutil.Envelope(events.InventoryReleaseRequested, sagaMeta, rel), rel)
	require.Error(t, err)
	assert.Empty(t, pub.Envelopes())
}

func TestOrderCompletedConfirmsOnce(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)
	ctx := context.Background()

	env, data := reserveRequest("O12", events.LineItem{ProductID: "P1", Quantity: 4})
	require.NoError(t, svc.HandleReserveRequested(ctx, env, data))
	pub.Reset()

	done := events.OrderCompletedData{OrderID: "O12"}
	doneEnv := testutil.Envelope(events.OrderCompleted, sagaMeta, done)
	require.NoError(t, svc.HandleOrderCompleted(ctx, doneEnv, done))
	require.NoError(t, svc.HandleOrderCompleted(ctx, doneEnv, done))

	assert.Equal(t, StockItem{ProductID: "P1", Total: 10, Available: 6, Sold: 4}, repo.item("P1"))
	assert.Empty(t, pub.Envelopes())

	// A confirmed sale is never released again.
	cancel := events.OrderCancelledData{OrderID: "O12"}
	require.NoError(t, svc.HandleOrderCancelled(ctx, testutil.Envelope(events.OrderCancelled, sagaMeta, cancel), cancel))
	assert.Equal(t, StockItem{ProductID: "P1", Total: 10, Available: 6, Sold: 4}, repo.item("P1"))
	assert.Empty(t, pub.Envelopes())
}

func TestOrderCancelledReleasesLeftovers(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, pub := newTestService(repo)
	ctx := context.Background()

	env, data := reserveRequest("O13", events.LineItem{ProductID: "P1", Quantity: 4})
	require.NoError(t, svc.HandleReserveRequested(ctx, env, data))
	pub.Reset()

	cancel := events.OrderCancelledData{OrderID: "O13", Reason: "user_cancelled"}
	cancelEnv := testutil.Envelope(events.OrderCancelled, sagaMeta, cancel)
	require.NoError(t, svc.HandleOrderCancelled(ctx, cancelEnv, cancel))
	require.NoError(t, svc.HandleOrderCancelled(ctx, cancelEnv, cancel))

	assert.Equal(t, 10, repo.item("P1").Available)
	assert.Equal(t, 1, pub.Count(events.InventoryReleased))
}

func TestStockConservation(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 20})
	svc, _ := newTestService(repo)
	ctx := context.Background()
	rng := rand.New(rand.NewSource(7))

	orders := []string{"A", "B", "C", "D", "E", "F"}
	for i := 0; i < 300; i++ {
		orderID := orders[rng.Intn(len(orders))]
		switch rng.Intn(4) {
		case 0, 1:
			env, data := reserveRequest(orderID, events.LineItem{ProductID: "P1", Quantity: 1 + rng.Intn(6)})
			require.NoError(t, svc.HandleReserveRequested(ctx, env, data))
		case 2:
			rel := events.InventoryReleaseRequestedData{OrderID: orderID}
			require.NoError(t, svc.HandleReleaseRequested(ctx, testutil.Envelope(events.InventoryReleaseRequested, sagaMeta, rel), rel))
		case 3:
			done := events.OrderCompletedData{OrderID: orderID}
			require.NoError(t, svc.HandleOrderCompleted(ctx, testutil.Envelope(events.OrderCompleted, sagaMeta, done), done))
		}

		it := repo.item("P1")
		require.GreaterOrEqual(t, it.Available, 0)
		require.Equal(t, it.Total, it.Available+it.Reserved+it.Sold, "step %d", i)
	}
}

func TestRegisterRoutes(t *testing.T) {
	svc, _ := newTestService(newMemRepository(nil))
	r := messaging.NewRegistry()
	svc.Register(r)

	require.NoError(t, r.Validate())
	assert.Equal(t, []events.Type{
		events.InventoryReleaseRequested,
		events.InventoryReserveRequested,
		events.OrderCancelled,
		events.OrderCompleted,
	}, r.Types())
}

func TestExpiryMonitorOnlyReports(t *testing.T) {
	repo := newMemRepository(map[string]int{"P1": 10})
	svc, _ := newTestService(repo)
	ctx := context.Background()

	env, data := reserveRequest("O14", events.LineItem{ProductID: "P1", Quantity: 2})
	require.NoError(t, svc.HandleReserveRequested(ctx, env, data))

	m := NewExpiryMonitor(repo, time.Minute, zap.NewNop())
	m.now = func() time.Time { return fixedNow.Add(10 * time.Minute) }
	n, err := m.Scan(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	m.now = func() time.Time { return fixedNow.Add(31 * time.Minute) }
	n, err = m.Scan(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, 2, repo.item("P1").Reserved)
}
