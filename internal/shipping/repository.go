package shipping

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound          = errors.New("shipment not found")
	ErrInvalidTransition = errors.New("invalid shipment transition")
)

type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository interface {
	// Create inserts s as preparing unless the order already has a shipment,
	// in which case the existing one is returned with false.
	Create(ctx context.Context, s Shipment) (Shipment, bool, error)
	Get(ctx context.Context, orderID string) (Shipment, error)
	Transition(ctx context.Context, orderID string, from, to Status, u Update) (Shipment, error)
}

const shipmentColumns = `order_id, saga_id, correlation_id, status, carrier, tracking_number, address, items,
	weight_grams, failure_reason, estimated_delivery, dispatched_at, delivered_at, created_at, updated_at`

type PostgresRepository struct {
	pool DBPool
}

func NewPostgresRepository(pool DBPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Create(ctx context.Context, s Shipment) (Shipment, bool, error) {
	address, err := json.Marshal(s.Address)
	if err != nil {
		return Shipment{}, false, err
	}
	items, err := json.Marshal(s.Items)
	if err != nil {
		return Shipment{}, false, err
	}

	created, err := scanShipment(r.pool.QueryRow(ctx, `
		INSERT INTO shipments (order_id, saga_id, correlation_id, status, address, items, weight_grams)
		VALUES ($1, $2, $3, 'preparing', $4, $5, $6)
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+shipmentColumns,
		s.OrderID, s.SagaID, s.CorrelationID, address, items, s.WeightGrams))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Shipment{}, false, fmt.Errorf("insert shipment for %s: %w", s.OrderID, err)
	}
	existing, err := r.Get(ctx, s.OrderID)
	if err != nil {
		return Shipment{}, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) Get(ctx context.Context, orderID string) (Shipment, error) {
	s, err := scanShipment(r.pool.QueryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE order_id=$1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, ErrNotFound
		}
		return Shipment{}, fmt.Errorf("get shipment for %s: %w", orderID, err)
	}
	return s, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, orderID string, from, to Status, u Update) (Shipment, error) {
	if !CanTransition(from, to) {
		return Shipment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	s, err := scanShipment(r.pool.QueryRow(ctx, `
		UPDATE shipments
		SET status=$3,
			carrier=COALESCE(NULLIF($4, ''), carrier),
			tracking_number=COALESCE(NULLIF($5, ''), tracking_number),
			failure_reason=COALESCE(NULLIF($6, ''), failure_reason),
			estimated_delivery=COALESCE($7, estimated_delivery),
			dispatched_at=COALESCE($8, dispatched_at),
			delivered_at=COALESCE($9, delivered_at),
			updated_at=now()
		WHERE order_id=$1 AND status=$2
		RETURNING `+shipmentColumns,
		orderID, string(from), string(to), u.Carrier, u.TrackingNumber, u.FailureReason,
		u.EstimatedDelivery, u.DispatchedAt, u.DeliveredAt))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Shipment{}, fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, orderID, from)
		}
		return Shipment{}, fmt.Errorf("transition shipment %s: %w", orderID, err)
	}
	return s, nil
}

func scanShipment(row pgx.Row) (Shipment, error) {
	var (
		s              Shipment
		status         string
		address, items []byte
	)
	var eta, dispatched, delivered *time.Time
	if err := row.Scan(&s.OrderID, &s.SagaID, &s.CorrelationID, &status, &s.Carrier, &s.TrackingNumber,
		&address, &items, &s.WeightGrams, &s.FailureReason, &eta, &dispatched, &delivered,
		&s.CreatedAt, &s.UpdatedAt); err != nil {
		return Shipment{}, err
	}
	s.Status = Status(status)
	s.EstimatedDelivery, s.DispatchedAt, s.DeliveredAt = eta, dispatched, delivered
	if err := json.Unmarshal(address, &s.Address); err != nil {
		return Shipment{}, fmt.Errorf("decode address: %w", err)
	}
	if err := json.Unmarshal(items, &s.Items); err != nil {
		return Shipment{}, fmt.Errorf("decode items: %w", err)
	}
	return s, nil
}
