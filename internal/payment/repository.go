package payment

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var (
	ErrNotFound          = errors.New("payment not found")
	ErrInvalidTransition = errors.New("invalid payment transition")
)

type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Repository interface {
	// CreatePending inserts p as pending unless the order already has a
	// payment, in which case the existing record is returned with false.
	CreatePending(ctx context.Context, p Payment) (Payment, bool, error)
	GetByOrder(ctx context.Context, orderID string) (Payment, error)
	// Transition moves the order's payment from one status to another. It
	// fails with ErrInvalidTransition when the record is not in from.
	Transition(ctx context.Context, orderID string, from, to Status, u Update) (Payment, error)
}

const paymentColumns = `id::text, order_id, saga_id, user_id, amount, currency, method, status,
	transaction_id, refund_transaction_id, failure_reason, created_at, updated_at`

type PostgresRepository struct {
	pool DBPool
}

func NewPostgresRepository(pool DBPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) CreatePending(ctx context.Context, p Payment) (Payment, bool, error) {
	created, err := scanPayment(r.pool.QueryRow(ctx, `
		INSERT INTO payments (id, order_id, saga_id, user_id, amount, currency, method, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, 'pending')
		ON CONFLICT (order_id) DO NOTHING
		RETURNING `+paymentColumns,
		p.ID, p.OrderID, p.SagaID, p.UserID, p.Amount, p.Currency, p.Method))
	if err == nil {
		return created, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return Payment{}, false, fmt.Errorf("insert payment for %s: %w", p.OrderID, err)
	}

	existing, err := r.GetByOrder(ctx, p.OrderID)
	if err != nil {
		return Payment{}, false, err
	}
	return existing, false, nil
}

func (r *PostgresRepository) GetByOrder(ctx context.Context, orderID string) (Payment, error) {
	p, err := scanPayment(r.pool.QueryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE order_id=$1`, orderID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, ErrNotFound
		}
		return Payment{}, fmt.Errorf("get payment for %s: %w", orderID, err)
	}
	return p, nil
}

func (r *PostgresRepository) Transition(ctx context.Context, orderID string, from, to Status, u Update) (Payment, error) {
	if !CanTransition(from, to) {
		return Payment{}, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	p, err := scanPayment(r.pool.QueryRow(ctx, `
		UPDATE payments
		SET status=$3,
			transaction_id=COALESCE(NULLIF($4, ''), transaction_id),
			refund_transaction_id=COALESCE(NULLIF($5, ''), refund_transaction_id),
			failure_reason=COALESCE(NULLIF($6, ''), failure_reason),
			updated_at=now()
		WHERE order_id=$1 AND status=$2
		RETURNING `+paymentColumns,
		orderID, string(from), string(to), u.TransactionID, u.RefundTransactionID, u.FailureReason))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Payment{}, fmt.Errorf("%w: %s is not %s", ErrInvalidTransition, orderID, from)
		}
		return Payment{}, fmt.Errorf("transition payment %s: %w", orderID, err)
	}
	return p, nil
}

func scanPayment(row pgx.Row) (Payment, error) {
	var (
		p      Payment
		status string
	)
	err := row.Scan(&p.ID, &p.OrderID, &p.SagaID, &p.UserID, &p.Amount, &p.Currency, &p.Method, &status,
		&p.TransactionID, &p.RefundTransactionID, &p.FailureReason, &p.CreatedAt, &p.UpdatedAt)
	p.Status = Status(status)
	return p, err
}
