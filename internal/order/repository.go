package order

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/lib/pq"

	"github.com/andreasstove999/marketplace-saga/internal/saga"
)

// Mutation changes a locked order and returns the messages to enqueue with
// the change. changed false leaves the row untouched.
type Mutation func(o *Order) (changed bool, msgs []OutboxMessage, err error)

type Repository interface {
	// Create stores a new order together with its first outbox messages.
	Create(ctx context.Context, o Order, msgs []OutboxMessage) error
	Get(ctx context.Context, orderID string) (Order, error)
	ListByUser(ctx context.Context, userID string) ([]Order, error)
	// Update runs fn on the locked order and persists the result and the
	// returned messages in one transaction.
	Update(ctx context.Context, orderID string, fn Mutation) (Order, bool, error)
	// RelayOutbox hands up to limit unpublished messages to publish in id
	// order and marks the ones it accepted. It stops at the first error.
	RelayOutbox(ctx context.Context, limit int, publish func(OutboxMessage) error) (int, error)
}

type repo struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) Repository {
	return &repo{db: db}
}

const orderColumns = `id, saga_id, correlation_id, user_id, amount, currency, payment_method,
	status, items, address, contact, ledger, cancel_reason, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (Order, error) {
	var (
		o                                     Order
		status                                string
		items, address, contact, ledgerColumn []byte
	)
	err := row.Scan(&o.ID, &o.SagaID, &o.CorrelationID, &o.UserID, &o.Amount, &o.Currency, &o.PaymentMethod,
		&status, &items, &address, &contact, &ledgerColumn, &o.CancelReason, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		return Order{}, err
	}
	o.Status = saga.State(status)
	for _, f := range []struct {
		name string
		raw  []byte
		dst  any
	}{
		{"items", items, &o.Items},
		{"address", address, &o.Address},
		{"contact", contact, &o.Contact},
		{"ledger", ledgerColumn, &o.Ledger},
	} {
		if err := json.Unmarshal(f.raw, f.dst); err != nil {
			return Order{}, fmt.Errorf("decode %s: %w", f.name, err)
		}
	}
	return o, nil
}

func (r *repo) Create(ctx context.Context, o Order, msgs []OutboxMessage) error {
	items, address, contact, ledger, err := encodeOrder(o)
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO orders (id, saga_id, correlation_id, user_id, amount, currency, payment_method,
		     status, items, address, contact, ledger, cancel_reason, created_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $14)`,
		o.ID, o.SagaID, o.CorrelationID, o.UserID, o.Amount, o.Currency, o.PaymentMethod,
		string(o.Status), items, address, contact, ledger, o.CancelReason, o.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("insert order: %w", err)
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

func (r *repo) Get(ctx context.Context, orderID string) (Order, error) {
	o, err := scanOrder(r.db.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, ErrNotFound
	}
	if err != nil {
		return Order{}, fmt.Errorf("select order: %w", err)
	}
	return o, nil
}

func (r *repo) ListByUser(ctx context.Context, userID string) ([]Order, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE user_id = $1 ORDER BY created_at DESC`, userID)
	if err != nil {
		return nil, fmt.Errorf("select orders: %w", err)
	}
	defer rows.Close()

	orders := []Order{}
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, fmt.Errorf("scan order: %w", err)
		}
		orders = append(orders, o)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("rows: %w", err)
	}
	return orders, nil
}

func (r *repo) Update(ctx context.Context, orderID string, fn Mutation) (Order, bool, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return Order{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	o, err := scanOrder(tx.QueryRowContext(ctx,
		`SELECT `+orderColumns+` FROM orders WHERE id = $1 FOR UPDATE`, orderID))
	if errors.Is(err, sql.ErrNoRows) {
		return Order{}, false, ErrNotFound
	}
	if err != nil {
		return Order{}, false, fmt.Errorf("lock order: %w", err)
	}

	changed, msgs, err := fn(&o)
	if err != nil || !changed {
		return o, false, err
	}

	_, _, _, ledger, err := encodeOrder(o)
	if err != nil {
		return Order{}, false, err
	}
	err = tx.QueryRowContext(ctx,
		`UPDATE orders SET status = $2, ledger = $3, cancel_reason = $4, updated_at = now()
		 WHERE id = $1 RETURNING updated_at`,
		o.ID, string(o.Status), ledger, o.CancelReason,
	).Scan(&o.UpdatedAt)
	if err != nil {
		return Order{}, false, fmt.Errorf("update order: %w", err)
	}
	if err := insertOutbox(ctx, tx, msgs); err != nil {
		return Order{}, false, err
	}

	if err := tx.Commit(); err != nil {
		return Order{}, false, fmt.Errorf("commit: %w", err)
	}
	return o, true, nil
}

func (r *repo) RelayOutbox(ctx context.Context, limit int, publish func(OutboxMessage) error) (int, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx,
		`SELECT id, order_id, event_type, saga_id, correlation_id, causation_id, payload, created_at
		 FROM order_outbox
		 WHERE published_at IS NULL
		 ORDER BY id
		 LIMIT $1
		 FOR UPDATE SKIP LOCKED`, limit)
	if err != nil {
		return 0, fmt.Errorf("select outbox: %w", err)
	}
	var pending []OutboxMessage
	for rows.Next() {
		var m OutboxMessage
		if err := rows.Scan(&m.ID, &m.OrderID, &m.EventType, &m.SagaID, &m.CorrelationID, &m.CausationID, &m.Payload, &m.CreatedAt); err != nil {
			rows.Close()
			return 0, fmt.Errorf("scan outbox: %w", err)
		}
		pending = append(pending, m)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, fmt.Errorf("rows: %w", err)
	}

	var (
		published []int64
		pubErr    error
	)
	for _, m := range pending {
		if pubErr = publish(m); pubErr != nil {
			break
		}
		published = append(published, m.ID)
	}
	if len(published) > 0 {
		if _, err := tx.ExecContext(ctx,
			`UPDATE order_outbox SET published_at = now() WHERE id = ANY($1)`, pq.Array(published)); err != nil {
			return 0, fmt.Errorf("mark outbox: %w", err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("commit: %w", err)
		}
	}
	return len(published), pubErr
}

func insertOutbox(ctx context.Context, tx *sql.Tx, msgs []OutboxMessage) error {
	for _, m := range msgs {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO order_outbox (order_id, event_type, saga_id, correlation_id, causation_id, payload)
			 VALUES ($1, $2, $3, $4, $5, $6)`,
			m.OrderID, string(m.EventType), m.SagaID, m.CorrelationID, m.CausationID, []byte(m.Payload),
		)
		if err != nil {
			return fmt.Errorf("insert outbox %s: %w", m.EventType, err)
		}
	}
	return nil
}

func encodeOrder(o Order) (items, address, contact, ledger []byte, err error) {
	if items, err = json.Marshal(o.Items); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode items: %w", err)
	}
	if address, err = json.Marshal(o.Address); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode address: %w", err)
	}
	if contact, err = json.Marshal(o.Contact); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode contact: %w", err)
	}
	if ledger, err = json.Marshal(o.Ledger); err != nil {
		return nil, nil, nil, nil, fmt.Errorf("encode ledger: %w", err)
	}
	return items, address, contact, ledger, nil
}
