package inventory

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

var ErrNotFound = errors.New("not found")

// DBPool matches the methods from *pgxpool.Pool that we use.
// This allows us to mock the database in tests.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Repository interface {
	Get(ctx context.Context, productID, variantID string) (StockItem, error)
	SetAvailable(ctx context.Context, productID, variantID string, available int) error
	// Reserve is all-or-nothing: with any shortage nothing is written.
	Reserve(ctx context.Context, orderID string, lines []Line, expiresAt time.Time) (ReserveResult, error)
	// Release returns the active reservations of orderID to available stock.
	Release(ctx context.Context, orderID string) ([]Reservation, error)
	// Confirm turns the active reservations of orderID into sold stock.
	Confirm(ctx context.Context, orderID string) ([]Reservation, error)
	Reservations(ctx context.Context, orderID string) ([]Reservation, error)
	Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error)
}

type PostgresRepository struct {
	pool DBPool
}

func NewPostgresRepository(pool DBPool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

func (r *PostgresRepository) Get(ctx context.Context, productID, variantID string) (StockItem, error) {
	var item StockItem
	row := r.pool.QueryRow(ctx, `
		SELECT product_id, variant_id, total, available, reserved, sold
		FROM inventory_stock
		WHERE product_id=$1 AND variant_id=$2
	`, productID, variantID)
	if err := row.Scan(&item.ProductID, &item.VariantID, &item.Total, &item.Available, &item.Reserved, &item.Sold); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return StockItem{}, ErrNotFound
		}
		return StockItem{}, err
	}
	return item, nil
}

// SetAvailable overwrites the sellable quantity. Reserved and sold units are
// kept, so total moves with it.
func (r *PostgresRepository) SetAvailable(ctx context.Context, productID, variantID string, available int) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO inventory_stock(product_id, variant_id, total, available)
		VALUES($1, $2, $3, $3)
		ON CONFLICT (product_id, variant_id) DO UPDATE
		SET available=EXCLUDED.available,
			total=EXCLUDED.available + inventory_stock.reserved + inventory_stock.sold,
			updated_at=now()
	`, productID, variantID, available)
	return err
}

func (r *PostgresRepository) Reserve(ctx context.Context, orderID string, lines []Line, expiresAt time.Time) (ReserveResult, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return ReserveResult{}, fmt.Errorf("begin reserve: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	existing, err := queryReservations(ctx, tx, `
		SELECT order_id, product_id, variant_id, quantity, status, expires_at
		FROM inventory_reservations
		WHERE order_id=$1
		ORDER BY product_id, variant_id
	`, orderID)
	if err != nil {
		return ReserveResult{}, err
	}
	if len(existing) > 0 {
		return ReserveResult{Reservations: existing, Existing: true}, nil
	}

	res, err := r.reserveWithTx(ctx, tx, orderID, mergeLines(lines), expiresAt)
	if err != nil {
		return ReserveResult{}, err
	}
	if !res.Reserved() {
		return res, nil
	}

	if err := tx.Commit(ctx); err != nil {
		return ReserveResult{}, fmt.Errorf("commit reserve: %w", err)
	}
	return res, nil
}

func (r *PostgresRepository) reserveWithTx(ctx context.Context, tx pgx.Tx, orderID string, lines []Line, expiresAt time.Time) (ReserveResult, error) {
	res := ReserveResult{}

	for _, line := range lines {
		var available int
		err := tx.QueryRow(ctx, `
			SELECT available
			FROM inventory_stock
			WHERE product_id=$1 AND variant_id=$2
			FOR UPDATE
		`, line.ProductID, line.VariantID).Scan(&available)
		if err != nil {
			if !errors.Is(err, pgx.ErrNoRows) {
				return res, fmt.Errorf("lock stock %s: %w", line.ProductID, err)
			}
			available = 0
		}
		if available < line.Quantity {
			res.Shortages = append(res.Shortages, Shortage{
				ProductID: line.ProductID,
				VariantID: line.VariantID,
				Requested: line.Quantity,
				Available: available,
			})
		}
	}

	if len(res.Shortages) > 0 {
		return res, nil
	}

	for _, line := range lines {
		if _, err := tx.Exec(ctx, `
			UPDATE inventory_stock
			SET available = available - $3, reserved = reserved + $3, updated_at=now()
			WHERE product_id=$1 AND variant_id=$2
		`, line.ProductID, line.VariantID, line.Quantity); err != nil {
			return res, fmt.Errorf("decrement stock %s: %w", line.ProductID, err)
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO inventory_reservations(order_id, product_id, variant_id, quantity, status, expires_at)
			VALUES($1, $2, $3, $4, 'active', $5)
		`, orderID, line.ProductID, line.VariantID, line.Quantity, expiresAt); err != nil {
			return res, fmt.Errorf("insert reservation %s: %w", line.ProductID, err)
		}
		res.Reservations = append(res.Reservations, Reservation{
			OrderID:   orderID,
			ProductID: line.ProductID,
			VariantID: line.VariantID,
			Quantity:  line.Quantity,
			Status:    ReservationActive,
			ExpiresAt: expiresAt,
		})
	}

	return res, nil
}

func (r *PostgresRepository) Release(ctx context.Context, orderID string) ([]Reservation, error) {
	return r.settle(ctx, orderID, ReservationReleased, `
		UPDATE inventory_stock
		SET available = available + $3, reserved = reserved - $3, updated_at=now()
		WHERE product_id=$1 AND variant_id=$2
	`)
}

func (r *PostgresRepository) Confirm(ctx context.Context, orderID string) ([]Reservation, error) {
	return r.settle(ctx, orderID, ReservationConfirmed, `
		UPDATE inventory_stock
		SET reserved = reserved - $3, sold = sold + $3, updated_at=now()
		WHERE product_id=$1 AND variant_id=$2
	`)
}

// settle moves every active reservation of orderID to status, applying
// stockUpdate per reservation. Settled reservations are never touched again.
func (r *PostgresRepository) settle(ctx context.Context, orderID string, status ReservationStatus, stockUpdate string) ([]Reservation, error) {
	tx, err := r.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return nil, fmt.Errorf("begin %s: %w", status, err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	active, err := queryReservations(ctx, tx, `
		SELECT order_id, product_id, variant_id, quantity, status, expires_at
		FROM inventory_reservations
		WHERE order_id=$1 AND status='active'
		ORDER BY product_id, variant_id
		FOR UPDATE
	`, orderID)
	if err != nil {
		return nil, err
	}
	if len(active) == 0 {
		return nil, nil
	}

	for _, res := range active {
		if _, err := tx.Exec(ctx, stockUpdate, res.ProductID, res.VariantID, res.Quantity); err != nil {
			return nil, fmt.Errorf("%s stock %s: %w", status, res.ProductID, err)
		}
	}
	if _, err := tx.Exec(ctx, `
		UPDATE inventory_reservations
		SET status=$2, updated_at=now()
		WHERE order_id=$1 AND status='active'
	`, orderID, string(status)); err != nil {
		return nil, fmt.Errorf("mark reservations %s: %w", status, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit %s: %w", status, err)
	}
	for i := range active {
		active[i].Status = status
	}
	return active, nil
}

func (r *PostgresRepository) Reservations(ctx context.Context, orderID string) ([]Reservation, error) {
	return queryReservations(ctx, r.pool, `
		SELECT order_id, product_id, variant_id, quantity, status, expires_at
		FROM inventory_reservations
		WHERE order_id=$1
		ORDER BY product_id, variant_id
	`, orderID)
}

func (r *PostgresRepository) Expired(ctx context.Context, now time.Time, limit int) ([]Reservation, error) {
	return queryReservations(ctx, r.pool, `
		SELECT order_id, product_id, variant_id, quantity, status, expires_at
		FROM inventory_reservations
		WHERE status='active' AND expires_at <= $1
		ORDER BY expires_at
		LIMIT $2
	`, now, limit)
}

type querier interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

func queryReservations(ctx context.Context, q querier, sql string, args ...any) ([]Reservation, error) {
	rows, err := q.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("query reservations: %w", err)
	}
	defer rows.Close()

	var out []Reservation
	for rows.Next() {
		var (
			res    Reservation
			status string
		)
		if err := rows.Scan(&res.OrderID, &res.ProductID, &res.VariantID, &res.Quantity, &status, &res.ExpiresAt); err != nil {
			return nil, fmt.Errorf("scan reservation: %w", err)
		}
		res.Status = ReservationStatus(status)
		out = append(out, res)
	}
	return out, rows.Err()
}
