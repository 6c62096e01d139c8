package saga

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/andreasstove999/marketplace-saga/internal/dedup"
	"github.com/andreasstove999/marketplace-saga/internal/events"
)

var ErrNotFound = errors.New("saga not found")

// DBPool matches the methods from *pgxpool.Pool that we use.
type DBPool interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	BeginTx(ctx context.Context, txOptions pgx.TxOptions) (pgx.Tx, error)
}

type Store interface {
	// Apply folds env into its saga once. It reports false for an event that
	// was folded before.
	Apply(ctx context.Context, env events.Envelope) (Projection, bool, error)
	Get(ctx context.Context, sagaID string) (Projection, error)
	ByOrder(ctx context.Context, orderID string) (Projection, error)
}

type PostgresStore struct {
	pool     DBPool
	consumer string
}

// NewPostgresStore creates a store whose inbox entries are recorded under
// consumer.
func NewPostgresStore(pool DBPool, consumer string) *PostgresStore {
	return &PostgresStore{pool: pool, consumer: consumer}
}

func (s *PostgresStore) Apply(ctx context.Context, env events.Envelope) (Projection, bool, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Projection{}, false, fmt.Errorf("begin fold: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	first, err := dedup.NewInbox(tx).Claim(ctx, s.consumer, env.EventID)
	if err != nil {
		return Projection{}, false, err
	}
	if !first {
		return Projection{}, false, nil
	}

	p, err := scanDocument(tx.QueryRow(ctx, `
		SELECT document FROM saga_projections WHERE saga_id=$1 FOR UPDATE
	`, env.SagaID))
	switch {
	case errors.Is(err, pgx.ErrNoRows):
		p = NewProjection(env.SagaID)
	case err != nil:
		return Projection{}, false, fmt.Errorf("load saga %s: %w", env.SagaID, err)
	}

	p.Fold(env)
	doc, err := json.Marshal(p)
	if err != nil {
		return Projection{}, false, err
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO saga_projections
			(saga_id, order_id, correlation_id, state, event_count, last_event_type, last_event_at, document, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, now())
		ON CONFLICT (saga_id) DO UPDATE
		SET order_id=EXCLUDED.order_id,
			correlation_id=EXCLUDED.correlation_id,
			state=EXCLUDED.state,
			event_count=EXCLUDED.event_count,
			last_event_type=EXCLUDED.last_event_type,
			last_event_at=EXCLUDED.last_event_at,
			document=EXCLUDED.document,
			updated_at=now()
	`, p.SagaID, p.OrderID, p.CorrelationID, string(p.Ledger.State), p.EventCount,
		string(p.LastEventType), p.LastEventAt, doc); err != nil {
		return Projection{}, false, fmt.Errorf("save saga %s: %w", env.SagaID, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return Projection{}, false, fmt.Errorf("commit fold: %w", err)
	}
	return p, true, nil
}

func (s *PostgresStore) Get(ctx context.Context, sagaID string) (Projection, error) {
	return s.find(ctx, `SELECT document FROM saga_projections WHERE saga_id=$1`, sagaID)
}

// ByOrder returns the most recently updated saga of an order.
func (s *PostgresStore) ByOrder(ctx context.Context, orderID string) (Projection, error) {
	return s.find(ctx, `
		SELECT document FROM saga_projections
		WHERE order_id=$1
		ORDER BY updated_at DESC
		LIMIT 1
	`, orderID)
}

func (s *PostgresStore) find(ctx context.Context, query, arg string) (Projection, error) {
	p, err := scanDocument(s.pool.QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Projection{}, ErrNotFound
		}
		return Projection{}, fmt.Errorf("get saga %s: %w", arg, err)
	}
	return p, nil
}

func scanDocument(row pgx.Row) (Projection, error) {
	var doc []byte
	if err := row.Scan(&doc); err != nil {
		return Projection{}, err
	}
	var p Projection
	if err := json.Unmarshal(doc, &p); err != nil {
		return Projection{}, fmt.Errorf("decode saga document: %w", err)
	}
	return p, nil
}
