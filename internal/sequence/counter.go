package sequence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

var ErrNoSaga = errors.New("sequence: saga id is required")

type Store interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const nextSQL = `
	INSERT INTO event_sequence (partition_key, last_sequence)
	VALUES ($1, 1)
	ON CONFLICT (partition_key)
	DO UPDATE SET last_sequence = event_sequence.last_sequence + 1, updated_at = now()
	RETURNING last_sequence`

// Counter numbers the envelopes one source publishes for a saga, starting
// at 1. Counters are keyed by source and saga so services sharing a
// database never interleave.
type Counter struct {
	store  Store
	source string
}

func NewCounter(store Store, source string) *Counter {
	return &Counter{store: store, source: source}
}

func (c *Counter) partition(sagaID string) string {
	return c.source + "/" + sagaID
}

func (c *Counter) NextSequence(ctx context.Context, sagaID string) (int64, error) {
	if sagaID == "" {
		return 0, ErrNoSaga
	}
	key := c.partition(sagaID)
	var seq int64
	if err := c.store.QueryRow(ctx, nextSQL, key).Scan(&seq); err != nil {
		return 0, fmt.Errorf("next sequence for %s: %w", key, err)
	}
	return seq, nil
}

type sqlStore struct {
	db *sql.DB
}

// FromSQL adapts a database/sql handle to Store.
func FromSQL(db *sql.DB) Store {
	return sqlStore{db: db}
}

func (s sqlStore) QueryRow(ctx context.Context, query string, args ...any) pgx.Row {
	return s.db.QueryRowContext(ctx, query, args...)
}
