package dedup

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
)

// Executor represents the subset of pgx methods required for dedup operations.
type Executor interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
}

// Inbox remembers which event ids a consumer has already applied.
type Inbox struct {
	executor Executor
}

func NewInbox(exec Executor) *Inbox {
	return &Inbox{executor: exec}
}

// WithExecutor returns a shallow copy using the provided executor (e.g., a transaction).
func (i *Inbox) WithExecutor(exec Executor) *Inbox {
	return &Inbox{executor: exec}
}

// Claim records eventID for consumer. It reports false when the event was
// claimed before, in which case the caller must skip it. Run it in the same
// transaction as the side effect so a rollback releases the claim.
func (i *Inbox) Claim(ctx context.Context, consumer, eventID string) (bool, error) {
	tag, err := i.executor.Exec(ctx, `
		INSERT INTO processed_events (consumer, event_id)
		VALUES ($1, $2)
		ON CONFLICT (consumer, event_id) DO NOTHING
	`, consumer, eventID)
	if err != nil {
		return false, fmt.Errorf("claim event %s: %w", eventID, err)
	}
	return tag.RowsAffected() == 1, nil
}
