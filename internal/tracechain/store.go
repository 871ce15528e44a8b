package tracechain

import (
	"context"
	"time"
)

// Store is the persistence boundary of the ledger. MemoryStore, SQLiteStore
// and PostgresStore implement it.
//
// Implementations must order a batch by (timestamp, seq) ascending and must
// reject an Insert whose CurrentHash already exists with ErrDuplicateHash.
type Store interface {
	// Latest returns the most recent event of the batch, or nil when the
	// batch has no events.
	Latest(ctx context.Context, batchID string) (*TraceEvent, error)

	// List returns every event of the batch in chain order.
	List(ctx context.Context, batchID string) ([]*TraceEvent, error)

	// Get returns a single event by id or ErrNotFound.
	Get(ctx context.Context, id string) (*TraceEvent, error)

	// Insert persists a fully formed event.
	Insert(ctx context.Context, e *TraceEvent) error

	// UpdateAnchorStatus is the only mutation allowed after Insert. It
	// enforces AnchorStatus.CanTransition and is idempotent.
	UpdateAnchorStatus(ctx context.Context, id string, status AnchorStatus, txHash string) error

	// ListPending returns up to limit PENDING events stamped before cutoff,
	// oldest first.
	ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*TraceEvent, error)
}
