package tracechain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

const pgColumns = `id, batch_id, seq, actor_id, actor_role, event_type, event_data,
	timestamp, prev_hash, current_hash, binding_hash, on_chain_status, COALESCE(tx_hash, '')`

// Constraint names from migrations/001_trace_events.up.sql.
const (
	pgConstraintHash = "trace_events_current_hash_key"
	pgConstraintSeq  = "trace_events_batch_seq_key"
)

// PostgresStore persists events to the trace_events table.
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresStore creates a PostgresStore backed by the given connection pool.
// The schema is managed by cmd/migrate.
func NewPostgresStore(pool *pgxpool.Pool, logger *zap.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Latest implements Store.
func (s *PostgresStore) Latest(ctx context.Context, batchID string) (*TraceEvent, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT `+pgColumns+` FROM trace_events
		 WHERE batch_id = $1 ORDER BY timestamp DESC, seq DESC LIMIT 1`, batchID)
	e, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", batchID, err)
	}
	return e, nil
}

// List implements Store.
func (s *PostgresStore) List(ctx context.Context, batchID string) ([]*TraceEvent, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgColumns+` FROM trace_events
		 WHERE batch_id = $1 ORDER BY timestamp ASC, seq ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", batchID, err)
	}
	defer rows.Close()
	return scanPgRows(rows)
}

// Get implements Store.
func (s *PostgresStore) Get(ctx context.Context, id string) (*TraceEvent, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+pgColumns+` FROM trace_events WHERE id = $1`, id)
	e, err := scanPgEvent(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// Insert implements Store.
func (s *PostgresStore) Insert(ctx context.Context, e *TraceEvent) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO trace_events (id, batch_id, seq, actor_id, actor_role, event_type, event_data,
			timestamp, prev_hash, current_hash, binding_hash, on_chain_status, tx_hash)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, NULLIF($13, ''))`,
		e.ID, e.BatchID, e.Seq, e.ActorID, string(e.ActorRole), string(e.EventType), nonNilData(e.EventData),
		NormalizeTimestamp(e.Timestamp), e.PrevHash, e.CurrentHash, e.BindingHash, string(e.OnChainStatus), e.TxHash,
	)
	if err == nil {
		s.logger.Debug("trace event stored",
			zap.String("batch_id", e.BatchID),
			zap.Int64("seq", e.Seq),
			zap.String("event_type", string(e.EventType)),
		)
		return nil
	}

	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		switch pgErr.ConstraintName {
		case pgConstraintHash:
			return ErrDuplicateHash
		case pgConstraintSeq:
			return ErrChainConflict
		}
	}
	return fmt.Errorf("insert event: %w", err)
}

// UpdateAnchorStatus implements Store. The row is locked for the duration of
// the check so concurrent updates are applied one at a time.
func (s *PostgresStore) UpdateAnchorStatus(ctx context.Context, id string, status AnchorStatus, txHash string) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	var cur, curTx string
	err = tx.QueryRow(ctx,
		`SELECT on_chain_status, COALESCE(tx_hash, '') FROM trace_events WHERE id = $1 FOR UPDATE`, id,
	).Scan(&cur, &curTx)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("read anchor status %s: %w", id, err)
	}
	if err := checkTransition(AnchorStatus(cur), curTx, status, txHash); err != nil {
		return err
	}

	if _, err := tx.Exec(ctx,
		`UPDATE trace_events SET on_chain_status = $2, tx_hash = NULLIF($3, '') WHERE id = $1`,
		id, string(status), txHash,
	); err != nil {
		return fmt.Errorf("update anchor status %s: %w", id, err)
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit anchor status: %w", err)
	}
	return nil
}

// ListPending implements Store.
func (s *PostgresStore) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*TraceEvent, error) {
	if limit <= 0 {
		limit = 1000
	}
	rows, err := s.pool.Query(ctx,
		`SELECT `+pgColumns+` FROM trace_events
		 WHERE on_chain_status = $1 AND timestamp < $2
		 ORDER BY timestamp ASC LIMIT $3`,
		string(AnchorPending), cutoff.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer rows.Close()
	return scanPgRows(rows)
}

func scanPgEvent(row pgx.Row) (*TraceEvent, error) {
	var (
		e      TraceEvent
		role   string
		typ    string
		status string
	)
	if err := row.Scan(&e.ID, &e.BatchID, &e.Seq, &e.ActorID, &role, &typ, &e.EventData,
		&e.Timestamp, &e.PrevHash, &e.CurrentHash, &e.BindingHash, &status, &e.TxHash); err != nil {
		return nil, err
	}
	e.ActorRole = ActorRole(role)
	e.EventType = EventType(typ)
	e.Timestamp = e.Timestamp.UTC()
	e.OnChainStatus = AnchorStatus(status)
	return &e, nil
}

func scanPgRows(rows pgx.Rows) ([]*TraceEvent, error) {
	out := []*TraceEvent{}
	for rows.Next() {
		e, err := scanPgEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// PostgresLocker serialises appends per batch across replicas with
// session-level advisory locks keyed by hashtext(batch_id). A connection is
// held from the pool for as long as the lock is held.
type PostgresLocker struct {
	pool   *pgxpool.Pool
	logger *zap.Logger
}

// NewPostgresLocker creates a PostgresLocker.
func NewPostgresLocker(pool *pgxpool.Pool, logger *zap.Logger) *PostgresLocker {
	return &PostgresLocker{pool: pool, logger: logger}
}

// Lock implements Locker.
func (l *PostgresLocker) Lock(ctx context.Context, batchID string) (func(), error) {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire conn: %w", err)
	}
	if _, err := conn.Exec(ctx, "SELECT pg_advisory_lock(hashtext($1))", batchID); err != nil {
		conn.Release()
		return nil, fmt.Errorf("acquire advisory lock: %w", err)
	}

	return func() {
		uctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if _, err := conn.Exec(uctx, "SELECT pg_advisory_unlock(hashtext($1))", batchID); err != nil {
			// Closing the session drops any advisory locks it still holds.
			l.logger.Warn("release advisory lock", zap.String("batch_id", batchID), zap.Error(err))
			_ = conn.Conn().Close(uctx)
		}
		conn.Release()
	}, nil
}
