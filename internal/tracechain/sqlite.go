package tracechain

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

// sqliteSchema is applied on construction. Timestamps are stored as
// fixed-width TimestampLayout text so lexical order equals time order.
var sqliteSchema = []string{
	`CREATE TABLE IF NOT EXISTS trace_events (
		id              TEXT PRIMARY KEY,
		batch_id        TEXT NOT NULL,
		seq             INTEGER NOT NULL,
		actor_id        TEXT NOT NULL,
		actor_role      TEXT NOT NULL,
		event_type      TEXT NOT NULL,
		event_data      TEXT NOT NULL,
		timestamp       TEXT NOT NULL,
		prev_hash       TEXT NOT NULL,
		current_hash    TEXT NOT NULL UNIQUE,
		binding_hash    TEXT NOT NULL DEFAULT '',
		on_chain_status TEXT NOT NULL DEFAULT 'NONE',
		tx_hash         TEXT,
		UNIQUE (batch_id, seq)
	)`,
	`CREATE INDEX IF NOT EXISTS trace_events_batch_ts ON trace_events (batch_id, timestamp, seq)`,
	`CREATE INDEX IF NOT EXISTS trace_events_status ON trace_events (on_chain_status, timestamp)`,
}

const sqliteColumns = `id, batch_id, seq, actor_id, actor_role, event_type, event_data,
	timestamp, prev_hash, current_hash, binding_hash, on_chain_status, tx_hash`

// SQLiteStore persists events in an embedded SQLite database.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (creating if needed) the database file at path with the
// pure-Go modernc driver. Writes are funnelled through one connection.
func OpenSQLite(path string) (*sql.DB, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", path)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

// NewSQLiteStore creates the schema if missing and returns the store.
func NewSQLiteStore(db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.migrate(context.Background()); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	for _, stmt := range sqliteSchema {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate sqlite: %w", err)
		}
	}
	return nil
}

// Latest implements Store.
func (s *SQLiteStore) Latest(ctx context.Context, batchID string) (*TraceEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM trace_events
		 WHERE batch_id = ? ORDER BY timestamp DESC, seq DESC LIMIT 1`, batchID)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest event for %s: %w", batchID, err)
	}
	return e, nil
}

// List implements Store.
func (s *SQLiteStore) List(ctx context.Context, batchID string) ([]*TraceEvent, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM trace_events
		 WHERE batch_id = ? ORDER BY timestamp ASC, seq ASC`, batchID)
	if err != nil {
		return nil, fmt.Errorf("list events for %s: %w", batchID, err)
	}
	defer func() { _ = rows.Close() }()
	return scanSQLiteRows(rows)
}

// Get implements Store.
func (s *SQLiteStore) Get(ctx context.Context, id string) (*TraceEvent, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+sqliteColumns+` FROM trace_events WHERE id = ?`, id)
	e, err := scanSQLiteEvent(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get event %s: %w", id, err)
	}
	return e, nil
}

// Insert implements Store.
func (s *SQLiteStore) Insert(ctx context.Context, e *TraceEvent) error {
	data, err := json.Marshal(nonNilData(e.EventData))
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO trace_events (`+sqliteColumns+`)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		e.ID, e.BatchID, e.Seq, e.ActorID, string(e.ActorRole), string(e.EventType), string(data),
		FormatTimestamp(e.Timestamp), e.PrevHash, e.CurrentHash, e.BindingHash, string(e.OnChainStatus), nullString(e.TxHash),
	)
	if err != nil {
		return mapSQLiteInsertError(err)
	}
	return nil
}

// UpdateAnchorStatus implements Store. The update is a compare-and-set on the
// status read, retried if another writer got there first.
func (s *SQLiteStore) UpdateAnchorStatus(ctx context.Context, id string, status AnchorStatus, txHash string) error {
	for attempt := 0; attempt < 3; attempt++ {
		var (
			cur   string
			curTx sql.NullString
		)
		err := s.db.QueryRowContext(ctx,
			`SELECT on_chain_status, tx_hash FROM trace_events WHERE id = ?`, id,
		).Scan(&cur, &curTx)
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		if err != nil {
			return fmt.Errorf("read anchor status %s: %w", id, err)
		}
		if err := checkTransition(AnchorStatus(cur), curTx.String, status, txHash); err != nil {
			return err
		}

		res, err := s.db.ExecContext(ctx,
			`UPDATE trace_events SET on_chain_status = ?, tx_hash = ?
			 WHERE id = ? AND on_chain_status = ?`,
			string(status), nullString(txHash), id, cur,
		)
		if err != nil {
			return fmt.Errorf("update anchor status %s: %w", id, err)
		}
		if n, err := res.RowsAffected(); err == nil && n == 1 {
			return nil
		}
	}
	return fmt.Errorf("update anchor status %s: concurrent modification", id)
}

// ListPending implements Store.
func (s *SQLiteStore) ListPending(ctx context.Context, cutoff time.Time, limit int) ([]*TraceEvent, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+sqliteColumns+` FROM trace_events
		 WHERE on_chain_status = ? AND timestamp < ?
		 ORDER BY timestamp ASC LIMIT ?`,
		string(AnchorPending), FormatTimestamp(cutoff), limit)
	if err != nil {
		return nil, fmt.Errorf("list pending events: %w", err)
	}
	defer func() { _ = rows.Close() }()
	return scanSQLiteRows(rows)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteEvent(row rowScanner) (*TraceEvent, error) {
	var (
		e      TraceEvent
		role   string
		typ    string
		data   string
		ts     string
		status string
		txHash sql.NullString
	)
	if err := row.Scan(&e.ID, &e.BatchID, &e.Seq, &e.ActorID, &role, &typ, &data,
		&ts, &e.PrevHash, &e.CurrentHash, &e.BindingHash, &status, &txHash); err != nil {
		return nil, err
	}
	parsed, err := time.Parse(TimestampLayout, ts)
	if err != nil {
		return nil, fmt.Errorf("parse timestamp %q: %w", ts, err)
	}
	if err := json.Unmarshal([]byte(data), &e.EventData); err != nil {
		return nil, fmt.Errorf("unmarshal event data: %w", err)
	}
	e.ActorRole = ActorRole(role)
	e.EventType = EventType(typ)
	e.Timestamp = parsed
	e.OnChainStatus = AnchorStatus(status)
	e.TxHash = txHash.String
	return &e, nil
}

func scanSQLiteRows(rows *sql.Rows) ([]*TraceEvent, error) {
	out := []*TraceEvent{}
	for rows.Next() {
		e, err := scanSQLiteEvent(rows)
		if err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

// mapSQLiteInsertError turns SQLite unique-constraint failures into the
// Store sentinel errors.
func mapSQLiteInsertError(err error) error {
	msg := err.Error()
	if strings.Contains(msg, "UNIQUE constraint failed") {
		switch {
		case strings.Contains(msg, "current_hash"):
			return ErrDuplicateHash
		case strings.Contains(msg, "seq"):
			return ErrChainConflict
		}
	}
	return fmt.Errorf("insert event: %w", err)
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nonNilData(d map[string]any) map[string]any {
	if d == nil {
		return map[string]any{}
	}
	return d
}
