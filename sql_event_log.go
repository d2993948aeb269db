package alpha

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // postgres driver
)

const createEventsTable = `
CREATE TABLE IF NOT EXISTS tx_events (
	seq BIGSERIAL PRIMARY KEY,
	dedup_hash CHAR(64) NOT NULL UNIQUE,
	global_tx_id VARCHAR(128) NOT NULL,
	local_tx_id VARCHAR(128) NOT NULL,
	parent_tx_id VARCHAR(128) NOT NULL DEFAULT '',
	type VARCHAR(32) NOT NULL,
	compensation_method VARCHAR(512) NOT NULL DEFAULT '',
	payload BYTEA,
	service_name VARCHAR(256) NOT NULL DEFAULT '',
	instance_id VARCHAR(256) NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL,
	recorded_at TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS tx_events_global_idx ON tx_events (global_tx_id, seq);
CREATE INDEX IF NOT EXISTS tx_events_global_local_idx ON tx_events (global_tx_id, local_tx_id, seq);
`

const insertEvent = `
INSERT INTO tx_events (dedup_hash, global_tx_id, local_tx_id, parent_tx_id, type,
	compensation_method, payload, service_name, instance_id, created_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
ON CONFLICT (dedup_hash) DO NOTHING
RETURNING seq`

const selectEventColumns = `SELECT seq, global_tx_id, local_tx_id, parent_tx_id, type,
	compensation_method, payload, service_name, instance_id, created_at
FROM tx_events`

// eventRow is the tx_events row layout.
type eventRow struct {
	Seq                int64     `db:"seq"`
	GlobalTxID         string    `db:"global_tx_id"`
	LocalTxID          string    `db:"local_tx_id"`
	ParentTxID         string    `db:"parent_tx_id"`
	Type               string    `db:"type"`
	CompensationMethod string    `db:"compensation_method"`
	Payload            []byte    `db:"payload"`
	ServiceName        string    `db:"service_name"`
	InstanceID         string    `db:"instance_id"`
	CreatedAt          time.Time `db:"created_at"`
}

func (r *eventRow) toEvent() (TxEvent, error) {
	t, err := ParseEventType(r.Type)
	if err != nil {
		return TxEvent{}, err
	}
	return TxEvent{
		Seq:                uint64(r.Seq),
		GlobalTxID:         r.GlobalTxID,
		LocalTxID:          r.LocalTxID,
		ParentTxID:         r.ParentTxID,
		Type:               t,
		CompensationMethod: r.CompensationMethod,
		Payload:            r.Payload,
		ServiceName:        r.ServiceName,
		InstanceID:         r.InstanceID,
		Timestamp:          r.CreatedAt,
	}, nil
}

// SQLEventLog provides a Postgres implementation of EventLog. The unique
// dedup_hash column makes the duplicate check atomic with the insert.
type SQLEventLog struct {
	db *sqlx.DB
}

// NewSQLEventLog wraps an existing connection pool.
func NewSQLEventLog(db *sqlx.DB) *SQLEventLog {
	return &SQLEventLog{db: db}
}

// OpenSQLEventLog connects to Postgres and creates the schema if needed.
func OpenSQLEventLog(ctx context.Context, dsn string) (*SQLEventLog, error) {
	db, err := sqlx.ConnectContext(ctx, "postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event database: %w", err)
	}
	l := NewSQLEventLog(db)
	if err := l.Migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return l, nil
}

// Migrate creates the tx_events table and its indexes.
func (s *SQLEventLog) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, createEventsTable); err != nil {
		return fmt.Errorf("failed to create tx_events table: %w", err)
	}
	return nil
}

// Append inserts the event; a conflicting dedup hash yields Duplicate.
func (s *SQLEventLog) Append(ctx context.Context, event *TxEvent) (AppendResult, error) {
	var seq int64
	err := s.db.QueryRowxContext(ctx, insertEvent,
		event.DedupKey().Hash(),
		event.GlobalTxID,
		event.LocalTxID,
		event.ParentTxID,
		event.Type.String(),
		event.CompensationMethod,
		event.Payload,
		event.ServiceName,
		event.InstanceID,
		timestampOrNow(event.Timestamp),
	).Scan(&seq)
	if errors.Is(err, sql.ErrNoRows) {
		return Duplicate, nil
	}
	if err != nil {
		return Duplicate, StorageFailed("append", err)
	}

	event.Seq = uint64(seq)
	return Accepted, nil
}

// FindByGlobalTxID returns the events of a global transaction by seq.
func (s *SQLEventLog) FindByGlobalTxID(ctx context.Context, globalTxID string) ([]TxEvent, error) {
	var rows []eventRow
	err := s.db.SelectContext(ctx, &rows, selectEventColumns+` WHERE global_tx_id = $1 ORDER BY seq`, globalTxID)
	if err != nil {
		return nil, StorageFailed("query", err)
	}

	events := make([]TxEvent, 0, len(rows))
	for i := range rows {
		e, err := rows[i].toEvent()
		if err != nil {
			return nil, StorageFailed("query", err)
		}
		events = append(events, e)
	}
	return events, nil
}

// FindByGlobalAndLocal returns the first event of a local transaction.
func (s *SQLEventLog) FindByGlobalAndLocal(ctx context.Context, globalTxID, localTxID string) (*TxEvent, error) {
	var row eventRow
	err := s.db.GetContext(ctx, &row,
		selectEventColumns+` WHERE global_tx_id = $1 AND local_tx_id = $2 ORDER BY seq LIMIT 1`,
		globalTxID, localTxID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrEventNotFound
	}
	if err != nil {
		return nil, StorageFailed("query", err)
	}

	e, err := row.toEvent()
	if err != nil {
		return nil, StorageFailed("query", err)
	}
	return &e, nil
}

// AbortedGlobalTxIDs lists aborted global transactions by first abort.
func (s *SQLEventLog) AbortedGlobalTxIDs(ctx context.Context) ([]string, error) {
	var ids []string
	err := s.db.SelectContext(ctx, &ids,
		`SELECT global_tx_id FROM tx_events WHERE type = $1 GROUP BY global_tx_id ORDER BY MIN(seq)`,
		EventAborted.String())
	if err != nil {
		return nil, StorageFailed("query", err)
	}
	return ids, nil
}

func (s *SQLEventLog) Close() error {
	return s.db.Close()
}

func timestampOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
