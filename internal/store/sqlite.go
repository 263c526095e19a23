package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/austindbirch/harbor_sync/internal/db"
	"github.com/austindbirch/harbor_sync/internal/operation"
)

//go:embed schema.sql
var sqliteSchema string

// schemaVersion is bumped whenever a migration is appended to sqliteMigrations
const schemaVersion = 2

// sqliteMigrations[i] upgrades a database from user_version i+1 to i+2
var sqliteMigrations = []string{
	`CREATE INDEX IF NOT EXISTS idx_operations_drain
		ON operations (status, priority DESC, enqueued_at ASC, id ASC)`,
}

// SQLite is the default on-device store
type SQLite struct {
	db   *sql.DB
	keys keyedMutex
}

var (
	_ Store  = (*SQLite)(nil)
	_ Cache  = (*SQLite)(nil)
	_ Pinger = (*SQLite)(nil)
)

// OpenSQLite opens (or creates) the database at path and brings its schema up to date
func OpenSQLite(path string) (*SQLite, error) {
	conn, err := db.OpenSQLite(path)
	if err != nil {
		return nil, err
	}

	s := &SQLite{db: conn}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) migrate() error {
	var version int
	if err := s.db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if version > schemaVersion {
		return fmt.Errorf("database schema version %d is newer than supported %d", version, schemaVersion)
	}

	if version == 0 {
		if _, err := s.db.Exec(sqliteSchema); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
		version = 1
	}

	for ; version < schemaVersion; version++ {
		if _, err := s.db.Exec(sqliteMigrations[version-1]); err != nil {
			return fmt.Errorf("failed to migrate schema to version %d: %w", version+1, err)
		}
	}

	// PRAGMA does not accept bound parameters
	if _, err := s.db.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return fmt.Errorf("failed to set schema version: %w", err)
	}
	return nil
}

// Close releases the database handle
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Put(ctx context.Context, op operation.Operation) error {
	r, err := encodeRow(op)
	if err != nil {
		return err
	}

	unlock := s.keys.Lock(op.ID)
	defer unlock()

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO operations (
			id, kind, method, target, body, enqueued_at, priority,
			attempts, status, next_eligible_at, last_error, trace_headers
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			kind = excluded.kind,
			method = excluded.method,
			target = excluded.target,
			body = excluded.body,
			enqueued_at = excluded.enqueued_at,
			priority = excluded.priority,
			attempts = excluded.attempts,
			status = excluded.status,
			next_eligible_at = excluded.next_eligible_at,
			last_error = excluded.last_error,
			trace_headers = excluded.trace_headers`,
		r.ID, r.Kind, r.Method, r.Target, r.Body, r.EnqueuedAt, r.Priority,
		r.Attempts, r.Status, r.NextEligibleAt, r.LastError, r.TraceHeaders,
	)
	if err != nil {
		return fmt.Errorf("put operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *SQLite) GetAll(ctx context.Context) ([]operation.Operation, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, kind, method, target, body, enqueued_at, priority,
		       attempts, status, next_eligible_at, last_error, trace_headers
		FROM operations`)
	if err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	defer rows.Close()

	var ops []operation.Operation
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.ID, &r.Kind, &r.Method, &r.Target, &r.Body, &r.EnqueuedAt, &r.Priority,
			&r.Attempts, &r.Status, &r.NextEligibleAt, &r.LastError, &r.TraceHeaders); err != nil {
			return nil, fmt.Errorf("scan operation: %w", err)
		}
		op, err := r.decode()
		if err != nil {
			return nil, err
		}
		ops = append(ops, op)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list operations: %w", err)
	}
	return ops, nil
}

func (s *SQLite) Remove(ctx context.Context, id string) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	if _, err := s.db.ExecContext(ctx, `DELETE FROM operations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("remove operation %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) UpdateStatus(ctx context.Context, id string, status operation.Status, attempts int) error {
	unlock := s.keys.Lock(id)
	defer unlock()

	res, err := s.db.ExecContext(ctx,
		`UPDATE operations SET status = ?, attempts = ? WHERE id = ?`,
		string(status), attempts, id)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("update operation %s: %w", id, operation.ErrNotFound)
	}
	return nil
}

func (s *SQLite) LoadCached(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := s.db.QueryRowContext(ctx, `SELECT value FROM read_cache WHERE key = ?`, key).Scan(&value)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached %q: %w", key, err)
	}
	return value, true, nil
}

func (s *SQLite) SaveCached(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO read_cache (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixNano())
	if err != nil {
		return fmt.Errorf("save cached %q: %w", key, err)
	}
	return nil
}
