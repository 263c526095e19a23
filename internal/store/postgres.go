package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/harbor_sync/internal/operation"
)

//go:embed postgres_schema.sql
var postgresSchema string

// Postgres backs the queue with a shared database, for gateways running as a service
type Postgres struct {
	pool *pgxpool.Pool
	keys keyedMutex
}

var (
	_ Store  = (*Postgres)(nil)
	_ Cache  = (*Postgres)(nil)
	_ Pinger = (*Postgres)(nil)
)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// EnsureSchema creates the harborsync schema and tables if they are missing
func (p *Postgres) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, postgresSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Put(ctx context.Context, op operation.Operation) error {
	r, err := encodeRow(op)
	if err != nil {
		return err
	}

	unlock := p.keys.Lock(op.ID)
	defer unlock()

	// kind and trace headers are marshalled once and cast to jsonb server-side
	_, err = p.pool.Exec(ctx, `
		INSERT INTO harborsync.operations (
			id, kind, method, target, body, enqueued_at, priority,
			attempts, status, next_eligible_at, last_error, trace_headers
		) VALUES ($1, $2::jsonb, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12::jsonb)
		ON CONFLICT (id) DO UPDATE SET
			kind = EXCLUDED.kind,
			method = EXCLUDED.method,
			target = EXCLUDED.target,
			body = EXCLUDED.body,
			enqueued_at = EXCLUDED.enqueued_at,
			priority = EXCLUDED.priority,
			attempts = EXCLUDED.attempts,
			status = EXCLUDED.status,
			next_eligible_at = EXCLUDED.next_eligible_at,
			last_error = EXCLUDED.last_error,
			trace_headers = EXCLUDED.trace_headers`,
		r.ID, r.Kind, r.Method, r.Target, r.Body, r.EnqueuedAt, r.Priority,
		r.Attempts, r.Status, r.NextEligibleAt, r.LastError, r.TraceHeaders,
	)
	if err != nil {
		return fmt.Errorf("put operation %s: %w", op.ID, err)
	}
	return nil
}

func (p *Postgres) GetAll(ctx context.Context) ([]operation.Operation, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, kind::text, method, target, body, enqueued_at, priority,
		       attempts, status, next_eligible_at, last_error, trace_headers::text
		FROM harborsync.operations`)
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

func (p *Postgres) Remove(ctx context.Context, id string) error {
	unlock := p.keys.Lock(id)
	defer unlock()

	if _, err := p.pool.Exec(ctx, `DELETE FROM harborsync.operations WHERE id = $1`, id); err != nil {
		return fmt.Errorf("remove operation %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) UpdateStatus(ctx context.Context, id string, status operation.Status, attempts int) error {
	unlock := p.keys.Lock(id)
	defer unlock()

	tag, err := p.pool.Exec(ctx,
		`UPDATE harborsync.operations SET status = $1, attempts = $2 WHERE id = $3`,
		string(status), attempts, id)
	if err != nil {
		return fmt.Errorf("update operation %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("update operation %s: %w", id, operation.ErrNotFound)
	}
	return nil
}

func (p *Postgres) LoadCached(ctx context.Context, key string) ([]byte, bool, error) {
	var value []byte
	err := p.pool.QueryRow(ctx, `SELECT value FROM harborsync.read_cache WHERE key = $1`, key).Scan(&value)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("load cached %q: %w", key, err)
	}
	return value, true, nil
}

func (p *Postgres) SaveCached(ctx context.Context, key string, value []byte) error {
	if value == nil {
		value = []byte{}
	}
	_, err := p.pool.Exec(ctx, `
		INSERT INTO harborsync.read_cache (key, value, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (key) DO UPDATE SET value = EXCLUDED.value, updated_at = now()`,
		key, value)
	if err != nil {
		return fmt.Errorf("save cached %q: %w", key, err)
	}
	return nil
}
