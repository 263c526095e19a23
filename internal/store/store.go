// Package store persists queued operations so they survive process restarts.
//
// Every write is durable before it returns: the queue only reports an
// enqueue as accepted after Put succeeds. Writes for the same id are
// serialized; writes for different ids never share a lock.
package store

import (
	"context"

	"github.com/austindbirch/harbor_sync/internal/operation"
)

// Store is the persistence contract the queue depends on
type Store interface {
	// Put inserts or fully replaces the row for op.ID.
	Put(ctx context.Context, op operation.Operation) error
	// GetAll returns every stored operation in no particular order.
	GetAll(ctx context.Context) ([]operation.Operation, error)
	// Remove deletes the row for id; removing an absent id is not an error.
	Remove(ctx context.Context, id string) error
	// UpdateStatus changes status and attempts; operation.ErrNotFound if id is absent.
	UpdateStatus(ctx context.Context, id string, status operation.Status, attempts int) error
}

// Cache holds the last server-confirmed response per read
type Cache interface {
	LoadCached(ctx context.Context, key string) ([]byte, bool, error)
	SaveCached(ctx context.Context, key string, value []byte) error
}

// Pinger is implemented by stores that can report their own health
type Pinger interface {
	Ping(ctx context.Context) error
}
