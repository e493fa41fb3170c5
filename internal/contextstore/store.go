// Package contextstore holds namespaced key/value data that workflow nodes use
// to hand results to one another.
package contextstore

import (
	"context"
	"time"
)

// Store is a namespaced key/value store. Implementations must be safe for
// concurrent use. Deleting the last key of a namespace removes the namespace.
type Store interface {
	Set(ctx context.Context, namespace, key string, value any) error
	Get(ctx context.Context, namespace, key string) (any, bool, error)
	Delete(ctx context.Context, namespace, key string) error
	Snapshot(ctx context.Context, namespace string) (*Snapshot, error)
	Namespaces(ctx context.Context) ([]string, error)
	Clear(ctx context.Context) error
}

// Snapshot is a point-in-time copy of one namespace.
type Snapshot struct {
	ID        string         `json:"id"`
	Namespace string         `json:"namespace"`
	CreatedAt time.Time      `json:"created_at"`
	Data      map[string]any `json:"data"`
}

var (
	_ Store = (*MemoryStore)(nil)
	_ Store = (*LibSQLStore)(nil)
)
