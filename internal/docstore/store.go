// Package docstore defines the document-store contract the sync layer is built on.
//
// A document store keeps schemaless records addressed by (collection, id).
// Collections may be nested by path, e.g. "conversations/<cid>/messages".
// Besides plain reads and writes it offers:
//
//   - Create: compare-and-create, fails with apperror.ErrConflict if the id exists
//   - Update: partial updates made of FieldOps (set, increment, add/remove from set),
//     atomic per document
//   - RunTransaction: several reads and writes applied atomically
//   - Subscribe: a live stream of full-state snapshots for a query
//
// Services only see the Store interface. The SQLite implementation lives in
// docstore/sqlite; tests run against it with an in-memory database.
package docstore

import (
	"context"
	"time"
)

// Fields is the payload of a document write.
// Values must be JSON-compatible: string, bool, integers, float64, []string,
// map[string]int64, nested Fields, or ServerTimestamp.
type Fields map[string]any

// Reader is the read side shared by Store and Tx.
type Reader interface {
	// Get returns apperror.ErrNotFound if the document does not exist.
	Get(ctx context.Context, collection, id string) (*Document, error)
}

// Writer is the write side shared by Store and Tx.
type Writer interface {
	// Set creates or fully replaces a document.
	Set(ctx context.Context, collection, id string, fields Fields) error
	// Create inserts a document only if the id is free.
	Create(ctx context.Context, collection, id string, fields Fields) error
	// Update applies ops to an existing document.
	Update(ctx context.Context, collection, id string, ops ...FieldOp) error
	// Delete removes a document. Deleting a missing document is not an error.
	Delete(ctx context.Context, collection, id string) error
}

// Tx is the view of the store inside RunTransaction. Reads see the
// transaction's own writes.
type Tx interface {
	Reader
	Writer
}

// Store is the full document-store client.
type Store interface {
	Reader
	Writer

	// Query runs a one-shot query.
	Query(ctx context.Context, q Query) ([]*Document, error)

	// Subscribe opens a live query. The first snapshot holds the current
	// result set; every later snapshot is a full replacement sent after a
	// committed write touches the queried collection.
	Subscribe(ctx context.Context, q Query) (Subscription, error)

	// RunTransaction runs fn atomically. If fn returns an error, nothing
	// it wrote is kept. fn must not call the Store directly, only tx.
	RunTransaction(ctx context.Context, fn func(ctx context.Context, tx Tx) error) error

	Close() error
}

// Subscription is one open live query.
type Subscription interface {
	// Snapshots delivers full-state snapshots, latest wins: a slow reader
	// skips intermediate states. The channel is closed after Close.
	Snapshots() <-chan Snapshot
	Close() error
}

// Snapshot is the complete result of a subscribed query at ReadAt.
// When Err is set, Docs holds nothing and the consumer should keep its
// previous state.
type Snapshot struct {
	Docs   []*Document
	ReadAt time.Time
	Err    error
}
