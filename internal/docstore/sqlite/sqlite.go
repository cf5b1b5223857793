// Package sqlite implements docstore.Store on top of SQLite.
//
// STORAGE LAYOUT:
// Every document is one row of the `documents` table, keyed by
// (collection, id). The payload is stored as JSON text and queried with
// SQLite's JSON functions (json_extract, json_each), so the schema never
// changes when documents gain fields.
//
// WHY modernc.org/sqlite?
// It is a pure Go translation of SQLite: no CGo, no C compiler, and
// ":memory:" databases make every test hermetic.
//
// CONCURRENCY:
// The pool is limited to one connection. SQLite allows a single writer at a
// time anyway, and with one connection an in-memory database is shared by
// every caller instead of each pooled connection getting its own empty copy.
// Transactions therefore serialise, which is what makes read-check-write
// sequences such as Follow atomic.
//
// CHANGE NOTIFICATION:
// After each committed transaction the store kicks every live subscription
// on the collections it wrote; each subscription re-runs its query and
// publishes a new full snapshot if the result changed.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/bytedance/sonic"

	// Registers the "sqlite" driver with database/sql.
	"modernc.org/sqlite"
	sqlite3 "modernc.org/sqlite/lib"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
)

// codec decodes integers as int64 so counters and timestamps survive a
// round trip without float rounding.
var codec = sonic.Config{UseInt64: true, SortMapKeys: true}.Froze()

// compile-time check that *DB implements docstore.Store
var _ docstore.Store = (*DB)(nil)

// DB is a document store backed by one SQLite database.
type DB struct {
	conn *sql.DB

	clockMu  sync.Mutex
	lastTick int64

	watch *notifier
}

// New opens (or creates) the database at dbPath and runs migrations.
//
// dbPath examples:
//   - "data/clipsync.db" → file-based database (persistent)
//   - ":memory:"         → in-memory database (tests)
func New(dbPath string) (*DB, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("sqlite: opening database: %w", err)
	}
	conn.SetMaxOpenConns(1)
	conn.SetMaxIdleConns(1)
	conn.SetConnMaxLifetime(0)

	if err := conn.Ping(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: pinging database: %w", err)
	}

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
	}
	for _, p := range pragmas {
		if _, err := conn.Exec(p); err != nil {
			conn.Close()
			return nil, fmt.Errorf("sqlite: %s: %w", p, err)
		}
	}

	db := &DB{conn: conn, watch: newNotifier()}

	if err := db.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("sqlite: running migrations: %w", err)
	}

	return db, nil
}

// Close stops all live subscriptions and closes the connection pool.
func (db *DB) Close() error {
	db.watch.closeAll()
	return db.conn.Close()
}

func (db *DB) migrate() error {
	_, err := db.conn.Exec(`
		CREATE TABLE IF NOT EXISTS documents (
			collection TEXT    NOT NULL,
			id         TEXT    NOT NULL,
			data       TEXT    NOT NULL,
			version    INTEGER NOT NULL DEFAULT 1,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (collection, id)
		);
	`)
	if err != nil {
		return fmt.Errorf("creating documents table: %w", err)
	}

	// Prefix search over usernames is the hottest range query.
	_, err = db.conn.Exec(`
		CREATE INDEX IF NOT EXISTS idx_documents_username
		ON documents(collection, json_extract(data, '$."username"'));
	`)
	if err != nil {
		return fmt.Errorf("creating username index: %w", err)
	}

	return nil
}

// tick returns a strictly increasing unix-nanosecond timestamp.
// Two writes never share a server timestamp, so createdAt alone totally
// orders the messages of one store.
func (db *DB) tick() int64 {
	db.clockMu.Lock()
	defer db.clockMu.Unlock()

	now := time.Now().UnixNano()
	if now <= db.lastTick {
		now = db.lastTick + 1
	}
	db.lastTick = now
	return now
}

// mapErr converts driver and context errors into apperror classes.
// Errors that already carry a class pass through untouched.
func mapErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var appErr *apperror.AppError
	if errors.As(err, &appErr) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return apperror.Unavailable(op, err)
	}
	var sqliteErr *sqlite.Error
	if errors.As(err, &sqliteErr) {
		switch sqliteErr.Code() & 0xff {
		case sqlite3.SQLITE_BUSY, sqlite3.SQLITE_LOCKED:
			return apperror.Unavailable(op, err)
		}
	}
	if errors.Is(err, sql.ErrConnDone) || strings.Contains(err.Error(), "database is closed") {
		return apperror.FailedPrecondition("document store is closed")
	}
	return fmt.Errorf("sqlite: %s: %w", op, err)
}
