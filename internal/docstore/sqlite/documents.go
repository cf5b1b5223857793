package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// tx is the docstore.Tx handed to RunTransaction callbacks.
// It records which collections were written so subscribers can be kicked
// once the transaction commits.
type tx struct {
	db      *DB
	q       querier
	touched map[string]struct{}
}

var _ docstore.Tx = (*tx)(nil)

// RunTransaction runs fn inside one SQL transaction.
func (db *DB) RunTransaction(ctx context.Context, fn func(ctx context.Context, tx docstore.Tx) error) error {
	sqlTx, err := db.conn.BeginTx(ctx, nil)
	if err != nil {
		return mapErr("begin transaction", err)
	}
	committed := false
	defer func() {
		if !committed {
			sqlTx.Rollback()
		}
	}()

	t := &tx{db: db, q: sqlTx, touched: make(map[string]struct{})}
	if err := fn(ctx, t); err != nil {
		return err
	}

	if err := sqlTx.Commit(); err != nil {
		return mapErr("commit transaction", err)
	}
	committed = true

	for collection := range t.touched {
		db.watch.notify(collection)
	}
	return nil
}

// Get reads one document outside any transaction.
func (db *DB) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	t := &tx{db: db, q: db.conn}
	return t.Get(ctx, collection, id)
}

func (db *DB) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	return db.RunTransaction(ctx, func(ctx context.Context, t docstore.Tx) error {
		return t.Set(ctx, collection, id, fields)
	})
}

func (db *DB) Create(ctx context.Context, collection, id string, fields docstore.Fields) error {
	return db.RunTransaction(ctx, func(ctx context.Context, t docstore.Tx) error {
		return t.Create(ctx, collection, id, fields)
	})
}

func (db *DB) Update(ctx context.Context, collection, id string, ops ...docstore.FieldOp) error {
	return db.RunTransaction(ctx, func(ctx context.Context, t docstore.Tx) error {
		return t.Update(ctx, collection, id, ops...)
	})
}

func (db *DB) Delete(ctx context.Context, collection, id string) error {
	return db.RunTransaction(ctx, func(ctx context.Context, t docstore.Tx) error {
		return t.Delete(ctx, collection, id)
	})
}

func (t *tx) Get(ctx context.Context, collection, id string) (*docstore.Document, error) {
	if err := validateRef(collection, id); err != nil {
		return nil, err
	}

	row := t.q.QueryRowContext(ctx,
		`SELECT collection, id, data, version, created_at, updated_at
		 FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	doc, err := scanDocument(row)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, apperror.NotFound("document", collection+"/"+id)
		}
		return nil, mapErr("getting "+collection+"/"+id, err)
	}
	return doc, nil
}

func (t *tx) Set(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	now := t.db.tick()
	data, err := codec.MarshalToString(docstore.ResolveFields(fields, now))
	if err != nil {
		return fmt.Errorf("sqlite: encoding %s/%s: %w", collection, id, err)
	}

	_, err = t.q.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (collection, id) DO UPDATE
		 SET data = excluded.data, version = version + 1, updated_at = excluded.updated_at`,
		collection, id, data, now, now,
	)
	if err != nil {
		return mapErr("setting "+collection+"/"+id, err)
	}
	t.touch(collection)
	return nil
}

// Create is the compare-and-create primitive: the PRIMARY KEY decides the
// race, and the loser sees apperror.ErrConflict.
func (t *tx) Create(ctx context.Context, collection, id string, fields docstore.Fields) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	now := t.db.tick()
	data, err := codec.MarshalToString(docstore.ResolveFields(fields, now))
	if err != nil {
		return fmt.Errorf("sqlite: encoding %s/%s: %w", collection, id, err)
	}

	result, err := t.q.ExecContext(ctx,
		`INSERT INTO documents (collection, id, data, version, created_at, updated_at)
		 VALUES (?, ?, ?, 1, ?, ?)
		 ON CONFLICT (collection, id) DO NOTHING`,
		collection, id, data, now, now,
	)
	if err != nil {
		return mapErr("creating "+collection+"/"+id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return mapErr("checking rows affected", err)
	}
	if n == 0 {
		return apperror.Conflict("document", collection+"/"+id)
	}
	t.touch(collection)
	return nil
}

func (t *tx) Update(ctx context.Context, collection, id string, ops ...docstore.FieldOp) error {
	doc, err := t.Get(ctx, collection, id)
	if err != nil {
		return err
	}
	now := t.db.tick()
	if err := docstore.ApplyOps(doc.Data, now, ops...); err != nil {
		return apperror.ValidationFailed("fields", err.Error())
	}
	data, err := codec.MarshalToString(doc.Data)
	if err != nil {
		return fmt.Errorf("sqlite: encoding %s/%s: %w", collection, id, err)
	}

	// The version check guards against a concurrent writer on another
	// connection if the pool is ever widened.
	result, err := t.q.ExecContext(ctx,
		`UPDATE documents SET data = ?, version = version + 1, updated_at = ?
		 WHERE collection = ? AND id = ? AND version = ?`,
		data, now, collection, id, doc.Version,
	)
	if err != nil {
		return mapErr("updating "+collection+"/"+id, err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return mapErr("checking rows affected", err)
	}
	if n == 0 {
		return apperror.Unavailable("updating "+collection+"/"+id,
			fmt.Errorf("version %d changed underneath", doc.Version))
	}
	t.touch(collection)
	return nil
}

func (t *tx) Delete(ctx context.Context, collection, id string) error {
	if err := validateRef(collection, id); err != nil {
		return err
	}
	_, err := t.q.ExecContext(ctx,
		`DELETE FROM documents WHERE collection = ? AND id = ?`,
		collection, id,
	)
	if err != nil {
		return mapErr("deleting "+collection+"/"+id, err)
	}
	t.touch(collection)
	return nil
}

func (t *tx) touch(collection string) {
	if t.touched != nil {
		t.touched[collection] = struct{}{}
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*docstore.Document, error) {
	var (
		doc       docstore.Document
		raw       string
		createdAt int64
		updatedAt int64
	)
	if err := row.Scan(&doc.Collection, &doc.ID, &raw, &doc.Version, &createdAt, &updatedAt); err != nil {
		return nil, err
	}
	doc.Data = make(map[string]any)
	if err := codec.UnmarshalFromString(raw, &doc.Data); err != nil {
		return nil, fmt.Errorf("decoding %s/%s: %w", doc.Collection, doc.ID, err)
	}
	doc.CreateTime = time.Unix(0, createdAt).UTC()
	doc.UpdateTime = time.Unix(0, updatedAt).UTC()
	return &doc, nil
}

func validateRef(collection, id string) error {
	if err := docstore.ValidateCollection(collection); err != nil {
		return apperror.ValidationFailed("collection", err.Error())
	}
	if err := docstore.ValidateDocID(id); err != nil {
		return apperror.ValidationFailed("id", err.Error())
	}
	return nil
}
