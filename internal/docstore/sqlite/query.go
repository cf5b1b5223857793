package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/sakif/clipsync/internal/apperror"
	"github.com/sakif/clipsync/internal/docstore"
)

// Query runs q once and returns the matching documents in order.
func (db *DB) Query(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if err := q.Validate(); err != nil {
		return nil, apperror.ValidationFailed("query", err.Error())
	}
	return db.runQuery(ctx, q)
}

func (db *DB) runQuery(ctx context.Context, q docstore.Query) ([]*docstore.Document, error) {
	if q.DocID != "" {
		doc, err := db.Get(ctx, q.Collection, q.DocID)
		if err != nil {
			if apperror.IsNotFound(err) {
				return []*docstore.Document{}, nil
			}
			return nil, err
		}
		return []*docstore.Document{doc}, nil
	}

	stmt, args := buildSelect(q)
	rows, err := db.conn.QueryContext(ctx, stmt, args...)
	if err != nil {
		return nil, mapErr("querying "+q.Collection, err)
	}
	defer rows.Close()

	capacity := q.Limit
	if capacity <= 0 || capacity > 256 {
		capacity = 16
	}
	docs := make([]*docstore.Document, 0, capacity)
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, mapErr("scanning "+q.Collection, err)
		}
		docs = append(docs, doc)
	}
	if err := rows.Err(); err != nil {
		return nil, mapErr("iterating "+q.Collection, err)
	}
	return docs, nil
}

// fieldExpr returns the SQL expression reading a validated dotted path.
// Segments are quoted so names with '-' work as JSON path keys.
func fieldExpr(path string) string {
	return `json_extract(data, '$.` + quotedPath(path) + `')`
}

// buildSelect turns a validated query into SQL. Field paths are spliced in
// (they passed ValidateFieldPath); every value is a bound parameter.
func buildSelect(q docstore.Query) (string, []any) {
	var (
		where = []string{"collection = ?"}
		args  = []any{q.Collection}
	)

	for _, f := range q.Filters {
		switch f.Op {
		case docstore.OpArrayContains:
			where = append(where, fmt.Sprintf(
				"EXISTS (SELECT 1 FROM json_each(data, '$.%s') AS e WHERE e.value = ?)",
				quotedPath(f.Field)))
		default:
			where = append(where, fmt.Sprintf("%s %s ?", fieldExpr(f.Field), sqlOp(f.Op)))
		}
		args = append(args, bindValue(f.Value))
	}

	// Documents without an order field are excluded, as they have no
	// position in the ordering.
	for _, o := range q.OrderBy {
		where = append(where, fieldExpr(o.Field)+" IS NOT NULL")
	}

	if q.StartAfter != nil {
		cond, condArgs := cursorCondition(q)
		where = append(where, cond)
		args = append(args, condArgs...)
	}

	var b strings.Builder
	b.WriteString("SELECT collection, id, data, version, created_at, updated_at FROM documents WHERE ")
	b.WriteString(strings.Join(where, " AND "))

	b.WriteString(" ORDER BY ")
	for _, o := range q.OrderBy {
		b.WriteString(fieldExpr(o.Field))
		b.WriteString(dirSQL(o.Direction))
		b.WriteString(", ")
	}
	b.WriteString("id")
	b.WriteString(dirSQL(idDirection(q)))

	if q.Limit > 0 {
		b.WriteString(" LIMIT ?")
		args = append(args, q.Limit)
	}
	return b.String(), args
}

// cursorCondition expresses "strictly after the cursor" for a composite
// ordering (f1, ..., fn, id) as a lexicographic OR chain:
//
//	f1 > v1 OR (f1 = v1 AND f2 > v2) OR ... OR (f1 = v1 AND ... AND id > cursorID)
//
// with > flipped to < for descending fields.
func cursorCondition(q docstore.Query) (string, []any) {
	var (
		terms  []string
		args   []any
		prefix []string
		pArgs  []any
	)
	for i, o := range q.OrderBy {
		v := bindValue(q.StartAfter.Values[i])
		term := append(append([]string(nil), prefix...), fmt.Sprintf("%s %s ?", fieldExpr(o.Field), afterOp(o.Direction)))
		terms = append(terms, "("+strings.Join(term, " AND ")+")")
		args = append(args, pArgs...)
		args = append(args, v)

		prefix = append(prefix, fieldExpr(o.Field)+" = ?")
		pArgs = append(pArgs, v)
	}
	term := append(append([]string(nil), prefix...), "id "+afterOp(idDirection(q))+" ?")
	terms = append(terms, "("+strings.Join(term, " AND ")+")")
	args = append(args, pArgs...)
	args = append(args, q.StartAfter.ID)

	return "(" + strings.Join(terms, " OR ") + ")", args
}

func idDirection(q docstore.Query) docstore.Direction {
	if len(q.OrderBy) == 0 {
		return docstore.Asc
	}
	return q.OrderBy[len(q.OrderBy)-1].Direction
}

func quotedPath(path string) string {
	segs := strings.Split(path, ".")
	for i, s := range segs {
		segs[i] = `"` + s + `"`
	}
	return strings.Join(segs, ".")
}

func sqlOp(op docstore.Operator) string {
	if op == docstore.OpEqual {
		return "="
	}
	return string(op)
}

func afterOp(d docstore.Direction) string {
	if d == docstore.Desc {
		return "<"
	}
	return ">"
}

func dirSQL(d docstore.Direction) string {
	if d == docstore.Desc {
		return " DESC"
	}
	return " ASC"
}

// bindValue converts values SQLite cannot bind directly.
func bindValue(v any) any {
	switch val := v.(type) {
	case bool:
		if val {
			return 1
		}
		return 0
	case int:
		return int64(val)
	default:
		return v
	}
}
