package docstore

import (
	"fmt"
	"strings"
)

// Operator is a filter comparison.
type Operator string

const (
	OpEqual          Operator = "=="
	OpLess           Operator = "<"
	OpLessOrEqual    Operator = "<="
	OpGreater        Operator = ">"
	OpGreaterOrEqual Operator = ">="
	OpArrayContains  Operator = "array-contains"
)

// Filter restricts a query to documents whose Field compares to Value.
type Filter struct {
	Field string
	Op    Operator
	Value any
}

func Where(field string, op Operator, value any) Filter {
	return Filter{Field: field, Op: op, Value: value}
}

// Direction is a sort direction.
type Direction int

const (
	Asc Direction = iota
	Desc
)

// Order sorts results by one field.
type Order struct {
	Field     string
	Direction Direction
}

// Cursor is a position in an ordered result: the values of the query's
// OrderBy fields plus the document id, which always breaks ties.
type Cursor struct {
	Values []any
	ID     string
}

// Query selects documents from one collection.
//
// Results are ordered by OrderBy, then by document id in the direction of the
// last OrderBy entry (ascending if there is none). With DocID set the query
// addresses a single document and the other selectors are ignored.
type Query struct {
	Collection string
	DocID      string
	Filters    []Filter
	OrderBy    []Order
	Limit      int
	StartAfter *Cursor
}

// Doc builds a single-document query.
func Doc(collection, id string) Query {
	return Query{Collection: collection, DocID: id}
}

// Validate checks the query before it reaches a backend.
func (q Query) Validate() error {
	if err := ValidateCollection(q.Collection); err != nil {
		return err
	}
	if q.DocID != "" {
		return ValidateDocID(q.DocID)
	}
	for _, f := range q.Filters {
		if err := ValidateFieldPath(f.Field); err != nil {
			return err
		}
		switch f.Op {
		case OpEqual, OpLess, OpLessOrEqual, OpGreater, OpGreaterOrEqual, OpArrayContains:
		default:
			return fmt.Errorf("docstore: unsupported operator %q", f.Op)
		}
	}
	for _, o := range q.OrderBy {
		if err := ValidateFieldPath(o.Field); err != nil {
			return err
		}
	}
	if q.Limit < 0 {
		return fmt.Errorf("docstore: negative limit %d", q.Limit)
	}
	if q.StartAfter != nil && len(q.StartAfter.Values) != len(q.OrderBy) {
		return fmt.Errorf("docstore: cursor has %d values, query orders by %d fields",
			len(q.StartAfter.Values), len(q.OrderBy))
	}
	return nil
}

// Key is a stable identity for the query, used to share live subscriptions.
// Limit and StartAfter are part of the key; two queries with the same key
// return the same documents.
func (q Query) Key() string {
	var b strings.Builder
	b.WriteString(q.Collection)
	if q.DocID != "" {
		b.WriteString("#")
		b.WriteString(q.DocID)
		return b.String()
	}
	for _, f := range q.Filters {
		fmt.Fprintf(&b, "|%s%s%v", f.Field, f.Op, f.Value)
	}
	for _, o := range q.OrderBy {
		dir := "asc"
		if o.Direction == Desc {
			dir = "desc"
		}
		fmt.Fprintf(&b, "|order:%s:%s", o.Field, dir)
	}
	if q.Limit > 0 {
		fmt.Fprintf(&b, "|limit:%d", q.Limit)
	}
	if q.StartAfter != nil {
		fmt.Fprintf(&b, "|after:%v:%s", q.StartAfter.Values, q.StartAfter.ID)
	}
	return b.String()
}

// CursorAfter builds the cursor positioned at doc for query q.
func CursorAfter(q Query, doc *Document) *Cursor {
	c := &Cursor{ID: doc.ID, Values: make([]any, 0, len(q.OrderBy))}
	for _, o := range q.OrderBy {
		v, _ := doc.Value(o.Field)
		c.Values = append(c.Values, v)
	}
	return c
}
