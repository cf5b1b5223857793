package docstore

import (
	"fmt"
	"strings"
)

type serverTimestamp struct{}

// ServerTimestamp is a placeholder value resolved by the store to its own
// clock (unix nanoseconds) when the write is applied. Stores must make these
// values strictly increasing so they can order records.
var ServerTimestamp any = serverTimestamp{}

type opKind int

const (
	opSet opKind = iota
	opIncrement
	opAddToSet
	opRemoveFromSet
	opDelete
)

// FieldOp is one partial update applied to a dotted field path.
type FieldOp struct {
	kind   opKind
	path   string
	value  any
	delta  int64
	values []string
}

func (op FieldOp) Path() string { return op.path }

// Set writes value at path, creating intermediate maps.
func Set(path string, value any) FieldOp {
	return FieldOp{kind: opSet, path: path, value: value}
}

// Increment adds delta to the integer at path (missing counts as zero).
func Increment(path string, delta int64) FieldOp {
	return FieldOp{kind: opIncrement, path: path, delta: delta}
}

// AddToSet appends members not already present in the string set at path.
func AddToSet(path string, members ...string) FieldOp {
	return FieldOp{kind: opAddToSet, path: path, values: members}
}

// RemoveFromSet removes every occurrence of members from the string set at path.
func RemoveFromSet(path string, members ...string) FieldOp {
	return FieldOp{kind: opRemoveFromSet, path: path, values: members}
}

// DeleteField removes the field at path.
func DeleteField(path string) FieldOp {
	return FieldOp{kind: opDelete, path: path}
}

// ApplyOps mutates data in place. now replaces ServerTimestamp values.
// Stores call it while holding the document's write lock, which is what
// makes every op atomic per document.
func ApplyOps(data map[string]any, now int64, ops ...FieldOp) error {
	for _, op := range ops {
		if err := ValidateFieldPath(op.path); err != nil {
			return err
		}
		parent, key, err := walk(data, op.path)
		if err != nil {
			return err
		}

		switch op.kind {
		case opSet:
			parent[key] = resolve(op.value, now)
		case opIncrement:
			cur, ok := toInt64(parent[key])
			if !ok && parent[key] != nil {
				return fmt.Errorf("docstore: increment on non-numeric field %q", op.path)
			}
			parent[key] = cur + op.delta
		case opAddToSet:
			set := toStrings(parent[key])
			if set == nil {
				set = []string{}
			}
			for _, m := range op.values {
				if !containsString(set, m) {
					set = append(set, m)
				}
			}
			parent[key] = set
		case opRemoveFromSet:
			set := toStrings(parent[key])
			kept := make([]string, 0, len(set))
			for _, s := range set {
				if !containsString(op.values, s) {
					kept = append(kept, s)
				}
			}
			parent[key] = kept
		case opDelete:
			delete(parent, key)
		}
	}
	return nil
}

// ResolveFields returns a copy of fields with ServerTimestamp replaced and
// nested Fields converted to plain maps.
func ResolveFields(fields Fields, now int64) map[string]any {
	out := make(map[string]any, len(fields))
	for k, v := range fields {
		out[k] = resolve(v, now)
	}
	return out
}

func resolve(v any, now int64) any {
	switch val := v.(type) {
	case serverTimestamp:
		return now
	case Fields:
		return ResolveFields(val, now)
	case map[string]any:
		return ResolveFields(Fields(val), now)
	default:
		return v
	}
}

// walk returns the map holding the last path segment, creating parents.
func walk(data map[string]any, path string) (map[string]any, string, error) {
	segs := strings.Split(path, ".")
	cur := data
	for _, seg := range segs[:len(segs)-1] {
		next, ok := cur[seg]
		if !ok || next == nil {
			m := make(map[string]any)
			cur[seg] = m
			cur = m
			continue
		}
		m, ok := next.(map[string]any)
		if !ok {
			return nil, "", fmt.Errorf("docstore: field %q is not a map", seg)
		}
		cur = m
	}
	return cur, segs[len(segs)-1], nil
}

func containsString(set []string, s string) bool {
	for _, v := range set {
		if v == s {
			return true
		}
	}
	return false
}
