package docstore

import (
	"fmt"
	"regexp"
	"strings"
	"time"
)

// Document is one stored record.
//
// Data holds the decoded JSON payload. Integers decode as int64, timestamps
// are int64 unix nanoseconds. Use the typed accessors below instead of
// type-asserting Data directly.
type Document struct {
	Collection string
	ID         string
	Data       map[string]any
	Version    int64 // bumped on every write
	CreateTime time.Time
	UpdateTime time.Time
}

// Path returns "collection/id".
func (d *Document) Path() string {
	return d.Collection + "/" + d.ID
}

// Value returns the raw value at a dotted field path.
func (d *Document) Value(path string) (any, bool) {
	if d == nil {
		return nil, false
	}
	var cur any = d.Data
	for _, seg := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[seg]
		if !ok {
			return nil, false
		}
	}
	return cur, true
}

func (d *Document) String(path string) string {
	v, _ := d.Value(path)
	s, _ := v.(string)
	return s
}

func (d *Document) Bool(path string) bool {
	v, _ := d.Value(path)
	b, _ := v.(bool)
	return b
}

func (d *Document) Int(path string) int64 {
	v, _ := d.Value(path)
	n, _ := toInt64(v)
	return n
}

// Time reads a timestamp written as unix nanoseconds (see ServerTimestamp).
func (d *Document) Time(path string) time.Time {
	n := d.Int(path)
	if n == 0 {
		return time.Time{}
	}
	return time.Unix(0, n).UTC()
}

// Strings reads a string set. Non-string members are ignored.
func (d *Document) Strings(path string) []string {
	v, _ := d.Value(path)
	return toStrings(v)
}

// IntMap reads a map of counters, e.g. unreadCount.
func (d *Document) IntMap(path string) map[string]int64 {
	v, _ := d.Value(path)
	m, _ := v.(map[string]any)
	out := make(map[string]int64, len(m))
	for k, raw := range m {
		if n, ok := toInt64(raw); ok {
			out[k] = n
		}
	}
	return out
}

// Contains reports whether the string set at path holds member.
func (d *Document) Contains(path, member string) bool {
	for _, s := range d.Strings(path) {
		if s == member {
			return true
		}
	}
	return false
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	default:
		return 0, false
	}
}

func toStrings(v any) []string {
	switch s := v.(type) {
	case []string:
		return append([]string(nil), s...)
	case []any:
		out := make([]string, 0, len(s))
		for _, item := range s {
			if str, ok := item.(string); ok {
				out = append(out, str)
			}
		}
		return out
	default:
		return nil
	}
}

var (
	fieldNamePattern = regexp.MustCompile(`^[A-Za-z0-9_-]{1,128}$`)
	docIDPattern     = regexp.MustCompile(`^[A-Za-z0-9_.:-]{1,256}$`)
)

// ValidateFieldPath rejects paths that are unsafe to splice into queries.
func ValidateFieldPath(path string) error {
	if path == "" {
		return fmt.Errorf("docstore: empty field path")
	}
	for _, seg := range strings.Split(path, ".") {
		if !fieldNamePattern.MatchString(seg) {
			return fmt.Errorf("docstore: invalid field path %q", path)
		}
	}
	return nil
}

// ValidateDocID rejects ids containing path separators or other unsafe characters.
func ValidateDocID(id string) error {
	if !docIDPattern.MatchString(id) {
		return fmt.Errorf("docstore: invalid document id %q", id)
	}
	return nil
}

// ValidateCollection checks a collection path of the form a/id/b/id/c.
func ValidateCollection(collection string) error {
	parts := strings.Split(collection, "/")
	if len(parts)%2 == 0 {
		return fmt.Errorf("docstore: invalid collection path %q", collection)
	}
	for i, p := range parts {
		var err error
		if i%2 == 0 {
			if !fieldNamePattern.MatchString(p) {
				err = fmt.Errorf("docstore: invalid collection path %q", collection)
			}
		} else {
			err = ValidateDocID(p)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
