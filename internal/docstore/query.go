package docstore

import "strings"

type OpKind int

const (
	OpSet OpKind = iota
	OpUnset
	OpInc
	OpArrayUnion
	OpArrayRemove
	OpServerTime
)

// Op is a single field-path mutation. Paths are dot separated and may
// address one entry of a nested map, e.g. "unreadCounts.<userId>".
type Op struct {
	Kind   OpKind
	Path   string
	Value  any
	Values []any
}

func Set(path string, value any) Op {
	return Op{Kind: OpSet, Path: path, Value: value}
}

func Unset(path string) Op {
	return Op{Kind: OpUnset, Path: path}
}

func Inc(path string, delta int) Op {
	return Op{Kind: OpInc, Path: path, Value: int64(delta)}
}

// ArrayUnion adds values not already present in the array at path.
func ArrayUnion[V any](path string, values ...V) Op {
	return Op{Kind: OpArrayUnion, Path: path, Values: toAny(values)}
}

// ArrayRemove removes every occurrence of values from the array at path.
func ArrayRemove[V any](path string, values ...V) Op {
	return Op{Kind: OpArrayRemove, Path: path, Values: toAny(values)}
}

// ServerTime stamps path with the store clock.
func ServerTime(path string) Op {
	return Op{Kind: OpServerTime, Path: path}
}

func toAny[V any](values []V) []any {
	out := make([]any, len(values))
	for i, v := range values {
		out[i] = v
	}
	return out
}

// Path joins field path segments.
func Path(segments ...string) string {
	return strings.Join(segments, ".")
}

type Operator string

const (
	Eq            Operator = "=="
	Lt            Operator = "<"
	Lte           Operator = "<="
	Gt            Operator = ">"
	Gte           Operator = ">="
	ArrayContains Operator = "array-contains"
)

type Filter struct {
	Field string
	Op    Operator
	Value any
}

type Direction int

const (
	Asc Direction = iota
	Desc
)

// Query is an immutable predicate query builder.
type Query struct {
	Filters []Filter
	Order   string
	Dir     Direction
	Max     int
}

func NewQuery() Query {
	return Query{}
}

func (q Query) Where(field string, op Operator, value any) Query {
	filters := make([]Filter, len(q.Filters), len(q.Filters)+1)
	copy(filters, q.Filters)
	q.Filters = append(filters, Filter{Field: field, Op: op, Value: value})
	return q
}

func (q Query) OrderBy(field string, dir Direction) Query {
	q.Order = field
	q.Dir = dir
	return q
}

func (q Query) Limit(n int) Query {
	q.Max = n
	return q
}
