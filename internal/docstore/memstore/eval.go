package memstore

import (
	"fmt"
	"strings"
	"time"

	"secchat/internal/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"
)

// canonical converts a Go value to the form it takes after a bson round trip
// so that stored values compare consistently.
func canonical(v any) (any, error) {
	m, err := docstore.ToDocument(bson.M{"v": v})
	if err != nil {
		return nil, err
	}
	return m["v"], nil
}

func asMap(v any) (bson.M, bool) {
	switch t := v.(type) {
	case bson.M:
		return t, true
	case map[string]any:
		return bson.M(t), true
	case primitive.D:
		return t.Map(), true
	}
	return nil, false
}

func lookup(doc bson.M, path string) (any, bool) {
	var cur any = doc
	for _, seg := range strings.Split(path, ".") {
		m, ok := asMap(cur)
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

// parent walks to the map holding the last path segment, creating
// intermediate maps when create is set.
func parent(doc bson.M, path string, create bool) (bson.M, string, bool) {
	segs := strings.Split(path, ".")
	cur := doc
	for _, seg := range segs[:len(segs)-1] {
		next, ok := asMap(cur[seg])
		if !ok {
			if !create {
				return nil, "", false
			}
			next = bson.M{}
		}
		cur[seg] = next
		cur = next
	}
	return cur, segs[len(segs)-1], true
}

func apply(doc bson.M, now time.Time, ops ...docstore.Op) error {
	for _, op := range ops {
		if op.Path == "" || op.Path == "_id" {
			return fmt.Errorf("invalid field path %q", op.Path)
		}
		switch op.Kind {
		case docstore.OpSet:
			v, err := canonical(op.Value)
			if err != nil {
				return err
			}
			m, key, _ := parent(doc, op.Path, true)
			m[key] = v
		case docstore.OpServerTime:
			m, key, _ := parent(doc, op.Path, true)
			m[key] = primitive.NewDateTimeFromTime(now)
		case docstore.OpUnset:
			if m, key, ok := parent(doc, op.Path, false); ok {
				delete(m, key)
			}
		case docstore.OpInc:
			m, key, _ := parent(doc, op.Path, true)
			n, err := increment(m[key], op.Value.(int64))
			if err != nil {
				return fmt.Errorf("field %s: %w", op.Path, err)
			}
			m[key] = n
		case docstore.OpArrayUnion:
			m, key, _ := parent(doc, op.Path, true)
			arr, _ := m[key].(primitive.A)
			for _, raw := range op.Values {
				v, err := canonical(raw)
				if err != nil {
					return err
				}
				if !containsValue(arr, v) {
					arr = append(arr, v)
				}
			}
			if arr == nil {
				arr = primitive.A{}
			}
			m[key] = arr
		case docstore.OpArrayRemove:
			m, key, ok := parent(doc, op.Path, false)
			if !ok {
				continue
			}
			arr, ok := m[key].(primitive.A)
			if !ok {
				continue
			}
			kept := primitive.A{}
			for _, el := range arr {
				drop := false
				for _, raw := range op.Values {
					v, err := canonical(raw)
					if err != nil {
						return err
					}
					if equal(el, v) {
						drop = true
						break
					}
				}
				if !drop {
					kept = append(kept, el)
				}
			}
			m[key] = kept
		default:
			return fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}
	return nil
}

func increment(cur any, delta int64) (any, error) {
	switch n := cur.(type) {
	case nil:
		return delta, nil
	case int32:
		return int64(n) + delta, nil
	case int64:
		return n + delta, nil
	case float64:
		return n + float64(delta), nil
	}
	return nil, fmt.Errorf("cannot increment %T", cur)
}

func containsValue(arr primitive.A, v any) bool {
	for _, el := range arr {
		if equal(el, v) {
			return true
		}
	}
	return false
}

func equal(a, b any) bool {
	c, ok := compare(a, b)
	return ok && c == 0
}

func number(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case float64:
		return n, true
	}
	return 0, false
}

func millis(v any) (int64, bool) {
	switch t := v.(type) {
	case primitive.DateTime:
		return int64(t), true
	case time.Time:
		return t.UnixMilli(), true
	}
	return 0, false
}

// compare orders two scalar values of the same kind.
func compare(a, b any) (int, bool) {
	if x, ok := number(a); ok {
		y, ok := number(b)
		if !ok {
			return 0, false
		}
		return cmp3(x < y, x > y), true
	}
	if x, ok := millis(a); ok {
		y, ok := millis(b)
		if !ok {
			return 0, false
		}
		return cmp3(x < y, x > y), true
	}
	switch x := a.(type) {
	case string:
		y, ok := b.(string)
		if !ok {
			return 0, false
		}
		return strings.Compare(x, y), true
	case bool:
		y, ok := b.(bool)
		if !ok {
			return 0, false
		}
		return cmp3(!x && y, x && !y), true
	case nil:
		return cmp3(false, b != nil), true
	}
	return 0, false
}

func cmp3(less, greater bool) int {
	switch {
	case less:
		return -1
	case greater:
		return 1
	}
	return 0
}

func match(doc bson.M, filters []docstore.Filter) (bool, error) {
	for _, f := range filters {
		want, err := canonical(f.Value)
		if err != nil {
			return false, err
		}
		got, ok := lookup(doc, f.Field)
		if !ok {
			return false, nil
		}
		if !matchOne(got, f.Op, want) {
			return false, nil
		}
	}
	return true, nil
}

func matchOne(got any, op docstore.Operator, want any) bool {
	if arr, ok := got.(primitive.A); ok {
		if op == docstore.ArrayContains || op == docstore.Eq {
			return containsValue(arr, want)
		}
		return false
	}
	if op == docstore.ArrayContains {
		return false
	}
	c, ok := compare(got, want)
	if !ok {
		return false
	}
	switch op {
	case docstore.Eq:
		return c == 0
	case docstore.Lt:
		return c < 0
	case docstore.Lte:
		return c <= 0
	case docstore.Gt:
		return c > 0
	case docstore.Gte:
		return c >= 0
	}
	return false
}
