package mongostore

import (
	"fmt"
	"strings"

	"secchat/internal/docstore"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo/options"
)

// updateDocument groups ops by update operator.
func updateDocument(ops []docstore.Op) (bson.M, error) {
	update := bson.M{}
	section := func(name string) bson.M {
		m, ok := update[name].(bson.M)
		if !ok {
			m = bson.M{}
			update[name] = m
		}
		return m
	}

	for _, op := range ops {
		if op.Path == "" || op.Path == "_id" {
			return nil, fmt.Errorf("invalid field path %q", op.Path)
		}
		switch op.Kind {
		case docstore.OpSet:
			section("$set")[op.Path] = op.Value
		case docstore.OpUnset:
			section("$unset")[op.Path] = ""
		case docstore.OpInc:
			section("$inc")[op.Path] = op.Value
		case docstore.OpArrayUnion:
			section("$addToSet")[op.Path] = bson.M{"$each": op.Values}
		case docstore.OpArrayRemove:
			section("$pull")[op.Path] = bson.M{"$in": op.Values}
		case docstore.OpServerTime:
			section("$currentDate")[op.Path] = true
		default:
			return nil, fmt.Errorf("unknown op kind %d", op.Kind)
		}
	}
	return update, nil
}

// insertDocument builds the single upsert that creates doc with ops applied.
// Fields written by ops are left out of $setOnInsert; an op may only touch
// a top-level field of the new document.
func insertDocument(doc bson.M, scope bson.M, ops []docstore.Op) (bson.M, error) {
	update, err := updateDocument(ops)
	if err != nil {
		return nil, err
	}
	insert := bson.M{}
	for k, v := range doc {
		if _, ok := scope[k]; ok || k == "_id" {
			continue
		}
		insert[k] = v
	}
	for _, op := range ops {
		root, _, nested := strings.Cut(op.Path, ".")
		if _, ok := insert[root]; ok && nested {
			return nil, fmt.Errorf("op on %q conflicts with field %q of the new document", op.Path, root)
		}
		delete(insert, root)
	}
	if len(insert) > 0 {
		update["$setOnInsert"] = insert
	}
	return update, nil
}

var operators = map[docstore.Operator]string{
	docstore.Eq:            "$eq",
	docstore.Lt:            "$lt",
	docstore.Lte:           "$lte",
	docstore.Gt:            "$gt",
	docstore.Gte:           "$gte",
	docstore.ArrayContains: "$eq",
}

// filterDocument merges filters on the same field into one operator document.
func filterDocument(scope bson.M, filters []docstore.Filter) bson.M {
	f := bson.M{}
	for k, v := range scope {
		f[k] = v
	}
	for _, flt := range filters {
		cond, ok := f[flt.Field].(bson.M)
		if !ok {
			cond = bson.M{}
			f[flt.Field] = cond
		}
		cond[operators[flt.Op]] = flt.Value
	}
	return f
}

func findOptions(q docstore.Query) *options.FindOptions {
	opts := options.Find()
	if q.Order != "" {
		dir := 1
		if q.Dir == docstore.Desc {
			dir = -1
		}
		opts.SetSort(bson.D{{Key: q.Order, Value: dir}, {Key: "_id", Value: 1}})
	}
	if q.Max > 0 {
		opts.SetLimit(int64(q.Max))
	}
	return opts
}
