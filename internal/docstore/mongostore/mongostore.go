// Package mongostore implements docstore on MongoDB.
//
// Message collections of every chat share one "messages" collection and are
// told apart by the chatId field. Watch relies on change streams, which need
// a replica set deployment.
package mongostore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"secchat/internal/docstore"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
)

const (
	messagesCollection = "messages"
	chatIDField        = "chatId"
)

type Store struct {
	client *mongo.Client
	db     *mongo.Database
}

var _ docstore.Store = (*Store)(nil)

func New(ctx context.Context, uri, dbName string) (*Store, error) {
	if dbName == "" {
		return nil, errors.New("database name required")
	}

	clientOpts := options.Client().ApplyURI(uri).
		SetMaxPoolSize(100)

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(connectCtx, clientOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to mongo: %w", err)
	}
	if err := client.Ping(connectCtx, nil); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, fmt.Errorf("failed to ping mongo: %w", err)
	}

	s := &Store{client: client, db: client.Database(dbName)}
	if err := s.ensureIndexes(ctx); err != nil {
		_ = client.Disconnect(connectCtx)
		return nil, err
	}
	return s, nil
}

func (s *Store) ensureIndexes(ctx context.Context) error {
	_, err := s.db.Collection(messagesCollection).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: chatIDField, Value: 1}, {Key: "createdAt", Value: -1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create message index: %w", err)
	}
	_, err = s.db.Collection(string(docstore.Users)).Indexes().CreateOne(ctx, mongo.IndexModel{
		Keys: bson.D{{Key: "searchName", Value: 1}},
	})
	if err != nil {
		return fmt.Errorf("failed to create user index: %w", err)
	}
	return nil
}

// target resolves a docstore collection to the mongo collection and the
// scoping filter every document of it carries.
func (s *Store) target(coll docstore.Collection) (*mongo.Collection, bson.M) {
	if chatID, ok := coll.ChatID(); ok {
		return s.db.Collection(messagesCollection), bson.M{chatIDField: chatID}
	}
	return s.db.Collection(string(coll)), bson.M{}
}

func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (bson.Raw, error) {
	c, scope := s.target(coll)
	filter := withID(scope, id)
	raw, err := c.FindOne(ctx, filter).Raw()
	if errors.Is(err, mongo.ErrNoDocuments) {
		return nil, fmt.Errorf("%s/%s: %w", coll, id, docstore.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (s *Store) Create(ctx context.Context, coll docstore.Collection, doc any, ops ...docstore.Op) (string, error) {
	m, err := docstore.ToDocument(doc)
	if err != nil {
		return "", err
	}
	id, _ := m["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		m["_id"] = id
	}
	c, scope := s.target(coll)
	if len(ops) == 0 {
		for k, v := range scope {
			m[k] = v
		}
		if _, err := c.InsertOne(ctx, m); err != nil {
			return "", fmt.Errorf("failed to insert into %s: %w", coll, err)
		}
		return id, nil
	}

	// One write, so watchers never see the document without its stamps.
	update, err := insertDocument(m, scope, ops)
	if err != nil {
		return "", err
	}
	res, err := c.UpdateOne(ctx, withID(scope, id), update, options.Update().SetUpsert(true))
	if err != nil {
		return "", fmt.Errorf("failed to insert into %s: %w", coll, err)
	}
	if res.UpsertedCount == 0 {
		return "", fmt.Errorf("%s/%s: document already exists", coll, id)
	}
	return id, nil
}

func (s *Store) Put(ctx context.Context, coll docstore.Collection, id string, doc any) error {
	m, err := docstore.ToDocument(doc)
	if err != nil {
		return err
	}
	c, scope := s.target(coll)
	m["_id"] = id
	for k, v := range scope {
		m[k] = v
	}
	_, err = c.ReplaceOne(ctx, withID(scope, id), m, options.Replace().SetUpsert(true))
	if err != nil {
		return fmt.Errorf("failed to put %s/%s: %w", coll, id, err)
	}
	return nil
}

func (s *Store) Update(ctx context.Context, coll docstore.Collection, id string, ops ...docstore.Op) error {
	update, err := updateDocument(ops)
	if err != nil {
		return err
	}
	if len(update) == 0 {
		return nil
	}
	c, scope := s.target(coll)
	res, err := c.UpdateOne(ctx, withID(scope, id), update)
	if err != nil {
		return fmt.Errorf("failed to update %s/%s: %w", coll, id, err)
	}
	if res.MatchedCount == 0 {
		return fmt.Errorf("%s/%s: %w", coll, id, docstore.ErrNotFound)
	}
	return nil
}

func (s *Store) Query(ctx context.Context, coll docstore.Collection, q docstore.Query) ([]bson.Raw, error) {
	c, scope := s.target(coll)
	cur, err := c.Find(ctx, filterDocument(scope, q.Filters), findOptions(q))
	if err != nil {
		return nil, fmt.Errorf("failed to query %s: %w", coll, err)
	}
	defer cur.Close(ctx)

	out := make([]bson.Raw, 0)
	for cur.Next(ctx) {
		raw := make(bson.Raw, len(cur.Current))
		copy(raw, cur.Current)
		out = append(out, raw)
	}
	return out, cur.Err()
}

// Watch opens a change stream on the collection and re-runs the query on
// every event.
func (s *Store) Watch(ctx context.Context, coll docstore.Collection, q docstore.Query) (*docstore.Watch, error) {
	c, scope := s.target(coll)
	pipeline := mongo.Pipeline{}
	if chatID, ok := scope[chatIDField]; ok {
		pipeline = append(pipeline, bson.D{{Key: "$match", Value: bson.M{"fullDocument." + chatIDField: chatID}}})
	}

	wctx, cancel := context.WithCancel(ctx)
	stream, err := c.Watch(wctx, pipeline, options.ChangeStream().SetFullDocument(options.UpdateLookup))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", coll, err)
	}

	snapshot, err := s.Query(wctx, coll, q)
	if err != nil {
		cancel()
		_ = stream.Close(context.Background())
		return nil, err
	}

	w := docstore.NewWatch(cancel)
	w.Push(snapshot)

	go func() {
		defer w.Cancel()
		defer stream.Close(context.Background())
		for stream.Next(wctx) {
			snapshot, err := s.Query(wctx, coll, q)
			if err != nil {
				slog.Warn("watch query failed", "collection", coll, "error", err)
				continue
			}
			w.Push(snapshot)
		}
		if err := stream.Err(); err != nil && !errors.Is(err, context.Canceled) {
			slog.Warn("change stream ended", "collection", coll, "error", err)
		}
	}()
	return w, nil
}

func (s *Store) Close(ctx context.Context) error {
	if s == nil || s.client == nil {
		return nil
	}
	disconnectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return s.client.Disconnect(disconnectCtx)
}

func withID(scope bson.M, id string) bson.M {
	f := bson.M{"_id": id}
	for k, v := range scope {
		f[k] = v
	}
	return f
}
