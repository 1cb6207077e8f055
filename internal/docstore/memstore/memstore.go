// Package memstore is an in-memory docstore used by tests and single node
// deployments.
package memstore

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"secchat/internal/docstore"

	"github.com/google/uuid"
	"go.mongodb.org/mongo-driver/bson"
)

type collection struct {
	docs  map[string]bson.M
	order []string
}

type watcher struct {
	coll docstore.Collection
	q    docstore.Query
	w    *docstore.Watch
}

// Store keeps canonical documents in memory. All operations are
// serialized behind one mutex so every Update is atomic.
type Store struct {
	mu       sync.Mutex
	colls    map[docstore.Collection]*collection
	watchers map[*watcher]struct{}
	closed   bool

	now func() time.Time
}

type Option func(*Store)

// WithClock overrides the clock used for ServerTime stamps.
func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		s.now = now
	}
}

func New(opts ...Option) *Store {
	s := &Store{
		colls:    make(map[docstore.Collection]*collection),
		watchers: make(map[*watcher]struct{}),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

var _ docstore.Store = (*Store)(nil)

func (s *Store) collection(name docstore.Collection) *collection {
	c, ok := s.colls[name]
	if !ok {
		c = &collection{docs: make(map[string]bson.M)}
		s.colls[name] = c
	}
	return c
}

func (s *Store) Get(ctx context.Context, coll docstore.Collection, id string) (bson.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	doc, ok := s.collection(coll).docs[id]
	if !ok {
		return nil, fmt.Errorf("%s/%s: %w", coll, id, docstore.ErrNotFound)
	}
	return bson.Marshal(doc)
}

func (s *Store) Create(ctx context.Context, coll docstore.Collection, doc any, ops ...docstore.Op) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	m, err := docstore.ToDocument(doc)
	if err != nil {
		return "", err
	}
	id, _ := m["_id"].(string)
	if id == "" {
		id = uuid.NewString()
		m["_id"] = id
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", docstore.ErrClosed
	}
	c := s.collection(coll)
	if _, exists := c.docs[id]; exists {
		return "", fmt.Errorf("%s/%s: document already exists", coll, id)
	}
	if err := apply(m, s.now(), ops...); err != nil {
		return "", err
	}
	c.docs[id] = m
	c.order = append(c.order, id)
	s.notify(coll)
	return id, nil
}

func (s *Store) Put(ctx context.Context, coll docstore.Collection, id string, doc any) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m, err := docstore.ToDocument(doc)
	if err != nil {
		return err
	}
	m["_id"] = id

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	c := s.collection(coll)
	if _, exists := c.docs[id]; !exists {
		c.order = append(c.order, id)
	}
	c.docs[id] = m
	s.notify(coll)
	return nil
}

func (s *Store) Update(ctx context.Context, coll docstore.Collection, id string, ops ...docstore.Op) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return docstore.ErrClosed
	}
	doc, ok := s.collection(coll).docs[id]
	if !ok {
		return fmt.Errorf("%s/%s: %w", coll, id, docstore.ErrNotFound)
	}

	// ops apply to a copy so a failing op leaves the document unchanged
	staged, err := clone(doc)
	if err != nil {
		return err
	}
	if err := apply(staged, s.now(), ops...); err != nil {
		return err
	}
	s.collection(coll).docs[id] = staged
	s.notify(coll)
	return nil
}

func (s *Store) Query(ctx context.Context, coll docstore.Collection, q docstore.Query) ([]bson.Raw, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	return s.run(coll, q)
}

// Watch registers a standing query. The current result set is delivered
// right away and again after every write to coll.
func (s *Store) Watch(ctx context.Context, coll docstore.Collection, q docstore.Query) (*docstore.Watch, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, docstore.ErrClosed
	}
	snapshot, err := s.run(coll, q)
	if err != nil {
		return nil, err
	}

	wr := &watcher{coll: coll, q: q}
	wr.w = docstore.NewWatch(func() {
		s.mu.Lock()
		delete(s.watchers, wr)
		s.mu.Unlock()
	})
	s.watchers[wr] = struct{}{}
	wr.w.Push(snapshot)

	go func() {
		select {
		case <-ctx.Done():
			wr.w.Cancel()
		case <-wr.w.Done():
		}
	}()
	return wr.w, nil
}

// Close cancels every watch. Further calls fail with ErrClosed.
func (s *Store) Close(_ context.Context) error {
	s.mu.Lock()
	s.closed = true
	watchers := make([]*watcher, 0, len(s.watchers))
	for wr := range s.watchers {
		watchers = append(watchers, wr)
	}
	s.mu.Unlock()

	for _, wr := range watchers {
		wr.w.Cancel()
	}
	return nil
}

// run evaluates q over coll. Caller holds s.mu.
func (s *Store) run(coll docstore.Collection, q docstore.Query) ([]bson.Raw, error) {
	c := s.collection(coll)
	matched := make([]bson.M, 0)
	for _, id := range c.order {
		doc := c.docs[id]
		ok, err := match(doc, q.Filters)
		if err != nil {
			return nil, err
		}
		if ok {
			matched = append(matched, doc)
		}
	}

	if q.Order != "" {
		sort.SliceStable(matched, func(i, j int) bool {
			a, _ := lookup(matched[i], q.Order)
			b, _ := lookup(matched[j], q.Order)
			c, _ := compare(a, b)
			if q.Dir == docstore.Desc {
				return c > 0
			}
			return c < 0
		})
	}
	if q.Max > 0 && len(matched) > q.Max {
		matched = matched[:q.Max]
	}

	out := make([]bson.Raw, 0, len(matched))
	for _, doc := range matched {
		raw, err := bson.Marshal(doc)
		if err != nil {
			return nil, err
		}
		out = append(out, raw)
	}
	return out, nil
}

// notify re-evaluates the watchers of coll. Caller holds s.mu.
func (s *Store) notify(coll docstore.Collection) {
	for wr := range s.watchers {
		if wr.coll != coll {
			continue
		}
		snapshot, err := s.run(coll, wr.q)
		if err != nil {
			continue
		}
		wr.w.Push(snapshot)
	}
}

func clone(doc bson.M) (bson.M, error) {
	return docstore.ToDocument(doc)
}
