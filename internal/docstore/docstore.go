// Package docstore defines the contract of the document store collaborator.
//
// Documents are addressed by collection and id. Collections are flat except
// messages, which are scoped to their chat (chats/{id}/messages).
package docstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"go.mongodb.org/mongo-driver/bson"
)

var (
	ErrNotFound = errors.New("document not found")
	ErrClosed   = errors.New("store closed")
)

type Collection string

const (
	Users       Collection = "users"
	Chats       Collection = "chats"
	Reports     Collection = "reports"
	// Credentials belongs to the auth provider and is keyed by email.
	Credentials Collection = "credentials"
)

const messagesSuffix = "/messages"

// Messages returns the message collection of a chat.
func Messages(chatID string) Collection {
	return Collection(string(Chats) + "/" + chatID + messagesSuffix)
}

// ChatID returns the owning chat of a message collection.
func (c Collection) ChatID() (string, bool) {
	s := string(c)
	prefix := string(Chats) + "/"
	if !strings.HasPrefix(s, prefix) || !strings.HasSuffix(s, messagesSuffix) {
		return "", false
	}
	id := strings.TrimSuffix(strings.TrimPrefix(s, prefix), messagesSuffix)
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}

// Store is implemented by document store backends.
//
// Update applies all ops to one document atomically. Create generates an id
// when the document has an empty _id and applies ops right after the insert,
// typically ServerTime stamps.
type Store interface {
	Get(ctx context.Context, coll Collection, id string) (bson.Raw, error)
	Create(ctx context.Context, coll Collection, doc any, ops ...Op) (string, error)
	Put(ctx context.Context, coll Collection, id string, doc any) error
	Update(ctx context.Context, coll Collection, id string, ops ...Op) error
	Query(ctx context.Context, coll Collection, q Query) ([]bson.Raw, error)
	Watch(ctx context.Context, coll Collection, q Query) (*Watch, error)
	Close(ctx context.Context) error
}

// Watch delivers the full result set of a standing query after every change.
// Undelivered snapshots are replaced by newer ones.
type Watch struct {
	ch     chan []bson.Raw
	done   chan struct{}
	stop   func()
	mu     sync.Mutex
	closed bool
}

// NewWatch creates a watch. stop is called once, on the first Cancel.
func NewWatch(stop func()) *Watch {
	return &Watch{
		ch:   make(chan []bson.Raw, 1),
		done: make(chan struct{}),
		stop: stop,
	}
}

// C returns the snapshot channel. It is closed after Cancel.
func (w *Watch) C() <-chan []bson.Raw {
	return w.ch
}

// Done is closed after Cancel.
func (w *Watch) Done() <-chan struct{} {
	return w.done
}

// Push publishes a snapshot, dropping a pending one if the consumer lags.
func (w *Watch) Push(snapshot []bson.Raw) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	select {
	case <-w.ch:
	default:
	}
	w.ch <- snapshot
}

// Cancel releases the registration. It is safe to call more than once.
func (w *Watch) Cancel() {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return
	}
	w.closed = true
	close(w.done)
	close(w.ch)
	w.mu.Unlock()

	if w.stop != nil {
		w.stop()
	}
}

// Decode converts a raw document into T.
func Decode[T any](raw bson.Raw) (T, error) {
	var v T
	if err := bson.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("failed to decode document: %w", err)
	}
	return v, nil
}

func DecodeAll[T any](raws []bson.Raw) ([]T, error) {
	out := make([]T, 0, len(raws))
	for _, raw := range raws {
		v, err := Decode[T](raw)
		if err != nil {
			return nil, err
		}
		out = append(out, v)
	}
	return out, nil
}

func GetAs[T any](ctx context.Context, s Store, coll Collection, id string) (T, error) {
	raw, err := s.Get(ctx, coll, id)
	if err != nil {
		var zero T
		return zero, err
	}
	return Decode[T](raw)
}

func QueryAs[T any](ctx context.Context, s Store, coll Collection, q Query) ([]T, error) {
	raws, err := s.Query(ctx, coll, q)
	if err != nil {
		return nil, err
	}
	return DecodeAll[T](raws)
}

// ToDocument converts a struct or map into its canonical bson.M form.
func ToDocument(doc any) (bson.M, error) {
	data, err := bson.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("failed to encode document: %w", err)
	}
	m := bson.M{}
	if err := bson.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to decode document: %w", err)
	}
	return m, nil
}
