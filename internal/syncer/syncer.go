// Package syncer turns store watches into materialized, per-viewer views.
//
// Every snapshot is re-materialized as a whole: referenced profiles are
// looked up again, per-user fields are derived from the raw documents and
// the list is sorted client side. A consumer holds at most one subscription
// per key; subscribing again replaces the previous one.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"secchat/internal/docstore"
	"secchat/internal/metrics"
	"secchat/internal/models"
	"secchat/internal/view"

	"go.mongodb.org/mongo-driver/bson"
)

const (
	kindChats    = "chats"
	kindMessages = "messages"
)

type key struct {
	kind     string
	scope    string
	consumer string
}

type registration struct {
	cancel func()
}

type Adapter struct {
	store    docstore.Store
	renderer *view.Renderer

	mu     sync.Mutex
	active map[key]*registration
}

func New(store docstore.Store, renderer *view.Renderer) *Adapter {
	return &Adapter{
		store:    store,
		renderer: renderer,
		active:   make(map[key]*registration),
	}
}

// Active returns the number of live subscriptions.
func (a *Adapter) Active() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.active)
}

func (a *Adapter) register(k key, reg *registration) {
	a.mu.Lock()
	previous := a.active[k]
	a.active[k] = reg
	a.mu.Unlock()

	if previous != nil {
		previous.cancel()
	}
}

func (a *Adapter) unregister(k key, reg *registration) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.active[k] == reg {
		delete(a.active, k)
	}
}

// CancelConsumer ends every subscription of consumer.
func (a *Adapter) CancelConsumer(consumer string) {
	a.mu.Lock()
	var cancels []func()
	for k, reg := range a.active {
		if k.consumer == consumer {
			cancels = append(cancels, reg.cancel)
		}
	}
	a.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
}

// materializer builds a view from a snapshot. It also returns the next
// instant the view changes without any store write, or the zero time.
type materializer[T any] func(ctx context.Context, snapshot []bson.Raw) (T, time.Time, error)

func subscribe[T any](ctx context.Context, a *Adapter, k key, coll docstore.Collection, q docstore.Query, materialize materializer[T]) (*Subscription[T], error) {
	ctx, cancel := context.WithCancel(ctx)
	w, err := a.store.Watch(ctx, coll, q)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to watch %s: %w", coll, err)
	}

	reg := &registration{}
	sub := newSubscription[T](func() {
		cancel()
		w.Cancel()
		a.unregister(k, reg)
		metrics.DecSubscriptions(k.kind)
	})
	reg.cancel = sub.Cancel
	metrics.IncSubscriptions(k.kind)
	a.register(k, reg)

	go run(ctx, w, sub, materialize)
	return sub, nil
}

func run[T any](ctx context.Context, w *docstore.Watch, sub *Subscription[T], materialize materializer[T]) {
	defer sub.Cancel()

	var (
		snapshot []bson.Raw
		timer    *time.Timer
		deadline <-chan time.Time
	)
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case s, ok := <-w.C():
			if !ok {
				return
			}
			snapshot = s
		case <-deadline:
		}

		v, next, err := materialize(ctx, snapshot)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				slog.Warn("failed to materialize view", "error", err)
			}
			continue
		}
		sub.push(v)

		if timer != nil {
			timer.Stop()
		}
		timer, deadline = nil, nil
		if !next.IsZero() {
			timer = time.NewTimer(time.Until(next))
			deadline = timer.C
		}
	}
}

// WatchChats subscribes consumer to the chat list of me.
func (a *Adapter) WatchChats(ctx context.Context, me models.Identity, consumer string) (*Subscription[[]view.ChatView], error) {
	if !me.Valid() {
		return nil, models.ErrNotAuthenticated
	}
	q := docstore.NewQuery().Where("participants", docstore.ArrayContains, me.UserID)
	k := key{kind: kindChats, scope: me.UserID, consumer: consumer}
	return subscribe[[]view.ChatView](ctx, a, k, docstore.Chats, q, func(ctx context.Context, snapshot []bson.Raw) ([]view.ChatView, time.Time, error) {
		chats, err := docstore.DecodeAll[models.Chat](snapshot)
		if err != nil {
			return nil, time.Time{}, err
		}
		var ids []string
		for _, c := range chats {
			ids = append(ids, view.ChatProfileIDs(c)...)
		}
		profiles, err := view.LoadProfiles(ctx, a.store, ids...)
		if err != nil {
			return nil, time.Time{}, err
		}
		return a.renderer.Chats(me.UserID, chats, profiles), nextTypingExpiry(me.UserID, chats), nil
	})
}

// WatchMessages subscribes consumer to the messages of chatID, ascending by
// creation time.
func (a *Adapter) WatchMessages(ctx context.Context, me models.Identity, chatID, consumer string) (*Subscription[[]view.MessageView], error) {
	if !me.Valid() {
		return nil, models.ErrNotAuthenticated
	}
	if _, err := a.memberChat(ctx, me, chatID); err != nil {
		return nil, err
	}

	q := docstore.NewQuery().OrderBy("createdAt", docstore.Asc)
	k := key{kind: kindMessages, scope: chatID, consumer: consumer}
	return subscribe[[]view.MessageView](ctx, a, k, docstore.Messages(chatID), q, func(ctx context.Context, snapshot []bson.Raw) ([]view.MessageView, time.Time, error) {
		c, err := a.memberChat(ctx, me, chatID)
		if models.IsPolicy(err) {
			return []view.MessageView{}, time.Time{}, nil
		}
		if err != nil {
			return nil, time.Time{}, err
		}
		msgs, err := docstore.DecodeAll[models.Message](snapshot)
		if err != nil {
			return nil, time.Time{}, err
		}
		profiles, err := view.LoadProfiles(ctx, a.store, view.MessageProfileIDs(c, msgs)...)
		if err != nil {
			return nil, time.Time{}, err
		}
		return a.renderer.Messages(me.UserID, c, msgs, profiles), nextExpiry(msgs), nil
	})
}

func (a *Adapter) memberChat(ctx context.Context, me models.Identity, chatID string) (models.Chat, error) {
	c, err := docstore.GetAs[models.Chat](ctx, a.store, docstore.Chats, chatID)
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Chat{}, models.Reject(models.ReasonNotFound, "chat")
	}
	if err != nil {
		return models.Chat{}, err
	}
	if !c.IsParticipant(me.UserID) {
		return models.Chat{}, models.ErrNotParticipant
	}
	return c, nil
}

func earliest(a, b time.Time) time.Time {
	if a.IsZero() || (!b.IsZero() && b.Before(a)) {
		return b
	}
	return a
}

func nextExpiry(msgs []models.Message) time.Time {
	now := time.Now()
	var next time.Time
	for _, m := range msgs {
		if m.ExpiresAt != nil && m.ExpiresAt.After(now) {
			next = earliest(next, *m.ExpiresAt)
		}
	}
	return next
}

func nextTypingExpiry(me string, chats []models.Chat) time.Time {
	now := time.Now()
	var next time.Time
	for _, c := range chats {
		for uid, at := range c.TypingUsers {
			if uid == me {
				continue
			}
			if expiry := at.Add(models.TypingTTL); expiry.After(now) {
				next = earliest(next, expiry)
			}
		}
	}
	return next
}
