// Package presence maps auth transitions to the online state on the user
// profile and maintains typing indicators. Presence is a status update: every
// failure is logged and swallowed, never returned to the action that caused it.
package presence

import (
	"context"
	"log/slog"

	"secchat/internal/auth"
	"secchat/internal/docstore"
	"secchat/internal/models"
)

type Tracker struct {
	store docstore.Store
}

func NewTracker(store docstore.Store) *Tracker {
	return &Tracker{store: store}
}

// Run applies auth events until ctx is done or events is closed.
func (t *Tracker) Run(ctx context.Context, events <-chan auth.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			t.apply(ctx, ev)
		}
	}
}

func (t *Tracker) apply(ctx context.Context, ev auth.Event) {
	switch ev.Kind {
	case auth.SignedIn:
		t.setOnline(ctx, ev.UserID, true)
	case auth.SignedOut:
		t.setOnline(ctx, ev.UserID, false)
	default:
		slog.Warn("unknown auth event", "kind", ev.Kind, "user_id", ev.UserID)
	}
}

func (t *Tracker) setOnline(ctx context.Context, userID string, online bool) {
	err := t.store.Update(ctx, docstore.Users, userID,
		docstore.Set("isOnline", online),
		docstore.ServerTime("lastSeen"),
	)
	if err != nil {
		slog.Warn("failed to update presence", "user_id", userID, "online", online, "error", err)
	}
}

// Heartbeat refreshes the last seen time of the caller.
func (t *Tracker) Heartbeat(ctx context.Context, me models.Identity) {
	if !me.Valid() {
		return
	}
	if err := t.store.Update(ctx, docstore.Users, me.UserID, docstore.ServerTime("lastSeen")); err != nil {
		slog.Warn("heartbeat failed", "user_id", me.UserID, "error", err)
	}
}

// SetTyping marks or clears the caller as typing in chatID. Entries older
// than models.TypingTTL are ignored by views.
func (t *Tracker) SetTyping(ctx context.Context, me models.Identity, chatID string, typing bool) {
	if !me.Valid() || chatID == "" {
		return
	}
	c, err := docstore.GetAs[models.Chat](ctx, t.store, docstore.Chats, chatID)
	if err != nil {
		slog.Warn("failed to load chat for typing", "user_id", me.UserID, "chat_id", chatID, "error", err)
		return
	}
	if !c.IsParticipant(me.UserID) {
		return
	}

	op := docstore.Unset(docstore.Path("typingUsers", me.UserID))
	if typing {
		op = docstore.ServerTime(docstore.Path("typingUsers", me.UserID))
	}
	if err := t.store.Update(ctx, docstore.Chats, chatID, op); err != nil {
		slog.Warn("failed to update typing", "user_id", me.UserID, "chat_id", chatID, "error", err)
	}
}
