// Package search implements bounded, client side search. Message search only
// looks at a recent window of each chat and matches after decryption, so it
// is a best effort over recent history, not an index.
package search

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"secchat/internal/docstore"
	"secchat/internal/metrics"
	"secchat/internal/models"
	"secchat/internal/view"

	"golang.org/x/sync/errgroup"
)

const (
	DefaultUserLimit  = 10
	DefaultChatWindow = 100
	DefaultAllWindow  = 50
	parallelism       = 4
)

type Config struct {
	Store    docstore.Store
	Renderer *view.Renderer
	// UserLimit caps SearchUsers results.
	UserLimit int
	// ChatWindow is how many recent messages SearchMessagesInChat scans.
	ChatWindow int
	// AllWindow is the per chat window of SearchAllMessages.
	AllWindow int
}

type Service struct {
	store      docstore.Store
	renderer   *view.Renderer
	userLimit  int
	chatWindow int
	allWindow  int
}

func New(config Config) *Service {
	if config.UserLimit <= 0 {
		config.UserLimit = DefaultUserLimit
	}
	if config.ChatWindow <= 0 {
		config.ChatWindow = DefaultChatWindow
	}
	if config.AllWindow <= 0 {
		config.AllWindow = DefaultAllWindow
	}
	return &Service{
		store:      config.Store,
		renderer:   config.Renderer,
		userLimit:  config.UserLimit,
		chatWindow: config.ChatWindow,
		allWindow:  config.AllWindow,
	}
}

// SearchUsers returns users whose display name starts with term, excluding
// the caller. Profiles are privacy filtered for the caller.
func (s *Service) SearchUsers(ctx context.Context, me models.Identity, term string) (users []models.User, err error) {
	defer func() { metrics.ObserveOperation("search_users", err) }()

	if !me.Valid() {
		return nil, models.ErrNotAuthenticated
	}
	prefix := models.SearchName(term)
	if prefix == "" {
		return []models.User{}, nil
	}

	q := docstore.NewQuery().
		Where("searchName", docstore.Gte, prefix).
		Where("searchName", docstore.Lt, prefix+"\uffff").
		OrderBy("searchName", docstore.Asc).
		Limit(s.userLimit + 1)
	found, err := docstore.QueryAs[models.User](ctx, s.store, docstore.Users, q)
	if err != nil {
		return nil, fmt.Errorf("failed to search users: %w", err)
	}

	users = make([]models.User, 0, len(found))
	for _, u := range found {
		if u.ID == me.UserID {
			continue
		}
		users = append(users, u.VisibleTo(me.UserID))
		if len(users) == s.userLimit {
			break
		}
	}
	return users, nil
}

func (s *Service) SearchMessagesInChat(ctx context.Context, me models.Identity, chatID, term string) (hits []view.MessageView, err error) {
	defer func() { metrics.ObserveOperation("search_chat", err) }()

	if !me.Valid() {
		return nil, models.ErrNotAuthenticated
	}
	c, err := docstore.GetAs[models.Chat](ctx, s.store, docstore.Chats, chatID)
	if err != nil {
		if errors.Is(err, docstore.ErrNotFound) {
			return nil, models.Reject(models.ReasonNotFound, "chat")
		}
		return nil, err
	}
	if !c.IsParticipant(me.UserID) {
		return nil, models.ErrNotParticipant
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return []view.MessageView{}, nil
	}
	return s.scan(ctx, me, c, needle, s.chatWindow)
}

// SearchAllMessages scans every chat of the caller concurrently and returns
// the hits newest first.
func (s *Service) SearchAllMessages(ctx context.Context, me models.Identity, term string) (hits []view.MessageView, err error) {
	defer func() { metrics.ObserveOperation("search_all", err) }()

	if !me.Valid() {
		return nil, models.ErrNotAuthenticated
	}
	needle := strings.ToLower(strings.TrimSpace(term))
	if needle == "" {
		return []view.MessageView{}, nil
	}

	q := docstore.NewQuery().Where("participants", docstore.ArrayContains, me.UserID)
	chats, err := docstore.QueryAs[models.Chat](ctx, s.store, docstore.Chats, q)
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}

	var mu sync.Mutex
	hits = []view.MessageView{}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(parallelism)
	for _, c := range chats {
		g.Go(func() error {
			found, err := s.scan(gctx, me, c, needle, s.allWindow)
			if err != nil {
				return err
			}
			mu.Lock()
			hits = append(hits, found...)
			mu.Unlock()
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	sortNewestFirst(hits)
	return hits, nil
}

// scan matches needle against the latest window messages of c.
func (s *Service) scan(ctx context.Context, me models.Identity, c models.Chat, needle string, window int) ([]view.MessageView, error) {
	q := docstore.NewQuery().OrderBy("createdAt", docstore.Desc).Limit(window)
	msgs, err := docstore.QueryAs[models.Message](ctx, s.store, docstore.Messages(c.ID), q)
	if err != nil {
		return nil, fmt.Errorf("failed to load messages of chat %s: %w", c.ID, err)
	}
	profiles, err := view.LoadProfiles(ctx, s.store, view.MessageProfileIDs(c, msgs)...)
	if err != nil {
		return nil, err
	}

	hits := []view.MessageView{}
	for _, m := range msgs {
		if m.IsDeleted() {
			continue
		}
		v, ok := s.renderer.Message(me.UserID, c, m, profiles)
		if !ok || v.DecryptFailed {
			continue
		}
		if strings.Contains(strings.ToLower(v.Text), needle) {
			hits = append(hits, v)
		}
	}
	sortNewestFirst(hits)
	return hits, nil
}

func sortNewestFirst(hits []view.MessageView) {
	sort.SliceStable(hits, func(i, j int) bool {
		return hits[i].CreatedAt.After(hits[j].CreatedAt)
	})
}
