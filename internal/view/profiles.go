package view

import (
	"context"
	"errors"
	"fmt"

	"secchat/internal/docstore"
	"secchat/internal/models"
)

// LoadProfiles looks up every distinct user id once. Missing users are left
// out of the result.
func LoadProfiles(ctx context.Context, store docstore.Store, ids ...string) (Profiles, error) {
	profiles := make(Profiles, len(ids))
	for _, id := range ids {
		if id == "" || id == models.AllParticipants {
			continue
		}
		if _, ok := profiles[id]; ok {
			continue
		}
		u, err := docstore.GetAs[models.User](ctx, store, docstore.Users, id)
		if errors.Is(err, docstore.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load profile %s: %w", id, err)
		}
		profiles[id] = u
	}
	return profiles, nil
}

// ChatProfileIDs lists the profiles a chat view references.
func ChatProfileIDs(c models.Chat) []string {
	ids := append([]string{}, c.Participants...)
	if c.LastMessageSender != "" {
		ids = append(ids, c.LastMessageSender)
	}
	return ids
}

// MessageProfileIDs lists the profiles a message list references.
func MessageProfileIDs(c models.Chat, msgs []models.Message) []string {
	ids := ChatProfileIDs(c)
	for _, m := range msgs {
		ids = append(ids, m.SenderID)
	}
	return ids
}
