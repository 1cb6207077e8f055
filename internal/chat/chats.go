package chat

import (
	"context"
	"strings"

	"secchat/internal/content"
	"secchat/internal/docstore"
	"secchat/internal/models"
)

// CreateDirectChat returns the direct chat between the caller and otherID,
// creating it on first contact.
func (s *Service) CreateDirectChat(ctx context.Context, me models.Identity, otherID string) (c models.Chat, err error) {
	defer observe("create_direct", &err)

	if err := authorize(me); err != nil {
		return models.Chat{}, err
	}
	if otherID == me.UserID {
		return models.Chat{}, models.Invalid("cannot chat with yourself")
	}
	self, err := s.loadUser(ctx, me.UserID)
	if err != nil {
		return models.Chat{}, err
	}
	other, err := s.loadUser(ctx, otherID)
	if err != nil {
		return models.Chat{}, err
	}
	if self.HasBlocked(other.ID) || other.HasBlocked(self.ID) {
		return models.Chat{}, models.ErrBlocked
	}

	existing, err := s.directChatBetween(ctx, me.UserID, other.ID)
	if err != nil {
		return models.Chat{}, err
	}
	if existing != nil {
		return *existing, nil
	}
	return s.createChat(ctx, newChat(models.ChatTypeDirect, me.UserID, []string{me.UserID, other.ID}))
}

func (s *Service) directChatBetween(ctx context.Context, a, b string) (*models.Chat, error) {
	q := docstore.NewQuery().
		Where("participants", docstore.ArrayContains, a).
		Where("type", docstore.Eq, models.ChatTypeDirect)
	chats, err := docstore.QueryAs[models.Chat](ctx, s.store, docstore.Chats, q)
	if err != nil {
		return nil, err
	}
	for _, c := range chats {
		if c.IsParticipant(b) {
			return &c, nil
		}
	}
	return nil, nil
}

// CreateGroup creates a group with the caller as its only admin.
func (s *Service) CreateGroup(ctx context.Context, me models.Identity, name, description string, memberIDs []string) (c models.Chat, err error) {
	defer observe("create_group", &err)

	if err := authorize(me); err != nil {
		return models.Chat{}, err
	}
	if err := content.ValidateDisplayName(name); err != nil {
		return models.Chat{}, models.Invalid("group name: " + err.Error())
	}

	participants := uniqueIDs(append([]string{me.UserID}, memberIDs...))
	for _, id := range participants {
		if _, err := s.loadUser(ctx, id); err != nil {
			return models.Chat{}, err
		}
	}

	g := newChat(models.ChatTypeGroup, me.UserID, participants)
	g.Name = content.Sanitize(strings.TrimSpace(name))
	g.Description = content.Sanitize(strings.TrimSpace(description))
	g.Admins = []string{me.UserID}
	return s.createChat(ctx, g)
}

type GroupInfo struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

func (s *Service) UpdateGroupInfo(ctx context.Context, me models.Identity, chatID string, info GroupInfo) (err error) {
	defer observe("update_group", &err)

	if err := content.ValidateDisplayName(info.Name); err != nil {
		return models.Invalid("group name: " + err.Error())
	}
	c, err := s.adminChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	return notFound(s.store.Update(ctx, docstore.Chats, c.ID,
		docstore.Set("name", content.Sanitize(strings.TrimSpace(info.Name))),
		docstore.Set("description", content.Sanitize(strings.TrimSpace(info.Description))),
	), "chat")
}

func (s *Service) AddGroupMember(ctx context.Context, me models.Identity, chatID, userID string) (err error) {
	defer observe("add_member", &err)

	c, err := s.adminChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	if _, err := s.loadUser(ctx, userID); err != nil {
		return err
	}
	if c.IsParticipant(userID) {
		return models.Reject(models.ReasonAlreadyExists, "user is already a member")
	}
	ops := append([]docstore.Op{docstore.ArrayUnion("participants", userID)}, memberDefaults(userID)...)
	return notFound(s.store.Update(ctx, docstore.Chats, c.ID, ops...), "chat")
}

// RemoveGroupMember removes userID from the group. Admins may remove anyone,
// members only themselves. The last admin cannot go while others remain.
func (s *Service) RemoveGroupMember(ctx context.Context, me models.Identity, chatID, userID string) (err error) {
	defer observe("remove_member", &err)
	return s.removeMember(ctx, me, chatID, userID)
}

// LeaveGroup removes the caller, under the same last-admin guard.
func (s *Service) LeaveGroup(ctx context.Context, me models.Identity, chatID string) (err error) {
	defer observe("leave_group", &err)
	return s.removeMember(ctx, me, chatID, me.UserID)
}

func (s *Service) removeMember(ctx context.Context, me models.Identity, chatID, userID string) error {
	c, err := s.groupChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	if userID != me.UserID && !c.IsAdmin(me.UserID) {
		return models.ErrNotAdmin
	}
	if !c.IsParticipant(userID) {
		return models.Reject(models.ReasonNotFound, "member")
	}
	if c.IsAdmin(userID) && len(c.Admins) == 1 && len(c.Participants) > 1 {
		return models.ErrLastAdmin
	}

	ops := append([]docstore.Op{
		docstore.ArrayRemove("participants", userID),
		docstore.ArrayRemove("admins", userID),
	}, memberRetire(userID)...)
	return notFound(s.store.Update(ctx, docstore.Chats, c.ID, ops...), "chat")
}

func (s *Service) MakeAdmin(ctx context.Context, me models.Identity, chatID, userID string) (err error) {
	defer observe("make_admin", &err)

	c, err := s.adminChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	if !c.IsParticipant(userID) {
		return models.Reject(models.ReasonNotFound, "member")
	}
	if c.IsAdmin(userID) {
		return models.Reject(models.ReasonAlreadyExists, "user is already an admin")
	}
	return notFound(s.store.Update(ctx, docstore.Chats, c.ID, docstore.ArrayUnion("admins", userID)), "chat")
}

// setFlag writes the caller's own entry of a per-user map.
func (s *Service) setFlag(ctx context.Context, me models.Identity, chatID, field string, value bool) error {
	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	return notFound(s.store.Update(ctx, docstore.Chats, c.ID, docstore.Set(docstore.Path(field, me.UserID), value)), "chat")
}

func (s *Service) SetArchived(ctx context.Context, me models.Identity, chatID string, archived bool) (err error) {
	defer observe("archive", &err)
	return s.setFlag(ctx, me, chatID, "archivedStatus", archived)
}

func (s *Service) SetMuted(ctx context.Context, me models.Identity, chatID string, muted bool) (err error) {
	defer observe("mute", &err)
	return s.setFlag(ctx, me, chatID, "mutedStatus", muted)
}

func (s *Service) SetPinned(ctx context.Context, me models.Identity, chatID string, pinned bool) (err error) {
	defer observe("pin", &err)
	return s.setFlag(ctx, me, chatID, "pinnedStatus", pinned)
}

// DeleteChat hides the chat from every member. There is no way back.
// In groups only admins may delete.
func (s *Service) DeleteChat(ctx context.Context, me models.Identity, chatID string) (err error) {
	defer observe("delete_chat", &err)

	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	if c.Type == models.ChatTypeGroup && !c.IsAdmin(me.UserID) {
		return models.ErrNotAdmin
	}
	return s.retireChat(ctx, me, c)
}

// retireChat empties the participant list, which is the predicate of every
// chat list subscription, and records who deleted the chat. Messages are
// left in place.
func (s *Service) retireChat(ctx context.Context, me models.Identity, c models.Chat) error {
	return notFound(s.store.Update(ctx, docstore.Chats, c.ID,
		docstore.Set("participants", []string{}),
		docstore.Set(docstore.Path("deletedBy", me.UserID), true),
	), "chat")
}
