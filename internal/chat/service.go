// Package chat validates user intents against the latest stored state and
// computes the resulting document changes.
//
// The Service keeps no state of its own. Every operation takes the caller
// identity explicitly and re-reads the documents it checks right before
// writing, so concurrent writers from other devices only ever cause a
// rejected operation, never a corrupted document.
package chat

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"secchat/internal/docstore"
	"secchat/internal/e2ee"
	"secchat/internal/metrics"
	"secchat/internal/models"
)

// EncryptionMode decides what happens when a direct message cannot be
// encrypted.
type EncryptionMode string

const (
	// ModeOpportunistic sends in plaintext and reports the downgrade.
	ModeOpportunistic EncryptionMode = "opportunistic"
	// ModeRequired rejects the message.
	ModeRequired EncryptionMode = "required"
)

const (
	// DefaultReadWindow is how many recent messages MarkMessagesAsRead flags as read.
	DefaultReadWindow  = 100
	forwardParallelism = 4
)

type Crypto interface {
	CanEncrypt(chatType models.ChatType, sender, receiver models.User) bool
	Encrypt(userID, plaintext, theirPublicKey string) (e2ee.Sealed, error)
}

// Drafts is the local draft scratch space. A sent message clears its draft.
type Drafts interface {
	SaveDraft(userID, chatID, text string) error
}

type Config struct {
	Store      docstore.Store
	Crypto     Crypto
	Drafts     Drafts
	Mode       EncryptionMode
	ReadWindow int
}

type Service struct {
	store      docstore.Store
	crypto     Crypto
	drafts     Drafts
	mode       EncryptionMode
	readWindow int
	now        func() time.Time
}

func New(config Config) *Service {
	if config.Mode == "" {
		config.Mode = ModeOpportunistic
	}
	if config.ReadWindow <= 0 {
		config.ReadWindow = DefaultReadWindow
	}
	return &Service{
		store:      config.Store,
		crypto:     config.Crypto,
		drafts:     config.Drafts,
		mode:       config.Mode,
		readWindow: config.ReadWindow,
		now:        time.Now,
	}
}

func authorize(me models.Identity) error {
	if !me.Valid() {
		return models.ErrNotAuthenticated
	}
	return nil
}

// notFound turns a missing document into a policy rejection.
func notFound(err error, what string) error {
	if errors.Is(err, docstore.ErrNotFound) {
		return models.Reject(models.ReasonNotFound, what)
	}
	return err
}

func (s *Service) loadChat(ctx context.Context, chatID string) (models.Chat, error) {
	if chatID == "" {
		return models.Chat{}, models.Invalid("chat id is required")
	}
	c, err := docstore.GetAs[models.Chat](ctx, s.store, docstore.Chats, chatID)
	if err != nil {
		return models.Chat{}, notFound(err, "chat")
	}
	return c, nil
}

// memberChat loads a chat the caller participates in.
func (s *Service) memberChat(ctx context.Context, me models.Identity, chatID string) (models.Chat, error) {
	if err := authorize(me); err != nil {
		return models.Chat{}, err
	}
	c, err := s.loadChat(ctx, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !c.IsParticipant(me.UserID) {
		return models.Chat{}, models.ErrNotParticipant
	}
	return c, nil
}

// groupChat loads a group the caller participates in.
func (s *Service) groupChat(ctx context.Context, me models.Identity, chatID string) (models.Chat, error) {
	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if c.Type != models.ChatTypeGroup {
		return models.Chat{}, models.Invalid("not a group chat")
	}
	return c, nil
}

// adminChat loads a group the caller administers.
func (s *Service) adminChat(ctx context.Context, me models.Identity, chatID string) (models.Chat, error) {
	c, err := s.groupChat(ctx, me, chatID)
	if err != nil {
		return models.Chat{}, err
	}
	if !c.IsAdmin(me.UserID) {
		return models.Chat{}, models.ErrNotAdmin
	}
	return c, nil
}

// loadMessage returns a message of chatID. Self-destructed messages are
// reported as missing.
func (s *Service) loadMessage(ctx context.Context, chatID, messageID string) (models.Message, error) {
	if messageID == "" {
		return models.Message{}, models.Invalid("message id is required")
	}
	m, err := docstore.GetAs[models.Message](ctx, s.store, docstore.Messages(chatID), messageID)
	if err != nil {
		return models.Message{}, notFound(err, "message")
	}
	if m.Expired(s.now()) {
		return models.Message{}, models.Reject(models.ReasonNotFound, "message")
	}
	return m, nil
}

func (s *Service) loadUser(ctx context.Context, userID string) (models.User, error) {
	if userID == "" {
		return models.User{}, models.Invalid("user id is required")
	}
	u, err := docstore.GetAs[models.User](ctx, s.store, docstore.Users, userID)
	if err != nil {
		return models.User{}, notFound(err, "user")
	}
	return u, nil
}

// observe records the outcome of op. Use with a named error result.
func observe(op string, err *error) {
	metrics.ObserveOperation(op, *err)
	if *err != nil && !models.IsPolicy(*err) {
		slog.Error("operation failed", "op", op, "error", *err)
	}
}

// memberDefaults returns the per-user map entries of a new participant.
func memberDefaults(userID string) []docstore.Op {
	return []docstore.Op{
		docstore.Set(docstore.Path("unreadCounts", userID), 0),
		docstore.Set(docstore.Path("archivedStatus", userID), false),
		docstore.Set(docstore.Path("mutedStatus", userID), false),
		docstore.Set(docstore.Path("pinnedStatus", userID), false),
		docstore.Set(docstore.Path("deletedBy", userID), false),
	}
}

// memberRetire removes every per-user map entry of a departing participant.
func memberRetire(userID string) []docstore.Op {
	return []docstore.Op{
		docstore.Unset(docstore.Path("unreadCounts", userID)),
		docstore.Unset(docstore.Path("archivedStatus", userID)),
		docstore.Unset(docstore.Path("mutedStatus", userID)),
		docstore.Unset(docstore.Path("pinnedStatus", userID)),
		docstore.Unset(docstore.Path("deletedBy", userID)),
		docstore.Unset(docstore.Path("typingUsers", userID)),
	}
}

func newChat(chatType models.ChatType, createdBy string, participants []string) models.Chat {
	c := models.Chat{
		Type:           chatType,
		Participants:   participants,
		CreatedBy:      createdBy,
		UnreadCounts:   models.PerUser[int]{},
		ArchivedStatus: models.PerUser[bool]{},
		MutedStatus:    models.PerUser[bool]{},
		PinnedStatus:   models.PerUser[bool]{},
		DeletedBy:      models.PerUser[bool]{},
	}
	for _, p := range participants {
		c.UnreadCounts[p] = 0
		c.ArchivedStatus[p] = false
		c.MutedStatus[p] = false
		c.PinnedStatus[p] = false
		c.DeletedBy[p] = false
	}
	return c
}

func (s *Service) createChat(ctx context.Context, c models.Chat) (models.Chat, error) {
	id, err := s.store.Create(ctx, docstore.Chats, c,
		docstore.ServerTime("createdAt"),
		docstore.ServerTime("lastMessageAt"),
	)
	if err != nil {
		return models.Chat{}, err
	}
	return s.loadChat(ctx, id)
}
