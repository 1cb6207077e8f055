package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"secchat/internal/content"
	"secchat/internal/docstore"
	"secchat/internal/metrics"
	"secchat/internal/models"

	"golang.org/x/sync/errgroup"
)

// Reasons a direct message went out in plaintext.
const (
	DowngradeSenderNotEnrolled = "sender-not-enrolled"
	DowngradePeerNotEnrolled   = "peer-not-enrolled"
	DowngradeNoLocalKey        = "no-local-key"
	DowngradeEncryptFailed     = "encrypt-failed"
)

type SendRequest struct {
	ChatID     string     `json:"chatId"`
	Text       string     `json:"text"`
	ReceiverID string     `json:"receiverId,omitempty"`
	ReplyToID  string     `json:"replyToId,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
}

type SendResult struct {
	MessageID string `json:"messageId"`
	Encrypted bool   `json:"encrypted"`
	// Downgrade names why a direct message was not encrypted.
	Downgrade string `json:"downgrade,omitempty"`
}

// body is the stored form of a message text.
type body struct {
	Text            string
	IsEncrypted     bool
	IV              string
	SenderPublicKey string
}

func (b body) ops() []docstore.Op {
	ops := []docstore.Op{
		docstore.Set("text", b.Text),
		docstore.Set("isEncrypted", b.IsEncrypted),
	}
	if b.IsEncrypted {
		return append(ops,
			docstore.Set("iv", b.IV),
			docstore.Set("senderPublicKey", b.SenderPublicKey),
		)
	}
	return append(ops, docstore.Unset("iv"), docstore.Unset("senderPublicKey"))
}

func (b body) preview() string {
	if b.IsEncrypted {
		return models.EncryptedPreview
	}
	return models.Preview(b.Text)
}

type outgoing struct {
	body          body
	receiverID    string
	replyTo       *models.ReplySnapshot
	expiresAt     *time.Time
	forwardedFrom string
}

// seal applies the encryption policy to a direct message body. It returns
// the downgrade reason when the body stays in plaintext.
func (s *Service) seal(c models.Chat, sender, receiver models.User, text string) (body, string, error) {
	plain := body{Text: text}
	if c.Type != models.ChatTypeDirect {
		return plain, "", nil
	}

	reason := ""
	switch {
	case sender.PublicKey == "":
		reason = DowngradeSenderNotEnrolled
	case receiver.PublicKey == "":
		reason = DowngradePeerNotEnrolled
	case s.crypto == nil || !s.crypto.CanEncrypt(c.Type, sender, receiver):
		reason = DowngradeNoLocalKey
	default:
		sealed, err := s.crypto.Encrypt(sender.ID, text, receiver.PublicKey)
		if err == nil {
			return body{
				Text:            sealed.Ciphertext,
				IsEncrypted:     true,
				IV:              sealed.IV,
				SenderPublicKey: sender.PublicKey,
			}, "", nil
		}
		slog.Warn("encryption failed", "user_id", sender.ID, "chat_id", c.ID, "error", err)
		reason = DowngradeEncryptFailed
	}

	if s.mode == ModeRequired {
		return body{}, reason, models.Reject(models.ReasonEncryptionUnavailable, reason)
	}
	metrics.IncEncryptionDowngrade(reason)
	slog.Warn("sending direct message in plaintext", "user_id", sender.ID, "chat_id", c.ID, "reason", reason)
	return plain, reason, nil
}

// directPeers resolves both ends of a direct chat and enforces blocking.
func (s *Service) directPeers(ctx context.Context, me models.Identity, c models.Chat) (models.User, models.User, error) {
	sender, err := s.loadUser(ctx, me.UserID)
	if err != nil {
		return models.User{}, models.User{}, err
	}
	receiver, err := s.loadUser(ctx, c.Peer(me.UserID))
	if err != nil {
		return models.User{}, models.User{}, err
	}
	if sender.HasBlocked(receiver.ID) || receiver.HasBlocked(sender.ID) {
		return models.User{}, models.User{}, models.ErrBlocked
	}
	return sender, receiver, nil
}

// deliver inserts a message and then updates the chat cache and the
// recipients' unread counters. The two writes are not atomic.
func (s *Service) deliver(ctx context.Context, me models.Identity, c models.Chat, out outgoing) (string, error) {
	recipients := c.Others(me.UserID)
	receiverID := models.AllParticipants
	if c.Type == models.ChatTypeDirect {
		receiverID = out.receiverID
		recipients = []string{receiverID}
	}

	msg := models.Message{
		ChatID:          c.ID,
		SenderID:        me.UserID,
		SenderName:      me.DisplayName,
		ReceiverID:      receiverID,
		Text:            out.body.Text,
		Status:          models.MessageStatusSent,
		ReplyTo:         out.replyTo,
		ForwardedFrom:   out.forwardedFrom,
		ExpiresAt:       out.expiresAt,
		IsEncrypted:     out.body.IsEncrypted,
		IV:              out.body.IV,
		SenderPublicKey: out.body.SenderPublicKey,
	}
	id, err := s.store.Create(ctx, docstore.Messages(c.ID), msg, docstore.ServerTime("createdAt"))
	if err != nil {
		return "", fmt.Errorf("failed to store message: %w", err)
	}

	ops := []docstore.Op{
		docstore.Set("lastMessage", out.body.preview()),
		docstore.Set("lastMessageSender", me.UserID),
		docstore.ServerTime("lastMessageAt"),
	}
	for _, r := range recipients {
		ops = append(ops, docstore.Inc(docstore.Path("unreadCounts", r), 1))
	}
	if err := s.store.Update(ctx, docstore.Chats, c.ID, ops...); err != nil {
		return id, fmt.Errorf("message %s stored but chat update failed: %w", id, err)
	}
	return id, nil
}

func (s *Service) replySnapshot(ctx context.Context, chatID, messageID string) (*models.ReplySnapshot, error) {
	if messageID == "" {
		return nil, nil
	}
	m, err := s.loadMessage(ctx, chatID, messageID)
	if err != nil {
		return nil, err
	}
	text := m.Text
	switch {
	case m.IsDeleted():
		text = models.DeletedText
	case m.IsEncrypted:
		text = models.EncryptedPreview
	}
	return &models.ReplySnapshot{MessageID: m.ID, Text: models.Preview(text), SenderName: m.SenderName}, nil
}

func (s *Service) SendMessage(ctx context.Context, me models.Identity, req SendRequest) (result SendResult, err error) {
	defer observe("send", &err)

	if err := content.ValidateMessage(req.Text); err != nil {
		return SendResult{}, models.Invalid(err.Error())
	}
	if req.ExpiresAt != nil && !req.ExpiresAt.After(s.now()) {
		return SendResult{}, models.Invalid("expiry must be in the future")
	}
	c, err := s.memberChat(ctx, me, req.ChatID)
	if err != nil {
		return SendResult{}, err
	}
	text := req.Text

	out := outgoing{body: body{Text: text}, expiresAt: req.ExpiresAt}
	if c.Type == models.ChatTypeDirect {
		peer := c.Peer(me.UserID)
		if req.ReceiverID != "" && req.ReceiverID != peer {
			return SendResult{}, models.Invalid("receiver is not the chat peer")
		}
		sender, receiver, err := s.directPeers(ctx, me, c)
		if err != nil {
			return SendResult{}, err
		}
		b, downgrade, err := s.seal(c, sender, receiver, text)
		if err != nil {
			return SendResult{}, err
		}
		out.body = b
		out.receiverID = receiver.ID
		result.Downgrade = downgrade
		if me.DisplayName == "" {
			me.DisplayName = sender.DisplayName
		}
	} else if me.DisplayName == "" {
		if sender, err := s.loadUser(ctx, me.UserID); err == nil {
			me.DisplayName = sender.DisplayName
		}
	}

	out.replyTo, err = s.replySnapshot(ctx, c.ID, req.ReplyToID)
	if err != nil {
		return SendResult{}, err
	}

	result.MessageID, err = s.deliver(ctx, me, c, out)
	if err != nil {
		return result, err
	}
	result.Encrypted = out.body.IsEncrypted

	if s.drafts != nil {
		if err := s.drafts.SaveDraft(me.UserID, c.ID, ""); err != nil {
			slog.Warn("failed to clear draft", "user_id", me.UserID, "chat_id", c.ID, "error", err)
		}
	}
	return result, nil
}

// ownMessage loads a message the caller sent, checking the given time window
// from its creation.
func (s *Service) ownMessage(ctx context.Context, me models.Identity, chatID, messageID string, window time.Duration) (models.Chat, models.Message, error) {
	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return models.Chat{}, models.Message{}, err
	}
	m, err := s.loadMessage(ctx, chatID, messageID)
	if err != nil {
		return models.Chat{}, models.Message{}, err
	}
	if m.SenderID != me.UserID {
		return models.Chat{}, models.Message{}, models.ErrNotSender
	}
	if m.IsDeleted() {
		return c, m, models.ErrDeleted
	}
	if s.now().Sub(m.CreatedAt) > window {
		return models.Chat{}, models.Message{}, models.ErrExpired
	}
	return c, m, nil
}

// EditMessage replaces the text of the caller's message. The window is
// measured from the original creation, so repeated edits do not extend it.
// The new text is sealed under the current encryption policy.
func (s *Service) EditMessage(ctx context.Context, me models.Identity, chatID, messageID, text string) (err error) {
	defer observe("edit", &err)

	if err := content.ValidateMessage(text); err != nil {
		return models.Invalid(err.Error())
	}
	c, m, err := s.ownMessage(ctx, me, chatID, messageID, models.EditWindow)
	if err != nil {
		return err
	}

	b := body{Text: text}
	if c.Type == models.ChatTypeDirect {
		sender, receiver, err := s.directPeers(ctx, me, c)
		if err != nil {
			return err
		}
		b, _, err = s.seal(c, sender, receiver, text)
		if err != nil {
			return err
		}
	}

	ops := append(b.ops(),
		docstore.Set("isEdited", true),
		docstore.ServerTime("editedAt"),
	)
	if err := s.store.Update(ctx, docstore.Messages(c.ID), m.ID, ops...); err != nil {
		return notFound(err, "message")
	}
	return nil
}

func tombstone() []docstore.Op {
	return append(body{Text: models.DeletedText}.ops(), docstore.ServerTime("deletedAt"))
}

// DeleteMessage tombstones the caller's message. Deleting a tombstone is a
// no-op.
func (s *Service) DeleteMessage(ctx context.Context, me models.Identity, chatID, messageID string) (err error) {
	defer observe("delete", &err)

	_, m, err := s.ownMessage(ctx, me, chatID, messageID, models.DeleteWindow)
	if errors.Is(err, models.ErrDeleted) {
		return nil
	}
	if err != nil {
		return err
	}
	if err := s.store.Update(ctx, docstore.Messages(chatID), m.ID, tombstone()...); err != nil {
		return notFound(err, "message")
	}
	return nil
}

func (s *Service) reactable(ctx context.Context, me models.Identity, chatID, messageID, emoji string) (models.Message, error) {
	if err := content.ValidateEmoji(emoji); err != nil {
		return models.Message{}, models.Invalid(err.Error())
	}
	if _, err := s.memberChat(ctx, me, chatID); err != nil {
		return models.Message{}, err
	}
	return s.loadMessage(ctx, chatID, messageID)
}

// AddReaction is idempotent: reacting twice keeps a single membership.
func (s *Service) AddReaction(ctx context.Context, me models.Identity, chatID, messageID, emoji string) (err error) {
	defer observe("react", &err)

	m, err := s.reactable(ctx, me, chatID, messageID, emoji)
	if err != nil {
		return err
	}
	if m.IsDeleted() {
		return models.ErrDeleted
	}
	op := docstore.ArrayUnion(docstore.Path("reactions", emoji), me.UserID)
	if err := s.store.Update(ctx, docstore.Messages(chatID), m.ID, op); err != nil {
		return notFound(err, "message")
	}
	return nil
}

// RemoveReaction of an absent membership is a no-op.
func (s *Service) RemoveReaction(ctx context.Context, me models.Identity, chatID, messageID, emoji string) (err error) {
	defer observe("unreact", &err)

	m, err := s.reactable(ctx, me, chatID, messageID, emoji)
	if err != nil {
		return err
	}
	op := docstore.ArrayRemove(docstore.Path("reactions", emoji), me.UserID)
	if err := s.store.Update(ctx, docstore.Messages(chatID), m.ID, op); err != nil {
		return notFound(err, "message")
	}
	return nil
}

func (s *Service) PinMessage(ctx context.Context, me models.Identity, chatID, messageID string, pinned bool) (err error) {
	defer observe("pin_message", &err)

	if _, err := s.memberChat(ctx, me, chatID); err != nil {
		return err
	}
	m, err := s.loadMessage(ctx, chatID, messageID)
	if err != nil {
		return err
	}
	if pinned && m.IsDeleted() {
		return models.ErrDeleted
	}
	if err := s.store.Update(ctx, docstore.Messages(chatID), m.ID, docstore.Set("isPinned", pinned)); err != nil {
		return notFound(err, "message")
	}
	return nil
}

// ForwardResult holds the outcome per destination chat. A nil error means
// the message was forwarded.
type ForwardResult struct {
	Destinations map[string]error
}

func (r ForwardResult) Failed() []string {
	var failed []string
	for id, err := range r.Destinations {
		if err != nil {
			failed = append(failed, id)
		}
	}
	return failed
}

func (r ForwardResult) Outcomes() map[string]models.Outcome {
	out := make(map[string]models.Outcome, len(r.Destinations))
	for id, err := range r.Destinations {
		out[id] = models.OutcomeOf(err)
	}
	return out
}

// forwardBody is the body a forwarded copy carries. It is copied verbatim:
// an encrypted body stays sealed for the original pair of participants.
func forwardBody(m models.Message) body {
	return body{
		Text:            m.Text,
		IsEncrypted:     m.IsEncrypted,
		IV:              m.IV,
		SenderPublicKey: m.SenderPublicKey,
	}
}

// ForwardMessage copies a message into every destination chat. The source is
// checked before any write. Destinations are independent: one failing does
// not stop the others.
func (s *Service) ForwardMessage(ctx context.Context, me models.Identity, fromChatID, messageID string, toChatIDs []string) (result ForwardResult, err error) {
	defer observe("forward", &err)

	if _, err := s.memberChat(ctx, me, fromChatID); err != nil {
		return ForwardResult{}, err
	}
	m, err := s.loadMessage(ctx, fromChatID, messageID)
	if err != nil {
		return ForwardResult{}, err
	}
	if m.IsDeleted() {
		return ForwardResult{}, models.Reject(models.ReasonDeleted, "cannot forward a deleted message")
	}

	destinations := uniqueIDs(toChatIDs)
	if len(destinations) == 0 {
		return ForwardResult{}, models.Invalid("no destination chats")
	}

	result = ForwardResult{Destinations: make(map[string]error, len(destinations))}
	var mu sync.Mutex
	g := new(errgroup.Group)
	g.SetLimit(forwardParallelism)
	for _, chatID := range destinations {
		g.Go(func() error {
			err := s.forwardTo(ctx, me, chatID, fromChatID, m)
			if err != nil {
				slog.Warn("forward failed", "user_id", me.UserID, "chat_id", chatID, "error", err)
			}
			mu.Lock()
			result.Destinations[chatID] = err
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return result, nil
}

func (s *Service) forwardTo(ctx context.Context, me models.Identity, chatID, fromChatID string, m models.Message) error {
	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	out := outgoing{body: forwardBody(m), forwardedFrom: fromChatID}
	if c.Type == models.ChatTypeDirect {
		_, receiver, err := s.directPeers(ctx, me, c)
		if err != nil {
			return err
		}
		out.receiverID = receiver.ID
	}
	_, err = s.deliver(ctx, me, c, out)
	return err
}

// MarkMessagesAsRead zeroes the caller's unread counter and flags the
// incoming messages in the recent window as read. Status
// flags are best effort.
func (s *Service) MarkMessagesAsRead(ctx context.Context, me models.Identity, chatID string) (err error) {
	defer observe("read", &err)

	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return err
	}
	if err := s.store.Update(ctx, docstore.Chats, c.ID, docstore.Set(docstore.Path("unreadCounts", me.UserID), 0)); err != nil {
		return notFound(err, "chat")
	}

	// Group messages are addressed to every participant, so the window is
	// filtered by sender instead.
	q := docstore.NewQuery()
	if c.Type == models.ChatTypeDirect {
		q = q.Where("receiverId", docstore.Eq, me.UserID)
	}
	q = q.OrderBy("createdAt", docstore.Desc).Limit(s.readWindow)
	messages, err := docstore.QueryAs[models.Message](ctx, s.store, docstore.Messages(c.ID), q)
	if err != nil {
		slog.Warn("failed to load messages to mark read", "chat_id", c.ID, "error", err)
		return nil
	}
	for _, m := range messages {
		if m.SenderID == me.UserID || m.Status == models.MessageStatusRead {
			continue
		}
		if err := s.store.Update(ctx, docstore.Messages(c.ID), m.ID, docstore.Set("status", models.MessageStatusRead)); err != nil {
			slog.Warn("failed to mark message read", "chat_id", c.ID, "message_id", m.ID, "error", err)
		}
	}
	return nil
}

// ClearChatHistory tombstones every message of the chat. In groups only
// admins may clear. It returns the number of messages tombstoned.
func (s *Service) ClearChatHistory(ctx context.Context, me models.Identity, chatID string) (cleared int, err error) {
	defer observe("clear_history", &err)

	c, err := s.memberChat(ctx, me, chatID)
	if err != nil {
		return 0, err
	}
	if c.Type == models.ChatTypeGroup && !c.IsAdmin(me.UserID) {
		return 0, models.ErrNotAdmin
	}

	messages, err := docstore.QueryAs[models.Message](ctx, s.store, docstore.Messages(c.ID), docstore.NewQuery())
	if err != nil {
		return 0, err
	}
	for _, m := range messages {
		if m.IsDeleted() {
			continue
		}
		if err := s.store.Update(ctx, docstore.Messages(c.ID), m.ID, tombstone()...); err != nil {
			return cleared, fmt.Errorf("failed to clear message %s: %w", m.ID, err)
		}
		cleared++
	}
	if err := s.store.Update(ctx, docstore.Chats, c.ID, docstore.Unset("lastMessage"), docstore.Unset("lastMessageSender")); err != nil {
		return cleared, notFound(err, "chat")
	}
	return cleared, nil
}

func uniqueIDs(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	return out
}
