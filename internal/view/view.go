// Package view materializes stored chats and messages for one viewer.
//
// Rendering never fails: bodies that cannot be decrypted are replaced by a
// placeholder, self-destructed messages are dropped and tombstones render
// their fixed text.
package view

import (
	"log/slog"
	"slices"
	"sort"
	"time"

	"secchat/internal/content"
	"secchat/internal/metrics"
	"secchat/internal/models"
)

const UndecryptablePlaceholder = "🔒 Unable to decrypt message"

type Decrypter interface {
	Decrypt(userID, ciphertext, iv, theirPublicKey string) (string, error)
}

// Profiles holds the user documents referenced by a snapshot, keyed by id.
type Profiles map[string]models.User

func (p Profiles) name(userID, fallback string) string {
	if u, ok := p[userID]; ok && u.DisplayName != "" {
		return u.DisplayName
	}
	return fallback
}

type MessageView struct {
	models.Message
	HTML          string `json:"html"`
	IsOwn         bool   `json:"isOwn"`
	DecryptFailed bool   `json:"decryptFailed,omitempty"`
}

type ChatView struct {
	ID                string             `json:"id"`
	Type              models.ChatType    `json:"type"`
	Title             string             `json:"title"`
	Description       string             `json:"description,omitempty"`
	Participants      []string           `json:"participants"`
	IsAdmin           bool               `json:"isAdmin,omitempty"`
	Peer              *models.User       `json:"peer,omitempty"`
	State             models.MemberState `json:"state"`
	LastMessage       string             `json:"lastMessage,omitempty"`
	LastMessageAt     time.Time          `json:"lastMessageAt"`
	LastMessageSender string             `json:"lastMessageSender,omitempty"`
	Typing            []string           `json:"typing,omitempty"`
}

type Renderer struct {
	crypto Decrypter
	now    func() time.Time
}

func NewRenderer(crypto Decrypter) *Renderer {
	return &Renderer{crypto: crypto, now: time.Now}
}

// Visible reports whether m is shown at all.
func (r *Renderer) Visible(m models.Message) bool {
	return !m.Expired(r.now())
}

// peerKey is the public key the viewer pairs with their own private key to
// open m. Own messages were sealed for the peer's current key, everything
// else with the key the sender pinned on the message.
func peerKey(me string, c models.Chat, m models.Message, profiles Profiles) string {
	if m.SenderID == me {
		return profiles[c.Peer(me)].PublicKey
	}
	if m.SenderPublicKey != "" {
		return m.SenderPublicKey
	}
	return profiles[m.SenderID].PublicKey
}

func (r *Renderer) body(me string, c models.Chat, m models.Message, profiles Profiles) (string, bool) {
	if m.IsDeleted() {
		return models.DeletedText, false
	}
	if !m.IsEncrypted {
		return m.Text, false
	}
	if r.crypto == nil {
		metrics.IncDecryptFailure()
		return UndecryptablePlaceholder, true
	}
	plain, err := r.crypto.Decrypt(me, m.Text, m.IV, peerKey(me, c, m, profiles))
	if err != nil {
		metrics.IncDecryptFailure()
		slog.Warn("failed to decrypt message", "user_id", me, "chat_id", c.ID, "message_id", m.ID, "error", err)
		return UndecryptablePlaceholder, true
	}
	return plain, false
}

// Message renders m for me. The second result is false for messages that
// are no longer visible.
func (r *Renderer) Message(me string, c models.Chat, m models.Message, profiles Profiles) (MessageView, bool) {
	if !r.Visible(m) {
		return MessageView{}, false
	}

	text, failed := r.body(me, c, m, profiles)
	v := MessageView{Message: m, IsOwn: m.SenderID == me, DecryptFailed: failed}
	v.Text = text
	v.SenderName = profiles.name(m.SenderID, m.SenderName)
	v.IV = ""
	v.SenderPublicKey = ""
	if m.IsDeleted() || failed {
		v.HTML = content.Escape(text)
	} else {
		v.HTML = content.Render(text)
	}
	if len(m.Reactions) > 0 {
		v.Reactions = make(map[string][]string, len(m.Reactions))
		for emoji, users := range m.Reactions {
			if len(users) > 0 {
				v.Reactions[emoji] = users
			}
		}
	}
	return v, true
}

// Messages renders a message list ascending by creation time. Reply
// snapshots pointing at a message tombstoned since are shown as deleted.
func (r *Renderer) Messages(me string, c models.Chat, msgs []models.Message, profiles Profiles) []MessageView {
	deleted := make(map[string]bool)
	for _, m := range msgs {
		if m.IsDeleted() {
			deleted[m.ID] = true
		}
	}

	views := make([]MessageView, 0, len(msgs))
	for _, m := range msgs {
		v, ok := r.Message(me, c, m, profiles)
		if !ok {
			continue
		}
		if v.ReplyTo != nil && deleted[v.ReplyTo.MessageID] {
			reply := *v.ReplyTo
			reply.Text = models.DeletedText
			v.ReplyTo = &reply
		}
		views = append(views, v)
	}
	sort.SliceStable(views, func(i, j int) bool {
		return views[i].CreatedAt.Before(views[j].CreatedAt)
	})
	return views
}

func (r *Renderer) typing(me string, c models.Chat, profiles Profiles) []string {
	now := r.now()
	var names []string
	for uid, at := range c.TypingUsers {
		if uid == me || !c.IsParticipant(uid) || now.Sub(at) > models.TypingTTL {
			continue
		}
		names = append(names, profiles.name(uid, uid))
	}
	slices.Sort(names)
	return names
}

func (r *Renderer) Chat(me string, c models.Chat, profiles Profiles) ChatView {
	v := ChatView{
		ID:                c.ID,
		Type:              c.Type,
		Title:             c.Name,
		Description:       c.Description,
		Participants:      c.Participants,
		IsAdmin:           c.IsAdmin(me),
		State:             c.MemberState(me),
		LastMessage:       c.LastMessage,
		LastMessageAt:     c.LastMessageAt,
		LastMessageSender: profiles.name(c.LastMessageSender, c.LastMessageSender),
		Typing:            r.typing(me, c, profiles),
	}
	if c.Type == models.ChatTypeDirect {
		if peer, ok := profiles[c.Peer(me)]; ok {
			visible := peer.VisibleTo(me)
			v.Peer = &visible
			v.Title = visible.DisplayName
		}
	}
	return v
}

// Chats renders and sorts the whole chat list.
func (r *Renderer) Chats(me string, chats []models.Chat, profiles Profiles) []ChatView {
	views := make([]ChatView, 0, len(chats))
	for _, c := range chats {
		views = append(views, r.Chat(me, c, profiles))
	}
	SortChats(views)
	return views
}

// SortChats orders pinned chats first, then by latest activity.
func SortChats(views []ChatView) {
	sort.SliceStable(views, func(i, j int) bool {
		a, b := views[i], views[j]
		if a.State.Pinned != b.State.Pinned {
			return a.State.Pinned
		}
		return a.LastMessageAt.After(b.LastMessageAt)
	})
}
