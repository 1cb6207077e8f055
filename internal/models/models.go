package models

import (
	"slices"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	// EditWindow is measured from the original creation time, not from the last edit.
	EditWindow   = 15 * time.Minute
	DeleteWindow = 60 * time.Minute

	DeletedText = "This message was deleted"

	// EncryptedPreview replaces encrypted bodies wherever a plaintext copy
	// would be stored, such as the chat list preview and reply snapshots.
	EncryptedPreview = "🔒 Encrypted message"

	previewLength = 100

	// TypingTTL is how long a typing indicator stays visible without a refresh.
	TypingTTL = 5 * time.Second

	// AllParticipants is the receiver of group messages.
	AllParticipants = "all"
)

// Identity is the caller of a core operation.
type Identity struct {
	UserID      string `json:"userId"`
	DisplayName string `json:"displayName"`
}

func (i Identity) Valid() bool {
	return i.UserID != ""
}

type PrivacyLevel string

const (
	PrivacyEveryone PrivacyLevel = "everyone"
	PrivacyNobody   PrivacyLevel = "nobody"
)

// PrivacySettings controls what other users may see. Empty level means everyone.
type PrivacySettings struct {
	LastSeen PrivacyLevel `bson:"lastSeen,omitempty" json:"lastSeen,omitempty"`
	Photo    PrivacyLevel `bson:"photo,omitempty" json:"photo,omitempty"`
	Online   PrivacyLevel `bson:"online,omitempty" json:"online,omitempty"`
}

// User represents a user profile document.
type User struct {
	ID              string          `bson:"_id" json:"id"`
	DisplayName     string          `bson:"displayName" json:"displayName"`
	SearchName      string          `bson:"searchName" json:"-"`
	Email           string          `bson:"email" json:"email,omitempty"`
	PhotoURL        string          `bson:"photoURL,omitempty" json:"photoURL,omitempty"`
	IsOnline        bool            `bson:"isOnline" json:"isOnline"`
	LastSeen        time.Time       `bson:"lastSeen,omitempty" json:"lastSeen,omitempty"`
	CreatedAt       time.Time       `bson:"createdAt,omitempty" json:"createdAt,omitempty"`
	PublicKey       string          `bson:"publicKey,omitempty" json:"publicKey,omitempty"`
	BlockedUsers    []string        `bson:"blockedUsers,omitempty" json:"blockedUsers,omitempty"`
	PrivacySettings PrivacySettings `bson:"privacySettings" json:"privacySettings"`
}

// HasBlocked reports whether u blocked userID.
func (u User) HasBlocked(userID string) bool {
	return slices.Contains(u.BlockedUsers, userID)
}

// VisibleTo returns a copy of the profile with the fields the viewer
// is not allowed to see cleared. The owner sees everything.
func (u User) VisibleTo(viewerID string) User {
	if viewerID == u.ID {
		return u
	}
	v := u
	v.Email = ""
	v.BlockedUsers = nil
	if u.PrivacySettings.LastSeen == PrivacyNobody {
		v.LastSeen = time.Time{}
	}
	if u.PrivacySettings.Online == PrivacyNobody {
		v.IsOnline = false
	}
	if u.PrivacySettings.Photo == PrivacyNobody {
		v.PhotoURL = ""
	}
	return v
}

// SearchName is the sortable form of a display name used for prefix search.
func SearchName(displayName string) string {
	return strings.ToLower(strings.TrimSpace(displayName))
}

// Preview shortens a message body for the chat list.
func Preview(text string) string {
	if utf8.RuneCountInString(text) <= previewLength {
		return text
	}
	runes := []rune(text)
	return string(runes[:previewLength]) + "…"
}

type ChatType string

const (
	ChatTypeDirect ChatType = "direct"
	ChatTypeGroup  ChatType = "group"
)

// PerUser is a userID keyed map where a missing entry reads as the zero value.
type PerUser[V any] map[string]V

func (p PerUser[V]) Get(userID string) V {
	return p[userID]
}

// MemberState is the per-user view of a chat.
type MemberState struct {
	Unread   int  `json:"unread"`
	Archived bool `json:"archived"`
	Muted    bool `json:"muted"`
	Pinned   bool `json:"pinned"`
	Deleted  bool `json:"deleted"`
}

// Chat represents a chat document.
type Chat struct {
	ID           string   `bson:"_id" json:"id"`
	Type         ChatType `bson:"type" json:"type"`
	Participants []string `bson:"participants" json:"participants"`

	// Group only.
	Name        string   `bson:"name,omitempty" json:"name,omitempty"`
	Description string   `bson:"description,omitempty" json:"description,omitempty"`
	Admins      []string `bson:"admins,omitempty" json:"admins,omitempty"`

	CreatedBy string    `bson:"createdBy" json:"createdBy"`
	CreatedAt time.Time `bson:"createdAt,omitempty" json:"createdAt"`

	UnreadCounts   PerUser[int]       `bson:"unreadCounts" json:"-"`
	ArchivedStatus PerUser[bool]      `bson:"archivedStatus" json:"-"`
	MutedStatus    PerUser[bool]      `bson:"mutedStatus" json:"-"`
	PinnedStatus   PerUser[bool]      `bson:"pinnedStatus" json:"-"`
	DeletedBy      PerUser[bool]      `bson:"deletedBy" json:"-"`
	TypingUsers    PerUser[time.Time] `bson:"typingUsers,omitempty" json:"-"`

	LastMessage       string    `bson:"lastMessage,omitempty" json:"lastMessage,omitempty"`
	LastMessageAt     time.Time `bson:"lastMessageAt,omitempty" json:"lastMessageAt"`
	LastMessageSender string    `bson:"lastMessageSender,omitempty" json:"lastMessageSender,omitempty"`
}

func (c Chat) IsParticipant(userID string) bool {
	return slices.Contains(c.Participants, userID)
}

func (c Chat) IsAdmin(userID string) bool {
	return slices.Contains(c.Admins, userID)
}

// Others returns every participant except userID.
func (c Chat) Others(userID string) []string {
	others := make([]string, 0, len(c.Participants))
	for _, p := range c.Participants {
		if p != userID {
			others = append(others, p)
		}
	}
	return others
}

// Peer returns the other participant of a direct chat.
func (c Chat) Peer(userID string) string {
	if c.Type != ChatTypeDirect {
		return ""
	}
	for _, p := range c.Participants {
		if p != userID {
			return p
		}
	}
	return ""
}

func (c Chat) MemberState(userID string) MemberState {
	return MemberState{
		Unread:   c.UnreadCounts.Get(userID),
		Archived: c.ArchivedStatus.Get(userID),
		Muted:    c.MutedStatus.Get(userID),
		Pinned:   c.PinnedStatus.Get(userID),
		Deleted:  c.DeletedBy.Get(userID),
	}
}

type MessageStatus string

const (
	MessageStatusSent      MessageStatus = "sent"
	MessageStatusDelivered MessageStatus = "delivered"
	MessageStatusRead      MessageStatus = "read"
)

// ReplySnapshot is copied from the replied message at send time.
type ReplySnapshot struct {
	MessageID  string `bson:"messageId" json:"messageId"`
	Text       string `bson:"text" json:"text"`
	SenderName string `bson:"senderName" json:"senderName"`
}

// Message represents a message document in chats/{chatId}/messages.
type Message struct {
	ID         string        `bson:"_id" json:"id"`
	ChatID     string        `bson:"chatId" json:"chatId"`
	SenderID   string        `bson:"senderId" json:"senderId"`
	SenderName string        `bson:"senderName,omitempty" json:"senderName,omitempty"`
	ReceiverID string        `bson:"receiverId" json:"receiverId"`
	Text       string        `bson:"text" json:"text"`
	CreatedAt  time.Time     `bson:"createdAt,omitempty" json:"createdAt"`
	Status     MessageStatus `bson:"status" json:"status"`

	IsEdited  bool       `bson:"isEdited,omitempty" json:"isEdited,omitempty"`
	EditedAt  *time.Time `bson:"editedAt,omitempty" json:"editedAt,omitempty"`
	DeletedAt *time.Time `bson:"deletedAt,omitempty" json:"deletedAt,omitempty"`
	IsPinned  bool       `bson:"isPinned,omitempty" json:"isPinned,omitempty"`

	ReplyTo       *ReplySnapshot      `bson:"replyTo,omitempty" json:"replyTo,omitempty"`
	Reactions     map[string][]string `bson:"reactions,omitempty" json:"reactions,omitempty"`
	ForwardedFrom string              `bson:"forwardedFrom,omitempty" json:"forwardedFrom,omitempty"`
	ExpiresAt     *time.Time          `bson:"expiresAt,omitempty" json:"expiresAt,omitempty"`

	IsEncrypted     bool   `bson:"isEncrypted" json:"isEncrypted"`
	IV              string `bson:"iv,omitempty" json:"iv,omitempty"`
	SenderPublicKey string `bson:"senderPublicKey,omitempty" json:"senderPublicKey,omitempty"`
}

func (m Message) IsDeleted() bool {
	return m.DeletedAt != nil
}

// Expired reports whether a self-destructing message is past its expiry.
func (m Message) Expired(now time.Time) bool {
	return m.ExpiresAt != nil && !now.Before(*m.ExpiresAt)
}

// Report is a user complaint about a message.
type Report struct {
	ID             string    `bson:"_id" json:"id"`
	ReporterID     string    `bson:"reporterId" json:"reporterId"`
	ChatID         string    `bson:"chatId" json:"chatId"`
	MessageID      string    `bson:"messageId" json:"messageId"`
	ReportedUserID string    `bson:"reportedUserId" json:"reportedUserId"`
	Reason         string    `bson:"reason" json:"reason"`
	CreatedAt      time.Time `bson:"createdAt,omitempty" json:"createdAt"`
}
