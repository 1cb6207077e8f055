package ws

import (
	"time"

	"secchat/internal/models"
	"secchat/internal/view"
)

// Intent is what the UI asks the core to do.
type Intent string

const (
	IntentSend    Intent = "send"
	IntentEdit    Intent = "edit"
	IntentDelete  Intent = "delete"
	IntentReact   Intent = "react"
	IntentUnreact Intent = "unreact"
	IntentForward Intent = "forward"
	IntentOpen    Intent = "open"
	IntentClose   Intent = "close"
	IntentTyping  Intent = "typing"
	IntentRead    Intent = "read"
	IntentArchive Intent = "archive"
	IntentMute    Intent = "mute"
	IntentPin     Intent = "pin"
	IntentDraft   Intent = "draft"
)

type FrameType string

const (
	FrameResult   FrameType = "result"
	FrameChats    FrameType = "chats"
	FrameMessages FrameType = "messages"
)

// ClientFrame carries one intent. ID is echoed back on the result frame.
type ClientFrame struct {
	ID         string     `json:"id,omitempty"`
	Type       Intent     `json:"type"`
	ChatID     string     `json:"chatId,omitempty"`
	MessageID  string     `json:"messageId,omitempty"`
	Text       string     `json:"text,omitempty"`
	ReceiverID string     `json:"receiverId,omitempty"`
	ReplyToID  string     `json:"replyToId,omitempty"`
	Emoji      string     `json:"emoji,omitempty"`
	ToChatIDs  []string   `json:"toChatIds,omitempty"`
	ExpiresAt  *time.Time `json:"expiresAt,omitempty"`
	// Value is the flag for typing, archive, mute and pin. For pin a
	// MessageID pins the message instead of the chat.
	Value bool `json:"value,omitempty"`
}

// ServerFrame is either the answer to an intent or a pushed view.
type ServerFrame struct {
	Type     FrameType          `json:"type"`
	ID       string             `json:"id,omitempty"`
	Intent   Intent             `json:"intent,omitempty"`
	ChatID   string             `json:"chatId,omitempty"`
	Outcome  *models.Outcome    `json:"outcome,omitempty"`
	Data     any                `json:"data,omitempty"`
	Chats    []view.ChatView    `json:"chats,omitempty"`
	Messages []view.MessageView `json:"messages,omitempty"`
}

func result(frame ClientFrame, err error, data any) ServerFrame {
	outcome := models.OutcomeOf(err)
	return ServerFrame{
		Type:    FrameResult,
		ID:      frame.ID,
		Intent:  frame.Type,
		ChatID:  frame.ChatID,
		Outcome: &outcome,
		Data:    data,
	}
}
