package ws

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"secchat/internal/chat"
	"secchat/internal/models"
	"secchat/internal/presence"
	"secchat/internal/syncer"
	"secchat/internal/view"
)

const outBuffer = 8

// Drafts is the local draft storage the bridge reads on open and writes on
// every draft intent.
type Drafts interface {
	SaveDraft(userID, chatID, text string) error
	Draft(userID, chatID string) (string, error)
}

type Config struct {
	Chats    *chat.Service
	Syncer   *syncer.Adapter
	Presence *presence.Tracker
	Drafts   Drafts
}

// Hub routes intents of connected UIs to the core and pushes their views
// back. Every connection is a consumer with one chat list subscription and
// at most one open chat.
type Hub struct {
	chats    *chat.Service
	syncer   *syncer.Adapter
	presence *presence.Tracker
	drafts   Drafts

	mu      sync.Mutex
	clients map[string]*client
}

type client struct {
	ctx  context.Context
	me   models.Identity
	out  chan ServerFrame
	done chan struct{}

	mu   sync.Mutex
	open *syncer.Subscription[[]view.MessageView]
}

// OpenData is the result payload of an open intent.
type OpenData struct {
	Draft string `json:"draft,omitempty"`
}

func NewHub(config Config) *Hub {
	return &Hub{
		chats:    config.Chats,
		syncer:   config.Syncer,
		presence: config.Presence,
		drafts:   config.Drafts,
		clients:  make(map[string]*client),
	}
}

// Connected returns the number of joined consumers.
func (h *Hub) Connected() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// Active returns the number of live view subscriptions.
func (h *Hub) Active() int {
	return h.syncer.Active()
}

// Join registers consumer and starts pushing the chat list of me. Views
// stop when ctx is done or Leave is called.
func (h *Hub) Join(ctx context.Context, me models.Identity, consumer string) (<-chan ServerFrame, error) {
	sub, err := h.syncer.WatchChats(ctx, me, consumer)
	if err != nil {
		return nil, err
	}
	c := &client{
		ctx:  ctx,
		me:   me,
		out:  make(chan ServerFrame, outBuffer),
		done: make(chan struct{}),
	}

	h.mu.Lock()
	previous := h.clients[consumer]
	h.clients[consumer] = c
	h.mu.Unlock()
	if previous != nil {
		previous.stop()
	}

	go forward(c, sub, func(v []view.ChatView) ServerFrame {
		return ServerFrame{Type: FrameChats, Chats: v}
	})
	h.presence.Heartbeat(ctx, me)
	return c.out, nil
}

// Leave ends every subscription of consumer.
func (h *Hub) Leave(consumer string) {
	h.mu.Lock()
	c := h.clients[consumer]
	delete(h.clients, consumer)
	h.mu.Unlock()

	if c != nil {
		c.stop()
	}
	h.syncer.CancelConsumer(consumer)
}

func (c *client) stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	select {
	case <-c.done:
	default:
		close(c.done)
	}
	if c.open != nil {
		c.open.Cancel()
		c.open = nil
	}
}

func forward[T any](c *client, sub *syncer.Subscription[T], frame func(T) ServerFrame) {
	for v := range sub.C() {
		select {
		case c.out <- frame(v):
		case <-c.done:
			return
		}
	}
}

func (h *Hub) client(consumer string) *client {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.clients[consumer]
}

// Dispatch performs one intent and returns its result frame.
func (h *Hub) Dispatch(ctx context.Context, me models.Identity, consumer string, frame ClientFrame) ServerFrame {
	var (
		data any
		err  error
	)
	switch frame.Type {
	case IntentSend:
		var res chat.SendResult
		res, err = h.chats.SendMessage(ctx, me, chat.SendRequest{
			ChatID:     frame.ChatID,
			Text:       frame.Text,
			ReceiverID: frame.ReceiverID,
			ReplyToID:  frame.ReplyToID,
			ExpiresAt:  frame.ExpiresAt,
		})
		if err == nil {
			data = res
		}
	case IntentEdit:
		err = h.chats.EditMessage(ctx, me, frame.ChatID, frame.MessageID, frame.Text)
	case IntentDelete:
		err = h.chats.DeleteMessage(ctx, me, frame.ChatID, frame.MessageID)
	case IntentReact:
		err = h.chats.AddReaction(ctx, me, frame.ChatID, frame.MessageID, frame.Emoji)
	case IntentUnreact:
		err = h.chats.RemoveReaction(ctx, me, frame.ChatID, frame.MessageID, frame.Emoji)
	case IntentForward:
		var res chat.ForwardResult
		res, err = h.chats.ForwardMessage(ctx, me, frame.ChatID, frame.MessageID, frame.ToChatIDs)
		if err == nil {
			data = res.Outcomes()
		}
	case IntentOpen:
		data, err = h.open(me, consumer, frame.ChatID)
	case IntentClose:
		err = h.closeChat(consumer)
	case IntentTyping:
		if !me.Valid() {
			err = models.ErrNotAuthenticated
			break
		}
		h.presence.SetTyping(ctx, me, frame.ChatID, frame.Value)
	case IntentRead:
		err = h.chats.MarkMessagesAsRead(ctx, me, frame.ChatID)
	case IntentArchive:
		err = h.chats.SetArchived(ctx, me, frame.ChatID, frame.Value)
	case IntentMute:
		err = h.chats.SetMuted(ctx, me, frame.ChatID, frame.Value)
	case IntentPin:
		if frame.MessageID != "" {
			err = h.chats.PinMessage(ctx, me, frame.ChatID, frame.MessageID, frame.Value)
		} else {
			err = h.chats.SetPinned(ctx, me, frame.ChatID, frame.Value)
		}
	case IntentDraft:
		err = h.saveDraft(me, frame.ChatID, frame.Text)
	default:
		err = models.Invalid("unknown intent " + string(frame.Type))
	}

	if err != nil && !models.IsPolicy(err) {
		slog.Error("intent failed", "intent", frame.Type, "user_id", me.UserID, "chat_id", frame.ChatID, "error", err)
	}
	return result(frame, err, data)
}

// open replaces the open chat of consumer with chatID.
func (h *Hub) open(me models.Identity, consumer, chatID string) (any, error) {
	c := h.client(consumer)
	if c == nil {
		return nil, models.ErrNotAuthenticated
	}
	if chatID == "" {
		return nil, models.Invalid("chat id is required")
	}

	sub, err := h.syncer.WatchMessages(c.ctx, me, chatID, consumer)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	previous := c.open
	c.open = sub
	c.mu.Unlock()
	if previous != nil {
		previous.Cancel()
	}

	go forward(c, sub, func(v []view.MessageView) ServerFrame {
		return ServerFrame{Type: FrameMessages, ChatID: chatID, Messages: v}
	})

	draft, err := h.drafts.Draft(me.UserID, chatID)
	if err != nil && !errors.Is(err, models.ErrNotFound) {
		slog.Warn("failed to load draft", "user_id", me.UserID, "chat_id", chatID, "error", err)
	}
	return OpenData{Draft: draft}, nil
}

func (h *Hub) closeChat(consumer string) error {
	c := h.client(consumer)
	if c == nil {
		return models.ErrNotAuthenticated
	}
	c.mu.Lock()
	open := c.open
	c.open = nil
	c.mu.Unlock()
	if open != nil {
		open.Cancel()
	}
	return nil
}

func (h *Hub) saveDraft(me models.Identity, chatID, text string) error {
	if !me.Valid() {
		return models.ErrNotAuthenticated
	}
	if chatID == "" {
		return models.Invalid("chat id is required")
	}
	return h.drafts.SaveDraft(me.UserID, chatID, text)
}
