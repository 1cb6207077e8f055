package ws

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"secchat/internal/models"
)

type mockWS struct {
	readCh      chan ClientFrame
	writeCh     chan any
	closeCh     chan struct{}
	mu          sync.Mutex
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan ClientFrame, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
}

func (m *mockWS) isClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *mockWS) WriteJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	m.writeCh <- v
	return nil
}

func (m *mockWS) ReadJSON(v any) error {
	if m.errToReturn != nil {
		return m.errToReturn
	}
	select {
	case frame, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*ClientFrame); ok {
			*ptr = frame
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockHub struct {
	joinCh     chan string
	leaveCh    chan string
	dispatchCh chan ClientFrame
	out        chan ServerFrame
	joinErr    error
}

func newMockHub() *mockHub {
	return &mockHub{
		joinCh:     make(chan string, 10),
		leaveCh:    make(chan string, 10),
		dispatchCh: make(chan ClientFrame, 10),
		out:        make(chan ServerFrame, 10),
	}
}

func (m *mockHub) Join(ctx context.Context, me models.Identity, consumer string) (<-chan ServerFrame, error) {
	if m.joinErr != nil {
		return nil, m.joinErr
	}
	m.joinCh <- me.UserID
	return m.out, nil
}

func (m *mockHub) Leave(consumer string) {
	m.leaveCh <- consumer
}

func (m *mockHub) Dispatch(ctx context.Context, me models.Identity, consumer string, frame ClientFrame) ServerFrame {
	m.dispatchCh <- frame
	return result(frame, nil, nil)
}

func TestConnection_Lifecycle(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()
	me := models.Identity{UserID: "user1"}

	conn := NewConnection(hub, ws, me)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	select {
	case id := <-hub.joinCh:
		if id != me.UserID {
			t.Errorf("Expected Join with %s, got %s", me.UserID, id)
		}
	case <-time.After(1 * time.Second):
		t.Fatal("Join not called")
	}

	// 1. Intent from client -> hub, answered with a result frame
	ws.readCh <- ClientFrame{ID: "req-1", Type: IntentSend, ChatID: "chat1", Text: "hello"}

	select {
	case received := <-hub.dispatchCh:
		if received.Text != "hello" {
			t.Errorf("Hub received wrong text: %v", received)
		}
	case <-time.After(1 * time.Second):
		t.Error("Hub did not receive dispatched intent")
	}

	select {
	case received := <-ws.writeCh:
		frame, ok := received.(ServerFrame)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if frame.Type != FrameResult || frame.ID != "req-1" || frame.Intent != IntentSend {
			t.Errorf("Unexpected result frame: %+v", frame)
		}
		if frame.Outcome == nil || !frame.Outcome.Success {
			t.Errorf("Expected successful outcome, got %+v", frame.Outcome)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive result frame")
	}

	// 2. Pushed view from hub -> client
	hub.out <- ServerFrame{Type: FrameMessages, ChatID: "chat1"}

	select {
	case received := <-ws.writeCh:
		frame, ok := received.(ServerFrame)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if frame.Type != FrameMessages || frame.ChatID != "chat1" {
			t.Errorf("WS received wrong frame: %+v", frame)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive pushed frame")
	}

	// 3. Stop
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after cancel")
	}

	select {
	case consumer := <-hub.leaveCh:
		if consumer != conn.consumer {
			t.Errorf("Expected Leave with %s, got %s", conn.consumer, consumer)
		}
	default:
		t.Error("Leave not called")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_WSError(t *testing.T) {
	hub := newMockHub()
	ws := newMockWS()

	conn := NewConnection(hub, ws, models.Identity{UserID: "user2"})

	ws.errToReturn = errors.New("read error")

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected error from Handle, got nil")
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return on error")
	}

	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
}

func TestConnection_JoinError(t *testing.T) {
	hub := newMockHub()
	hub.joinErr = models.ErrNotAuthenticated
	ws := newMockWS()

	err := NewConnection(hub, ws, models.Identity{}).Handle(context.Background())
	if !errors.Is(err, models.ErrNotAuthenticated) {
		t.Errorf("Expected not authenticated, got %v", err)
	}
	if !ws.isClosed() {
		t.Error("WS Close not called")
	}
	select {
	case <-hub.leaveCh:
		t.Error("Leave called without Join")
	default:
	}
}

func TestConsumersAreUnique(t *testing.T) {
	hub := newMockHub()
	a := NewConnection(hub, newMockWS(), models.Identity{UserID: "u"})
	b := NewConnection(hub, newMockWS(), models.Identity{UserID: "u"})
	if a.consumer == b.consumer {
		t.Errorf("Two connections share consumer %s", a.consumer)
	}
}
