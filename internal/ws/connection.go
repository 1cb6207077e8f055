package ws

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"secchat/internal/models"

	"github.com/google/uuid"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type messageHub interface {
	Join(ctx context.Context, me models.Identity, consumer string) (<-chan ServerFrame, error)
	Leave(consumer string)
	Dispatch(ctx context.Context, me models.Identity, consumer string, frame ClientFrame) ServerFrame
}

// Connection is one UI attached to the bridge.
type Connection struct {
	ws         wsConnection
	hub        messageHub
	me         models.Identity
	consumer   string
	fromClient chan ClientFrame
	errorCh    chan error
}

func NewConnection(
	hub messageHub,
	ws wsConnection,
	me models.Identity,
) *Connection {
	return &Connection{
		ws:         ws,
		hub:        hub,
		me:         me,
		consumer:   uuid.NewString(),
		fromClient: make(chan ClientFrame),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	fromServer, err := c.hub.Join(ctx, c.me, c.consumer)
	if err != nil {
		c.ws.Close()
		return fmt.Errorf("failed to join: %w", err)
	}
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.hub.Leave(c.consumer)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpMessages(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx, fromServer)
		cancel()
	})

	select {
	case err = <-c.errorCh:
	case <-ctx.Done():
	}
	c.ws.Close()
	wg.Wait()

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	return nil
}

func (c *Connection) pumpMessages(ctx context.Context) error {
	for {
		var frame ClientFrame
		if err := c.ws.ReadJSON(&frame); err != nil {
			return err
		}
		select {
		case c.fromClient <- frame:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context, fromServer <-chan ServerFrame) error {
	for {
		select {
		case frame := <-c.fromClient:
			if err := c.ws.WriteJSON(c.hub.Dispatch(ctx, c.me, c.consumer, frame)); err != nil {
				return err
			}
		case frame := <-fromServer:
			if err := c.ws.WriteJSON(frame); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}
