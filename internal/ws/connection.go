package ws

import (
	"context"
	"errors"
	"sync"

	"chatok/internal/models"
	"chatok/internal/registry"
)

type wsConnection interface {
	Close() error
	WriteJSON(v interface{}) error
	ReadJSON(v interface{}) error
}

type eventRouter interface {
	HandleEvent(s *registry.Session, ev models.ClientEvent)
}

type sessionRegistry interface {
	NewSession() *registry.Session
	Unregister(s *registry.Session)
}

// Connection drives one websocket for its whole lifetime: a read pump feeds
// inbound client events into the router, and the session's delivery channel
// is flushed back out. The session is unregistered when either side fails.
type Connection struct {
	ws       wsConnection
	router   eventRouter
	reg      sessionRegistry
	sess     *registry.Session
	identity models.User

	fromClient chan models.ClientEvent
	errorCh    chan error
}

func NewConnection(
	reg sessionRegistry,
	router eventRouter,
	ws wsConnection,
	identity models.User,
) *Connection {
	return &Connection{
		ws:         ws,
		router:     router,
		reg:        reg,
		sess:       reg.NewSession(),
		identity:   identity,
		fromClient: make(chan models.ClientEvent),
		errorCh:    make(chan error, 2),
	}
}

func (c *Connection) Handle(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		close(c.fromClient)
		close(c.errorCh)
		c.reg.Unregister(c.sess)
	}()

	var wg sync.WaitGroup
	wg.Go(func() {
		c.errorCh <- c.pumpEvents(ctx)
		cancel()
	})

	wg.Go(func() {
		c.errorCh <- c.mainLoop(ctx)
		cancel()
	})

	var err error
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

func (c *Connection) pumpEvents(ctx context.Context) error {
	for {
		var ev models.ClientEvent
		if err := c.ws.ReadJSON(&ev); err != nil {
			return err
		}
		select {
		case c.fromClient <- ev:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (c *Connection) mainLoop(ctx context.Context) error {
	for {
		select {
		case ev := <-c.fromClient:
			c.processClientEvent(ev)
		case ev, ok := <-c.sess.Events():
			if !ok {
				return nil
			}
			if err := c.ws.WriteJSON(ev); err != nil {
				return err
			}
		case <-ctx.Done():
			return nil
		}
	}
}

func (c *Connection) processClientEvent(ev models.ClientEvent) {
	if ev.Event == models.EventSetup {
		// The handshake already authenticated this connection; the setup
		// payload never overrides it.
		ev.Identity = &models.WireUser{
			ID:        c.identity.ID,
			Name:      c.identity.Name,
			AvatarURL: c.identity.AvatarURL,
		}
	}
	c.router.HandleEvent(c.sess, ev)
}
