package ws

import (
	"context"
	"errors"
	"testing"
	"time"

	"chatok/internal/models"
	"chatok/internal/registry"
)

type mockWS struct {
	readCh      chan models.ClientEvent
	writeCh     chan any
	closeCh     chan struct{}
	closed      bool
	errToReturn error
}

func newMockWS() *mockWS {
	return &mockWS{
		readCh:  make(chan models.ClientEvent, 10),
		writeCh: make(chan any, 10),
		closeCh: make(chan struct{}),
	}
}

func (m *mockWS) Close() error {
	if m.closed {
		return nil
	}
	m.closed = true
	close(m.closeCh)
	return nil
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
	case ev, ok := <-m.readCh:
		if !ok {
			return errors.New("closed")
		}
		if ptr, ok := v.(*models.ClientEvent); ok {
			*ptr = ev
		}
		return nil
	case <-m.closeCh:
		return errors.New("connection closed")
	}
}

type mockRouter struct {
	reg     *registry.Registry
	eventCh chan models.ClientEvent
}

func (m *mockRouter) HandleEvent(s *registry.Session, ev models.ClientEvent) {
	if ev.Event == models.EventSetup && ev.Identity != nil {
		_ = m.reg.Register(s, ev.Identity.ID)
	}
	m.eventCh <- ev
}

func TestConnection_Lifecycle(t *testing.T) {
	reg := registry.New()
	router := &mockRouter{reg: reg, eventCh: make(chan models.ClientEvent, 10)}
	ws := newMockWS()
	identity := models.User{ID: "u1", Name: "Alice"}

	conn := NewConnection(reg, router, ws, identity)
	if conn == nil {
		t.Fatal("NewConnection returned nil")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error)
	go func() {
		done <- conn.Handle(ctx)
	}()

	// 1. Setup from the client; the spoofed identity in the payload is
	// replaced by the authenticated one.
	ws.readCh <- models.ClientEvent{
		Event:    models.EventSetup,
		Identity: &models.WireUser{ID: "intruder"},
	}

	select {
	case received := <-router.eventCh:
		if received.Identity == nil || received.Identity.ID != "u1" {
			t.Errorf("Router received wrong identity: %+v", received.Identity)
		}
	case <-time.After(1 * time.Second):
		t.Error("Router did not receive setup event")
	}

	// Register queued the connected ack, which the main loop flushes out.
	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Event != models.EventConnected {
			t.Errorf("Expected connected ack, got %s", ev.Event)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive connected ack")
	}

	// 2. Server -> client delivery.
	msg := &models.WireMessage{ID: "m1", Content: "hi back", Chat: models.WireChat{ID: "c1"}}
	reg.Deliver(conn.sess, models.ServerEvent{Event: models.EventMessageReceived, Message: msg})

	select {
	case received := <-ws.writeCh:
		ev, ok := received.(models.ServerEvent)
		if !ok {
			t.Fatalf("WS received wrong type: %T", received)
		}
		if ev.Message == nil || ev.Message.ID != "m1" {
			t.Errorf("WS received wrong message: %+v", ev)
		}
	case <-time.After(1 * time.Second):
		t.Error("WS did not receive server event")
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

	if !ws.closed {
		t.Error("WS Close not called")
	}
	if _, ok := reg.IdentityOf(conn.sess); ok {
		t.Error("Session still registered after Handle returned")
	}
}

func TestConnection_ReadError(t *testing.T) {
	reg := registry.New()
	router := &mockRouter{reg: reg, eventCh: make(chan models.ClientEvent, 10)}
	ws := newMockWS()

	conn := NewConnection(reg, router, ws, models.User{ID: "u2"})
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

	if !ws.closed {
		t.Error("WS Close not called")
	}
}

func TestConnection_UnregisterClosesDelivery(t *testing.T) {
	reg := registry.New()
	router := &mockRouter{reg: reg, eventCh: make(chan models.ClientEvent, 10)}
	ws := newMockWS()

	conn := NewConnection(reg, router, ws, models.User{ID: "u3"})

	done := make(chan error)
	go func() {
		done <- conn.Handle(context.Background())
	}()

	ws.readCh <- models.ClientEvent{
		Event:    models.EventSetup,
		Identity: &models.WireUser{ID: "u3"},
	}
	<-router.eventCh

	// An external unregister (rebind, shutdown) closes the delivery
	// channel, which ends the connection cleanly.
	reg.Unregister(conn.sess)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Handle returned error: %v", err)
		}
	case <-time.After(1 * time.Second):
		t.Error("Handle did not return after unregister")
	}
}
