// Package registry tracks live transport sessions and the delivery rooms
// they belong to. A session moves through Connecting -> Registered ->
// Joined(chat)* -> Closed; rooms are per-identity and per-chat scopes the
// router fans events out to.
package registry

import (
	"sync"

	"chatok/internal/models"

	"github.com/google/uuid"
)

// sendQueueSize bounds the per-session outbound queue. On overflow the
// oldest queued event is dropped so a slow recipient never blocks routing.
const sendQueueSize = 64

// Session is one live transport connection, owned by exactly one identity
// for its duration. Created on connect, destroyed on disconnect, never
// persisted.
type Session struct {
	ID string

	// identityID and closed are guarded by the owning registry's mutex.
	identityID string
	closed     bool

	send chan models.ServerEvent
}

// Events returns the session's outbound delivery channel. It is closed
// when the session is unregistered.
func (s *Session) Events() <-chan models.ServerEvent {
	return s.send
}

type Registry struct {
	mu sync.RWMutex

	sessions      map[string]*Session
	identityRooms map[string]map[*Session]struct{}
	chatRooms     map[string]map[*Session]struct{}

	// joined remembers which chat rooms a session entered so Unregister
	// can leave them all without scanning every room.
	joined map[*Session]map[string]struct{}
}

func New() *Registry {
	return &Registry{
		sessions:      make(map[string]*Session),
		identityRooms: make(map[string]map[*Session]struct{}),
		chatRooms:     make(map[string]map[*Session]struct{}),
		joined:        make(map[*Session]map[string]struct{}),
	}
}

// NewSession creates a session in the Connecting state. It receives no
// events until Register binds it to an identity.
func (r *Registry) NewSession() *Session {
	s := &Session{
		ID:   uuid.NewString(),
		send: make(chan models.ServerEvent, sendQueueSize),
	}

	r.mu.Lock()
	r.sessions[s.ID] = s
	r.mu.Unlock()

	return s
}

// Register binds the session to its identity room and acknowledges with a
// connected event on that session only. Idempotent per session; a repeated
// register re-sends the ack but does not duplicate the room binding.
func (r *Registry) Register(s *Session, identityID string) error {
	if identityID == "" {
		return models.ErrMalformedEvent
	}

	r.mu.Lock()
	if _, ok := r.sessions[s.ID]; !ok || s.closed {
		r.mu.Unlock()
		return models.ErrUnknownSession
	}

	if s.identityID != "" && s.identityID != identityID {
		// Rebinding to another identity leaves the old room first.
		if room, ok := r.identityRooms[s.identityID]; ok {
			delete(room, s)
			if len(room) == 0 {
				delete(r.identityRooms, s.identityID)
			}
		}
	}
	s.identityID = identityID

	room, ok := r.identityRooms[identityID]
	if !ok {
		room = make(map[*Session]struct{})
		r.identityRooms[identityID] = room
	}
	room[s] = struct{}{}
	r.mu.Unlock()

	r.Deliver(s, models.ServerEvent{Event: models.EventConnected})
	return nil
}

// Join adds the session to a chat room. Joining merely enables receipt;
// membership is checked by the router at emit time, not here. Requires a
// prior Register.
func (r *Registry) Join(s *Session, chatID string) error {
	if chatID == "" {
		return models.ErrMalformedEvent
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok || s.closed {
		return models.ErrUnknownSession
	}
	if s.identityID == "" {
		return models.ErrUnknownSession
	}

	room, ok := r.chatRooms[chatID]
	if !ok {
		room = make(map[*Session]struct{})
		r.chatRooms[chatID] = room
	}
	room[s] = struct{}{}

	chats, ok := r.joined[s]
	if !ok {
		chats = make(map[string]struct{})
		r.joined[s] = chats
	}
	chats[chatID] = struct{}{}

	return nil
}

// Unregister removes the session from every room it belonged to and closes
// its delivery channel. Idempotent; calling it for an unknown or already
// closed session is a no-op. Disconnect races are expected.
func (r *Registry) Unregister(s *Session) {
	if s == nil {
		return
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return
	}
	delete(r.sessions, s.ID)

	if s.identityID != "" {
		if room, ok := r.identityRooms[s.identityID]; ok {
			delete(room, s)
			if len(room) == 0 {
				delete(r.identityRooms, s.identityID)
			}
		}
	}

	for chatID := range r.joined[s] {
		if room, ok := r.chatRooms[chatID]; ok {
			delete(room, s)
			if len(room) == 0 {
				delete(r.chatRooms, chatID)
			}
		}
	}
	delete(r.joined, s)

	if !s.closed {
		s.closed = true
		close(s.send)
	}
}

// Deliver queues an event on the session without ever blocking. If the
// queue is full the oldest queued event is dropped to make room.
func (r *Registry) Deliver(s *Session, ev models.ServerEvent) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[s.ID]; !ok || s.closed {
		return
	}

	select {
	case s.send <- ev:
	default:
		select {
		case <-s.send:
		default:
		}
		select {
		case s.send <- ev:
		default:
		}
	}
}

// IdentitySessions returns a snapshot of the live sessions registered to
// the identity. An empty result is normal: the identity is offline.
func (r *Registry) IdentitySessions(identityID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.identityRooms[identityID]
	sessions := make([]*Session, 0, len(room))
	for s := range room {
		sessions = append(sessions, s)
	}
	return sessions
}

// ChatSessions returns a snapshot of the sessions that joined the chat room.
func (r *Registry) ChatSessions(chatID string) []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	room := r.chatRooms[chatID]
	sessions := make([]*Session, 0, len(room))
	for s := range room {
		sessions = append(sessions, s)
	}
	return sessions
}

// IdentityOf returns the identity a session is registered to, if any.
func (r *Registry) IdentityOf(s *Session) (string, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if _, ok := r.sessions[s.ID]; !ok {
		return "", false
	}
	return s.identityID, s.identityID != ""
}

// Online reports whether the identity has at least one live session.
func (r *Registry) Online(identityID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.identityRooms[identityID]) > 0
}
