package models

import "errors"

var (
	ErrNotFound = errors.New("not found")

	// ErrMalformedEvent marks an inbound transport event whose chat or
	// identity cannot be resolved. Such events are dropped and logged,
	// never retried.
	ErrMalformedEvent = errors.New("malformed event")

	// ErrUnknownSession marks an operation on a session the registry does
	// not know about. Callers treat it as a no-op.
	ErrUnknownSession = errors.New("unknown session")

	ErrChatNotFound = errors.New("chat not found")
	ErrEmptyContent = errors.New("message content is empty")
)

type ChatKind string

const (
	ChatKindDirect ChatKind = "direct"
	ChatKindGroup  ChatKind = "group"
)

// User represents a registered identity. Referenced by id from other
// entities, never embedded.
type User struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Email     string `json:"email"`
	AvatarURL string `json:"avatarUrl"`
}

// Chat represents a conversation. Direct chats have exactly two members and
// are unique per member pair; group chats have at least three members after
// the creator is added and carry a name and an admin.
type Chat struct {
	ID            string   `json:"id"`
	Kind          ChatKind `json:"kind"`
	Name          string   `json:"name,omitempty"`
	MemberIDs     []string `json:"memberIds"`
	AdminID       string   `json:"adminId,omitempty"`
	LastMessageID string   `json:"lastMessageId,omitempty"`
}

// Message is immutable after creation. Created only through storage, then
// broadcast; the real-time layer never writes.
type Message struct {
	ID        string   `json:"id"`
	ChatID    string   `json:"chatId"`
	SenderID  string   `json:"senderId"`
	Content   string   `json:"content"`
	HTML      string   `json:"html,omitempty"`
	CreatedAt int64    `json:"createdAt"` // Unix timestamp (seconds)
	ReadBy    []string `json:"readBy,omitempty"`
}

type EventType string

const (
	// Client to server.
	EventSetup      EventType = "setup"
	EventJoinChat   EventType = "join_chat"
	EventNewMessage EventType = "new_message"

	// Both directions.
	EventTyping     EventType = "typing"
	EventStopTyping EventType = "stop_typing"

	// Server to client.
	EventConnected       EventType = "connected"
	EventMessageReceived EventType = "message_received"
)

// WireUser is a user projection carried on transport events.
type WireUser struct {
	ID        string `json:"id"`
	Name      string `json:"name,omitempty"`
	AvatarURL string `json:"avatarUrl,omitempty"`
}

// WireChat is a chat projection with its member list resolved, as carried
// inside a new_message payload.
type WireChat struct {
	ID    string     `json:"id"`
	Kind  ChatKind   `json:"kind"`
	Name  string     `json:"name,omitempty"`
	Users []WireUser `json:"users"`
}

// Chat flattens the wire projection into the domain entity.
func (wc WireChat) Chat() Chat {
	c := Chat{
		ID:   wc.ID,
		Kind: wc.Kind,
		Name: wc.Name,
	}
	for _, u := range wc.Users {
		c.MemberIDs = append(c.MemberIDs, u.ID)
	}
	return c
}

// WireMessage is a message with chat and sender resolved, as emitted to
// recipients of a message_received event.
type WireMessage struct {
	ID        string   `json:"id"`
	Content   string   `json:"content"`
	HTML      string   `json:"html,omitempty"`
	CreatedAt int64    `json:"createdAt"`
	Sender    WireUser `json:"sender"`
	Chat      WireChat `json:"chat"`
}

// ClientEvent is the envelope for events sent by a client.
type ClientEvent struct {
	Event    EventType    `json:"event"`
	Identity *WireUser    `json:"identity,omitempty"`
	ChatID   string       `json:"chatId,omitempty"`
	Message  *WireMessage `json:"message,omitempty"`
}

// ServerEvent is the envelope for events delivered to a session.
type ServerEvent struct {
	Event   EventType    `json:"event"`
	ChatID  string       `json:"chatId,omitempty"`
	Message *WireMessage `json:"message,omitempty"`
}

// Notification is a transient client-side projection of a message that
// arrived while its chat was not focused. Keyed by message id.
type Notification struct {
	MessageID string      `json:"messageId"`
	Message   WireMessage `json:"message"`
}
