// Package router translates validated client events into the precise set of
// recipient sessions and delivers each event once per session.
package router

import (
	"log/slog"

	"chatok/internal/membership"
	"chatok/internal/models"
	"chatok/internal/registry"
)

// ChatGetter resolves a chat record for events that carry only a chat id.
type ChatGetter interface {
	GetChat(id string) (models.Chat, error)
}

// Notifier nudges identities that have no live session when a message is
// fanned out. Implementations must not block.
type Notifier interface {
	NotifyOffline(msg models.WireMessage, identityIDs []string)
}

type Router struct {
	reg   *registry.Registry
	chats ChatGetter
	push  Notifier
}

// New creates a router over the given registry. chats resolves typing-event
// chat ids; push may be nil to disable offline nudges.
func New(reg *registry.Registry, chats ChatGetter, push Notifier) *Router {
	return &Router{reg: reg, chats: chats, push: push}
}

// HandleEvent consumes one inbound event from a session. Malformed events
// are dropped and logged; no error here is fatal to the connection.
func (rt *Router) HandleEvent(s *registry.Session, ev models.ClientEvent) {
	switch ev.Event {
	case models.EventSetup:
		if ev.Identity == nil || ev.Identity.ID == "" {
			slog.Warn("dropping setup without identity", "session", s.ID)
			return
		}
		if err := rt.reg.Register(s, ev.Identity.ID); err != nil {
			slog.Warn("setup failed", "session", s.ID, "error", err)
		}

	case models.EventJoinChat:
		if err := rt.reg.Join(s, ev.ChatID); err != nil {
			slog.Warn("join_chat failed", "session", s.ID, "chat_id", ev.ChatID, "error", err)
		}

	case models.EventTyping, models.EventStopTyping:
		rt.fanoutTyping(s, ev)

	case models.EventNewMessage:
		rt.fanoutMessage(s, ev)

	default:
		slog.Warn("dropping unknown event", "event", ev.Event, "session", s.ID)
	}
}

// fanoutTyping delivers a typing signal to the sessions joined to the chat
// room, scoped to chat members and excluding every session of the sender's
// identity. The sender already debounces, so the signal is relayed as-is.
func (rt *Router) fanoutTyping(s *registry.Session, ev models.ClientEvent) {
	sender, ok := rt.reg.IdentityOf(s)
	if !ok {
		slog.Warn("dropping typing from unregistered session", "session", s.ID)
		return
	}
	if ev.ChatID == "" {
		slog.Warn("dropping typing without chat id", "session", s.ID)
		return
	}

	chat, err := rt.chats.GetChat(ev.ChatID)
	if err != nil {
		slog.Warn("dropping typing for unresolvable chat", "chat_id", ev.ChatID, "error", err)
		return
	}
	members, err := membership.MembersOf(chat)
	if err != nil {
		slog.Warn("dropping typing for chat without members", "chat_id", ev.ChatID, "error", err)
		return
	}

	out := models.ServerEvent{Event: ev.Event, ChatID: ev.ChatID}
	for _, sess := range rt.reg.ChatSessions(ev.ChatID) {
		id, ok := rt.reg.IdentityOf(sess)
		if !ok || id == sender {
			continue
		}
		if _, member := members[id]; !member {
			continue
		}
		rt.reg.Deliver(sess, out)
	}
}

// fanoutMessage delivers message_received to every registered session of
// every member identity, excluding only the originating session. The
// sender's other sessions receive the event too, so multi-session clients
// stay in sync. The message was persisted by the caller before this event
// was emitted; the router never writes.
func (rt *Router) fanoutMessage(s *registry.Session, ev models.ClientEvent) {
	sender, ok := rt.reg.IdentityOf(s)
	if !ok {
		slog.Warn("dropping new_message from unregistered session", "session", s.ID)
		return
	}
	if ev.Message == nil {
		slog.Warn("dropping new_message without payload", "session", s.ID)
		return
	}

	members, err := membership.MembersOf(ev.Message.Chat.Chat())
	if err != nil {
		slog.Warn("dropping new_message for chat without members",
			"chat_id", ev.Message.Chat.ID, "message_id", ev.Message.ID, "error", err)
		return
	}

	out := models.ServerEvent{Event: models.EventMessageReceived, Message: ev.Message}

	var offline []string
	for id := range members {
		sessions := rt.reg.IdentitySessions(id)
		if len(sessions) == 0 {
			if id != sender {
				offline = append(offline, id)
			}
			continue
		}
		for _, sess := range sessions {
			if sess == s {
				continue
			}
			rt.reg.Deliver(sess, out)
		}
	}

	// Offline members get an out-of-band nudge only; missed events are
	// recovered through the next history fetch, never replayed here.
	if rt.push != nil && len(offline) > 0 {
		go rt.push.NotifyOffline(*ev.Message, offline)
	}
}
