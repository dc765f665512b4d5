// Package reconcile holds the client-side state machine that decides, for
// each inbound event, whether it belongs to the currently focused chat
// (append to the transcript) or to a background chat (surface as a
// deduplicated notification), and owns the typing-indicator lifecycle.
package reconcile

import (
	"log/slog"
	"sync"
	"time"

	"chatok/internal/models"
)

// DefaultTypingInterval is the quiet period after the last keystroke before
// stop_typing is emitted.
const DefaultTypingInterval = 3 * time.Second

// Emitter sends client events over the transport.
type Emitter interface {
	JoinChat(chatID string)
	Typing(chatID string)
	StopTyping(chatID string)
}

// HistoryFetcher loads the persisted transcript of a chat. Focus changes
// always repopulate the transcript through it; events missed while
// disconnected are only ever recovered this way.
type HistoryFetcher interface {
	ListMessages(chatID string) ([]models.WireMessage, error)
}

type Config struct {
	Emitter Emitter
	History HistoryFetcher

	// TypingInterval overrides DefaultTypingInterval, mainly for tests.
	TypingInterval time.Duration
}

type Reconciler struct {
	mu sync.Mutex

	emitter  Emitter
	history  HistoryFetcher
	interval time.Duration

	connected     bool
	focusedChatID string
	transcript    []models.WireMessage

	// notifications keeps insertion order, newest first; seen guarantees
	// at most one entry per message id across duplicate deliveries.
	notifications []models.Notification
	seen          map[string]struct{}

	remoteTyping  bool
	typingLocally bool
	lastKeystroke time.Time
	timer         *time.Timer
	closed        bool

	now func() time.Time
}

func New(config Config) *Reconciler {
	interval := config.TypingInterval
	if interval <= 0 {
		interval = DefaultTypingInterval
	}
	return &Reconciler{
		emitter:  config.Emitter,
		history:  config.History,
		interval: interval,
		seen:     make(map[string]struct{}),
		now:      time.Now,
	}
}

// HandleEvent applies one inbound server event to local state.
func (r *Reconciler) HandleEvent(ev models.ServerEvent) {
	switch ev.Event {
	case models.EventConnected:
		r.handleConnected()
	case models.EventTyping:
		r.mu.Lock()
		r.remoteTyping = true
		r.mu.Unlock()
	case models.EventStopTyping:
		r.mu.Lock()
		r.remoteTyping = false
		r.mu.Unlock()
	case models.EventMessageReceived:
		if ev.Message == nil {
			slog.Warn("dropping message_received without payload")
			return
		}
		r.handleMessage(*ev.Message)
	}
}

// handleConnected runs on every connected ack, including reconnects. A
// reconnect must re-join the focused chat and re-fetch its history; events
// sent while disconnected are not replayed by the server.
func (r *Reconciler) handleConnected() {
	r.mu.Lock()
	r.connected = true
	chatID := r.focusedChatID
	r.mu.Unlock()

	if chatID == "" {
		return
	}
	if err := r.refetch(chatID); err != nil {
		slog.Warn("history refetch failed", "chat_id", chatID, "error", err)
	}
	r.emitter.JoinChat(chatID)
}

// handleMessage appends to the transcript when the message belongs to the
// focused chat (compared by chat id, never by object identity), otherwise
// records a notification keyed by message id. Duplicate delivery of the
// same message id never produces a second notification.
func (r *Reconciler) handleMessage(m models.WireMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.focusedChatID != "" && m.Chat.ID == r.focusedChatID {
		r.transcript = append(r.transcript, m)
		return
	}

	if _, dup := r.seen[m.ID]; dup {
		return
	}
	r.seen[m.ID] = struct{}{}
	r.notifications = append([]models.Notification{{MessageID: m.ID, Message: m}}, r.notifications...)
}

// Focus switches the open conversation: the transcript is repopulated from
// history, the chat room is joined, and any pending typing debounce is
// cancelled without emitting. Notifications persist across focus changes.
func (r *Reconciler) Focus(chat models.Chat) error {
	r.mu.Lock()
	r.focusedChatID = chat.ID
	r.remoteTyping = false
	r.cancelDebounceLocked()
	r.mu.Unlock()

	if err := r.refetch(chat.ID); err != nil {
		return err
	}
	r.emitter.JoinChat(chat.ID)
	return nil
}

// Blur closes the open conversation without dismissing anything.
func (r *Reconciler) Blur() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.focusedChatID = ""
	r.remoteTyping = false
	r.cancelDebounceLocked()
}

func (r *Reconciler) refetch(chatID string) error {
	messages, err := r.history.ListMessages(chatID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.focusedChatID != chatID {
		// Focus moved on while the fetch was in flight.
		return nil
	}
	r.transcript = messages
	return nil
}

// Keystroke records local typing activity. The first keystroke of a burst
// emits typing once; the trailing debounce timer emits stop_typing after
// the interval elapses with no further keystrokes. Rapid keystrokes extend
// the quiet-period deadline but never re-emit typing.
func (r *Reconciler) Keystroke() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.connected || r.focusedChatID == "" {
		return
	}

	r.lastKeystroke = r.now()
	if r.typingLocally {
		return
	}
	r.typingLocally = true
	r.emitter.Typing(r.focusedChatID)
	r.timer = time.AfterFunc(r.interval, r.debounceExpired)
}

// debounceExpired re-evaluates against the latest keystroke so a
// continuously typing user never flickers to stopped.
func (r *Reconciler) debounceExpired() {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed || !r.typingLocally {
		return
	}

	elapsed := r.now().Sub(r.lastKeystroke)
	if elapsed < r.interval {
		r.timer.Reset(r.interval - elapsed)
		return
	}

	r.typingLocally = false
	r.timer = nil
	r.emitter.StopTyping(r.focusedChatID)
}

func (r *Reconciler) cancelDebounceLocked() {
	if r.timer != nil {
		r.timer.Stop()
		r.timer = nil
	}
	r.typingLocally = false
}

// Dismiss removes the notification for the message id, allowing a later
// redelivery of the same id to surface again.
func (r *Reconciler) Dismiss(messageID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.seen[messageID]; !ok {
		return
	}
	delete(r.seen, messageID)
	for i, n := range r.notifications {
		if n.MessageID == messageID {
			r.notifications = append(r.notifications[:i], r.notifications[i+1:]...)
			break
		}
	}
}

// Close tears the reconciler down. The debounce timer is stopped so no
// stop_typing is emitted for a socket no longer connected.
func (r *Reconciler) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true
	r.connected = false
	r.cancelDebounceLocked()
}

func (r *Reconciler) Transcript() []models.WireMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.WireMessage, len(r.transcript))
	copy(out, r.transcript)
	return out
}

func (r *Reconciler) Notifications() []models.Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]models.Notification, len(r.notifications))
	copy(out, r.notifications)
	return out
}

func (r *Reconciler) RemoteTyping() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.remoteTyping
}

func (r *Reconciler) FocusedChatID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.focusedChatID
}
