// Package push sends best-effort web-push nudges to chat members that have
// no live session when a message arrives. It is an out-of-band channel:
// the real-time layer never queues events for offline recipients, and a
// failed nudge is logged and forgotten.
package push

import (
	"encoding/json"
	"log/slog"
	"net/http"

	"chatok/internal/models"
	"chatok/internal/storage"

	webpush "github.com/SherClockHolmes/webpush-go"
)

const (
	notificationTTL = 60 // seconds

	previewLimit = 120
)

type Store interface {
	ListPushSubscriptions(userID string) ([]storage.DBPushSubscription, error)
	DeletePushSubscription(userID, endpoint string) error
}

type Config struct {
	VAPIDPublicKey  string
	VAPIDPrivateKey string
	Subject         string
}

// Enabled reports whether a VAPID key pair was configured.
func (c Config) Enabled() bool {
	return c.VAPIDPublicKey != "" && c.VAPIDPrivateKey != ""
}

type Notifier struct {
	config Config
	store  Store
}

func NewNotifier(config Config, store Store) *Notifier {
	return &Notifier{config: config, store: store}
}

type payload struct {
	ChatID    string `json:"chatId"`
	MessageID string `json:"messageId"`
	Sender    string `json:"sender"`
	Preview   string `json:"preview"`
}

// NotifyOffline pushes a nudge for the message to every stored subscription
// of each identity. Dead subscriptions (404/410 from the push service) are
// removed; other failures are logged only.
func (n *Notifier) NotifyOffline(msg models.WireMessage, identityIDs []string) {
	preview := msg.Content
	if len(preview) > previewLimit {
		preview = preview[:previewLimit]
	}
	body, err := json.Marshal(payload{
		ChatID:    msg.Chat.ID,
		MessageID: msg.ID,
		Sender:    msg.Sender.Name,
		Preview:   preview,
	})
	if err != nil {
		slog.Error("failed to marshal push payload", "message_id", msg.ID, "error", err)
		return
	}

	for _, identityID := range identityIDs {
		subs, err := n.store.ListPushSubscriptions(identityID)
		if err != nil {
			slog.Warn("failed to list push subscriptions", "user_id", identityID, "error", err)
			continue
		}
		for _, sub := range subs {
			n.send(identityID, sub, body)
		}
	}
}

func (n *Notifier) send(identityID string, sub storage.DBPushSubscription, body []byte) {
	resp, err := webpush.SendNotification(body, &webpush.Subscription{
		Endpoint: sub.Endpoint,
		Keys: webpush.Keys{
			P256dh: sub.P256dh,
			Auth:   sub.Auth,
		},
	}, &webpush.Options{
		Subscriber:      n.config.Subject,
		VAPIDPublicKey:  n.config.VAPIDPublicKey,
		VAPIDPrivateKey: n.config.VAPIDPrivateKey,
		TTL:             notificationTTL,
	})
	if err != nil {
		slog.Warn("push delivery failed", "user_id", identityID, "error", err)
		return
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone {
		if err := n.store.DeletePushSubscription(identityID, sub.Endpoint); err != nil {
			slog.Warn("failed to delete dead push subscription", "user_id", identityID, "error", err)
		}
	}
}
