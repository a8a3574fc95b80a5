// Package notify delivers user- and operator-facing call notifications.
package notify

import (
	"context"
	"errors"
	"log/slog"
)

// Message is one notification to one recipient.
type Message struct {
	RecipientID string
	Realm       string
	Text        string

	// ActionURL renders as a single button when the channel supports it.
	ActionURL   string
	ActionLabel string
}

// Notifier is the outbound notification channel. Implementations must be safe
// for concurrent use.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

var ErrUnknownRecipient = errors.New("notify: recipient cannot be addressed")

// LogNotifier only logs. It is the default when no channel is configured.
type LogNotifier struct {
	Logger *slog.Logger
}

func (n LogNotifier) Notify(ctx context.Context, msg Message) error {
	l := n.Logger
	if l == nil {
		l = slog.Default()
	}
	l.InfoContext(ctx, "notification",
		"recipient_id", msg.RecipientID,
		"realm", msg.Realm,
		"text", msg.Text,
		"action_url", msg.ActionURL,
	)
	return nil
}
