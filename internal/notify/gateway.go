// Package notify delivers reminder notifications through a configurable
// gateway: FCM push, a Telegram bot, or the log (for dry runs).
package notify

import (
	"context"
	"errors"
)

var ErrNoRecipient = errors.New("notify: user has no delivery address")

// Message is one outbound notification, already rendered.
type Message struct {
	Token  string // FCM device token
	ChatID int64  // telegram chat
	Title  string
	Body   string
	Data   map[string]string
}

// Gateway is a single delivery backend. Implementations must be safe for
// concurrent use; the service above them handles rate limiting and retries.
type Gateway interface {
	Name() string
	Send(ctx context.Context, msg Message) error
}
