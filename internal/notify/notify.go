package notify

import "context"

// Notifier is the "send text" capability the trainer reports through.
// Delivery is a side effect, never a control input: senders log failures
// and move on.
type Notifier interface {
	Send(ctx context.Context, text string) error
}

// Noop discards all messages. Used when no Telegram credentials are
// configured.
type Noop struct{}

// Send does nothing
func (Noop) Send(context.Context, string) error { return nil }
