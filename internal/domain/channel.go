package domain

import "context"

// Channel is a chat transport (Discord, Telegram, CLI). Start blocks until
// the context is cancelled.
type Channel interface {
	Name() string
	Start(ctx context.Context, bus MessageBus) error
}
