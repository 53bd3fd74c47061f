package domain

import (
	"context"
	"time"
)

// ChannelSettings is the per-channel mutable configuration. Created lazily on
// first use, reset to defaults rather than deleted.
type ChannelSettings struct {
	ChannelID  string
	WindowSize int
	RouterMode bool // when true the fallback handler answers every message
}

// ContextStore owns the durable per-channel message log and settings.
// Append is the only mutation primitive for messages; the dedup ledger is
// atomic with the insert.
type ContextStore interface {
	// Append persists msg, returning ErrDuplicateMessage if its ID was already
	// recorded for the channel. Appends within one channel are serialized.
	Append(ctx context.Context, msg Message) error

	// Window returns the most recent size messages for the channel in
	// chronological order, oldest first. size == 0 uses the channel's
	// configured window size.
	Window(ctx context.Context, channelID string, size int) ([]Message, error)

	// Clear removes history for the channel and returns the count removed.
	// olderThan == 0 clears everything; otherwise only messages older than
	// now-olderThan are removed.
	Clear(ctx context.Context, channelID string, olderThan time.Duration) (int, error)

	Settings(ctx context.Context, channelID string) (ChannelSettings, error)
	SetWindowSize(ctx context.Context, channelID string, size int) error
	ResetWindowSize(ctx context.Context, channelID string) error
	SetRouterMode(ctx context.Context, channelID string, active bool) error

	Close() error
}
