// Package channels connects external chat surfaces to the dispatcher.
// Each adapter owns its transport (long polling today, anything framed
// tomorrow), gates senders against a static allowlist, and hands
// accepted messages to dispatch; replies go back out on the same
// surface.
package channels

import (
	"context"
	"strings"
	"sync/atomic"
)

// Channel is one chat surface adapter.
type Channel interface {
	// Name returns the surface identifier ("telegram", ...).
	Name() string

	// Start begins receiving messages. Non-blocking after setup.
	Start(ctx context.Context) error

	// Stop shuts the adapter down and waits for its receive loop to exit.
	Stop(ctx context.Context) error

	// IsRunning reports whether the adapter is receiving messages.
	IsRunning() bool
}

// BaseChannel carries the state shared by adapter implementations.
// Embed it and implement Start/Stop.
type BaseChannel struct {
	name      string
	allowFrom []string
	running   atomic.Bool
}

// NewBaseChannel creates the shared base for a named adapter.
func NewBaseChannel(name string, allowFrom []string) *BaseChannel {
	return &BaseChannel{name: name, allowFrom: allowFrom}
}

// Name returns the channel name.
func (c *BaseChannel) Name() string { return c.name }

// IsRunning reports whether the channel is running.
func (c *BaseChannel) IsRunning() bool { return c.running.Load() }

// SetRunning updates the running state.
func (c *BaseChannel) SetRunning(running bool) { c.running.Store(running) }

// HasAllowList reports whether any senders are allowlisted.
func (c *BaseChannel) HasAllowList() bool { return len(c.allowFrom) > 0 }

// IsAllowed checks a sender against the allowlist. Senders and entries
// may use the compound "id|username" form; username entries may carry a
// leading "@". An empty allowlist denies everyone: access at the
// channel boundary is allowlist-only.
func (c *BaseChannel) IsAllowed(senderID string) bool {
	idPart, userPart := splitCompoundID(senderID)

	for _, entry := range c.allowFrom {
		trimmed := strings.TrimPrefix(entry, "@")
		entryID, entryUser := splitCompoundID(trimmed)

		switch {
		case senderID == entry || senderID == trimmed:
			return true
		case idPart == entry || idPart == trimmed || idPart == entryID:
			return true
		case entryUser != "" && senderID == entryUser:
			return true
		case userPart != "" && (userPart == entry || userPart == trimmed || userPart == entryUser):
			return true
		}
	}
	return false
}

// splitCompoundID splits "id|username" into its parts. A plain id comes
// back with an empty username.
func splitCompoundID(s string) (id, username string) {
	if idx := strings.IndexByte(s, '|'); idx > 0 {
		return s[:idx], s[idx+1:]
	}
	return s, ""
}

// Truncate shortens a string to maxLen, appending "..." if truncated.
func Truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
