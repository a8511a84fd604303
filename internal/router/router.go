// Package router resolves delivery targets for channel broadcasts and
// whispers, fans messages out and hands them to the persistence pipeline.
package router

import (
	"context"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/registry"
)

// Connections is the registry surface the routers deliver through.
type Connections interface {
	Lookup(id chat.ConnectionID) (registry.Connection, bool)
	ConnectionsOf(userID string) []chat.ConnectionID
	Connections() []chat.ConnectionID
	Send(id chat.ConnectionID, payload []byte) bool
}

// Enqueuer accepts delivered messages for durable storage.
type Enqueuer interface {
	Enqueue(msg chat.Message)
}

// HistoryReader serves recent channel messages.
type HistoryReader interface {
	Get(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error)
}

// Directory resolves display names to known identities.
type Directory interface {
	Resolve(name string) (chat.Identity, bool)
}
