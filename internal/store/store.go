// Package store defines the durable message, identity and social-graph
// storage shared by every backend under this directory.
package store

import (
	"context"
	"errors"

	"github.com/Tyrowin/realmchat/internal/chat"
)

// Store is the persistence surface used by the pipeline, the history cache,
// the identity directory and the presence notifier.
type Store interface {
	// AppendBatch writes every message or none of them. Writing a message id
	// that already exists is not an error.
	AppendBatch(ctx context.Context, msgs []chat.Message) error
	// QueryRecent returns up to limit of the newest messages of a channel,
	// ordered oldest to newest.
	QueryRecent(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error)

	SaveIdentity(ctx context.Context, identity chat.Identity) error
	ListIdentities(ctx context.Context) ([]chat.Identity, error)

	// FriendsOf returns the identities befriended by userID.
	FriendsOf(ctx context.Context, userID string) ([]chat.Identity, error)
	// AddFriendship records a symmetric friendship.
	AddFriendship(ctx context.Context, a, b string) error

	Ping(ctx context.Context) error
	Close() error
}

var (
	ErrClosed         = errors.New("store closed")
	ErrSelfFriendship = errors.New("a user cannot befriend themselves")
)

// Drivers lists the accepted STORE_DRIVER values.
var Drivers = []string{"memory", "sqlite", "postgres", "redis", "badger"}
