// Package registry tracks live connections and the user each belongs to.
// A user is online while the registry holds at least one of their connections.
package registry

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

// Peer is the delivery side of a transport session. Send must not block.
type Peer interface {
	Send(payload []byte) bool
}

// Connection is a registered transport session.
type Connection struct {
	ID        chat.ConnectionID
	Identity  chat.Identity
	CreatedAt time.Time
	peer      Peer
}

// Registration describes a completed Register call.
type Registration struct {
	ID       chat.ConnectionID
	Identity chat.Identity
	// First is true when this is the user's only active connection.
	First bool
}

// Removal describes a completed Unregister call.
type Removal struct {
	ID             chat.ConnectionID
	Identity       chat.Identity
	WasLastForUser bool
}

// Observer is notified of every registry mutation, on the caller's goroutine
// and while the registry lock is held, so notifications arrive in mutation
// order. Implementations must not block or call back into the registry.
type Observer interface {
	ConnectionAdded(Registration)
	ConnectionRemoved(Removal)
}

// Registry owns connections and the per-user presence sets.
type Registry struct {
	mu        sync.RWMutex
	conns     map[chat.ConnectionID]*Connection
	byUser    map[string]map[chat.ConnectionID]struct{}
	observers []Observer
	log       zerolog.Logger
	now       func() time.Time
}

// New creates an empty registry.
func New(log zerolog.Logger) *Registry {
	return &Registry{
		conns:  make(map[chat.ConnectionID]*Connection),
		byUser: make(map[string]map[chat.ConnectionID]struct{}),
		log:    log.With().Str("component", "registry").Logger(),
		now:    time.Now,
	}
}

// Observe adds an observer. Call before the registry is shared.
func (r *Registry) Observe(o Observer) {
	r.mu.Lock()
	r.observers = append(r.observers, o)
	r.mu.Unlock()
}

// Register adds a connection for identity and reports whether it is the
// user's first active connection.
func (r *Registry) Register(peer Peer, identity chat.Identity) (Registration, error) {
	if peer == nil || !identity.Valid() {
		return Registration{}, chat.ErrInvalidIdentity
	}

	conn := &Connection{
		ID:        chat.ConnectionID(uuid.NewString()),
		Identity:  identity,
		CreatedAt: r.now().UTC(),
		peer:      peer,
	}

	r.mu.Lock()
	r.conns[conn.ID] = conn
	set, ok := r.byUser[identity.UserID]
	if !ok {
		set = make(map[chat.ConnectionID]struct{})
		r.byUser[identity.UserID] = set
	}
	set[conn.ID] = struct{}{}
	reg := Registration{ID: conn.ID, Identity: identity, First: len(set) == 1}
	for _, o := range r.observers {
		o.ConnectionAdded(reg)
	}
	total, users := len(r.conns), len(r.byUser)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	metrics.UsersOnline.Set(float64(users))
	r.log.Debug().
		Str("connection_id", string(reg.ID)).
		Str("user_id", identity.UserID).
		Bool("first", reg.First).
		Int("connections", total).
		Msg("connection registered")
	return reg, nil
}

// Unregister removes a connection. The boolean is false when the id is unknown.
func (r *Registry) Unregister(id chat.ConnectionID) (Removal, bool) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if !ok {
		r.mu.Unlock()
		return Removal{}, false
	}
	delete(r.conns, id)
	userID := conn.Identity.UserID
	set := r.byUser[userID]
	delete(set, id)
	last := len(set) == 0
	if last {
		delete(r.byUser, userID)
	}
	removal := Removal{ID: id, Identity: conn.Identity, WasLastForUser: last}
	for _, o := range r.observers {
		o.ConnectionRemoved(removal)
	}
	total, users := len(r.conns), len(r.byUser)
	r.mu.Unlock()

	metrics.ConnectionsActive.Set(float64(total))
	metrics.UsersOnline.Set(float64(users))
	r.log.Debug().
		Str("connection_id", string(id)).
		Str("user_id", userID).
		Bool("last", last).
		Int("connections", total).
		Msg("connection unregistered")
	return removal, true
}

// ConnectionsOf returns a snapshot of the user's active connection ids.
func (r *Registry) ConnectionsOf(userID string) []chat.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.byUser[userID])
}

// Connections returns a snapshot of every active connection id.
func (r *Registry) Connections() []chat.ConnectionID {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return lo.Keys(r.conns)
}

// Lookup returns the connection registered under id.
func (r *Registry) Lookup(id chat.ConnectionID) (Connection, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[id]
	if !ok {
		return Connection{}, false
	}
	return *conn, true
}

// IsOnline reports whether the user holds at least one connection.
func (r *Registry) IsOnline(userID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.byUser[userID]) > 0
}

// Count returns the number of active connections.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// Send delivers payload to one connection. It returns false when the
// connection is gone or its peer refused the payload.
func (r *Registry) Send(id chat.ConnectionID, payload []byte) bool {
	r.mu.RLock()
	conn, ok := r.conns[id]
	r.mu.RUnlock()
	if !ok {
		return false
	}
	return conn.peer.Send(payload)
}

// SendToUser delivers payload to every connection of the user and returns how
// many accepted it.
func (r *Registry) SendToUser(userID string, payload []byte) int {
	delivered := 0
	for _, id := range r.ConnectionsOf(userID) {
		if r.Send(id, payload) {
			delivered++
		}
	}
	return delivered
}
