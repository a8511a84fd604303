// Package presence tells friends when a user comes online or goes offline.
//
// The Notifier observes the connection registry. Observer callbacks only
// queue the transition; a single worker goroutine resolves friends through
// the social graph and delivers presence events, in the order the registry
// reported them.
package presence

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
	"github.com/Tyrowin/realmchat/internal/registry"
)

const defaultLookupTimeout = 5 * time.Second

// Graph is the social graph provider.
type Graph interface {
	FriendsOf(ctx context.Context, userID string) ([]chat.Identity, error)
}

// Connections is the registry surface used for delivery.
type Connections interface {
	ConnectionsOf(userID string) []chat.ConnectionID
	Send(id chat.ConnectionID, payload []byte) bool
}

type transition struct {
	added   *registry.Registration
	removed *registry.Removal
	ack     chan struct{}
}

// Notifier implements registry.Observer.
type Notifier struct {
	graph         Graph
	conns         Connections
	log           zerolog.Logger
	lookupTimeout time.Duration

	mu      sync.Mutex
	pending []transition
	closed  bool
	wake    chan struct{}
	done    chan struct{}

	// announced holds the users this worker has reported online. Only Run
	// touches it.
	announced map[string]struct{}
}

var _ registry.Observer = (*Notifier)(nil)

// New creates a Notifier. Run must be started for events to be delivered.
func New(graph Graph, conns Connections, log zerolog.Logger) *Notifier {
	return &Notifier{
		graph:         graph,
		conns:         conns,
		log:           log.With().Str("component", "presence").Logger(),
		lookupTimeout: defaultLookupTimeout,
		wake:          make(chan struct{}, 1),
		done:          make(chan struct{}),
		announced:     make(map[string]struct{}),
	}
}

// ConnectionAdded queues an online transition. It never blocks.
func (n *Notifier) ConnectionAdded(reg registry.Registration) {
	n.push(transition{added: &reg})
}

// ConnectionRemoved queues an offline transition. It never blocks.
func (n *Notifier) ConnectionRemoved(rem registry.Removal) {
	n.push(transition{removed: &rem})
}

// Sync blocks until every transition queued before the call is processed.
func (n *Notifier) Sync(ctx context.Context) error {
	ack := make(chan struct{})
	if !n.push(transition{ack: ack}) {
		return errors.New("presence notifier stopped")
	}
	select {
	case <-ack:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return errors.New("presence notifier stopped")
	}
}

// Run processes transitions until ctx is cancelled. Transitions still queued
// at that point are processed before Run returns.
func (n *Notifier) Run(ctx context.Context) {
	defer close(n.done)
	for {
		select {
		case <-ctx.Done():
			n.mu.Lock()
			n.closed = true
			rest := n.pending
			n.pending = nil
			n.mu.Unlock()
			n.process(context.Background(), rest)
			return
		case <-n.wake:
			n.mu.Lock()
			batch := n.pending
			n.pending = nil
			n.mu.Unlock()
			n.process(ctx, batch)
		}
	}
}

// Done is closed when Run returns.
func (n *Notifier) Done() <-chan struct{} {
	return n.done
}

func (n *Notifier) push(t transition) bool {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return false
	}
	n.pending = append(n.pending, t)
	n.mu.Unlock()

	select {
	case n.wake <- struct{}{}:
	default:
	}
	return true
}

func (n *Notifier) process(ctx context.Context, batch []transition) {
	for _, t := range batch {
		switch {
		case t.added != nil:
			n.online(ctx, *t.added)
		case t.removed != nil:
			n.offline(ctx, *t.removed)
		}
		if t.ack != nil {
			close(t.ack)
		}
	}
}

func (n *Notifier) online(ctx context.Context, reg registry.Registration) {
	userID := reg.Identity.UserID
	if reg.First {
		n.announced[userID] = struct{}{}
	}

	friends, ok := n.friendsOnline(ctx, userID)
	if !ok {
		return
	}

	if reg.First {
		n.announce(friends, reg.Identity.Name(), chat.PresenceOnline)
	}

	for _, friend := range friends {
		payload, err := chat.Encode(chat.EventPresence, chat.PresencePayload{Username: friend.Name(), State: chat.PresenceOnline})
		if err != nil {
			n.log.Error().Err(err).Msg("encode presence")
			return
		}
		n.conns.Send(reg.ID, payload)
	}
}

func (n *Notifier) offline(ctx context.Context, rem registry.Removal) {
	if !rem.WasLastForUser {
		return
	}
	userID := rem.Identity.UserID
	delete(n.announced, userID)

	friends, ok := n.friendsOnline(ctx, userID)
	if !ok {
		return
	}
	n.announce(friends, rem.Identity.Name(), chat.PresenceOffline)
}

func (n *Notifier) announce(friends []chat.Identity, name string, state chat.PresenceState) {
	payload, err := chat.Encode(chat.EventPresence, chat.PresencePayload{Username: name, State: state})
	if err != nil {
		n.log.Error().Err(err).Msg("encode presence")
		return
	}
	delivered := 0
	for _, friend := range friends {
		for _, id := range n.conns.ConnectionsOf(friend.UserID) {
			if n.conns.Send(id, payload) {
				delivered++
			}
		}
	}
	metrics.PresenceEvents.WithLabelValues(string(state)).Inc()
	n.log.Debug().Str("user", name).Str("state", string(state)).Int("delivered", delivered).Msg("presence announced")
}

// friendsOnline returns the user's friends already announced online. The
// registry is not consulted: a friend whose first connection is still queued
// learns about this user from its own snapshot instead.
// A failed lookup is logged and reported as !ok.
func (n *Notifier) friendsOnline(ctx context.Context, userID string) ([]chat.Identity, bool) {
	lookupCtx, cancel := context.WithTimeout(ctx, n.lookupTimeout)
	defer cancel()

	friends, err := n.graph.FriendsOf(lookupCtx, userID)
	if err != nil {
		metrics.GraphLookupFailures.Inc()
		n.log.Warn().Err(errors.Join(chat.ErrGraphLookupFailed, err)).Str("user_id", userID).Msg("friend lookup failed")
		return nil, false
	}
	online := friends[:0:0]
	for _, f := range friends {
		if _, on := n.announced[f.UserID]; on && f.UserID != userID {
			online = append(online, f)
		}
	}
	return online, true
}
