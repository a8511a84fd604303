package router

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

const (
	DefaultHistoryLimit = 50
	systemSender        = "system"
)

// Channels manages channel subscriptions and broadcasts.
type Channels struct {
	conns        Connections
	history      HistoryReader
	queue        Enqueuer
	log          zerolog.Logger
	now          func() time.Time
	historyLimit int

	mu          sync.RWMutex
	subscribers map[chat.ChannelKind]map[chat.ConnectionID]struct{}
	memberships map[chat.ConnectionID]map[chat.ChannelKind]struct{}
	// held buffers channel messages for a joiner until its history is sent.
	held map[chat.ConnectionID]map[chat.ChannelKind][]chat.Message

	loads sync.WaitGroup
}

// ChannelsOption configures Channels.
type ChannelsOption func(*Channels)

func WithHistoryLimit(n int) ChannelsOption {
	return func(c *Channels) {
		if n > 0 {
			c.historyLimit = n
		}
	}
}

func WithChannelsClock(now func() time.Time) ChannelsOption {
	return func(c *Channels) { c.now = now }
}

// NewChannels creates a channel router.
func NewChannels(conns Connections, history HistoryReader, queue Enqueuer, log zerolog.Logger, opts ...ChannelsOption) *Channels {
	c := &Channels{
		conns:        conns,
		history:      history,
		queue:        queue,
		log:          log.With().Str("component", "channels").Logger(),
		now:          time.Now,
		historyLimit: DefaultHistoryLimit,
		subscribers:  make(map[chat.ChannelKind]map[chat.ConnectionID]struct{}),
		memberships:  make(map[chat.ConnectionID]map[chat.ChannelKind]struct{}),
		held:         make(map[chat.ConnectionID]map[chat.ChannelKind][]chat.Message),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Join subscribes the connection to a broadcast channel. The channel history
// is then delivered to that connection only, from its own goroutine so a
// cache miss never holds up other events. Messages published to the channel
// meanwhile are held back and follow the history, minus any it already holds.
func (c *Channels) Join(ctx context.Context, id chat.ConnectionID, kind chat.ChannelKind) error {
	if !kind.Joinable() {
		return chat.ErrInvalidChannel
	}
	conn, ok := c.conns.Lookup(id)
	if !ok {
		return chat.ErrUnknownConnection
	}

	c.mu.Lock()
	subs, ok := c.subscribers[kind]
	if !ok {
		subs = make(map[chat.ConnectionID]struct{})
		c.subscribers[kind] = subs
	}
	_, already := subs[id]
	subs[id] = struct{}{}
	member, ok := c.memberships[id]
	if !ok {
		member = make(map[chat.ChannelKind]struct{})
		c.memberships[id] = member
	}
	member[kind] = struct{}{}
	peers := lo.Without(lo.Keys(subs), id)
	pending, ok := c.held[id]
	if !ok {
		pending = make(map[chat.ChannelKind][]chat.Message)
		c.held[id] = pending
	}
	_, loading := pending[kind]
	if !loading {
		pending[kind] = []chat.Message{}
	}
	c.mu.Unlock()

	if !already {
		c.notifyPeers(peers, chat.EventPeerJoined, conn.Identity.Name(), kind)
	}
	if loading {
		return nil
	}

	c.loads.Add(1)
	go func() {
		defer c.loads.Done()
		c.sendHistory(ctx, id, kind)
	}()
	return nil
}

// Leave unsubscribes the connection from one channel.
func (c *Channels) Leave(id chat.ConnectionID, kind chat.ChannelKind) error {
	if !kind.Joinable() {
		return chat.ErrInvalidChannel
	}
	name := c.nameOf(id)

	c.mu.Lock()
	peers, left := c.removeLocked(id, kind)
	c.mu.Unlock()

	if left {
		c.notifyPeers(peers, chat.EventPeerLeft, name, kind)
	}
	return nil
}

// Drop removes every subscription held by a closing connection. It must run
// before the connection is unregistered so peers can be told who left.
func (c *Channels) Drop(id chat.ConnectionID) {
	name := c.nameOf(id)

	c.mu.Lock()
	delete(c.held, id)
	kinds := lo.Keys(c.memberships[id])
	departures := make(map[chat.ChannelKind][]chat.ConnectionID, len(kinds))
	for _, kind := range kinds {
		if peers, left := c.removeLocked(id, kind); left {
			departures[kind] = peers
		}
	}
	c.mu.Unlock()

	for kind, peers := range departures {
		c.notifyPeers(peers, chat.EventPeerLeft, name, kind)
	}
}

// Publish validates and broadcasts a message to every connection subscribed
// to the channel, then queues it for persistence. Delivery completes before
// Publish returns.
func (c *Channels) Publish(kind chat.ChannelKind, sender chat.Identity, body string) (chat.Message, error) {
	if !kind.Joinable() {
		return chat.Message{}, chat.ErrInvalidChannel
	}
	body, err := chat.NormalizeBody(body)
	if err != nil {
		return chat.Message{}, err
	}

	msg := chat.Message{
		ID:         chat.NewMessageID(),
		Channel:    kind,
		SenderID:   sender.UserID,
		SenderName: sender.Name(),
		Body:       body,
		Timestamp:  c.now().UTC(),
	}
	if err := c.broadcast(c.deliverable(kind, msg), msg); err != nil {
		return chat.Message{}, err
	}
	metrics.MessagesPublished.WithLabelValues(kind.String()).Inc()
	c.queue.Enqueue(msg)
	return msg, nil
}

// Announce delivers a server-originated system message to every connection.
// System messages are never persisted.
func (c *Channels) Announce(body string) (chat.Message, error) {
	body, err := chat.NormalizeBody(body)
	if err != nil {
		return chat.Message{}, err
	}
	msg := chat.Message{
		ID:         chat.NewMessageID(),
		Channel:    chat.ChannelSystem,
		SenderID:   systemSender,
		SenderName: systemSender,
		Body:       body,
		Timestamp:  c.now().UTC(),
	}
	if err := c.broadcast(c.conns.Connections(), msg); err != nil {
		return chat.Message{}, err
	}
	metrics.MessagesPublished.WithLabelValues(chat.ChannelSystem.String()).Inc()
	return msg, nil
}

// Subscribers returns a snapshot of the connections joined to a channel.
func (c *Channels) Subscribers(kind chat.ChannelKind) []chat.ConnectionID {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return lo.Keys(c.subscribers[kind])
}

// Wait blocks until in-flight history deliveries finish.
func (c *Channels) Wait() {
	c.loads.Wait()
}

func (c *Channels) broadcast(targets []chat.ConnectionID, msg chat.Message) error {
	payload, err := chat.Encode(chat.EventMessage, chat.MessagePayload{Message: msg})
	if err != nil {
		return err
	}
	for _, id := range targets {
		if !c.conns.Send(id, payload) {
			c.log.Debug().Str("connection_id", string(id)).Str("message_id", msg.ID).Msg("delivery refused")
		}
	}
	return nil
}

// deliverable returns the subscribers msg can be sent to now and holds it for
// those still waiting on history.
func (c *Channels) deliverable(kind chat.ChannelKind, msg chat.Message) []chat.ConnectionID {
	c.mu.Lock()
	defer c.mu.Unlock()
	targets := make([]chat.ConnectionID, 0, len(c.subscribers[kind]))
	for id := range c.subscribers[kind] {
		if buf, waiting := c.held[id][kind]; waiting {
			c.held[id][kind] = append(buf, msg)
			continue
		}
		targets = append(targets, id)
	}
	return targets
}

func (c *Channels) sendHistory(ctx context.Context, id chat.ConnectionID, kind chat.ChannelKind) {
	msgs, err := c.history.Get(ctx, kind, c.historyLimit)
	if err != nil {
		c.log.Warn().Err(err).Str("channel", kind.String()).Msg("history unavailable")
		msgs = []chat.Message{}
	}
	payload, err := chat.Encode(chat.EventHistory, chat.HistoryPayload{Channel: kind, Messages: msgs})
	if err != nil {
		c.log.Error().Err(err).Msg("encode history")
		msgs = nil
		payload = nil
	}

	// The lock keeps Publish from reaching this connection directly until
	// the history and everything held behind it are queued.
	c.mu.Lock()
	defer c.mu.Unlock()
	held, waiting := c.held[id][kind]
	if !waiting {
		return
	}
	delete(c.held[id], kind)
	if len(c.held[id]) == 0 {
		delete(c.held, id)
	}

	if payload != nil {
		c.conns.Send(id, payload)
	}
	seen := lo.SliceToMap(msgs, func(m chat.Message) (string, struct{}) { return m.ID, struct{}{} })
	for _, msg := range held {
		if _, dup := seen[msg.ID]; dup {
			continue
		}
		if err := c.broadcast([]chat.ConnectionID{id}, msg); err != nil {
			c.log.Error().Err(err).Msg("encode held message")
		}
	}
}

func (c *Channels) notifyPeers(peers []chat.ConnectionID, eventType chat.EventType, name string, kind chat.ChannelKind) {
	if len(peers) == 0 {
		return
	}
	payload, err := chat.Encode(eventType, chat.PeerPayload{Username: name, Channel: kind})
	if err != nil {
		c.log.Error().Err(err).Msg("encode peer notice")
		return
	}
	for _, peer := range peers {
		c.conns.Send(peer, payload)
	}
}

// removeLocked drops one subscription and returns the remaining subscribers.
func (c *Channels) removeLocked(id chat.ConnectionID, kind chat.ChannelKind) ([]chat.ConnectionID, bool) {
	subs := c.subscribers[kind]
	if _, ok := subs[id]; !ok {
		return nil, false
	}
	delete(subs, id)
	if len(subs) == 0 {
		delete(c.subscribers, kind)
	}
	if member := c.memberships[id]; member != nil {
		delete(member, kind)
		if len(member) == 0 {
			delete(c.memberships, id)
		}
	}
	if pending := c.held[id]; pending != nil {
		delete(pending, kind)
		if len(pending) == 0 {
			delete(c.held, id)
		}
	}
	return lo.Keys(subs), true
}

func (c *Channels) nameOf(id chat.ConnectionID) string {
	if conn, ok := c.conns.Lookup(id); ok {
		return conn.Identity.Name()
	}
	return string(id)
}
