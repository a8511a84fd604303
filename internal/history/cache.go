// Package history is a short-lived read-through cache of recent channel
// messages in front of the durable store.
package history

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

const (
	DefaultTTL   = 60 * time.Second
	DefaultDepth = 50
)

// Source is the durable side of the cache.
type Source interface {
	QueryRecent(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error)
}

type entry struct {
	messages []chat.Message
	cachedAt time.Time
}

// Cache holds at most Depth messages per channel for TTL.
type Cache struct {
	source Source
	log    zerolog.Logger
	ttl    time.Duration
	depth  int
	now    func() time.Time

	mu          sync.Mutex
	entries     map[chat.ChannelKind]entry
	generations map[chat.ChannelKind]uint64

	loads singleflight.Group
}

// Option configures a Cache.
type Option func(*Cache)

func WithTTL(ttl time.Duration) Option {
	return func(c *Cache) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithDepth(depth int) Option {
	return func(c *Cache) {
		if depth > 0 {
			c.depth = depth
		}
	}
}

// WithClock replaces time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache reading through to source.
func New(source Source, log zerolog.Logger, opts ...Option) *Cache {
	c := &Cache{
		source:      source,
		log:         log.With().Str("component", "history").Logger(),
		ttl:         DefaultTTL,
		depth:       DefaultDepth,
		now:         time.Now,
		entries:     make(map[chat.ChannelKind]entry),
		generations: make(map[chat.ChannelKind]uint64),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Get returns up to limit of the channel's most recent messages, oldest first.
// A fresh entry is served without touching the store.
func (c *Cache) Get(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error) {
	if limit <= 0 || limit > c.depth {
		limit = c.depth
	}

	c.mu.Lock()
	e, ok := c.entries[kind]
	if ok && c.now().Sub(e.cachedAt) < c.ttl {
		c.mu.Unlock()
		metrics.CacheLookups.WithLabelValues("hit").Inc()
		return tail(e.messages, limit), nil
	}
	gen := c.generations[kind]
	c.mu.Unlock()

	metrics.CacheLookups.WithLabelValues("miss").Inc()
	key := string(kind) + ":" + strconv.FormatUint(gen, 10)
	v, err, _ := c.loads.Do(key, func() (any, error) {
		return c.load(ctx, kind, gen)
	})
	if err != nil {
		return nil, err
	}
	return tail(v.([]chat.Message), limit), nil
}

// load queries the store and installs the result unless the channel was
// invalidated while the query was in flight.
func (c *Cache) load(ctx context.Context, kind chat.ChannelKind, gen uint64) ([]chat.Message, error) {
	msgs, err := c.source.QueryRecent(ctx, kind, c.depth)
	if err != nil {
		return nil, fmt.Errorf("query recent %s: %w", kind, err)
	}

	c.mu.Lock()
	if c.generations[kind] == gen {
		c.entries[kind] = entry{messages: msgs, cachedAt: c.now()}
	} else {
		c.log.Debug().Str("channel", kind.String()).Msg("discarding history loaded before invalidation")
	}
	c.mu.Unlock()
	return msgs, nil
}

// Invalidate drops the channel's entry. The persistence pipeline calls it
// after a flush that wrote messages to the channel.
func (c *Cache) Invalidate(kind chat.ChannelKind) {
	c.mu.Lock()
	delete(c.entries, kind)
	c.generations[kind]++
	c.mu.Unlock()
}

func tail(msgs []chat.Message, limit int) []chat.Message {
	if len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	out := make([]chat.Message, len(msgs))
	copy(out, msgs)
	return out
}
