package presence

import (
	"context"
	"sync"

	"github.com/Tyrowin/realmchat/internal/chat"
)

// StaticGraph is an in-memory, symmetric friendship graph.
type StaticGraph struct {
	mu      sync.RWMutex
	friends map[string]map[string]chat.Identity
}

func NewStaticGraph() *StaticGraph {
	return &StaticGraph{friends: make(map[string]map[string]chat.Identity)}
}

// Befriend links a and b in both directions.
func (g *StaticGraph) Befriend(a, b chat.Identity) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.link(a, b)
	g.link(b, a)
}

func (g *StaticGraph) link(from, to chat.Identity) {
	set, ok := g.friends[from.UserID]
	if !ok {
		set = make(map[string]chat.Identity)
		g.friends[from.UserID] = set
	}
	set[to.UserID] = to
}

func (g *StaticGraph) FriendsOf(_ context.Context, userID string) ([]chat.Identity, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	out := make([]chat.Identity, 0, len(g.friends[userID]))
	for _, id := range g.friends[userID] {
		out = append(out, id)
	}
	return out, nil
}
