// Package memory is a process-local store.Store used for development and tests.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
)

type Store struct {
	mu         sync.RWMutex
	closed     bool
	ids        map[string]struct{}
	byChannel  map[chat.ChannelKind][]chat.Message
	identities map[string]chat.Identity
	friends    map[string]map[string]struct{}
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		ids:        make(map[string]struct{}),
		byChannel:  make(map[chat.ChannelKind][]chat.Message),
		identities: make(map[string]chat.Identity),
		friends:    make(map[string]map[string]struct{}),
	}
}

func (s *Store) AppendBatch(ctx context.Context, msgs []chat.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return store.ErrClosed
	}
	touched := make(map[chat.ChannelKind]struct{})
	for _, m := range msgs {
		if _, dup := s.ids[m.ID]; dup {
			continue
		}
		s.ids[m.ID] = struct{}{}
		s.byChannel[m.Channel] = append(s.byChannel[m.Channel], m)
		touched[m.Channel] = struct{}{}
	}
	for kind := range touched {
		list := s.byChannel[kind]
		sort.SliceStable(list, func(i, j int) bool {
			if list[i].Timestamp.Equal(list[j].Timestamp) {
				return list[i].ID < list[j].ID
			}
			return list[i].Timestamp.Before(list[j].Timestamp)
		})
	}
	return nil
}

func (s *Store) QueryRecent(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, store.ErrClosed
	}
	list := s.byChannel[kind]
	if limit > 0 && len(list) > limit {
		list = list[len(list)-limit:]
	}
	return append([]chat.Message{}, list...), nil
}

func (s *Store) SaveIdentity(_ context.Context, identity chat.Identity) error {
	if !identity.Valid() {
		return chat.ErrInvalidIdentity
	}
	s.mu.Lock()
	s.identities[identity.UserID] = identity
	s.mu.Unlock()
	return nil
}

func (s *Store) ListIdentities(context.Context) ([]chat.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Values(s.identities), nil
}

func (s *Store) FriendsOf(_ context.Context, userID string) ([]chat.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return lo.Map(lo.Keys(s.friends[userID]), func(id string, _ int) chat.Identity {
		if identity, ok := s.identities[id]; ok {
			return identity
		}
		return chat.Identity{UserID: id}
	}), nil
}

func (s *Store) AddFriendship(_ context.Context, a, b string) error {
	if a == b {
		return store.ErrSelfFriendship
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.link(a, b)
	s.link(b, a)
	return nil
}

func (s *Store) link(from, to string) {
	set, ok := s.friends[from]
	if !ok {
		set = make(map[string]struct{})
		s.friends[from] = set
	}
	set[to] = struct{}{}
}

func (s *Store) Ping(context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return store.ErrClosed
	}
	return nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	return nil
}
