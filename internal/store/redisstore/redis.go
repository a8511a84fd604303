// Package redisstore is a store.Store backend on Redis.
//
// Each channel keeps a sorted set of message ids scored by send time in
// milliseconds, with the encoded messages in a companion hash. Identities
// live in one hash and friendships in one set per user.
package redisstore

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
)

const usersKey = "chat:users"

func channelIndexKey(kind chat.ChannelKind) string {
	return fmt.Sprintf("chat:channel:%s:ids", kind)
}

func channelMessagesKey(kind chat.ChannelKind) string {
	return fmt.Sprintf("chat:channel:%s:messages", kind)
}

func friendsKey(userID string) string {
	return fmt.Sprintf("chat:friends:%s", userID)
}

// Store handles Redis operations.
type Store struct {
	client *redis.Client
}

var _ store.Store = (*Store)(nil)

// Open parses redisURL, connects and pings.
func Open(ctx context.Context, redisURL string) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Store{client: client}, nil
}

// NewWithClient wraps an existing client.
func NewWithClient(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) Close() error {
	return s.client.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// AppendBatch writes msgs in one MULTI/EXEC. Known ids are left untouched.
func (s *Store) AppendBatch(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	encoded := make([][]byte, len(msgs))
	for i, m := range msgs {
		data, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encode message %s: %w", m.ID, err)
		}
		encoded[i] = data
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, m := range msgs {
			pipe.ZAddNX(ctx, channelIndexKey(m.Channel), redis.Z{
				Score:  float64(m.Timestamp.UnixMilli()),
				Member: m.ID,
			})
			pipe.HSetNX(ctx, channelMessagesKey(m.Channel), m.ID, encoded[i])
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("append batch: %w", err)
	}
	return nil
}

func (s *Store) QueryRecent(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}
	ids, err := s.client.ZRevRange(ctx, channelIndexKey(kind), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("query recent %s: %w", kind, err)
	}
	if len(ids) == 0 {
		return []chat.Message{}, nil
	}
	values, err := s.client.HMGet(ctx, channelMessagesKey(kind), ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("load messages %s: %w", kind, err)
	}

	msgs := make([]chat.Message, 0, len(values))
	for _, v := range values {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var m chat.Message
		if err := json.Unmarshal([]byte(raw), &m); err != nil {
			return nil, fmt.Errorf("decode message: %w", err)
		}
		m.Timestamp = m.Timestamp.UTC()
		msgs = append(msgs, m)
	}
	sort.SliceStable(msgs, func(i, j int) bool {
		if msgs[i].Timestamp.Equal(msgs[j].Timestamp) {
			return msgs[i].ID < msgs[j].ID
		}
		return msgs[i].Timestamp.Before(msgs[j].Timestamp)
	})
	return msgs, nil
}

func (s *Store) SaveIdentity(ctx context.Context, identity chat.Identity) error {
	if !identity.Valid() {
		return chat.ErrInvalidIdentity
	}
	if err := s.client.HSet(ctx, usersKey, identity.UserID, identity.DisplayName).Err(); err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]chat.Identity, error) {
	users, err := s.client.HGetAll(ctx, usersKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return lo.MapToSlice(users, func(id, name string) chat.Identity {
		return chat.Identity{UserID: id, DisplayName: name}
	}), nil
}

func (s *Store) FriendsOf(ctx context.Context, userID string) ([]chat.Identity, error) {
	ids, err := s.client.SMembers(ctx, friendsKey(userID)).Result()
	if err != nil {
		return nil, fmt.Errorf("friends of %s: %w", userID, err)
	}
	if len(ids) == 0 {
		return []chat.Identity{}, nil
	}
	names, err := s.client.HMGet(ctx, usersKey, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("friend names: %w", err)
	}
	return lo.Map(ids, func(id string, i int) chat.Identity {
		name, _ := names[i].(string)
		return chat.Identity{UserID: id, DisplayName: name}
	}), nil
}

func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	if a == b {
		return store.ErrSelfFriendship
	}
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.SAdd(ctx, friendsKey(a), b)
		pipe.SAdd(ctx, friendsKey(b), a)
		return nil
	})
	if err != nil {
		return fmt.Errorf("add friendship: %w", err)
	}
	return nil
}
