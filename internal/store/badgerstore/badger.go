// Package badgerstore is an embedded store.Store backend on BadgerDB.
package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog"
	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
)

// Store keeps every record under a typed key prefix.
type Store struct {
	db  *badger.DB
	log zerolog.Logger
}

var _ store.Store = (*Store)(nil)

// Open opens or creates the database directory at path.
func Open(path string, log zerolog.Logger) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	db, err := badger.Open(badger.DefaultOptions(path).WithLogger(nil))
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	s := &Store{db: db, log: log.With().Str("component", "badger").Logger()}
	s.log.Info().Str("path", path).Msg("badger store opened")
	return s, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) Ping(context.Context) error {
	if s.db.IsClosed() {
		return store.ErrClosed
	}
	return nil
}

// messageKey is "msg:{channel}:{nanos padded to 19 digits}:{id}" so a
// prefix scan returns a channel's messages in send order.
func messageKey(m chat.Message) []byte {
	return []byte(fmt.Sprintf("msg:%s:%019d:%s", m.Channel, m.Timestamp.UnixNano(), m.ID))
}

func messagePrefix(kind chat.ChannelKind) []byte {
	return []byte(fmt.Sprintf("msg:%s:", kind))
}

func idKey(id string) []byte {
	return []byte("msgid:" + id)
}

func userKey(id string) []byte {
	return []byte("user:" + id)
}

func friendPrefix(userID string) []byte {
	return []byte("friend:" + userID + ":")
}

// AppendBatch writes msgs in one transaction, skipping ids already stored.
func (s *Store) AppendBatch(_ context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, m := range msgs {
			_, err := txn.Get(idKey(m.ID))
			if err == nil {
				continue
			}
			if !errors.Is(err, badger.ErrKeyNotFound) {
				return err
			}
			data, err := json.Marshal(m)
			if err != nil {
				return fmt.Errorf("encode message %s: %w", m.ID, err)
			}
			if err := txn.Set(messageKey(m), data); err != nil {
				return err
			}
			if err := txn.Set(idKey(m.ID), messageKey(m)); err != nil {
				return err
			}
		}
		return nil
	})
}

// QueryRecent walks the channel prefix backwards from its newest key.
func (s *Store) QueryRecent(_ context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error) {
	msgs := make([]chat.Message, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := messagePrefix(kind)
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), []byte("9999999999999999999")...)
		for it.Seek(seek); it.ValidForPrefix(prefix); it.Next() {
			if limit > 0 && len(msgs) == limit {
				break
			}
			err := it.Item().Value(func(val []byte) error {
				var m chat.Message
				if err := json.Unmarshal(val, &m); err != nil {
					return err
				}
				m.Timestamp = m.Timestamp.UTC()
				msgs = append(msgs, m)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("query recent %s: %w", kind, err)
	}
	return lo.Reverse(msgs), nil
}

func (s *Store) SaveIdentity(_ context.Context, identity chat.Identity) error {
	if !identity.Valid() {
		return chat.ErrInvalidIdentity
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(userKey(identity.UserID), []byte(identity.DisplayName))
	})
}

func (s *Store) ListIdentities(context.Context) ([]chat.Identity, error) {
	out := make([]chat.Identity, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := []byte("user:")
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			name, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			out = append(out, chat.Identity{
				UserID:      string(item.Key()[len(prefix):]),
				DisplayName: string(name),
			})
		}
		return nil
	})
	return out, err
}

func (s *Store) FriendsOf(_ context.Context, userID string) ([]chat.Identity, error) {
	out := make([]chat.Identity, 0)
	err := s.db.View(func(txn *badger.Txn) error {
		prefix := friendPrefix(userID)
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		var ids []string
		for it.Rewind(); it.ValidForPrefix(prefix); it.Next() {
			ids = append(ids, string(it.Item().Key()[len(prefix):]))
		}
		for _, id := range ids {
			identity := chat.Identity{UserID: id}
			item, err := txn.Get(userKey(id))
			switch {
			case err == nil:
				name, err := item.ValueCopy(nil)
				if err != nil {
					return err
				}
				identity.DisplayName = string(name)
			case !errors.Is(err, badger.ErrKeyNotFound):
				return err
			}
			out = append(out, identity)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("friends of %s: %w", userID, err)
	}
	return out, nil
}

func (s *Store) AddFriendship(_ context.Context, a, b string) error {
	if a == b {
		return store.ErrSelfFriendship
	}
	return s.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(append(friendPrefix(a), b...), []byte{}); err != nil {
			return err
		}
		return txn.Set(append(friendPrefix(b), a...), []byte{})
	})
}
