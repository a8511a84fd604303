// Package postgres is the store.Store backend for PostgreSQL, via pgx.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/samber/lo"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
    id             TEXT PRIMARY KEY,
    channel        TEXT   NOT NULL,
    sender_id      TEXT   NOT NULL,
    sender_name    TEXT   NOT NULL,
    recipient_id   TEXT   NOT NULL DEFAULT '',
    recipient_name TEXT   NOT NULL DEFAULT '',
    direction      TEXT   NOT NULL DEFAULT '',
    body           TEXT   NOT NULL,
    created_at     BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_messages_channel_created ON messages (channel, created_at DESC, id DESC);
CREATE TABLE IF NOT EXISTS users (
    id           TEXT PRIMARY KEY,
    display_name TEXT        NOT NULL DEFAULT '',
    updated_at   TIMESTAMPTZ NOT NULL DEFAULT now()
);
CREATE TABLE IF NOT EXISTS friendships (
    user_id   TEXT NOT NULL,
    friend_id TEXT NOT NULL,
    PRIMARY KEY (user_id, friend_id)
);`

// Store handles PostgreSQL operations.
type Store struct {
	pool *pgxpool.Pool
}

var _ store.Store = (*Store)(nil)

// Open creates a connection pool, pings it and applies the schema.
func Open(ctx context.Context, databaseURL string) (*Store, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{pool: pool}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// AppendBatch sends every insert in one pgx batch inside a transaction.
func (s *Store) AppendBatch(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		batch := &pgx.Batch{}
		for _, m := range msgs {
			batch.Queue(`
				INSERT INTO messages (id, channel, sender_id, sender_name, recipient_id, recipient_name, direction, body, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
				ON CONFLICT (id) DO NOTHING`,
				m.ID, string(m.Channel), m.SenderID, m.SenderName, m.RecipientID, m.RecipientName,
				string(m.Direction), m.Body, m.Timestamp.UTC().UnixNano())
		}
		if err := tx.SendBatch(ctx, batch).Close(); err != nil {
			return fmt.Errorf("insert batch: %w", err)
		}
		return nil
	})
}

func (s *Store) QueryRecent(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error) {
	var limitArg any
	if limit > 0 {
		limitArg = limit
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, channel, sender_id, sender_name, recipient_id, recipient_name, direction, body, created_at
		FROM messages
		WHERE channel = $1
		ORDER BY created_at DESC, id DESC
		LIMIT $2`, string(kind), limitArg)
	if err != nil {
		return nil, fmt.Errorf("query recent %s: %w", kind, err)
	}
	msgs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Message, error) {
		var (
			m         chat.Message
			channel   string
			direction string
			createdAt int64
		)
		err := row.Scan(&m.ID, &channel, &m.SenderID, &m.SenderName, &m.RecipientID, &m.RecipientName, &direction, &m.Body, &createdAt)
		m.Channel = chat.ChannelKind(channel)
		m.Direction = chat.Direction(direction)
		m.Timestamp = time.Unix(0, createdAt).UTC()
		return m, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan messages: %w", err)
	}
	return lo.Reverse(msgs), nil
}

func (s *Store) SaveIdentity(ctx context.Context, identity chat.Identity) error {
	if !identity.Valid() {
		return chat.ErrInvalidIdentity
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO users (id, display_name, updated_at) VALUES ($1, $2, now())
		ON CONFLICT (id) DO UPDATE SET display_name = EXCLUDED.display_name, updated_at = now()`,
		identity.UserID, identity.DisplayName)
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]chat.Identity, error) {
	rows, err := s.pool.Query(ctx, `SELECT id, display_name FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	return collectIdentities(rows)
}

func (s *Store) FriendsOf(ctx context.Context, userID string) ([]chat.Identity, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT f.friend_id, COALESCE(u.display_name, '')
		FROM friendships f
		LEFT JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = $1
		ORDER BY f.friend_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("friends of %s: %w", userID, err)
	}
	return collectIdentities(rows)
}

func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	if a == b {
		return store.ErrSelfFriendship
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO friendships (user_id, friend_id) VALUES ($1, $2), ($2, $1)
		ON CONFLICT DO NOTHING`, a, b)
	if err != nil {
		return fmt.Errorf("add friendship: %w", err)
	}
	return nil
}

func collectIdentities(rows pgx.Rows) ([]chat.Identity, error) {
	ids, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (chat.Identity, error) {
		var id chat.Identity
		err := row.Scan(&id.UserID, &id.DisplayName)
		return id, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan identities: %w", err)
	}
	return ids, nil
}
