// Package sqlite is the default store.Store backend, a single SQLite file
// opened through the pure-Go modernc driver.
package sqlite

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/samber/lo"
	_ "modernc.org/sqlite"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
)

//go:embed schema.sql
var schema string

// Store persists messages, identities and friendships in SQLite.
type Store struct {
	db *sql.DB
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and applies the schema.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0o755); err != nil {
		return nil, fmt.Errorf("create sqlite dir: %w", err)
	}

	dsn := "file:" + cleanPath + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// AppendBatch inserts msgs in one transaction. Existing ids are skipped.
func (s *Store) AppendBatch(ctx context.Context, msgs []chat.Message) error {
	if len(msgs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR IGNORE INTO messages (
		  id, channel, sender_id, sender_name, recipient_id, recipient_name, direction, body, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, m := range msgs {
		if _, err := stmt.ExecContext(ctx,
			m.ID,
			string(m.Channel),
			m.SenderID,
			m.SenderName,
			m.RecipientID,
			m.RecipientName,
			string(m.Direction),
			m.Body,
			m.Timestamp.UTC().UnixNano(),
		); err != nil {
			return fmt.Errorf("insert message %s: %w", m.ID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// QueryRecent returns the newest limit messages of a channel, oldest first.
func (s *Store) QueryRecent(ctx context.Context, kind chat.ChannelKind, limit int) ([]chat.Message, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, channel, sender_id, sender_name, recipient_id, recipient_name, direction, body, created_at
		FROM messages
		WHERE channel = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("query recent %s: %w", kind, err)
	}
	defer rows.Close()

	msgs := make([]chat.Message, 0)
	for rows.Next() {
		var (
			m         chat.Message
			channel   string
			direction string
			createdAt int64
		)
		if err := rows.Scan(&m.ID, &channel, &m.SenderID, &m.SenderName, &m.RecipientID, &m.RecipientName, &direction, &m.Body, &createdAt); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		m.Channel = chat.ChannelKind(channel)
		m.Direction = chat.Direction(direction)
		m.Timestamp = time.Unix(0, createdAt).UTC()
		msgs = append(msgs, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return lo.Reverse(msgs), nil
}

func (s *Store) SaveIdentity(ctx context.Context, identity chat.Identity) error {
	if !identity.Valid() {
		return chat.ErrInvalidIdentity
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET display_name = excluded.display_name, updated_at = excluded.updated_at`,
		identity.UserID, identity.DisplayName, time.Now().UTC().UnixMilli())
	if err != nil {
		return fmt.Errorf("save identity: %w", err)
	}
	return nil
}

func (s *Store) ListIdentities(ctx context.Context) ([]chat.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, display_name FROM users ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list identities: %w", err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (s *Store) FriendsOf(ctx context.Context, userID string) ([]chat.Identity, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT f.friend_id, COALESCE(u.display_name, '')
		FROM friendships f
		LEFT JOIN users u ON u.id = f.friend_id
		WHERE f.user_id = ?
		ORDER BY f.friend_id`, userID)
	if err != nil {
		return nil, fmt.Errorf("friends of %s: %w", userID, err)
	}
	defer rows.Close()
	return scanIdentities(rows)
}

func (s *Store) AddFriendship(ctx context.Context, a, b string) error {
	if a == b {
		return store.ErrSelfFriendship
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, pair := range [][2]string{{a, b}, {b, a}} {
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO friendships (user_id, friend_id) VALUES (?, ?)`, pair[0], pair[1]); err != nil {
			return fmt.Errorf("add friendship: %w", err)
		}
	}
	return tx.Commit()
}

func scanIdentities(rows *sql.Rows) ([]chat.Identity, error) {
	out := make([]chat.Identity, 0)
	for rows.Next() {
		var id chat.Identity
		if err := rows.Scan(&id.UserID, &id.DisplayName); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
