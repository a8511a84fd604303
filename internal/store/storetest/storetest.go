// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
)

// Factory opens a fresh, empty store. The store is closed by Run.
type Factory func(t *testing.T) store.Store

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

// Message builds a message at base time plus offset.
func Message(kind chat.ChannelKind, body string, offset time.Duration) chat.Message {
	return chat.Message{
		ID:         chat.NewMessageID(),
		Channel:    kind,
		SenderID:   "u-ann",
		SenderName: "Ann",
		Body:       body,
		Timestamp:  base.Add(offset),
	}
}

// Run executes the shared suite against stores produced by open.
func Run(t *testing.T, open Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"recent messages are the newest, oldest first", testQueryRecent},
		{"channels are isolated", testChannelIsolation},
		{"duplicate ids are ignored", testDuplicateIDs},
		{"whisper fields survive", testWhisperFields},
		{"empty channel", testEmptyChannel},
		{"identities upsert", testIdentities},
		{"friendships are symmetric", testFriendships},
		{"ping", testPing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := open(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

func testQueryRecent(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	var msgs []chat.Message
	for i := 0; i < 8; i++ {
		msgs = append(msgs, Message(chat.ChannelGlobal, fmt.Sprintf("m%d", i), time.Duration(i)*time.Millisecond))
	}
	req.NoError(s.AppendBatch(ctx, msgs[:5]))
	req.NoError(s.AppendBatch(ctx, msgs[5:]))

	got, err := s.QueryRecent(ctx, chat.ChannelGlobal, 3)
	req.NoError(err)
	RequireSameMessages(t, msgs[5:], got)

	got, err = s.QueryRecent(ctx, chat.ChannelGlobal, 100)
	req.NoError(err)
	RequireSameMessages(t, msgs, got)
}

func testChannelIsolation(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	global := Message(chat.ChannelGlobal, "hello all", 0)
	trade := Message(chat.ChannelTrade, "wts sword", time.Millisecond)
	group := Message(chat.ChannelGroup, "pull now", 2*time.Millisecond)
	req.NoError(s.AppendBatch(ctx, []chat.Message{global, trade, group}))

	got, err := s.QueryRecent(ctx, chat.ChannelTrade, 10)
	req.NoError(err)
	RequireSameMessages(t, []chat.Message{trade}, got)
}

func testDuplicateIDs(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	a := Message(chat.ChannelGlobal, "a", 0)
	b := Message(chat.ChannelGlobal, "b", time.Millisecond)
	req.NoError(s.AppendBatch(ctx, []chat.Message{a, b}))
	req.NoError(s.AppendBatch(ctx, []chat.Message{b}))

	got, err := s.QueryRecent(ctx, chat.ChannelGlobal, 10)
	req.NoError(err)
	RequireSameMessages(t, []chat.Message{a, b}, got)
}

func testWhisperFields(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	out := Message(chat.ChannelWhisper, "psst", 0)
	out.RecipientID = "u-bob"
	out.RecipientName = "Bob"
	out.Direction = chat.DirectionOutbound
	in := out
	in.ID = chat.NewMessageID()
	in.Direction = chat.DirectionInbound
	req.NoError(s.AppendBatch(ctx, []chat.Message{out, in}))

	got, err := s.QueryRecent(ctx, chat.ChannelWhisper, 10)
	req.NoError(err)
	req.Len(got, 2)
	byID := map[string]chat.Message{got[0].ID: got[0], got[1].ID: got[1]}
	req.Equal(chat.DirectionOutbound, byID[out.ID].Direction)
	req.Equal(chat.DirectionInbound, byID[in.ID].Direction)
	req.Equal("u-bob", byID[in.ID].RecipientID)
	req.Equal("Bob", byID[in.ID].RecipientName)
}

func testEmptyChannel(t *testing.T, s store.Store) {
	req := require.New(t)
	got, err := s.QueryRecent(context.Background(), chat.ChannelGroup, 10)
	req.NoError(err)
	req.Empty(got)
	req.NoError(s.AppendBatch(context.Background(), nil))
}

func testIdentities(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	req.NoError(s.SaveIdentity(ctx, chat.Identity{UserID: "u-ann", DisplayName: "Ann"}))
	req.NoError(s.SaveIdentity(ctx, chat.Identity{UserID: "u-bob", DisplayName: "Bob"}))
	req.NoError(s.SaveIdentity(ctx, chat.Identity{UserID: "u-ann", DisplayName: "Annie"}))

	ids, err := s.ListIdentities(ctx)
	req.NoError(err)
	req.ElementsMatch([]chat.Identity{
		{UserID: "u-ann", DisplayName: "Annie"},
		{UserID: "u-bob", DisplayName: "Bob"},
	}, ids)
}

func testFriendships(t *testing.T, s store.Store) {
	req := require.New(t)
	ctx := context.Background()

	req.NoError(s.SaveIdentity(ctx, chat.Identity{UserID: "u-ann", DisplayName: "Ann"}))
	req.NoError(s.SaveIdentity(ctx, chat.Identity{UserID: "u-bob", DisplayName: "Bob"}))
	req.NoError(s.SaveIdentity(ctx, chat.Identity{UserID: "u-cid", DisplayName: "Cid"}))
	req.NoError(s.AddFriendship(ctx, "u-ann", "u-bob"))
	req.NoError(s.AddFriendship(ctx, "u-ann", "u-cid"))
	req.NoError(s.AddFriendship(ctx, "u-bob", "u-ann"))

	friends, err := s.FriendsOf(ctx, "u-ann")
	req.NoError(err)
	req.ElementsMatch([]chat.Identity{
		{UserID: "u-bob", DisplayName: "Bob"},
		{UserID: "u-cid", DisplayName: "Cid"},
	}, friends)

	friends, err = s.FriendsOf(ctx, "u-cid")
	req.NoError(err)
	req.Equal([]chat.Identity{{UserID: "u-ann", DisplayName: "Ann"}}, friends)

	friends, err = s.FriendsOf(ctx, "u-nobody")
	req.NoError(err)
	req.Empty(friends)

	req.Error(s.AddFriendship(ctx, "u-ann", "u-ann"))
}

func testPing(t *testing.T, s store.Store) {
	require.NoError(t, s.Ping(context.Background()))
}

// RequireSameMessages compares messages by id, body, channel and instant.
func RequireSameMessages(t *testing.T, want, got []chat.Message) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range want {
		require.Equal(t, want[i].ID, got[i].ID, "position %d", i)
		require.Equal(t, want[i].Body, got[i].Body)
		require.Equal(t, want[i].Channel, got[i].Channel)
		require.Equal(t, want[i].SenderName, got[i].SenderName)
		require.True(t, want[i].Timestamp.Equal(got[i].Timestamp), "timestamp %v != %v", want[i].Timestamp, got[i].Timestamp)
	}
}
