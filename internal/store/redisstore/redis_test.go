package redisstore

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/store"
	"github.com/Tyrowin/realmchat/internal/store/storetest"
)

func openMini(t *testing.T) (*Store, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	s, err := Open(context.Background(), "redis://"+mr.Addr())
	require.NoError(t, err)
	return s, mr
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) store.Store {
		s, _ := openMini(t)
		return s
	})
}

func TestLayout(t *testing.T) {
	req := require.New(t)
	s, mr := openMini(t)
	defer s.Close()

	msg := storetest.Message(chat.ChannelGroup, "inv plz", 0)
	req.NoError(s.AppendBatch(context.Background(), []chat.Message{msg}))

	members, err := mr.ZMembers("chat:channel:group:ids")
	req.NoError(err)
	req.Equal([]string{msg.ID}, members)
	req.True(mr.Exists("chat:channel:group:messages"))
}

func TestOpenFailsWhenUnreachable(t *testing.T) {
	mr := miniredis.RunT(t)
	addr := mr.Addr()
	mr.Close()

	_, err := Open(context.Background(), "redis://"+addr)
	require.Error(t, err)
}

func TestOpenRejectsBadURL(t *testing.T) {
	_, err := Open(context.Background(), "http://nope")
	require.Error(t, err)
}
