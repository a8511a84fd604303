package app

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/auth"
	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/config"
	"github.com/Tyrowin/realmchat/internal/store"
	"github.com/Tyrowin/realmchat/internal/store/memory"
)

const (
	origin = "http://localhost:8080"
	secret = "app-test-secret-0123456789"
)

var (
	alice = chat.Identity{UserID: "u-alice", DisplayName: "Alice"}
	bob   = chat.Identity{UserID: "u-bob", DisplayName: "Bob"}
	carol = chat.Identity{UserID: "u-carol", DisplayName: "Carol"}
	dave  = chat.Identity{UserID: "u-dave", DisplayName: "Dave"}
)

type harness struct {
	t      *testing.T
	app    *App
	store  store.Store
	server *httptest.Server
	issuer *auth.Verifier
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg, err := config.LoadFrom(map[string]string{
		"APP_ENV":      "test",
		"JWT_SECRET":   secret,
		"STORE_DRIVER": "memory",
		"BATCH_DELAY":  "20ms",
	})
	require.NoError(t, err)
	return cfg
}

func start(t *testing.T, st store.Store) *harness {
	t.Helper()
	a, err := New(context.Background(), testConfig(t), st, zerolog.Nop())
	require.NoError(t, err)
	a.Start()

	srv := httptest.NewServer(a.Handler())
	issuer, err := auth.NewVerifier(secret)
	require.NoError(t, err)

	h := &harness{t: t, app: a, store: st, server: srv, issuer: issuer}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = a.Shutdown(ctx)
		srv.Close()
	})
	return h
}

type peer struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h *harness) connect(identity chat.Identity) *peer {
	h.t.Helper()
	before := h.app.registry.Count()

	token, err := h.issuer.Issue(identity, time.Hour)
	require.NoError(h.t, err)
	header := http.Header{}
	header.Set("Origin", origin)
	header.Set("Authorization", "Bearer "+token)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial("ws"+strings.TrimPrefix(h.server.URL, "http")+"/ws", header)
	require.NoError(h.t, err)
	_ = resp.Body.Close()
	h.t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(h.t, func() bool { return h.app.registry.Count() > before },
		2*time.Second, 5*time.Millisecond)
	return &peer{t: h.t, conn: conn}
}

func (p *peer) send(eventType chat.EventType, payload any) {
	p.t.Helper()
	raw, err := chat.Encode(eventType, payload)
	require.NoError(p.t, err)
	require.NoError(p.t, p.conn.WriteMessage(websocket.TextMessage, raw))
}

func (p *peer) read(timeout time.Duration) (chat.Frame, error) {
	var frame chat.Frame
	if err := p.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return frame, err
	}
	err := p.conn.ReadJSON(&frame)
	return frame, err
}

// next returns the next frame of eventType, skipping others.
func (p *peer) next(eventType chat.EventType) chat.Frame {
	p.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		frame, err := p.read(time.Until(deadline))
		require.NoError(p.t, err, "waiting for %s", eventType)
		if frame.Type == eventType {
			return frame
		}
	}
}

func (p *peer) message() chat.Message {
	p.t.Helper()
	var payload chat.MessagePayload
	require.NoError(p.t, json.Unmarshal(p.next(chat.EventMessage).Payload, &payload))
	return payload.Message
}

func (p *peer) presence() chat.PresencePayload {
	p.t.Helper()
	var payload chat.PresencePayload
	require.NoError(p.t, json.Unmarshal(p.next(chat.EventPresence).Payload, &payload))
	return payload
}

func (p *peer) join(kind chat.ChannelKind) []chat.Message {
	p.t.Helper()
	p.send(chat.EventJoin, chat.JoinPayload{Channel: kind.String()})
	var payload chat.HistoryPayload
	require.NoError(p.t, json.Unmarshal(p.next(chat.EventHistory).Payload, &payload))
	return payload.Messages
}

// drain returns every frame received until the connection is silent for window.
func (p *peer) drain(window time.Duration) []chat.Frame {
	p.t.Helper()
	var frames []chat.Frame
	for {
		frame, err := p.read(window)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return frames
		}
		require.NoError(p.t, err)
		frames = append(frames, frame)
	}
}

func (h *harness) syncPresence() {
	h.t.Helper()
	require.NoError(h.t, h.app.notifier.Sync(context.Background()))
}

func TestChannelMessagesReachExactlyTheSubscribers(t *testing.T) {
	h := start(t, memory.New())
	b := h.connect(bob)
	c := h.connect(carol)
	d := h.connect(dave)

	b.join(chat.ChannelGlobal)
	c.join(chat.ChannelGlobal)
	d.join(chat.ChannelTrade)

	b.send(chat.EventPublish, chat.PublishPayload{Channel: "global", Body: "hello"})

	got := c.message()
	require.Equal(t, "Bob", got.SenderName)
	require.Equal(t, "hello", got.Body)
	require.Equal(t, got.ID, b.message().ID)

	for _, f := range d.drain(200 * time.Millisecond) {
		require.NotEqual(t, chat.EventMessage, f.Type)
	}
}

func TestMessagesArePersistedAndReplayedOnJoin(t *testing.T) {
	st := memory.New()
	h := start(t, st)
	a := h.connect(alice)
	require.Empty(t, a.join(chat.ChannelTrade))

	for _, body := range []string{"one", "two", "three"} {
		a.send(chat.EventPublish, chat.PublishPayload{Channel: "trade", Body: body})
		a.message()
	}

	require.Eventually(t, func() bool {
		msgs, err := st.QueryRecent(context.Background(), chat.ChannelTrade, 10)
		return err == nil && len(msgs) == 3
	}, 2*time.Second, 10*time.Millisecond)
	require.NoError(t, h.app.pipeline.Drain(context.Background()))

	b := h.connect(bob)
	history := b.join(chat.ChannelTrade)
	require.Len(t, history, 3)
	require.Equal(t, "one", history[0].Body)
	require.Equal(t, "three", history[2].Body)
}

func TestWhispersReachEveryTabOfBothParties(t *testing.T) {
	st := memory.New()
	h := start(t, st)
	a1 := h.connect(alice)
	a2 := h.connect(alice)
	b := h.connect(bob)

	a1.send(chat.EventWhisper, chat.WhisperPayload{Recipient: "bob", Body: "meet at the gate"})

	in := b.message()
	require.Equal(t, chat.DirectionInbound, in.Direction)
	require.Equal(t, "Alice", in.SenderName)

	for _, tab := range []*peer{a1, a2} {
		out := tab.message()
		require.Equal(t, chat.DirectionOutbound, out.Direction)
		require.Equal(t, "Bob", out.RecipientName)
	}

	require.Eventually(t, func() bool {
		msgs, err := st.QueryRecent(context.Background(), chat.ChannelWhisper, 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestWhisperToKnownOfflineUserIsStored(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.SaveIdentity(context.Background(), carol))
	h := start(t, st)
	a := h.connect(alice)

	a.send(chat.EventWhisper, chat.WhisperPayload{Recipient: "Carol", Body: "ping me"})
	require.Equal(t, "Carol", a.message().RecipientName)

	require.Eventually(t, func() bool {
		msgs, err := st.QueryRecent(context.Background(), chat.ChannelWhisper, 10)
		return err == nil && len(msgs) == 2
	}, 2*time.Second, 10*time.Millisecond)
}

func TestPresenceFollowsFirstAndLastConnection(t *testing.T) {
	st := memory.New()
	require.NoError(t, st.AddFriendship(context.Background(), alice.UserID, bob.UserID))
	h := start(t, st)

	a := h.connect(alice)
	h.syncPresence()

	b1 := h.connect(bob)
	h.syncPresence()
	require.Equal(t, chat.PresencePayload{Username: "Bob", State: chat.PresenceOnline}, a.presence())
	require.Equal(t, chat.PresencePayload{Username: "Alice", State: chat.PresenceOnline}, b1.presence())

	// A second tab gets its own snapshot but does not re-announce Bob.
	b2 := h.connect(bob)
	h.syncPresence()
	require.Equal(t, chat.PresencePayload{Username: "Alice", State: chat.PresenceOnline}, b2.presence())

	require.NoError(t, b1.conn.Close())
	require.Eventually(t, func() bool { return h.app.registry.Count() == 2 }, 2*time.Second, 5*time.Millisecond)
	h.syncPresence()
	for _, f := range a.drain(150 * time.Millisecond) {
		require.NotEqual(t, chat.EventPresence, f.Type)
	}

	require.NoError(t, b2.conn.Close())
	require.Equal(t, chat.PresencePayload{Username: "Bob", State: chat.PresenceOffline}, a.presence())
}

func TestShutdownFlushesPendingWrites(t *testing.T) {
	st := memory.New()
	cfg := testConfig(t)
	cfg.Pipeline.BatchDelay = time.Hour

	a, err := New(context.Background(), cfg, st, zerolog.Nop())
	require.NoError(t, err)
	a.Start()
	srv := httptest.NewServer(a.Handler())
	defer srv.Close()

	issuer, err := auth.NewVerifier(secret)
	require.NoError(t, err)
	h := &harness{t: t, app: a, store: st, server: srv, issuer: issuer}

	p := h.connect(alice)
	p.join(chat.ChannelGroup)
	p.send(chat.EventPublish, chat.PublishPayload{Channel: "group", Body: "before shutdown"})
	p.message()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, a.Shutdown(ctx))

	notice := p.message()
	require.Equal(t, chat.ChannelSystem, notice.Channel)

	require.Equal(t, int64(1), a.pipeline.Stats().Persisted)
	require.ErrorIs(t, st.Ping(ctx), store.ErrClosed)
}

func TestNewRejectsShortSecret(t *testing.T) {
	cfg := testConfig(t)
	cfg.JWTSecret = "short"
	_, err := New(context.Background(), cfg, memory.New(), zerolog.Nop())
	require.Error(t, err)
}

func TestOpenStore(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name string
		cfg  config.StoreConfig
	}{
		{"memory", config.StoreConfig{Driver: "memory"}},
		{"sqlite", config.StoreConfig{Driver: "sqlite", SQLitePath: filepath.Join(dir, "chat.db")}},
		{"badger", config.StoreConfig{Driver: "badger", BadgerPath: filepath.Join(dir, "badger")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			st, err := OpenStore(context.Background(), tt.cfg, zerolog.Nop())
			require.NoError(t, err)
			require.NoError(t, st.Ping(context.Background()))
			require.NoError(t, st.Close())
		})
	}

	_, err := OpenStore(context.Background(), config.StoreConfig{Driver: "etcd"}, zerolog.Nop())
	require.ErrorContains(t, err, "unknown store driver")
}
