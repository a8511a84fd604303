package server

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/auth"
	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/config"
	"github.com/Tyrowin/realmchat/internal/directory"
	"github.com/Tyrowin/realmchat/internal/history"
	"github.com/Tyrowin/realmchat/internal/persist"
	"github.com/Tyrowin/realmchat/internal/registry"
	"github.com/Tyrowin/realmchat/internal/router"
	"github.com/Tyrowin/realmchat/internal/store/memory"
)

const (
	testOrigin = "http://localhost:8080"
	testSecret = "server-test-secret-0123456789"
)

var (
	alice = chat.Identity{UserID: "u-alice", DisplayName: "Alice"}
	bob   = chat.Identity{UserID: "u-bob", DisplayName: "Bob"}
	carol = chat.Identity{UserID: "u-carol", DisplayName: "Carol"}
)

type fixture struct {
	t        *testing.T
	hub      *Hub
	store    *memory.Store
	verifier *auth.Verifier
	server   *httptest.Server
	pipeline *persist.Pipeline
}

type fixtureOption func(*HandlerOptions)

func withSettings(s ClientSettings) fixtureOption {
	return func(o *HandlerOptions) { o.Settings = s }
}

func withHealth(p Pinger) fixtureOption {
	return func(o *HandlerOptions) { o.Health = p }
}

// newFixture wires a hub and its routers over an in-memory store behind a
// real HTTP server.
func newFixture(t *testing.T, opts ...fixtureOption) *fixture {
	t.Helper()
	log := zerolog.Nop()
	st := memory.New()

	reg := registry.New(log)
	cache := history.New(st, log)
	pipeline := persist.New(st, cache, log, persist.WithBatchDelay(10*time.Millisecond))
	go pipeline.Run()

	dir := directory.New(st, log)
	channels := router.NewChannels(reg, cache, pipeline, log)
	whispers := router.NewWhispers(reg, dir, pipeline, log)
	hub := NewHub(reg, channels, whispers, log)
	go hub.Run()

	verifier, err := auth.NewVerifier(testSecret)
	require.NoError(t, err)

	handlerOpts := HandlerOptions{
		Hub:       hub,
		Verifier:  verifier,
		Directory: dir,
		Health:    st,
		Settings: ClientSettings{
			MaxMessageSize: 4096,
			RateLimit:      config.RateLimitConfig{Burst: 100, RefillSeconds: 1},
		},
		AllowedOrigins: []string{testOrigin},
		Logger:         log,
	}
	for _, opt := range opts {
		opt(&handlerOpts)
	}
	srv := httptest.NewServer(SetupRoutes(NewHandler(handlerOpts), log))

	f := &fixture{t: t, hub: hub, store: st, verifier: verifier, server: srv, pipeline: pipeline}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = hub.Shutdown(ctx)
		srv.Close()
		pipeline.Close()
	})
	return f
}

func (f *fixture) wsURL() string {
	return "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws"
}

func (f *fixture) token(identity chat.Identity) string {
	f.t.Helper()
	token, err := f.verifier.Issue(identity, time.Hour)
	require.NoError(f.t, err)
	return token
}

// dial opens a connection with the given headers and returns the handshake
// response status alongside any error.
func (f *fixture) dial(header http.Header) (*websocket.Conn, int, error) {
	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(f.wsURL(), header)
	status := 0
	if resp != nil {
		status = resp.StatusCode
		_ = resp.Body.Close()
	}
	return conn, status, err
}

// connect dials as identity and waits until the hub has registered the
// connection.
func (f *fixture) connect(identity chat.Identity) *wsClient {
	f.t.Helper()
	before := f.hub.ClientCount()

	header := http.Header{}
	header.Set("Origin", testOrigin)
	header.Set("Authorization", "Bearer "+f.token(identity))
	conn, _, err := f.dial(header)
	require.NoError(f.t, err)
	f.t.Cleanup(func() { _ = conn.Close() })

	require.Eventually(f.t, func() bool { return f.hub.ClientCount() > before },
		2*time.Second, 5*time.Millisecond)
	return &wsClient{t: f.t, conn: conn}
}

type wsClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (c *wsClient) send(eventType chat.EventType, payload any) {
	c.t.Helper()
	raw, err := chat.Encode(eventType, payload)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, raw))
}

func (c *wsClient) sendRaw(raw string) {
	c.t.Helper()
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, []byte(raw)))
}

func (c *wsClient) read(timeout time.Duration) (chat.Frame, error) {
	if err := c.conn.SetReadDeadline(time.Now().Add(timeout)); err != nil {
		return chat.Frame{}, err
	}
	_, raw, err := c.conn.ReadMessage()
	if err != nil {
		return chat.Frame{}, err
	}
	var frame chat.Frame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return chat.Frame{}, err
	}
	return frame, nil
}

// expect reads frames until one of eventType arrives, skipping the rest.
func (c *wsClient) expect(eventType chat.EventType) chat.Frame {
	c.t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		frame, err := c.read(time.Until(deadline))
		require.NoError(c.t, err, "waiting for %s", eventType)
		if frame.Type == eventType {
			return frame
		}
	}
	c.t.Fatalf("no %s frame before deadline", eventType)
	return chat.Frame{}
}

func (c *wsClient) expectMessage() chat.Message {
	c.t.Helper()
	var p chat.MessagePayload
	require.NoError(c.t, json.Unmarshal(c.expect(chat.EventMessage).Payload, &p))
	return p.Message
}

func (c *wsClient) expectError() string {
	c.t.Helper()
	var p chat.ErrorPayload
	require.NoError(c.t, json.Unmarshal(c.expect(chat.EventError).Payload, &p))
	return p.Code
}

func (c *wsClient) join(kind chat.ChannelKind) {
	c.t.Helper()
	c.send(chat.EventJoin, chat.JoinPayload{Channel: kind.String()})
	c.expect(chat.EventHistory)
}

// quiet collects frames until the connection stays silent for window.
func (c *wsClient) quiet(window time.Duration) []chat.Frame {
	c.t.Helper()
	var frames []chat.Frame
	for {
		frame, err := c.read(window)
		var netErr net.Error
		if errors.As(err, &netErr) && netErr.Timeout() {
			return frames
		}
		require.NoError(c.t, err)
		frames = append(frames, frame)
	}
}

type failingPinger struct{}

func (failingPinger) Ping(context.Context) error { return errors.New("store down") }
