package server

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/Tyrowin/realmchat/internal/chat"
)

func get(t *testing.T, url string) (*http.Response, string) {
	t.Helper()
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestRootHandler(t *testing.T) {
	f := newFixture(t)
	resp, body := get(t, f.server.URL+"/")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	require.Equal(t, "Realm chat server is running!", body)
}

func TestHealthz(t *testing.T) {
	t.Run("store reachable", func(t *testing.T) {
		f := newFixture(t)
		f.connect(alice)

		resp, body := get(t, f.server.URL+"/healthz")
		require.Equal(t, http.StatusOK, resp.StatusCode)
		require.Equal(t, "ok clients=1", body)
	})

	t.Run("store unreachable", func(t *testing.T) {
		f := newFixture(t, withHealth(failingPinger{}))

		resp, body := get(t, f.server.URL+"/healthz")
		require.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		require.Equal(t, "store unavailable", body)
	})
}

func TestTestPageIsServed(t *testing.T) {
	f := newFixture(t)
	resp, body := get(t, f.server.URL+"/test")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/html", resp.Header.Get("Content-Type"))
	require.Contains(t, body, "Realm Chat WebSocket Test")
	require.Contains(t, body, "/ws?token=")
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	resp, body := get(t, f.server.URL+"/metrics")

	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Contains(t, body, "gochat_connections_active")
}

func TestWebSocketRejectsNonGet(t *testing.T) {
	f := newFixture(t)
	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Post(f.server.URL+"/ws", "text/plain", strings.NewReader("hi"))
	require.NoError(t, err)
	defer resp.Body.Close()

	require.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)
}

func TestHandshakeAuthentication(t *testing.T) {
	f := newFixture(t)
	expired, err := f.verifier.Issue(alice, -time.Minute)
	require.NoError(t, err)

	tests := []struct {
		name   string
		header func(h http.Header)
	}{
		{"no credential", func(http.Header) {}},
		{"garbage credential", func(h http.Header) { h.Set("Authorization", "Bearer not-a-token") }},
		{"expired credential", func(h http.Header) { h.Set("Authorization", "Bearer "+expired) }},
		{"wrong scheme", func(h http.Header) { h.Set("Authorization", "Basic "+f.token(alice)) }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			header.Set("Origin", testOrigin)
			tt.header(header)

			conn, status, err := f.dial(header)
			require.Error(t, err)
			require.Nil(t, conn)
			require.Equal(t, http.StatusUnauthorized, status)
		})
	}
	require.Zero(t, f.hub.ClientCount())
}

func TestHandshakeAcceptsQueryToken(t *testing.T) {
	f := newFixture(t)
	header := http.Header{}
	header.Set("Origin", testOrigin)

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, resp, err := dialer.Dial(f.wsURL()+"?token="+f.token(bob), header)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusSwitchingProtocols, resp.StatusCode)
	_ = conn.Close()
}

func TestHandshakeOriginPolicy(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name   string
		origin string
		ok     bool
	}{
		{"allowed origin", testOrigin, true},
		{"allowed origin in other case", "HTTP://LOCALHOST:8080", true},
		{"foreign origin", "http://evil.example", false},
		{"missing origin", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			header := http.Header{}
			if tt.origin != "" {
				header.Set("Origin", tt.origin)
			}
			header.Set("Authorization", "Bearer "+f.token(carol))

			conn, status, err := f.dial(header)
			if tt.ok {
				require.NoError(t, err)
				_ = conn.Close()
				return
			}
			require.Error(t, err)
			require.Equal(t, http.StatusForbidden, status)
		})
	}
}

func TestHandshakeRemembersIdentity(t *testing.T) {
	f := newFixture(t)
	f.connect(bob)

	ids, err := f.store.ListIdentities(context.Background())
	require.NoError(t, err)
	require.Contains(t, ids, chat.Identity{UserID: "u-bob", DisplayName: "Bob"})
}
