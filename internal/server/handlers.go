// Package server exposes HTTP handlers, including WebSocket upgrades, health
// checks, and the built-in test page.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/auth"
	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/metrics"
)

//go:embed testpage.html
var testPage []byte

// Verifier resolves a bearer credential to an identity.
type Verifier interface {
	Verify(ctx context.Context, credential string) (chat.Identity, error)
}

// IdentityRecorder remembers authenticated identities for whisper addressing.
type IdentityRecorder interface {
	Remember(ctx context.Context, identity chat.Identity) error
}

// Pinger reports the health of a backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the HTTP endpoints of the chat service.
type Handler struct {
	hub       *Hub
	verifier  Verifier
	directory IdentityRecorder
	health    Pinger
	settings  ClientSettings
	upgrader  websocket.Upgrader
	log       zerolog.Logger
}

// HandlerOptions carries the collaborators of a Handler.
type HandlerOptions struct {
	Hub            *Hub
	Verifier       Verifier
	Directory      IdentityRecorder
	Health         Pinger
	Settings       ClientSettings
	AllowedOrigins []string
	Logger         zerolog.Logger
}

func NewHandler(opts HandlerOptions) *Handler {
	log := opts.Logger.With().Str("component", "http").Logger()
	origins := newOriginPolicy(opts.AllowedOrigins, log)
	return &Handler{
		hub:       opts.Hub,
		verifier:  opts.Verifier,
		directory: opts.Directory,
		health:    opts.Health,
		settings:  opts.Settings,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     origins.checkOrigin,
		},
		log: log,
	}
}

// WebSocket authenticates the request, upgrades it and hands the connection
// to the hub. A rejected credential is answered with 401 before the upgrade.
func (h *Handler) WebSocket(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	identity, err := h.verifier.Verify(r.Context(), auth.CredentialFromRequest(r))
	if err != nil {
		metrics.HandshakesRejected.Inc()
		h.log.Info().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket handshake rejected")
		http.Error(w, "Unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn().Err(err).Str("remote_addr", r.RemoteAddr).Msg("websocket upgrade failed")
		return
	}

	if h.directory != nil {
		if err := h.directory.Remember(r.Context(), identity); err != nil {
			h.log.Warn().Err(err).Str("user_id", identity.UserID).Msg("directory update incomplete")
		}
	}

	client := NewClient(conn, h.hub, identity, r.RemoteAddr, h.settings)
	if !h.hub.Register(client) {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
			time.Now().Add(writeWait))
		_ = conn.Close()
	}
}

// Root provides a simple liveness response.
func (h *Handler) Root(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Realm chat server is running!")
}

// Healthz checks the durable store.
func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	if h.health != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.health.Ping(ctx); err != nil {
			status := http.StatusServiceUnavailable
			if errors.Is(err, context.DeadlineExceeded) {
				status = http.StatusGatewayTimeout
			}
			h.log.Warn().Err(err).Msg("health check failed")
			w.WriteHeader(status)
			_, _ = fmt.Fprintf(w, "store unavailable")
			return
		}
	}
	_, _ = fmt.Fprintf(w, "ok clients=%d", h.hub.ClientCount())
}

// TestPage serves an HTML page for exercising the WebSocket protocol by hand.
func (h *Handler) TestPage(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if _, err := w.Write(testPage); err != nil {
		h.log.Debug().Err(err).Msg("write test page")
	}
}
