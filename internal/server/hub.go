// Package server coordinates client registration, inbound event dispatch,
// and connection cleanup for the chat WebSocket system via the Hub type.
package server

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/Tyrowin/realmchat/internal/chat"
	"github.com/Tyrowin/realmchat/internal/registry"
	"github.com/Tyrowin/realmchat/internal/router"
)

const shutdownNotice = "Server is shutting down. Please reconnect shortly."

// Hub serializes connection lifecycle and inbound events on one goroutine.
// Fan-out for an event completes before the next event is taken.
type Hub struct {
	registry *registry.Registry
	channels *router.Channels
	whispers *router.Whispers
	log      zerolog.Logger

	clients    map[*Client]struct{}
	mutex      sync.RWMutex
	register   chan *Client
	unregister chan *Client
	inbound    chan inboundFrame

	wg     sync.WaitGroup
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
}

// NewHub creates a Hub. Run must be started before clients register.
func NewHub(reg *registry.Registry, channels *router.Channels, whispers *router.Whispers, log zerolog.Logger) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		registry:   reg,
		channels:   channels,
		whispers:   whispers,
		log:        log.With().Str("component", "hub").Logger(),
		clients:    make(map[*Client]struct{}),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		inbound:    make(chan inboundFrame, sendBufferSize),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
}

// Register hands an upgraded client to the hub. It returns false when the
// hub is shutting down; the caller then owns the connection.
func (h *Hub) Register(c *Client) bool {
	select {
	case h.register <- c:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// Unregister removes a client. It is safe to call more than once.
func (h *Hub) Unregister(c *Client) {
	select {
	case h.unregister <- c:
	case <-h.ctx.Done():
	}
}

func (h *Hub) dispatch(in inboundFrame) bool {
	select {
	case h.inbound <- in:
		return true
	case <-h.ctx.Done():
		return false
	}
}

// ClientCount returns the number of clients the hub is serving.
func (h *Hub) ClientCount() int {
	h.mutex.RLock()
	defer h.mutex.RUnlock()
	return len(h.clients)
}

// Done is closed when Run returns.
func (h *Hub) Done() <-chan struct{} {
	return h.done
}

// Run starts the hub's main event loop. Call it in its own goroutine.
func (h *Hub) Run() {
	defer close(h.done)

	for {
		select {
		case <-h.ctx.Done():
			h.shutdownClients()
			return

		case client := <-h.register:
			if client == nil {
				h.log.Warn().Msg("received nil client registration, skipping")
				continue
			}
			h.handleRegister(client)

		case client := <-h.unregister:
			h.handleUnregister(client)

		case in := <-h.inbound:
			h.handleInbound(in)
		}
	}
}

func (h *Hub) handleRegister(client *Client) {
	reg, err := h.registry.Register(client, client.identity)
	if err != nil {
		h.log.Warn().Err(err).Str("addr", client.addr).Msg("registration refused")
		client.kick()
		return
	}
	client.id = reg.ID

	h.mutex.Lock()
	h.clients[client] = struct{}{}
	clientCount := len(h.clients)
	h.mutex.Unlock()
	client.log.Info().
		Str("connection_id", string(reg.ID)).
		Bool("first", reg.First).
		Int("clients", clientCount).
		Msg("client registered")

	h.wg.Add(2)
	go func() {
		defer h.wg.Done()
		client.writePump()
	}()
	go func() {
		defer h.wg.Done()
		client.readPump()
	}()
}

func (h *Hub) handleUnregister(client *Client) {
	h.mutex.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mutex.Unlock()
		return
	}
	delete(h.clients, client)
	clientCount := len(h.clients)
	h.mutex.Unlock()

	h.release(client)
	client.log.Info().
		Str("connection_id", string(client.id)).
		Int("clients", clientCount).
		Msg("client unregistered")
}

// release drops subscriptions before unregistering so peers still resolve
// the leaving user's name.
func (h *Hub) release(client *Client) {
	h.channels.Drop(client.id)
	h.registry.Unregister(client.id)
	client.close()
}

func (h *Hub) handleInbound(in inboundFrame) {
	h.mutex.RLock()
	_, live := h.clients[in.client]
	h.mutex.RUnlock()
	if !live {
		return
	}
	if err := h.route(in.client, in.frame); err != nil {
		in.client.sendError(err)
	}
}

// route applies one inbound event. Errors go back to the originating
// connection only.
func (h *Hub) route(c *Client, frame chat.Frame) error {
	switch frame.Type {
	case chat.EventJoin:
		var p chat.JoinPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		kind, err := chat.ParseChannel(p.Channel)
		if err != nil {
			return err
		}
		return h.channels.Join(h.ctx, c.id, kind)

	case chat.EventLeave:
		var p chat.LeavePayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		kind, err := chat.ParseChannel(p.Channel)
		if err != nil {
			return err
		}
		return h.channels.Leave(c.id, kind)

	case chat.EventPublish:
		var p chat.PublishPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		kind, err := chat.ParseChannel(p.Channel)
		if err != nil {
			return err
		}
		_, err = h.channels.Publish(kind, c.identity, p.Body)
		return err

	case chat.EventWhisper:
		var p chat.WhisperPayload
		if err := frame.Decode(&p); err != nil {
			return err
		}
		_, _, err := h.whispers.Send(c.identity, p.Recipient, p.Body)
		return err

	default:
		return chat.ErrUnknownEvent
	}
}

// shutdownClients releases every client still registered and closes their
// connections with a close frame.
func (h *Hub) shutdownClients() {
	h.mutex.Lock()
	clients := make([]*Client, 0, len(h.clients))
	for client := range h.clients {
		clients = append(clients, client)
	}
	h.clients = make(map[*Client]struct{})
	h.mutex.Unlock()

	for _, client := range clients {
		h.release(client)
	}

	h.log.Info().Int("clients", len(clients)).Msg("closed client connections")
}

// Shutdown announces the shutdown to every connection, stops the event loop
// and waits for the client goroutines to finish or ctx to expire.
func (h *Hub) Shutdown(ctx context.Context) error {
	h.log.Info().Msg("initiating hub shutdown")

	select {
	case <-h.ctx.Done():
	default:
		if _, err := h.channels.Announce(shutdownNotice); err != nil {
			h.log.Warn().Err(err).Msg("shutdown announcement failed")
		}
	}

	h.cancel()
	select {
	case <-h.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	finished := make(chan struct{})
	go func() {
		h.wg.Wait()
		h.channels.Wait()
		close(finished)
	}()

	select {
	case <-finished:
		h.log.Info().Msg("hub shutdown completed")
		return nil
	case <-ctx.Done():
		h.log.Warn().Msg("hub shutdown timeout reached, some goroutines may still be running")
		return ctx.Err()
	}
}
