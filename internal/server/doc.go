// Package server implements the HTTP and WebSocket surface of the chat service.
//
// The Hub owns one event loop that serializes connection lifecycle and
// inbound frames, handing them to the channel and whisper routers. Clients
// run a read pump and a write pump each; handlers authenticate before the
// upgrade so a rejected handshake never reaches the registry.
package server
