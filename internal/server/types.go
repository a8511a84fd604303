// Package server defines the hub's internal event types and small helpers
// shared by client and hub logic.
package server

import (
	"strings"

	"github.com/Tyrowin/realmchat/internal/chat"
)

// inboundFrame is a decoded frame read by a client, queued for the hub.
type inboundFrame struct {
	client *Client
	frame  chat.Frame
}

// isExpectedCloseError checks if an error is expected during connection closure.
func isExpectedCloseError(err error) bool {
	if err == nil {
		return true
	}
	errStr := err.Error()
	return strings.Contains(errStr, "use of closed network connection") ||
		strings.Contains(errStr, "websocket: close sent") ||
		strings.Contains(errStr, "broken pipe")
}
