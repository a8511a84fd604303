package chat

import (
	"encoding/json"
	"fmt"
)

// EventType names an inbound or outbound frame.
type EventType string

// Inbound events.
const (
	EventJoin    EventType = "join"
	EventLeave   EventType = "leave"
	EventPublish EventType = "publish"
	EventWhisper EventType = "whisper"
)

// Outbound events.
const (
	EventMessage    EventType = "message"
	EventHistory    EventType = "history"
	EventError      EventType = "error"
	EventPresence   EventType = "presence"
	EventPeerJoined EventType = "peerJoined"
	EventPeerLeft   EventType = "peerLeft"
)

// Frame is the JSON envelope for every event in both directions.
type Frame struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type JoinPayload struct {
	Channel string `json:"channel"`
}

type LeavePayload struct {
	Channel string `json:"channel"`
}

type PublishPayload struct {
	Channel string `json:"channel"`
	Body    string `json:"body"`
}

type WhisperPayload struct {
	Recipient string `json:"recipient"`
	Body      string `json:"body"`
}

type MessagePayload struct {
	Message Message `json:"message"`
}

type HistoryPayload struct {
	Channel  ChannelKind `json:"channel"`
	Messages []Message   `json:"messages"`
}

type ErrorPayload struct {
	Code   string `json:"code"`
	Detail string `json:"detail,omitempty"`
}

// PresenceState is a user's online/offline state.
type PresenceState string

const (
	PresenceOnline  PresenceState = "online"
	PresenceOffline PresenceState = "offline"
)

type PresencePayload struct {
	Username string        `json:"username"`
	State    PresenceState `json:"state"`
}

type PeerPayload struct {
	Username string      `json:"username"`
	Channel  ChannelKind `json:"channel"`
}

// Encode builds a wire frame for an outbound event.
func Encode(eventType EventType, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", eventType, err)
	}
	return json.Marshal(Frame{Type: eventType, Payload: raw})
}

// Decode reads an inbound frame's payload into dst.
func (f Frame) Decode(dst any) error {
	if len(f.Payload) == 0 {
		return fmt.Errorf("%w: %s payload is missing", ErrBadRequest, f.Type)
	}
	if err := json.Unmarshal(f.Payload, dst); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrBadRequest, f.Type, err)
	}
	return nil
}

// ErrorEvent encodes err as an error frame for the originating connection.
func ErrorEvent(err error) []byte {
	payload, encErr := Encode(EventError, ErrorPayload{Code: ErrorCode(err), Detail: err.Error()})
	if encErr != nil {
		return []byte(`{"type":"error","payload":{"code":"internal"}}`)
	}
	return payload
}
