package chat

import (
	"strings"
	"time"
	"unicode/utf8"

	"github.com/oklog/ulid/v2"
)

// MaxBodyLength is the maximum message body length, counted in characters.
const MaxBodyLength = 500

// Direction tells whose transcript a whisper copy belongs to.
type Direction string

const (
	DirectionOutbound Direction = "outbound"
	DirectionInbound  Direction = "inbound"
)

// Message is an immutable chat record. Routers create it once at send time.
type Message struct {
	ID            string      `json:"id"`
	Channel       ChannelKind `json:"channel"`
	SenderID      string      `json:"sender_id"`
	SenderName    string      `json:"sender_name"`
	RecipientID   string      `json:"recipient_id,omitempty"`
	RecipientName string      `json:"recipient_name,omitempty"`
	Direction     Direction   `json:"direction,omitempty"`
	Body          string      `json:"body"`
	Timestamp     time.Time   `json:"timestamp"`
}

// NewMessageID returns a lexicographically time-ordered message identifier.
func NewMessageID() string {
	return ulid.Make().String()
}

// NormalizeBody validates a raw message body and returns it trimmed.
func NormalizeBody(body string) (string, error) {
	if utf8.RuneCountInString(body) > MaxBodyLength {
		return "", ErrMessageTooLong
	}
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return "", ErrEmptyMessage
	}
	return trimmed, nil
}
