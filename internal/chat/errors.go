package chat

import "errors"

var (
	ErrAuthRejected      = errors.New("authentication rejected")
	ErrInvalidChannel    = errors.New("invalid channel")
	ErrMessageTooLong    = errors.New("message too long")
	ErrEmptyMessage      = errors.New("empty message")
	ErrRecipientNotFound = errors.New("recipient not found")
	ErrSelfWhisper       = errors.New("cannot whisper to yourself")
	ErrStoreWriteFailed  = errors.New("store write failed")
	ErrGraphLookupFailed = errors.New("graph lookup failed")
	ErrInvalidIdentity   = errors.New("invalid identity")
	ErrUnknownConnection = errors.New("unknown connection")
	ErrBadRequest        = errors.New("bad request")
	ErrUnknownEvent      = errors.New("unknown event")
	ErrRateLimited       = errors.New("rate limited")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrAuthRejected, "auth_rejected"},
	{ErrInvalidChannel, "invalid_channel"},
	{ErrMessageTooLong, "message_too_long"},
	{ErrEmptyMessage, "empty_message"},
	{ErrRecipientNotFound, "recipient_not_found"},
	{ErrSelfWhisper, "self_whisper"},
	{ErrStoreWriteFailed, "store_write_failed"},
	{ErrGraphLookupFailed, "graph_lookup_failed"},
	{ErrInvalidIdentity, "invalid_identity"},
	{ErrUnknownConnection, "unknown_connection"},
	{ErrBadRequest, "bad_request"},
	{ErrUnknownEvent, "unknown_event"},
	{ErrRateLimited, "rate_limited"},
}

// ErrorCode maps an error to the stable code sent in error events.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return "internal"
}
