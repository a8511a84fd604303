// Package chat defines the shared vocabulary of the realtime chat service:
// channel kinds, messages, identities, wire events and the error taxonomy.
package chat

import "strings"

// ChannelKind is the closed set of message channels. Raw strings coming from
// the wire are converted with ParseChannel exactly once, at the boundary.
type ChannelKind string

const (
	ChannelGlobal  ChannelKind = "global"
	ChannelGroup   ChannelKind = "group"
	ChannelTrade   ChannelKind = "trade"
	ChannelWhisper ChannelKind = "whisper"
	ChannelSystem  ChannelKind = "system"
)

var channelKinds = map[ChannelKind]struct{}{
	ChannelGlobal:  {},
	ChannelGroup:   {},
	ChannelTrade:   {},
	ChannelWhisper: {},
	ChannelSystem:  {},
}

// ParseChannel converts a raw channel name into a ChannelKind. Matching is
// case-insensitive and ignores surrounding whitespace.
func ParseChannel(raw string) (ChannelKind, error) {
	kind := ChannelKind(strings.ToLower(strings.TrimSpace(raw)))
	if _, ok := channelKinds[kind]; !ok {
		return "", ErrInvalidChannel
	}
	return kind, nil
}

// Joinable reports whether connections may subscribe and publish to the channel.
func (k ChannelKind) Joinable() bool {
	switch k {
	case ChannelGlobal, ChannelGroup, ChannelTrade:
		return true
	default:
		return false
	}
}

// Persisted reports whether messages of this kind are written to durable storage.
func (k ChannelKind) Persisted() bool {
	_, known := channelKinds[k]
	return known && k != ChannelSystem
}

func (k ChannelKind) String() string { return string(k) }

// JoinableChannels lists the broadcast channels in a stable order.
func JoinableChannels() []ChannelKind {
	return []ChannelKind{ChannelGlobal, ChannelGroup, ChannelTrade}
}
