package relay

import (
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
)

// Frame is the websocket framing between a client transport and the relay.
// A connection is scoped to one room by its token, so frames never carry
// routing beyond the feed name.
type Frame struct {
	Type FrameType `json:"type"`

	// Feed names the change-feed topic for feed frames.
	Feed transport.Feed `json:"feed,omitempty"`
	// Envelope carries the payload for broadcast and feed frames.
	Envelope *wire.Envelope `json:"envelope,omitempty"`

	// Key and Meta describe presence tracking for track/untrack frames.
	Key  string             `json:"key,omitempty"`
	Meta *wire.PresenceSync `json:"meta,omitempty"`

	// State is the full presence view, pushed by the server whenever it
	// changes and once on connect.
	State map[string][]wire.PresenceSync `json:"state,omitempty"`
}

// FrameType discriminates relay frames.
type FrameType string

const (
	// FrameReady is sent by the server once the connection is attached to
	// its room; the client treats the subscription as established only
	// after receiving it.
	FrameReady FrameType = "ready"
	// FrameBroadcast carries a fire-and-forget envelope in either direction.
	FrameBroadcast FrameType = "broadcast"
	// FrameFeed carries a change-feed envelope in either direction.
	FrameFeed FrameType = "feed"
	// FrameTrack announces or refreshes a presence entry (client to server).
	FrameTrack FrameType = "track"
	// FrameUntrack removes a presence entry (client to server).
	FrameUntrack FrameType = "untrack"
	// FramePresence pushes the room's presence state (server to client).
	FramePresence FrameType = "presence"
)
