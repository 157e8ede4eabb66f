// Package transport abstracts the bidirectional pub/sub substrate a room
// session runs on: fire-and-forget broadcasts, change-feed notifications
// derived from durable store writes, and soft-state presence tracking.
package transport

import (
	"context"
	"errors"

	"github.com/huddlekit/huddle/internal/wire"
)

// Feed names a change-feed topic. Feed events originate from store writes,
// unlike broadcasts, which are never persisted.
type Feed string

const (
	// FeedDocuments carries wire.DocumentChanged events.
	FeedDocuments Feed = "documents"
	// FeedChatMessages carries wire.ChatMessage events for durable rows.
	FeedChatMessages Feed = "chat_messages"
)

// Handler consumes delivered envelopes. Handlers run on the transport's
// delivery goroutine and must not block.
type Handler func(wire.Envelope)

// Subscription represents one attached handler.
type Subscription interface {
	// Unsubscribe detaches the handler. Safe to call more than once.
	Unsubscribe()
}

var (
	// ErrClosed indicates the channel has been torn down.
	ErrClosed = errors.New("transport: channel closed")
	// ErrNotConnected indicates an operation was attempted while the
	// underlying connection is down; the reconnection supervisor owns
	// recovery.
	ErrNotConnected = errors.New("transport: not connected")
)

// Channel is the collaborator contract consumed by the session core. The
// subscribe calls return once the subscription has reached a ready state;
// callers bound that wait with the supplied context.
type Channel interface {
	// SubscribeBroadcast attaches a handler for broadcast envelopes in the
	// room, optionally filtered to specific kinds (none means all).
	SubscribeBroadcast(ctx context.Context, room string, handler Handler, kinds ...wire.Kind) (Subscription, error)

	// SendBroadcast publishes a fire-and-forget envelope to every other
	// subscriber of the envelope's room.
	SendBroadcast(ctx context.Context, envelope wire.Envelope) error

	// SubscribeChangeFeed attaches a handler for feed events scoped to one
	// room.
	SubscribeChangeFeed(ctx context.Context, feed Feed, room string, handler Handler) (Subscription, error)

	// TrackPresence announces or refreshes this client's presence entry
	// under the given key (one key per tab/ref).
	TrackPresence(ctx context.Context, room string, key string, meta wire.PresenceSync) error

	// UntrackPresence removes the entry for the given key.
	UntrackPresence(ctx context.Context, room string, key string) error

	// PresenceState returns the currently tracked entries per user id.
	PresenceState(room string) map[string][]wire.PresenceSync

	// OnDisconnect registers a callback fired when the transport loses its
	// connection abnormally. In-process transports never fire it.
	OnDisconnect(callback func(error))
}

// FeedPublisher is implemented by transports that also carry change-feed
// events. Store adapters publish through it after a row becomes durable.
type FeedPublisher interface {
	PublishFeed(ctx context.Context, feed Feed, envelope wire.Envelope) error
}
