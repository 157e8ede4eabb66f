package transport

import (
	"context"
	"sync"

	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

const subscriberBuffer = 64

// Hub is an in-process Channel shared by co-located sessions. It fans
// broadcasts out to every subscriber of a room, the sender included;
// self-delivery is filtered by the consumers' own identity checks, matching a
// relayed substrate where the sender may or may not hear its own messages.
type Hub struct {
	mu          sync.RWMutex
	closed      bool
	nextID      int64
	subscribers map[topic]map[int64]*hubSubscriber
	presence    map[string]map[string]wire.PresenceSync
	logger      *zap.Logger
}

type topic struct {
	feed Feed // empty for broadcast
	room string
}

type hubSubscriber struct {
	id      int64
	stream  chan wire.Envelope
	kinds   map[wire.Kind]struct{}
	detach  func()
	once    sync.Once
	handler Handler
}

func (s *hubSubscriber) Unsubscribe() {
	s.once.Do(s.detach)
}

// NewHub constructs an empty hub.
func NewHub(logger *zap.Logger) *Hub {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Hub{
		subscribers: make(map[topic]map[int64]*hubSubscriber),
		presence:    make(map[string]map[string]wire.PresenceSync),
		logger:      logger,
	}
}

// SubscribeBroadcast implements Channel.
func (h *Hub) SubscribeBroadcast(_ context.Context, room string, handler Handler, kinds ...wire.Kind) (Subscription, error) {
	return h.attach(topic{room: room}, handler, kinds)
}

// SubscribeChangeFeed implements Channel.
func (h *Hub) SubscribeChangeFeed(_ context.Context, feed Feed, room string, handler Handler) (Subscription, error) {
	return h.attach(topic{feed: feed, room: room}, handler, nil)
}

func (h *Hub) attach(key topic, handler Handler, kinds []wire.Kind) (Subscription, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return nil, ErrClosed
	}

	h.nextID++
	subscriber := &hubSubscriber{
		id:      h.nextID,
		stream:  make(chan wire.Envelope, subscriberBuffer),
		handler: handler,
	}
	if len(kinds) > 0 {
		subscriber.kinds = make(map[wire.Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			subscriber.kinds[kind] = struct{}{}
		}
	}
	subscriber.detach = func() {
		h.mu.Lock()
		if peers, ok := h.subscribers[key]; ok {
			if _, attached := peers[subscriber.id]; attached {
				delete(peers, subscriber.id)
				close(subscriber.stream)
				if len(peers) == 0 {
					delete(h.subscribers, key)
				}
			}
		}
		h.mu.Unlock()
	}

	if _, ok := h.subscribers[key]; !ok {
		h.subscribers[key] = make(map[int64]*hubSubscriber)
	}
	h.subscribers[key][subscriber.id] = subscriber

	go func() {
		for envelope := range subscriber.stream {
			subscriber.handler(envelope)
		}
	}()

	return subscriber, nil
}

// SendBroadcast implements Channel.
func (h *Hub) SendBroadcast(_ context.Context, envelope wire.Envelope) error {
	return h.deliver(topic{room: envelope.Room}, envelope)
}

// PublishFeed implements FeedPublisher.
func (h *Hub) PublishFeed(_ context.Context, feed Feed, envelope wire.Envelope) error {
	return h.deliver(topic{feed: feed, room: envelope.Room}, envelope)
}

func (h *Hub) deliver(key topic, envelope wire.Envelope) error {
	// Sends stay under the read lock: stream channels are only closed while
	// the write lock is held, so a send can never race a close.
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return ErrClosed
	}
	for _, subscriber := range h.subscribers[key] {
		if subscriber.kinds != nil {
			if _, wanted := subscriber.kinds[envelope.Kind]; !wanted {
				continue
			}
		}
		select {
		case subscriber.stream <- envelope:
		default:
			h.logger.Warn("hub subscriber buffer full, dropping envelope",
				zap.String("room", envelope.Room),
				zap.String("kind", string(envelope.Kind)))
		}
	}
	return nil
}

// TrackPresence implements Channel.
func (h *Hub) TrackPresence(_ context.Context, room string, key string, meta wire.PresenceSync) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return ErrClosed
	}
	if _, ok := h.presence[room]; !ok {
		h.presence[room] = make(map[string]wire.PresenceSync)
	}
	h.presence[room][key] = meta
	return nil
}

// UntrackPresence implements Channel.
func (h *Hub) UntrackPresence(_ context.Context, room string, key string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	if entries, ok := h.presence[room]; ok {
		delete(entries, key)
		if len(entries) == 0 {
			delete(h.presence, room)
		}
	}
	return nil
}

// PresenceState implements Channel.
func (h *Hub) PresenceState(room string) map[string][]wire.PresenceSync {
	h.mu.RLock()
	defer h.mu.RUnlock()
	state := make(map[string][]wire.PresenceSync)
	for _, meta := range h.presence[room] {
		state[meta.UserID] = append(state[meta.UserID], meta)
	}
	return state
}

// OnDisconnect implements Channel. The in-process hub has no connection to
// lose, so the callback is never fired.
func (h *Hub) OnDisconnect(func(error)) {}

// Close tears the hub down and detaches every subscriber.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subscribers := make([]*hubSubscriber, 0)
	for key, peers := range h.subscribers {
		for _, subscriber := range peers {
			subscribers = append(subscribers, subscriber)
		}
		delete(h.subscribers, key)
	}
	h.mu.Unlock()

	for _, subscriber := range subscribers {
		close(subscriber.stream)
	}
}
