package transport

import (
	"context"
	"fmt"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

const readyTimeout = 5 * time.Second

// wsFrame mirrors the relay's frame layout. Kept in sync with the relay
// package by the integration tests; duplicated here so the client does not
// import the server.
type wsFrame struct {
	Type     string                         `json:"type"`
	Feed     Feed                           `json:"feed,omitempty"`
	Envelope *wire.Envelope                 `json:"envelope,omitempty"`
	Key      string                         `json:"key,omitempty"`
	Meta     *wire.PresenceSync             `json:"meta,omitempty"`
	State    map[string][]wire.PresenceSync `json:"state,omitempty"`
}

const (
	wsFrameReady     = "ready"
	wsFrameBroadcast = "broadcast"
	wsFrameFeed      = "feed"
	wsFrameTrack     = "track"
	wsFrameUntrack   = "untrack"
	wsFramePresence  = "presence"
)

// WSClientConfig describes a websocket connection to a relay.
type WSClientConfig struct {
	// URL is the relay websocket endpoint, e.g. ws://host:8090/ws.
	URL string
	// Token is the room token presented at upgrade.
	Token  string
	Logger *zap.Logger
}

// WSClient implements Channel over a relay websocket. The connection is
// scoped to one room by its token. Logical subscriptions live client-side
// and survive reconnects: Connect re-dials and traffic resumes without
// re-registering handlers.
type WSClient struct {
	url    string
	token  string
	logger *zap.Logger

	writeMu sync.Mutex

	mu           sync.Mutex
	conn         *websocket.Conn
	connected    bool
	closed       bool
	generation   int64
	nextID       int64
	subs         map[int64]*wsSubscription
	presence     map[string][]wire.PresenceSync
	onDisconnect []func(error)
}

type wsSubscription struct {
	client *WSClient
	id     int64
	room   string
	feed   Feed // empty for broadcast
	kinds  map[wire.Kind]struct{}
	handle Handler
	once   sync.Once
}

func (s *wsSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.client.mu.Lock()
		delete(s.client.subs, s.id)
		s.client.mu.Unlock()
	})
}

// NewWSClient constructs a disconnected client; call Connect to dial.
func NewWSClient(cfg WSClientConfig) (*WSClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("transport: relay url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("transport: room token is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WSClient{
		url:      cfg.URL,
		token:    cfg.Token,
		logger:   logger,
		subs:     make(map[int64]*wsSubscription),
		presence: make(map[string][]wire.PresenceSync),
	}, nil
}

// Connect dials the relay and waits for the ready frame. A connection that
// does not reach ready before the context deadline counts as a failed
// subscribe attempt. Safe to call again after a disconnect.
func (c *WSClient) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.connected {
		c.mu.Unlock()
		return nil
	}
	c.generation++
	generation := c.generation
	c.mu.Unlock()

	endpoint, err := url.Parse(c.url)
	if err != nil {
		return fmt.Errorf("transport: invalid relay url: %w", err)
	}
	query := endpoint.Query()
	query.Set("token", c.token)
	endpoint.RawQuery = query.Encode()

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, endpoint.String(), nil)
	if err != nil {
		return fmt.Errorf("transport: dial relay: %w", err)
	}

	deadline := time.Now().Add(readyTimeout)
	if d, ok := ctx.Deadline(); ok {
		deadline = d
	}
	if err := conn.SetReadDeadline(deadline); err != nil {
		conn.Close()
		return err
	}

	// The relay acknowledges room attachment with a ready frame; presence
	// state may arrive first on a busy room, so buffer until ready shows.
	var pending []wsFrame
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			conn.Close()
			return fmt.Errorf("transport: waiting for ready: %w", err)
		}
		if frame.Type == wsFrameReady {
			break
		}
		pending = append(pending, frame)
	}
	if err := conn.SetReadDeadline(time.Time{}); err != nil {
		conn.Close()
		return err
	}

	c.mu.Lock()
	c.conn = conn
	c.connected = true
	c.mu.Unlock()

	for _, frame := range pending {
		c.handleFrame(frame)
	}

	go c.readPump(conn, generation)
	return nil
}

// Close tears the connection down permanently.
func (c *WSClient) Close() error {
	c.mu.Lock()
	c.closed = true
	conn := c.conn
	c.conn = nil
	c.connected = false
	c.mu.Unlock()

	if conn != nil {
		return conn.Close()
	}
	return nil
}

// SubscribeBroadcast implements Channel. Registration is local; delivery
// begins once the connection is up.
func (c *WSClient) SubscribeBroadcast(_ context.Context, room string, handler Handler, kinds ...wire.Kind) (Subscription, error) {
	return c.register(room, "", handler, kinds)
}

// SubscribeChangeFeed implements Channel.
func (c *WSClient) SubscribeChangeFeed(_ context.Context, feed Feed, room string, handler Handler) (Subscription, error) {
	return c.register(room, feed, handler, nil)
}

func (c *WSClient) register(room string, feed Feed, handler Handler, kinds []wire.Kind) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}

	c.nextID++
	subscription := &wsSubscription{
		client: c,
		id:     c.nextID,
		room:   room,
		feed:   feed,
		handle: handler,
	}
	if len(kinds) > 0 {
		subscription.kinds = make(map[wire.Kind]struct{}, len(kinds))
		for _, kind := range kinds {
			subscription.kinds[kind] = struct{}{}
		}
	}
	c.subs[subscription.id] = subscription
	return subscription, nil
}

// SendBroadcast implements Channel.
func (c *WSClient) SendBroadcast(_ context.Context, envelope wire.Envelope) error {
	return c.writeFrame(wsFrame{Type: wsFrameBroadcast, Envelope: &envelope})
}

// PublishFeed implements FeedPublisher, for deployments where the durable
// stores live client-side and peers learn of writes through the relay.
func (c *WSClient) PublishFeed(_ context.Context, feed Feed, envelope wire.Envelope) error {
	return c.writeFrame(wsFrame{Type: wsFrameFeed, Feed: feed, Envelope: &envelope})
}

// TrackPresence implements Channel.
func (c *WSClient) TrackPresence(_ context.Context, _ string, key string, meta wire.PresenceSync) error {
	return c.writeFrame(wsFrame{Type: wsFrameTrack, Key: key, Meta: &meta})
}

// UntrackPresence implements Channel.
func (c *WSClient) UntrackPresence(_ context.Context, _ string, key string) error {
	return c.writeFrame(wsFrame{Type: wsFrameUntrack, Key: key})
}

// PresenceState implements Channel from the last server push.
func (c *WSClient) PresenceState(string) map[string][]wire.PresenceSync {
	c.mu.Lock()
	defer c.mu.Unlock()
	state := make(map[string][]wire.PresenceSync, len(c.presence))
	for userID, metas := range c.presence {
		state[userID] = append([]wire.PresenceSync(nil), metas...)
	}
	return state
}

// OnDisconnect implements Channel.
func (c *WSClient) OnDisconnect(callback func(error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onDisconnect = append(c.onDisconnect, callback)
}

func (c *WSClient) writeFrame(frame wsFrame) error {
	c.mu.Lock()
	conn := c.conn
	connected := c.connected
	c.mu.Unlock()

	if !connected || conn == nil {
		return ErrNotConnected
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(10 * time.Second)); err != nil {
		return err
	}
	return conn.WriteJSON(frame)
}

func (c *WSClient) readPump(conn *websocket.Conn, generation int64) {
	for {
		var frame wsFrame
		if err := conn.ReadJSON(&frame); err != nil {
			c.dropConnection(conn, generation, err)
			return
		}
		c.handleFrame(frame)
	}
}

func (c *WSClient) dropConnection(conn *websocket.Conn, generation int64, cause error) {
	conn.Close()

	c.mu.Lock()
	// A pump from a superseded connection must not clobber a newer one.
	if c.generation != generation || c.closed {
		c.mu.Unlock()
		return
	}
	c.connected = false
	c.conn = nil
	callbacks := append([]func(error){}, c.onDisconnect...)
	c.mu.Unlock()

	c.logger.Warn("relay connection lost", zap.Error(cause))
	for _, callback := range callbacks {
		callback(cause)
	}
}

func (c *WSClient) handleFrame(frame wsFrame) {
	switch frame.Type {
	case wsFrameBroadcast, wsFrameFeed:
		if frame.Envelope == nil {
			return
		}
		c.deliver(frame)
	case wsFramePresence:
		c.mu.Lock()
		c.presence = frame.State
		if c.presence == nil {
			c.presence = make(map[string][]wire.PresenceSync)
		}
		c.mu.Unlock()
	}
}

func (c *WSClient) deliver(frame wsFrame) {
	envelope := *frame.Envelope

	c.mu.Lock()
	matched := make([]*wsSubscription, 0, len(c.subs))
	for _, subscription := range c.subs {
		if subscription.room != envelope.Room {
			continue
		}
		if frame.Type == wsFrameFeed {
			if subscription.feed != frame.Feed {
				continue
			}
		} else if subscription.feed != "" {
			continue
		}
		if subscription.kinds != nil {
			if _, wanted := subscription.kinds[envelope.Kind]; !wanted {
				continue
			}
		}
		matched = append(matched, subscription)
	}
	c.mu.Unlock()

	for _, subscription := range matched {
		subscription.handle(envelope)
	}
}
