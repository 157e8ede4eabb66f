// Package relay bridges room traffic between remote peers over websockets:
// broadcasts and change-feed events fan out to every other connection in the
// room, and presence tracking is mirrored to all of them. Rooms come into
// existence on first subscribe and carry no server-side state beyond the hub.
package relay

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingTokenIssuer = errors.New("relay: token issuer dependency required")
	errMissingHub         = errors.New("relay: hub dependency required")
)

const writeTimeout = 10 * time.Second

// Dependencies wires the relay's collaborators.
type Dependencies struct {
	Tokens *auth.TokenIssuer
	// Hub is the in-process substrate connections bridge into. Co-located
	// services (stores publishing feed events) share the same hub.
	Hub *transport.Hub
	// Stores, when present, enables the REST surface remote sessions use for
	// reads and durable writes. Optional: a relay can run broadcast-only.
	Stores *store.SQLite
	Logger *zap.Logger
}

// NewHTTPHandler builds the relay's HTTP surface: a token endpoint for dev
// deployments (production fronts this with its identity layer) and the
// authenticated websocket upgrade.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Tokens == nil {
		return nil, errMissingTokenIssuer
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &relayHandler{
		tokens: deps.Tokens,
		hub:    deps.Hub,
		stores: deps.Stores,
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router.POST("/auth/token", handler.handleIssueToken)
	router.GET("/ws", handler.handleSocket)
	router.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	if deps.Stores != nil {
		protected := router.Group("/")
		protected.Use(handler.authorizeRequest)
		protected.GET("/rooms/:room/document", handler.handleReadDocument)
		protected.PUT("/rooms/:room/document", handler.handleWriteDocument)
		protected.GET("/rooms/:room/messages", handler.handleListMessages)
		protected.POST("/rooms/:room/messages", handler.handleInsertMessage)
		protected.GET("/users/search", handler.handleSearchUsers)
		protected.POST("/users", handler.handleUpsertUser)
		protected.POST("/mentions", handler.handleNotifyMention)
	}

	return router, nil
}

type relayHandler struct {
	tokens   *auth.TokenIssuer
	hub      *transport.Hub
	stores   *store.SQLite
	logger   *zap.Logger
	upgrader websocket.Upgrader

	peersMu sync.Mutex
	peers   map[string]map[*relayPeer]struct{}
}

type tokenRequest struct {
	UserID      string `json:"user_id" binding:"required"`
	DisplayName string `json:"display_name"`
	Room        string `json:"room" binding:"required"`
}

func (h *relayHandler) handleIssueToken(c *gin.Context) {
	var request tokenRequest
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "user_id and room are required"})
		return
	}

	token, expiresIn, err := h.tokens.IssueRoomToken(auth.RoomClaims{
		UserID:      request.UserID,
		DisplayName: request.DisplayName,
		Room:        request.Room,
	})
	if err != nil {
		h.logger.Error("token issue failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "token issue failed"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"token": token, "expires_in": expiresIn})
}

func (h *relayHandler) handleSocket(c *gin.Context) {
	tokenString := c.Query("token")
	if tokenString == "" {
		header := c.GetHeader("Authorization")
		if strings.HasPrefix(header, "Bearer ") {
			tokenString = strings.TrimPrefix(header, "Bearer ")
		}
	}
	claims, err := h.tokens.ValidateRoomToken(tokenString)
	if err != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
		return
	}

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}

	peer := &relayPeer{
		handler: h,
		conn:    conn,
		room:    claims.Room,
		userID:  claims.UserID,
		hub:     h.hub,
		logger:  h.logger.With(zap.String("room", claims.Room), zap.String("user_id", claims.UserID)),
		tracked: make(map[string]struct{}),
	}
	h.register(peer)
	peer.serve()
}

func (h *relayHandler) register(peer *relayPeer) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if h.peers == nil {
		h.peers = make(map[string]map[*relayPeer]struct{})
	}
	if _, ok := h.peers[peer.room]; !ok {
		h.peers[peer.room] = make(map[*relayPeer]struct{})
	}
	h.peers[peer.room][peer] = struct{}{}
}

func (h *relayHandler) unregister(peer *relayPeer) {
	h.peersMu.Lock()
	defer h.peersMu.Unlock()
	if room, ok := h.peers[peer.room]; ok {
		delete(room, peer)
		if len(room) == 0 {
			delete(h.peers, peer.room)
		}
	}
}

// pushPresence sends the room's full presence state to every connection in
// the room, including the one that changed it.
func (h *relayHandler) pushPresence(room string) {
	state := h.hub.PresenceState(room)

	h.peersMu.Lock()
	peers := make([]*relayPeer, 0, len(h.peers[room]))
	for peer := range h.peers[room] {
		peers = append(peers, peer)
	}
	h.peersMu.Unlock()

	for _, peer := range peers {
		peer.send(Frame{Type: FramePresence, State: state})
	}
}

// relayPeer bridges one websocket connection into the hub.
type relayPeer struct {
	handler *relayHandler
	conn    *websocket.Conn
	room    string
	userID  string
	hub     *transport.Hub
	logger  *zap.Logger

	writeMu sync.Mutex
	mu      sync.Mutex
	tracked map[string]struct{}
}

func (p *relayPeer) serve() {
	ctx := context.Background()
	defer p.teardown(ctx)

	forward := func(frameType FrameType, feed transport.Feed) transport.Handler {
		return func(envelope wire.Envelope) {
			p.send(Frame{Type: frameType, Feed: feed, Envelope: &envelope})
		}
	}

	broadcastSub, err := p.hub.SubscribeBroadcast(ctx, p.room, forward(FrameBroadcast, ""))
	if err != nil {
		p.logger.Warn("broadcast subscribe failed", zap.Error(err))
		return
	}
	defer broadcastSub.Unsubscribe()

	documentSub, err := p.hub.SubscribeChangeFeed(ctx, transport.FeedDocuments, p.room, forward(FrameFeed, transport.FeedDocuments))
	if err != nil {
		p.logger.Warn("document feed subscribe failed", zap.Error(err))
		return
	}
	defer documentSub.Unsubscribe()

	chatSub, err := p.hub.SubscribeChangeFeed(ctx, transport.FeedChatMessages, p.room, forward(FrameFeed, transport.FeedChatMessages))
	if err != nil {
		p.logger.Warn("chat feed subscribe failed", zap.Error(err))
		return
	}
	defer chatSub.Unsubscribe()

	p.send(Frame{Type: FrameReady})
	p.send(Frame{Type: FramePresence, State: p.hub.PresenceState(p.room)})

	for {
		var frame Frame
		if err := p.conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				p.logger.Debug("connection lost", zap.Error(err))
			}
			return
		}
		p.handleFrame(ctx, frame)
	}
}

func (p *relayPeer) handleFrame(ctx context.Context, frame Frame) {
	switch frame.Type {
	case FrameBroadcast:
		if frame.Envelope == nil || frame.Envelope.Room != p.room {
			return
		}
		if err := p.hub.SendBroadcast(ctx, *frame.Envelope); err != nil {
			p.logger.Debug("broadcast bridge failed", zap.Error(err))
		}
	case FrameFeed:
		if frame.Envelope == nil || frame.Envelope.Room != p.room || frame.Feed == "" {
			return
		}
		if err := p.hub.PublishFeed(ctx, frame.Feed, *frame.Envelope); err != nil {
			p.logger.Debug("feed bridge failed", zap.Error(err))
		}
	case FrameTrack:
		if frame.Meta == nil || frame.Key == "" {
			return
		}
		if err := p.hub.TrackPresence(ctx, p.room, frame.Key, *frame.Meta); err != nil {
			p.logger.Debug("presence track bridge failed", zap.Error(err))
			return
		}
		p.mu.Lock()
		p.tracked[frame.Key] = struct{}{}
		p.mu.Unlock()
		p.handler.pushPresence(p.room)
	case FrameUntrack:
		if frame.Key == "" {
			return
		}
		if err := p.hub.UntrackPresence(ctx, p.room, frame.Key); err != nil {
			p.logger.Debug("presence untrack bridge failed", zap.Error(err))
		}
		p.mu.Lock()
		delete(p.tracked, frame.Key)
		p.mu.Unlock()
		p.handler.pushPresence(p.room)
	}
}

// teardown untracks everything the connection announced so a crashed client
// disappears from the channel state without waiting for a staleness sweep.
func (p *relayPeer) teardown(ctx context.Context) {
	p.handler.unregister(p)

	p.mu.Lock()
	keys := make([]string, 0, len(p.tracked))
	for key := range p.tracked {
		keys = append(keys, key)
	}
	p.tracked = make(map[string]struct{})
	p.mu.Unlock()

	for _, key := range keys {
		if err := p.hub.UntrackPresence(ctx, p.room, key); err != nil {
			p.logger.Debug("teardown untrack failed", zap.Error(err))
		}
	}
	if len(keys) > 0 {
		p.handler.pushPresence(p.room)
	}

	if err := p.conn.Close(); err != nil {
		p.logger.Debug("connection close failed", zap.Error(err))
	}
}

func (p *relayPeer) send(frame Frame) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	if err := p.conn.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return
	}
	if err := p.conn.WriteJSON(frame); err != nil {
		p.logger.Debug("frame write failed", zap.Error(err))
	}
}
