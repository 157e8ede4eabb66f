// Package session assembles the per-room collaboration state (presence,
// document sync, chat, cursors) behind one explicitly constructed object
// with explicit teardown, supervised by a reconnection loop.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/chat"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/cursor"
	"github.com/huddlekit/huddle/internal/docsync"
	"github.com/huddlekit/huddle/internal/presence"
	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingChannel  = errors.New("session: transport channel is required")
	errMissingRoom     = errors.New("session: room is required")
	errMissingUserID   = errors.New("session: user id is required")
	errMissingDocStore = errors.New("session: document store is required")
	errMissingChat     = errors.New("session: chat store is required")
)

// Connector is implemented by transports whose connection can drop and be
// re-established (the websocket client). In-process transports don't need it.
type Connector interface {
	Connect(ctx context.Context) error
}

// Callbacks groups the UI-facing notifications. All fields are optional.
type Callbacks struct {
	OnConnectionState func(ConnState)
	OnDocumentChanged func(content string, writerUserID string)
	OnChatMessage     func(chat.Message)
	OnMentioned       func(chat.Message)
	Chime             func() error
	OnSuggestions     func([]store.UserSummary)
	OnCursorUpdate    func(cursor.Position)
	OnPeerJoin        func(presence.Entry)
	OnPeerLeave       func(presence.Entry)
}

// Config describes everything a Session needs. Channel, Room, UserID and the
// two stores are required; the rest defaults sensibly.
type Config struct {
	Room        string
	UserID      string
	DisplayName string
	CursorColor string

	Channel       transport.Channel
	Documents     store.DocumentStore
	Chat          store.ChatStore
	Directory     store.Directory
	Notifications store.NotificationSink

	Tuning         config.SessionTuning
	CursorThrottle time.Duration

	Callbacks Callbacks

	Clock  func() time.Time
	Logger *zap.Logger
}

// Session is one client's handle on one room.
type Session struct {
	room    string
	userID  string
	channel transport.Channel
	tuning  config.SessionTuning
	logger  *zap.Logger

	registry   *presence.Registry
	engine     *docsync.Engine
	chat       *chat.Service
	cursors    *cursor.Broadcaster
	supervisor *supervisor

	mu            sync.Mutex
	subscriptions []transport.Subscription
	started       bool
	firstConnect  bool
	closed        bool
}

// New constructs a stopped session. Call Start to join the room.
func New(cfg Config) (*Session, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	if cfg.Documents == nil {
		return nil, errMissingDocStore
	}
	if cfg.Chat == nil {
		return nil, errMissingChat
	}

	tuning := cfg.Tuning
	if tuning == (config.SessionTuning{}) {
		tuning = config.DefaultSessionTuning()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("room", cfg.Room), zap.String("user_id", cfg.UserID))

	registry, err := presence.NewRegistry(presence.Config{
		Room:               cfg.Room,
		UserID:             cfg.UserID,
		DisplayName:        cfg.DisplayName,
		Channel:            cfg.Channel,
		HeartbeatInterval:  tuning.HeartbeatInterval,
		StalenessThreshold: tuning.StalenessThreshold,
		SweepInterval:      tuning.SweepInterval,
		Clock:              cfg.Clock,
		Logger:             logger,
	})
	if err != nil {
		return nil, err
	}

	engine, err := docsync.NewEngine(docsync.Config{
		Room:          cfg.Room,
		UserID:        cfg.UserID,
		Store:         cfg.Documents,
		Debounce:      tuning.DocumentDebounce,
		OnRemoteApply: cfg.Callbacks.OnDocumentChanged,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	chatService, err := chat.NewService(chat.Config{
		Room:            cfg.Room,
		UserID:          cfg.UserID,
		UserName:        cfg.DisplayName,
		Channel:         cfg.Channel,
		Store:           cfg.Chat,
		Directory:       cfg.Directory,
		Sink:            cfg.Notifications,
		HistoryLimit:    tuning.HistoryLimit,
		MentionDebounce: tuning.MentionDebounce,
		MentionMinQuery: tuning.MentionMinQuery,
		OnMessage:       cfg.Callbacks.OnChatMessage,
		OnMentioned:     cfg.Callbacks.OnMentioned,
		Chime:           cfg.Callbacks.Chime,
		OnSuggestions:   cfg.Callbacks.OnSuggestions,
		Clock:           cfg.Clock,
		Logger:          logger,
	})
	if err != nil {
		return nil, err
	}

	cursors, err := cursor.NewBroadcaster(cursor.Config{
		Room:        cfg.Room,
		UserID:      cfg.UserID,
		DisplayName: cfg.DisplayName,
		Color:       cfg.CursorColor,
		Channel:     cfg.Channel,
		Throttle:    cfg.CursorThrottle,
		OnUpdate:    cfg.Callbacks.OnCursorUpdate,
		Clock:       cfg.Clock,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	session := &Session{
		room:         cfg.Room,
		userID:       cfg.UserID,
		channel:      cfg.Channel,
		tuning:       tuning,
		logger:       logger,
		registry:     registry,
		engine:       engine,
		chat:         chatService,
		cursors:      cursors,
		firstConnect: true,
	}

	if cfg.Callbacks.OnPeerJoin != nil {
		registry.OnJoin(cfg.Callbacks.OnPeerJoin)
	}
	registry.OnLeave(func(entry presence.Entry) {
		// Presence is the source of truth for dropping frozen cursors.
		cursors.Drop(entry.UserID)
		if cfg.Callbacks.OnPeerLeave != nil {
			cfg.Callbacks.OnPeerLeave(entry)
		}
	})

	session.supervisor = newSupervisor(supervisorConfig{
		connect:          session.establish,
		onRecovered:      session.recover,
		onState:          cfg.Callbacks.OnConnectionState,
		subscribeTimeout: tuning.SubscribeTimeout,
		retryDelay:       tuning.ReconnectDelay,
		logger:           logger,
	})

	return session, nil
}

// Start joins the room. The first connect attempt runs synchronously; if it
// fails, the supervisor keeps retrying in the background and Start still
// succeeds; connection progress is observable via OnConnectionState.
func (s *Session) Start() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return errors.New("session: already started")
	}
	s.started = true
	s.mu.Unlock()

	s.channel.OnDisconnect(s.supervisor.ReportFailure)
	s.supervisor.Start()
	return nil
}

// Presence returns the room's presence registry.
func (s *Session) Presence() *presence.Registry { return s.registry }

// Document returns the document sync engine.
func (s *Session) Document() *docsync.Engine { return s.engine }

// Chat returns the chat service.
func (s *Session) Chat() *chat.Service { return s.chat }

// Cursors returns the cursor broadcaster.
func (s *Session) Cursors() *cursor.Broadcaster { return s.cursors }

// ConnectionState reports the supervisor's current state.
func (s *Session) ConnectionState() ConnState { return s.supervisor.State() }

// Close leaves the room: stops supervision, halts all timers, sends the
// best-effort leave broadcast and detaches every subscription. Required
// before switching rooms, or the heartbeat and sweep loops leak.
func (s *Session) Close(ctx context.Context) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	subscriptions := s.subscriptions
	s.subscriptions = nil
	s.mu.Unlock()

	s.supervisor.Stop()
	s.chat.Close()
	s.engine.Close()
	s.registry.Close(ctx)
	for _, subscription := range subscriptions {
		subscription.Unsubscribe()
	}
}

// establish creates every subscription for the room. On the first call it
// also starts presence, loads chat history and reads the initial document;
// reconnects only re-create subscriptions (recover handles the rest).
func (s *Session) establish(ctx context.Context) error {
	if connector, ok := s.channel.(Connector); ok {
		if err := connector.Connect(ctx); err != nil {
			return err
		}
	}

	s.mu.Lock()
	first := s.firstConnect
	old := s.subscriptions
	s.subscriptions = nil
	s.mu.Unlock()

	for _, subscription := range old {
		subscription.Unsubscribe()
	}

	broadcastSub, err := s.channel.SubscribeBroadcast(ctx, s.room, s.handleEnvelope,
		wire.KindChatMessage, wire.KindCursorMove)
	if err != nil {
		return err
	}
	documentFeedSub, err := s.channel.SubscribeChangeFeed(ctx, transport.FeedDocuments, s.room, s.handleEnvelope)
	if err != nil {
		broadcastSub.Unsubscribe()
		return err
	}
	chatFeedSub, err := s.channel.SubscribeChangeFeed(ctx, transport.FeedChatMessages, s.room, s.handleEnvelope)
	if err != nil {
		broadcastSub.Unsubscribe()
		documentFeedSub.Unsubscribe()
		return err
	}

	s.mu.Lock()
	s.subscriptions = []transport.Subscription{broadcastSub, documentFeedSub, chatFeedSub}
	s.mu.Unlock()

	if first {
		if err := s.registry.Start(ctx); err != nil {
			return err
		}
		if err := s.engine.Refresh(ctx); err != nil {
			s.logger.Warn("initial document read failed", zap.Error(err))
		}
		if err := s.chat.LoadHistory(ctx); err != nil {
			s.logger.Warn("chat history load failed", zap.Error(err))
		}
		s.mu.Lock()
		s.firstConnect = false
		s.mu.Unlock()
	}

	return nil
}

// recover runs after a successful reconnect: re-announce presence, ask peers
// to re-sync, and re-read the document rather than trusting the feed to have
// replayed writes made while disconnected.
func (s *Session) recover(ctx context.Context) {
	if err := s.registry.Track(ctx); err != nil {
		s.logger.Warn("presence re-track failed", zap.Error(err))
		s.supervisor.ReportFailure(err)
		return
	}
	s.registry.RequestSync(ctx)

	if err := s.engine.Refresh(ctx); err != nil {
		s.logger.Warn("document re-fetch failed", zap.Error(err))
	}
}

func (s *Session) handleEnvelope(envelope wire.Envelope) {
	if err := wire.Dispatch(envelope, sessionHandler{session: s}); err != nil {
		s.logger.Debug("envelope ignored", zap.Error(err))
	}
}

type sessionHandler struct {
	session *Session
}

func (h sessionHandler) HandleChatMessage(_ string, msg wire.ChatMessage) {
	h.session.chat.HandleIncoming(msg)
}

func (h sessionHandler) HandleCursorMove(_ string, msg wire.CursorMove) {
	h.session.cursors.HandleRemoteMove(msg)
}

func (h sessionHandler) HandleDocumentChanged(_ string, msg wire.DocumentChanged) {
	h.session.engine.HandleRemoteChange(msg)
}

// Presence kinds flow through the registry's own subscription.
func (h sessionHandler) HandlePresenceSync(string, wire.PresenceSync) {}
func (h sessionHandler) HandleUserLeft(string, wire.UserLeft)         {}
func (h sessionHandler) HandleHeartbeat(string, wire.Heartbeat)       {}
