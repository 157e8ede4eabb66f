// Package chat provides ordered, de-duplicated chat for one room: durable
// history, low-latency broadcast fan-out, @-mention parsing with
// exactly-once notification dispatch, and mention autocomplete.
package chat

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingChannel = errors.New("chat: transport channel is required")
	errMissingStore   = errors.New("chat: chat store is required")
	errMissingRoom    = errors.New("chat: room is required")
	errMissingUserID  = errors.New("chat: user id is required")
)

const (
	defaultHistoryLimit = 100
	persistTimeout      = 10 * time.Second
	notifyTimeout       = 5 * time.Second
)

// Message is one chat entry as rendered locally. Optimistic entries carry
// their id from the moment of send; entries arriving from peers may briefly
// lack one.
type Message struct {
	ID        string
	RoomID    string
	UserID    string
	UserName  string
	Body      string
	CreatedAt time.Time
	Mentions  []wire.MentionedUser
}

// Config describes the dependencies of a chat Service.
type Config struct {
	Room     string
	UserID   string
	UserName string

	Channel   transport.Channel
	Store     store.ChatStore
	Directory store.Directory
	Sink      store.NotificationSink
	IDs       store.IDProvider

	HistoryLimit    int
	MentionDebounce time.Duration
	MentionMinQuery int

	// OnMessage fires for every message appended to the local list, local
	// or remote. Optional.
	OnMessage func(Message)
	// OnMentioned fires when an incoming message mentions the local user.
	// Optional.
	OnMentioned func(Message)
	// Chime plays the audible mention cue. Best-effort: errors are
	// swallowed, never surfaced. Optional.
	Chime func() error
	// OnSuggestions receives mention-autocomplete results. Optional.
	OnSuggestions func([]store.UserSummary)

	Clock  func() time.Time
	Logger *zap.Logger
}

// Service owns one room's message list and compose state.
type Service struct {
	room     string
	userID   string
	userName string

	channel transport.Channel
	store   store.ChatStore
	sink    store.NotificationSink
	ids     store.IDProvider

	historyLimit int
	clock        func() time.Time
	logger       *zap.Logger

	composer *Composer

	onMessage   func(Message)
	onMentioned func(Message)
	chime       func() error

	mu       sync.Mutex
	messages []Message
	seenIDs  map[string]struct{}
	// seenKeys maps a fallback key to the durable id of the entry holding
	// it, empty while that entry is still optimistic.
	seenKeys map[dedupKey]string
	closed   bool
}

// dedupKey identifies a message that does not yet have a durable id.
type dedupKey struct {
	userID      string
	body        string
	createdAtMs int64
}

// NewService validates the config and constructs the chat service.
func NewService(cfg Config) (*Service, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	historyLimit := cfg.HistoryLimit
	if historyLimit < 1 {
		historyLimit = defaultHistoryLimit
	}
	ids := cfg.IDs
	if ids == nil {
		ids = store.NewUUIDProvider()
	}

	return &Service{
		room:         cfg.Room,
		userID:       cfg.UserID,
		userName:     cfg.UserName,
		channel:      cfg.Channel,
		store:        cfg.Store,
		sink:         cfg.Sink,
		ids:          ids,
		historyLimit: historyLimit,
		clock:        clock,
		logger:       logger,
		composer: NewComposer(ComposerConfig{
			Directory:     cfg.Directory,
			Debounce:      cfg.MentionDebounce,
			MinQuery:      cfg.MentionMinQuery,
			OnSuggestions: cfg.OnSuggestions,
			Logger:        logger,
		}),
		onMessage:   cfg.OnMessage,
		onMentioned: cfg.OnMentioned,
		chime:       cfg.Chime,
		seenIDs:     make(map[string]struct{}),
		seenKeys:    make(map[dedupKey]string),
	}, nil
}

// Composer exposes the mention-autocomplete compose buffer.
func (s *Service) Composer() *Composer {
	return s.composer
}

// Messages returns a copy of the rendered message list.
func (s *Service) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	messages := make([]Message, len(s.messages))
	copy(messages, s.messages)
	return messages
}

// LoadHistory fetches the durable history (ascending by creation time) and
// merges it into the local list. Rows persisted without mention metadata are
// re-parsed against the current candidate set.
func (s *Service) LoadHistory(ctx context.Context) error {
	rows, err := s.store.ListMessages(ctx, s.room, s.historyLimit)
	if err != nil {
		return err
	}

	for _, row := range rows {
		message := Message{
			ID:        row.ID,
			RoomID:    row.RoomID,
			UserID:    row.UserID,
			UserName:  row.UserName,
			Body:      row.Body,
			CreatedAt: row.CreatedAt,
			Mentions:  row.Mentions,
		}
		if len(message.Mentions) == 0 {
			message.Mentions = ParseMentions(message.Body, s.composer.Candidates())
		}
		s.append(message, false)
	}

	s.mu.Lock()
	sort.SliceStable(s.messages, func(i, j int) bool {
		return s.messages[i].CreatedAt.Before(s.messages[j].CreatedAt)
	})
	s.mu.Unlock()
	return nil
}

// Send submits a message: it appends optimistically, parses mentions,
// dispatches one notification per distinct mentioned user (never the
// sender), broadcasts for low-latency delivery, and persists the row. The
// last three steps are independent and best-effort; a failed broadcast does
// not block persistence and vice versa.
func (s *Service) Send(ctx context.Context, body string) (Message, error) {
	if body == "" {
		return Message{}, errors.New("chat: empty message")
	}

	id, err := s.ids.NewID()
	if err != nil {
		return Message{}, err
	}

	message := Message{
		ID:        id,
		RoomID:    s.room,
		UserID:    s.userID,
		UserName:  s.userName,
		Body:      body,
		CreatedAt: s.clock().UTC(),
		Mentions:  ParseMentions(body, s.composer.Candidates()),
	}

	s.append(message, true)
	s.composer.Reset()

	s.dispatchMentions(message)

	if envelope, err := wire.Encode(s.room, toWire(message)); err == nil {
		if err := s.channel.SendBroadcast(ctx, envelope); err != nil {
			s.logger.Warn("chat broadcast failed",
				zap.String("room", s.room), zap.Error(err))
		}
	}

	go func() {
		persistCtx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()
		err := s.store.InsertMessage(persistCtx, store.Message{
			ID:        message.ID,
			RoomID:    message.RoomID,
			UserID:    message.UserID,
			UserName:  message.UserName,
			Body:      message.Body,
			CreatedAt: message.CreatedAt,
			Mentions:  message.Mentions,
		})
		if err != nil {
			// Not retried: the optimistic copy stays visible locally and
			// peers that heard the broadcast keep theirs; the row is simply
			// absent from future history loads.
			s.logger.Warn("chat persist failed",
				zap.String("room", s.room),
				zap.String("message_id", message.ID),
				zap.Error(err))
		}
	}()

	return message, nil
}

// HandleIncoming merges a message delivered by broadcast or by the
// change feed; both paths fan into the same de-duplicated list.
func (s *Service) HandleIncoming(msg wire.ChatMessage) {
	if msg.RoomID != "" && msg.RoomID != s.room {
		return
	}

	message := Message{
		ID:        msg.ID,
		RoomID:    msg.RoomID,
		UserID:    msg.UserID,
		UserName:  msg.UserName,
		Body:      msg.Body,
		CreatedAt: time.UnixMilli(msg.CreatedAtMs).UTC(),
		Mentions:  msg.Mentions,
	}

	if !s.append(message, true) {
		return
	}

	if message.UserID != s.userID && s.mentionsLocalUser(message.Mentions) {
		if s.onMentioned != nil {
			s.onMentioned(message)
		}
		if s.chime != nil {
			if err := s.chime(); err != nil {
				// Audio failure is never surfaced.
				s.logger.Debug("mention chime failed", zap.Error(err))
			}
		}
	}
}

// Close stops the composer's timers.
func (s *Service) Close() {
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.composer.Close()
}

// append adds the message if it has not been seen, returning whether it was
// added. De-duplication keys on the durable id; the (user, body, created-at)
// fallback only reconciles entries that lack an id yet. Distinct messages
// that happen to share sender, body and millisecond carry distinct ids and
// are both kept.
func (s *Service) append(message Message, notify bool) bool {
	key := dedupKey{
		userID:      message.UserID,
		body:        message.Body,
		createdAtMs: message.CreatedAt.UnixMilli(),
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	if message.ID != "" {
		if _, seen := s.seenIDs[message.ID]; seen {
			s.mu.Unlock()
			return false
		}
	}
	if priorID, seen := s.seenKeys[key]; seen {
		if priorID == "" {
			// Same optimistic entry arriving again, now with a durable id:
			// adopt the id so future feed deliveries de-duplicate on it.
			if message.ID != "" {
				s.seenIDs[message.ID] = struct{}{}
				s.seenKeys[key] = message.ID
				for i := range s.messages {
					if s.messages[i].ID == "" &&
						s.messages[i].UserID == message.UserID &&
						s.messages[i].Body == message.Body &&
						s.messages[i].CreatedAt.UnixMilli() == key.createdAtMs {
						s.messages[i].ID = message.ID
						break
					}
				}
			}
			s.mu.Unlock()
			return false
		}
		if message.ID == "" {
			// Replay of an entry whose key already reconciled to an id.
			s.mu.Unlock()
			return false
		}
		// Different id under the same key: a distinct message, kept.
	}

	if message.ID != "" {
		s.seenIDs[message.ID] = struct{}{}
	}
	s.seenKeys[key] = message.ID
	s.messages = append(s.messages, message)
	callback := s.onMessage
	s.mu.Unlock()

	if notify && callback != nil {
		callback(message)
	}
	return true
}

// dispatchMentions triggers one notification per distinct mentioned user,
// excluding the sender. Failures are swallowed; notification delivery never
// blocks or fails a send.
func (s *Service) dispatchMentions(message Message) {
	if s.sink == nil {
		return
	}

	notified := make(map[string]struct{}, len(message.Mentions))
	for _, mention := range message.Mentions {
		if mention.ID == "" || mention.ID == s.userID {
			continue
		}
		if _, done := notified[mention.ID]; done {
			continue
		}
		notified[mention.ID] = struct{}{}

		receiverID := mention.ID
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
			defer cancel()
			if err := s.sink.NotifyMention(ctx, s.userID, receiverID, s.room, message.Body); err != nil {
				s.logger.Warn("mention notification failed",
					zap.String("receiver", receiverID), zap.Error(err))
			}
		}()
	}
}

func (s *Service) mentionsLocalUser(mentions []wire.MentionedUser) bool {
	for _, mention := range mentions {
		if mention.ID == s.userID || (s.userName != "" && mention.UserName == s.userName) {
			return true
		}
	}
	return false
}

func toWire(message Message) wire.ChatMessage {
	return wire.ChatMessage{
		ID:          message.ID,
		RoomID:      message.RoomID,
		UserID:      message.UserID,
		UserName:    message.UserName,
		Body:        message.Body,
		CreatedAtMs: message.CreatedAt.UnixMilli(),
		Mentions:    message.Mentions,
	}
}
