// Package presence maintains the converged soft-state view of which users
// are currently connected to a room. Liveness is heartbeat-driven: entries
// that stop refreshing are swept after a staleness threshold rather than
// requiring an explicit leave signal.
package presence

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingChannel = errors.New("presence: transport channel is required")
	errMissingRoom    = errors.New("presence: room is required")
	errMissingUserID  = errors.New("presence: user id is required")
	// ErrTrackFailed indicates presence tracking failed even after the one
	// local resubscribe-and-retry; recovery belongs to the reconnection
	// supervisor.
	ErrTrackFailed = errors.New("presence: track failed after retry")
)

// Entry describes one live connection of a user to the room. A user with
// several tabs holds several entries distinguished by PresenceRef.
type Entry struct {
	UserID      string
	DisplayName string
	PresenceRef string
	JoinedAt    time.Time
}

type entryState struct {
	entry    Entry
	lastSeen time.Time
}

// Config describes the dependencies of a Registry.
type Config struct {
	Room        string
	UserID      string
	DisplayName string
	Channel     transport.Channel

	HeartbeatInterval  time.Duration
	StalenessThreshold time.Duration
	SweepInterval      time.Duration

	Clock  func() time.Time
	Logger *zap.Logger
}

// Registry tracks the room's presence entries and this client's own liveness.
type Registry struct {
	room        string
	userID      string
	displayName string
	channel     transport.Channel

	heartbeatInterval  time.Duration
	stalenessThreshold time.Duration
	sweepInterval      time.Duration

	clock  func() time.Time
	logger *zap.Logger

	mu           sync.Mutex
	ref          string
	joinedAt     time.Time
	entries      map[string]*entryState // keyed by presence ref
	onJoin       []func(Entry)
	onLeave      []func(Entry)
	subscription transport.Subscription
	started      bool
	closed       bool

	stop chan struct{}
	done sync.WaitGroup
}

// NewRegistry validates the config and constructs a stopped registry.
func NewRegistry(cfg Config) (*Registry, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
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

	heartbeat := cfg.HeartbeatInterval
	if heartbeat <= 0 {
		heartbeat = 3 * time.Second
	}
	staleness := cfg.StalenessThreshold
	if staleness <= 0 {
		staleness = 15 * time.Second
	}
	sweep := cfg.SweepInterval
	if sweep <= 0 {
		sweep = time.Second
	}

	return &Registry{
		room:               cfg.Room,
		userID:             cfg.UserID,
		displayName:        cfg.DisplayName,
		channel:            cfg.Channel,
		heartbeatInterval:  heartbeat,
		stalenessThreshold: staleness,
		sweepInterval:      sweep,
		clock:              clock,
		logger:             logger,
		entries:            make(map[string]*entryState),
		stop:               make(chan struct{}),
	}, nil
}

// OnJoin registers a callback fired when a peer's first entry appears. The
// local user's own entries never fire it. Must be called before Start.
func (r *Registry) OnJoin(callback func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onJoin = append(r.onJoin, callback)
}

// OnLeave registers a callback fired when a user's last entry disappears.
// Must be called before Start.
func (r *Registry) OnLeave(callback func(Entry)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.onLeave = append(r.onLeave, callback)
}

// Start subscribes to presence traffic, announces this client, seeds the
// local view from the channel's tracked state, and begins the heartbeat and
// staleness-sweep loops.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.started {
		r.mu.Unlock()
		return errors.New("presence: already started")
	}
	r.started = true
	now := r.clock()
	r.joinedAt = now
	r.ref = fmt.Sprintf("%d-%s", now.UnixMilli(), uuid.NewString())
	r.mu.Unlock()

	subscription, err := r.channel.SubscribeBroadcast(ctx, r.room, r.handleEnvelope,
		wire.KindPresenceSync, wire.KindUserLeft, wire.KindHeartbeat)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subscription = subscription
	r.mu.Unlock()

	if err := r.Track(ctx); err != nil {
		return err
	}

	r.seedFromChannel()
	r.RequestSync(ctx)

	r.done.Add(2)
	go r.heartbeatLoop()
	go r.sweepLoop()
	return nil
}

// Track announces or refreshes this client's liveness. On failure the
// channel subscription is re-established and the track retried once.
func (r *Registry) Track(ctx context.Context) error {
	meta := r.ownMeta()
	if err := r.channel.TrackPresence(ctx, r.room, meta.PresenceRef, meta); err != nil {
		r.logger.Warn("presence track failed, resubscribing",
			zap.String("room", r.room), zap.Error(err))
		if retryErr := r.resubscribe(ctx); retryErr != nil {
			return fmt.Errorf("%w: %v", ErrTrackFailed, retryErr)
		}
		if retryErr := r.channel.TrackPresence(ctx, r.room, meta.PresenceRef, meta); retryErr != nil {
			return fmt.Errorf("%w: %v", ErrTrackFailed, retryErr)
		}
	}

	r.upsert(metaToEntry(meta), r.clock())
	r.announce(ctx)
	return nil
}

// Snapshot returns the live entries after applying the staleness filter,
// ordered by join time.
func (r *Registry) Snapshot() []Entry {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()

	entries := make([]Entry, 0, len(r.entries))
	for _, state := range r.entries {
		if now.Sub(state.lastSeen) > r.stalenessThreshold {
			continue
		}
		entries = append(entries, state.entry)
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].JoinedAt.Equal(entries[j].JoinedAt) {
			return entries[i].PresenceRef < entries[j].PresenceRef
		}
		return entries[i].JoinedAt.Before(entries[j].JoinedAt)
	})
	return entries
}

// Close stops the loops, sends a best-effort leave broadcast, untracks and
// unsubscribes.
func (r *Registry) Close(ctx context.Context) {
	r.mu.Lock()
	if r.closed || !r.started {
		r.closed = true
		r.mu.Unlock()
		return
	}
	r.closed = true
	ref := r.ref
	subscription := r.subscription
	r.mu.Unlock()

	close(r.stop)
	r.done.Wait()

	if envelope, err := wire.Encode(r.room, wire.UserLeft{UserID: r.userID, PresenceRef: ref}); err == nil {
		if err := r.channel.SendBroadcast(ctx, envelope); err != nil {
			r.logger.Debug("leave broadcast failed", zap.Error(err))
		}
	}
	if err := r.channel.UntrackPresence(ctx, r.room, ref); err != nil {
		r.logger.Debug("presence untrack failed", zap.Error(err))
	}
	if subscription != nil {
		subscription.Unsubscribe()
	}
}

func (r *Registry) ownMeta() wire.PresenceSync {
	r.mu.Lock()
	defer r.mu.Unlock()
	return wire.PresenceSync{
		UserID:      r.userID,
		DisplayName: r.displayName,
		PresenceRef: r.ref,
		JoinedAtMs:  r.joinedAt.UnixMilli(),
	}
}

// announce broadcasts this client's populated presence entry.
func (r *Registry) announce(ctx context.Context) {
	envelope, err := wire.Encode(r.room, r.ownMeta())
	if err != nil {
		return
	}
	if err := r.channel.SendBroadcast(ctx, envelope); err != nil {
		r.logger.Debug("presence announce failed", zap.Error(err))
	}
}

// RequestSync broadcasts an empty PresenceSync asking every peer to
// re-announce, making this client visible to peers that joined earlier.
func (r *Registry) RequestSync(ctx context.Context) {
	envelope, err := wire.Encode(r.room, wire.PresenceSync{})
	if err != nil {
		return
	}
	if err := r.channel.SendBroadcast(ctx, envelope); err != nil {
		r.logger.Debug("presence sync request failed", zap.Error(err))
	}
}

func (r *Registry) seedFromChannel() {
	now := r.clock()
	for _, metas := range r.channel.PresenceState(r.room) {
		for _, meta := range metas {
			if meta.PresenceRef == "" {
				continue
			}
			r.upsert(metaToEntry(meta), now)
		}
	}
}

func (r *Registry) handleEnvelope(envelope wire.Envelope) {
	if err := wire.Dispatch(envelope, presenceHandler{registry: r}); err != nil {
		r.logger.Debug("presence envelope ignored", zap.Error(err))
	}
}

// presenceHandler adapts the registry to wire.Handler; non-presence kinds
// are filtered out at subscribe time and never reach it.
type presenceHandler struct {
	registry *Registry
}

func (h presenceHandler) HandlePresenceSync(_ string, msg wire.PresenceSync) {
	r := h.registry
	if msg.PresenceRef == "" {
		// Sync request: every peer re-announces itself.
		if !r.isClosed() {
			r.announce(context.Background())
		}
		return
	}
	if msg.UserID == r.userID && msg.PresenceRef == r.currentRef() {
		return
	}
	r.upsert(metaToEntry(msg), r.clock())
}

func (h presenceHandler) HandleUserLeft(_ string, msg wire.UserLeft) {
	h.registry.remove(msg.PresenceRef)
}

func (h presenceHandler) HandleHeartbeat(_ string, msg wire.Heartbeat) {
	h.registry.refresh(msg.UserID, msg.PresenceRef)
}

func (h presenceHandler) HandleChatMessage(string, wire.ChatMessage)         {}
func (h presenceHandler) HandleCursorMove(string, wire.CursorMove)           {}
func (h presenceHandler) HandleDocumentChanged(string, wire.DocumentChanged) {}

func (r *Registry) upsert(entry Entry, seenAt time.Time) {
	r.mu.Lock()
	state, known := r.entries[entry.PresenceRef]
	firstEntry := !known && !r.hasUserLocked(entry.UserID)
	if known {
		state.lastSeen = seenAt
		state.entry = entry
	} else {
		r.entries[entry.PresenceRef] = &entryState{entry: entry, lastSeen: seenAt}
	}
	callbacks := append([]func(Entry){}, r.onJoin...)
	r.mu.Unlock()

	// Join callbacks report peers; the local user's own track is not a join.
	if firstEntry && entry.UserID != r.userID {
		for _, callback := range callbacks {
			callback(entry)
		}
		// A newly visible peer may have joined after peers finished their
		// own handshake; ask everyone to re-announce so views converge.
		if !r.isClosed() {
			r.RequestSync(context.Background())
		}
	}
}

func (r *Registry) refresh(userID, ref string) {
	now := r.clock()
	r.mu.Lock()
	defer r.mu.Unlock()
	if state, ok := r.entries[ref]; ok && state.entry.UserID == userID {
		state.lastSeen = now
	}
}

func (r *Registry) remove(ref string) {
	r.mu.Lock()
	state, ok := r.entries[ref]
	if !ok {
		r.mu.Unlock()
		return
	}
	delete(r.entries, ref)
	lastEntry := !r.hasUserLocked(state.entry.UserID)
	callbacks := append([]func(Entry){}, r.onLeave...)
	r.mu.Unlock()

	if lastEntry {
		for _, callback := range callbacks {
			callback(state.entry)
		}
	}
}

func (r *Registry) hasUserLocked(userID string) bool {
	for _, state := range r.entries {
		if state.entry.UserID == userID {
			return true
		}
	}
	return false
}

func (r *Registry) currentRef() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ref
}

func (r *Registry) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Registry) heartbeatLoop() {
	defer r.done.Done()
	ticker := time.NewTicker(r.heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.beat()
		}
	}
}

func (r *Registry) beat() {
	meta := r.ownMeta()
	ctx, cancel := context.WithTimeout(context.Background(), r.heartbeatInterval)
	defer cancel()

	if err := r.channel.TrackPresence(ctx, r.room, meta.PresenceRef, meta); err != nil {
		r.logger.Debug("presence refresh failed", zap.Error(err))
	}
	envelope, err := wire.Encode(r.room, wire.Heartbeat{
		UserID:      meta.UserID,
		PresenceRef: meta.PresenceRef,
		SentAtMs:    r.clock().UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := r.channel.SendBroadcast(ctx, envelope); err != nil {
		r.logger.Debug("heartbeat broadcast failed", zap.Error(err))
	}

	r.refresh(meta.UserID, meta.PresenceRef)
}

func (r *Registry) sweepLoop() {
	defer r.done.Done()
	ticker := time.NewTicker(r.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case <-ticker.C:
			r.sweepStale()
		}
	}
}

// sweepStale evicts entries whose last heartbeat is older than the staleness
// threshold and notifies peers so they drop the entry promptly too.
func (r *Registry) sweepStale() {
	now := r.clock()
	r.mu.Lock()
	stale := make([]Entry, 0)
	for ref, state := range r.entries {
		if now.Sub(state.lastSeen) > r.stalenessThreshold {
			delete(r.entries, ref)
			stale = append(stale, state.entry)
		}
	}
	leaveCallbacks := append([]func(Entry){}, r.onLeave...)
	departed := make([]Entry, 0, len(stale))
	for _, entry := range stale {
		if !r.hasUserLocked(entry.UserID) {
			departed = append(departed, entry)
		}
	}
	r.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), r.sweepInterval)
	defer cancel()
	for _, entry := range stale {
		if envelope, err := wire.Encode(r.room, wire.UserLeft{
			UserID:      entry.UserID,
			PresenceRef: entry.PresenceRef,
		}); err == nil {
			if err := r.channel.SendBroadcast(ctx, envelope); err != nil {
				r.logger.Debug("stale leave broadcast failed", zap.Error(err))
			}
		}
	}
	for _, entry := range departed {
		for _, callback := range leaveCallbacks {
			callback(entry)
		}
	}
}

// resubscribe tears down and re-establishes the broadcast subscription.
func (r *Registry) resubscribe(ctx context.Context) error {
	r.mu.Lock()
	old := r.subscription
	r.mu.Unlock()
	if old != nil {
		old.Unsubscribe()
	}

	subscription, err := r.channel.SubscribeBroadcast(ctx, r.room, r.handleEnvelope,
		wire.KindPresenceSync, wire.KindUserLeft, wire.KindHeartbeat)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.subscription = subscription
	r.mu.Unlock()
	return nil
}

func metaToEntry(meta wire.PresenceSync) Entry {
	return Entry{
		UserID:      meta.UserID,
		DisplayName: meta.DisplayName,
		PresenceRef: meta.PresenceRef,
		JoinedAt:    time.UnixMilli(meta.JoinedAtMs),
	}
}
