// Package cursor fans peer pointer positions around a room without flooding
// the channel: outbound moves are throttled and gated on an interactive
// surface, inbound events keep only the newest position per sender.
package cursor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingChannel = errors.New("cursor: transport channel is required")
	errMissingRoom    = errors.New("cursor: room is required")
	errMissingUserID  = errors.New("cursor: user id is required")
)

// Position is the latest known pointer position of one peer.
type Position struct {
	UserID      string
	DisplayName string
	Color       string
	X           float64
	Y           float64
	At          time.Time
}

// Config describes the dependencies of a Broadcaster.
type Config struct {
	Room        string
	UserID      string
	DisplayName string
	Color       string

	Channel transport.Channel

	// Throttle caps outbound broadcasts to at most one per interval.
	Throttle time.Duration

	// OnUpdate fires when a peer's position changes. Optional.
	OnUpdate func(Position)

	Clock  func() time.Time
	Logger *zap.Logger
}

// Broadcaster handles both directions of cursor traffic for one client.
type Broadcaster struct {
	room        string
	userID      string
	displayName string
	color       string
	channel     transport.Channel
	throttle    time.Duration
	onUpdate    func(Position)
	clock       func() time.Time
	logger      *zap.Logger

	mu        sync.Mutex
	inside    bool
	lastSent  time.Time
	positions map[string]Position
}

// NewBroadcaster validates the config and constructs the broadcaster. The
// pointer starts outside the interactive surface.
func NewBroadcaster(cfg Config) (*Broadcaster, error) {
	if cfg.Channel == nil {
		return nil, errMissingChannel
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	throttle := cfg.Throttle
	if throttle <= 0 {
		throttle = 50 * time.Millisecond
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Broadcaster{
		room:        cfg.Room,
		userID:      cfg.UserID,
		displayName: cfg.DisplayName,
		color:       cfg.Color,
		channel:     cfg.Channel,
		throttle:    throttle,
		onUpdate:    cfg.OnUpdate,
		clock:       clock,
		logger:      logger,
		positions:   make(map[string]Position),
	}, nil
}

// EnterSurface marks the pointer as inside the interactive surface.
func (b *Broadcaster) EnterSurface() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inside = true
}

// LeaveSurface marks the pointer as outside; subsequent moves are suppressed
// entirely. Also called when the surface is recomputed on resize.
func (b *Broadcaster) LeaveSurface() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.inside = false
}

// Move broadcasts the local pointer position, throttled to at most one
// envelope per configured interval. Moves outside the surface are dropped.
func (b *Broadcaster) Move(ctx context.Context, x, y float64) {
	now := b.clock()

	b.mu.Lock()
	if !b.inside || now.Sub(b.lastSent) < b.throttle {
		b.mu.Unlock()
		return
	}
	b.lastSent = now
	b.mu.Unlock()

	envelope, err := wire.Encode(b.room, wire.CursorMove{
		UserID:      b.userID,
		DisplayName: b.displayName,
		Color:       b.color,
		X:           x,
		Y:           y,
		TimestampMs: now.UnixMilli(),
	})
	if err != nil {
		return
	}
	if err := b.channel.SendBroadcast(ctx, envelope); err != nil {
		b.logger.Debug("cursor broadcast failed", zap.Error(err))
	}
}

// HandleRemoteMove overwrites the sender's entry with its newest position.
// Self-originated events are ignored by identity, not suppressed at the
// transport. Out-of-order delivery self-corrects on the next event.
func (b *Broadcaster) HandleRemoteMove(msg wire.CursorMove) {
	if msg.UserID == b.userID {
		return
	}

	position := Position{
		UserID:      msg.UserID,
		DisplayName: msg.DisplayName,
		Color:       msg.Color,
		X:           msg.X,
		Y:           msg.Y,
		At:          time.UnixMilli(msg.TimestampMs),
	}

	b.mu.Lock()
	b.positions[msg.UserID] = position
	callback := b.onUpdate
	b.mu.Unlock()

	if callback != nil {
		callback(position)
	}
}

// Positions returns the latest known position per peer.
func (b *Broadcaster) Positions() map[string]Position {
	b.mu.Lock()
	defer b.mu.Unlock()
	positions := make(map[string]Position, len(b.positions))
	for userID, position := range b.positions {
		positions[userID] = position
	}
	return positions
}

// Drop removes a peer's cursor. There is no time-based eviction of its own;
// the presence registry is the source of truth for departure.
func (b *Broadcaster) Drop(userID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.positions, userID)
}
