// Package docsync keeps one room's document content eventually consistent
// across clients with last-writer-wins semantics. Local edits apply
// immediately and persist after a debounce quiet period; remote writes
// arriving through the change feed replace local state unless they are the
// echo of this client's own persisted write.
package docsync

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
)

var (
	errMissingStore  = errors.New("docsync: document store is required")
	errMissingRoom   = errors.New("docsync: room is required")
	errMissingUserID = errors.New("docsync: user id is required")
)

const persistTimeout = 10 * time.Second

// State names the engine's position in its persist cycle.
type State int

const (
	// StateIdle means local and durable state agree as far as this client
	// knows.
	StateIdle State = iota
	// StateDirty means a local edit is waiting out its debounce window.
	StateDirty
	// StateSaving means a persist write is in flight.
	StateSaving
)

// Config describes the dependencies of an Engine.
type Config struct {
	Room   string
	UserID string
	Store  store.DocumentStore

	// Debounce is the quiet period after the last local edit before a
	// persist write is issued.
	Debounce time.Duration

	// OnRemoteApply is invoked after a non-echo remote change replaces the
	// local content, so the UI can re-render. Optional.
	OnRemoteApply func(content string, writerUserID string)

	Logger *zap.Logger
}

// Engine owns the authoritative in-memory copy of the document for one room
// on one client.
type Engine struct {
	room     string
	userID   string
	store    store.DocumentStore
	debounce time.Duration
	onApply  func(string, string)
	logger   *zap.Logger

	mu      sync.Mutex
	content string
	dirty   bool
	saving  bool
	timer   *time.Timer
	closed  bool

	// saveDone is signalled after each persist attempt completes; tests use
	// it to wait deterministically.
	saveDone chan struct{}
}

// NewEngine validates the config and constructs an idle engine.
func NewEngine(cfg Config) (*Engine, error) {
	if cfg.Store == nil {
		return nil, errMissingStore
	}
	if cfg.Room == "" {
		return nil, errMissingRoom
	}
	if cfg.UserID == "" {
		return nil, errMissingUserID
	}
	debounce := cfg.Debounce
	if debounce <= 0 {
		debounce = 500 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		room:     cfg.Room,
		userID:   cfg.UserID,
		store:    cfg.Store,
		debounce: debounce,
		onApply:  cfg.OnRemoteApply,
		logger:   logger,
		saveDone: make(chan struct{}, 1),
	}, nil
}

// Content returns the locally displayed document value.
func (e *Engine) Content() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.content
}

// State reports the persist cycle state.
func (e *Engine) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	switch {
	case e.saving:
		return StateSaving
	case e.dirty:
		return StateDirty
	default:
		return StateIdle
	}
}

// ApplyLocalEdit updates in-memory state immediately and (re)starts the
// debounce timer. While a save is in flight no new timer is armed; the cycle
// restarts once the save completes.
func (e *Engine) ApplyLocalEdit(newContent string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.content = newContent
	e.dirty = true
	if e.saving {
		return
	}
	e.armTimerLocked()
}

// HandleRemoteChange applies a change-feed event for this room's document.
// An event tagged with this client's own user id is the authoritative echo
// of a write this client issued: it is consumed silently and never
// re-triggers a persist, which would otherwise loop forever.
func (e *Engine) HandleRemoteChange(event wire.DocumentChanged) {
	if event.RoomID != "" && event.RoomID != e.room {
		return
	}
	if event.WriterUserID == e.userID {
		return
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.content = event.Content
	callback := e.onApply
	e.mu.Unlock()

	if callback != nil {
		callback(event.Content, event.WriterUserID)
	}
}

// Refresh re-reads the durable document and applies it through the same
// guard as a feed event. Used on reconnect, when feed replay of writes made
// while disconnected cannot be assumed.
func (e *Engine) Refresh(ctx context.Context) error {
	document, err := e.store.ReadDocument(ctx, e.room)
	if errors.Is(err, store.ErrDocumentNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	e.HandleRemoteChange(wire.DocumentChanged{
		RoomID:       document.RoomID,
		Content:      document.Content,
		WriterUserID: document.WriterUserID,
		UpdatedAtMs:  document.UpdatedAt.UnixMilli(),
	})
	return nil
}

// Close stops the debounce timer. A save already in flight is left to
// finish; no new one starts.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
}

func (e *Engine) armTimerLocked() {
	if e.timer != nil {
		e.timer.Stop()
	}
	e.timer = time.AfterFunc(e.debounce, e.persist)
}

// persist issues one write with the freshest content. Only one write is ever
// outstanding per room; edits made while saving restart the debounce cycle
// after completion.
func (e *Engine) persist() {
	e.mu.Lock()
	if e.closed || e.saving || !e.dirty {
		e.mu.Unlock()
		return
	}
	e.saving = true
	e.dirty = false
	content := e.content
	e.mu.Unlock()

	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
		defer cancel()

		err := e.store.UpsertDocument(ctx, e.room, content, e.userID)
		if err != nil {
			// No retry queue: the next edit's debounce cycle re-attempts
			// with fresher content, so transient failures self-heal.
			e.logger.Warn("document persist failed",
				zap.String("room", e.room), zap.Error(err))
		}

		e.mu.Lock()
		e.saving = false
		if e.dirty && !e.closed {
			e.armTimerLocked()
		}
		e.mu.Unlock()

		select {
		case e.saveDone <- struct{}{}:
		default:
		}
	}()
}
