// Package store defines the durable collaborator contracts the session core
// depends on (document blob, chat rows, user directory, notification sink)
// and provides SQLite-backed reference implementations.
package store

import (
	"context"
	"errors"
	"time"

	"github.com/huddlekit/huddle/internal/wire"
)

// ErrDocumentNotFound indicates the room has no persisted document yet.
var ErrDocumentNotFound = errors.New("store: document not found")

// Document is the whole-blob document state for one room.
type Document struct {
	RoomID       string
	Content      string
	WriterUserID string
	UpdatedAt    time.Time
}

// Message is one durable chat row.
type Message struct {
	ID        string
	RoomID    string
	UserID    string
	UserName  string
	Body      string
	CreatedAt time.Time
	Mentions  []wire.MentionedUser
}

// UserSummary is the directory's view of a user for mention autocomplete.
type UserSummary struct {
	ID       string
	UserName string
}

// DocumentStore persists the per-room document blob. Each upsert fully
// replaces prior content; the store linearizes concurrent writers.
type DocumentStore interface {
	ReadDocument(ctx context.Context, roomID string) (Document, error)
	UpsertDocument(ctx context.Context, roomID string, content string, writerUserID string) error
}

// ChatStore persists append-only chat messages.
type ChatStore interface {
	// ListMessages returns up to limit rows ordered by CreatedAt ascending.
	ListMessages(ctx context.Context, roomID string, limit int) ([]Message, error)
	InsertMessage(ctx context.Context, message Message) error
}

// Directory resolves usernames for mention autocomplete. Only prefix search
// is in scope; identity management belongs to the surrounding platform.
type Directory interface {
	SearchUsers(ctx context.Context, queryPrefix string) ([]UserSummary, error)
}

// NotificationSink receives mention triggers. Fire-and-forget from the
// session's perspective: failures are logged by the caller, never surfaced.
type NotificationSink interface {
	NotifyMention(ctx context.Context, senderID, receiverID, roomID, messageText string) error
}

// IDProvider issues identifiers for durable rows.
type IDProvider interface {
	NewID() (string, error)
}
