package store

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
)

type capturingPublisher struct {
	events chan publishedEvent
}

type publishedEvent struct {
	feed     transport.Feed
	envelope wire.Envelope
}

func (c *capturingPublisher) PublishFeed(_ context.Context, feed transport.Feed, envelope wire.Envelope) error {
	c.events <- publishedEvent{feed: feed, envelope: envelope}
	return nil
}

func newTestStore(t *testing.T, publisher transport.FeedPublisher) *SQLite {
	t.Helper()
	db, err := OpenSQLite(filepath.Join(t.TempDir(), "huddle-test.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	stores, err := NewSQLite(SQLiteConfig{
		Database:  db,
		Publisher: publisher,
		IDs:       NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	return stores
}

func TestUUIDProviderIssuesUniqueIDs(t *testing.T) {
	provider := NewUUIDProvider()

	first, err := provider.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	second, err := provider.NewID()
	if err != nil {
		t.Fatalf("new id: %v", err)
	}
	if first == second {
		t.Fatal("expected distinct ids")
	}
	if _, err := uuid.Parse(first); err != nil {
		t.Fatalf("expected parseable uuid, got %q: %v", first, err)
	}
}

func TestDocumentUpsertReplacesContent(t *testing.T) {
	stores := newTestStore(t, nil)
	ctx := context.Background()

	if _, err := stores.ReadDocument(ctx, "room-1"); !errors.Is(err, ErrDocumentNotFound) {
		t.Fatalf("expected ErrDocumentNotFound, got %v", err)
	}

	if err := stores.UpsertDocument(ctx, "room-1", "v1", "user-a"); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := stores.UpsertDocument(ctx, "room-1", "v2", "user-b"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	document, err := stores.ReadDocument(ctx, "room-1")
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if document.Content != "v2" || document.WriterUserID != "user-b" {
		t.Fatalf("expected last write to win, got %+v", document)
	}
}

func TestDocumentUpsertPublishesFeedEvent(t *testing.T) {
	publisher := &capturingPublisher{events: make(chan publishedEvent, 1)}
	stores := newTestStore(t, publisher)

	if err := stores.UpsertDocument(context.Background(), "room-1", "hello", "user-a"); err != nil {
		t.Fatalf("upsert: %v", err)
	}

	select {
	case event := <-publisher.events:
		if event.feed != transport.FeedDocuments {
			t.Fatalf("expected documents feed, got %s", event.feed)
		}
		if event.envelope.Kind != wire.KindDocumentChanged {
			t.Fatalf("expected document changed event, got %s", event.envelope.Kind)
		}
	case <-time.After(time.Second):
		t.Fatal("expected feed event after durable write")
	}
}

func TestMessagesListedAscendingWithMentions(t *testing.T) {
	publisher := &capturingPublisher{events: make(chan publishedEvent, 4)}
	stores := newTestStore(t, publisher)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	second := Message{
		ID: "m2", RoomID: "room-1", UserID: "user-b", UserName: "grace",
		Body: "hi @ada", CreatedAt: base.Add(time.Minute),
		Mentions: []wire.MentionedUser{{ID: "user-a", UserName: "ada"}},
	}
	first := Message{
		ID: "m1", RoomID: "room-1", UserID: "user-a", UserName: "ada",
		Body: "hello", CreatedAt: base,
	}

	if err := stores.InsertMessage(ctx, second); err != nil {
		t.Fatalf("insert: %v", err)
	}
	if err := stores.InsertMessage(ctx, first); err != nil {
		t.Fatalf("insert: %v", err)
	}

	messages, err := stores.ListMessages(ctx, "room-1", 10)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(messages))
	}
	if messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Fatalf("expected ascending creation order, got %+v", messages)
	}
	if len(messages[1].Mentions) != 1 || messages[1].Mentions[0].ID != "user-a" {
		t.Fatalf("expected mentions restored, got %+v", messages[1].Mentions)
	}

	select {
	case event := <-publisher.events:
		if event.feed != transport.FeedChatMessages {
			t.Fatalf("expected chat feed, got %s", event.feed)
		}
	case <-time.After(time.Second):
		t.Fatal("expected feed event after insert")
	}
}

func TestListMessagesHonorsLimit(t *testing.T) {
	stores := newTestStore(t, nil)
	ctx := context.Background()

	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		message := Message{
			ID:        uuid.NewString(),
			RoomID:    "room-1",
			UserID:    "user-a",
			UserName:  "ada",
			Body:      "msg",
			CreatedAt: base.Add(time.Duration(i) * time.Second),
		}
		if err := stores.InsertMessage(ctx, message); err != nil {
			t.Fatalf("insert: %v", err)
		}
	}

	messages, err := stores.ListMessages(ctx, "room-1", 3)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(messages) != 3 {
		t.Fatalf("expected limit respected, got %d", len(messages))
	}
}

func TestSearchUsersPrefixMatch(t *testing.T) {
	stores := newTestStore(t, nil)
	ctx := context.Background()

	for _, user := range []struct{ id, name string }{
		{"u1", "alice"},
		{"u2", "albert"},
		{"u3", "bob"},
	} {
		if err := stores.UpsertUser(ctx, user.id, user.name, user.name); err != nil {
			t.Fatalf("upsert user: %v", err)
		}
	}

	users, err := stores.SearchUsers(ctx, "al")
	if err != nil {
		t.Fatalf("search: %v", err)
	}
	if len(users) != 2 {
		t.Fatalf("expected two matches, got %d", len(users))
	}
	if users[0].UserName != "albert" || users[1].UserName != "alice" {
		t.Fatalf("expected alphabetical order, got %+v", users)
	}
}

func TestNotifyMentionRecordsRow(t *testing.T) {
	stores := newTestStore(t, nil)
	ctx := context.Background()

	if err := stores.NotifyMention(ctx, "user-a", "user-b", "room-1", "@grace hi"); err != nil {
		t.Fatalf("notify: %v", err)
	}

	var count int64
	if err := stores.db.Model(&mentionNotification{}).Where("receiver_id = ?", "user-b").Count(&count).Error; err != nil {
		t.Fatalf("count: %v", err)
	}
	if count != 1 {
		t.Fatalf("expected one notification row, got %d", count)
	}
}
