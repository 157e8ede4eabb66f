package chat

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
)

const testDeadline = 2 * time.Second

type fakeChatStore struct {
	mu   sync.Mutex
	rows []store.Message
}

func (f *fakeChatStore) ListMessages(_ context.Context, roomID string, limit int) ([]store.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rows := make([]store.Message, 0, len(f.rows))
	for _, row := range f.rows {
		if row.RoomID == roomID {
			rows = append(rows, row)
		}
	}
	if len(rows) > limit {
		rows = rows[:limit]
	}
	return rows, nil
}

func (f *fakeChatStore) InsertMessage(_ context.Context, message store.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rows = append(f.rows, message)
	return nil
}

func (f *fakeChatStore) rowCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.rows)
}

type mentionRecord struct {
	senderID   string
	receiverID string
	roomID     string
}

type fakeSink struct {
	mu      sync.Mutex
	records []mentionRecord
}

func (f *fakeSink) NotifyMention(_ context.Context, senderID, receiverID, roomID, _ string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, mentionRecord{senderID: senderID, receiverID: receiverID, roomID: roomID})
	return nil
}

func (f *fakeSink) recorded() []mentionRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]mentionRecord{}, f.records...)
}

func waitUntil(t *testing.T, condition func() bool, message string) {
	t.Helper()
	deadline := time.Now().Add(testDeadline)
	for time.Now().Before(deadline) {
		if condition() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal(message)
}

func newTestService(t *testing.T, cfg Config) *Service {
	t.Helper()
	if cfg.Room == "" {
		cfg.Room = "room-1"
	}
	if cfg.UserID == "" {
		cfg.UserID = "user-a"
	}
	if cfg.UserName == "" {
		cfg.UserName = "ada"
	}
	if cfg.Channel == nil {
		hub := transport.NewHub(nil)
		t.Cleanup(hub.Close)
		cfg.Channel = hub
	}
	if cfg.Store == nil {
		cfg.Store = &fakeChatStore{}
	}
	service, err := NewService(cfg)
	if err != nil {
		t.Fatalf("new service: %v", err)
	}
	t.Cleanup(service.Close)
	return service
}

func TestSendAppendsOptimisticallyAndPersists(t *testing.T) {
	chatStore := &fakeChatStore{}
	hub := transport.NewHub(nil)
	defer hub.Close()

	broadcasts := make(chan wire.Envelope, 1)
	subscription, err := hub.SubscribeBroadcast(context.Background(), "room-1", func(envelope wire.Envelope) {
		broadcasts <- envelope
	}, wire.KindChatMessage)
	if err != nil {
		t.Fatalf("subscribe: %v", err)
	}
	defer subscription.Unsubscribe()

	service := newTestService(t, Config{Channel: hub, Store: chatStore})

	message, err := service.Send(context.Background(), "hello room")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if message.ID == "" {
		t.Fatal("expected an id assigned at send time")
	}

	messages := service.Messages()
	if len(messages) != 1 || messages[0].Body != "hello room" {
		t.Fatalf("expected optimistic append, got %+v", messages)
	}

	select {
	case envelope := <-broadcasts:
		if envelope.Kind != wire.KindChatMessage {
			t.Fatalf("expected chat broadcast, got %s", envelope.Kind)
		}
	case <-time.After(testDeadline):
		t.Fatal("expected broadcast within deadline")
	}

	waitUntil(t, func() bool { return chatStore.rowCount() == 1 }, "expected message persisted")
}

func TestSendRejectsEmptyBody(t *testing.T) {
	service := newTestService(t, Config{})
	if _, err := service.Send(context.Background(), ""); err == nil {
		t.Fatal("expected error for empty body")
	}
}

func TestIncomingDeduplicatedByID(t *testing.T) {
	service := newTestService(t, Config{})

	incoming := wire.ChatMessage{
		ID:          "msg-1",
		RoomID:      "room-1",
		UserID:      "user-b",
		UserName:    "grace",
		Body:        "hi",
		CreatedAtMs: time.Now().UnixMilli(),
	}

	service.HandleIncoming(incoming)
	service.HandleIncoming(incoming)

	if count := len(service.Messages()); count != 1 {
		t.Fatalf("expected one message after duplicate delivery, got %d", count)
	}
}

func TestBroadcastThenFeedDeliversOnce(t *testing.T) {
	service := newTestService(t, Config{})

	createdAt := time.Now().UnixMilli()
	// Broadcast copy arrives first, before the row is durable.
	service.HandleIncoming(wire.ChatMessage{
		RoomID:      "room-1",
		UserID:      "user-b",
		UserName:    "grace",
		Body:        "hi",
		CreatedAtMs: createdAt,
	})
	// Feed copy arrives later carrying the durable id.
	service.HandleIncoming(wire.ChatMessage{
		ID:          "durable-1",
		RoomID:      "room-1",
		UserID:      "user-b",
		UserName:    "grace",
		Body:        "hi",
		CreatedAtMs: createdAt,
	})

	messages := service.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	if messages[0].ID != "durable-1" {
		t.Fatalf("expected durable id adopted, got %q", messages[0].ID)
	}

	// A later replay keyed on the adopted id is also a duplicate.
	service.HandleIncoming(wire.ChatMessage{
		ID:          "durable-1",
		RoomID:      "room-1",
		UserID:      "user-b",
		UserName:    "grace",
		Body:        "hi",
		CreatedAtMs: createdAt,
	})
	if count := len(service.Messages()); count != 1 {
		t.Fatalf("expected replay dropped, got %d messages", count)
	}
}

func TestDistinctMessagesSameBodyAndInstantBothKept(t *testing.T) {
	fixed := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	service := newTestService(t, Config{Clock: func() time.Time { return fixed }})

	first, err := service.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	second, err := service.Send(context.Background(), "hi")
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	if first.ID == second.ID {
		t.Fatal("expected distinct ids")
	}

	if count := len(service.Messages()); count != 2 {
		t.Fatalf("expected both distinct messages kept, got %d", count)
	}
}

func TestIncomingDistinctIDsSameFallbackKeyBothKept(t *testing.T) {
	service := newTestService(t, Config{})

	createdAt := time.Now().UnixMilli()
	for _, id := range []string{"msg-1", "msg-2"} {
		service.HandleIncoming(wire.ChatMessage{
			ID:          id,
			RoomID:      "room-1",
			UserID:      "user-b",
			UserName:    "grace",
			Body:        "hi",
			CreatedAtMs: createdAt,
		})
	}

	messages := service.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(messages))
	}
	if messages[0].ID != "msg-1" || messages[1].ID != "msg-2" {
		t.Fatalf("expected both ids present, got %+v", messages)
	}
}

func TestOwnBroadcastEchoNotDuplicated(t *testing.T) {
	hub := transport.NewHub(nil)
	defer hub.Close()
	service := newTestService(t, Config{Channel: hub})

	message, err := service.Send(context.Background(), "hello")
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	// The channel may or may not deliver the sender's own broadcast back.
	service.HandleIncoming(wire.ChatMessage{
		ID:          message.ID,
		RoomID:      message.RoomID,
		UserID:      message.UserID,
		UserName:    message.UserName,
		Body:        message.Body,
		CreatedAtMs: message.CreatedAt.UnixMilli(),
	})

	if count := len(service.Messages()); count != 1 {
		t.Fatalf("expected echo dropped, got %d messages", count)
	}
}

func TestSendNotifiesEachMentionedUserOnce(t *testing.T) {
	sink := &fakeSink{}
	service := newTestService(t, Config{Sink: sink})

	service.Composer().Candidates().Add(
		wire.MentionedUser{ID: "user-b", UserName: "grace"},
		wire.MentionedUser{ID: "user-a", UserName: "ada"},
	)

	if _, err := service.Send(context.Background(), "@grace @grace @ada look at this"); err != nil {
		t.Fatalf("send: %v", err)
	}

	waitUntil(t, func() bool { return len(sink.recorded()) == 1 }, "expected exactly one mention notification")

	records := sink.recorded()
	if records[0].receiverID != "user-b" || records[0].senderID != "user-a" || records[0].roomID != "room-1" {
		t.Fatalf("unexpected notification: %+v", records[0])
	}

	// Self-mention never notifies; give a stray dispatch a moment to appear.
	time.Sleep(100 * time.Millisecond)
	if count := len(sink.recorded()); count != 1 {
		t.Fatalf("expected one notification total, got %d", count)
	}
}

func TestIncomingMentionOfLocalUserFiresCallbacks(t *testing.T) {
	mentioned := make(chan Message, 1)
	chimes := make(chan struct{}, 1)

	service := newTestService(t, Config{
		OnMentioned: func(message Message) { mentioned <- message },
		Chime: func() error {
			chimes <- struct{}{}
			return errors.New("audio device busy")
		},
	})

	service.HandleIncoming(wire.ChatMessage{
		ID:          "msg-1",
		RoomID:      "room-1",
		UserID:      "user-b",
		UserName:    "grace",
		Body:        "@ada ping",
		CreatedAtMs: time.Now().UnixMilli(),
		Mentions:    []wire.MentionedUser{{ID: "user-a", UserName: "ada"}},
	})

	select {
	case message := <-mentioned:
		if message.UserID != "user-b" {
			t.Fatalf("unexpected mention source: %s", message.UserID)
		}
	case <-time.After(testDeadline):
		t.Fatal("expected mention callback")
	}

	select {
	case <-chimes:
		// Chime error is swallowed; reaching here is enough.
	case <-time.After(testDeadline):
		t.Fatal("expected chime")
	}
}

func TestOwnMessageNeverTriggersMentionCue(t *testing.T) {
	mentioned := make(chan Message, 1)
	service := newTestService(t, Config{
		OnMentioned: func(message Message) { mentioned <- message },
	})

	service.HandleIncoming(wire.ChatMessage{
		ID:          "msg-1",
		RoomID:      "room-1",
		UserID:      "user-a",
		UserName:    "ada",
		Body:        "note to self: @ada",
		CreatedAtMs: time.Now().UnixMilli(),
		Mentions:    []wire.MentionedUser{{ID: "user-a", UserName: "ada"}},
	})

	select {
	case <-mentioned:
		t.Fatal("own message must not trigger the mention cue")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestLoadHistoryMergesAscendingAndDeduplicates(t *testing.T) {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	chatStore := &fakeChatStore{rows: []store.Message{
		{ID: "m1", RoomID: "room-1", UserID: "user-b", UserName: "grace", Body: "first", CreatedAt: base},
		{ID: "m2", RoomID: "room-1", UserID: "user-c", UserName: "bob", Body: "second", CreatedAt: base.Add(time.Minute)},
	}}

	service := newTestService(t, Config{Store: chatStore})

	// One row already arrived over broadcast before the history load.
	service.HandleIncoming(wire.ChatMessage{
		ID:          "m2",
		RoomID:      "room-1",
		UserID:      "user-c",
		UserName:    "bob",
		Body:        "second",
		CreatedAtMs: base.Add(time.Minute).UnixMilli(),
	})

	if err := service.LoadHistory(context.Background()); err != nil {
		t.Fatalf("load history: %v", err)
	}

	messages := service.Messages()
	if len(messages) != 2 {
		t.Fatalf("expected two messages, got %d", len(messages))
	}
	if messages[0].ID != "m1" || messages[1].ID != "m2" {
		t.Fatalf("expected ascending order by creation time, got %+v", messages)
	}
}

func TestLoadHistoryReparsesMissingMentions(t *testing.T) {
	base := time.Date(2026, 2, 1, 10, 0, 0, 0, time.UTC)
	chatStore := &fakeChatStore{rows: []store.Message{
		{ID: "m1", RoomID: "room-1", UserID: "user-b", UserName: "grace", Body: "hi @ada", CreatedAt: base},
	}}

	service := newTestService(t, Config{Store: chatStore})
	service.Composer().Candidates().Add(wire.MentionedUser{ID: "user-a", UserName: "ada"})

	if err := service.LoadHistory(context.Background()); err != nil {
		t.Fatalf("load history: %v", err)
	}

	messages := service.Messages()
	if len(messages) != 1 {
		t.Fatalf("expected one message, got %d", len(messages))
	}
	if len(messages[0].Mentions) != 1 || messages[0].Mentions[0].ID != "user-a" {
		t.Fatalf("expected re-parsed mention, got %+v", messages[0].Mentions)
	}
}
