package integration

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/huddlekit/huddle/internal/auth"
	"github.com/huddlekit/huddle/internal/chat"
	"github.com/huddlekit/huddle/internal/config"
	"github.com/huddlekit/huddle/internal/relay"
	"github.com/huddlekit/huddle/internal/session"
	"github.com/huddlekit/huddle/internal/store"
	"github.com/huddlekit/huddle/internal/transport"
)

const testDeadline = 5 * time.Second

type fixture struct {
	server *httptest.Server
	tokens *auth.TokenIssuer
	stores *store.SQLite
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	gin.SetMode(gin.TestMode)

	db, err := store.OpenSQLite(filepath.Join(t.TempDir(), "integration.db"), nil)
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	hub := transport.NewHub(nil)
	t.Cleanup(hub.Close)

	stores, err := store.NewSQLite(store.SQLiteConfig{
		Database:  db,
		Publisher: hub,
		IDs:       store.NewUUIDProvider(),
	})
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}

	tokens := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("integration-secret"),
		Issuer:        "huddle-relay",
		Audience:      "huddle-room",
	})

	handler, err := relay.NewHTTPHandler(relay.Dependencies{Tokens: tokens, Hub: hub, Stores: stores})
	if err != nil {
		t.Fatalf("new handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	return &fixture{server: server, tokens: tokens, stores: stores}
}

func fastTuning() config.SessionTuning {
	return config.SessionTuning{
		HeartbeatInterval:  50 * time.Millisecond,
		StalenessThreshold: 300 * time.Millisecond,
		SweepInterval:      25 * time.Millisecond,
		DocumentDebounce:   50 * time.Millisecond,
		MentionDebounce:    50 * time.Millisecond,
		MentionMinQuery:    2,
		SubscribeTimeout:   time.Second,
		ReconnectDelay:     50 * time.Millisecond,
		HistoryLimit:       100,
	}
}

type participant struct {
	session *session.Session
	remote  *store.Remote
}

func (f *fixture) join(t *testing.T, userID, displayName, room string, callbacks session.Callbacks) *participant {
	t.Helper()

	token, _, err := f.tokens.IssueRoomToken(auth.RoomClaims{UserID: userID, DisplayName: displayName, Room: room})
	if err != nil {
		t.Fatalf("issue token: %v", err)
	}

	client, err := transport.NewWSClient(transport.WSClientConfig{
		URL:   "ws" + strings.TrimPrefix(f.server.URL, "http") + "/ws",
		Token: token,
	})
	if err != nil {
		t.Fatalf("new ws client: %v", err)
	}
	t.Cleanup(func() { client.Close() })

	remote, err := store.NewRemote(store.RemoteConfig{BaseURL: f.server.URL, Token: token})
	if err != nil {
		t.Fatalf("new remote store: %v", err)
	}

	roomSession, err := session.New(session.Config{
		Room:          room,
		UserID:        userID,
		DisplayName:   displayName,
		Channel:       client,
		Documents:     remote,
		Chat:          remote,
		Directory:     remote,
		Notifications: remote,
		Tuning:        fastTuning(),
		Callbacks:     callbacks,
	})
	if err != nil {
		t.Fatalf("new session: %v", err)
	}
	t.Cleanup(func() { roomSession.Close(context.Background()) })

	if err := roomSession.Start(); err != nil {
		t.Fatalf("start session: %v", err)
	}

	return &participant{session: roomSession, remote: remote}
}

func waitCondition(t *testing.T, condition func() bool, message string) {
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

func sees(roomSession *session.Session, userID string) bool {
	for _, entry := range roomSession.Presence().Snapshot() {
		if entry.UserID == userID {
			return true
		}
	}
	return false
}

func TestTwoClientsCollaborateThroughRelay(t *testing.T) {
	f := newFixture(t)

	if err := f.stores.UpsertUser(context.Background(), "user-bob", "bob", "Bob"); err != nil {
		t.Fatalf("seed directory: %v", err)
	}

	mentioned := make(chan chat.Message, 1)
	suggestions := make(chan []store.UserSummary, 8)

	alice := f.join(t, "user-alice", "alice", "room-1", session.Callbacks{
		OnSuggestions: func(results []store.UserSummary) {
			suggestions <- results
		},
	})
	bob := f.join(t, "user-bob", "bob", "room-1", session.Callbacks{
		OnMentioned: func(message chat.Message) {
			select {
			case mentioned <- message:
			default:
			}
		},
	})

	waitCondition(t, func() bool {
		return alice.session.ConnectionState() == session.StateConnected &&
			bob.session.ConnectionState() == session.StateConnected
	}, "expected both sessions connected")

	// Presence converges across the relay.
	waitCondition(t, func() bool {
		return sees(alice.session, "user-bob") && sees(bob.session, "user-alice")
	}, "expected presence to converge")

	// Document edits propagate; the writer's echo is consumed silently.
	alice.session.Document().ApplyLocalEdit("relay draft")
	waitCondition(t, func() bool {
		return bob.session.Document().Content() == "relay draft"
	}, "expected document at the peer")
	if alice.session.Document().Content() != "relay draft" {
		t.Fatalf("unexpected writer content: %q", alice.session.Document().Content())
	}

	// Chat arrives over the bridged broadcast and deduplicates against the
	// durable feed echo.
	if _, err := alice.session.Chat().Send(context.Background(), "hello over the wire"); err != nil {
		t.Fatalf("send: %v", err)
	}
	waitCondition(t, func() bool {
		for _, message := range bob.session.Chat().Messages() {
			if message.Body == "hello over the wire" {
				return true
			}
		}
		return false
	}, "expected chat at the peer")
	waitCondition(t, func() bool {
		return len(alice.session.Chat().Messages()) == 1
	}, "expected sender to keep exactly one copy")

	// Cursors fan out.
	alice.session.Cursors().EnterSurface()
	alice.session.Cursors().Move(context.Background(), 42, 7)
	waitCondition(t, func() bool {
		position, ok := bob.session.Cursors().Positions()["user-alice"]
		return ok && position.X == 42
	}, "expected cursor at the peer")

	// Mention autocomplete queries the relay directory; the applied
	// suggestion parses as a mention and cues the mentioned peer.
	alice.session.Chat().Composer().SetText("ping @bo")
	var suggestion store.UserSummary
	waitCondition(t, func() bool {
		select {
		case results := <-suggestions:
			if len(results) == 1 && results[0].UserName == "bob" {
				suggestion = results[0]
				return true
			}
			return false
		default:
			return false
		}
	}, "expected a suggestion for @bo")

	body := alice.session.Chat().Composer().ApplySuggestion(suggestion)
	if _, err := alice.session.Chat().Send(context.Background(), body); err != nil {
		t.Fatalf("send mention: %v", err)
	}

	select {
	case message := <-mentioned:
		if message.UserID != "user-alice" {
			t.Fatalf("unexpected mention sender: %q", message.UserID)
		}
	case <-time.After(testDeadline):
		t.Fatal("expected the mentioned peer to be cued")
	}
}

func TestHistoryVisibleToLateJoiner(t *testing.T) {
	f := newFixture(t)

	alice := f.join(t, "user-alice", "alice", "room-1", session.Callbacks{})
	waitCondition(t, func() bool {
		return alice.session.ConnectionState() == session.StateConnected
	}, "expected alice connected")

	if _, err := alice.session.Chat().Send(context.Background(), "early message"); err != nil {
		t.Fatalf("send: %v", err)
	}
	alice.session.Document().ApplyLocalEdit("settled content")

	// Give the debounced persist and the message insert time to land.
	waitCondition(t, func() bool {
		document, err := alice.remote.ReadDocument(context.Background(), "room-1")
		return err == nil && document.Content == "settled content"
	}, "expected durable document")
	waitCondition(t, func() bool {
		rows, err := alice.remote.ListMessages(context.Background(), "room-1", 10)
		return err == nil && len(rows) == 1
	}, "expected durable chat row")

	bob := f.join(t, "user-bob", "bob", "room-1", session.Callbacks{})
	waitCondition(t, func() bool {
		return bob.session.ConnectionState() == session.StateConnected
	}, "expected bob connected")

	waitCondition(t, func() bool {
		return bob.session.Document().Content() == "settled content"
	}, "expected late joiner to read the document")
	waitCondition(t, func() bool {
		messages := bob.session.Chat().Messages()
		return len(messages) == 1 && messages[0].Body == "early message"
	}, "expected late joiner to load history")
}
