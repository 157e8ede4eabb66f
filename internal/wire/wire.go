// Package wire defines the closed set of payloads exchanged between room
// peers, replacing the loose dynamic event shapes of ad-hoc channel payloads
// with tagged variants that decode through a single dispatch point.
package wire

import (
	"encoding/json"
	"errors"
	"fmt"
)

// Kind tags an envelope with its payload variant.
type Kind string

const (
	KindPresenceSync    Kind = "presence_sync"
	KindUserLeft        Kind = "user_left"
	KindChatMessage     Kind = "chat_message"
	KindCursorMove      Kind = "cursor_move"
	KindDocumentChanged Kind = "document_changed"
	KindHeartbeat       Kind = "heartbeat"
)

// ErrUnknownKind indicates an envelope tagged with a kind this build does not
// understand. Consumers skip such envelopes rather than failing the stream.
var ErrUnknownKind = errors.New("wire: unknown message kind")

// Envelope frames every broadcast and change-feed payload on the channel.
type Envelope struct {
	Kind    Kind            `json:"kind"`
	Room    string          `json:"room"`
	Payload json.RawMessage `json:"payload"`
}

// PresenceSync asks every peer in the room to re-announce its presence, and
// doubles as the re-announcement itself when Entry is populated.
type PresenceSync struct {
	UserID      string `json:"user_id,omitempty"`
	DisplayName string `json:"display_name,omitempty"`
	PresenceRef string `json:"presence_ref,omitempty"`
	JoinedAtMs  int64  `json:"joined_at_ms,omitempty"`
}

// UserLeft announces an explicit or inferred departure so peers can drop the
// entry without waiting for their own staleness sweep.
type UserLeft struct {
	UserID      string `json:"user_id"`
	PresenceRef string `json:"presence_ref"`
}

// Heartbeat refreshes the liveness of one presence ref.
type Heartbeat struct {
	UserID      string `json:"user_id"`
	PresenceRef string `json:"presence_ref"`
	SentAtMs    int64  `json:"sent_at_ms"`
}

// MentionedUser identifies a user referenced by @-mention in a chat message.
type MentionedUser struct {
	ID       string `json:"id"`
	UserName string `json:"user_name"`
}

// ChatMessage is the broadcast form of one chat message. The same shape
// arrives through the change feed once the row is durable; receivers
// de-duplicate on ID, falling back to (UserID, Body, CreatedAtMs) while an
// optimistic copy still lacks a durable id.
type ChatMessage struct {
	ID          string          `json:"id,omitempty"`
	RoomID      string          `json:"room_id"`
	UserID      string          `json:"user_id"`
	UserName    string          `json:"user_name"`
	Body        string          `json:"body"`
	CreatedAtMs int64           `json:"created_at_ms"`
	Mentions    []MentionedUser `json:"mentions,omitempty"`
}

// CursorMove carries one peer's latest pointer position. Ephemeral; only the
// newest value per sender is retained.
type CursorMove struct {
	UserID      string  `json:"user_id"`
	DisplayName string  `json:"display_name"`
	Color       string  `json:"color"`
	X           float64 `json:"x"`
	Y           float64 `json:"y"`
	TimestampMs int64   `json:"timestamp_ms"`
}

// DocumentChanged reports a durable write to the room document. It carries
// the full replacement content so peers apply it without re-reading the
// store. WriterUserID drives the echo guard.
type DocumentChanged struct {
	RoomID       string `json:"room_id"`
	Content      string `json:"content"`
	WriterUserID string `json:"writer_user_id"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

// Encode wraps a payload in an envelope for the given room.
func Encode(room string, payload any) (Envelope, error) {
	kind, err := kindOf(payload)
	if err != nil {
		return Envelope{}, err
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("wire: encode %s: %w", kind, err)
	}
	return Envelope{Kind: kind, Room: room, Payload: raw}, nil
}

func kindOf(payload any) (Kind, error) {
	switch payload.(type) {
	case PresenceSync, *PresenceSync:
		return KindPresenceSync, nil
	case UserLeft, *UserLeft:
		return KindUserLeft, nil
	case Heartbeat, *Heartbeat:
		return KindHeartbeat, nil
	case ChatMessage, *ChatMessage:
		return KindChatMessage, nil
	case CursorMove, *CursorMove:
		return KindCursorMove, nil
	case DocumentChanged, *DocumentChanged:
		return KindDocumentChanged, nil
	default:
		return "", fmt.Errorf("wire: unsupported payload type %T", payload)
	}
}

// Handler receives decoded payloads. Methods are invoked from the transport's
// delivery goroutine; implementations must not block.
type Handler interface {
	HandlePresenceSync(room string, msg PresenceSync)
	HandleUserLeft(room string, msg UserLeft)
	HandleHeartbeat(room string, msg Heartbeat)
	HandleChatMessage(room string, msg ChatMessage)
	HandleCursorMove(room string, msg CursorMove)
	HandleDocumentChanged(room string, msg DocumentChanged)
}

// Dispatch decodes the envelope payload and routes it to the matching handler
// method. Unknown kinds return ErrUnknownKind so callers can log and skip.
func Dispatch(envelope Envelope, handler Handler) error {
	switch envelope.Kind {
	case KindPresenceSync:
		var msg PresenceSync
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("wire: decode %s: %w", envelope.Kind, err)
		}
		handler.HandlePresenceSync(envelope.Room, msg)
	case KindUserLeft:
		var msg UserLeft
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("wire: decode %s: %w", envelope.Kind, err)
		}
		handler.HandleUserLeft(envelope.Room, msg)
	case KindHeartbeat:
		var msg Heartbeat
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("wire: decode %s: %w", envelope.Kind, err)
		}
		handler.HandleHeartbeat(envelope.Room, msg)
	case KindChatMessage:
		var msg ChatMessage
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("wire: decode %s: %w", envelope.Kind, err)
		}
		handler.HandleChatMessage(envelope.Room, msg)
	case KindCursorMove:
		var msg CursorMove
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("wire: decode %s: %w", envelope.Kind, err)
		}
		handler.HandleCursorMove(envelope.Room, msg)
	case KindDocumentChanged:
		var msg DocumentChanged
		if err := json.Unmarshal(envelope.Payload, &msg); err != nil {
			return fmt.Errorf("wire: decode %s: %w", envelope.Kind, err)
		}
		handler.HandleDocumentChanged(envelope.Room, msg)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, envelope.Kind)
	}
	return nil
}
