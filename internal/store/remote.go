package store

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/huddlekit/huddle/internal/wire"
)

// RemoteConfig describes a connection to a relay's REST surface.
type RemoteConfig struct {
	// BaseURL is the relay's HTTP root, e.g. http://host:8090.
	BaseURL string
	// Token is the room token used as the bearer credential.
	Token string
	// HTTPClient is optional; the default applies a 10s timeout.
	HTTPClient *http.Client
}

// Remote implements DocumentStore, ChatStore, Directory and NotificationSink
// against a relay. Writes land in the relay's database, which publishes the
// matching change-feed event, so a remote writer's own echo arrives over the
// websocket like any peer's.
type Remote struct {
	baseURL string
	token   string
	client  *http.Client
}

type remoteDocument struct {
	RoomID       string `json:"room_id"`
	Content      string `json:"content"`
	WriterUserID string `json:"writer_user_id"`
	UpdatedAtMs  int64  `json:"updated_at_ms"`
}

type remoteMessage struct {
	ID          string               `json:"id"`
	RoomID      string               `json:"room_id"`
	UserID      string               `json:"user_id"`
	UserName    string               `json:"user_name"`
	Body        string               `json:"body"`
	CreatedAtMs int64                `json:"created_at_ms"`
	Mentions    []wire.MentionedUser `json:"mentions,omitempty"`
}

// NewRemote constructs a Remote store.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("store: relay base url is required")
	}
	if cfg.Token == "" {
		return nil, fmt.Errorf("store: room token is required")
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Remote{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		token:   cfg.Token,
		client:  client,
	}, nil
}

// ReadDocument implements DocumentStore.
func (r *Remote) ReadDocument(ctx context.Context, roomID string) (Document, error) {
	var payload remoteDocument
	status, err := r.do(ctx, http.MethodGet, "/rooms/"+url.PathEscape(roomID)+"/document", nil, &payload)
	if err != nil {
		return Document{}, err
	}
	if status == http.StatusNotFound {
		return Document{}, ErrDocumentNotFound
	}
	if status != http.StatusOK {
		return Document{}, fmt.Errorf("store: document read returned %d", status)
	}
	return Document{
		RoomID:       payload.RoomID,
		Content:      payload.Content,
		WriterUserID: payload.WriterUserID,
		UpdatedAt:    time.UnixMilli(payload.UpdatedAtMs).UTC(),
	}, nil
}

// UpsertDocument implements DocumentStore. The relay takes the writer
// identity from the token, so writerUserID is advisory here.
func (r *Remote) UpsertDocument(ctx context.Context, roomID string, content string, _ string) error {
	body := map[string]string{"content": content}
	status, err := r.do(ctx, http.MethodPut, "/rooms/"+url.PathEscape(roomID)+"/document", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("store: document write returned %d", status)
	}
	return nil
}

// ListMessages implements ChatStore.
func (r *Remote) ListMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var payload struct {
		Messages []remoteMessage `json:"messages"`
	}
	path := "/rooms/" + url.PathEscape(roomID) + "/messages?limit=" + strconv.Itoa(limit)
	status, err := r.do(ctx, http.MethodGet, path, nil, &payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("store: message list returned %d", status)
	}

	messages := make([]Message, 0, len(payload.Messages))
	for _, row := range payload.Messages {
		messages = append(messages, Message{
			ID:        row.ID,
			RoomID:    row.RoomID,
			UserID:    row.UserID,
			UserName:  row.UserName,
			Body:      row.Body,
			CreatedAt: time.UnixMilli(row.CreatedAtMs).UTC(),
			Mentions:  row.Mentions,
		})
	}
	return messages, nil
}

// InsertMessage implements ChatStore.
func (r *Remote) InsertMessage(ctx context.Context, message Message) error {
	body := remoteMessage{
		ID:          message.ID,
		RoomID:      message.RoomID,
		UserID:      message.UserID,
		UserName:    message.UserName,
		Body:        message.Body,
		CreatedAtMs: message.CreatedAt.UnixMilli(),
		Mentions:    message.Mentions,
	}
	status, err := r.do(ctx, http.MethodPost, "/rooms/"+url.PathEscape(message.RoomID)+"/messages", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("store: message insert returned %d", status)
	}
	return nil
}

// SearchUsers implements Directory.
func (r *Remote) SearchUsers(ctx context.Context, queryPrefix string) ([]UserSummary, error) {
	var payload struct {
		Users []struct {
			ID       string `json:"id"`
			UserName string `json:"user_name"`
		} `json:"users"`
	}
	status, err := r.do(ctx, http.MethodGet, "/users/search?q="+url.QueryEscape(queryPrefix), nil, &payload)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("store: user search returned %d", status)
	}

	users := make([]UserSummary, 0, len(payload.Users))
	for _, row := range payload.Users {
		users = append(users, UserSummary{ID: row.ID, UserName: row.UserName})
	}
	return users, nil
}

// NotifyMention implements NotificationSink. Sender and room come from the
// token on the relay side.
func (r *Remote) NotifyMention(ctx context.Context, _ string, receiverID string, _ string, messageText string) error {
	body := map[string]string{
		"receiver_id":  receiverID,
		"message_text": messageText,
	}
	status, err := r.do(ctx, http.MethodPost, "/mentions", body, nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("store: mention notify returned %d", status)
	}
	return nil
}

func (r *Remote) do(ctx context.Context, method, path string, body any, out any) (int, error) {
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return 0, err
		}
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}

	request, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return 0, err
	}
	request.Header.Set("Authorization", "Bearer "+r.token)
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}

	response, err := r.client.Do(request)
	if err != nil {
		return 0, err
	}
	defer response.Body.Close()

	if out != nil && response.StatusCode == http.StatusOK {
		if err := json.NewDecoder(response.Body).Decode(out); err != nil {
			return response.StatusCode, err
		}
	}
	return response.StatusCode, nil
}
