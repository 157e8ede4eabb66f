package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/huddlekit/huddle/internal/transport"
	"github.com/huddlekit/huddle/internal/wire"
	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase   = errors.New("store: database handle is required")
	errMissingIDProvider = errors.New("store: id provider is required")
)

// OpenSQLite establishes a SQLite connection and performs schema migrations.
func OpenSQLite(path string, logger *zap.Logger) (*gorm.DB, error) {
	if path == "" {
		return nil, fmt.Errorf("store: database path is required")
	}

	db, err := gorm.Open(sqlite.Open(path), &gorm.Config{})
	if err != nil {
		return nil, err
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, err
	}
	sqlDB.SetMaxOpenConns(1)

	if err := db.AutoMigrate(&roomDocument{}, &chatMessage{}, &directoryUser{}, &mentionNotification{}); err != nil {
		return nil, err
	}

	if logger != nil {
		logger.Info("database initialized", zap.String("path", path))
	}

	return db, nil
}

// SQLiteConfig describes the dependencies of the SQLite-backed stores.
type SQLiteConfig struct {
	Database *gorm.DB
	// Publisher receives a change-feed event after each durable write.
	// Optional: nil disables feed emission (history-only deployments).
	Publisher transport.FeedPublisher
	IDs       IDProvider
	Clock     func() time.Time
	Logger    *zap.Logger
}

// SQLite implements DocumentStore, ChatStore, Directory and NotificationSink
// over a single SQLite database, emitting change-feed events once rows are
// durable so peers observe writes without polling.
type SQLite struct {
	db        *gorm.DB
	publisher transport.FeedPublisher
	ids       IDProvider
	clock     func() time.Time
	logger    *zap.Logger
}

// NewSQLite constructs the store bundle.
func NewSQLite(cfg SQLiteConfig) (*SQLite, error) {
	if cfg.Database == nil {
		return nil, errMissingDatabase
	}
	if cfg.IDs == nil {
		return nil, errMissingIDProvider
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SQLite{
		db:        cfg.Database,
		publisher: cfg.Publisher,
		ids:       cfg.IDs,
		clock:     clock,
		logger:    logger,
	}, nil
}

// ReadDocument implements DocumentStore.
func (s *SQLite) ReadDocument(ctx context.Context, roomID string) (Document, error) {
	var row roomDocument
	err := s.db.WithContext(ctx).Where("room_id = ?", roomID).Take(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return Document{}, ErrDocumentNotFound
	}
	if err != nil {
		return Document{}, err
	}
	return Document{
		RoomID:       row.RoomID,
		Content:      row.Content,
		WriterUserID: row.WriterUserID,
		UpdatedAt:    row.UpdatedAt,
	}, nil
}

// UpsertDocument implements DocumentStore. The write fully replaces prior
// content (last writer wins); the matching DocumentChanged feed event is
// published only after the row is durable.
func (s *SQLite) UpsertDocument(ctx context.Context, roomID string, content string, writerUserID string) error {
	now := s.clock().UTC()
	row := roomDocument{
		RoomID:       roomID,
		Content:      content,
		WriterUserID: writerUserID,
		UpdatedAt:    now,
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "room_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"content", "writer_user_id", "updated_at"}),
	}).Create(&row).Error
	if err != nil {
		return err
	}

	s.publish(ctx, transport.FeedDocuments, roomID, wire.DocumentChanged{
		RoomID:       roomID,
		Content:      content,
		WriterUserID: writerUserID,
		UpdatedAtMs:  now.UnixMilli(),
	})
	return nil
}

// ListMessages implements ChatStore.
func (s *SQLite) ListMessages(ctx context.Context, roomID string, limit int) ([]Message, error) {
	var rows []chatMessage
	err := s.db.WithContext(ctx).
		Where("room_id = ?", roomID).
		Order("created_at ASC").
		Limit(limit).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	messages := make([]Message, 0, len(rows))
	for _, row := range rows {
		message := Message{
			ID:        row.ID,
			RoomID:    row.RoomID,
			UserID:    row.UserID,
			UserName:  row.UserName,
			Body:      row.Body,
			CreatedAt: row.CreatedAt,
		}
		if row.MentionsJSON != "" {
			if err := json.Unmarshal([]byte(row.MentionsJSON), &message.Mentions); err != nil {
				s.logger.Warn("discarding malformed mentions payload",
					zap.String("message_id", row.ID), zap.Error(err))
			}
		}
		messages = append(messages, message)
	}
	return messages, nil
}

// InsertMessage implements ChatStore. The ChatMessage feed event is published
// after the insert commits so broadcast and feed paths stay independent.
func (s *SQLite) InsertMessage(ctx context.Context, message Message) error {
	mentionsJSON := ""
	if len(message.Mentions) > 0 {
		raw, err := json.Marshal(message.Mentions)
		if err != nil {
			return err
		}
		mentionsJSON = string(raw)
	}

	row := chatMessage{
		ID:           message.ID,
		RoomID:       message.RoomID,
		UserID:       message.UserID,
		UserName:     message.UserName,
		Body:         message.Body,
		CreatedAt:    message.CreatedAt,
		MentionsJSON: mentionsJSON,
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return err
	}

	s.publish(ctx, transport.FeedChatMessages, message.RoomID, wire.ChatMessage{
		ID:          message.ID,
		RoomID:      message.RoomID,
		UserID:      message.UserID,
		UserName:    message.UserName,
		Body:        message.Body,
		CreatedAtMs: message.CreatedAt.UnixMilli(),
		Mentions:    message.Mentions,
	})
	return nil
}

// SearchUsers implements Directory.
func (s *SQLite) SearchUsers(ctx context.Context, queryPrefix string) ([]UserSummary, error) {
	var rows []directoryUser
	err := s.db.WithContext(ctx).
		Where("user_name LIKE ?", queryPrefix+"%").
		Order("user_name ASC").
		Limit(20).
		Find(&rows).Error
	if err != nil {
		return nil, err
	}

	users := make([]UserSummary, 0, len(rows))
	for _, row := range rows {
		users = append(users, UserSummary{ID: row.UserID, UserName: row.UserName})
	}
	return users, nil
}

// UpsertUser registers or refreshes a directory entry. The surrounding
// platform owns identity; this exists so deployments without one can still
// exercise autocomplete.
func (s *SQLite) UpsertUser(ctx context.Context, userID, userName, displayName string) error {
	row := directoryUser{UserID: userID, UserName: userName, DisplayName: displayName}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"user_name", "display_name", "updated_at"}),
	}).Create(&row).Error
}

// NotifyMention implements NotificationSink by recording one row per trigger.
func (s *SQLite) NotifyMention(ctx context.Context, senderID, receiverID, roomID, messageText string) error {
	id, err := s.ids.NewID()
	if err != nil {
		return err
	}
	row := mentionNotification{
		ID:          id,
		SenderID:    senderID,
		ReceiverID:  receiverID,
		RoomID:      roomID,
		MessageText: messageText,
	}
	return s.db.WithContext(ctx).Create(&row).Error
}

func (s *SQLite) publish(ctx context.Context, feed transport.Feed, roomID string, payload any) {
	if s.publisher == nil {
		return
	}
	envelope, err := wire.Encode(roomID, payload)
	if err != nil {
		s.logger.Error("feed encode failed",
			zap.String("feed", string(feed)), zap.Error(err))
		return
	}
	if err := s.publisher.PublishFeed(ctx, feed, envelope); err != nil {
		s.logger.Warn("feed publish failed",
			zap.String("feed", string(feed)),
			zap.String("room", roomID),
			zap.Error(err))
	}
}
