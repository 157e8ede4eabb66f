package store

import "time"

// roomDocument is the persisted whole-blob document row, one per room.
type roomDocument struct {
	RoomID       string    `gorm:"column:room_id;primaryKey;size:190;not null"`
	Content      string    `gorm:"column:content;type:text;not null"`
	WriterUserID string    `gorm:"column:writer_user_id;size:190;not null"`
	UpdatedAt    time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (roomDocument) TableName() string {
	return "room_documents"
}

// chatMessage is one durable chat row. Mentions are denormalized as JSON;
// they are only ever read back alongside the row.
type chatMessage struct {
	ID           string    `gorm:"column:id;primaryKey;size:190;not null"`
	RoomID       string    `gorm:"column:room_id;size:190;not null;index:idx_messages_room_created,priority:1"`
	UserID       string    `gorm:"column:user_id;size:190;not null"`
	UserName     string    `gorm:"column:user_name;size:320;not null"`
	Body         string    `gorm:"column:body;type:text;not null"`
	CreatedAt    time.Time `gorm:"column:created_at;index:idx_messages_room_created,priority:2"`
	MentionsJSON string    `gorm:"column:mentions_json;type:text;not null;default:''"`
}

func (chatMessage) TableName() string {
	return "chat_messages"
}

// directoryUser backs username prefix search for mention autocomplete.
type directoryUser struct {
	UserID      string    `gorm:"column:user_id;primaryKey;size:190;not null"`
	UserName    string    `gorm:"column:user_name;size:320;not null;uniqueIndex"`
	DisplayName string    `gorm:"column:display_name;size:320"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
	UpdatedAt   time.Time `gorm:"column:updated_at;autoUpdateTime"`
}

func (directoryUser) TableName() string {
	return "directory_users"
}

// mentionNotification records one dispatched mention trigger.
type mentionNotification struct {
	ID          string    `gorm:"column:id;primaryKey;size:190;not null"`
	SenderID    string    `gorm:"column:sender_id;size:190;not null"`
	ReceiverID  string    `gorm:"column:receiver_id;size:190;not null;index"`
	RoomID      string    `gorm:"column:room_id;size:190;not null"`
	MessageText string    `gorm:"column:message_text;type:text;not null"`
	CreatedAt   time.Time `gorm:"column:created_at;autoCreateTime"`
}

func (mentionNotification) TableName() string {
	return "mention_notifications"
}
