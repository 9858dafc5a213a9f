package store

import (
	"time"

	"collabServer/backend/internal/protocol"
)

// Snapshot is one compacted state of a shared object, keyed by topic
// ("doc:<id>" or "scene:<id>") and revision.
type Snapshot struct {
	ID        uint64 `gorm:"primaryKey;autoIncrement"`
	Topic     string `gorm:"type:varchar(160);not null;uniqueIndex:uk_topic_rev,priority:1"`
	Revision  uint64 `gorm:"not null;uniqueIndex:uk_topic_rev,priority:2"`
	Data      []byte `gorm:"type:longblob;not null"`
	CreatedAt time.Time
}

type ChatMessage struct {
	ID          string                `gorm:"primaryKey;type:char(26)"`
	ChannelID   string                `gorm:"type:varchar(64);not null;index:idx_channel_id,priority:1"`
	AuthorID    string                `gorm:"type:varchar(64);not null"`
	Content     string                `gorm:"type:text;not null"`
	Attachments []protocol.Attachment `gorm:"serializer:json;type:json"`
	CreatedAt   time.Time
	EditedAt    *time.Time
}

type Reaction struct {
	MessageID string `gorm:"primaryKey;type:char(26)"`
	UserID    string `gorm:"primaryKey;type:varchar(64)"`
	Emoji     string `gorm:"primaryKey;type:varchar(64)"`
	ChannelID string `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time
}

type ReadMarker struct {
	ChannelID string `gorm:"primaryKey;type:varchar(64)"`
	UserID    string `gorm:"primaryKey;type:varchar(64)"`
	ReadAt    time.Time
}

func (m ChatMessage) toProtocol() protocol.ChatMessage {
	return protocol.ChatMessage{
		ID:          m.ID,
		ChannelID:   m.ChannelID,
		AuthorID:    m.AuthorID,
		Content:     m.Content,
		Attachments: m.Attachments,
		CreatedAt:   m.CreatedAt,
		EditedAt:    m.EditedAt,
	}
}
