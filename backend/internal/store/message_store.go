package store

import (
	"context"
	"errors"
	"time"

	"github.com/oklog/ulid/v2"
	"gorm.io/gorm"

	"collabServer/backend/internal/protocol"
)

const DefaultPageSize = 50

type MessageStore struct{ db *gorm.DB }

func NewMessageStore(db *gorm.DB) *MessageStore {
	return &MessageStore{db: db}
}

// Create stores a new message and returns it with its id and timestamp set.
func (s *MessageStore) Create(ctx context.Context, channelID, authorID, content string, attachments []protocol.Attachment) (protocol.ChatMessage, error) {
	row := ChatMessage{
		ID:          ulid.Make().String(),
		ChannelID:   channelID,
		AuthorID:    authorID,
		Content:     content,
		Attachments: attachments,
		CreatedAt:   time.Now().UTC().Truncate(time.Millisecond),
	}
	if err := s.db.WithContext(ctx).Create(&row).Error; err != nil {
		return protocol.ChatMessage{}, err
	}
	return row.toProtocol(), nil
}

func (s *MessageStore) get(ctx context.Context, channelID, id string) (ChatMessage, error) {
	var row ChatMessage
	err := s.db.WithContext(ctx).Where("id = ? AND channel_id = ?", id, channelID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return row, ErrNotFound
	}
	return row, err
}

// Edit replaces the content of a message. Only its author may edit it.
func (s *MessageStore) Edit(ctx context.Context, channelID, id, authorID, content string) (protocol.ChatMessage, error) {
	row, err := s.get(ctx, channelID, id)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if row.AuthorID != authorID {
		return protocol.ChatMessage{}, ErrForbidden
	}
	now := time.Now().UTC().Truncate(time.Millisecond)
	err = s.db.WithContext(ctx).Model(&row).Updates(map[string]any{"content": content, "edited_at": now}).Error
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	row.Content = content
	row.EditedAt = &now
	return row.toProtocol(), nil
}

// Delete removes a message and its reactions. Only its author may delete it.
func (s *MessageStore) Delete(ctx context.Context, channelID, id, authorID string) error {
	row, err := s.get(ctx, channelID, id)
	if err != nil {
		return err
	}
	if row.AuthorID != authorID {
		return ErrForbidden
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("message_id = ?", id).Delete(&Reaction{}).Error; err != nil {
			return err
		}
		return tx.Delete(&row).Error
	})
}

// List returns up to limit messages older than the message with id before
// (all messages when before is empty), oldest first.
func (s *MessageStore) List(ctx context.Context, channelID, before string, limit int) ([]protocol.ChatMessage, error) {
	if limit <= 0 {
		limit = DefaultPageSize
	}
	q := s.db.WithContext(ctx).Where("channel_id = ?", channelID)
	if before != "" {
		q = q.Where("id < ?", before)
	}
	var rows []ChatMessage
	if err := q.Order("id DESC").Limit(limit).Find(&rows).Error; err != nil {
		return nil, err
	}
	out := make([]protocol.ChatMessage, len(rows))
	for i, r := range rows {
		out[len(rows)-1-i] = r.toProtocol()
	}
	return out, nil
}

// AddReaction is idempotent per user, message and emoji.
func (s *MessageStore) AddReaction(ctx context.Context, rc protocol.Reaction) error {
	if _, err := s.get(ctx, rc.ChannelID, rc.MessageID); err != nil {
		return err
	}
	err := s.db.WithContext(ctx).Create(&Reaction{
		MessageID: rc.MessageID,
		UserID:    rc.UserID,
		Emoji:     rc.Emoji,
		ChannelID: rc.ChannelID,
	}).Error
	if err != nil && !isDuplicate(err) {
		return err
	}
	return nil
}

func (s *MessageStore) RemoveReaction(ctx context.Context, rc protocol.Reaction) error {
	return s.db.WithContext(ctx).
		Where("message_id = ? AND user_id = ? AND emoji = ?", rc.MessageID, rc.UserID, rc.Emoji).
		Delete(&Reaction{}).Error
}
