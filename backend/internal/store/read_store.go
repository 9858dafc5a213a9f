package store

import (
	"context"
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

type ReadStore struct{ db *gorm.DB }

func NewReadStore(db *gorm.DB) *ReadStore {
	return &ReadStore{db: db}
}

// MarkRead moves the user's read marker for a channel to at.
func (s *ReadStore) MarkRead(ctx context.Context, channelID, userID string, at time.Time) error {
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"read_at"}),
	}).Create(&ReadMarker{ChannelID: channelID, UserID: userID, ReadAt: at}).Error
}

// Unread counts messages by other users created after the user's marker.
func (s *ReadStore) Unread(ctx context.Context, channelID, userID string) (int64, error) {
	q := s.db.WithContext(ctx).Model(&ChatMessage{}).
		Where("channel_id = ? AND author_id <> ?", channelID, userID)
	var marker ReadMarker
	err := s.db.WithContext(ctx).Where("channel_id = ? AND user_id = ?", channelID, userID).Take(&marker).Error
	switch {
	case err == nil:
		q = q.Where("created_at > ?", marker.ReadAt)
	case !errors.Is(err, gorm.ErrRecordNotFound):
		return 0, err
	}
	var n int64
	err = q.Count(&n).Error
	return n, err
}
