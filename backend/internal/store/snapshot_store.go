package store

import (
	"context"
	"errors"
	"fmt"

	"gorm.io/gorm"
)

type SnapshotStore struct {
	db   *gorm.DB
	keep int
}

func NewSnapshotStore(db *gorm.DB) *SnapshotStore {
	return &SnapshotStore{db: db}
}

// WithRetention makes SaveSnapshot prune all but the newest keep snapshots
// of the topic it wrote. keep <= 0 keeps everything.
func (s *SnapshotStore) WithRetention(keep int) *SnapshotStore {
	s.keep = keep
	return s
}

func (s *SnapshotStore) LatestSnapshot(ctx context.Context, topic string) ([]byte, uint64, error) {
	var snap Snapshot
	err := s.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("revision DESC").
		First(&snap).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, 0, ErrNotFound
	}
	if err != nil {
		return nil, 0, err
	}
	return snap.Data, snap.Revision, nil
}

// SaveSnapshot inserts a snapshot. Saving the same topic and revision twice
// is not an error.
func (s *SnapshotStore) SaveSnapshot(ctx context.Context, topic string, rev uint64, data []byte) error {
	err := s.db.WithContext(ctx).Create(&Snapshot{Topic: topic, Revision: rev, Data: data}).Error
	if err != nil && !isDuplicate(err) {
		return err
	}
	if s.keep > 0 {
		if _, err := s.Prune(ctx, topic, s.keep); err != nil {
			return fmt.Errorf("prune %s: %w", topic, err)
		}
	}
	return nil
}

// Prune keeps the newest keep snapshots of a topic.
func (s *SnapshotStore) Prune(ctx context.Context, topic string, keep int) (int64, error) {
	var cutoff Snapshot
	err := s.db.WithContext(ctx).
		Where("topic = ?", topic).
		Order("revision DESC").
		Offset(keep - 1).
		First(&cutoff).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	res := s.db.WithContext(ctx).
		Where("topic = ? AND revision < ?", topic, cutoff.Revision).
		Delete(&Snapshot{})
	return res.RowsAffected, res.Error
}
