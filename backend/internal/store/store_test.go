package store

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/oklog/ulid/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"collabServer/backend/internal/protocol"
)

// openTestDB connects to the database named by COLLAB_TEST_MYSQL_DSN and
// skips the test when it is unset or unreachable.
func openTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	dsn := os.Getenv("COLLAB_TEST_MYSQL_DSN")
	if dsn == "" {
		t.Skip("skip: COLLAB_TEST_MYSQL_DSN not set")
	}
	db, err := InitMySQL(dsn)
	if err != nil {
		t.Skipf("skip: mysql not available: %v", err)
	}
	require.NoError(t, Migrate(db))
	return db
}

func uniq(prefix string) string { return prefix + "-" + ulid.Make().String() }

func TestIsDuplicate(t *testing.T) {
	assert.True(t, isDuplicate(&mysqldriver.MySQLError{Number: 1062}))
	assert.True(t, isDuplicate(fmt.Errorf("wrapped: %w", &mysqldriver.MySQLError{Number: 1062})))
	assert.False(t, isDuplicate(&mysqldriver.MySQLError{Number: 1045}))
	assert.False(t, isDuplicate(nil))
}

func TestSnapshotStore(t *testing.T) {
	db := openTestDB(t)
	s := NewSnapshotStore(db)
	ctx := context.Background()
	topic := uniq("doc")

	_, _, err := s.LatestSnapshot(ctx, topic)
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, s.SaveSnapshot(ctx, topic, 3, []byte("three")))
	require.NoError(t, s.SaveSnapshot(ctx, topic, 9, []byte("nine")))
	require.NoError(t, s.SaveSnapshot(ctx, topic, 9, []byte("nine again")))

	data, rev, err := s.LatestSnapshot(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, uint64(9), rev)
	assert.Equal(t, "nine", string(data))

	n, err := s.Prune(ctx, topic, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}

func TestSnapshotStore_Retention(t *testing.T) {
	db := openTestDB(t)
	s := NewSnapshotStore(db).WithRetention(2)
	ctx := context.Background()
	topic := uniq("scene")

	for rev := uint64(1); rev <= 4; rev++ {
		require.NoError(t, s.SaveSnapshot(ctx, topic, rev, []byte{byte(rev)}))
	}
	var count int64
	require.NoError(t, db.Model(&Snapshot{}).Where("topic = ?", topic).Count(&count).Error)
	assert.Equal(t, int64(2), count)

	_, rev, err := s.LatestSnapshot(ctx, topic)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), rev)
}

func TestMessageStore(t *testing.T) {
	db := openTestDB(t)
	s := NewMessageStore(db)
	ctx := context.Background()
	channel := uniq("ch")

	m1, err := s.Create(ctx, channel, "alice", "hello", []protocol.Attachment{{ID: "f1", Name: "a.png"}})
	require.NoError(t, err)
	time.Sleep(2 * time.Millisecond)
	m2, err := s.Create(ctx, channel, "bob", "hi", nil)
	require.NoError(t, err)

	list, err := s.List(ctx, channel, "", 10)
	require.NoError(t, err)
	require.Len(t, list, 2)
	assert.Equal(t, m1.ID, list[0].ID)
	assert.Equal(t, "f1", list[0].Attachments[0].ID)

	older, err := s.List(ctx, channel, m2.ID, 10)
	require.NoError(t, err)
	require.Len(t, older, 1)

	_, err = s.Edit(ctx, channel, m1.ID, "bob", "hijack")
	assert.ErrorIs(t, err, ErrForbidden)
	edited, err := s.Edit(ctx, channel, m1.ID, "alice", "hello!")
	require.NoError(t, err)
	assert.NotNil(t, edited.EditedAt)

	rc := protocol.Reaction{MessageID: m1.ID, ChannelID: channel, UserID: "bob", Emoji: "+1"}
	require.NoError(t, s.AddReaction(ctx, rc))
	require.NoError(t, s.AddReaction(ctx, rc))
	require.NoError(t, s.RemoveReaction(ctx, rc))

	assert.ErrorIs(t, s.Delete(ctx, channel, "missing", "alice"), ErrNotFound)
	require.NoError(t, s.Delete(ctx, channel, m1.ID, "alice"))
}

func TestReadStore(t *testing.T) {
	db := openTestDB(t)
	msgs := NewMessageStore(db)
	reads := NewReadStore(db)
	ctx := context.Background()
	channel := uniq("ch")

	_, err := msgs.Create(ctx, channel, "bob", "one", nil)
	require.NoError(t, err)
	n, err := reads.Unread(ctx, channel, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	require.NoError(t, reads.MarkRead(ctx, channel, "alice", time.Now().UTC().Add(time.Second)))
	require.NoError(t, reads.MarkRead(ctx, channel, "alice", time.Now().UTC().Add(time.Second)))
	n, err = reads.Unread(ctx, channel, "alice")
	require.NoError(t, err)
	assert.Zero(t, n)
}
