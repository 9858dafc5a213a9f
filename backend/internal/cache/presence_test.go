package cache

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	redis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/presence"
)

func newRoster(t *testing.T) (Roster, *miniredis.Miniredis, *time.Time) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	now := time.Unix(1700000000, 0)
	return NewRedisRoster(rdb, func() time.Time { return now }), mr, &now
}

func TestRoster_TouchAndAlive(t *testing.T) {
	r, _, _ := newRoster(t)
	ctx := context.Background()

	bob := presence.Entry{UserID: "bob", Name: "Bob", Color: presence.ColorFor("bob"), Cursor: json.RawMessage(`{"index":3}`), Clock: 2}
	require.NoError(t, r.Touch(ctx, "doc:readme", bob, time.Minute))
	require.NoError(t, r.Touch(ctx, "doc:readme", presence.Entry{UserID: "alice", Name: "Alice"}, time.Minute))

	got, err := r.Alive(ctx, "doc:readme")
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "alice", got[0].UserID)
	assert.Equal(t, "Bob", got[1].Name)
	assert.JSONEq(t, `{"index":3}`, string(got[1].Cursor))
	assert.Equal(t, uint64(2), got[1].Clock)

	empty, err := r.Alive(ctx, "doc:other")
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestRoster_ExpiredMembersAreSwept(t *testing.T) {
	r, mr, now := newRoster(t)
	ctx := context.Background()

	require.NoError(t, r.Touch(ctx, "scene:board", presence.Entry{UserID: "bob"}, 10*time.Second))
	require.NoError(t, r.Touch(ctx, "scene:board", presence.Entry{UserID: "carol"}, 30*time.Second))

	*now = now.Add(10 * time.Second)
	got, err := r.Alive(ctx, "scene:board")
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "carol", got[0].UserID)
	keys, err := mr.HKeys(entriesKey("scene:board"))
	require.NoError(t, err)
	assert.Equal(t, []string{"carol"}, keys)

	// a heartbeat keeps a member alive
	require.NoError(t, r.Touch(ctx, "scene:board", presence.Entry{UserID: "carol"}, 30*time.Second))
	*now = now.Add(25 * time.Second)
	got, err = r.Alive(ctx, "scene:board")
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

func TestRoster_RemoveAndTopics(t *testing.T) {
	r, _, _ := newRoster(t)
	ctx := context.Background()

	require.NoError(t, r.Touch(ctx, "doc:a", presence.Entry{UserID: "bob"}, time.Minute))
	require.NoError(t, r.Touch(ctx, "chat:general", presence.Entry{UserID: "bob"}, time.Minute))
	require.NoError(t, r.Remove(ctx, "doc:a", "bob"))

	got, err := r.Alive(ctx, "doc:a")
	require.NoError(t, err)
	assert.Empty(t, got)

	topics, err := r.Topics(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"chat:general", "doc:a"}, topics)
}
