package presence

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedNow() time.Time { return time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC) }

func TestColorFor_Deterministic(t *testing.T) {
	assert.Equal(t, ColorFor("u-42"), ColorFor("u-42"))
	assert.Contains(t, palette, ColorFor("someone"))
}

func TestTable_LocalEntryRoundTrip(t *testing.T) {
	alice := NewTable("alice", fixedNow)
	bob := NewTable("bob", fixedNow)

	e := alice.SetLocal("Alice", json.RawMessage(`{"index":3}`))
	assert.Equal(t, ColorFor("alice"), e.Color)
	require.True(t, bob.Apply(e))

	got, ok := bob.Get("alice")
	require.True(t, ok)
	assert.Equal(t, "Alice", got.Name)
	assert.JSONEq(t, `{"index":3}`, string(got.Cursor))

	require.True(t, bob.Apply(alice.RemoveLocal()))
	_, ok = bob.Get("alice")
	assert.False(t, ok)
}

func TestTable_IgnoresStaleAndSelf(t *testing.T) {
	alice := NewTable("alice", fixedNow)
	bob := NewTable("bob", fixedNow)

	first := alice.SetLocal("A1", nil)
	second := alice.SetLocal("A2", nil)
	require.True(t, bob.Apply(second))
	assert.False(t, bob.Apply(first))
	got, _ := bob.Get("alice")
	assert.Equal(t, "A2", got.Name)

	assert.False(t, bob.Apply(Entry{UserID: "bob", Name: "impostor", Clock: 99}))
	_, ok := bob.Get("bob")
	assert.False(t, ok)
}

func TestTable_RemovalIsNotUndoneByStaleAdd(t *testing.T) {
	alice := NewTable("alice", fixedNow)
	bob := NewTable("bob", fixedNow)

	add := alice.SetLocal("A", nil)
	remove := alice.RemoveLocal()

	bob.Apply(remove)
	assert.False(t, bob.Apply(add))
	assert.Equal(t, 0, bob.Len())
}

func TestTable_ReopenedPeerStartsOver(t *testing.T) {
	alice := NewTable("alice", fixedNow)
	bob := NewTable("bob", fixedNow)

	var last Entry
	for i := 0; i < 5; i++ {
		last = bob.SetLocal("Bob", json.RawMessage(`{"index":1}`))
		require.True(t, alice.Apply(last))
	}
	stale := last
	require.True(t, alice.Apply(bob.RemoveLocal()))

	reopened := NewTable("bob", fixedNow)
	e := reopened.SetLocal("Bob", json.RawMessage(`{"index":7}`))
	assert.Equal(t, uint64(1), e.Clock)
	require.True(t, alice.Apply(e))
	got, ok := alice.Get("bob")
	require.True(t, ok)
	assert.JSONEq(t, `{"index":7}`, string(got.Cursor))

	// the closed session cannot come back
	assert.False(t, alice.Apply(stale))
	require.True(t, alice.Apply(reopened.SetLocal("Bob", json.RawMessage(`{"index":8}`))))
	got, _ = alice.Get("bob")
	assert.JSONEq(t, `{"index":8}`, string(got.Cursor))
}

func TestTable_PutOverwrites(t *testing.T) {
	tbl := NewTable("me", fixedNow)
	tbl.Put(Entry{UserID: "p", Cursor: json.RawMessage(`{"x":1}`), Clock: 5})
	tbl.Put(Entry{UserID: "p", Cursor: json.RawMessage(`{"x":2}`), Clock: 1})
	got, _ := tbl.Get("p")
	assert.JSONEq(t, `{"x":2}`, string(got.Cursor))

	tbl.Put(Entry{UserID: "z"})
	tbl.Forget("z")
	assert.Equal(t, []string{"p"}, userIDs(tbl.List()))
}

func userIDs(es []Entry) []string {
	out := make([]string, 0, len(es))
	for _, e := range es {
		out = append(out, e.UserID)
	}
	return out
}
