package chat

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/protocol"
)

func newReconciler() (*Reconciler, *clock.FakeClock) {
	fake := clock.Fake(time.Unix(1700000000, 0))
	return NewReconciler("alice", "general", fake), fake
}

func echo(id, author, content string, att ...protocol.Attachment) protocol.ChatMessage {
	return protocol.ChatMessage{ID: id, ChannelID: "general", AuthorID: author, Content: content, Attachments: att}
}

func TestReconciler_EchoReplacesOptimisticItemInPlace(t *testing.T) {
	r, _ := newReconciler()
	r.Load([]protocol.ChatMessage{echo("m0", "bob", "hi")})

	temp := r.Submit("Hello", nil)
	items := r.Items()
	require.Len(t, items, 2)
	assert.True(t, items[1].Temp)
	assert.Equal(t, temp.ID, items[1].Message.ID)
	assert.Contains(t, temp.ID, tempPrefix)

	assert.True(t, r.Receive(echo("m1", "alice", "Hello")))
	items = r.Items()
	require.Len(t, items, 2)
	assert.Equal(t, "m1", items[1].Message.ID)
	assert.False(t, items[1].Temp)
	assert.Zero(t, r.PendingCount())
}

func TestReconciler_MatchIgnoresSurroundingWhitespaceAndAttachmentOrder(t *testing.T) {
	r, _ := newReconciler()
	a := protocol.Attachment{ID: "a"}
	b := protocol.Attachment{ID: "b"}
	r.Submit("  report  ", []protocol.Attachment{b, a})

	assert.True(t, r.Receive(echo("m1", "alice", "report", a, b)))
	assert.Len(t, r.Items(), 1)
}

func TestReconciler_OtherAuthorsAreAppended(t *testing.T) {
	r, _ := newReconciler()
	r.Submit("Hello", nil)

	assert.False(t, r.Receive(echo("m1", "bob", "Hello")))
	items := r.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Temp)
	assert.Equal(t, "m1", items[1].Message.ID)
	assert.Equal(t, 1, r.PendingCount())
}

func TestReconciler_IdenticalSendsMatchOldestFirst(t *testing.T) {
	r, _ := newReconciler()
	first := r.Submit("ok", nil)
	second := r.Submit("ok", nil)

	require.True(t, r.Receive(echo("m1", "alice", "ok")))
	items := r.Items()
	assert.Equal(t, "m1", items[0].Message.ID)
	assert.Equal(t, second.ID, items[1].Message.ID)
	assert.NotEqual(t, first.ID, items[1].Message.ID)

	require.True(t, r.Receive(echo("m2", "alice", "ok")))
	items = r.Items()
	assert.Equal(t, []string{"m1", "m2"}, []string{items[0].Message.ID, items[1].Message.ID})
}

func TestReconciler_PendingExpiresAfterTTL(t *testing.T) {
	r, fake := newReconciler()
	r.Submit("late", nil)

	fake.Advance(PendingTTL - time.Second)
	assert.Equal(t, 1, r.PendingCount())
	fake.Advance(time.Second)
	assert.Zero(t, r.PendingCount())

	assert.False(t, r.Receive(echo("m1", "alice", "late")))
	items := r.Items()
	require.Len(t, items, 2)
	assert.True(t, items[0].Temp)
}

func TestReconciler_FailRollsBack(t *testing.T) {
	r, _ := newReconciler()
	temp := r.Submit("oops", nil)
	r.Fail(temp.ID)
	assert.Empty(t, r.Items())
	assert.Zero(t, r.PendingCount())

	assert.False(t, r.Receive(echo("m1", "alice", "oops")))
	assert.Len(t, r.Items(), 1)
}

func TestReconciler_DuplicateIDIsNotDeduped(t *testing.T) {
	r, _ := newReconciler()
	r.Receive(echo("m1", "bob", "x"))
	r.Receive(echo("m1", "bob", "x"))
	assert.Len(t, r.Items(), 2)
}

func TestReconciler_LoadKeepsOptimisticTail(t *testing.T) {
	r, _ := newReconciler()
	temp := r.Submit("draft", nil)
	r.Load([]protocol.ChatMessage{echo("m1", "bob", "a"), echo("m2", "bob", "b")})

	items := r.Items()
	require.Len(t, items, 3)
	assert.Equal(t, temp.ID, items[2].Message.ID)
	assert.True(t, r.Receive(echo("m3", "alice", "draft")))
}

func TestReconciler_UpdateRemoveAndReactions(t *testing.T) {
	r, _ := newReconciler()
	r.Receive(echo("m1", "bob", "first"))
	temp := r.Submit("mine", nil)

	edited := echo("m1", "bob", "first (edited)")
	assert.True(t, r.Update(edited))
	assert.False(t, r.Update(echo(temp.ID, "alice", "x")))
	assert.Equal(t, "first (edited)", r.Items()[0].Message.Content)

	rc := protocol.Reaction{MessageID: "m1", ChannelID: "general", UserID: "carol", Emoji: "+1"}
	assert.True(t, r.React(rc, true))
	assert.False(t, r.React(rc, true))
	assert.Equal(t, []string{"carol"}, r.Items()[0].Reactions["+1"])
	assert.True(t, r.React(rc, false))
	assert.NotContains(t, r.Items()[0].Reactions, "+1")
	assert.False(t, r.React(protocol.Reaction{MessageID: "missing", Emoji: "+1"}, true))

	assert.False(t, r.Remove(temp.ID))
	assert.True(t, r.Remove("m1"))
	assert.False(t, r.Remove("m1"))
	assert.Len(t, r.Items(), 1)
}
