package crdt

import (
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAllocate_StaysBetweenNeighbours(t *testing.T) {
	left := allocate(nil, nil, "a", 1)
	right := allocate(left, nil, "a", 2)
	require.Equal(t, -1, left.Compare(right))

	for i := uint64(3); i < 200; i++ {
		mid := allocate(left, right, "b", i)
		require.Equal(t, -1, left.Compare(mid), "clock %d", i)
		require.Equal(t, -1, mid.Compare(right), "clock %d", i)
		right = mid
	}
}

func TestAllocate_AdjacentDigitsDescend(t *testing.T) {
	left := Position{{Digit: 4, Site: "a", Clock: 1}}
	right := Position{{Digit: 5, Site: "a", Clock: 2}}
	mid := allocate(left, right, "b", 3)
	assert.Greater(t, len(mid), 1)
	assert.Equal(t, -1, left.Compare(mid))
	assert.Equal(t, -1, mid.Compare(right))
}

func TestDoc_InsertDeleteString(t *testing.T) {
	d := NewDoc("a")
	d.Insert(0, "Hello")
	d.Insert(5, " world")
	d.Insert(5, ",")
	assert.Equal(t, "Hello, world", d.String())
	assert.Equal(t, 12, d.Len())

	d.Delete(5, 1)
	assert.Equal(t, "Hello world", d.String())

	d.Delete(100, 3)
	assert.Equal(t, "Hello world", d.String())
}

func TestDoc_ApplyIsIdempotent(t *testing.T) {
	a := NewDoc("a")
	ins, _ := a.Insert(0, "abc")
	del, _ := a.Delete(1, 1)
	field, _ := a.SetField("title", "notes")

	b := NewDoc("b")
	for i := 0; i < 2; i++ {
		b.Apply(ins)
		b.Apply(del)
		b.Apply(field)
	}
	assert.Equal(t, "ac", b.String())
	title, ok := b.Field("title")
	require.True(t, ok)
	assert.Equal(t, "notes", title)

	assert.True(t, b.Apply(ins).Empty())
}

func TestDoc_DeleteBeforeInsertIsRemembered(t *testing.T) {
	a := NewDoc("a")
	ins, _ := a.Insert(0, "x")
	del, _ := a.Delete(0, 1)

	b := NewDoc("b")
	b.Apply(del)
	b.Apply(ins)
	assert.Equal(t, "", b.String())
}

func TestDoc_ConvergesUnderAnyOrder(t *testing.T) {
	a := NewDoc("a")
	b := NewDoc("b")
	var deltas []Delta
	push := func(d Delta, _ Change) { deltas = append(deltas, d) }

	push(a.Insert(0, "shared "))
	b.Apply(deltas[0])
	push(a.Insert(7, "alpha"))
	push(b.Insert(7, "beta"))
	push(a.Delete(0, 2))
	push(b.SetField("title", "b-title"))
	push(a.SetField("title", "a-title"))

	rng := rand.New(rand.NewSource(7))
	var results []string
	var titles []string
	for run := 0; run < 10; run++ {
		replica := NewDoc("r")
		order := rng.Perm(len(deltas))
		for _, i := range order {
			replica.Apply(deltas[i])
			if rng.Intn(2) == 0 {
				replica.Apply(deltas[i])
			}
		}
		results = append(results, replica.String())
		title, _ := replica.Field("title")
		titles = append(titles, title)
	}
	for i := range results {
		assert.Equal(t, results[0], results[i])
		assert.Equal(t, titles[0], titles[i])
	}
	// "shared " minus two deleted runes, plus both concurrent inserts
	assert.Len(t, []rune(results[0]), 7-2+len("alpha")+len("beta"))
}

// Two replicas edit the same document offline, then exchange deltas.
func TestDoc_OfflineEditsMergeBothSides(t *testing.T) {
	a := NewDoc("a")
	base, _ := a.Insert(0, "Meeting notes")
	b := NewDoc("b")
	b.Apply(base)

	fromA, _ := a.Insert(0, "Draft: ")
	fromB, _ := b.Insert(b.Len(), " (v2)")

	a.Apply(fromB)
	b.Apply(fromA)

	assert.Equal(t, "Draft: Meeting notes (v2)", a.String())
	assert.Equal(t, a.String(), b.String())
}

func TestDoc_FieldLastWriterWinsTieBreaksOnSite(t *testing.T) {
	d := NewDoc("x")
	d.Apply(Delta{Fields: []FieldSet{{Key: "title", Value: "from-a", Clock: 3, Site: "a"}}})
	d.Apply(Delta{Fields: []FieldSet{{Key: "title", Value: "from-b", Clock: 3, Site: "b"}}})
	d.Apply(Delta{Fields: []FieldSet{{Key: "title", Value: "old", Clock: 2, Site: "z"}}})
	title, _ := d.Field("title")
	assert.Equal(t, "from-b", title)
}

func TestDoc_LocalClockAdvancesPastRemote(t *testing.T) {
	d := NewDoc("a")
	d.Apply(Delta{Fields: []FieldSet{{Key: "k", Value: "remote", Clock: 40, Site: "b"}}})
	d.SetField("k", "local")
	v, _ := d.Field("k")
	assert.Equal(t, "local", v)
}

func TestSnapshot_RoundTripPreservesTombstones(t *testing.T) {
	a := NewDoc("a")
	ins, _ := a.Insert(0, "hello")
	a.Delete(0, 1)
	a.SetField("lang", "en")

	raw, err := EncodeSnapshot(a)
	require.NoError(t, err)
	snap, err := DecodeSnapshot(raw)
	require.NoError(t, err)

	b := NewDoc("b")
	b.Apply(snap)
	assert.Equal(t, "ello", b.String())
	assert.Equal(t, map[string]string{"lang": "en"}, b.Fields())

	// a late duplicate of the original insert must not resurrect the h
	b.Apply(ins)
	assert.Equal(t, "ello", b.String())
}

func TestDecodeDelta_RejectsMalformed(t *testing.T) {
	_, err := DecodeDelta([]byte{0xff, 0x00})
	assert.ErrorIs(t, err, ErrMalformedDelta)

	raw, err := EncodeDelta(Delta{Inserts: []Atom{{Pos: nil, Value: "x"}}})
	require.NoError(t, err)
	_, err = DecodeDelta(raw)
	assert.ErrorIs(t, err, ErrMalformedDelta)
}

func TestChange_DrivesPieceTable(t *testing.T) {
	a := NewDoc("a")
	view := NewPieceTable("")

	_, ch := a.Insert(0, "hello world")
	require.NoError(t, view.ApplyChange(ch))
	_, ch = a.Delete(0, 6)
	require.NoError(t, view.ApplyChange(ch))

	b := NewDoc("b")
	remote, _ := b.Insert(0, "big ")
	ch = a.Apply(remote)
	require.NoError(t, view.ApplyChange(ch))

	assert.Equal(t, a.String(), view.String())
}
