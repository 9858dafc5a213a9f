package scene

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rect(id string, version, nonce int64, x float64) Element {
	return Element{ID: id, Type: "rectangle", Version: version, VersionNonce: nonce, Props: map[string]any{"x": x}}
}

func find(els []Element, id string) Element {
	for _, e := range els {
		if e.ID == id {
			return e
		}
	}
	return Element{}
}

// Two clients move r1 concurrently; the higher version wins everywhere.
func TestMerge_HigherVersionWinsOnEveryPeer(t *testing.T) {
	base := []Element{rect("r1", 3, 11, 0)}
	fromA := rect("r1", 5, 90, 50)
	fromB := rect("r1", 4, 12, -20)

	peerA, _ := Merge(base, []Element{fromA})
	peerA, _ = Merge(peerA, []Element{fromB})

	peerB, _ := Merge(base, []Element{fromB})
	peerB, _ = Merge(peerB, []Element{fromA})

	peerC, _ := Merge(base, []Element{fromA, fromB})

	for _, got := range [][]Element{peerA, peerB, peerC} {
		require.Len(t, got, 1)
		assert.Equal(t, fromA, got[0])
	}
}

func TestMerge_VersionNeverGoesBackwards(t *testing.T) {
	current := []Element{rect("r1", 1, 1, 0)}
	for _, v := range []int64{4, 2, 7, 3, 7, 1} {
		current, _ = Merge(current, []Element{rect("r1", v, 0, float64(v))})
	}
	assert.Equal(t, int64(7), current[0].Version)
}

func TestMerge_EqualVersionTieBreak(t *testing.T) {
	low := rect("r1", 2, 10, 1)
	high := rect("r1", 2, 20, 2)

	ab, _ := Merge([]Element{low}, []Element{high})
	ba, _ := Merge([]Element{high}, []Element{low})
	assert.Equal(t, low, ab[0])
	assert.Equal(t, low, ba[0])

	// without nonces the incoming element wins
	noNonce, changed := Merge([]Element{rect("r1", 2, 0, 1)}, []Element{rect("r1", 2, 0, 9)})
	assert.True(t, changed)
	assert.Equal(t, 9.0, noNonce[0].Props["x"])
}

func TestMerge_MissingVersionCountsAsZero(t *testing.T) {
	merged, _ := Merge([]Element{{ID: "a", Props: map[string]any{"x": 1.0}}}, []Element{{ID: "a", Props: map[string]any{"x": 2.0}}})
	assert.Equal(t, 2.0, merged[0].Props["x"])
}

func TestMerge_DeletionIsAFlag(t *testing.T) {
	base := []Element{rect("r1", 2, 1, 0), rect("r2", 1, 1, 0)}
	deleted := rect("r1", 3, 5, 0)
	deleted.IsDeleted = true

	merged, changed := Merge(base, []Element{deleted})
	require.True(t, changed)
	require.Len(t, merged, 2)
	assert.True(t, find(merged, "r1").IsDeleted)
	assert.Len(t, Visible(merged), 1)

	revived := rect("r1", 4, 7, 30)
	merged, _ = Merge(merged, []Element{revived})
	assert.False(t, find(merged, "r1").IsDeleted)

	stale := rect("r1", 3, 1, 0)
	_, changed = Merge(merged, []Element{stale})
	assert.False(t, changed)
}

func TestMerge_KeepsBaseOrderAndAppends(t *testing.T) {
	base := []Element{rect("a", 1, 1, 0), rect("b", 1, 1, 0)}
	merged, _ := Merge(base, []Element{rect("c", 1, 1, 0), rect("a", 2, 1, 0)})
	ids := []string{merged[0].ID, merged[1].ID, merged[2].ID}
	assert.Equal(t, []string{"a", "b", "c"}, ids)
	assert.Equal(t, int64(1), base[0].Version, "base untouched")
}

func TestMerge_Idempotent(t *testing.T) {
	base := []Element{rect("a", 1, 1, 0)}
	in := []Element{rect("a", 2, 3, 1), rect("b", 1, 1, 0)}
	once, _ := Merge(base, in)
	twice, changed := Merge(once, in)
	assert.False(t, changed)
	assert.Equal(t, once, twice)
}

func TestMergeFiles_AddOnly(t *testing.T) {
	base := map[string]File{"f1": {ID: "f1", MimeType: "image/png", Data: []byte{1}}}
	merged, changed := MergeFiles(base, map[string]File{
		"f1": {ID: "f1", MimeType: "image/png", Data: []byte{9}},
		"f2": {ID: "f2", MimeType: "image/jpeg", Data: []byte{2}},
	})
	assert.True(t, changed)
	assert.Equal(t, []byte{1}, merged["f1"].Data)
	assert.Contains(t, merged, "f2")
	assert.Len(t, base, 1)
}

func TestFingerprint(t *testing.T) {
	a := []Element{rect("a", 1, 1, 0)}
	b := []Element{rect("a", 2, 1, 0)}
	assert.Equal(t, Fingerprint(a), Fingerprint([]Element{rect("a", 1, 1, 0)}))
	assert.NotEqual(t, Fingerprint(a), Fingerprint(b))
	assert.Equal(t, Fingerprint(nil), Fingerprint([]Element{}))
}

func TestTouch(t *testing.T) {
	e := rect("a", 1, 0, 0)
	Touch(&e)
	assert.Equal(t, int64(2), e.Version)
	assert.NotZero(t, e.VersionNonce)
}

func TestSnapshotRoundTrip(t *testing.T) {
	st := State{Elements: []Element{rect("a", 1, 1, 1.5)}, Files: map[string]File{"f": {ID: "f", MimeType: "image/png", Data: []byte("png")}}}
	raw, err := EncodeSnapshot(st)
	require.NoError(t, err)
	got, err := DecodeSnapshot(raw)
	require.NoError(t, err)
	assert.Equal(t, 1.5, got.Elements[0].Props["x"])
	assert.Equal(t, []byte("png"), got.Files["f"].Data)
	assert.Equal(t, Fingerprint(st.Elements), Fingerprint(got.Elements))
}
