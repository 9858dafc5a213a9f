// Package scene merges whiteboard scenes: sets of uniquely identified
// elements reconciled per element by version number.
package scene

import (
	"encoding/hex"
	"math/rand/v2"
	"reflect"
	"time"

	"github.com/zeebo/blake3"

	"collabServer/backend/internal/codec"
)

// Element is one drawable. Version grows on every edit of the element; a
// deleted element stays in the set with IsDeleted so a later edit can still
// out-race the deletion.
type Element struct {
	ID           string         `json:"id" cbor:"id"`
	Type         string         `json:"type,omitempty" cbor:"type,omitempty"`
	Version      int64          `json:"version,omitempty" cbor:"version,omitempty"`
	VersionNonce int64          `json:"versionNonce,omitempty" cbor:"versionNonce,omitempty"`
	IsDeleted    bool           `json:"isDeleted,omitempty" cbor:"isDeleted,omitempty"`
	Props        map[string]any `json:"props,omitempty" cbor:"props,omitempty"`
}

// File is a binary attachment referenced by elements (images).
type File struct {
	ID        string    `json:"id" cbor:"id"`
	MimeType  string    `json:"mimeType" cbor:"mimeType"`
	Data      []byte    `json:"data" cbor:"data"`
	CreatedAt time.Time `json:"createdAt" cbor:"createdAt"`
}

// State is the full content of a scene; it is both the snapshot and the
// update payload.
type State struct {
	Elements []Element       `cbor:"elements"`
	Files    map[string]File `cbor:"files,omitempty"`
}

// Touch marks e as edited.
func Touch(e *Element) {
	e.Version++
	e.VersionNonce = rand.Int64N(1<<31-1) + 1
}

// wins reports whether incoming replaces current. Higher version wins; on a
// tie with distinct non-zero nonces the lower nonce wins so every peer picks
// the same element, otherwise incoming wins.
func wins(current, incoming Element) bool {
	switch {
	case incoming.Version > current.Version:
		return true
	case incoming.Version < current.Version:
		return false
	}
	if incoming.VersionNonce != 0 && current.VersionNonce != 0 && incoming.VersionNonce != current.VersionNonce {
		return incoming.VersionNonce < current.VersionNonce
	}
	return true
}

// Merge folds incoming into base and returns the result, base order first
// and new elements appended in incoming order. base is not modified.
func Merge(base, incoming []Element) (merged []Element, changed bool) {
	merged = append(make([]Element, 0, len(base)+len(incoming)), base...)
	index := make(map[string]int, len(merged))
	for i, e := range merged {
		index[e.ID] = i
	}
	for _, in := range incoming {
		if in.ID == "" {
			continue
		}
		i, ok := index[in.ID]
		if !ok {
			index[in.ID] = len(merged)
			merged = append(merged, in)
			changed = true
			continue
		}
		if wins(merged[i], in) {
			if !changed && !reflect.DeepEqual(merged[i], in) {
				changed = true
			}
			merged[i] = in
		}
	}
	return merged, changed
}

// MergeFiles adds files not yet known. Files are immutable, so an id seen
// once is never replaced.
func MergeFiles(base, incoming map[string]File) (map[string]File, bool) {
	out := make(map[string]File, len(base)+len(incoming))
	for id, f := range base {
		out[id] = f
	}
	changed := false
	for id, f := range incoming {
		if _, ok := out[id]; ok {
			continue
		}
		out[id] = f
		changed = true
	}
	return out, changed
}

// MergeState merges two full states.
func MergeState(base, incoming State) (State, bool) {
	els, c1 := Merge(base.Elements, incoming.Elements)
	files, c2 := MergeFiles(base.Files, incoming.Files)
	return State{Elements: els, Files: files}, c1 || c2
}

// Visible drops deleted elements.
func Visible(els []Element) []Element {
	out := make([]Element, 0, len(els))
	for _, e := range els {
		if !e.IsDeleted {
			out = append(out, e)
		}
	}
	return out
}

// Fingerprint hashes the full element list, deleted elements included.
func Fingerprint(els []Element) string {
	if els == nil {
		els = []Element{}
	}
	raw, err := codec.Marshal(els)
	if err != nil {
		return ""
	}
	sum := blake3.Sum256(raw)
	return hex.EncodeToString(sum[:16])
}

func EncodeUpdate(s State) ([]byte, error) { return codec.Marshal(s) }

func DecodeUpdate(b []byte) (State, error) {
	var s State
	err := codec.Unmarshal(b, &s)
	return s, err
}

func EncodeSnapshot(s State) ([]byte, error) { return codec.MarshalCompressed(s) }

func DecodeSnapshot(b []byte) (State, error) {
	var s State
	err := codec.UnmarshalCompressed(b, &s)
	return s, err
}
