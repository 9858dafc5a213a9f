package crdt

import (
	"errors"
	"sort"
	"strings"

	"collabServer/backend/internal/codec"
	"collabServer/backend/internal/delta"
)

var ErrMalformedDelta = errors.New("malformed delta")

// Atom is one character of the replicated text.
type Atom struct {
	Pos   Position `cbor:"p"`
	Value string   `cbor:"v"`
}

// FieldSet assigns a document attribute (title, language, ...). Concurrent
// sets resolve last-writer-wins by (Clock, Site).
type FieldSet struct {
	Key   string `cbor:"k"`
	Value string `cbor:"v"`
	Clock uint64 `cbor:"c"`
	Site  string `cbor:"s"`
}

func (f FieldSet) newerThan(g FieldSet) bool {
	if f.Clock != g.Clock {
		return f.Clock > g.Clock
	}
	return f.Site > g.Site
}

// Delta is a mergeable change. A full-state snapshot is a Delta too.
type Delta struct {
	Inserts []Atom     `cbor:"i,omitempty"`
	Deletes []Position `cbor:"d,omitempty"`
	Fields  []FieldSet `cbor:"f,omitempty"`
}

func (d Delta) Empty() bool {
	return len(d.Inserts) == 0 && len(d.Deletes) == 0 && len(d.Fields) == 0
}

// Change is what applying a delta did to the visible document, in apply order.
type Change struct {
	Text   []delta.Delta
	Fields map[string]string
}

func (c Change) Empty() bool { return len(c.Text) == 0 && len(c.Fields) == 0 }

// Doc is one replica of a document: a Logoot character sequence plus a
// last-writer-wins field map. Apply is commutative, associative and
// idempotent, so replicas that saw the same deltas in any order are equal.
// Doc is not safe for concurrent use.
type Doc struct {
	site  string
	clock uint64

	atoms      []Atom
	live       map[string]struct{}
	tombstones map[string]Position
	fields     map[string]FieldSet
}

func NewDoc(site string) *Doc {
	return &Doc{
		site:       site,
		live:       make(map[string]struct{}),
		tombstones: make(map[string]Position),
		fields:     make(map[string]FieldSet),
	}
}

func (d *Doc) Site() string { return d.site }

func (d *Doc) observe(clock uint64) {
	if clock > d.clock {
		d.clock = clock
	}
}

func (d *Doc) search(pos Position) int {
	return sort.Search(len(d.atoms), func(i int) bool {
		return d.atoms[i].Pos.Compare(pos) >= 0
	})
}

// Apply merges a remote or local delta. Inserts already seen or already
// deleted are skipped; deletes for unseen positions are remembered so the
// insert is dropped whenever it arrives.
func (d *Doc) Apply(in Delta) Change {
	var ch Change
	for _, a := range in.Inserts {
		d.observe(a.Pos.last().Clock)
		k := a.Pos.key()
		if _, dead := d.tombstones[k]; dead {
			continue
		}
		if _, ok := d.live[k]; ok {
			continue
		}
		i := d.search(a.Pos)
		d.atoms = append(d.atoms, Atom{})
		copy(d.atoms[i+1:], d.atoms[i:])
		d.atoms[i] = a
		d.live[k] = struct{}{}
		ch.Text = append(ch.Text, delta.Delta{}.Retain(i).Insert(a.Value))
	}
	for _, pos := range in.Deletes {
		d.observe(pos.last().Clock)
		k := pos.key()
		if _, dead := d.tombstones[k]; dead {
			continue
		}
		d.tombstones[k] = pos
		if _, ok := d.live[k]; !ok {
			continue
		}
		delete(d.live, k)
		i := d.search(pos)
		d.atoms = append(d.atoms[:i], d.atoms[i+1:]...)
		ch.Text = append(ch.Text, delta.Delta{}.Retain(i).Delete(1))
	}
	for _, f := range in.Fields {
		d.observe(f.Clock)
		cur, ok := d.fields[f.Key]
		if ok && !f.newerThan(cur) {
			continue
		}
		d.fields[f.Key] = f
		if ch.Fields == nil {
			ch.Fields = make(map[string]string)
		}
		ch.Fields[f.Key] = f.Value
	}
	return ch
}

// Insert types text at a rune index and returns the delta to broadcast.
func (d *Doc) Insert(index int, text string) (Delta, Change) {
	index = clamp(index, 0, len(d.atoms))
	var left, right Position
	if index > 0 {
		left = d.atoms[index-1].Pos
	}
	if index < len(d.atoms) {
		right = d.atoms[index].Pos
	}
	var out Delta
	for _, r := range text {
		d.clock++
		pos := allocate(left, right, d.site, d.clock)
		out.Inserts = append(out.Inserts, Atom{Pos: pos, Value: string(r)})
		left = pos
	}
	return out, d.Apply(out)
}

// Delete removes count runes starting at index.
func (d *Doc) Delete(index, count int) (Delta, Change) {
	index = clamp(index, 0, len(d.atoms))
	end := clamp(index+count, index, len(d.atoms))
	var out Delta
	for _, a := range d.atoms[index:end] {
		out.Deletes = append(out.Deletes, a.Pos)
	}
	return out, d.Apply(out)
}

func (d *Doc) SetField(key, value string) (Delta, Change) {
	d.clock++
	out := Delta{Fields: []FieldSet{{Key: key, Value: value, Clock: d.clock, Site: d.site}}}
	return out, d.Apply(out)
}

func (d *Doc) Field(key string) (string, bool) {
	f, ok := d.fields[key]
	return f.Value, ok
}

func (d *Doc) Fields() map[string]string {
	out := make(map[string]string, len(d.fields))
	for k, f := range d.fields {
		out[k] = f.Value
	}
	return out
}

func (d *Doc) Len() int { return len(d.atoms) }

func (d *Doc) String() string {
	var b strings.Builder
	for _, a := range d.atoms {
		b.WriteString(a.Value)
	}
	return b.String()
}

// Snapshot returns the full state, tombstones included, as a single delta.
func (d *Doc) Snapshot() Delta {
	var s Delta
	s.Inserts = append(s.Inserts, d.atoms...)
	keys := make([]string, 0, len(d.tombstones))
	for k := range d.tombstones {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		s.Deletes = append(s.Deletes, d.tombstones[k])
	}
	fieldKeys := make([]string, 0, len(d.fields))
	for k := range d.fields {
		fieldKeys = append(fieldKeys, k)
	}
	sort.Strings(fieldKeys)
	for _, k := range fieldKeys {
		s.Fields = append(s.Fields, d.fields[k])
	}
	return s
}

func EncodeDelta(d Delta) ([]byte, error) {
	return codec.Marshal(d)
}

func DecodeDelta(b []byte) (Delta, error) {
	var d Delta
	if err := codec.Unmarshal(b, &d); err != nil {
		return Delta{}, errors.Join(ErrMalformedDelta, err)
	}
	return d, validate(d)
}

func EncodeSnapshot(d *Doc) ([]byte, error) {
	return codec.MarshalCompressed(d.Snapshot())
}

func DecodeSnapshot(b []byte) (Delta, error) {
	var d Delta
	if err := codec.UnmarshalCompressed(b, &d); err != nil {
		return Delta{}, errors.Join(ErrMalformedDelta, err)
	}
	return d, validate(d)
}

func validate(d Delta) error {
	for _, a := range d.Inserts {
		if len(a.Pos) == 0 || a.Value == "" || a.Pos.last().Site == "" {
			return ErrMalformedDelta
		}
	}
	for _, p := range d.Deletes {
		if len(p) == 0 {
			return ErrMalformedDelta
		}
	}
	for _, f := range d.Fields {
		if f.Key == "" {
			return ErrMalformedDelta
		}
	}
	return nil
}

func clamp(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
