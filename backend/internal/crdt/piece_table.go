package crdt

import (
	"errors"
	"strings"

	"collabServer/backend/internal/delta"
)

var ErrOutOfRange = errors.New("delta runs past end of text")

type bufferKind int

const (
	bufOriginal bufferKind = iota
	bufAdd
)

type piece struct {
	buf    bufferKind
	offset int
	length int
}

// PieceTable is a rendering-side text view. It never holds positions, only
// the visible runes, and follows a Doc through the Change deltas Apply emits.
type PieceTable struct {
	original []rune
	add      []rune
	pieces   []piece
}

func NewPieceTable(initial string) *PieceTable {
	r := []rune(initial)
	pt := &PieceTable{original: r}
	if len(r) > 0 {
		pt.pieces = []piece{{buf: bufOriginal, offset: 0, length: len(r)}}
	}
	return pt
}

func (pt *PieceTable) Len() int {
	n := 0
	for _, p := range pt.pieces {
		n += p.length
	}
	return n
}

func (pt *PieceTable) String() string {
	var b strings.Builder
	for _, p := range pt.pieces {
		b.WriteString(string(pt.slice(p)))
	}
	return b.String()
}

func (pt *PieceTable) slice(p piece) []rune {
	if p.buf == bufOriginal {
		return pt.original[p.offset : p.offset+p.length]
	}
	return pt.add[p.offset : p.offset+p.length]
}

// ApplyChange feeds every text delta of a Change in order.
func (pt *PieceTable) ApplyChange(ch Change) error {
	for _, d := range ch.Text {
		if err := pt.Apply(d); err != nil {
			return err
		}
	}
	return nil
}

// Apply walks d from position 0. A retain or delete past the end of the text
// returns ErrOutOfRange and leaves the ops already applied in place.
func (pt *PieceTable) Apply(d delta.Delta) error {
	pos := 0
	for _, op := range d {
		switch op.Kind {
		case delta.KindRetain:
			pos += op.Count
			if pos > pt.Len() {
				return ErrOutOfRange
			}
		case delta.KindInsert:
			pos += pt.insert(pos, op.Text)
		case delta.KindDelete:
			if pos+op.Count > pt.Len() {
				return ErrOutOfRange
			}
			pt.delete(pos, op.Count)
		}
	}
	return nil
}

func (pt *PieceTable) insert(pos int, text string) int {
	r := []rune(text)
	np := piece{buf: bufAdd, offset: len(pt.add), length: len(r)}
	pt.add = append(pt.add, r...)

	idx, offset := pt.locate(pos)
	if idx == len(pt.pieces) {
		pt.pieces = append(pt.pieces, np)
		return len(r)
	}
	cur := pt.pieces[idx]
	out := make([]piece, 0, len(pt.pieces)+2)
	out = append(out, pt.pieces[:idx]...)
	if offset > 0 {
		out = append(out, piece{buf: cur.buf, offset: cur.offset, length: offset})
	}
	out = append(out, np)
	out = append(out, piece{buf: cur.buf, offset: cur.offset + offset, length: cur.length - offset})
	out = append(out, pt.pieces[idx+1:]...)
	pt.pieces = out
	return len(r)
}

func (pt *PieceTable) delete(pos, count int) {
	idx, offset := pt.locate(pos)
	for count > 0 && idx < len(pt.pieces) {
		cur := pt.pieces[idx]
		take := cur.length - offset
		if take > count {
			take = count
		}
		var repl []piece
		if offset > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset, length: offset})
		}
		if rest := cur.length - offset - take; rest > 0 {
			repl = append(repl, piece{buf: cur.buf, offset: cur.offset + offset + take, length: rest})
		}
		tail := append(repl, pt.pieces[idx+1:]...)
		pt.pieces = append(pt.pieces[:idx], tail...)
		if offset > 0 {
			idx++
		}
		offset = 0
		count -= take
	}
}

// locate maps a rune position to (piece index, offset within piece).
func (pt *PieceTable) locate(pos int) (idx int, offset int) {
	cur := 0
	for i, p := range pt.pieces {
		if pos < cur+p.length {
			return i, pos - cur
		}
		cur += p.length
	}
	return len(pt.pieces), 0
}
