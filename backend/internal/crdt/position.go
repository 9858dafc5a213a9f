package crdt

import (
	"strconv"
	"strings"
)

const (
	maxDigit uint32 = 1 << 24
	// boundary caps how far past the left neighbour a new digit lands, leaving
	// room for later inserts at the same spot.
	boundary uint32 = 32
)

// Ident is one level of a position identifier. Digit 0 is reserved for
// filler levels, which carry no site.
type Ident struct {
	Digit uint32 `cbor:"d" json:"d"`
	Site  string `cbor:"s,omitempty" json:"s,omitempty"`
	Clock uint64 `cbor:"c,omitempty" json:"c,omitempty"`
}

func (a Ident) compare(b Ident) int {
	switch {
	case a.Digit < b.Digit:
		return -1
	case a.Digit > b.Digit:
		return 1
	}
	if c := strings.Compare(a.Site, b.Site); c != 0 {
		return c
	}
	switch {
	case a.Clock < b.Clock:
		return -1
	case a.Clock > b.Clock:
		return 1
	}
	return 0
}

// Position is a dense, totally ordered identifier of one character. The last
// level always carries the site and clock that allocated it, so positions
// are unique across replicas.
type Position []Ident

// Compare orders positions level by level; a prefix sorts first.
func (p Position) Compare(q Position) int {
	n := len(p)
	if len(q) < n {
		n = len(q)
	}
	for i := 0; i < n; i++ {
		if c := p[i].compare(q[i]); c != 0 {
			return c
		}
	}
	switch {
	case len(p) < len(q):
		return -1
	case len(p) > len(q):
		return 1
	}
	return 0
}

func (p Position) key() string {
	var b strings.Builder
	for _, id := range p {
		b.WriteString(strconv.FormatUint(uint64(id.Digit), 36))
		b.WriteByte('.')
		b.WriteString(id.Site)
		b.WriteByte('.')
		b.WriteString(strconv.FormatUint(id.Clock, 36))
		b.WriteByte('/')
	}
	return b.String()
}

func (p Position) last() Ident {
	if len(p) == 0 {
		return Ident{}
	}
	return p[len(p)-1]
}

// allocate returns a position strictly between left and right. A nil left
// means the start of the document, a nil right the end.
func allocate(left, right Position, site string, clock uint64) Position {
	out := make(Position, 0, len(left)+1)
	boundedBelow := true
	boundedAbove := right != nil

	for depth := 0; ; depth++ {
		lo := uint32(0)
		if boundedBelow && depth < len(left) {
			lo = left[depth].Digit
		}
		hi := maxDigit
		if boundedAbove {
			hi = right[depth].Digit
		}

		if hi > lo+1 {
			span := hi - lo - 1
			if span > boundary {
				span = boundary
			}
			digit := lo + 1 + uint32(clock%uint64(span))
			return append(out, Ident{Digit: digit, Site: site, Clock: clock})
		}

		// No room at this level: descend, staying on the left neighbour's path
		// while it still bounds us.
		var level Ident
		if boundedBelow && depth < len(left) {
			level = left[depth]
		} else {
			level = Ident{Digit: lo}
			boundedBelow = false
		}
		out = append(out, level)
		if boundedAbove && level.compare(right[depth]) < 0 {
			boundedAbove = false
		}
	}
}
