package delta

type Kind string

const (
	KindRetain Kind = "retain"
	KindInsert Kind = "insert"
	KindDelete Kind = "delete"
)

// Op is one step of a visible-text change. Positions are counted in runes.
type Op struct {
	Kind  Kind           `json:"kind"`
	Count int            `json:"count,omitempty"` // retain/delete length
	Text  string         `json:"text,omitempty"`  // insert text
	Attrs map[string]any `json:"attrs,omitempty"`
}

// Delta describes a change to the rendered text as a walk from position 0:
// "ops":[{"kind":"retain","count":5},{"kind":"insert","text":"Hello"}]
type Delta []Op

func (d Delta) Retain(n int) Delta {
	if n <= 0 {
		return d
	}
	if l := len(d); l > 0 && d[l-1].Kind == KindRetain {
		d[l-1].Count += n
		return d
	}
	return append(d, Op{Kind: KindRetain, Count: n})
}

func (d Delta) Insert(text string) Delta {
	if text == "" {
		return d
	}
	if l := len(d); l > 0 && d[l-1].Kind == KindInsert && d[l-1].Attrs == nil {
		d[l-1].Text += text
		return d
	}
	return append(d, Op{Kind: KindInsert, Text: text})
}

func (d Delta) Delete(n int) Delta {
	if n <= 0 {
		return d
	}
	if l := len(d); l > 0 && d[l-1].Kind == KindDelete {
		d[l-1].Count += n
		return d
	}
	return append(d, Op{Kind: KindDelete, Count: n})
}
