// Package presence tracks who is looking at a shared object. Entries are
// ephemeral: they live only in memory and are gone once a peer leaves.
package presence

import (
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/zeebo/blake3"
)

type Entry struct {
	UserID    string          `json:"userId"`
	Name      string          `json:"name,omitempty"`
	Color     string          `json:"color,omitempty"`
	Cursor    json.RawMessage `json:"cursor,omitempty"`
	Clock     uint64          `json:"clock"`
	// Epoch identifies the Table that wrote the entry. ULIDs sort by
	// creation time, so a reopened peer starts a later epoch.
	Epoch     string          `json:"epoch,omitempty"`
	Removed   bool            `json:"removed,omitempty"`
	UpdatedAt time.Time       `json:"updatedAt"`
}

var palette = []string{
	"#E57373", "#F06292", "#BA68C8", "#9575CD",
	"#7986CB", "#64B5F6", "#4FC3F7", "#4DD0E1",
	"#4DB6AC", "#81C784", "#AED581", "#FFB74D",
	"#FF8A65", "#A1887F", "#90A4AE", "#DCE775",
}

// ColorFor returns the display color of a user. The same id always maps to
// the same color on every peer.
func ColorFor(userID string) string {
	sum := blake3.Sum256([]byte(userID))
	return palette[int(sum[0])%len(palette)]
}

// Table is one peer's view of an object's presence. The local identity is
// only ever written through SetLocal/RemoveLocal; entries of other users are
// only ever written through Apply/Put.
type Table struct {
	mu      sync.RWMutex
	self    string
	epoch   string
	now     func() time.Time
	entries map[string]Entry
	// clocks and epochs survive removal so a stale add cannot bring a
	// departed user back
	clocks map[string]uint64
	epochs map[string]string
}

func NewTable(self string, now func() time.Time) *Table {
	if now == nil {
		now = time.Now
	}
	return &Table{
		self:    self,
		epoch:   ulid.Make().String(),
		now:     now,
		entries: make(map[string]Entry),
		clocks:  make(map[string]uint64),
		epochs:  make(map[string]string),
	}
}

// SetLocal updates the local entry and returns it for broadcast.
func (t *Table) SetLocal(name string, cursor json.RawMessage) Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clocks[t.self]++
	e := Entry{
		UserID:    t.self,
		Name:      name,
		Color:     ColorFor(t.self),
		Cursor:    cursor,
		Clock:     t.clocks[t.self],
		Epoch:     t.epoch,
		UpdatedAt: t.now(),
	}
	t.entries[t.self] = e
	return e
}

// RemoveLocal drops the local entry and returns the removal to broadcast.
func (t *Table) RemoveLocal() Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.clocks[t.self]++
	delete(t.entries, t.self)
	return Entry{UserID: t.self, Clock: t.clocks[t.self], Epoch: t.epoch, Removed: true, UpdatedAt: t.now()}
}

// Apply merges a peer's entry. Entries for the local user and entries not
// newer than what was already seen are ignored. A later epoch restarts the
// user's clock; an earlier one is stale.
func (t *Table) Apply(e Entry) bool {
	if e.UserID == "" {
		return false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.UserID == t.self {
		return false
	}
	if seen, ok := t.clocks[e.UserID]; ok {
		switch epoch := t.epochs[e.UserID]; {
		case e.Epoch < epoch:
			return false
		case e.Epoch == epoch && e.Clock <= seen:
			return false
		}
	}
	t.clocks[e.UserID] = e.Clock
	t.epochs[e.UserID] = e.Epoch
	if e.Removed {
		delete(t.entries, e.UserID)
		return true
	}
	if e.UpdatedAt.IsZero() {
		e.UpdatedAt = t.now()
	}
	t.entries[e.UserID] = e
	return true
}

// Put overwrites a peer's entry without clock comparison. Used for pointer
// state, which has no history.
func (t *Table) Put(e Entry) {
	if e.UserID == "" {
		return
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if e.UserID == t.self {
		return
	}
	if e.Removed {
		delete(t.entries, e.UserID)
		return
	}
	e.UpdatedAt = t.now()
	t.entries[e.UserID] = e
}

// Forget removes a peer, e.g. on a server leave notice.
func (t *Table) Forget(userID string) {
	if userID == t.self {
		return
	}
	t.mu.Lock()
	delete(t.entries, userID)
	t.mu.Unlock()
}

func (t *Table) Get(userID string) (Entry, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	e, ok := t.entries[userID]
	return e, ok
}

// List returns every entry ordered by user id.
func (t *Table) List() []Entry {
	t.mu.RLock()
	out := make([]Entry, 0, len(t.entries))
	for _, e := range t.entries {
		out = append(out, e)
	}
	t.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out
}

func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.entries)
}
