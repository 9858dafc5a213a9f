// Package chat holds the client side of channel messaging (optimistic sends,
// typing indicators, unread counts) and the server's cross-instance event
// bus.
package chat

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/protocol"
)

const PendingTTL = 60 * time.Second

const tempPrefix = "temp-"

// Item is one row of a channel view. Temp items are optimistic sends not
// yet confirmed by the server.
type Item struct {
	Message   protocol.ChatMessage
	Temp      bool
	Reactions map[string][]string // emoji -> user ids
}

type pendingEdit struct {
	tempID    string
	signature string
	createdAt time.Time
}

// Reconciler is the message list of the active channel. It matches the
// server's echo of a self-sent message with its optimistic item by content
// and attachment set, never by id. When two identical sends are pending the
// oldest live one is matched first.
type Reconciler struct {
	mu        sync.Mutex
	self      string
	channelID string
	clk       clock.Clock
	ttl       time.Duration
	items     []Item
	pending   []pendingEdit
}

func NewReconciler(self, channelID string, clk clock.Clock) *Reconciler {
	if clk == nil {
		clk = clock.Real()
	}
	return &Reconciler{self: self, channelID: channelID, clk: clk, ttl: PendingTTL}
}

func (r *Reconciler) ChannelID() string { return r.channelID }

// Load replaces the view with confirmed history, oldest first. Optimistic
// items and their pending matches are kept at the end.
func (r *Reconciler) Load(history []protocol.ChatMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	items := make([]Item, 0, len(history)+len(r.pending))
	for _, m := range history {
		items = append(items, Item{Message: m})
	}
	for _, it := range r.items {
		if it.Temp {
			items = append(items, it)
		}
	}
	r.items = items
}

func signature(content string, attachments []protocol.Attachment) string {
	ids := make([]string, 0, len(attachments))
	for _, a := range attachments {
		ids = append(ids, a.ID)
	}
	sort.Strings(ids)
	return strings.TrimSpace(content) + "\x00" + strings.Join(ids, ",")
}

// Submit appends an optimistic item and records its pending match.
func (r *Reconciler) Submit(content string, attachments []protocol.Attachment) protocol.ChatMessage {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := r.clk.Now()
	msg := protocol.ChatMessage{
		ID:          tempPrefix + ulid.Make().String(),
		ChannelID:   r.channelID,
		AuthorID:    r.self,
		Content:     strings.TrimSpace(content),
		Attachments: attachments,
		CreatedAt:   now,
	}
	r.items = append(r.items, Item{Message: msg, Temp: true})
	r.pending = append(r.pending, pendingEdit{
		tempID:    msg.ID,
		signature: signature(content, attachments),
		createdAt: now,
	})
	return msg
}

// Receive applies a message-created event. It returns true when the event
// replaced an optimistic item in place.
func (r *Reconciler) Receive(msg protocol.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	if msg.AuthorID == r.self {
		sig := signature(msg.Content, msg.Attachments)
		for i, p := range r.pending {
			if p.signature != sig {
				continue
			}
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			if idx := r.indexLocked(p.tempID); idx >= 0 {
				r.items[idx] = Item{Message: msg}
				return true
			}
			break
		}
	}
	r.items = append(r.items, Item{Message: msg})
	return false
}

// Fail rolls back an optimistic send.
func (r *Reconciler) Fail(tempID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i, p := range r.pending {
		if p.tempID == tempID {
			r.pending = append(r.pending[:i], r.pending[i+1:]...)
			break
		}
	}
	if idx := r.indexLocked(tempID); idx >= 0 {
		r.items = append(r.items[:idx], r.items[idx+1:]...)
	}
}

func (r *Reconciler) Update(msg protocol.ChatMessage) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexLocked(msg.ID); idx >= 0 && !r.items[idx].Temp {
		r.items[idx].Message = msg
		return true
	}
	return false
}

func (r *Reconciler) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if idx := r.indexLocked(id); idx >= 0 && !r.items[idx].Temp {
		r.items = append(r.items[:idx], r.items[idx+1:]...)
		return true
	}
	return false
}

// React applies a reaction event. A user appears at most once per emoji.
func (r *Reconciler) React(rc protocol.Reaction, add bool) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := r.indexLocked(rc.MessageID)
	if idx < 0 {
		return false
	}
	it := &r.items[idx]
	users := it.Reactions[rc.Emoji]
	pos := -1
	for i, u := range users {
		if u == rc.UserID {
			pos = i
			break
		}
	}
	switch {
	case add && pos < 0:
		if it.Reactions == nil {
			it.Reactions = make(map[string][]string)
		}
		it.Reactions[rc.Emoji] = append(users, rc.UserID)
	case !add && pos >= 0:
		users = append(users[:pos:pos], users[pos+1:]...)
		if len(users) == 0 {
			delete(it.Reactions, rc.Emoji)
		} else {
			it.Reactions[rc.Emoji] = users
		}
	default:
		return false
	}
	return true
}

func (r *Reconciler) Items() []Item {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Item(nil), r.items...)
}

// PendingCount returns the number of unexpired pending matches.
func (r *Reconciler) PendingCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.expireLocked()
	return len(r.pending)
}

func (r *Reconciler) expireLocked() {
	now := r.clk.Now()
	live := r.pending[:0]
	for _, p := range r.pending {
		if now.Sub(p.createdAt) < r.ttl {
			live = append(live, p)
		}
	}
	r.pending = live
}

func (r *Reconciler) indexLocked(id string) int {
	for i, it := range r.items {
		if it.Message.ID == id {
			return i
		}
	}
	return -1
}
