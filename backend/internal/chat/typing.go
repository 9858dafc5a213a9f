package chat

import (
	"sort"
	"sync"
	"time"

	"collabServer/backend/internal/clock"
)

const (
	TypingIdle = 1200 * time.Millisecond
	// TypingRefresh must stay below TypingIdle, which is also how long a
	// receiver keeps an entry without hearing from the sender.
	TypingRefresh = time.Second
)

// TypingNotifier turns keystrokes into typing=true/false publications for
// one channel. typing=true goes out on the first keystroke and is repeated
// every refresh interval while typing lasts; typing=false follows after the
// idle window or on send.
type TypingNotifier struct {
	mu           sync.Mutex
	clk          clock.Clock
	idle         time.Duration
	refresh      time.Duration
	publish      func(typing bool)
	typing       bool
	gen          uint64
	idleTimer    clock.Timer
	refreshTimer clock.Timer
}

func NewTypingNotifier(clk clock.Clock, publish func(typing bool)) *TypingNotifier {
	if clk == nil {
		clk = clock.Real()
	}
	return &TypingNotifier{clk: clk, idle: TypingIdle, refresh: TypingRefresh, publish: publish}
}

func (n *TypingNotifier) Keystroke() {
	n.mu.Lock()
	start := !n.typing
	n.typing = true
	if start {
		n.gen++
		gen := n.gen
		n.refreshTimer = n.clk.AfterFunc(n.refresh, func() { n.heartbeat(gen) })
	}
	if n.idleTimer != nil {
		n.idleTimer.Stop()
	}
	n.idleTimer = n.clk.AfterFunc(n.idle, n.Stop)
	n.mu.Unlock()
	if start {
		n.publish(true)
	}
}

func (n *TypingNotifier) heartbeat(gen uint64) {
	n.mu.Lock()
	if !n.typing || gen != n.gen {
		n.mu.Unlock()
		return
	}
	n.refreshTimer = n.clk.AfterFunc(n.refresh, func() { n.heartbeat(gen) })
	n.mu.Unlock()
	n.publish(true)
}

// Stop publishes typing=false if a typing=true is outstanding. Called on
// send, on idle and on channel switch.
func (n *TypingNotifier) Stop() {
	n.mu.Lock()
	if n.idleTimer != nil {
		n.idleTimer.Stop()
		n.idleTimer = nil
	}
	if n.refreshTimer != nil {
		n.refreshTimer.Stop()
		n.refreshTimer = nil
	}
	was := n.typing
	n.typing = false
	n.mu.Unlock()
	if was {
		n.publish(false)
	}
}

// TypingTracker is the receiving side: the set of users currently typing in
// a channel. Each user's entry is replaced, never accumulated, and lapses
// after the idle window if no typing=false arrives.
type TypingTracker struct {
	mu       sync.Mutex
	clk      clock.Clock
	ttl      time.Duration
	self     string
	users    map[string]*typingEntry
	onChange func([]string)
}

type typingEntry struct {
	timer clock.Timer
}

func NewTypingTracker(self string, clk clock.Clock, onChange func([]string)) *TypingTracker {
	if clk == nil {
		clk = clock.Real()
	}
	return &TypingTracker{clk: clk, ttl: TypingIdle, self: self, users: make(map[string]*typingEntry), onChange: onChange}
}

func (t *TypingTracker) Apply(userID string, typing bool) {
	if userID == "" || userID == t.self {
		return
	}
	t.mu.Lock()
	old, existed := t.users[userID]
	if existed {
		old.timer.Stop()
	}
	if typing {
		e := &typingEntry{}
		e.timer = t.clk.AfterFunc(t.ttl, func() { t.expire(userID, e) })
		t.users[userID] = e
	} else {
		delete(t.users, userID)
	}
	changed := typing != existed
	t.mu.Unlock()
	if changed {
		t.notify()
	}
}

func (t *TypingTracker) expire(userID string, e *typingEntry) {
	t.mu.Lock()
	if cur, ok := t.users[userID]; !ok || cur != e {
		t.mu.Unlock()
		return
	}
	delete(t.users, userID)
	t.mu.Unlock()
	t.notify()
}

func (t *TypingTracker) Users() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, 0, len(t.users))
	for u := range t.users {
		out = append(out, u)
	}
	sort.Strings(out)
	return out
}

// Reset drops every entry, e.g. when the channel is left.
func (t *TypingTracker) Reset() {
	t.mu.Lock()
	for u, e := range t.users {
		e.timer.Stop()
		delete(t.users, u)
	}
	t.mu.Unlock()
}

func (t *TypingTracker) notify() {
	if t.onChange != nil {
		t.onChange(t.Users())
	}
}
