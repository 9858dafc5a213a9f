package chat

import (
	"context"
	"sync"
)

// MarkReader acknowledges that the local user has read a channel.
type MarkReader interface {
	MarkRead(ctx context.Context, channelID string) error
}

// UnreadCounter counts new messages per channel while the channel is not
// the active one.
type UnreadCounter struct {
	mu     sync.Mutex
	active string
	counts map[string]int
}

func NewUnreadCounter() *UnreadCounter {
	return &UnreadCounter{counts: make(map[string]int)}
}

// Message records a message event for a channel.
func (u *UnreadCounter) Message(channelID string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if channelID != u.active {
		u.counts[channelID]++
	}
}

// Activate makes channelID the active channel. The counter is cleared only
// once the mark-read call succeeds; on error it keeps its value.
func (u *UnreadCounter) Activate(ctx context.Context, channelID string, mr MarkReader) error {
	u.mu.Lock()
	u.active = channelID
	u.mu.Unlock()
	if channelID == "" {
		return nil
	}
	if err := mr.MarkRead(ctx, channelID); err != nil {
		return err
	}
	u.mu.Lock()
	if u.active == channelID {
		delete(u.counts, channelID)
	}
	u.mu.Unlock()
	return nil
}

func (u *UnreadCounter) Count(channelID string) int {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.counts[channelID]
}

func (u *UnreadCounter) Active() string {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.active
}
