package chat

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/protocol"
)

var ErrNoActiveChannel = errors.New("chat: no active channel")

type Transport interface {
	Send(topic string, msg protocol.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	OnMessage(h func(protocol.Frame)) func()
}

// Sender submits a message to the server. The created message reaches
// every subscriber, the sender included, as a "message" event.
type Sender interface {
	SendMessage(ctx context.Context, channelID, content string, attachments []protocol.Attachment) (protocol.ChatMessage, error)
}

type API interface {
	Sender
	MarkReader
}

type Options struct {
	UserID string
	Clock  clock.Clock
	Logger zerolog.Logger

	OnItems  func(channelID string, items []Item)
	OnTyping func(channelID string, users []string)
	OnUnread func(channelID string, count int)
}

// Client is the chat view of one user: every joined channel is subscribed
// over the shared transport, one channel at a time is active.
type Client struct {
	tr   Transport
	api  API
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	channels map[string]*TypingTracker
	active   *Reconciler
	notifier *TypingNotifier
	unread   *UnreadCounter

	off func()
}

func NewClient(tr Transport, api API, opts Options) *Client {
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	c := &Client{
		tr:       tr,
		api:      api,
		opts:     opts,
		log:      opts.Logger.With().Str("component", "chat").Str("user", opts.UserID).Logger(),
		channels: make(map[string]*TypingTracker),
		unread:   NewUnreadCounter(),
	}
	c.off = tr.OnMessage(c.handleFrame)
	return c
}

// Join subscribes to a channel's events.
func (c *Client) Join(channelID string) error {
	c.mu.Lock()
	if _, ok := c.channels[channelID]; ok {
		c.mu.Unlock()
		return nil
	}
	c.channels[channelID] = NewTypingTracker(c.opts.UserID, c.opts.Clock, func(users []string) {
		if c.opts.OnTyping != nil {
			c.opts.OnTyping(channelID, users)
		}
	})
	c.mu.Unlock()
	return c.tr.Subscribe(protocol.ChatTopic(channelID))
}

func (c *Client) Leave(channelID string) error {
	c.mu.Lock()
	tracker, ok := c.channels[channelID]
	if !ok {
		c.mu.Unlock()
		return nil
	}
	delete(c.channels, channelID)
	tracker.Reset()
	var notifier *TypingNotifier
	if c.active != nil && c.active.ChannelID() == channelID {
		notifier = c.notifier
		c.active = nil
		c.notifier = nil
	}
	c.mu.Unlock()
	if notifier != nil {
		notifier.Stop()
	}
	return c.tr.Unsubscribe(protocol.ChatTopic(channelID))
}

// Activate switches the visible channel, loading its history, and marks it
// read. The unread counter clears once the mark-read call returns.
func (c *Client) Activate(ctx context.Context, channelID string, history []protocol.ChatMessage) error {
	if err := c.Join(channelID); err != nil {
		return err
	}
	rec := NewReconciler(c.opts.UserID, channelID, c.opts.Clock)
	rec.Load(history)
	topic := protocol.ChatTopic(channelID)
	notifier := NewTypingNotifier(c.opts.Clock, func(typing bool) {
		if err := c.tr.Send(topic, protocol.Typing{Typing: typing}); err != nil {
			c.log.Debug().Err(err).Msg("typing not sent")
		}
	})

	c.mu.Lock()
	prev := c.notifier
	c.active = rec
	c.notifier = notifier
	c.mu.Unlock()
	if prev != nil {
		prev.Stop()
	}
	c.emitItems(rec)

	if err := c.unread.Activate(ctx, channelID, c.api); err != nil {
		c.log.Warn().Err(err).Str("channel", channelID).Msg("mark read failed")
		return err
	}
	c.emitUnread(channelID)
	return nil
}

// Send shows the message immediately and submits it. On failure the
// optimistic item is rolled back and the error returned.
func (c *Client) Send(ctx context.Context, content string, attachments []protocol.Attachment) error {
	c.mu.Lock()
	rec, notifier := c.active, c.notifier
	c.mu.Unlock()
	if rec == nil {
		return ErrNoActiveChannel
	}
	notifier.Stop()
	temp := rec.Submit(content, attachments)
	c.emitItems(rec)

	if _, err := c.api.SendMessage(ctx, rec.ChannelID(), content, attachments); err != nil {
		rec.Fail(temp.ID)
		c.emitItems(rec)
		return err
	}
	return nil
}

// Keystroke reports local typing in the active channel.
func (c *Client) Keystroke() {
	c.mu.Lock()
	n := c.notifier
	c.mu.Unlock()
	if n != nil {
		n.Keystroke()
	}
}

func (c *Client) Items() []Item {
	c.mu.Lock()
	rec := c.active
	c.mu.Unlock()
	if rec == nil {
		return nil
	}
	return rec.Items()
}

func (c *Client) Unread(channelID string) int { return c.unread.Count(channelID) }

func (c *Client) Typing(channelID string) []string {
	c.mu.Lock()
	t := c.channels[channelID]
	c.mu.Unlock()
	if t == nil {
		return nil
	}
	return t.Users()
}

func (c *Client) Close() {
	c.off()
	c.mu.Lock()
	n := c.notifier
	c.notifier = nil
	for _, t := range c.channels {
		t.Reset()
	}
	c.mu.Unlock()
	if n != nil {
		n.Stop()
	}
}

func (c *Client) handleFrame(f protocol.Frame) {
	kind, channelID, ok := protocol.ParseTopic(f.Topic)
	if !ok || kind != protocol.KindChat {
		return
	}
	c.mu.Lock()
	tracker, joined := c.channels[channelID]
	rec := c.active
	c.mu.Unlock()
	if !joined {
		return
	}
	if rec != nil && rec.ChannelID() != channelID {
		rec = nil
	}

	switch m := f.Message.(type) {
	case protocol.MessageCreated:
		tracker.Apply(m.AuthorID, false)
		if rec != nil {
			rec.Receive(m.ChatMessage)
			c.emitItems(rec)
			return
		}
		if m.AuthorID != c.opts.UserID {
			c.unread.Message(channelID)
			c.emitUnread(channelID)
		}
	case protocol.MessageUpdated:
		if rec != nil && rec.Update(m.ChatMessage) {
			c.emitItems(rec)
		}
	case protocol.MessageDeleted:
		if rec != nil && rec.Remove(m.ID) {
			c.emitItems(rec)
		}
	case protocol.ReactionAdded:
		if rec != nil && rec.React(m.Reaction, true) {
			c.emitItems(rec)
		}
	case protocol.ReactionRemoved:
		if rec != nil && rec.React(m.Reaction, false) {
			c.emitItems(rec)
		}
	case protocol.Typing:
		tracker.Apply(m.UserID, m.Typing)
	}
}

func (c *Client) emitItems(rec *Reconciler) {
	if c.opts.OnItems != nil {
		c.opts.OnItems(rec.ChannelID(), rec.Items())
	}
}

func (c *Client) emitUnread(channelID string) {
	if c.opts.OnUnread != nil {
		c.opts.OnUnread(channelID, c.unread.Count(channelID))
	}
}
