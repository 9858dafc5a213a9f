package ws

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/protocol"
)

const (
	CodeBadTopic       = "BAD_TOPIC"
	CodeNotSubscribed  = "NOT_SUBSCRIBED"
	CodeUpdateRejected = "UPDATE_REJECTED"
	CodeJoinFailed     = "JOIN_FAILED"
)

// Conn is one websocket connection. readLoop owns topics; writeLoop is the
// only writer to the socket.
type Conn struct {
	id     string
	ws     *websocket.Conn
	m      *Manager
	userID string
	name   string
	log    zerolog.Logger

	mu     sync.Mutex
	send   chan []byte
	closed bool

	topics   map[string]struct{}
	lastSeen atomic.Int64
}

func newConn(id string, ws *websocket.Conn, m *Manager, userID, name string) *Conn {
	return &Conn{
		id:     id,
		ws:     ws,
		m:      m,
		userID: userID,
		name:   name,
		log:    m.log.With().Str("conn", id).Str("user", userID).Logger(),
		send:   make(chan []byte, m.opts.SendBuffer),
		topics: make(map[string]struct{}),
	}
}

func (c *Conn) touch() { c.lastSeen.Store(time.Now().UnixNano()) }

// LastSeen is the time of the last frame or pong received from the peer.
func (c *Conn) LastSeen() time.Time { return time.Unix(0, c.lastSeen.Load()) }

// enqueue never blocks; a full queue drops the frame.
func (c *Conn) enqueue(raw []byte) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false
	}
	select {
	case c.send <- raw:
		return true
	default:
		c.log.Warn().Msg("send queue full, dropping frame")
		return false
	}
}

func (c *Conn) reply(topic string, msg protocol.Message) {
	raw, err := protocol.Encode(topic, msg)
	if err != nil {
		c.log.Error().Err(err).Str("type", msg.MessageType()).Msg("encode reply")
		return
	}
	c.enqueue(raw)
}

func (c *Conn) fail(topic, code, message string) {
	c.reply(topic, protocol.Error{Code: code, Message: message})
}

func (c *Conn) closeSend() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		close(c.send)
	}
}

func (c *Conn) readLoop(ctx context.Context) {
	defer func() {
		c.leaveAll()
		c.closeSend()
	}()
	c.ws.SetReadLimit(c.m.opts.MaxFrameBytes)
	_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opts.ReadTimeout))
	c.touch()
	c.ws.SetPongHandler(func(string) error {
		c.touch()
		return c.ws.SetReadDeadline(time.Now().Add(c.m.opts.ReadTimeout))
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				c.log.Info().Err(err).Msg("connection lost")
			}
			return
		}
		c.touch()
		_ = c.ws.SetReadDeadline(time.Now().Add(c.m.opts.ReadTimeout))
		f, err := protocol.Decode(raw)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		c.handle(ctx, f)
	}
}

func (c *Conn) writeLoop() {
	ticker := time.NewTicker(c.m.opts.PingInterval)
	defer func() {
		ticker.Stop()
		_ = c.ws.Close()
	}()
	for {
		select {
		case raw, ok := <-c.send:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opts.WriteTimeout))
			if !ok {
				_ = c.ws.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
				return
			}
			if err := c.ws.WriteMessage(websocket.TextMessage, raw); err != nil {
				c.log.Debug().Err(err).Msg("write failed")
				return
			}
		case <-ticker.C:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.m.opts.WriteTimeout))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (c *Conn) handle(ctx context.Context, f protocol.Frame) {
	kind, _, ok := protocol.ParseTopic(f.Topic)
	if !ok {
		c.fail(f.Topic, CodeBadTopic, "unknown topic")
		return
	}
	switch f.Message.(type) {
	case protocol.Subscribe:
		c.subscribe(ctx, f.Topic, kind)
		return
	case protocol.Unsubscribe:
		c.leave(ctx, f.Topic, kind)
		return
	}

	if _, joined := c.topics[f.Topic]; !joined {
		c.fail(f.Topic, CodeNotSubscribed, "subscribe first")
		return
	}
	switch m := f.Message.(type) {
	case protocol.Update:
		if kind != protocol.KindChat {
			c.submit(ctx, f.Topic, m)
		}
	case protocol.Snapshot:
		if kind != protocol.KindChat {
			c.snapshot(ctx, f.Topic, m)
		}
	case protocol.PresenceUpdate:
		if kind != protocol.KindChat {
			c.presence(ctx, f.Topic, m)
		}
	case protocol.Typing:
		if kind == protocol.KindChat {
			m.UserID = c.userID
			c.m.hub.Publish(f.Topic, c, m)
		}
	default:
		c.log.Debug().Str("type", f.Message.MessageType()).Msg("ignoring client frame")
	}
}

func (c *Conn) localEntry() presence.Entry {
	return presence.Entry{UserID: c.userID, Name: c.name, Color: presence.ColorFor(c.userID), UpdatedAt: time.Now()}
}

func (c *Conn) subscribe(ctx context.Context, topic, kind string) {
	if _, ok := c.topics[topic]; ok {
		return
	}
	if kind == protocol.KindChat {
		c.topics[topic] = struct{}{}
		c.m.hub.Join(topic, c)
		return
	}

	// Room membership comes first: an update applied while the state is
	// being read is then either in the sync or queued behind it.
	c.topics[topic] = struct{}{}
	c.m.hub.Join(topic, c)
	state, err := c.m.svc.Join(ctx, topic)
	if err != nil {
		delete(c.topics, topic)
		c.m.hub.Leave(topic, c)
		c.log.Warn().Err(err).Str("topic", topic).Msg("join failed")
		c.fail(topic, CodeJoinFailed, err.Error())
		return
	}

	if c.m.roster != nil {
		if err := c.m.roster.Touch(ctx, topic, c.localEntry(), c.m.opts.PresenceTTL); err != nil {
			c.log.Warn().Err(err).Msg("roster touch failed")
		}
		roster, err := c.m.roster.Alive(ctx, topic)
		if err != nil {
			c.log.Warn().Err(err).Msg("roster read failed")
		}
		for _, e := range roster {
			if e.UserID != c.userID {
				state.Roster = append(state.Roster, e)
			}
		}
	}
	c.reply(topic, state)
	c.m.hub.Publish(topic, c, protocol.Join{UserID: c.userID, Name: c.name})
}

func (c *Conn) leave(ctx context.Context, topic, kind string) {
	if _, ok := c.topics[topic]; !ok {
		return
	}
	delete(c.topics, topic)
	empty := c.m.hub.Leave(topic, c)
	if kind == protocol.KindChat {
		return
	}
	// another tab of the same user keeps them present
	if c.m.hub.UserConns(topic, c.userID) == 0 {
		c.m.hub.Publish(topic, c, protocol.Leave{UserID: c.userID})
		if c.m.roster != nil {
			if err := c.m.roster.Remove(ctx, topic, c.userID); err != nil {
				c.log.Warn().Err(err).Msg("roster remove failed")
			}
		}
	}
	if empty {
		if err := c.m.svc.Persist(ctx, topic); err != nil {
			c.log.Warn().Err(err).Str("topic", topic).Msg("persist on last leave failed")
		}
	}
}

// leaveAll runs when the socket closes. The request context may already
// be done, so presence and persistence get their own deadline.
func (c *Conn) leaveAll() {
	ctx, cancel := context.WithTimeout(context.Background(), c.m.opts.SubmitTimeout)
	defer cancel()
	for topic := range c.topics {
		kind, _, _ := protocol.ParseTopic(topic)
		c.leave(ctx, topic, kind)
	}
}

func (c *Conn) submit(ctx context.Context, topic string, m protocol.Update) {
	ctx, cancel := context.WithTimeout(ctx, c.m.opts.SubmitTimeout)
	defer cancel()
	applied, err := c.m.svc.Submit(ctx, topic, c.userID, m.Delta)
	if err != nil {
		c.log.Debug().Err(err).Str("topic", topic).Msg("update rejected")
		if !errors.Is(err, context.Canceled) {
			c.fail(topic, CodeUpdateRejected, err.Error())
		}
		return
	}
	if applied.Duplicate {
		return
	}
	c.m.hub.Publish(topic, c, protocol.Update{Delta: m.Delta, Origin: c.userID, Revision: applied.Revision})
	if applied.RequestSnapshot {
		c.reply(topic, protocol.SnapshotRequest{Revision: applied.Revision})
	}
}

func (c *Conn) snapshot(ctx context.Context, topic string, m protocol.Snapshot) {
	ctx, cancel := context.WithTimeout(ctx, c.m.opts.SubmitTimeout)
	defer cancel()
	if err := c.m.svc.SubmitSnapshot(ctx, topic, m.Revision, m.Snapshot); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("snapshot rejected")
	}
}

// presence relays a cursor or pointer update stamped with the sender's
// identity, and refreshes the sender's roster entry.
func (c *Conn) presence(ctx context.Context, topic string, m protocol.PresenceUpdate) {
	m.UserID = c.userID
	if m.Name == "" {
		m.Name = c.name
	}
	if m.Color == "" {
		m.Color = presence.ColorFor(c.userID)
	}
	if c.m.roster != nil {
		var err error
		if m.Removed {
			err = c.m.roster.Remove(ctx, topic, c.userID)
		} else {
			err = c.m.roster.Touch(ctx, topic, m.Entry, c.m.opts.PresenceTTL)
		}
		if err != nil {
			c.log.Warn().Err(err).Msg("roster update failed")
		}
	}
	c.m.hub.Publish(topic, c, m)
}
