// Package transport is the client side of the duplex channel: one websocket
// per client, buffered sends while disconnected, automatic reconnect and
// re-announcement of subscribed topics.
package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/protocol"
)

var ErrClosed = errors.New("transport closed")

type Status string

const (
	StatusIdle       Status = "idle"
	StatusConnecting Status = "connecting"
	StatusOpen       Status = "open"
	StatusError      Status = "error"
	StatusClosed     Status = "closed"
)

// DialFunc opens a websocket. The default uses websocket.DefaultDialer.
type DialFunc func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error)

type Options struct {
	URL    string
	Header http.Header

	// ReconnectDelay is the wait after an established connection drops.
	ReconnectDelay time.Duration
	// MaxReconnectDelay caps the doubling delay between failed dials.
	MaxReconnectDelay time.Duration
	PingInterval      time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration

	Dial   DialFunc
	Clock  clock.Clock
	Logger zerolog.Logger
}

func (o *Options) setDefaults() {
	if o.ReconnectDelay <= 0 {
		o.ReconnectDelay = time.Second
	}
	if o.MaxReconnectDelay < o.ReconnectDelay {
		o.MaxReconnectDelay = 30 * time.Second
		if o.MaxReconnectDelay < o.ReconnectDelay {
			o.MaxReconnectDelay = o.ReconnectDelay
		}
	}
	if o.PingInterval <= 0 {
		o.PingInterval = 25 * time.Second
	}
	if o.ReadTimeout <= 0 {
		o.ReadTimeout = 60 * time.Second
	}
	if o.WriteTimeout <= 0 {
		o.WriteTimeout = 10 * time.Second
	}
	if o.Dial == nil {
		o.Dial = func(ctx context.Context, url string, header http.Header) (*websocket.Conn, error) {
			ws, _, err := websocket.DefaultDialer.DialContext(ctx, url, header)
			return ws, err
		}
	}
	if o.Clock == nil {
		o.Clock = clock.Real()
	}
}

// Client owns one logical connection. It is safe for concurrent use.
// Handlers run on the connection's read goroutine, one frame at a time.
type Client struct {
	opts Options
	log  zerolog.Logger

	mu       sync.Mutex
	status   Status
	ctx      context.Context
	cancel   context.CancelFunc
	ws       *websocket.Conn
	gen      uint64
	closed   bool
	started  bool
	retry    clock.Timer
	failures int

	topics  []string
	pending [][]byte

	nextID         int
	msgHandlers    map[int]func(protocol.Frame)
	statusHandlers map[int]func(Status)
}

func NewClient(opts Options) *Client {
	opts.setDefaults()
	return &Client{
		opts:           opts,
		log:            opts.Logger.With().Str("component", "transport").Str("url", opts.URL).Logger(),
		status:         StatusIdle,
		msgHandlers:    make(map[int]func(protocol.Frame)),
		statusHandlers: make(map[int]func(Status)),
	}
}

// Connect starts the connection loop and returns without waiting for the
// first dial. Cancelling ctx has the same effect as Close.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	lifetime := c.ctx
	c.setStatusLocked(StatusConnecting)
	c.mu.Unlock()
	c.emit(StatusConnecting)

	go func() {
		<-lifetime.Done()
		c.Close()
	}()
	go c.dial()
	return nil
}

func (c *Client) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// OnMessage registers a handler for every decoded frame and returns a
// function that removes it.
func (c *Client) OnMessage(h func(protocol.Frame)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.msgHandlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.msgHandlers, id)
		c.mu.Unlock()
	}
}

func (c *Client) OnStatusChange(h func(Status)) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextID
	c.nextID++
	c.statusHandlers[id] = h
	return func() {
		c.mu.Lock()
		delete(c.statusHandlers, id)
		c.mu.Unlock()
	}
}

// Send writes msg now if the connection is open, otherwise queues it. Queued
// frames go out in send order right after the next open. Send never blocks
// on the network being unavailable.
func (c *Client) Send(topic string, msg protocol.Message) error {
	raw, err := protocol.Encode(topic, msg)
	if err != nil {
		return err
	}
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.ws == nil {
		c.pending = append(c.pending, raw)
		c.mu.Unlock()
		return nil
	}
	err = c.writeLocked(raw)
	if err != nil {
		c.pending = append(c.pending, raw)
		c.log.Warn().Err(err).Msg("write failed, frame queued for reconnect")
		c.dropLocked()
	}
	c.mu.Unlock()
	if err != nil {
		c.emit(StatusError)
	}
	return nil
}

// Subscribe adds topic to the announced set. The full set is re-announced in
// first-subscribe order after every reconnect.
func (c *Client) Subscribe(topic string) error {
	return c.announce(topic, true)
}

func (c *Client) Unsubscribe(topic string) error {
	return c.announce(topic, false)
}

func (c *Client) announce(topic string, add bool) error {
	dropped, err := c.updateTopics(topic, add)
	if dropped {
		c.emit(StatusError)
	}
	return err
}

func (c *Client) updateTopics(topic string, add bool) (dropped bool, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return false, ErrClosed
	}
	idx := -1
	for i, t := range c.topics {
		if t == topic {
			idx = i
			break
		}
	}
	var msg protocol.Message
	switch {
	case add && idx < 0:
		c.topics = append(c.topics, topic)
		msg = protocol.Subscribe{}
	case !add && idx >= 0:
		c.topics = append(c.topics[:idx], c.topics[idx+1:]...)
		msg = protocol.Unsubscribe{}
	default:
		return false, nil
	}
	// While disconnected nothing is queued: the reopen announces c.topics.
	if c.ws == nil {
		return false, nil
	}
	raw, err := protocol.Encode(topic, msg)
	if err != nil {
		return false, err
	}
	if err := c.writeLocked(raw); err != nil {
		c.log.Warn().Err(err).Str("topic", topic).Msg("announce failed")
		c.dropLocked()
		return true, nil
	}
	return false, nil
}

// Topics returns the subscribed topics in announcement order.
func (c *Client) Topics() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.topics...)
}

// Close tears the client down: pending retries are cancelled, the socket is
// closed exactly once and no reconnect follows.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.retry != nil {
		c.retry.Stop()
		c.retry = nil
	}
	ws := c.ws
	c.ws = nil
	c.gen++
	c.pending = nil
	c.setStatusLocked(StatusClosed)
	cancel := c.cancel
	c.mu.Unlock()

	if ws != nil {
		deadline := c.opts.Clock.Now().Add(time.Second)
		_ = ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), deadline)
		_ = ws.Close()
	}
	if cancel != nil {
		cancel()
	}
	c.emit(StatusClosed)
	return nil
}

func (c *Client) dial() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	ctx := c.ctx
	c.mu.Unlock()

	ws, err := c.opts.Dial(ctx, c.opts.URL, c.opts.Header)
	if err != nil {
		c.dialFailed(err)
		return
	}
	c.opened(ws)
}

// dialFailed handles a connection that never opened: no error status, and
// the delay doubles up to MaxReconnectDelay so a dead server is not hammered.
func (c *Client) dialFailed(err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	c.failures++
	delay := c.opts.ReconnectDelay
	for i := 1; i < c.failures && delay < c.opts.MaxReconnectDelay; i++ {
		delay *= 2
	}
	if delay > c.opts.MaxReconnectDelay {
		delay = c.opts.MaxReconnectDelay
	}
	c.log.Debug().Err(err).Int("attempt", c.failures).Dur("retry_in", delay).Msg("dial failed")
	c.scheduleLocked(delay)
}

func (c *Client) opened(ws *websocket.Conn) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		_ = ws.Close()
		return
	}
	c.ws = ws
	c.gen++
	gen := c.gen
	c.failures = 0

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(c.opts.Clock.Now().Add(c.opts.ReadTimeout))
	})

	if err := c.flushLocked(); err != nil {
		c.log.Warn().Err(err).Msg("flush after open failed")
		c.dropLocked()
		c.mu.Unlock()
		c.emit(StatusError)
		return
	}
	c.setStatusLocked(StatusOpen)
	c.mu.Unlock()

	c.log.Info().Msg("connected")
	c.emit(StatusOpen)
	done := make(chan struct{})
	go c.pingLoop(ws, done)
	go c.readLoop(ws, gen, done)
}

// flushLocked re-announces every topic, then writes queued frames in order.
// On a write error the unsent frames stay queued.
func (c *Client) flushLocked() error {
	for _, topic := range c.topics {
		raw, err := protocol.Encode(topic, protocol.Subscribe{})
		if err != nil {
			return err
		}
		if err := c.writeLocked(raw); err != nil {
			return err
		}
	}
	for len(c.pending) > 0 {
		if err := c.writeLocked(c.pending[0]); err != nil {
			return err
		}
		c.pending = c.pending[1:]
	}
	c.pending = nil
	return nil
}

func (c *Client) writeLocked(raw []byte) error {
	_ = c.ws.SetWriteDeadline(c.opts.Clock.Now().Add(c.opts.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, raw)
}

func (c *Client) readLoop(ws *websocket.Conn, gen uint64, done chan struct{}) {
	defer close(done)
	for {
		_ = ws.SetReadDeadline(c.opts.Clock.Now().Add(c.opts.ReadTimeout))
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.lost(gen, err)
			return
		}
		f, err := protocol.Decode(data)
		if err != nil {
			c.log.Debug().Err(err).Msg("dropping undecodable frame")
			continue
		}
		for _, h := range c.messageHandlers() {
			h(f)
		}
	}
}

func (c *Client) pingLoop(ws *websocket.Conn, done chan struct{}) {
	t := time.NewTicker(c.opts.PingInterval)
	defer t.Stop()
	for {
		select {
		case <-done:
			return
		case <-t.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, c.opts.Clock.Now().Add(c.opts.WriteTimeout)); err != nil {
				return
			}
		}
	}
}

// lost handles an opened connection that closed without Close being called.
func (c *Client) lost(gen uint64, err error) {
	c.mu.Lock()
	if c.closed || gen != c.gen || c.ws == nil {
		c.mu.Unlock()
		return
	}
	c.log.Warn().Err(err).Msg("connection lost")
	c.dropLocked()
	c.mu.Unlock()
	c.emit(StatusError)
}

// dropLocked closes the current socket, enters the error state and schedules
// a reconnect after the base delay.
func (c *Client) dropLocked() {
	if c.ws != nil {
		_ = c.ws.Close()
		c.ws = nil
	}
	c.gen++
	c.setStatusLocked(StatusError)
	c.scheduleLocked(c.opts.ReconnectDelay)
}

func (c *Client) scheduleLocked(delay time.Duration) {
	if c.retry != nil {
		c.retry.Stop()
	}
	c.retry = c.opts.Clock.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed {
			c.mu.Unlock()
			return
		}
		c.retry = nil
		changed := c.setStatusLocked(StatusConnecting)
		c.mu.Unlock()
		if changed {
			c.emit(StatusConnecting)
		}
		c.dial()
	})
}

func (c *Client) setStatusLocked(s Status) bool {
	if c.status == s {
		return false
	}
	c.status = s
	return true
}

func (c *Client) messageHandlers() []func(protocol.Frame) {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]func(protocol.Frame), 0, len(c.msgHandlers))
	for id := 0; id < c.nextID; id++ {
		if h, ok := c.msgHandlers[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (c *Client) emit(s Status) {
	c.mu.Lock()
	hs := make([]func(Status), 0, len(c.statusHandlers))
	for id := 0; id < c.nextID; id++ {
		if h, ok := c.statusHandlers[id]; ok {
			hs = append(hs, h)
		}
	}
	c.mu.Unlock()
	for _, h := range hs {
		h(s)
	}
}
