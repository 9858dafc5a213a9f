package scene

import (
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/transport"
)

const DefaultDebounce = 600 * time.Millisecond

type Transport interface {
	Send(topic string, msg protocol.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	OnMessage(h func(protocol.Frame)) func()
}

type Options struct {
	SceneID  string
	UserID   string
	Name     string
	Debounce time.Duration
	Clock    clock.Clock
	Logger   zerolog.Logger

	// OnScene is called with the merged scene after every remote change and
	// after the join sync.
	OnScene func(State)
	// OnPointers is called when a collaborator's pointer moves.
	OnPointers func([]presence.Entry)
}

// Pointer is the always-overwrite presence payload of a scene.
type Pointer struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Button string  `json:"button,omitempty"`
}

// Collaborator keeps one client's copy of a scene in step with its peers.
type Collaborator struct {
	tr       Transport
	topic    string
	user     string
	name     string
	debounce time.Duration
	clk      clock.Clock
	log      zerolog.Logger
	onScene  func(State)
	onPtrs   func([]presence.Entry)

	mu         sync.Mutex
	state      State
	lastSent   string
	lastRemote string
	pending    clock.Timer
	revision   uint64
	synced     bool
	closed     bool

	pointers *presence.Table
	offMsg   func()
}

func Open(tr Transport, opts Options) (*Collaborator, error) {
	if opts.Debounce <= 0 {
		opts.Debounce = DefaultDebounce
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	c := &Collaborator{
		tr:       tr,
		topic:    protocol.SceneTopic(opts.SceneID),
		user:     opts.UserID,
		name:     opts.Name,
		debounce: opts.Debounce,
		clk:      opts.Clock,
		log:      opts.Logger.With().Str("component", "scene").Str("scene", opts.SceneID).Logger(),
		onScene:  opts.OnScene,
		onPtrs:   opts.OnPointers,
		pointers: presence.NewTable(opts.UserID, opts.Clock.Now),
	}
	c.lastSent = Fingerprint(nil)
	c.lastRemote = c.lastSent
	c.offMsg = tr.OnMessage(c.handleFrame)
	if err := tr.Subscribe(c.topic); err != nil {
		c.offMsg()
		return nil, err
	}
	return c, nil
}

// State returns a copy of the current scene.
func (c *Collaborator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return State{
		Elements: append([]Element(nil), c.state.Elements...),
		Files:    copyFiles(c.state.Files),
	}
}

func (c *Collaborator) Synced() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.synced
}

// Update records the renderer's current element list after a local edit.
// An unchanged list is not rebroadcast; anything else is sent as one full
// update once edits have paused for the debounce window.
func (c *Collaborator) Update(elements []Element, files map[string]File) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	// a stale list from the renderer never rolls back what was observed
	c.state.Elements, _ = Merge(c.state.Elements, elements)
	c.state.Files, _ = MergeFiles(c.state.Files, files)

	fp := Fingerprint(c.state.Elements)
	if fp == c.lastSent && fp == c.lastRemote {
		return
	}
	if c.pending != nil {
		c.pending.Stop()
	}
	c.pending = c.clk.AfterFunc(c.debounce, c.flush)
}

func (c *Collaborator) flush() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.pending = nil
	st := State{Elements: append([]Element(nil), c.state.Elements...), Files: copyFiles(c.state.Files)}
	fp := Fingerprint(st.Elements)
	c.lastSent = fp
	c.lastRemote = fp
	c.mu.Unlock()

	raw, err := EncodeUpdate(st)
	if err != nil {
		c.log.Warn().Err(err).Msg("encode scene update")
		return
	}
	if err := c.tr.Send(c.topic, protocol.Update{Delta: raw, Origin: c.user}); err != nil {
		c.log.Warn().Err(err).Msg("send scene update")
	}
}

// MovePointer broadcasts the local pointer. There is no merge: receivers
// keep whatever arrived last.
func (c *Collaborator) MovePointer(p Pointer) error {
	raw, err := json.Marshal(p)
	if err != nil {
		return err
	}
	return c.tr.Send(c.topic, protocol.PresenceUpdate{Entry: presence.Entry{
		UserID: c.user,
		Name:   c.name,
		Color:  presence.ColorFor(c.user),
		Cursor: raw,
	}})
}

func (c *Collaborator) Pointers() []presence.Entry { return c.pointers.List() }

// Close cancels a pending broadcast and detaches from the transport.
func (c *Collaborator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.pending != nil {
		c.pending.Stop()
		c.pending = nil
	}
	c.mu.Unlock()
	c.offMsg()
	_ = c.tr.Send(c.topic, protocol.PresenceUpdate{Entry: presence.Entry{UserID: c.user, Removed: true}})
	return c.tr.Unsubscribe(c.topic)
}

func (c *Collaborator) handleFrame(f protocol.Frame) {
	if f.Topic != c.topic {
		return
	}
	switch m := f.Message.(type) {
	case protocol.Sync:
		c.handleSync(m)
	case protocol.Update:
		st, err := DecodeUpdate(m.Delta)
		if err != nil {
			c.log.Warn().Err(err).Str("origin", m.Origin).Msg("dropping malformed scene update")
			return
		}
		c.mergeRemote(m.Revision, st, false)
	case protocol.PresenceUpdate:
		c.pointers.Put(m.Entry)
		if c.onPtrs != nil {
			c.onPtrs(c.pointers.List())
		}
	case protocol.Leave:
		c.pointers.Forget(m.UserID)
		if c.onPtrs != nil {
			c.onPtrs(c.pointers.List())
		}
	case protocol.SnapshotRequest:
		go c.answerSnapshot()
	}
}

// handleSync folds the snapshot and the backlog through Merge before the
// first render.
func (c *Collaborator) handleSync(m protocol.Sync) {
	incoming := State{}
	if len(m.Snapshot) > 0 {
		snap, err := DecodeSnapshot(m.Snapshot)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping sync with bad snapshot")
			return
		}
		incoming = snap
	}
	for _, raw := range m.Deltas {
		st, err := DecodeUpdate(raw)
		if err != nil {
			c.log.Warn().Err(err).Msg("dropping bad delta in sync")
			continue
		}
		incoming, _ = MergeState(incoming, st)
	}
	for _, e := range m.Roster {
		c.pointers.Put(e)
	}
	c.mu.Lock()
	c.synced = true
	c.mu.Unlock()
	c.mergeRemote(m.Revision, incoming, true)
}

func (c *Collaborator) mergeRemote(rev uint64, incoming State, render bool) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	merged, changed := MergeState(c.state, incoming)
	c.state = merged
	if rev > c.revision {
		c.revision = rev
	}
	fp := Fingerprint(merged.Elements)
	c.lastRemote = fp
	// With no local edit waiting, the merged scene is already what peers
	// have; the renderer's echo of it must not go back out.
	if c.pending == nil {
		c.lastSent = fp
	}
	out := State{Elements: append([]Element(nil), merged.Elements...), Files: copyFiles(merged.Files)}
	c.mu.Unlock()

	if (changed || render) && c.onScene != nil {
		c.onScene(out)
	}
}

func (c *Collaborator) answerSnapshot() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	st := State{Elements: append([]Element(nil), c.state.Elements...), Files: copyFiles(c.state.Files)}
	rev := c.revision
	c.mu.Unlock()

	raw, err := EncodeSnapshot(st)
	if err != nil {
		c.log.Warn().Err(err).Msg("encode scene snapshot")
		return
	}
	if err := c.tr.Send(c.topic, protocol.Snapshot{Snapshot: raw, Revision: rev}); err != nil && !errors.Is(err, transport.ErrClosed) {
		c.log.Debug().Err(err).Msg("snapshot reply not sent")
	}
}

func copyFiles(in map[string]File) map[string]File {
	if in == nil {
		return nil
	}
	out := make(map[string]File, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
