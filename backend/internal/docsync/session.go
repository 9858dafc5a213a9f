// Package docsync binds a replicated document to a transport: it applies the
// server's sync and peer updates, broadcasts local edits and keeps the
// document's presence table.
package docsync

import (
	"encoding/json"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/crdt"
	"collabServer/backend/internal/presence"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/transport"
)

// Transport is the part of transport.Client a session uses.
type Transport interface {
	Send(topic string, msg protocol.Message) error
	Subscribe(topic string) error
	Unsubscribe(topic string) error
	OnMessage(h func(protocol.Frame)) func()
	OnStatusChange(h func(transport.Status)) func()
}

type State string

const (
	StateConnecting State = "connecting"
	StateSynced     State = "synced"
	StateError      State = "error"
	StateClosed     State = "closed"
)

type Origin int

const (
	OriginLocal Origin = iota
	OriginRemote
)

// Event tells the renderer what changed. When Reset is set the whole text
// was rebuilt and Change is empty; re-read Text().
type Event struct {
	Origin Origin
	Reset  bool
	Change crdt.Change
}

type Options struct {
	DocID  string
	UserID string
	Name   string
	Logger zerolog.Logger
}

type Session struct {
	tr    Transport
	topic string
	user  string
	name  string
	log   zerolog.Logger

	mu           sync.Mutex
	doc          *crdt.Doc
	state        State
	bootstrapped bool
	revision     uint64
	closed       bool

	presence *presence.Table

	hmu           sync.Mutex
	nextID        int
	eventHandlers map[int]func(Event)
	stateHandlers map[int]func(State)
	peerHandlers  map[int]func([]presence.Entry)

	offMsg    func()
	offStatus func()
}

// Open creates a session for one document and subscribes its topic. The
// session stays Connecting until the server's sync arrives.
func Open(tr Transport, opts Options) (*Session, error) {
	s := &Session{
		tr:            tr,
		topic:         protocol.DocTopic(opts.DocID),
		user:          opts.UserID,
		name:          opts.Name,
		log:           opts.Logger.With().Str("component", "docsync").Str("doc", opts.DocID).Logger(),
		doc:           crdt.NewDoc(ulid.Make().String()),
		state:         StateConnecting,
		presence:      presence.NewTable(opts.UserID, nil),
		eventHandlers: make(map[int]func(Event)),
		stateHandlers: make(map[int]func(State)),
		peerHandlers:  make(map[int]func([]presence.Entry)),
	}
	s.offMsg = tr.OnMessage(s.handleFrame)
	s.offStatus = tr.OnStatusChange(s.handleStatus)
	if err := tr.Subscribe(s.topic); err != nil {
		s.offMsg()
		s.offStatus()
		return nil, err
	}
	return s, nil
}

func (s *Session) Topic() string { return s.topic }

func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Session) Text() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.String()
}

func (s *Session) Field(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.doc.Field(key)
}

func (s *Session) Peers() []presence.Entry { return s.presence.List() }

func (s *Session) OnEvent(h func(Event)) func() {
	return register(s, s.eventHandlers, h)
}

func (s *Session) OnState(h func(State)) func() {
	return register(s, s.stateHandlers, h)
}

func (s *Session) OnPeers(h func([]presence.Entry)) func() {
	return register(s, s.peerHandlers, h)
}

func register[H any](s *Session, m map[int]H, h H) func() {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	id := s.nextID
	s.nextID++
	m[id] = h
	return func() {
		s.hmu.Lock()
		delete(m, id)
		s.hmu.Unlock()
	}
}

func snapshotHandlers[H any](s *Session, m map[int]H) []H {
	s.hmu.Lock()
	defer s.hmu.Unlock()
	out := make([]H, 0, len(m))
	for id := 0; id < s.nextID; id++ {
		if h, ok := m[id]; ok {
			out = append(out, h)
		}
	}
	return out
}

func (s *Session) Insert(index int, text string) error {
	return s.local(func(d *crdt.Doc) (crdt.Delta, crdt.Change) { return d.Insert(index, text) })
}

func (s *Session) Delete(index, count int) error {
	return s.local(func(d *crdt.Doc) (crdt.Delta, crdt.Change) { return d.Delete(index, count) })
}

func (s *Session) SetField(key, value string) error {
	return s.local(func(d *crdt.Doc) (crdt.Delta, crdt.Change) { return d.SetField(key, value) })
}

// local applies an edit and broadcasts its delta immediately. While the
// transport is down the delta is queued there, not here.
func (s *Session) local(edit func(*crdt.Doc) (crdt.Delta, crdt.Change)) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return transport.ErrClosed
	}
	d, ch := edit(s.doc)
	s.mu.Unlock()
	if d.Empty() {
		return nil
	}
	raw, err := crdt.EncodeDelta(d)
	if err != nil {
		return err
	}
	s.emit(Event{Origin: OriginLocal, Change: ch})
	return s.tr.Send(s.topic, protocol.Update{Delta: raw, Origin: s.user})
}

// SetCursor publishes the local presence entry.
func (s *Session) SetCursor(cursor json.RawMessage) error {
	e := s.presence.SetLocal(s.name, cursor)
	return s.tr.Send(s.topic, protocol.PresenceUpdate{Entry: e})
}

// Close is terminal: it releases the local presence entry, unsubscribes and
// detaches from the transport. The transport itself is left running.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.state = StateClosed
	s.mu.Unlock()

	s.offMsg()
	s.offStatus()
	removal := s.presence.RemoveLocal()
	_ = s.tr.Send(s.topic, protocol.PresenceUpdate{Entry: removal})
	err := s.tr.Unsubscribe(s.topic)
	s.emitState(StateClosed)
	return err
}

func (s *Session) handleStatus(st transport.Status) {
	var next State
	switch st {
	case transport.StatusError:
		next = StateError
	case transport.StatusConnecting:
		next = StateConnecting
	case transport.StatusClosed:
		next = StateError
	default:
		// open: stay connecting until the sync arrives
		return
	}
	s.setState(next)
}

func (s *Session) setState(next State) {
	s.mu.Lock()
	if s.closed || s.state == next {
		s.mu.Unlock()
		return
	}
	s.state = next
	s.mu.Unlock()
	s.emitState(next)
}

func (s *Session) handleFrame(f protocol.Frame) {
	if f.Topic != s.topic {
		return
	}
	switch m := f.Message.(type) {
	case protocol.Sync:
		s.handleSync(m)
	case protocol.Update:
		s.handleUpdate(m)
	case protocol.PresenceUpdate:
		if s.presence.Apply(m.Entry) {
			s.emitPeers()
		}
	case protocol.Join:
		if _, ok := s.presence.Get(m.UserID); !ok && m.UserID != s.user {
			s.presence.Put(presence.Entry{UserID: m.UserID, Name: m.Name, Color: presence.ColorFor(m.UserID)})
			s.emitPeers()
		}
	case protocol.Leave:
		s.presence.Forget(m.UserID)
		s.emitPeers()
	case protocol.SnapshotRequest:
		go s.answerSnapshot()
	case protocol.Error:
		s.log.Warn().Str("code", m.Code).Str("message", m.Message).Msg("server error")
	}
}

// handleSync bootstraps from the server's snapshot on the first sync and
// merges on every later one. Edits made before the first sync survive the
// bootstrap: they are folded into the new state.
func (s *Session) handleSync(m protocol.Sync) {
	var snap crdt.Delta
	if len(m.Snapshot) > 0 {
		var err error
		snap, err = crdt.DecodeSnapshot(m.Snapshot)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping sync with bad snapshot")
			return
		}
	}
	deltas := make([]crdt.Delta, 0, len(m.Deltas))
	for _, raw := range m.Deltas {
		d, err := crdt.DecodeDelta(raw)
		if err != nil {
			s.log.Warn().Err(err).Msg("dropping bad delta in sync")
			continue
		}
		deltas = append(deltas, d)
	}

	var events []Event
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	if !s.bootstrapped {
		s.bootstrapped = true
		local := s.doc.Snapshot()
		s.doc = crdt.NewDoc(s.doc.Site())
		s.doc.Apply(snap)
		s.doc.Apply(local)
		for _, d := range deltas {
			s.doc.Apply(d)
		}
		events = append(events, Event{Origin: OriginRemote, Reset: true})
	} else {
		for _, d := range append([]crdt.Delta{snap}, deltas...) {
			if ch := s.doc.Apply(d); !ch.Empty() {
				events = append(events, Event{Origin: OriginRemote, Change: ch})
			}
		}
	}
	if m.Revision > s.revision {
		s.revision = m.Revision
	}
	transition := s.state != StateSynced
	s.state = StateSynced
	s.mu.Unlock()

	for _, e := range m.Roster {
		s.presence.Apply(e)
	}
	for _, ev := range events {
		s.emit(ev)
	}
	if transition {
		s.emitState(StateSynced)
	}

	local := s.presence.SetLocal(s.name, nil)
	if err := s.tr.Send(s.topic, protocol.PresenceUpdate{Entry: local}); err != nil {
		s.log.Debug().Err(err).Msg("presence publish failed")
	}
	s.emitPeers()
}

func (s *Session) handleUpdate(m protocol.Update) {
	d, err := crdt.DecodeDelta(m.Delta)
	if err != nil {
		s.log.Warn().Err(err).Str("origin", m.Origin).Msg("dropping malformed update")
		return
	}
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	ch := s.doc.Apply(d)
	if m.Revision > s.revision {
		s.revision = m.Revision
	}
	s.mu.Unlock()
	if !ch.Empty() {
		s.emit(Event{Origin: OriginRemote, Change: ch})
	}
}

// answerSnapshot replies to a compaction request. Nothing waits on it; a
// failure is only logged.
func (s *Session) answerSnapshot() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	raw, err := crdt.EncodeSnapshot(s.doc)
	rev := s.revision
	s.mu.Unlock()
	if err != nil {
		s.log.Warn().Err(err).Msg("encode snapshot")
		return
	}
	if err := s.tr.Send(s.topic, protocol.Snapshot{Snapshot: raw, Revision: rev}); err != nil {
		s.log.Debug().Err(err).Msg("snapshot reply not sent")
	}
}

func (s *Session) emit(ev Event) {
	for _, h := range snapshotHandlers(s, s.eventHandlers) {
		h(ev)
	}
}

func (s *Session) emitState(st State) {
	for _, h := range snapshotHandlers(s, s.stateHandlers) {
		h(st)
	}
}

func (s *Session) emitPeers() {
	peers := s.presence.List()
	for _, h := range snapshotHandlers(s, s.peerHandlers) {
		h(peers)
	}
}
