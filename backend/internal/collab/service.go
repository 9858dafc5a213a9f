// Package collab holds the server's authoritative copy of every shared
// document and scene: the merged state, the update log new joiners replay,
// and snapshot compaction.
package collab

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"collabServer/backend/internal/clock"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/store"
)

const DefaultCompactThreshold = 256

var (
	ErrUnknownObjectKind = errors.New("unknown object kind")
	ErrFutureRevision    = errors.New("snapshot revision ahead of server")
)

// SnapshotStore persists compacted object state. LatestSnapshot returns
// store.ErrNotFound when the object was never saved.
type SnapshotStore interface {
	LatestSnapshot(ctx context.Context, topic string) (data []byte, rev uint64, err error)
	SaveSnapshot(ctx context.Context, topic string, rev uint64, data []byte) error
}

type Options struct {
	// CompactThreshold is the log length at which a snapshot is requested
	// from a peer. At four times the threshold the server compacts itself.
	CompactThreshold int
	MaxConcurrent    int
	Clock            clock.Clock
	Logger           zerolog.Logger
}

// Applied describes an accepted update.
type Applied struct {
	UpdateID string
	Revision uint64
	// Duplicate is set when the update changed nothing; it is neither
	// logged nor worth fanning out.
	Duplicate bool
	// RequestSnapshot asks the caller to send a snapshot-request to the
	// submitting peer.
	RequestSnapshot bool
}

type logEntry struct {
	rev    uint64
	update []byte
}

type objectState struct {
	mu        sync.Mutex
	kind      string
	replica   replica
	base      []byte
	baseRev   uint64
	revision  uint64
	log       []logEntry
	requested bool
	persisted uint64
}

type Service struct {
	mu      sync.RWMutex
	objects map[string]*objectState
	loads   singleflight.Group

	store     SnapshotStore
	events    EventSink
	sem       *Semaphore
	threshold int
	clk       clock.Clock
	log       zerolog.Logger
}

// NewService wires the object service. store and events may be nil.
func NewService(snapshots SnapshotStore, events EventSink, opts Options) *Service {
	if opts.CompactThreshold <= 0 {
		opts.CompactThreshold = DefaultCompactThreshold
	}
	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}
	return &Service{
		objects:   make(map[string]*objectState),
		store:     snapshots,
		events:    events,
		sem:       NewSemaphore(opts.MaxConcurrent),
		threshold: opts.CompactThreshold,
		clk:       opts.Clock,
		log:       opts.Logger.With().Str("component", "collab").Logger(),
	}
}

func (s *Service) object(ctx context.Context, topic string) (*objectState, error) {
	kind, _, ok := protocol.ParseTopic(topic)
	if !ok || (kind != protocol.KindDoc && kind != protocol.KindScene) {
		return nil, fmt.Errorf("%w: %q", ErrUnknownObjectKind, topic)
	}
	s.mu.RLock()
	obj := s.objects[topic]
	s.mu.RUnlock()
	if obj != nil {
		return obj, nil
	}

	v, err, _ := s.loads.Do(topic, func() (any, error) {
		s.mu.RLock()
		obj := s.objects[topic]
		s.mu.RUnlock()
		if obj != nil {
			return obj, nil
		}
		obj, err := s.load(ctx, topic, kind)
		if err != nil {
			return nil, err
		}
		s.mu.Lock()
		s.objects[topic] = obj
		s.mu.Unlock()
		return obj, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*objectState), nil
}

func (s *Service) load(ctx context.Context, topic, kind string) (*objectState, error) {
	rep, err := newReplica(kind)
	if err != nil {
		return nil, err
	}
	obj := &objectState{kind: kind, replica: rep}
	if s.store == nil {
		return obj, nil
	}
	data, rev, err := s.store.LatestSnapshot(ctx, topic)
	switch {
	case errors.Is(err, store.ErrNotFound):
		return obj, nil
	case err != nil:
		return nil, fmt.Errorf("load %s: %w", topic, err)
	}
	if err := rep.merge(data); err != nil {
		return nil, fmt.Errorf("load %s: %w", topic, err)
	}
	obj.base = data
	obj.baseRev = rev
	obj.revision = rev
	obj.persisted = rev
	s.log.Debug().Str("topic", topic).Uint64("rev", rev).Msg("snapshot loaded")
	return obj, nil
}

// Join returns what a newly subscribed peer needs to catch up: the last
// compacted snapshot and every update logged since, in revision order.
func (s *Service) Join(ctx context.Context, topic string) (protocol.Sync, error) {
	obj, err := s.object(ctx, topic)
	if err != nil {
		return protocol.Sync{}, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	deltas := make([][]byte, 0, len(obj.log))
	for _, e := range obj.log {
		deltas = append(deltas, e.update)
	}
	return protocol.Sync{Snapshot: obj.base, Deltas: deltas, Revision: obj.revision}, nil
}

// Submit merges one update into the object. Rejected updates leave the
// state untouched.
func (s *Service) Submit(ctx context.Context, topic, authorID string, update []byte) (Applied, error) {
	if err := s.sem.Acquire(ctx); err != nil {
		return Applied{}, err
	}
	defer func() { _ = s.sem.Release() }()

	obj, err := s.object(ctx, topic)
	if err != nil {
		return Applied{}, err
	}

	obj.mu.Lock()
	changed, err := obj.replica.apply(update)
	if err != nil {
		obj.mu.Unlock()
		return Applied{}, fmt.Errorf("apply %s: %w", topic, err)
	}
	if !changed {
		rev := obj.revision
		obj.mu.Unlock()
		return Applied{Revision: rev, Duplicate: true}, nil
	}
	obj.revision++
	obj.log = append(obj.log, logEntry{rev: obj.revision, update: update})
	applied := Applied{UpdateID: ulid.Make().String(), Revision: obj.revision}
	switch {
	case len(obj.log) >= 4*s.threshold:
		if err := s.compactLocked(obj); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("self compaction failed")
		}
	case len(obj.log) >= s.threshold && !obj.requested:
		obj.requested = true
		applied.RequestSnapshot = true
	}
	kind := obj.kind
	obj.mu.Unlock()

	if s.events != nil {
		evt := UpdateEvent{
			EventType: EventUpdateApplied,
			Topic:     topic,
			Kind:      kind,
			UpdateID:  applied.UpdateID,
			Revision:  applied.Revision,
			AuthorID:  authorID,
			Size:      len(update),
			AppliedAt: s.clk.Now(),
		}
		if err := s.events.Enqueue(ctx, evt); err != nil {
			s.log.Warn().Err(err).Str("topic", topic).Msg("update event dropped")
		}
	}
	return applied, nil
}

// SubmitSnapshot takes a peer's answer to a snapshot-request as the cue to
// compact and persist. rev is the last revision the peer had seen. The
// snapshot is only validated: the server replica already holds every
// update it fanned out, and content it never fanned out must stay
// unknown to it until the peer submits it as an update.
func (s *Service) SubmitSnapshot(ctx context.Context, topic string, rev uint64, data []byte) error {
	obj, err := s.object(ctx, topic)
	if err != nil {
		return err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if rev > obj.revision {
		return fmt.Errorf("%w: %d > %d", ErrFutureRevision, rev, obj.revision)
	}
	if err := obj.replica.check(data); err != nil {
		return fmt.Errorf("snapshot %s: %w", topic, err)
	}
	if err := s.compactLocked(obj); err != nil {
		return err
	}
	return s.persistLocked(ctx, topic, obj)
}

// Persist saves the current state if anything changed since the last save.
// Called when the last member of a topic leaves and on shutdown.
func (s *Service) Persist(ctx context.Context, topic string) error {
	s.mu.RLock()
	obj := s.objects[topic]
	s.mu.RUnlock()
	if obj == nil {
		return nil
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	if obj.revision == obj.persisted {
		return nil
	}
	if err := s.compactLocked(obj); err != nil {
		return err
	}
	return s.persistLocked(ctx, topic, obj)
}

// PersistAll saves every loaded object, continuing past failures.
func (s *Service) PersistAll(ctx context.Context) error {
	s.mu.RLock()
	topics := make([]string, 0, len(s.objects))
	for t := range s.objects {
		topics = append(topics, t)
	}
	s.mu.RUnlock()
	var errs []error
	for _, t := range topics {
		if err := s.Persist(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// compactLocked replaces the log with a snapshot of the merged replica,
// which already covers every logged update.
func (s *Service) compactLocked(obj *objectState) error {
	snap, err := obj.replica.snapshot()
	if err != nil {
		return err
	}
	obj.base = snap
	obj.baseRev = obj.revision
	obj.log = nil
	obj.requested = false
	return nil
}

func (s *Service) persistLocked(ctx context.Context, topic string, obj *objectState) error {
	if s.store == nil {
		return nil
	}
	if err := s.store.SaveSnapshot(ctx, topic, obj.baseRev, obj.base); err != nil {
		return fmt.Errorf("persist %s@%d: %w", topic, obj.baseRev, err)
	}
	obj.persisted = obj.baseRev
	s.log.Info().Str("topic", topic).Uint64("rev", obj.baseRev).Int("bytes", len(obj.base)).Msg("snapshot saved")
	return nil
}

func (s *Service) Revision(topic string) uint64 {
	s.mu.RLock()
	obj := s.objects[topic]
	s.mu.RUnlock()
	if obj == nil {
		return 0
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	return obj.revision
}

// Text returns a document's current text and revision.
func (s *Service) Text(ctx context.Context, topic string) (string, uint64, error) {
	obj, err := s.object(ctx, topic)
	if err != nil {
		return "", 0, err
	}
	obj.mu.Lock()
	defer obj.mu.Unlock()
	doc, ok := obj.replica.(*docReplica)
	if !ok {
		return "", 0, fmt.Errorf("%w: %q has no text", ErrUnknownObjectKind, topic)
	}
	return doc.String(), obj.revision, nil
}
