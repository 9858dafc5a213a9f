package collab

import (
	"fmt"

	"collabServer/backend/internal/crdt"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/scene"
)

const serverSite = "server"

// replica is the server's merged copy of one shared object. Merges are
// total: malformed input is rejected before anything changes.
type replica interface {
	apply(update []byte) (changed bool, err error)
	merge(snapshot []byte) error
	// check decodes a snapshot without touching the replica.
	check(snapshot []byte) error
	snapshot() ([]byte, error)
}

func newReplica(kind string) (replica, error) {
	switch kind {
	case protocol.KindDoc:
		return &docReplica{doc: crdt.NewDoc(serverSite), text: crdt.NewPieceTable("")}, nil
	case protocol.KindScene:
		return &sceneReplica{}, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownObjectKind, kind)
}

type docReplica struct {
	doc  *crdt.Doc
	text *crdt.PieceTable
}

func (r *docReplica) apply(update []byte) (bool, error) {
	d, err := crdt.DecodeDelta(update)
	if err != nil {
		return false, err
	}
	return r.fold(d)
}

func (r *docReplica) merge(snapshot []byte) error {
	d, err := crdt.DecodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	_, err = r.fold(d)
	return err
}

func (r *docReplica) check(snapshot []byte) error {
	_, err := crdt.DecodeSnapshot(snapshot)
	return err
}

func (r *docReplica) fold(d crdt.Delta) (bool, error) {
	ch := r.doc.Apply(d)
	if ch.Empty() {
		return false, nil
	}
	if err := r.text.ApplyChange(ch); err != nil {
		// the view drifted from the sequence; rebuild it
		r.text = crdt.NewPieceTable(r.doc.String())
	}
	return true, nil
}

func (r *docReplica) snapshot() ([]byte, error) { return crdt.EncodeSnapshot(r.doc) }

func (r *docReplica) String() string { return r.text.String() }

type sceneReplica struct {
	state scene.State
}

func (r *sceneReplica) apply(update []byte) (bool, error) {
	in, err := scene.DecodeUpdate(update)
	if err != nil {
		return false, err
	}
	var changed bool
	r.state, changed = scene.MergeState(r.state, in)
	return changed, nil
}

func (r *sceneReplica) merge(snapshot []byte) error {
	in, err := scene.DecodeSnapshot(snapshot)
	if err != nil {
		return err
	}
	r.state, _ = scene.MergeState(r.state, in)
	return nil
}

func (r *sceneReplica) check(snapshot []byte) error {
	_, err := scene.DecodeSnapshot(snapshot)
	return err
}

func (r *sceneReplica) snapshot() ([]byte, error) { return scene.EncodeSnapshot(r.state) }
