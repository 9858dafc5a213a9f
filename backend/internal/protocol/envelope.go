package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	ErrMalformed   = errors.New("malformed frame")
	ErrUnknownType = errors.New("unknown frame type")
)

type Envelope struct {
	Type  string          `json:"type"`
	Topic string          `json:"topic,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Frame is a decoded envelope.
type Frame struct {
	Topic   string
	Message Message
}

func Encode(topic string, msg Message) ([]byte, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.MessageType(), err)
	}
	return json.Marshal(Envelope{Type: msg.MessageType(), Topic: topic, Data: data})
}

// Decode parses one frame. Errors wrap ErrMalformed or ErrUnknownType; callers
// drop such frames.
func Decode(b []byte) (Frame, error) {
	var env Envelope
	if err := json.Unmarshal(b, &env); err != nil {
		return Frame{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	msg, err := newMessage(env.Type)
	if err != nil {
		return Frame{}, err
	}
	if len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, msg); err != nil {
			return Frame{}, fmt.Errorf("%w: %s: %v", ErrMalformed, env.Type, err)
		}
	}
	return Frame{Topic: env.Topic, Message: deref(msg)}, nil
}

func newMessage(typ string) (any, error) {
	switch typ {
	case TypeSubscribe:
		return &Subscribe{}, nil
	case TypeUnsubscribe:
		return &Unsubscribe{}, nil
	case TypeSync:
		return &Sync{}, nil
	case TypeUpdate:
		return &Update{}, nil
	case TypePresenceUpdate:
		return &PresenceUpdate{}, nil
	case TypeJoin:
		return &Join{}, nil
	case TypeLeave:
		return &Leave{}, nil
	case TypeSnapshotRequest:
		return &SnapshotRequest{}, nil
	case TypeSnapshot:
		return &Snapshot{}, nil
	case TypeMessage:
		return &MessageCreated{}, nil
	case TypeMessageUpdated:
		return &MessageUpdated{}, nil
	case TypeMessageDeleted:
		return &MessageDeleted{}, nil
	case TypeReactionAdded:
		return &ReactionAdded{}, nil
	case TypeReactionRemoved:
		return &ReactionRemoved{}, nil
	case TypeTyping:
		return &Typing{}, nil
	case TypeError:
		return &Error{}, nil
	case "":
		return nil, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return nil, fmt.Errorf("%w: %q", ErrUnknownType, typ)
}

// deref hands out values, so handlers type-switch on protocol.Update rather
// than *protocol.Update.
func deref(m any) Message {
	switch v := m.(type) {
	case *Subscribe:
		return *v
	case *Unsubscribe:
		return *v
	case *Sync:
		return *v
	case *Update:
		return *v
	case *PresenceUpdate:
		return *v
	case *Join:
		return *v
	case *Leave:
		return *v
	case *SnapshotRequest:
		return *v
	case *Snapshot:
		return *v
	case *MessageCreated:
		return *v
	case *MessageUpdated:
		return *v
	case *MessageDeleted:
		return *v
	case *ReactionAdded:
		return *v
	case *ReactionRemoved:
		return *v
	case *Typing:
		return *v
	case *Error:
		return *v
	}
	return nil
}

const (
	KindDoc   = "doc"
	KindScene = "scene"
	KindChat  = "chat"
)

func DocTopic(id string) string   { return KindDoc + ":" + id }
func SceneTopic(id string) string { return KindScene + ":" + id }
func ChatTopic(id string) string  { return KindChat + ":" + id }

// ParseTopic splits "kind:id". ok is false for unknown kinds or empty ids.
func ParseTopic(topic string) (kind, id string, ok bool) {
	kind, id, found := strings.Cut(topic, ":")
	if !found || id == "" {
		return "", "", false
	}
	switch kind {
	case KindDoc, KindScene, KindChat:
		return kind, id, true
	}
	return "", "", false
}
