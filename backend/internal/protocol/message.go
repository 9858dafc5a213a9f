// Package protocol defines the frames exchanged over the duplex channel.
//
// Every frame is a JSON envelope {"type": ..., "topic": ..., "data": {...}}.
// Binary payloads (deltas, snapshots, scene updates) travel as []byte fields,
// which encoding/json writes as base64 text.
package protocol

import (
	"time"

	"collabServer/backend/internal/presence"
)

// Collaboration namespace.
const (
	TypeSync            = "sync"
	TypeUpdate          = "update"
	TypePresenceUpdate  = "presence-update"
	TypeJoin            = "join"
	TypeLeave           = "leave"
	TypeSnapshotRequest = "snapshot-request"
	TypeSnapshot        = "snapshot"
)

// Chat namespace.
const (
	TypeSubscribe       = "subscribe"
	TypeUnsubscribe     = "unsubscribe"
	TypeMessage         = "message"
	TypeMessageUpdated  = "message_updated"
	TypeMessageDeleted  = "message_deleted"
	TypeReactionAdded   = "reaction_added"
	TypeReactionRemoved = "reaction_removed"
	TypeTyping          = "typing"
)

const TypeError = "error"

// Message is implemented by every frame payload.
type Message interface {
	MessageType() string
}

type Subscribe struct{}

type Unsubscribe struct{}

// Sync is the server's answer to a subscribe on a collaboration topic.
type Sync struct {
	Snapshot []byte           `json:"snapshot,omitempty"`
	Deltas   [][]byte         `json:"deltas,omitempty"`
	Roster   []presence.Entry `json:"roster,omitempty"`
	Revision uint64           `json:"revision"`
}

type Update struct {
	Delta    []byte `json:"delta"`
	Origin   string `json:"origin,omitempty"`
	Revision uint64 `json:"revision,omitempty"`
}

type PresenceUpdate struct {
	presence.Entry
}

type Join struct {
	UserID string `json:"userId"`
	Name   string `json:"name,omitempty"`
}

type Leave struct {
	UserID string `json:"userId"`
}

type SnapshotRequest struct {
	Revision uint64 `json:"revision"`
}

// Snapshot is a peer's full-state reply to a SnapshotRequest. Revision is the
// server revision the state includes.
type Snapshot struct {
	Snapshot []byte `json:"snapshot"`
	Revision uint64 `json:"revision"`
}

type Attachment struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
	URL  string `json:"url,omitempty"`
}

type ChatMessage struct {
	ID          string       `json:"id"`
	ChannelID   string       `json:"channelId"`
	AuthorID    string       `json:"authorId"`
	Content     string       `json:"content"`
	Attachments []Attachment `json:"attachments,omitempty"`
	CreatedAt   time.Time    `json:"createdAt"`
	EditedAt    *time.Time   `json:"editedAt,omitempty"`
}

type MessageCreated struct {
	ChatMessage
}

type MessageUpdated struct {
	ChatMessage
}

type MessageDeleted struct {
	ID        string `json:"id"`
	ChannelID string `json:"channelId"`
}

type Reaction struct {
	MessageID string `json:"messageId"`
	ChannelID string `json:"channelId"`
	UserID    string `json:"userId"`
	Emoji     string `json:"emoji"`
}

type ReactionAdded struct {
	Reaction
}

type ReactionRemoved struct {
	Reaction
}

type Typing struct {
	UserID string `json:"userId,omitempty"`
	Typing bool   `json:"typing"`
}

type Error struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func (Subscribe) MessageType() string       { return TypeSubscribe }
func (Unsubscribe) MessageType() string     { return TypeUnsubscribe }
func (Sync) MessageType() string            { return TypeSync }
func (Update) MessageType() string          { return TypeUpdate }
func (PresenceUpdate) MessageType() string  { return TypePresenceUpdate }
func (Join) MessageType() string            { return TypeJoin }
func (Leave) MessageType() string           { return TypeLeave }
func (SnapshotRequest) MessageType() string { return TypeSnapshotRequest }
func (Snapshot) MessageType() string        { return TypeSnapshot }
func (MessageCreated) MessageType() string  { return TypeMessage }
func (MessageUpdated) MessageType() string  { return TypeMessageUpdated }
func (MessageDeleted) MessageType() string  { return TypeMessageDeleted }
func (ReactionAdded) MessageType() string   { return TypeReactionAdded }
func (ReactionRemoved) MessageType() string { return TypeReactionRemoved }
func (Typing) MessageType() string          { return TypeTyping }
func (Error) MessageType() string           { return TypeError }
