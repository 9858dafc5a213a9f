package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gin-gonic/gin"
	redis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"collabServer/backend/internal/chat"
	"collabServer/backend/internal/httpapi/middleware"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/store"
)

type memMessages struct {
	mu        sync.Mutex
	seq       int
	msgs      []protocol.ChatMessage
	reactions map[protocol.Reaction]bool
	fail      error
}

func (m *memMessages) Create(_ context.Context, channelID, authorID, content string, att []protocol.Attachment) (protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail != nil {
		return protocol.ChatMessage{}, m.fail
	}
	m.seq++
	msg := protocol.ChatMessage{ID: fmt.Sprintf("m%d", m.seq), ChannelID: channelID, AuthorID: authorID, Content: content, Attachments: att}
	m.msgs = append(m.msgs, msg)
	return msg, nil
}

func (m *memMessages) find(channelID, id string) (int, error) {
	for i, msg := range m.msgs {
		if msg.ChannelID == channelID && msg.ID == id {
			return i, nil
		}
	}
	return -1, store.ErrNotFound
}

func (m *memMessages) Edit(_ context.Context, channelID, id, authorID, content string) (protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(channelID, id)
	if err != nil {
		return protocol.ChatMessage{}, err
	}
	if m.msgs[i].AuthorID != authorID {
		return protocol.ChatMessage{}, store.ErrForbidden
	}
	m.msgs[i].Content = content
	return m.msgs[i], nil
}

func (m *memMessages) Delete(_ context.Context, channelID, id, authorID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	i, err := m.find(channelID, id)
	if err != nil {
		return err
	}
	if m.msgs[i].AuthorID != authorID {
		return store.ErrForbidden
	}
	m.msgs = append(m.msgs[:i], m.msgs[i+1:]...)
	return nil
}

func (m *memMessages) List(_ context.Context, channelID, _ string, limit int) ([]protocol.ChatMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []protocol.ChatMessage
	for _, msg := range m.msgs {
		if msg.ChannelID == channelID && len(out) < limit {
			out = append(out, msg)
		}
	}
	return out, nil
}

func (m *memMessages) AddReaction(_ context.Context, rc protocol.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, err := m.find(rc.ChannelID, rc.MessageID); err != nil {
		return err
	}
	m.reactions[rc] = true
	return nil
}

func (m *memMessages) RemoveReaction(_ context.Context, rc protocol.Reaction) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.reactions, rc)
	return nil
}

type memReads struct {
	mu    sync.Mutex
	marks map[string]time.Time
}

func (r *memReads) MarkRead(_ context.Context, channelID, userID string, at time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.marks[channelID+"/"+userID] = at
	return nil
}

func (r *memReads) Unread(_ context.Context, channelID, userID string) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.marks[channelID+"/"+userID]; ok {
		return 0, nil
	}
	return 3, nil
}

type fixture struct {
	router *gin.Engine
	msgs   *memMessages
	reads  *memReads
	events chan protocol.Frame
}

// newFixture wires the handlers to a real event bus on miniredis and
// collects every published event.
func newFixture(t *testing.T) *fixture {
	gin.SetMode(gin.TestMode)
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	bus := chat.NewBus(rdb, "", zerolog.Nop())

	f := &fixture{
		msgs:   &memMessages{reactions: make(map[protocol.Reaction]bool)},
		reads:  &memReads{marks: make(map[string]time.Time)},
		events: make(chan protocol.Frame, 16),
	}
	ctx, cancel := context.WithCancel(context.Background())
	ready := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		_ = bus.Run(ctx, ready, func(_ string, raw []byte) {
			fr, err := protocol.Decode(raw)
			if err == nil {
				f.events <- fr
			}
		})
	}()
	t.Cleanup(func() { cancel(); <-done })
	<-ready

	h := NewChat(f.msgs, f.reads, bus, zerolog.Nop())
	h.now = func() time.Time { return time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC) }
	r := gin.New()
	r.Use(func(c *gin.Context) {
		c.Set(middleware.UserIDKey, c.GetHeader("X-Test-User"))
		c.Next()
	})
	h.Register(r)
	f.router = r
	return f
}

func (f *fixture) do(method, path, user string, body any) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		_ = json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Test-User", user)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func (f *fixture) event(t *testing.T) protocol.Frame {
	select {
	case fr := <-f.events:
		return fr
	case <-time.After(2 * time.Second):
		t.Fatal("no chat event published")
		return protocol.Frame{}
	}
}

func TestChat_CreateMessagePublishes(t *testing.T) {
	f := newFixture(t)

	w := f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{"content": "Hello"})
	require.Equal(t, http.StatusCreated, w.Code)
	var msg protocol.ChatMessage
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &msg))
	assert.Equal(t, "m1", msg.ID)
	assert.Equal(t, "alice", msg.AuthorID)

	ev := f.event(t)
	assert.Equal(t, "chat:general", ev.Topic)
	created, ok := ev.Message.(protocol.MessageCreated)
	require.True(t, ok)
	assert.Equal(t, msg.ID, created.ID)
	assert.Equal(t, "Hello", created.Content)
}

func TestChat_CreateMessageValidation(t *testing.T) {
	f := newFixture(t)

	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{"content": "   "}).Code)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodPost, "/chat/channels/general/messages", "alice", nil).Code)

	w := f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{
		"attachments": []protocol.Attachment{{ID: "f1", Name: "a.png"}},
	})
	assert.Equal(t, http.StatusCreated, w.Code)

	f.msgs.fail = errors.New("db down")
	w = f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{"content": "x"})
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "INTERNAL")
}

func TestChat_EditAndDeleteAreAuthorOnly(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{"content": "Hello"}).Code)
	f.event(t)

	w := f.do(http.MethodPut, "/chat/channels/general/messages/m1", "bob", map[string]any{"content": "hijack"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPut, "/chat/channels/general/messages/m9", "alice", map[string]any{"content": "x"}).Code)

	w = f.do(http.MethodPut, "/chat/channels/general/messages/m1", "alice", map[string]any{"content": "Hello!"})
	require.Equal(t, http.StatusOK, w.Code)
	updated, ok := f.event(t).Message.(protocol.MessageUpdated)
	require.True(t, ok)
	assert.Equal(t, "Hello!", updated.Content)

	assert.Equal(t, http.StatusForbidden, f.do(http.MethodDelete, "/chat/channels/general/messages/m1", "bob", nil).Code)
	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/chat/channels/general/messages/m1", "alice", nil).Code)
	assert.Equal(t, protocol.MessageDeleted{ID: "m1", ChannelID: "general"}, f.event(t).Message)
}

func TestChat_Reactions(t *testing.T) {
	f := newFixture(t)
	require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{"content": "Hello"}).Code)
	f.event(t)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/chat/channels/general/messages/m1/reactions/%F0%9F%91%8D", "bob", nil).Code)
	added, ok := f.event(t).Message.(protocol.ReactionAdded)
	require.True(t, ok)
	assert.Equal(t, protocol.Reaction{MessageID: "m1", ChannelID: "general", UserID: "bob", Emoji: "👍"}, added.Reaction)

	require.Equal(t, http.StatusNoContent, f.do(http.MethodDelete, "/chat/channels/general/messages/m1/reactions/%F0%9F%91%8D", "bob", nil).Code)
	_, ok = f.event(t).Message.(protocol.ReactionRemoved)
	assert.True(t, ok)
	assert.Empty(t, f.msgs.reactions)

	assert.Equal(t, http.StatusNotFound, f.do(http.MethodPost, "/chat/channels/general/messages/m7/reactions/%F0%9F%91%8D", "bob", nil).Code)
}

func TestChat_ListReadAndUnread(t *testing.T) {
	f := newFixture(t)
	for _, s := range []string{"one", "two", "three"} {
		require.Equal(t, http.StatusCreated, f.do(http.MethodPost, "/chat/channels/general/messages", "alice", map[string]any{"content": s}).Code)
	}

	w := f.do(http.MethodGet, "/chat/channels/general/messages?limit=2", "bob", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var page struct {
		Messages []protocol.ChatMessage `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &page))
	require.Len(t, page.Messages, 2)
	assert.Equal(t, "one", page.Messages[0].Content)
	assert.Equal(t, http.StatusBadRequest, f.do(http.MethodGet, "/chat/channels/general/messages?limit=-1", "bob", nil).Code)

	w = f.do(http.MethodGet, "/chat/channels/empty/messages", "bob", nil)
	assert.JSONEq(t, `{"messages":[]}`, w.Body.String())

	w = f.do(http.MethodGet, "/chat/channels/general/unread", "bob", nil)
	assert.JSONEq(t, `{"count":3}`, w.Body.String())
	require.Equal(t, http.StatusNoContent, f.do(http.MethodPost, "/chat/channels/general/read", "bob", nil).Code)
	assert.Equal(t, time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC), f.reads.marks["general/bob"])
	w = f.do(http.MethodGet, "/chat/channels/general/unread", "bob", nil)
	assert.JSONEq(t, `{"count":0}`, w.Body.String())
}
