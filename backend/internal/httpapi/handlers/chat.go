// Package handlers holds the REST endpoints that feed the chat channels.
// Every mutation is persisted first and then fanned out on the event bus.
package handlers

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/httpapi/middleware"
	"collabServer/backend/internal/protocol"
	"collabServer/backend/internal/store"
)

const maxContentLen = 4000

type MessageRepo interface {
	Create(ctx context.Context, channelID, authorID, content string, attachments []protocol.Attachment) (protocol.ChatMessage, error)
	Edit(ctx context.Context, channelID, id, authorID, content string) (protocol.ChatMessage, error)
	Delete(ctx context.Context, channelID, id, authorID string) error
	List(ctx context.Context, channelID, before string, limit int) ([]protocol.ChatMessage, error)
	AddReaction(ctx context.Context, rc protocol.Reaction) error
	RemoveReaction(ctx context.Context, rc protocol.Reaction) error
}

type ReadRepo interface {
	MarkRead(ctx context.Context, channelID, userID string, at time.Time) error
	Unread(ctx context.Context, channelID, userID string) (int64, error)
}

// Publisher fans a chat event out to every server instance.
type Publisher interface {
	Publish(ctx context.Context, channelID string, msg protocol.Message) error
}

type Chat struct {
	msgs  MessageRepo
	reads ReadRepo
	bus   Publisher
	log   zerolog.Logger
	now   func() time.Time
}

func NewChat(msgs MessageRepo, reads ReadRepo, bus Publisher, log zerolog.Logger) *Chat {
	return &Chat{msgs: msgs, reads: reads, bus: bus, log: log.With().Str("component", "chat-api").Logger(), now: time.Now}
}

// Register mounts the chat routes under r. r must already carry the auth
// middleware.
func (h *Chat) Register(r gin.IRouter) {
	ch := r.Group("/chat/channels/:channelId")
	ch.GET("/messages", h.ListMessages)
	ch.POST("/messages", h.CreateMessage)
	ch.PUT("/messages/:messageId", h.EditMessage)
	ch.DELETE("/messages/:messageId", h.DeleteMessage)
	ch.POST("/messages/:messageId/reactions/:emoji", h.AddReaction)
	ch.DELETE("/messages/:messageId/reactions/:emoji", h.RemoveReaction)
	ch.POST("/read", h.MarkRead)
	ch.GET("/unread", h.Unread)
}

type createMessageReq struct {
	Content     string                `json:"content"`
	Attachments []protocol.Attachment `json:"attachments"`
}

type editMessageReq struct {
	Content string `json:"content"`
}

func (h *Chat) ListMessages(c *gin.Context) {
	limit := store.DefaultPageSize
	if s := c.Query("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			badRequest(c, "limit must be a positive integer")
			return
		}
		limit = n
	}
	msgs, err := h.msgs.List(c.Request.Context(), c.Param("channelId"), c.Query("before"), limit)
	if err != nil {
		h.storeError(c, err)
		return
	}
	if msgs == nil {
		msgs = []protocol.ChatMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (h *Chat) CreateMessage(c *gin.Context) {
	var req createMessageReq
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, "invalid body")
		return
	}
	if !validContent(req.Content) && len(req.Attachments) == 0 {
		badRequest(c, "content is empty or too long")
		return
	}
	channelID := c.Param("channelId")
	msg, err := h.msgs.Create(c.Request.Context(), channelID, userID(c), req.Content, req.Attachments)
	if err != nil {
		h.storeError(c, err)
		return
	}
	h.publish(c, channelID, protocol.MessageCreated{ChatMessage: msg})
	c.JSON(http.StatusCreated, msg)
}

func (h *Chat) EditMessage(c *gin.Context) {
	var req editMessageReq
	if err := c.ShouldBindJSON(&req); err != nil || !validContent(req.Content) {
		badRequest(c, "content is empty or too long")
		return
	}
	channelID := c.Param("channelId")
	msg, err := h.msgs.Edit(c.Request.Context(), channelID, c.Param("messageId"), userID(c), req.Content)
	if err != nil {
		h.storeError(c, err)
		return
	}
	h.publish(c, channelID, protocol.MessageUpdated{ChatMessage: msg})
	c.JSON(http.StatusOK, msg)
}

func (h *Chat) DeleteMessage(c *gin.Context) {
	channelID, id := c.Param("channelId"), c.Param("messageId")
	if err := h.msgs.Delete(c.Request.Context(), channelID, id, userID(c)); err != nil {
		h.storeError(c, err)
		return
	}
	h.publish(c, channelID, protocol.MessageDeleted{ID: id, ChannelID: channelID})
	c.Status(http.StatusNoContent)
}

func (h *Chat) AddReaction(c *gin.Context) {
	rc := h.reaction(c)
	if err := h.msgs.AddReaction(c.Request.Context(), rc); err != nil {
		h.storeError(c, err)
		return
	}
	h.publish(c, rc.ChannelID, protocol.ReactionAdded{Reaction: rc})
	c.Status(http.StatusNoContent)
}

func (h *Chat) RemoveReaction(c *gin.Context) {
	rc := h.reaction(c)
	if err := h.msgs.RemoveReaction(c.Request.Context(), rc); err != nil {
		h.storeError(c, err)
		return
	}
	h.publish(c, rc.ChannelID, protocol.ReactionRemoved{Reaction: rc})
	c.Status(http.StatusNoContent)
}

func (h *Chat) MarkRead(c *gin.Context) {
	if err := h.reads.MarkRead(c.Request.Context(), c.Param("channelId"), userID(c), h.now()); err != nil {
		h.storeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (h *Chat) Unread(c *gin.Context) {
	n, err := h.reads.Unread(c.Request.Context(), c.Param("channelId"), userID(c))
	if err != nil {
		h.storeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"count": n})
}

func (h *Chat) reaction(c *gin.Context) protocol.Reaction {
	return protocol.Reaction{
		MessageID: c.Param("messageId"),
		ChannelID: c.Param("channelId"),
		UserID:    userID(c),
		Emoji:     c.Param("emoji"),
	}
}

// publish failures are logged only: the row is already stored and clients
// pick it up from history.
func (h *Chat) publish(c *gin.Context, channelID string, msg protocol.Message) {
	if h.bus == nil {
		return
	}
	if err := h.bus.Publish(c.Request.Context(), channelID, msg); err != nil {
		h.log.Warn().Err(err).Str("channel", channelID).Str("type", msg.MessageType()).Msg("chat event publish failed")
	}
}

func (h *Chat) storeError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, store.ErrNotFound):
		c.AbortWithStatusJSON(http.StatusNotFound, gin.H{"code": "NOT_FOUND", "message": "message not found"})
	case errors.Is(err, store.ErrForbidden):
		c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"code": "FORBIDDEN", "message": "only the author may change a message"})
	default:
		h.log.Error().Err(err).Str("path", c.FullPath()).Msg("chat store failed")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"code": "INTERNAL", "message": "storage error"})
	}
}

func badRequest(c *gin.Context, msg string) {
	c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"code": "BAD_REQUEST", "message": msg})
}

func userID(c *gin.Context) string {
	return c.GetString(middleware.UserIDKey)
}

func validContent(s string) bool {
	s = strings.TrimSpace(s)
	return s != "" && len(s) <= maxContentLen
}
