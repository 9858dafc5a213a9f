package ws

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"collabServer/backend/internal/cache"
	"collabServer/backend/internal/collab"
	"collabServer/backend/internal/protocol"
)

var DefaultAllowedOrigins = []string{
	"http://localhost",
	"http://127.0.0.1",
	"https://localhost",
	"https://127.0.0.1",
}

type Options struct {
	// AllowedOrigins are origin prefixes accepted on upgrade. Requests
	// without an Origin header (or "null") are always accepted.
	AllowedOrigins []string
	PresenceTTL    time.Duration
	SendBuffer     int
	MaxFrameBytes  int64
	SubmitTimeout  time.Duration
	PingInterval   time.Duration
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
}

func (o *Options) defaults() {
	if o.AllowedOrigins == nil {
		o.AllowedOrigins = DefaultAllowedOrigins
	}
	if o.PresenceTTL <= 0 {
		o.PresenceTTL = 60 * time.Second
	}
	if o.SendBuffer <= 0 {
		o.SendBuffer = 64
	}
	if o.MaxFrameBytes <= 0 {
		o.MaxFrameBytes = 8 << 20
	}
	if o.SubmitTimeout <= 0 {
		o.SubmitTimeout = 2 * time.Second
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
}

// ObjectService is what connections need from collab.Service.
type ObjectService interface {
	Join(ctx context.Context, topic string) (protocol.Sync, error)
	Submit(ctx context.Context, topic, authorID string, update []byte) (collab.Applied, error)
	SubmitSnapshot(ctx context.Context, topic string, rev uint64, snapshot []byte) error
	Persist(ctx context.Context, topic string) error
}

type Manager struct {
	hub      *Hub
	svc      ObjectService
	roster   cache.Roster
	opts     Options
	log      zerolog.Logger
	upgrader websocket.Upgrader
}

// NewManager builds the upgrade handler. roster may be nil.
func NewManager(hub *Hub, svc ObjectService, roster cache.Roster, opts Options, log zerolog.Logger) *Manager {
	opts.defaults()
	m := &Manager{hub: hub, svc: svc, roster: roster, opts: opts, log: log.With().Str("component", "ws").Logger()}
	m.upgrader = websocket.Upgrader{CheckOrigin: m.checkOrigin}
	return m
}

func (m *Manager) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || origin == "null" {
		return true
	}
	for _, p := range m.opts.AllowedOrigins {
		if p == "*" || strings.HasPrefix(origin, p) {
			return true
		}
	}
	return false
}

// WebSocketConnect is the gin handler for GET /collab/ws. The auth
// middleware must have set userId and username.
func (m *Manager) WebSocketConnect(c *gin.Context) {
	userID := c.GetString("userId")
	if userID == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"code": "UNAUTHENTICATED", "message": "missing identity"})
		return
	}
	m.Serve(c.Writer, c.Request, userID, c.GetString("username"))
}

// Serve upgrades the request and blocks until the connection ends.
func (m *Manager) Serve(w http.ResponseWriter, r *http.Request, userID, name string) {
	ws, err := m.upgrader.Upgrade(w, r, nil)
	if err != nil {
		m.log.Warn().Err(err).Str("origin", r.Header.Get("Origin")).Msg("websocket upgrade failed")
		return
	}
	conn := newConn(ulid.Make().String(), ws, m, userID, name)
	conn.log.Info().Msg("connected")

	go conn.writeLoop()
	conn.readLoop(r.Context())
	conn.log.Info().Time("lastSeen", conn.LastSeen()).Msg("disconnected")
}
