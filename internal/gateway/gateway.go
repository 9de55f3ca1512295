// Package gateway accepts terminal WebSocket connections and drives each
// one through the session lifecycle: ready, ticket auth, lazy exec start,
// byte piping, close.
package gateway

import (
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/labring/sealos-tty-agent/internal/config"
	"github.com/labring/sealos-tty-agent/internal/metrics"
	"github.com/labring/sealos-tty-agent/internal/terminal"
	"github.com/labring/sealos-tty-agent/internal/ticket"
)

// Gateway owns the WebSocket upgrader, the session registry and the
// heartbeat loop.
type Gateway struct {
	cfg     *config.Config
	logger  *logrus.Logger
	metrics *metrics.Metrics
	tickets *ticket.Store

	upgrader  websocket.Upgrader
	newBridge func(out io.Writer) execBridge

	mu       sync.Mutex
	sessions map[string]*Session
}

// New creates a gateway bound to the given ticket store.
func New(cfg *config.Config, logger *logrus.Logger, m *metrics.Metrics, tickets *ticket.Store) *Gateway {
	g := &Gateway{
		cfg:      cfg,
		logger:   logger,
		metrics:  m,
		tickets:  tickets,
		sessions: make(map[string]*Session),
	}
	g.upgrader = websocket.Upgrader{
		ReadBufferSize:    4096,
		WriteBufferSize:   4096,
		EnableCompression: false,
		CheckOrigin: func(r *http.Request) bool {
			return cfg.OriginAllowed(r.Header.Get("Origin"))
		},
	}
	g.newBridge = func(out io.Writer) execBridge {
		return terminal.NewBridge(out, logger, m)
	}
	return g
}

// HandleExec upgrades GET /exec and services the session until it closes.
func (g *Gateway) HandleExec(c *gin.Context) {
	ws, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		// The upgrader already answered the request (403 on origin
		// mismatch, 400 on a bad handshake).
		g.logger.WithError(err).WithField("origin", c.GetHeader("Origin")).
			Info("WebSocket upgrade rejected")
		return
	}
	ws.SetReadLimit(g.cfg.WsMaxPayload)

	s := &Session{
		id:         uuid.NewString(),
		gateway:    g,
		conn:       newWSConn(ws),
		remoteAddr: c.ClientIP(),
		userAgent:  c.Request.UserAgent(),
		startedAt:  time.Now(),
	}
	s.logger = g.logger.WithFields(logrus.Fields{
		"conn_id":     s.id,
		"remote_addr": s.remoteAddr,
	})
	s.alive.Store(true)
	ws.SetPongHandler(func(string) error {
		s.alive.Store(true)
		return nil
	})

	g.mu.Lock()
	g.sessions[s.id] = s
	count := len(g.sessions)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.SessionsActive.Set(float64(count))
	}

	s.logger.WithField("sessions", count).Info("WebSocket connection accepted")

	s.run(c.Query("ticket"))
}

// RunHeartbeat pings every connection each interval and terminates the
// ones that missed the previous ping. A dead peer is detected within two
// intervals.
func (g *Gateway) RunHeartbeat(ctx context.Context) {
	ticker := time.NewTicker(g.cfg.HeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for _, s := range g.snapshot() {
				if !s.alive.Load() {
					s.logger.Warn("Heartbeat missed, terminating connection")
					s.destroy()
					continue
				}
				s.alive.Store(false)
				if err := s.conn.Ping(); err != nil {
					s.logger.WithError(err).Debug("Heartbeat ping failed")
					s.destroy()
				}
			}
		}
	}
}

// CloseAll terminates every open session; used on shutdown.
func (g *Gateway) CloseAll() {
	for _, s := range g.snapshot() {
		s.closeWith(websocket.CloseGoingAway, "server shutting down", "")
	}
}

// SessionCount returns the number of open sessions.
func (g *Gateway) SessionCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}

func (g *Gateway) snapshot() []*Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

func (g *Gateway) remove(id string) {
	g.mu.Lock()
	delete(g.sessions, id)
	count := len(g.sessions)
	g.mu.Unlock()
	if g.metrics != nil {
		g.metrics.SessionsActive.Set(float64(count))
	}
}
