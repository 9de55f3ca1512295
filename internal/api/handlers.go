package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"github.com/labring/sealos-tty-agent/internal/config"
	"github.com/labring/sealos-tty-agent/internal/gateway"
	"github.com/labring/sealos-tty-agent/internal/metrics"
	"github.com/labring/sealos-tty-agent/internal/ticket"
)

// Envelope margin on top of the kubeconfig limit for the rest of the
// ticket request body.
const bodyMargin = 16 << 10

// Handlers holds the HTTP surface dependencies.
type Handlers struct {
	cfg     *config.Config
	logger  *logrus.Logger
	tickets *ticket.Store
	metrics *metrics.Metrics
	gw      *gateway.Gateway
}

// NewHandlers creates a new handlers instance.
func NewHandlers(cfg *config.Config, logger *logrus.Logger, tickets *ticket.Store, m *metrics.Metrics, gw *gateway.Gateway) *Handlers {
	return &Handlers{
		cfg:     cfg,
		logger:  logger,
		tickets: tickets,
		metrics: m,
		gw:      gw,
	}
}

// Router assembles the gin engine with all routes and middleware.
func (h *Handlers) Router() *gin.Engine {
	if h.cfg.Debug {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	r := gin.New()
	r.Use(gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		h.logger.WithField("panic", recovered).Error("Handler panicked")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"ok": false, "error": "Internal server error."})
	}))
	r.Use(h.corsMiddleware())
	if h.cfg.Debug {
		r.Use(h.requestLogger())
	}

	r.GET("/", h.Health)
	r.POST("/ws-ticket", h.CreateTicket)
	r.GET("/exec", h.gw.HandleExec)
	if h.metrics != nil {
		r.GET("/metrics", gin.WrapH(h.metrics.Handler()))
	}
	return r
}

func (h *Handlers) corsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "content-type")
		c.Header("Access-Control-Max-Age", "600")
		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (h *Handlers) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		h.logger.WithFields(logrus.Fields{
			"method":   c.Request.Method,
			"path":     c.Request.URL.Path,
			"status":   c.Writer.Status(),
			"duration": time.Since(start).Round(time.Microsecond).String(),
		}).Debug("HTTP request")
	}
}

// Health answers the health probe.
func (h *Handlers) Health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"name": "sealos-tty-agent", "ok": true})
}

type ticketRequest struct {
	Kubeconfig string   `json:"kubeconfig"`
	Namespace  string   `json:"namespace"`
	Pod        string   `json:"pod"`
	Container  *string  `json:"container"`
	Command    []string `json:"command"`
}

// CreateTicket validates a ticket request and issues a single-use ticket.
func (h *Handlers) CreateTicket(c *gin.Context) {
	maxBody := int64(h.cfg.WsTicketMaxKubeconfigBytes) + bodyMargin
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBody)

	decoder := json.NewDecoder(c.Request.Body)
	decoder.DisallowUnknownFields()

	var req ticketRequest
	if err := decoder.Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			c.JSON(http.StatusRequestEntityTooLarge, gin.H{"ok": false, "error": "Payload too large."})
			return
		}
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "Invalid JSON body."})
		return
	}

	kubeconfig := strings.TrimSpace(req.Kubeconfig)
	if kubeconfig == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "kubeconfig is required."})
		return
	}
	if len(kubeconfig) > h.cfg.WsTicketMaxKubeconfigBytes {
		c.JSON(http.StatusRequestEntityTooLarge, gin.H{"ok": false, "error": "kubeconfig too large."})
		return
	}

	namespace := strings.TrimSpace(req.Namespace)
	if namespace == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "namespace is required."})
		return
	}
	pod := strings.TrimSpace(req.Pod)
	if pod == "" {
		c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "pod is required."})
		return
	}

	var container string
	if req.Container != nil {
		container = strings.TrimSpace(*req.Container)
		if container == "" {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "container must be non-empty when present."})
			return
		}
	}

	var command []string
	if req.Command != nil {
		if len(req.Command) == 0 {
			c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "command must be non-empty when present."})
			return
		}
		command = make([]string, 0, len(req.Command))
		for _, arg := range req.Command {
			arg = strings.TrimSpace(arg)
			if arg == "" {
				c.JSON(http.StatusBadRequest, gin.H{"ok": false, "error": "command entries must be non-empty."})
				return
			}
			command = append(command, arg)
		}
	}

	id, expiresAt := h.tickets.Issue(kubeconfig, ticket.Target{
		Namespace: namespace,
		Pod:       pod,
		Container: container,
		Command:   command,
	}, ticket.Meta{
		RemoteAddr: c.ClientIP(),
		UserAgent:  c.Request.UserAgent(),
	})
	if h.metrics != nil {
		h.metrics.TicketsIssued.Inc()
	}

	h.logger.WithFields(logrus.Fields{
		"namespace":   namespace,
		"pod":         pod,
		"remote_addr": c.ClientIP(),
	}).Info("Ticket issued")

	c.JSON(http.StatusOK, gin.H{
		"ok":        true,
		"ticket":    id,
		"expiresAt": expiresAt.UnixMilli(),
	})
}
