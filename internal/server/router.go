package server

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MarcoPoloResearchLab/deploysync/internal/relay"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const defaultRelayPath = "/ws"

var errMissingHub = errors.New("relay hub dependency required")

// Dependencies describes what the relay HTTP surface needs.
type Dependencies struct {
	Hub            *relay.Hub
	RelayPath      string
	AllowedOrigins []string
	Logger         *zap.Logger
}

// NewHTTPHandler builds the relay router: the websocket endpoint plus read-only views of
// relay state.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.Hub == nil {
		return nil, errMissingHub
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	relayPath := strings.TrimSpace(deps.RelayPath)
	if relayPath == "" {
		relayPath = defaultRelayPath
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(corsMiddleware(deps.AllowedOrigins))

	handler := &httpHandler{
		hub:            deps.Hub,
		allowedOrigins: normalizeOrigins(deps.AllowedOrigins),
		logger:         logger,
	}
	handler.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin:     handler.checkOrigin,
	}

	router.GET(relayPath, handler.handleConnect)
	router.GET("/healthz", handler.handleHealth)
	router.GET("/deployments/:id/presence", handler.handlePresence)
	router.GET("/deployments/:id/state", handler.handleState)

	return router, nil
}

func corsMiddleware(allowedOrigins []string) gin.HandlerFunc {
	config := cors.Config{
		AllowMethods: []string{http.MethodGet, http.MethodOptions},
		AllowHeaders: []string{"Content-Type"},
		MaxAge:       12 * time.Hour,
	}
	origins := normalizeOrigins(allowedOrigins)
	if len(origins) == 0 {
		config.AllowAllOrigins = true
	} else {
		config.AllowOrigins = origins
	}
	return cors.New(config)
}

func normalizeOrigins(origins []string) []string {
	result := make([]string, 0, len(origins))
	for _, origin := range origins {
		for _, part := range strings.Split(origin, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				result = append(result, trimmed)
			}
		}
	}
	return result
}

type httpHandler struct {
	hub            *relay.Hub
	allowedOrigins []string
	upgrader       websocket.Upgrader
	logger         *zap.Logger
}

// checkOrigin admits requests without an Origin header and, when no allow-list is
// configured, every origin.
func (h *httpHandler) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || len(h.allowedOrigins) == 0 {
		return true
	}
	for _, allowed := range h.allowedOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

func (h *httpHandler) handleConnect(c *gin.Context) {
	socket, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	if _, err := h.hub.Attach(socket); err != nil {
		h.logger.Warn("websocket attach failed", zap.Error(err))
	}
}

func (h *httpHandler) handleHealth(c *gin.Context) {
	peers, err := h.hub.PeerCount(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok", "peers": peers})
}

func (h *httpHandler) handlePresence(c *gin.Context) {
	deploymentID := strings.TrimSpace(c.Param("id"))
	collaborators, err := h.hub.Presence(c.Request.Context(), deploymentID)
	if err != nil {
		h.logger.Warn("presence query failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay_unavailable"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"deploymentId": deploymentID, "collaborators": collaborators})
}

func (h *httpHandler) handleState(c *gin.Context) {
	deploymentID := strings.TrimSpace(c.Param("id"))
	frame, found, err := h.hub.LastState(c.Request.Context(), deploymentID)
	if err != nil {
		h.logger.Warn("state query failed", zap.Error(err))
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "relay_unavailable"})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
		return
	}
	c.Data(http.StatusOK, "application/json", frame)
}
