package handlers

import (
	"net/http"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/services"
	"github.com/reelsmith/reelsmith-backend/internal/sse"
)

type SSEHandler struct {
	log      *logger.Logger
	hub      *sse.SSEHub
	projects services.ProjectService

	mu      sync.RWMutex
	clients map[uuid.UUID]*sse.SSEClient // key: client ID handed back to the caller
}

func NewSSEHandler(log *logger.Logger, hub *sse.SSEHub, projects services.ProjectService) *SSEHandler {
	return &SSEHandler{
		log:      log.With("handler", "SSEHandler"),
		hub:      hub,
		projects: projects,
		clients:  make(map[uuid.UUID]*sse.SSEClient),
	}
}

// SSEStream opens the event stream. An optional ?project=<id> subscribes the
// connection immediately; more channels can be added via SSESubscribe using
// the client id echoed in the first event.
func (h *SSEHandler) SSEStream(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	client := h.hub.NewSSEClient(userID)

	if raw := c.Query("project"); raw != "" {
		projectID, err := uuid.Parse(raw)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid project id"})
			return
		}
		if _, err := h.projects.Get(c.Request.Context(), userID, projectID); err != nil {
			RespondServiceError(c, err)
			return
		}
		h.hub.AddChannel(client, services.ProjectChannel(projectID))
	}

	h.mu.Lock()
	h.clients[client.ID] = client
	h.mu.Unlock()

	h.log.Info("SSE stream open", "user_id", userID, "client_id", client.ID)

	// first event tells the caller its client id for subscribe calls
	client.Outbound <- sse.SSEMessage{
		Channel: "system",
		Event:   sse.SSEEventConnected,
		Data:    gin.H{"client_id": client.ID},
	}

	h.hub.ServeHTTP(c.Writer, c.Request, client)

	h.mu.Lock()
	delete(h.clients, client.ID)
	h.mu.Unlock()
	h.hub.CloseClient(client)
}

func (h *SSEHandler) SSESubscribe(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req struct {
		ClientID  uuid.UUID `json:"client_id"`
		ProjectID uuid.UUID `json:"project_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == uuid.Nil || req.ProjectID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and project_id required"})
		return
	}
	if _, err := h.projects.Get(c.Request.Context(), userID, req.ProjectID); err != nil {
		RespondServiceError(c, err)
		return
	}

	h.mu.RLock()
	client, exists := h.clients[req.ClientID]
	h.mu.RUnlock()
	if !exists || client.UserID != userID {
		c.JSON(http.StatusConflict, gin.H{"error": "no active SSE connection for this client"})
		return
	}

	channel := services.ProjectChannel(req.ProjectID)
	h.hub.AddChannel(client, channel)
	c.JSON(http.StatusOK, gin.H{"message": "subscribed", "channel": channel})
}

func (h *SSEHandler) SSEUnsubscribe(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}

	var req struct {
		ClientID  uuid.UUID `json:"client_id"`
		ProjectID uuid.UUID `json:"project_id"`
	}
	if err := c.ShouldBindJSON(&req); err != nil || req.ClientID == uuid.Nil || req.ProjectID == uuid.Nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "client_id and project_id required"})
		return
	}

	h.mu.RLock()
	client, exists := h.clients[req.ClientID]
	h.mu.RUnlock()
	if !exists || client.UserID != userID {
		c.JSON(http.StatusConflict, gin.H{"error": "no active SSE connection for this client"})
		return
	}

	channel := services.ProjectChannel(req.ProjectID)
	h.hub.RemoveChannel(client, channel)
	c.JSON(http.StatusOK, gin.H{"message": "unsubscribed", "channel": channel})
}
