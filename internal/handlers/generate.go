package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/services"
)

type GenerateHandler struct {
	log        *logger.Logger
	generation services.GenerationService
	projects   services.ProjectService
}

func NewGenerateHandler(log *logger.Logger, generation services.GenerationService, projects services.ProjectService) *GenerateHandler {
	return &GenerateHandler{
		log:        log.With("handler", "GenerateHandler"),
		generation: generation,
		projects:   projects,
	}
}

// Generate enqueues the request and returns immediately; progress flows over
// the project's SSE channel. A replayed request_id returns the existing run.
func (h *GenerateHandler) Generate(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	projectID, ok := pathUUID(c, "id")
	if !ok {
		RespondError(c, http.StatusBadRequest, "bad_request", errInvalidID)
		return
	}
	if _, err := h.projects.Get(c.Request.Context(), userID, projectID); err != nil {
		RespondServiceError(c, err)
		return
	}

	var req struct {
		RequestID string `json:"request_id"`
		Prompt    string `json:"prompt"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}
	if req.RequestID == "" || req.Prompt == "" {
		RespondError(c, http.StatusBadRequest, "bad_request", errors.New("request_id and prompt are required"))
		return
	}

	run, deduped, err := h.generation.Enqueue(c.Request.Context(), projectID, req.RequestID, req.Prompt)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	status := http.StatusAccepted
	if deduped {
		status = http.StatusOK
	}
	c.JSON(status, gin.H{"run": run, "deduped": deduped})
}

type RunHandler struct {
	log        *logger.Logger
	generation services.GenerationService
	projects   services.ProjectService
}

func NewRunHandler(log *logger.Logger, generation services.GenerationService, projects services.ProjectService) *RunHandler {
	return &RunHandler{
		log:        log.With("handler", "RunHandler"),
		generation: generation,
		projects:   projects,
	}
}

func (h *RunHandler) Get(c *gin.Context) {
	userID, ok := callerID(c)
	if !ok {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "not authenticated"})
		return
	}
	runID, ok := pathUUID(c, "id")
	if !ok {
		RespondError(c, http.StatusBadRequest, "bad_request", errInvalidID)
		return
	}
	run, err := h.generation.GetRun(c.Request.Context(), runID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	// run visibility rides on project ownership
	if _, err := h.projects.Get(c.Request.Context(), userID, run.ProjectID); err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, run)
}
