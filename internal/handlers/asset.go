package handlers

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reelsmith/reelsmith-backend/internal/logger"
	"github.com/reelsmith/reelsmith-backend/internal/services"
)

type AssetHandler struct {
	log      *logger.Logger
	assets   services.AssetService
	projects services.ProjectService
}

func NewAssetHandler(log *logger.Logger, assets services.AssetService, projects services.ProjectService) *AssetHandler {
	return &AssetHandler{
		log:      log.With("handler", "AssetHandler"),
		assets:   assets,
		projects: projects,
	}
}

// Register is the upload service's callback: file already stored, metadata
// arrives here.
func (h *AssetHandler) Register(c *gin.Context) {
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
		URL          string   `json:"url"`
		Type         string   `json:"type"`
		OriginalName string   `json:"original_name"`
		Hash         string   `json:"hash"`
		Tags         []string `json:"tags"`
	}
	if err := c.ShouldBindJSON(&req); err != nil {
		RespondError(c, http.StatusBadRequest, "bad_request", err)
		return
	}

	asset, err := h.assets.Register(c.Request.Context(), services.RegisterAssetInput{
		ProjectID:    projectID,
		URL:          req.URL,
		Type:         req.Type,
		OriginalName: req.OriginalName,
		Hash:         req.Hash,
		Tags:         req.Tags,
	})
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	c.JSON(http.StatusCreated, asset)
}

func (h *AssetHandler) List(c *gin.Context) {
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
	assets, err := h.assets.List(c.Request.Context(), projectID)
	if err != nil {
		RespondServiceError(c, err)
		return
	}
	RespondOK(c, gin.H{"assets": assets})
}
