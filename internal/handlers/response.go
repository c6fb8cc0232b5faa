package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/reelsmith/reelsmith-backend/internal/services"
)

var errInvalidID = errors.New("invalid id in path")

type APIError struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type ErrorEnvelope struct {
	Error APIError `json:"error"`
}

func RespondError(c *gin.Context, status int, code string, err error) {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	c.JSON(status, ErrorEnvelope{
		Error: APIError{
			Message: msg,
			Code:    code,
		},
	})
}

func RespondOK(c *gin.Context, payload any) {
	c.JSON(http.StatusOK, payload)
}

// RespondServiceError maps the service failure taxonomy onto HTTP statuses.
func RespondServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrNotFound):
		RespondError(c, http.StatusNotFound, "not_found", err)
	case errors.Is(err, services.ErrForbidden):
		RespondError(c, http.StatusForbidden, "forbidden", err)
	case errors.Is(err, services.ErrAmbiguous):
		RespondError(c, http.StatusUnprocessableEntity, "ambiguous_request", err)
	case errors.Is(err, services.ErrSceneLocked):
		RespondError(c, http.StatusConflict, "scene_locked", err)
	case errors.Is(err, services.ErrCascadeIntegrityViolation):
		RespondError(c, http.StatusConflict, "project_busy", err)
	default:
		RespondError(c, http.StatusInternalServerError, "internal", err)
	}
}
