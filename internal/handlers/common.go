package handlers

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/veritest/cbt-service/internal/services"
)

// ===== COMMON RESPONSE STRUCTURES =====

type ErrorResponse struct {
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

type SuccessResponse struct {
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

// ===== BASE HANDLER =====

type BaseHandler struct {
	logger *slog.Logger
}

func NewBaseHandler(logger *slog.Logger) BaseHandler {
	return BaseHandler{logger: logger}
}

func (h *BaseHandler) parseIDParam(c *gin.Context, name string) uint {
	raw := c.Param(name)
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil || id == 0 {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid " + name})
		return 0
	}
	return uint(id)
}

// respondWithServiceError maps service errors onto HTTP statuses. The
// user-visible message is always generic; internals go to the log only.
func (h *BaseHandler) respondWithServiceError(c *gin.Context, err error) {
	switch {
	case errors.Is(err, services.ErrValidationFailed):
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request"})
	case errors.Is(err, services.ErrSecurityValidation):
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "request could not be validated"})
	case errors.Is(err, services.ErrAttemptAlreadySubmitted):
		c.JSON(http.StatusForbidden, ErrorResponse{Message: "attempt already submitted"})
	case errors.Is(err, services.ErrAttemptLimitExceeded):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "maximum attempts reached"})
	case errors.Is(err, services.ErrAttemptTimeExpired):
		c.JSON(http.StatusGone, ErrorResponse{Message: "attempt time has expired"})
	case errors.Is(err, services.ErrAttemptNotFinalized):
		c.JSON(http.StatusConflict, ErrorResponse{Message: "attempt is still in progress"})
	case services.IsForbidden(err):
		c.JSON(http.StatusForbidden, ErrorResponse{Message: "forbidden"})
	case services.IsNotFound(err):
		c.JSON(http.StatusNotFound, ErrorResponse{Message: "not found"})
	default:
		h.logger.Error("Unhandled service error",
			"path", c.Request.URL.Path,
			"error", err)
		c.JSON(http.StatusInternalServerError, ErrorResponse{Message: "something went wrong"})
	}
}
