package handlers

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/services"
)

type AttemptHandler struct {
	BaseHandler
	attemptService services.AttemptService
	resultService  services.ResultService
}

func NewAttemptHandler(
	attemptService services.AttemptService,
	resultService services.ResultService,
	logger *slog.Logger,
) *AttemptHandler {
	return &AttemptHandler{
		BaseHandler:    NewBaseHandler(logger),
		attemptService: attemptService,
		resultService:  resultService,
	}
}

// StartAttempt starts a new attempt or resumes the student's unexpired one.
func (h *AttemptHandler) StartAttempt(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}

	var req services.StartAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}

	view, err := h.attemptService.Start(c.Request.Context(), &req, user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "attempt ready", Data: view})
}

func (h *AttemptHandler) ResumeAttempt(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	view, err := h.attemptService.Resume(c.Request.Context(), attemptID, user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "attempt resumed", Data: view})
}

// SaveAnswer captures one answer. The client treats this as fire-and-forget
// but gets an acknowledgement so it can retry silently.
func (h *AttemptHandler) SaveAnswer(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	var req services.SaveAnswerRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}
	req.ClientIP = c.ClientIP()

	if err := h.attemptService.SaveAnswer(c.Request.Context(), attemptID, &req, user); err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"success": true})
}

func (h *AttemptHandler) SubmitAttempt(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	var req services.SubmitAttemptRequest
	if err := c.ShouldBindJSON(&req); err != nil && err.Error() != "EOF" {
		c.JSON(http.StatusBadRequest, ErrorResponse{Message: "invalid request body"})
		return
	}
	req.ClientIP = c.ClientIP()

	attempt, err := h.attemptService.Submit(c.Request.Context(), attemptID, &req, user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "attempt submitted", Data: attempt})
}

func (h *AttemptHandler) GetTimeRemaining(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	remaining, err := h.attemptService.TimeRemaining(c.Request.Context(), attemptID, user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"remaining_seconds": remaining})
}

func (h *AttemptHandler) GetResult(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	attemptID := h.parseIDParam(c, "id")
	if attemptID == 0 {
		return
	}

	result, err := h.resultService.GetResult(c.Request.Context(), attemptID, user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, SuccessResponse{Message: "result", Data: result})
}

func (h *AttemptHandler) ListOwnAttempts(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}

	attempts, total, err := h.attemptService.ListOwn(c.Request.Context(), parseAttemptFilters(c), user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "total": total})
}

func parseAttemptFilters(c *gin.Context) repositories.AttemptFilters {
	filters := repositories.AttemptFilters{
		SortBy:    c.Query("sort_by"),
		SortOrder: c.Query("sort_order"),
	}
	if submitted := c.Query("submitted"); submitted != "" {
		value := submitted == "true"
		filters.Submitted = &value
	}
	if limit, err := parseQueryInt(c, "limit"); err == nil {
		filters.Limit = limit
	}
	if offset, err := parseQueryInt(c, "offset"); err == nil {
		filters.Offset = offset
	}
	return filters
}
