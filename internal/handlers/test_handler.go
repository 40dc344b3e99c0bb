package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/veritest/cbt-service/internal/services"
)

type TestHandler struct {
	BaseHandler
	attemptService services.AttemptService
	exportService  services.ExportService
}

func NewTestHandler(
	attemptService services.AttemptService,
	exportService services.ExportService,
	logger *slog.Logger,
) *TestHandler {
	return &TestHandler{
		BaseHandler:    NewBaseHandler(logger),
		attemptService: attemptService,
		exportService:  exportService,
	}
}

// ListTestAttempts lists a test's attempts for staff review.
func (h *TestHandler) ListTestAttempts(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	testID := h.parseIDParam(c, "id")
	if testID == 0 {
		return
	}

	attempts, total, err := h.attemptService.ListByTest(c.Request.Context(), testID, parseAttemptFilters(c), user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"attempts": attempts, "total": total})
}

// ExportTestResults streams the finalized results of a test as an .xlsx file.
func (h *TestHandler) ExportTestResults(c *gin.Context) {
	user, ok := CurrentUser(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
		return
	}
	testID := h.parseIDParam(c, "id")
	if testID == 0 {
		return
	}

	payload, err := h.exportService.ExportTestResults(c.Request.Context(), testID, user)
	if err != nil {
		h.respondWithServiceError(c, err)
		return
	}

	filename := fmt.Sprintf("test-%d-results.xlsx", testID)
	c.Header("Content-Disposition", "attachment; filename="+filename)
	c.Data(http.StatusOK, "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet", payload)
}

func parseQueryInt(c *gin.Context, name string) (int, error) {
	raw := c.Query(name)
	if raw == "" {
		return 0, fmt.Errorf("missing %s", name)
	}
	return strconv.Atoi(raw)
}
