package handlers

import (
	"log/slog"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/gin-gonic/gin"

	"github.com/veritest/cbt-service/internal/repositories"
	"github.com/veritest/cbt-service/internal/services"
	"github.com/veritest/cbt-service/internal/utils"
)

type HandlerManager struct {
	attemptHandler *AttemptHandler
	testHandler    *TestHandler
}

func NewHandlerManager(serviceManager *services.Manager, logger *slog.Logger) *HandlerManager {
	return &HandlerManager{
		attemptHandler: NewAttemptHandler(serviceManager.Attempt(), serviceManager.Result(), logger),
		testHandler:    NewTestHandler(serviceManager.Attempt(), serviceManager.Export(), logger),
	}
}

// SetupRoutes sets up all API routes
func (hm *HandlerManager) SetupRoutes(
	router *gin.Engine,
	casdoorClient *casdoorsdk.Client,
	repo repositories.Repository,
	logger *slog.Logger,
) {
	router.Use(utils.RequestLogger(logger))

	router.GET("/health", func(c *gin.Context) {
		c.JSON(200, gin.H{
			"status":  "healthy",
			"service": "cbt-service",
		})
	})

	v1 := router.Group("/api/v1")
	v1.Use(AuthMiddleware(casdoorClient, repo, logger))
	{
		attempts := v1.Group("/attempts")
		{
			attempts.POST("/start", hm.attemptHandler.StartAttempt)
			attempts.GET("", hm.attemptHandler.ListOwnAttempts)
			attempts.POST("/:id/resume", hm.attemptHandler.ResumeAttempt)
			attempts.POST("/:id/answer", hm.attemptHandler.SaveAnswer)
			attempts.POST("/:id/submit", hm.attemptHandler.SubmitAttempt)
			attempts.GET("/:id/time-remaining", hm.attemptHandler.GetTimeRemaining)
			attempts.GET("/:id/result", hm.attemptHandler.GetResult)
		}

		tests := v1.Group("/tests")
		{
			tests.GET("/:id/attempts", hm.testHandler.ListTestAttempts)
			tests.GET("/:id/results/export", hm.testHandler.ExportTestResults)
		}
	}
}
