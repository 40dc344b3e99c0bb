package handlers

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/casdoor/casdoor-go-sdk/casdoorsdk"
	"github.com/gin-gonic/gin"

	"github.com/veritest/cbt-service/internal/config"
	"github.com/veritest/cbt-service/internal/models"
	"github.com/veritest/cbt-service/internal/repositories"
)

const currentUserKey = "current_user"

// NewCasdoorClient builds the SDK client used to verify session tokens
// issued by the school's identity provider.
func NewCasdoorClient(cfg config.CasdoorConfig) *casdoorsdk.Client {
	return casdoorsdk.NewClient(
		cfg.Endpoint,
		cfg.ClientID,
		cfg.ClientSecret,
		cfg.Certificate,
		cfg.Organization,
		cfg.Application,
	)
}

// AuthMiddleware verifies the bearer token with casdoor and resolves the
// caller's local user record, which carries the cohort and role the attempt
// lifecycle needs.
func AuthMiddleware(client *casdoorsdk.Client, repo repositories.Repository, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := c.GetHeader("Authorization")
		token := strings.TrimPrefix(header, "Bearer ")
		if token == "" || token == header {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Message: "missing credentials"})
			return
		}

		claims, err := client.ParseJwtToken(token)
		if err != nil {
			logger.Warn("Token verification failed", "client_ip", c.ClientIP(), "error", err)
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Message: "invalid credentials"})
			return
		}

		user, err := repo.User().GetByID(c.Request.Context(), claims.User.Id)
		if err != nil || !user.IsActive {
			c.AbortWithStatusJSON(http.StatusUnauthorized, ErrorResponse{Message: "invalid credentials"})
			return
		}

		c.Set(currentUserKey, user)
		c.Next()
	}
}

// CurrentUser returns the authenticated caller placed in the context by
// AuthMiddleware.
func CurrentUser(c *gin.Context) (*models.User, bool) {
	value, exists := c.Get(currentUserKey)
	if !exists {
		return nil, false
	}
	user, ok := value.(*models.User)
	return user, ok
}
