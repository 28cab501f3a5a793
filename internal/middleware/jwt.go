package middleware

import (
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/noah-isme/auth-gateway/internal/models"
	appErrors "github.com/noah-isme/auth-gateway/pkg/errors"
	"github.com/noah-isme/auth-gateway/pkg/response"
)

// ContextUserKey is the gin context key storing the authenticated principal.
const ContextUserKey = "currentUser"

type accessValidator interface {
	ValidateAccess(token string) (*models.AuthenticatedPrincipal, error)
}

// JWT protects routes by requiring a valid access token.
func JWT(validator accessValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := bearerToken(c)
		if !ok {
			response.Error(c, appErrors.Clone(appErrors.ErrUnauthorized, "missing or malformed authorization header"))
			return
		}

		principal, err := validator.ValidateAccess(token)
		if err != nil {
			response.Error(c, err)
			return
		}

		c.Set(ContextUserKey, principal)
		c.Next()
	}
}

// Principal returns the principal stored by JWT, or nil.
func Principal(c *gin.Context) *models.AuthenticatedPrincipal {
	value, exists := c.Get(ContextUserKey)
	if !exists {
		return nil
	}
	principal, _ := value.(*models.AuthenticatedPrincipal)
	return principal
}

func bearerToken(c *gin.Context) (string, bool) {
	header := c.GetHeader("Authorization")
	if header == "" {
		return "", false
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return "", false
	}
	token := strings.TrimSpace(parts[1])
	return token, token != ""
}
