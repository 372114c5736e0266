package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/noah-isme/extension-api/internal/models"
	appErrors "github.com/noah-isme/extension-api/pkg/errors"
	"github.com/noah-isme/extension-api/pkg/response"
)

// RequireRoles blocks callers whose role is not in the allowed set. Access to
// individual requests is decided deeper in the workflow layer, so this guards
// coarse route groups only.
func RequireRoles(roles ...models.UserRole) gin.HandlerFunc {
	allowed := make(map[models.UserRole]struct{}, len(roles))
	for _, r := range roles {
		allowed[r] = struct{}{}
	}
	return func(c *gin.Context) {
		claimsValue, exists := c.Get(ContextUserKey)
		if !exists {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}
		claims, ok := claimsValue.(*models.JWTClaims)
		if !ok {
			response.Error(c, appErrors.ErrUnauthorized)
			c.Abort()
			return
		}

		if _, ok := allowed[claims.Role]; ok {
			c.Next()
			return
		}

		response.Error(c, appErrors.ErrForbidden)
		c.Abort()
	}
}
