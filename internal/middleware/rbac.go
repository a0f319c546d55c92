package middleware

import (
	"github.com/gin-gonic/gin"

	"github.com/ampline/fieldtest-api/internal/models"
	"github.com/ampline/fieldtest-api/internal/service"
	"github.com/ampline/fieldtest-api/pkg/response"
)

// RequirePermission rejects callers whose role lacks perm. Services repeat
// the check, so this only short-circuits requests early.
func RequirePermission(perm models.Permission) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := service.Authorize(Claims(c), perm); err != nil {
			response.Error(c, err)
			c.Abort()
			return
		}
		c.Next()
	}
}
