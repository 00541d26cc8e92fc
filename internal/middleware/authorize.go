package middleware

import (
	"github.com/gin-gonic/gin"

	"authgate/internal/autherr"
	"authgate/internal/models"
)

// RequireRoles must run after Auth.
func RequireRoles(roles ...models.Role) gin.HandlerFunc {
	roleSet := make(map[models.Role]struct{}, len(roles))
	for _, role := range roles {
		roleSet[role] = struct{}{}
	}

	return func(c *gin.Context) {
		session, ok := CurrentSession(c)
		if !ok {
			Abort(c, autherr.New(autherr.KindInvalidToken, "no authenticated session"))
			return
		}

		if _, ok := roleSet[session.User.Role]; !ok {
			Abort(c, autherr.New(autherr.KindUnauthorized, "role "+session.User.Role.String()+" not permitted"))
			return
		}

		c.Next()
	}
}
