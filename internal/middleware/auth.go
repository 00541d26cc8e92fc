package middleware

import (
	"context"
	"strings"

	"github.com/gin-gonic/gin"

	"authgate/internal/autherr"
	"authgate/internal/models"
	"authgate/internal/service"
)

const (
	sessionKey     = "current_session"
	accessTokenKey = "access_token"
)

type SessionValidator interface {
	ValidateSession(ctx context.Context, token string, client models.ClientInfo) (service.Session, error)
}

// BearerToken returns the token from an "Authorization: Bearer" header.
func BearerToken(c *gin.Context) (string, bool) {
	scheme, token, ok := strings.Cut(c.GetHeader("Authorization"), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

func Auth(validator SessionValidator) gin.HandlerFunc {
	return func(c *gin.Context) {
		token, ok := BearerToken(c)
		if !ok {
			Abort(c, autherr.New(autherr.KindInvalidToken, "missing bearer token"))
			return
		}

		session, err := validator.ValidateSession(c.Request.Context(), token, Client(c))
		if err != nil {
			Abort(c, err)
			return
		}

		c.Set(accessTokenKey, token)
		c.Set(sessionKey, session)

		c.Next()
	}
}

// CurrentSession returns the session Auth stored on the context.
func CurrentSession(c *gin.Context) (service.Session, bool) {
	v, exists := c.Get(sessionKey)
	if !exists {
		return service.Session{}, false
	}
	session, ok := v.(service.Session)
	return session, ok
}

func AccessToken(c *gin.Context) string {
	return c.GetString(accessTokenKey)
}
