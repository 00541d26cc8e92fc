package middleware

import (
	"github.com/gin-gonic/gin"

	"authgate/internal/models"
)

// Client describes the caller. Forwarding headers only count when the
// engine trusts the peer they arrived from.
func Client(c *gin.Context) models.ClientInfo {
	return models.ClientInfo{
		IPAddress: c.ClientIP(),
		UserAgent: c.GetHeader("User-Agent"),
	}
}
