package middleware

import (
	"github.com/gin-gonic/gin"

	"authgate/internal/autherr"
)

// Abort stops the chain and writes err as the standard error envelope.
func Abort(c *gin.Context, err error) {
	e := autherr.From(err)
	_ = c.Error(e)
	c.AbortWithStatusJSON(e.Status(), e.Response())
}
