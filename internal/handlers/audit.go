package handlers

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"authgate/internal/autherr"
)

const defaultFailureWindow = time.Hour

// queryLimit returns 0 when limit is absent so the service applies its
// default.
func queryLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return 0, nil
	}
	limit, err := strconv.Atoi(raw)
	if err != nil || limit < 0 {
		return 0, autherr.New(autherr.KindInvalidRequest, "limit must be a non-negative integer")
	}
	return limit, nil
}

func (h HandlerSet) RecentEvents(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	events, err := h.audit.RecentEvents(c.Request.Context(), limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"events": events, "count": len(events)})
}

func (h HandlerSet) UserEvents(c *gin.Context) {
	limit, err := queryLimit(c)
	if err != nil {
		h.fail(c, err)
		return
	}

	userID := c.Param("id")
	events, err := h.audit.EventsByUser(c.Request.Context(), userID, limit)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"user_id": userID, "events": events, "count": len(events)})
}

func (h HandlerSet) RecentFailures(c *gin.Context) {
	window := defaultFailureWindow
	if raw := c.Query("since"); raw != "" {
		parsed, err := time.ParseDuration(raw)
		if err != nil {
			h.fail(c, autherr.Wrap(autherr.KindInvalidRequest, "since must be a duration such as 1h", err))
			return
		}
		window = parsed
	}

	count, err := h.audit.CountRecentFailures(c.Request.Context(), window)
	if err != nil {
		h.fail(c, err)
		return
	}

	respond(c, http.StatusOK, gin.H{"window": window.String(), "failures": count})
}
