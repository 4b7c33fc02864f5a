package server

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"github.com/gin-gonic/gin/binding"

	"github.com/creditrail/creditrail/internal/ratelimit"
)

// IngestRateLimit throttles usage ingestion per user. The user id is peeked
// from the buffered request body so the handler can still bind it.
func (s *Server) IngestRateLimit() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !s.ingestLimiter.Enabled() {
			c.Next()
			return
		}

		var peek struct {
			UserID string `json:"user_id"`
		}
		if err := c.ShouldBindBodyWith(&peek, binding.JSON); err != nil || peek.UserID == "" {
			// Let the handler produce the validation error.
			c.Next()
			return
		}

		result := s.ingestLimiter.AllowUser(c.Request.Context(), peek.UserID)
		c.Header("X-RateLimit-Limit", strconv.Itoa(result.Limit))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(result.Remaining))

		if !result.Allowed {
			if s.obsMetrics != nil {
				s.obsMetrics.RecordRateLimitDenied(c.Request.Context(), "usage.track", "rate_exceeded")
			}
			c.Header("Retry-After", strconv.Itoa(ratelimit.RetryAfterSeconds(result.RetryAfter)))
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": gin.H{
					"type":    "rate_limited",
					"message": "too many usage events, retry later",
				},
			})
			return
		}
		if s.obsMetrics != nil {
			s.obsMetrics.RecordRateLimitAllowed(c.Request.Context(), "usage.track")
		}
		c.Next()
	}
}
