package middleware

import (
	"log/slog"
	"net/http"
	"strconv"

	"queryhub/internal/pkg/metrics"
	"queryhub/internal/pkg/ratelimit"

	"github.com/gin-gonic/gin"
)

// RateLimit 按客户端 IP 对路由组限流。
// Redis 不可用时放行（限流是保护手段，不是可用性依赖）。
func RateLimit(limiter *ratelimit.Limiter, route, message string, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		allowed, retryAfter, err := limiter.Allow(c.Request.Context(), c.ClientIP())
		if err != nil {
			if logger != nil {
				logger.Warn("ratelimit check failed", slog.String("route", route), slog.String("error", err.Error()))
			}
			c.Next()
			return
		}
		if !allowed {
			metrics.RateLimitRejectedTotal.WithLabelValues(route).Inc()
			if retryAfter > 0 {
				c.Header("Retry-After", strconv.Itoa(int(retryAfter.Seconds())+1))
			}
			c.JSON(http.StatusTooManyRequests, gin.H{"error": message})
			c.Abort()
			return
		}
		c.Next()
	}
}
