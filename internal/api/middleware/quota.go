package middleware

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"queryhub/internal/model"
	"queryhub/internal/pkg/metrics"
	"queryhub/internal/store"

	"github.com/gin-gonic/gin"
)

// SubscriptionContextKey 是写入请求上下文的订阅快照键名。
const SubscriptionContextKey = "subscription"

// QuotaReserver 预占一个配额单位并返回订阅快照。
type QuotaReserver interface {
	Reserve(ctx context.Context, userID string) (*model.Subscription, error)
}

// CheckQuota 在计量路由上执行配额门禁。
//
// 预占（带上限的条件递增）在存储层原子完成；预占失败直接映射为
// 429，无 active 订阅映射为 403。预占成功后订阅快照写入上下文，
// 供下游在计量操作失败时归还配额。
func CheckQuota(subs QuotaReserver, logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetString("userID")

		sub, err := subs.Reserve(c.Request.Context(), userID)
		switch {
		case errors.Is(err, store.ErrNoSubscription):
			c.JSON(http.StatusForbidden, gin.H{"message": "No active subscription found"})
			c.Abort()
			return
		case errors.Is(err, store.ErrQuotaExceeded):
			metrics.QuotaExceededTotal.Inc()
			c.JSON(http.StatusTooManyRequests, gin.H{
				"message": "Monthly quota exceeded. Please upgrade your plan or wait for next month.",
				"quota":   sub.MonthlyQuota,
				"used":    sub.QuotaUsed,
			})
			c.Abort()
			return
		case err != nil:
			logger.Error("quota check failed", slog.String("user_id", userID), slog.String("error", err.Error()))
			c.JSON(http.StatusInternalServerError, gin.H{"message": "Error checking quota"})
			c.Abort()
			return
		}

		c.Set(SubscriptionContextKey, sub)
		c.Next()
	}
}
