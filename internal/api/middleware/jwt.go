package middleware

import (
	"net/http"
	"strings"

	"queryhub/internal/pkg/token"

	"github.com/gin-gonic/gin"
)

// Auth 校验 Bearer 会话令牌并把用户身份写入上下文。
//
// 缺少令牌与令牌无效返回不同的 message；令牌过期与伪造在这一层
// 统一表现为 "Authentication failed"，不向调用方区分。
func Auth(codec *token.Codec) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if strings.TrimSpace(authHeader) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "No authentication token provided"})
			c.Abort()
			return
		}

		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") || strings.TrimSpace(parts[1]) == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Authentication failed"})
			c.Abort()
			return
		}

		claims, err := codec.VerifySession(strings.TrimSpace(parts[1]))
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"message": "Authentication failed"})
			c.Abort()
			return
		}

		c.Set("userID", claims.Subject)
		c.Set("email", claims.Email)
		c.Next()
	}
}
