package middleware

import (
	"errors"
	"net/http"
	"strings"

	"collabsync/backend/internal/auth"

	"github.com/gin-gonic/gin"
)

// TokenParser 校验 access token（auth.Tokens）
type TokenParser interface {
	ParseAccessToken(tokenString string) (*auth.Claims, error)
}

// Identity 从 Authorization 或 ?token= 提取 token，本地校验后写入 userId / username / email
func Identity(tokens TokenParser) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenString := extractBearer(c.Request.Header.Get("Authorization"))
		if tokenString == "" {
			// 兼容 WebSocket：浏览器无法自定义 Header，允许从 query ?token= 中获取
			tokenString = strings.TrimSpace(c.Query("token"))
		}
		if tokenString == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": "Authorization header is missing or invalid",
			})
			return
		}

		claims, err := tokens.ParseAccessToken(tokenString)
		if err != nil {
			msg := "invalid token"
			if errors.Is(err, auth.ErrWrongType) {
				msg = "access token required"
			}
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"code":    "UNAUTHENTICATED",
				"message": msg,
			})
			return
		}

		c.Set("userId", claims.Subject)
		c.Set("username", claims.Username)
		c.Set("email", claims.Email)
		c.Next()
	}
}

func extractBearer(header string) string {
	if header == "" {
		return ""
	}

	// 处理 "Bearer" 前缀（大小写不敏感）
	const prefix = "Bearer "
	if len(header) > len(prefix) && strings.EqualFold(header[:len(prefix)], prefix) {
		return strings.TrimSpace(header[len(prefix):])
	}

	return ""
}
