// Package middleware 提供了处理 HTTP 请求的中间件。
package middleware

import (
	"net/http"
	"strings"

	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
)

const (
	// ClaimsKey 是 gin.Context 中保存 *token.CustomClaims 的键。
	ClaimsKey = "claims"
	// TokenKey 保存原始 access token，登出时使用。
	TokenKey = "token"
)

// AuthMiddleware 创建一个 Gin 中间件，用于 JWT 认证。
// 它会从请求头中提取 token，验证其有效性和是否已登出，并将 claims 存入 Gin 的上下文中。
func AuthMiddleware(jwtManager *token.JWTManager, userService service.UserService) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if authHeader == "" {
			abortUnauthorized(c, "请求未包含授权头")
			return
		}

		// Token 以 "Bearer <token>" 的形式提供
		const bearerPrefix = "Bearer "
		if !strings.HasPrefix(authHeader, bearerPrefix) {
			abortUnauthorized(c, "无效的授权头格式")
			return
		}
		tokenString := strings.TrimSpace(strings.TrimPrefix(authHeader, bearerPrefix))

		claims, err := jwtManager.VerifyToken(tokenString)
		if err != nil {
			abortUnauthorized(c, "无效或已过期的 token")
			return
		}

		revoked, err := userService.IsTokenRevoked(c.Request.Context(), tokenString)
		if err != nil {
			log.Errorf("检查 token 黑名单失败: %v", err)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
				"code":    http.StatusInternalServerError,
				"message": "认证服务暂时不可用",
				"data":    nil,
			})
			return
		}
		if revoked {
			abortUnauthorized(c, "token 已登出")
			return
		}

		c.Set(ClaimsKey, claims)
		c.Set(TokenKey, tokenString)
		c.Next()
	}
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"code":    http.StatusUnauthorized,
		"message": message,
		"data":    nil,
	})
}

// CurrentClaims 取出认证中间件写入的 claims，未认证时返回 false。
func CurrentClaims(c *gin.Context) (*token.CustomClaims, bool) {
	v, ok := c.Get(ClaimsKey)
	if !ok {
		return nil, false
	}
	claims, ok := v.(*token.CustomClaims)
	return claims, ok && claims != nil && claims.UserID != ""
}
