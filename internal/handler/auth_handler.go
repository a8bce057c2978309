package handler

import (
	"errors"
	"net/http"

	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// AuthHandler 负责处理认证相关的 API 请求，例如刷新 token。
type AuthHandler struct {
	userService service.UserService
}

// NewAuthHandler 创建一个新的 AuthHandler 实例。
func NewAuthHandler(userService service.UserService) *AuthHandler {
	return &AuthHandler{userService: userService}
}

// RefreshTokenRequest 定义了刷新 token API 的请求体结构。
type RefreshTokenRequest struct {
	RefreshToken string `json:"refreshToken" binding:"required"`
}

// RefreshToken 处理刷新 token 的请求。
func (h *AuthHandler) RefreshToken(c *gin.Context) {
	var req RefreshTokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("RefreshToken: Invalid request payload, error: %v", err)
		respondError(c, http.StatusBadRequest, "无效的请求负载：refreshToken 不能为空")
		return
	}

	newAccessToken, newRefreshToken, err := h.userService.RefreshToken(c.Request.Context(), req.RefreshToken)
	if err != nil {
		status, message := refreshErrorStatus(err)
		log.Warnf("RefreshToken: 刷新失败, status=%d, error: %v", status, err)
		respondError(c, status, message)
		return
	}

	respondOK(c, gin.H{
		"token":        newAccessToken,
		"refreshToken": newRefreshToken,
	})
}

// refreshErrorStatus 区分过期、已登出和无效的 refresh token。
func refreshErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, service.ErrTokenExpired):
		return http.StatusUnauthorized, "refresh token expired"
	case errors.Is(err, service.ErrTokenRevoked):
		return http.StatusUnauthorized, "refresh token revoked"
	case errors.Is(err, service.ErrInvalidToken):
		return http.StatusUnauthorized, "invalid refresh token"
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}
