package handler

import (
	"errors"
	"net/http"

	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// UserHandler 负责处理所有与普通用户相关的 API 请求。
type UserHandler struct {
	userService service.UserService
}

// NewUserHandler 创建一个新的 UserHandler 实例。
func NewUserHandler(userService service.UserService) *UserHandler {
	return &UserHandler{userService: userService}
}

// RegisterRequest 定义了用户注册 API 的请求体结构。
type RegisterRequest struct {
	Username string `json:"username" binding:"required"`
	Email    string `json:"email" binding:"required"`
	Password string `json:"password" binding:"required"`
}

// Register 处理用户注册请求。
func (h *UserHandler) Register(c *gin.Context) {
	var req RegisterRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Register: Invalid request payload, error: %v", err)
		respondError(c, http.StatusBadRequest, "无效的请求负载：用户名、邮箱和密码不能为空")
		return
	}

	user, err := h.userService.Register(c.Request.Context(), req.Username, req.Email, req.Password)
	if err != nil {
		log.Warnf("Register: User registration failed for '%s', error: %v", req.Username, err)
		switch {
		case errors.Is(err, service.ErrUserExists):
			respondError(c, http.StatusConflict, err.Error())
		case errors.Is(err, service.ErrInvalidInput):
			respondError(c, http.StatusBadRequest, err.Error())
		default:
			respondError(c, http.StatusInternalServerError, "注册失败")
		}
		return
	}

	log.Infof("User '%s' registered successfully", user.Username)
	c.JSON(http.StatusCreated, gin.H{
		"code":    http.StatusCreated,
		"message": "User registered successfully",
		"data":    gin.H{"id": user.ID, "username": user.Username},
	})
}

// LoginRequest 定义了用户登录 API 的请求体结构，Identifier 可以是用户名或邮箱。
type LoginRequest struct {
	Identifier string `json:"username" binding:"required"`
	Password   string `json:"password" binding:"required"`
}

// Login 处理用户登录请求。
func (h *UserHandler) Login(c *gin.Context) {
	var req LoginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Login: Invalid request payload, error: %v", err)
		respondError(c, http.StatusBadRequest, "无效的请求负载：用户名和密码不能为空")
		return
	}

	accessToken, refreshToken, err := h.userService.Login(c.Request.Context(), req.Identifier, req.Password)
	if err != nil {
		log.Warnf("Login: User authentication failed for '%s', error: %v", req.Identifier, err)
		if errors.Is(err, service.ErrInvalidCredentials) {
			respondError(c, http.StatusUnauthorized, "无效的凭证")
			return
		}
		respondError(c, http.StatusInternalServerError, "登录失败")
		return
	}

	log.Infof("User '%s' logged in successfully", req.Identifier)
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "Login successful",
		"data": gin.H{
			"token":        accessToken,
			"refreshToken": refreshToken,
		},
	})
}

// GetProfile 获取当前登录用户的信息。
func (h *UserHandler) GetProfile(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	user, err := h.userService.GetProfile(c.Request.Context(), claims.UserID)
	if err != nil {
		respondError(c, http.StatusNotFound, "用户不存在")
		return
	}
	respondOK(c, user)
}

// Logout 处理用户登出逻辑。
func (h *UserHandler) Logout(c *gin.Context) {
	tokenString := c.GetString(middleware.TokenKey)
	if err := h.userService.Logout(c.Request.Context(), tokenString); err != nil {
		log.Error("Logout: Failed to logout", err)
		respondError(c, http.StatusInternalServerError, "登出失败")
		return
	}

	if claims, ok := middleware.CurrentClaims(c); ok {
		log.Infof("User '%s' logged out successfully", claims.Username)
	}
	c.JSON(http.StatusOK, gin.H{
		"code":    http.StatusOK,
		"message": "登出成功",
		"data":    nil,
	})
}
