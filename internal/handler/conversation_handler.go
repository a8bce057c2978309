package handler

import (
	"errors"
	"net/http"

	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// ConversationHandler 处理会话的增删改查和转录读取。
type ConversationHandler struct {
	service       service.ConversationService
	exportService service.ExportService
}

// NewConversationHandler 创建一个新的 ConversationHandler。
func NewConversationHandler(service service.ConversationService, exportService service.ExportService) *ConversationHandler {
	return &ConversationHandler{service: service, exportService: exportService}
}

// ListChats 返回当前用户的全部会话及其消息。
func (h *ConversationHandler) ListChats(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	chats, err := h.service.ListChats(c.Request.Context(), claims.UserID)
	if err != nil {
		log.Errorf("ListChats: user=%s, error: %v", claims.UserID, err)
		respondError(c, http.StatusInternalServerError, "Failed to retrieve chats")
		return
	}
	respondOK(c, chats)
}

// CreateChatRequest 是创建会话的请求体，Name 为空时使用默认标题。
type CreateChatRequest struct {
	Name string `json:"name"`
}

// CreateChat 新建一个空会话。
func (h *ConversationHandler) CreateChat(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req CreateChatRequest
	// 请求体可选
	_ = c.ShouldBindJSON(&req)

	chat, err := h.service.CreateChat(c.Request.Context(), claims.UserID, req.Name)
	if err != nil {
		log.Errorf("CreateChat: user=%s, error: %v", claims.UserID, err)
		respondError(c, http.StatusInternalServerError, "Failed to create chat")
		return
	}
	c.JSON(http.StatusCreated, gin.H{
		"code":    http.StatusCreated,
		"message": "success",
		"data":    chat,
	})
}

// RenameChatRequest 是重命名会话的请求体。
type RenameChatRequest struct {
	NewTitle string `json:"new_title"`
}

// RenameChat 修改会话标题。
func (h *ConversationHandler) RenameChat(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	var req RenameChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := h.service.RenameChat(c.Request.Context(), claims.UserID, c.Param("id"), req.NewTitle); err != nil {
		h.respondServiceError(c, "RenameChat", err)
		return
	}
	respondOK(c, nil)
}

// DeleteChat 删除会话及其全部消息。
func (h *ConversationHandler) DeleteChat(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	if err := h.service.DeleteChat(c.Request.Context(), claims.UserID, c.Param("id")); err != nil {
		h.respondServiceError(c, "DeleteChat", err)
		return
	}
	respondOK(c, nil)
}

// GetMessages 返回一个会话的完整转录。
func (h *ConversationHandler) GetMessages(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	messages, err := h.service.GetMessages(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		h.respondServiceError(c, "GetMessages", err)
		return
	}
	respondOK(c, messages)
}

// ExportChat 把会话转录导出到对象存储并返回临时下载链接。
func (h *ConversationHandler) ExportChat(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	info, err := h.exportService.ExportChat(c.Request.Context(), claims.UserID, c.Param("id"))
	if err != nil {
		h.respondServiceError(c, "ExportChat", err)
		return
	}
	log.Infof("ExportChat: chat=%s 导出成功, object=%s", info.ChatID, info.ObjectName)
	respondOK(c, info)
}

func (h *ConversationHandler) respondServiceError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, service.ErrChatNotFound):
		respondError(c, http.StatusNotFound, "chat not found")
	case errors.Is(err, service.ErrInvalidInput):
		respondError(c, http.StatusBadRequest, err.Error())
	default:
		log.Errorf("%s: chat=%s, error: %v", op, c.Param("id"), err)
		respondError(c, http.StatusInternalServerError, "internal server error")
	}
}
