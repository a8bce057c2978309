package handler

import (
	"errors"
	"net/http"
	"strconv"

	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/service"
	"chat-relay-go/pkg/log"

	"github.com/gin-gonic/gin"
)

// SearchHandler 结构体定义了消息搜索的处理器。
type SearchHandler struct {
	searchService service.SearchService
}

// NewSearchHandler 创建一个新的 SearchHandler 实例。
func NewSearchHandler(searchService service.SearchService) *SearchHandler {
	return &SearchHandler{searchService: searchService}
}

// SearchMessages 处理 GET /api/v1/chats/search?q=...&size=...
func (h *SearchHandler) SearchMessages(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}
	query := c.Query("q")
	size, err := strconv.Atoi(c.DefaultQuery("size", "10"))
	if err != nil {
		size = 0
	}

	results, err := h.searchService.SearchMessages(c.Request.Context(), claims.UserID, query, size)
	if err != nil {
		if errors.Is(err, service.ErrInvalidInput) {
			respondError(c, http.StatusBadRequest, "无效的查询参数")
			return
		}
		log.Errorf("[SearchHandler] 搜索服务返回错误, error: %v", err)
		respondError(c, http.StatusInternalServerError, "搜索失败")
		return
	}

	log.Infof("[SearchHandler] 搜索成功, query: '%s', 返回 %d 条结果", query, len(results))
	respondOK(c, results)
}
