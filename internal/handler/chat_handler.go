// Package handler 包含了处理 HTTP 请求的控制器逻辑。
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"chat-relay-go/internal/middleware"
	"chat-relay-go/internal/service"
	"chat-relay-go/internal/stream"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/token"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

var (
	upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return true // 允许所有来源
		},
	}
)

// ChatHandler 负责聊天交换，同时提供 NDJSON 流式接口和 WebSocket 接口。
type ChatHandler struct {
	chatService service.ChatService
	userService service.UserService
	jwtManager  *token.JWTManager
}

// NewChatHandler 创建一个新的 ChatHandler。
func NewChatHandler(chatService service.ChatService, userService service.UserService, jwtManager *token.JWTManager) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		userService: userService,
		jwtManager:  jwtManager,
	}
}

// ChatRequest 定义了聊天接口的请求体结构。
type ChatRequest struct {
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// Chat 处理 POST /api/v1/chat，以 NDJSON 流返回内容增量，最后一行是会话 ID。
func (h *ChatHandler) Chat(c *gin.Context) {
	claims, ok := middleware.CurrentClaims(c)
	if !ok {
		respondError(c, http.StatusUnauthorized, "unauthorized")
		return
	}

	var req ChatRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		log.Warnf("Chat: Invalid request payload, error: %v", err)
		respondError(c, http.StatusBadRequest, "invalid request body")
		return
	}

	ctx := c.Request.Context()
	ex, err := h.chatService.BeginExchange(ctx, service.ExchangeRequest{
		UserID:  claims.UserID,
		Message: req.Message,
		ChatID:  req.ChatID,
	})
	if err != nil {
		status, message := exchangeErrorStatus(err)
		log.Warnf("Chat: 交换启动失败, user=%s, status=%d, error: %v", claims.UserID, status, err)
		respondError(c, status, message)
		return
	}

	// 此后只能以事件流的形式报告结果
	c.Header("Content-Type", stream.ContentType)
	c.Header("Cache-Control", "no-cache")
	c.Header("X-Accel-Buffering", "no")
	c.Status(http.StatusOK)
	c.Writer.WriteHeaderNow()

	result := ex.Stream(ctx, stream.NewNDJSONWriter(c.Writer))
	log.Infof("Chat: 交换结束, chat=%s, state=%s", result.ChatID, result.State)
}

// exchangeErrorStatus 把 BeginExchange 的错误映射为状态码和对外消息。
func exchangeErrorStatus(err error) (int, string) {
	var statusErr *llm.StatusError
	switch {
	case errors.Is(err, service.ErrInvalidInput):
		return http.StatusBadRequest, "message is required"
	case errors.Is(err, service.ErrChatNotFound):
		return http.StatusNotFound, "chat not found"
	case errors.As(err, &statusErr):
		return http.StatusInternalServerError, fmt.Sprintf("API request failed: %d", statusErr.StatusCode)
	default:
		return http.StatusInternalServerError, "internal server error"
	}
}

// replyNotSavedMessage 是助手回复无法提交也无法转交补写队列时下发的错误。
const replyNotSavedMessage = "failed to save reply"

// wsFrame 是客户端发来的 WebSocket 帧：聊天请求或停止指令。
type wsFrame struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	ChatID  string `json:"chat_id"`
}

// Handle 处理一个传入的 WebSocket 连接。同一连接上同时只允许一个进行中的交换，
// 收到 {"type":"stop"} 时取消它，已累积的部分回复照常提交。
func (h *ChatHandler) Handle(c *gin.Context) {
	tokenString := c.Param("token")
	claims, err := h.jwtManager.VerifyToken(tokenString)
	if err != nil {
		respondError(c, http.StatusUnauthorized, "无效的 token")
		return
	}
	if revoked, err := h.userService.IsTokenRevoked(c.Request.Context(), tokenString); err != nil || revoked {
		respondError(c, http.StatusUnauthorized, "token 已失效")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error("WebSocket 升级失败", err)
		return
	}
	defer conn.Close()

	log.Infof("WebSocket 连接已建立，用户: %s", claims.Username)
	session := newWSSession(h.chatService, claims.UserID, stream.NewWebSocketWriter(conn))
	defer session.close()

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Warnf("从 WebSocket 读取消息失败: %v", err)
			}
			return
		}
		session.dispatch(message)
	}
}

// wsSession 保存单个 WebSocket 连接上进行中的交换。
type wsSession struct {
	chatService service.ChatService
	userID      string
	out         stream.Writer

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	active context.CancelFunc
	wg     sync.WaitGroup
}

func newWSSession(chatService service.ChatService, userID string, out stream.Writer) *wsSession {
	ctx, cancel := context.WithCancel(context.Background())
	return &wsSession{
		chatService: chatService,
		userID:      userID,
		out:         out,
		ctx:         ctx,
		cancel:      cancel,
	}
}

// dispatch 处理一帧客户端消息，交换在独立的 goroutine 中运行，读循环得以继续接收停止指令。
func (s *wsSession) dispatch(message []byte) {
	var frame wsFrame
	if err := json.Unmarshal(message, &frame); err != nil {
		s.reportError("invalid message format")
		return
	}
	if frame.Type == "stop" {
		s.stop()
		return
	}
	if strings.TrimSpace(frame.Message) == "" {
		s.reportError("message is required")
		return
	}

	s.mu.Lock()
	if s.active != nil {
		s.mu.Unlock()
		s.reportError("an exchange is already in progress")
		return
	}
	exCtx, cancel := context.WithCancel(s.ctx)
	s.active = cancel
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer s.finish()
		s.run(exCtx, frame)
	}()
}

func (s *wsSession) run(ctx context.Context, frame wsFrame) {
	ex, err := s.chatService.BeginExchange(ctx, service.ExchangeRequest{
		UserID:  s.userID,
		Message: frame.Message,
		ChatID:  frame.ChatID,
	})
	if err != nil {
		_, message := exchangeErrorStatus(err)
		log.Warnf("WebSocket: 交换启动失败, user=%s, error: %v", s.userID, err)
		s.reportError(message)
		return
	}
	result := ex.Stream(ctx, s.out)
	log.Infof("WebSocket: 交换结束, chat=%s, state=%s", result.ChatID, result.State)
	if result.State == service.StateErrored {
		// 回复没能保存，不会再有 chat_id 事件
		s.reportError(replyNotSavedMessage)
	}
}

func (s *wsSession) stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		log.Info("收到停止指令，正在中断流式响应...")
		s.active()
	}
}

func (s *wsSession) finish() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active != nil {
		s.active()
		s.active = nil
	}
}

func (s *wsSession) reportError(message string) {
	if err := s.out.WriteEvent(stream.Error(message)); err != nil {
		log.Warnf("WebSocket: 下发错误事件失败: %v", err)
	}
}

// close 取消进行中的交换并等待其完成提交。
func (s *wsSession) close() {
	s.cancel()
	s.wg.Wait()
}
