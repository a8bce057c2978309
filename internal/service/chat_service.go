package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/internal/stream"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/tasks"

	"github.com/google/uuid"
)

// ExchangeState 是一次交换所处的阶段。
type ExchangeState int

const (
	StateCreated ExchangeState = iota
	StateCommittingUserTurn
	StateStreaming
	StateCommittingAssistantTurn
	StateDone
	// StateErrored 是吸收态：进入后不再有任何提交或事件。
	StateErrored
)

func (s ExchangeState) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateCommittingUserTurn:
		return "committing_user_turn"
	case StateStreaming:
		return "streaming"
	case StateCommittingAssistantTurn:
		return "committing_assistant_turn"
	case StateDone:
		return "done"
	case StateErrored:
		return "errored"
	default:
		return fmt.Sprintf("ExchangeState(%d)", int(s))
	}
}

// ExchangeRequest 是一次聊天请求，UserID 来自请求作用域内的认证身份。
type ExchangeRequest struct {
	UserID  string
	Message string
	ChatID  string
}

// ExchangeResult 描述交换结束后的结果。
type ExchangeResult struct {
	ChatID string
	Reply  string
	State  ExchangeState
	// UpstreamErr 是使上游流提前结束的错误，不会暴露给调用方。
	UpstreamErr error
	// Deferred 为 true 表示助手消息已转交异步补写队列。
	Deferred bool
}

// DeferredCommitQueue 接收同步提交失败的助手消息，之后异步补写。
type DeferredCommitQueue interface {
	EnqueueAppend(ctx context.Context, task tasks.TranscriptAppendTask) error
}

// MessageIndexer 把已提交的消息写入检索索引。
type MessageIndexer interface {
	IndexMessage(ctx context.Context, doc model.MessageDocument) error
}

// ChatOptions 是 ChatService 的可调参数。
type ChatOptions struct {
	Retry RetryPolicy
	// HistoryMessages > 0 时把会话最近的若干条消息一并发给上游。
	HistoryMessages int
	Generation      *llm.GenerationParams
	// NewID 生成新会话 ID，默认 UUID。
	NewID func() string
}

// ChatService 定义了聊天交换的接口。
type ChatService interface {
	// BeginExchange 完成所有可能以同步错误结束的步骤：参数校验、会话解析、
	// 发起上游请求以及提交用户消息。返回错误时调用方尚未收到任何事件。
	BeginExchange(ctx context.Context, req ExchangeRequest) (*Exchange, error)
}

type chatService struct {
	chatRepo  repository.ChatRepository
	llmClient llm.Client
	deferred  DeferredCommitQueue
	indexer   MessageIndexer
	opts      ChatOptions
}

// NewChatService 创建一个新的 ChatService 实例。deferred 和 indexer 可以为 nil。
func NewChatService(chatRepo repository.ChatRepository, llmClient llm.Client, deferred DeferredCommitQueue, indexer MessageIndexer, opts ChatOptions) ChatService {
	if opts.NewID == nil {
		opts.NewID = newChatID
	}
	return &chatService{
		chatRepo:  chatRepo,
		llmClient: llmClient,
		deferred:  deferred,
		indexer:   indexer,
		opts:      opts,
	}
}

// Exchange 持有一次交换的全部瞬时状态，只被处理该请求的 goroutine 使用。
type Exchange struct {
	svc       *chatService
	id        string
	userID    string
	message   string
	chat      ChatResolution
	userMsgID uint // 本轮用户消息的 ID，助手回复以它为轮次
	upstream  *llm.StreamReader
	reply     strings.Builder
	state     ExchangeState
}

// ChatID 返回解析后的会话 ID。
func (e *Exchange) ChatID() string {
	return e.chat.ChatID
}

// IsNewChat 表示本次交换创建了新会话。
func (e *Exchange) IsNewChat() bool {
	return e.chat.IsNew
}

// State 返回当前阶段。
func (e *Exchange) State() ExchangeState {
	return e.state
}

func (s *chatService) BeginExchange(ctx context.Context, req ExchangeRequest) (*Exchange, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("%w: message is required", ErrInvalidInput)
	}
	if req.UserID == "" {
		return nil, fmt.Errorf("%w: user id is required", ErrInvalidInput)
	}

	ex := &Exchange{
		svc:     s,
		id:      uuid.NewString(),
		userID:  req.UserID,
		message: req.Message,
		chat:    ResolveChatIdentity(req.ChatID, req.Message, s.opts.NewID),
		state:   StateCreated,
	}

	// 1. 已有会话：校验归属并按需加载历史
	history, err := s.loadHistory(ctx, ex)
	if err != nil {
		ex.state = StateErrored
		return nil, err
	}

	// 2. 先发起上游请求：启动失败时不产生任何转录写入
	messages := append(history, llm.Message{Role: model.RoleUser, Content: req.Message})
	upstream, err := s.llmClient.StartStream(ctx, messages, s.opts.Generation)
	if err != nil {
		ex.state = StateErrored
		return nil, fmt.Errorf("failed to start upstream stream: %w", err)
	}
	ex.upstream = upstream

	// 3. 在消费任何上游字节之前提交用户消息
	ex.state = StateCommittingUserTurn
	if err := s.commitUserTurn(ctx, ex); err != nil {
		ex.state = StateErrored
		_ = upstream.Close()
		return nil, err
	}

	log.Infow("对话交换已开始",
		"exchangeId", ex.id,
		"userId", ex.userID,
		"chatId", ex.chat.ChatID,
		"newChat", ex.chat.IsNew,
	)
	return ex, nil
}

func (s *chatService) loadHistory(ctx context.Context, ex *Exchange) ([]llm.Message, error) {
	if ex.chat.IsNew {
		return nil, nil
	}
	if _, err := s.chatRepo.FindChat(ctx, ex.userID, ex.chat.ChatID); err != nil {
		return nil, err
	}
	if s.opts.HistoryMessages <= 0 {
		return nil, nil
	}
	stored, err := s.chatRepo.ListMessages(ctx, ex.userID, ex.chat.ChatID, s.opts.HistoryMessages)
	if err != nil {
		return nil, fmt.Errorf("failed to load chat history: %w", err)
	}
	history := make([]llm.Message, 0, len(stored)+1)
	for _, m := range stored {
		history = append(history, llm.Message{Role: m.Role, Content: m.Content})
	}
	return history, nil
}

func (s *chatService) commitUserTurn(ctx context.Context, ex *Exchange) error {
	if ex.chat.IsNew {
		chat := &model.Chat{
			ID:     ex.chat.ChatID,
			UserID: ex.userID,
			Title:  ex.chat.Title,
		}
		err := retryStore(ctx, s.opts.Retry, "创建会话", func() error {
			return s.chatRepo.CreateChat(ctx, chat)
		})
		if err != nil {
			return fmt.Errorf("failed to create chat: %w", err)
		}
	}

	msg := &model.Message{Role: model.RoleUser, Content: ex.message}
	err := retryStore(ctx, s.opts.Retry, "提交用户消息", func() error {
		return s.chatRepo.AppendMessage(ctx, ex.userID, ex.chat.ChatID, msg)
	})
	if err != nil {
		if ex.chat.IsNew {
			s.discardEmptyChat(ctx, ex)
		}
		return fmt.Errorf("failed to commit user turn: %w", err)
	}
	ex.userMsgID = msg.ID
	s.indexAsync(ex, msg)
	return nil
}

// discardEmptyChat 删除刚创建但没能写入首条消息的会话，失败时只记录日志。
func (s *chatService) discardEmptyChat(ctx context.Context, ex *Exchange) {
	if err := s.chatRepo.DeleteChat(context.WithoutCancel(ctx), ex.userID, ex.chat.ChatID); err != nil {
		log.Warnf("清理空会话失败, chat=%s: %v", ex.chat.ChatID, err)
	}
}

// Stream 消费上游增量并逐条转发，结束后提交助手消息并下发会话 ID。
// 上游中途失败或调用方断开都不会作为错误返回：已累积的部分回复照常提交。
func (e *Exchange) Stream(ctx context.Context, out stream.Writer) *ExchangeResult {
	s := e.svc
	result := &ExchangeResult{ChatID: e.chat.ChatID}
	defer e.upstream.Close()

	e.state = StateStreaming
	var writeErr error
	for e.upstream.Next() {
		delta := e.upstream.Current()
		// 先累积再写出：写入失败的这个增量也会被提交
		e.reply.WriteString(delta)
		if err := out.WriteEvent(stream.Content(delta)); err != nil {
			// 调用方已断开：停止消费上游，已累积的内容仍然提交
			writeErr = err
			break
		}
	}
	result.UpstreamErr = e.upstream.Err()
	if result.UpstreamErr != nil {
		log.Warnw("上游流提前结束，提交部分回复",
			"exchangeId", e.id,
			"chatId", e.chat.ChatID,
			"error", result.UpstreamErr,
		)
	}
	if writeErr != nil {
		log.Warnw("调用方连接已断开，停止读取上游",
			"exchangeId", e.id,
			"chatId", e.chat.ChatID,
			"error", writeErr,
		)
	}
	if dropped := e.upstream.Dropped(); dropped > 0 {
		log.Warnf("交换 %s 丢弃了 %d 个损坏的上游帧", e.id, dropped)
	}
	_ = e.upstream.Close()

	// 请求上下文可能已因断开而取消，提交不能随之中止
	commitCtx := context.WithoutCancel(ctx)
	e.state = StateCommittingAssistantTurn
	result.Reply = e.reply.String()
	deferred, err := s.commitAssistantTurn(commitCtx, e, result.Reply)
	if err != nil {
		e.state = StateErrored
		result.State = e.state
		log.Errorw("助手消息提交失败且无法转交补写队列",
			"exchangeId", e.id,
			"chatId", e.chat.ChatID,
			"error", err,
		)
		return result
	}
	result.Deferred = deferred

	e.state = StateDone
	result.State = e.state
	if writeErr == nil {
		if err := out.WriteEvent(stream.ChatID(e.chat.ChatID)); err != nil {
			log.Warnf("下发会话 ID 失败, exchange=%s: %v", e.id, err)
		}
	}
	log.Infow("对话交换已完成",
		"exchangeId", e.id,
		"chatId", e.chat.ChatID,
		"replyLength", len(result.Reply),
		"deferred", result.Deferred,
	)
	return result
}

func (s *chatService) commitAssistantTurn(ctx context.Context, e *Exchange, reply string) (bool, error) {
	msg := &model.Message{
		Role:      model.RoleAssistant,
		Content:   reply,
		ReplyTo:   e.userMsgID,
		Timestamp: time.Now(),
	}
	err := retryStore(ctx, s.opts.Retry, "提交助手消息", func() error {
		return s.chatRepo.AppendMessage(ctx, e.userID, e.chat.ChatID, msg)
	})
	if err == nil {
		s.indexAsync(e, msg)
		return false, nil
	}
	if errors.Is(err, ErrChatNotFound) || s.deferred == nil {
		// 会话在流式期间被删除，或没有补写队列可用
		return false, err
	}

	log.Warnf("助手消息同步提交失败，转交补写队列: exchange=%s, err=%v", e.id, err)
	task := tasks.TranscriptAppendTask{
		ExchangeID: e.id,
		UserID:     e.userID,
		ChatID:     e.chat.ChatID,
		ReplyTo:    e.userMsgID,
		Role:       model.RoleAssistant,
		Content:    reply,
		CreatedAt:  msg.Timestamp,
	}
	if qErr := s.deferred.EnqueueAppend(ctx, task); qErr != nil {
		return false, fmt.Errorf("commit failed: %v; enqueue failed: %w", err, qErr)
	}
	return true, nil
}

func (s *chatService) indexAsync(e *Exchange, msg *model.Message) {
	if s.indexer == nil || msg == nil {
		return
	}
	doc := model.MessageDocument{
		ChatID:    e.chat.ChatID,
		UserID:    e.userID,
		Role:      msg.Role,
		Content:   msg.Content,
		Timestamp: msg.Timestamp,
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.indexer.IndexMessage(ctx, doc); err != nil {
			log.Warnf("消息索引失败, chat=%s: %v", doc.ChatID, err)
		}
	}()
}
