package service

import (
	"context"
	"fmt"
	"strings"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/log"
)

// defaultChatName 是手动创建会话且未指定名称时的标题。
const defaultChatName = "New Chat"

// ConversationService 定义了会话管理的接口。
type ConversationService interface {
	ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error)
	CreateChat(ctx context.Context, userID, name string) (*model.ChatSummary, error)
	RenameChat(ctx context.Context, userID, chatID, title string) error
	DeleteChat(ctx context.Context, userID, chatID string) error
	GetMessages(ctx context.Context, userID, chatID string) ([]model.Message, error)
}

// ChatIndexCleaner 删除某个会话在检索索引中的全部消息。
type ChatIndexCleaner interface {
	DeleteChatMessages(ctx context.Context, userID, chatID string) error
}

type conversationService struct {
	repo  repository.ChatRepository
	index ChatIndexCleaner
	newID func() string
}

// NewConversationService 创建一个新的 ConversationService，index 可以为 nil。
func NewConversationService(repo repository.ChatRepository, index ChatIndexCleaner) ConversationService {
	return &conversationService{repo: repo, index: index, newID: newChatID}
}

// ListChats 返回用户的全部会话及消息。
func (s *conversationService) ListChats(ctx context.Context, userID string) ([]model.ChatSummary, error) {
	chats, err := s.repo.ListChats(ctx, userID)
	if err != nil {
		return nil, err
	}
	summaries := make([]model.ChatSummary, 0, len(chats))
	for _, c := range chats {
		summaries = append(summaries, toSummary(c))
	}
	return summaries, nil
}

// CreateChat 手动创建一个空会话。
func (s *conversationService) CreateChat(ctx context.Context, userID, name string) (*model.ChatSummary, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		name = defaultChatName
	}
	chat := model.Chat{ID: s.newID(), UserID: userID, Title: name}
	if err := s.repo.CreateChat(ctx, &chat); err != nil {
		return nil, err
	}
	summary := toSummary(chat)
	return &summary, nil
}

// RenameChat 修改会话标题，标题不能为空。
func (s *conversationService) RenameChat(ctx context.Context, userID, chatID, title string) error {
	title = strings.TrimSpace(title)
	if chatID == "" || title == "" {
		return fmt.Errorf("%w: chat id and title are required", ErrInvalidInput)
	}
	return s.repo.RenameChat(ctx, userID, chatID, title)
}

// DeleteChat 删除会话及其消息，随后尽力清理检索索引，清理失败只记录日志。
func (s *conversationService) DeleteChat(ctx context.Context, userID, chatID string) error {
	if chatID == "" {
		return fmt.Errorf("%w: chat id is required", ErrInvalidInput)
	}
	if err := s.repo.DeleteChat(ctx, userID, chatID); err != nil {
		return err
	}
	if s.index != nil {
		if err := s.index.DeleteChatMessages(ctx, userID, chatID); err != nil {
			log.Warnf("清理会话索引失败, chat=%s: %v", chatID, err)
		}
	}
	return nil
}

// GetMessages 按追加顺序返回会话的完整转录。
func (s *conversationService) GetMessages(ctx context.Context, userID, chatID string) ([]model.Message, error) {
	return s.repo.ListMessages(ctx, userID, chatID, 0)
}

func toSummary(c model.Chat) model.ChatSummary {
	messages := c.Messages
	if messages == nil {
		messages = []model.Message{}
	}
	return model.ChatSummary{
		ID:        c.ID,
		Title:     c.Title,
		CreatedAt: model.LocalTime(c.CreatedAt),
		Messages:  messages,
	}
}
