package service

import (
	"context"
	"errors"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/tasks"
)

// TranscriptReplayService 补写同步提交失败的助手消息，由 Kafka 消费者调用。
type TranscriptReplayService struct {
	chatRepo repository.ChatRepository
	indexer  MessageIndexer
}

// NewTranscriptReplayService 创建补写服务，indexer 可以为 nil。
func NewTranscriptReplayService(chatRepo repository.ChatRepository, indexer MessageIndexer) *TranscriptReplayService {
	return &TranscriptReplayService{chatRepo: chatRepo, indexer: indexer}
}

// Process 追加一条延迟的消息，沿用流结束时的时间戳和所属轮次，
// 即使之后已有新的交换提交，它仍排在对应的用户消息之后。
// 会话已被删除时丢弃任务而不是无限重试。
func (s *TranscriptReplayService) Process(ctx context.Context, task tasks.TranscriptAppendTask) error {
	msg := &model.Message{
		Role:      task.Role,
		Content:   task.Content,
		ReplyTo:   task.ReplyTo,
		Timestamp: task.CreatedAt,
	}
	err := s.chatRepo.AppendMessage(ctx, task.UserID, task.ChatID, msg)
	if errors.Is(err, ErrChatNotFound) {
		log.Warnf("补写时会话已不存在，丢弃任务: exchange=%s, chat=%s", task.ExchangeID, task.ChatID)
		return nil
	}
	if err != nil {
		return err
	}
	if s.indexer != nil {
		doc := model.MessageDocument{
			ChatID:    task.ChatID,
			UserID:    task.UserID,
			Role:      msg.Role,
			Content:   msg.Content,
			Timestamp: msg.Timestamp,
		}
		if err := s.indexer.IndexMessage(ctx, doc); err != nil {
			log.Warnf("补写消息索引失败, chat=%s: %v", task.ChatID, err)
		}
	}
	return nil
}
