package service

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/storage"
)

// ExportInfoDTO 是导出接口返回给前端的结构。
type ExportInfoDTO struct {
	ChatID      string    `json:"chatId"`
	ObjectName  string    `json:"objectName"`
	DownloadURL string    `json:"downloadUrl"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

type chatExport struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	CreatedAt  time.Time       `json:"created_at"`
	ExportedAt time.Time       `json:"exported_at"`
	Messages   []model.Message `json:"messages"`
}

// ExportService 把会话转录导出为 JSON 对象并生成临时下载链接。
type ExportService interface {
	ExportChat(ctx context.Context, userID, chatID string) (*ExportInfoDTO, error)
}

type exportService struct {
	chatRepo repository.ChatRepository
	store    storage.ObjectStore
	expiry   time.Duration
}

// NewExportService 创建一个新的 ExportService。
func NewExportService(chatRepo repository.ChatRepository, store storage.ObjectStore, expiry time.Duration) ExportService {
	if expiry <= 0 {
		expiry = time.Hour
	}
	return &exportService{chatRepo: chatRepo, store: store, expiry: expiry}
}

func (s *exportService) ExportChat(ctx context.Context, userID, chatID string) (*ExportInfoDTO, error) {
	chat, err := s.chatRepo.FindChat(ctx, userID, chatID)
	if err != nil {
		return nil, err
	}
	messages, err := s.chatRepo.ListMessages(ctx, userID, chatID, 0)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	payload, err := json.MarshalIndent(chatExport{
		ID:         chat.ID,
		Title:      chat.Title,
		CreatedAt:  chat.CreatedAt,
		ExportedAt: now,
		Messages:   messages,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat export: %w", err)
	}

	objectName := fmt.Sprintf("exports/%s/%s/%d.json", userID, chatID, now.Unix())
	if err := s.store.PutObject(ctx, objectName, payload, "application/json"); err != nil {
		return nil, err
	}
	downloadURL, err := s.store.PresignedGetURL(ctx, objectName, s.expiry)
	if err != nil {
		return nil, fmt.Errorf("failed to presign export: %w", err)
	}
	return &ExportInfoDTO{
		ChatID:      chatID,
		ObjectName:  objectName,
		DownloadURL: downloadURL,
		ExpiresAt:   now.Add(s.expiry),
	}, nil
}
