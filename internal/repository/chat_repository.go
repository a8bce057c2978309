// Package repository 提供了数据访问层的实现。
package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"chat-relay-go/internal/model"

	"gorm.io/gorm"
)

// ErrChatNotFound 表示会话不存在或不属于当前用户。
var ErrChatNotFound = errors.New("chat not found")

// 转录排序键：先按轮次（用户消息 ID），同一轮内按追加顺序。
const (
	transcriptOrderAsc  = "COALESCE(NULLIF(reply_to, 0), id) ASC, id ASC"
	transcriptOrderDesc = "COALESCE(NULLIF(reply_to, 0), id) DESC, id DESC"
)

// ChatRepository 定义了会话转录存储的操作接口。
// 所有操作都以 userID 限定范围，不属于该用户的会话一律视为不存在。
type ChatRepository interface {
	CreateChat(ctx context.Context, chat *model.Chat) error
	FindChat(ctx context.Context, userID, chatID string) (*model.Chat, error)
	AppendMessage(ctx context.Context, userID, chatID string, msg *model.Message) error
	ListChats(ctx context.Context, userID string) ([]model.Chat, error)
	ListMessages(ctx context.Context, userID, chatID string, limit int) ([]model.Message, error)
	RenameChat(ctx context.Context, userID, chatID, title string) error
	DeleteChat(ctx context.Context, userID, chatID string) error
}

type gormChatRepository struct {
	db *gorm.DB
}

// NewChatRepository 创建一个新的 ChatRepository 实例。
func NewChatRepository(db *gorm.DB) ChatRepository {
	return &gormChatRepository{db: db}
}

// CreateChat 创建一个空会话，ID 由调用方预先生成。
func (r *gormChatRepository) CreateChat(ctx context.Context, chat *model.Chat) error {
	if err := r.db.WithContext(ctx).Omit("Messages").Create(chat).Error; err != nil {
		return fmt.Errorf("failed to create chat: %w", err)
	}
	return nil
}

// FindChat 查找属于该用户的会话（不加载消息）。
func (r *gormChatRepository) FindChat(ctx context.Context, userID, chatID string) (*model.Chat, error) {
	var chat model.Chat
	err := r.db.WithContext(ctx).Where("id = ? AND user_id = ?", chatID, userID).First(&chat).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrChatNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find chat: %w", err)
	}
	return &chat, nil
}

// AppendMessage 在一个事务中校验会话归属并追加一条消息，成功后回填 msg.ID。
// msg.Timestamp 为零值时使用当前时间。
// 单条 INSERT 保证了同一会话上的追加是原子的，不同会话之间互不阻塞。
func (r *gormChatRepository) AppendMessage(ctx context.Context, userID, chatID string, msg *model.Message) error {
	msg.ID = 0
	msg.ChatID = chatID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&model.Chat{}).Where("id = ? AND user_id = ?", chatID, userID).Count(&count).Error; err != nil {
			return err
		}
		if count == 0 {
			return ErrChatNotFound
		}
		if err := tx.Create(msg).Error; err != nil {
			return err
		}
		return tx.Model(&model.Chat{}).Where("id = ?", chatID).Update("updated_at", time.Now()).Error
	})
	if errors.Is(err, ErrChatNotFound) {
		return ErrChatNotFound
	}
	if err != nil {
		return fmt.Errorf("failed to append message: %w", err)
	}
	return nil
}

// ListChats 按创建顺序返回用户的全部会话及其消息。
func (r *gormChatRepository) ListChats(ctx context.Context, userID string) ([]model.Chat, error) {
	var chats []model.Chat
	err := r.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Preload("Messages", func(db *gorm.DB) *gorm.DB { return db.Order(transcriptOrderAsc) }).
		Order("created_at ASC").
		Find(&chats).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list chats: %w", err)
	}
	return chats, nil
}

// ListMessages 按轮次顺序返回会话消息；limit > 0 时只返回最近的 limit 条。
func (r *gormChatRepository) ListMessages(ctx context.Context, userID, chatID string, limit int) ([]model.Message, error) {
	if _, err := r.FindChat(ctx, userID, chatID); err != nil {
		return nil, err
	}
	var messages []model.Message
	q := r.db.WithContext(ctx).Where("chat_id = ?", chatID)
	if limit > 0 {
		q = q.Order(transcriptOrderDesc).Limit(limit)
	} else {
		q = q.Order(transcriptOrderAsc)
	}
	if err := q.Find(&messages).Error; err != nil {
		return nil, fmt.Errorf("failed to list messages: %w", err)
	}
	if limit > 0 {
		// 倒序取出后恢复追加顺序
		for i, j := 0, len(messages)-1; i < j; i, j = i+1, j-1 {
			messages[i], messages[j] = messages[j], messages[i]
		}
	}
	return messages, nil
}

// RenameChat 修改会话标题。
func (r *gormChatRepository) RenameChat(ctx context.Context, userID, chatID, title string) error {
	res := r.db.WithContext(ctx).Model(&model.Chat{}).
		Where("id = ? AND user_id = ?", chatID, userID).
		Update("title", title)
	if res.Error != nil {
		return fmt.Errorf("failed to rename chat: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrChatNotFound
	}
	return nil
}

// DeleteChat 删除会话及其全部消息。
func (r *gormChatRepository) DeleteChat(ctx context.Context, userID, chatID string) error {
	return r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		res := tx.Where("id = ? AND user_id = ?", chatID, userID).Delete(&model.Chat{})
		if res.Error != nil {
			return fmt.Errorf("failed to delete chat: %w", res.Error)
		}
		if res.RowsAffected == 0 {
			return ErrChatNotFound
		}
		if err := tx.Where("chat_id = ?", chatID).Delete(&model.Message{}).Error; err != nil {
			return fmt.Errorf("failed to delete chat messages: %w", err)
		}
		return nil
	})
}
