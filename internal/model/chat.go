// Package model 包含了应用的数据模型定义。
package model

import "time"

// 消息角色。
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Chat 对应 'chats' 表，一个用户拥有多个会话。
type Chat struct {
	ID        string    `gorm:"type:varchar(36);primaryKey" json:"id"`
	UserID    string    `gorm:"type:varchar(36);index;not null" json:"userId"`
	Title     string    `gorm:"type:varchar(255);not null" json:"title"`
	CreatedAt time.Time `gorm:"autoCreateTime" json:"createdAt"`
	UpdatedAt time.Time `gorm:"autoUpdateTime" json:"updatedAt"`
	Messages  []Message `gorm:"foreignKey:ChatID;constraint:OnDelete:CASCADE" json:"messages"`
}

func (Chat) TableName() string {
	return "chats"
}

// Message 是会话中的单条消息，只追加不修改。
// 转录顺序按轮次排列：用户消息以自身 ID 为轮次，助手回复的 ReplyTo 指向同一轮的用户消息，
// 因此延迟补写的回复仍排在它所回答的问题之后。
type Message struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"-"`
	ChatID    string    `gorm:"type:varchar(36);index;not null" json:"-"`
	ReplyTo   uint      `gorm:"index;not null;default:0" json:"-"`
	Role      string    `gorm:"type:varchar(16);not null" json:"role"` // "user" 或 "assistant"
	Content   string    `gorm:"type:mediumtext;not null" json:"content"`
	Timestamp time.Time `gorm:"not null" json:"timestamp"`
}

func (Message) TableName() string {
	return "chat_messages"
}

// ChatSummary 是会话列表接口返回给前端的结构。
type ChatSummary struct {
	ID        string    `json:"id"`
	Title     string    `json:"title"`
	CreatedAt LocalTime `json:"created_at"`
	Messages  []Message `json:"messages"`
}
