package model

import "time"

// MessageDocument 是存储在 Elasticsearch 中的消息文档。
type MessageDocument struct {
	ChatID    string    `json:"chat_id"`
	UserID    string    `json:"user_id"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
}

// MessageSearchHit 定义了返回给前端的搜索结果结构。
type MessageSearchHit struct {
	ChatID    string    `json:"chatId"`
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Score     float64   `json:"score"`
}
