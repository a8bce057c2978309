package service

import (
	"github.com/google/uuid"
)

const (
	chatTitleMaxRunes = 50
	chatTitleEllipsis = "..."
)

// ChatResolution 是会话身份解析的结果。
type ChatResolution struct {
	ChatID string
	// Title 仅在 IsNew 为 true 时有意义。
	Title string
	IsNew bool
}

// DeriveChatTitle 由首条消息生成会话标题：超过 50 个字符时截断并追加省略号。
func DeriveChatTitle(message string) string {
	runes := []rune(message)
	if len(runes) <= chatTitleMaxRunes {
		return message
	}
	return string(runes[:chatTitleMaxRunes]) + chatTitleEllipsis
}

// ResolveChatIdentity 决定本次交换归属的会话。
// 提供了 chatID 时原样采用（归属校验在调用方进行）；否则生成新 ID，
// 会话记录在提交用户消息时才真正创建。
func ResolveChatIdentity(chatID, message string, newID func() string) ChatResolution {
	if chatID != "" {
		return ChatResolution{ChatID: chatID}
	}
	if newID == nil {
		newID = newChatID
	}
	return ChatResolution{
		ChatID: newID(),
		Title:  DeriveChatTitle(message),
		IsNew:  true,
	}
}

func newChatID() string {
	return uuid.NewString()
}
