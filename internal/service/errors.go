// Package service 包含了应用的业务逻辑层。
package service

import (
	"errors"

	"chat-relay-go/internal/repository"
)

var (
	// ErrInvalidInput 表示请求参数缺失或非法，在任何状态变更之前返回。
	ErrInvalidInput = errors.New("invalid input")
	// ErrChatNotFound 表示会话不存在或不属于当前用户。
	ErrChatNotFound = repository.ErrChatNotFound
	// ErrUserExists 表示用户名或邮箱已被注册。
	ErrUserExists = errors.New("user already exists")
	// ErrInvalidCredentials 表示登录凭证错误。
	ErrInvalidCredentials = errors.New("invalid credentials")
	// ErrInvalidToken 表示 token 无法解析、签名不符或对应的用户已不存在。
	ErrInvalidToken = errors.New("invalid token")
	// ErrTokenExpired 表示 token 已过期。
	ErrTokenExpired = errors.New("token expired")
	// ErrTokenRevoked 表示 token 已随登出加入黑名单。
	ErrTokenRevoked = errors.New("token revoked")
)
