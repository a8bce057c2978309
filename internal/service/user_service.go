package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/pkg/hash"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/token"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// UserService 接口定义了所有与用户相关的业务操作。
type UserService interface {
	Register(ctx context.Context, username, email, password string) (*model.User, error)
	Login(ctx context.Context, identifier, password string) (accessToken, refreshToken string, err error)
	GetProfile(ctx context.Context, userID string) (*model.User, error)
	Logout(ctx context.Context, tokenString string) error
	IsTokenRevoked(ctx context.Context, tokenString string) (bool, error)
	RefreshToken(ctx context.Context, refreshTokenString string) (newAccessToken, newRefreshToken string, err error)
}

// userService 是 UserService 接口的实现。
type userService struct {
	userRepo   repository.UserRepository
	blacklist  repository.TokenBlacklistRepository
	jwtManager *token.JWTManager
}

// NewUserService 创建一个新的 UserService 实例。
func NewUserService(userRepo repository.UserRepository, blacklist repository.TokenBlacklistRepository, jwtManager *token.JWTManager) UserService {
	return &userService{
		userRepo:   userRepo,
		blacklist:  blacklist,
		jwtManager: jwtManager,
	}
}

// Register 处理用户注册的业务逻辑，用户名与邮箱都必须唯一。
func (s *userService) Register(ctx context.Context, username, email, password string) (*model.User, error) {
	username = strings.TrimSpace(username)
	email = strings.TrimSpace(strings.ToLower(email))
	if username == "" || email == "" || password == "" {
		return nil, fmt.Errorf("%w: username, email and password are required", ErrInvalidInput)
	}

	// 1. 检查邮箱和用户名是否已存在
	if err := s.ensureAbsent(s.userRepo.FindByEmail(ctx, email)); err != nil {
		return nil, fmt.Errorf("email already registered: %w", err)
	}
	if err := s.ensureAbsent(s.userRepo.FindByUsername(ctx, username)); err != nil {
		return nil, fmt.Errorf("username already taken: %w", err)
	}

	// 2. 对密码进行哈希处理
	hashedPassword, err := hash.HashPassword(password)
	if err != nil {
		return nil, err
	}

	// 3. 创建新用户
	newUser := &model.User{
		ID:       uuid.NewString(),
		Username: username,
		Email:    email,
		Password: hashedPassword,
	}
	if err := s.userRepo.Create(ctx, newUser); err != nil {
		log.Errorf("[UserService] 创建用户失败, username: %s, error: %v", username, err)
		return nil, err
	}
	return newUser, nil
}

func (s *userService) ensureAbsent(_ *model.User, err error) error {
	if err == nil {
		return ErrUserExists
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil
	}
	return err
}

// Login 支持使用邮箱或用户名登录。
func (s *userService) Login(ctx context.Context, identifier, password string) (accessToken, refreshToken string, err error) {
	var user *model.User
	if strings.Contains(identifier, "@") {
		user, err = s.userRepo.FindByEmail(ctx, strings.ToLower(strings.TrimSpace(identifier)))
	} else {
		user, err = s.userRepo.FindByUsername(ctx, strings.TrimSpace(identifier))
	}
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return "", "", ErrInvalidCredentials
		}
		return "", "", err
	}

	if !hash.CheckPasswordHash(password, user.Password) {
		return "", "", ErrInvalidCredentials
	}
	return s.issueTokens(user.ID, user.Username)
}

func (s *userService) issueTokens(userID, username string) (string, string, error) {
	accessToken, err := s.jwtManager.GenerateToken(userID, username)
	if err != nil {
		return "", "", err
	}
	refreshToken, err := s.jwtManager.GenerateRefreshToken(userID, username)
	if err != nil {
		return "", "", err
	}
	return accessToken, refreshToken, nil
}

// GetProfile 根据用户 ID 获取用户信息。
func (s *userService) GetProfile(ctx context.Context, userID string) (*model.User, error) {
	return s.userRepo.FindByID(ctx, userID)
}

// Logout 将 token 加入黑名单，剩余有效期作为黑名单过期时间。
func (s *userService) Logout(ctx context.Context, tokenString string) error {
	claims, err := s.jwtManager.VerifyToken(tokenString)
	if err != nil {
		return err
	}
	return s.blacklist.Revoke(ctx, tokenString, time.Until(claims.ExpiresAt.Time))
}

// IsTokenRevoked 判断 token 是否已登出。
func (s *userService) IsTokenRevoked(ctx context.Context, tokenString string) (bool, error) {
	return s.blacklist.IsRevoked(ctx, tokenString)
}

// RefreshToken 校验 refresh token 并签发一对新的 token。
// 过期、已登出和无效分别返回 ErrTokenExpired、ErrTokenRevoked 和 ErrInvalidToken。
func (s *userService) RefreshToken(ctx context.Context, refreshTokenString string) (string, string, error) {
	claims, err := s.jwtManager.VerifyToken(refreshTokenString)
	if err != nil {
		if token.IsExpired(err) {
			return "", "", fmt.Errorf("%w: %v", ErrTokenExpired, err)
		}
		return "", "", fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}
	revoked, err := s.blacklist.IsRevoked(ctx, refreshTokenString)
	if err != nil {
		return "", "", fmt.Errorf("failed to check token blacklist: %w", err)
	}
	if revoked {
		return "", "", ErrTokenRevoked
	}
	user, err := s.userRepo.FindByID(ctx, claims.UserID)
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", "", fmt.Errorf("%w: user %s no longer exists", ErrInvalidToken, claims.UserID)
	}
	if err != nil {
		return "", "", err
	}
	return s.issueTokens(user.ID, user.Username)
}
