package service

import (
	"context"
	"fmt"
	"strings"

	"chat-relay-go/internal/model"
	"chat-relay-go/pkg/log"
)

const (
	defaultSearchSize = 10
	maxSearchSize     = 50
)

// MessageSearcher 是检索后端的抽象，由 es.MessageIndex 实现。
type MessageSearcher interface {
	SearchMessages(ctx context.Context, userID, query string, size int) ([]model.MessageSearchHit, error)
}

// SearchService 接口定义了搜索操作。
type SearchService interface {
	SearchMessages(ctx context.Context, userID, query string, size int) ([]model.MessageSearchHit, error)
}

type searchService struct {
	searcher MessageSearcher
}

// NewSearchService 创建一个新的 SearchService 实例。
func NewSearchService(searcher MessageSearcher) SearchService {
	return &searchService{searcher: searcher}
}

// SearchMessages 只返回当前用户自己的消息。
func (s *searchService) SearchMessages(ctx context.Context, userID, query string, size int) ([]model.MessageSearchHit, error) {
	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: query is required", ErrInvalidInput)
	}
	if size <= 0 {
		size = defaultSearchSize
	}
	if size > maxSearchSize {
		size = maxSearchSize
	}
	log.Infof("[SearchService] 检索消息, user: %s, query: '%s', size: %d", userID, query, size)
	hits, err := s.searcher.SearchMessages(ctx, userID, query, size)
	if err != nil {
		log.Errorf("[SearchService] 检索失败: %v", err)
		return nil, err
	}
	return hits, nil
}
