package service

import (
	"context"
	"errors"
	"time"

	"chat-relay-go/pkg/log"
)

// RetryPolicy 描述转录存储写入的重试策略，退避时间按 2 的幂增长。
type RetryPolicy struct {
	Attempts int
	Backoff  time.Duration
}

// retryStore 重试瞬时的存储错误；会话不存在属于确定性错误，不重试。
func retryStore(ctx context.Context, policy RetryPolicy, op string, fn func() error) error {
	attempts := policy.Attempts
	if attempts < 1 {
		attempts = 1
	}
	var err error
	for i := 0; i < attempts; i++ {
		err = fn()
		if err == nil || errors.Is(err, ErrChatNotFound) {
			return err
		}
		if i == attempts-1 {
			break
		}
		wait := policy.Backoff << i
		log.Warnf("%s 失败，%v 后进行第 %d 次重试: %v", op, wait, i+2, err)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(wait):
		}
	}
	return err
}
