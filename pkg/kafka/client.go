// Package kafka 提供了与 Kafka 消息队列交互的功能。
package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"chat-relay-go/internal/config"
	"chat-relay-go/pkg/log"
	"chat-relay-go/pkg/tasks"

	"github.com/segmentio/kafka-go"
)

// TaskProcessor defines the interface for any service that can replay a
// deferred transcript append. This decouples the consumer from the service.
type TaskProcessor interface {
	Process(ctx context.Context, task tasks.TranscriptAppendTask) error
}

// AttemptCounter 记录每个任务的失败次数，用于在多次失败后放弃重试。
type AttemptCounter interface {
	Incr(ctx context.Context, key string) (int64, error)
	Reset(ctx context.Context, key string) error
}

// retryBackoffUnit 是第 n 次失败后等待 n 个单位再重试。
var retryBackoffUnit = time.Second

// Producer 把补写任务发送到 Kafka。
type Producer struct {
	writer *kafka.Writer
}

// InitProducer 初始化 Kafka 生产者。
func InitProducer(cfg config.KafkaConfig) *Producer {
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
	log.Info("Kafka 生产者初始化成功")
	return &Producer{writer: w}
}

// EnqueueAppend 发送一个补写任务。以会话 ID 作为 key，保证同一会话的任务进入同一分区、按序消费。
func (p *Producer) EnqueueAppend(ctx context.Context, task tasks.TranscriptAppendTask) error {
	taskBytes, err := json.Marshal(task)
	if err != nil {
		return err
	}
	err = p.writer.WriteMessages(ctx, kafka.Message{
		Key:   []byte(task.ChatID),
		Value: taskBytes,
	})
	if err != nil {
		return fmt.Errorf("failed to produce transcript task: %w", err)
	}
	return nil
}

// Close 关闭生产者并刷新未发送的消息。
func (p *Producer) Close() error {
	return p.writer.Close()
}

// StartConsumer 启动一个 Kafka 消费者来补写转录消息，ctx 取消时退出。
func StartConsumer(ctx context.Context, cfg config.KafkaConfig, processor TaskProcessor, attempts AttemptCounter) {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  []string{cfg.Brokers},
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10e6, // 10MB
	})

	log.Infof("Kafka 消费者已启动，正在监听主题 '%s'", cfg.Topic)

	maxAttempts := int64(cfg.MaxAttempts)
	if maxAttempts <= 0 {
		maxAttempts = 3
	}

	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if !errors.Is(err, context.Canceled) {
				log.Error("从 Kafka 读取消息失败", err)
			}
			break
		}

		var task tasks.TranscriptAppendTask
		if err := json.Unmarshal(m.Value, &task); err != nil {
			log.Errorf("无法解析 Kafka 消息: %v, value: %s", err, string(m.Value))
			// 消息格式错误，直接提交，避免阻塞队列
			if err := r.CommitMessages(ctx, m); err != nil {
				log.Errorf("提交错误消息失败: %v", err)
			}
			continue
		}

		if !processWithRetry(ctx, processor, attempts, task, maxAttempts) {
			// ctx 已取消，不提交 offset，重启后重新消费
			break
		}
		if err := r.CommitMessages(ctx, m); err != nil {
			log.Errorf("提交 Kafka 消息 offset 失败: %v", err)
		}
	}

	if err := r.Close(); err != nil {
		log.Errorf("关闭 Kafka 消费者失败: %v", err)
	}
}

// processWithRetry 反复处理同一任务，直到成功或失败次数达到上限。
// 失败次数记录在 Redis 中，进程重启后依然有效；Redis 不可用时退回本地计数，
// 上限照样生效。返回 false 表示 ctx 已取消。
func processWithRetry(ctx context.Context, processor TaskProcessor, attempts AttemptCounter, task tasks.TranscriptAppendTask, maxAttempts int64) bool {
	var local int64
	for {
		err := processor.Process(ctx, task)
		if err == nil {
			log.Infof("补写转录消息成功: exchange=%s, chat=%s", task.ExchangeID, task.ChatID)
			_ = attempts.Reset(ctx, task.ExchangeID)
			return true
		}
		log.Errorf("补写转录消息失败: exchange=%s, chat=%s, err=%v", task.ExchangeID, task.ChatID, err)

		local++
		n := local
		if persisted, incErr := attempts.Incr(ctx, task.ExchangeID); incErr != nil {
			log.Warnf("记录失败次数失败，使用本地计数 %d: %v", local, incErr)
		} else if persisted > n {
			n = persisted
		}
		if n >= maxAttempts {
			log.Errorf("补写任务多次失败(>=%d)，提交 offset 终止重试: exchange=%s", maxAttempts, task.ExchangeID)
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(time.Duration(n) * retryBackoffUnit):
		}
	}
}
