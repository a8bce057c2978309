// Package llm provides a client for streaming chat completions from an
// OpenAI-compatible provider such as OpenRouter.
package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"chat-relay-go/internal/config"
)

// Client defines the interface for an LLM client.
type Client interface {
	// StartStream 发起流式请求，只检查状态码而不读取正文。
	// 返回的 StreamReader 由调用方负责 Close。
	StartStream(ctx context.Context, messages []Message, gen *GenerationParams) (*StreamReader, error)
}

// Message 表示一条角色消息
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// GenerationParams 控制生成行为
type GenerationParams struct {
	Temperature *float64
	TopP        *float64
	MaxTokens   *int
}

// ErrUpstreamStatus 可用 errors.Is 识别所有 *StatusError。
var ErrUpstreamStatus = errors.New("upstream returned non-2xx status")

// StatusError 表示上游在开始流式传输之前返回了非 2xx 状态码。
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("chat api returned non-2xx status: %d, body: %s", e.StatusCode, e.Body)
}

func (e *StatusError) Unwrap() error {
	return ErrUpstreamStatus
}

type chatRequest struct {
	Model       string    `json:"model"`
	Messages    []Message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature *float64  `json:"temperature,omitempty"`
	TopP        *float64  `json:"top_p,omitempty"`
	MaxTokens   *int      `json:"max_tokens,omitempty"`
}

type openRouterClient struct {
	cfg         config.LLMConfig
	client      *http.Client
	idleTimeout time.Duration
}

// NewClient creates a new LLM client based on the provider in the config.
func NewClient(cfg config.LLMConfig) Client {
	return NewClientWithHTTPClient(cfg, &http.Client{})
}

// NewClientWithHTTPClient 允许注入自定义的 http.Client（测试使用）。
// 不设置 http.Client.Timeout：长回复的总时长不可预知，只对单次读取的空闲时间设上限。
func NewClientWithHTTPClient(cfg config.LLMConfig, httpClient *http.Client) Client {
	idle := time.Duration(cfg.StreamIdleTimeoutSeconds) * time.Second
	if idle <= 0 {
		idle = 60 * time.Second
	}
	return &openRouterClient{
		cfg:         cfg,
		client:      httpClient,
		idleTimeout: idle,
	}
}

// DefaultGenerationParams 从配置构建生成参数，全部为零值时返回 nil。
func DefaultGenerationParams(cfg config.LLMGenerationConfig) *GenerationParams {
	var gp GenerationParams
	if cfg.Temperature != 0 {
		t := cfg.Temperature
		gp.Temperature = &t
	}
	if cfg.TopP != 0 {
		p := cfg.TopP
		gp.TopP = &p
	}
	if cfg.MaxTokens != 0 {
		m := cfg.MaxTokens
		gp.MaxTokens = &m
	}
	if gp.Temperature == nil && gp.TopP == nil && gp.MaxTokens == nil {
		return nil
	}
	return &gp
}

func (c *openRouterClient) StartStream(ctx context.Context, messages []Message, gen *GenerationParams) (*StreamReader, error) {
	reqBody := chatRequest{
		Model:    c.cfg.Model,
		Messages: messages,
		Stream:   true,
	}
	if gen != nil {
		reqBody.Temperature = gen.Temperature
		reqBody.TopP = gen.TopP
		reqBody.MaxTokens = gen.MaxTokens
	}

	reqBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal chat request: %w", err)
	}

	// 独立的可取消上下文：空闲超时触发时中断正文读取
	streamCtx, cancel := context.WithCancel(ctx)
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(streamCtx, http.MethodPost, url, bytes.NewReader(reqBytes))
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to create chat request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "text/event-stream")
	if c.cfg.Referer != "" {
		req.Header.Set("HTTP-Referer", c.cfg.Referer)
	}
	if c.cfg.Title != "" {
		req.Header.Set("X-Title", c.cfg.Title)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		cancel()
		return nil, fmt.Errorf("failed to call chat api: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		resp.Body.Close()
		cancel()
		return nil, &StatusError{StatusCode: resp.StatusCode, Body: string(bodyBytes)}
	}

	return NewStreamReader(newIdleTimeoutBody(resp.Body, c.idleTimeout, cancel)), nil
}

// idleTimeoutBody 在两次读取之间超过 timeout 时取消请求，使阻塞的 Read 返回错误。
type idleTimeoutBody struct {
	body    io.ReadCloser
	timeout time.Duration
	cancel  context.CancelFunc
	timer   *time.Timer
	once    sync.Once
}

func newIdleTimeoutBody(body io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) *idleTimeoutBody {
	return &idleTimeoutBody{
		body:    body,
		timeout: timeout,
		cancel:  cancel,
		timer:   time.AfterFunc(timeout, cancel),
	}
}

func (b *idleTimeoutBody) Read(p []byte) (int, error) {
	n, err := b.body.Read(p)
	if n > 0 {
		b.timer.Reset(b.timeout)
	}
	return n, err
}

func (b *idleTimeoutBody) Close() error {
	var err error
	b.once.Do(func() {
		b.timer.Stop()
		err = b.body.Close()
		b.cancel()
	})
	return err
}
