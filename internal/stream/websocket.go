package stream

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/gorilla/websocket"
)

// MessageWriter 抽象了 websocket.Conn 的写方法，便于测试替换。
type MessageWriter interface {
	WriteMessage(messageType int, data []byte) error
}

// WebSocketWriter 每个事件写成一个文本帧。
// websocket.Conn 不允许并发写，这里用互斥锁串行化。
type WebSocketWriter struct {
	mu   sync.Mutex
	conn MessageWriter
}

// NewWebSocketWriter 包装一个 WebSocket 连接。
func NewWebSocketWriter(conn MessageWriter) *WebSocketWriter {
	return &WebSocketWriter{conn: conn}
}

// WriteEvent 写出一个文本帧。
func (w *WebSocketWriter) WriteEvent(ev Event) error {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to encode %s event: %w", ev.Type, err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := w.conn.WriteMessage(websocket.TextMessage, bytes.TrimRight(buf.Bytes(), "\n")); err != nil {
		return fmt.Errorf("failed to write message to websocket: %w", err)
	}
	return nil
}
