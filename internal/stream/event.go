// Package stream 负责把一次对话交换产生的事件编码给调用方。
package stream

// EventType 是输出事件的类型。
type EventType string

const (
	// EventContent 携带一个内容增量，按上游到达顺序逐条下发。
	EventContent EventType = "content"
	// EventChatID 携带会话 ID，每次交换恰好一条且总是最后一条。
	EventChatID EventType = "chat_id"
	// EventError 只用于 WebSocket 通道，报告无法用 HTTP 状态码表达的请求错误。
	EventError EventType = "error"
)

// Event 是一条输出事件。
type Event struct {
	Type EventType `json:"type"`
	Data string    `json:"data"`
}

// Content 构造一个内容增量事件。
func Content(delta string) Event {
	return Event{Type: EventContent, Data: delta}
}

// ChatID 构造结束事件。
func ChatID(chatID string) Event {
	return Event{Type: EventChatID, Data: chatID}
}

// Error 构造一个错误事件。
func Error(message string) Event {
	return Event{Type: EventError, Data: message}
}

// Writer 把事件写到调用方的响应通道上，每个事件写完立即刷新。
type Writer interface {
	WriteEvent(ev Event) error
}
