package stream

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
)

// ContentType 是 NDJSON 输出流的媒体类型。
const ContentType = "application/x-ndjson"

// NDJSONWriter 每个事件编码为一行 JSON 并立即 Flush，不做额外缓冲。
type NDJSONWriter struct {
	enc     *json.Encoder
	flusher http.Flusher
}

// NewNDJSONWriter 包装响应体；w 实现 http.Flusher 时每个事件后都会刷新。
func NewNDJSONWriter(w io.Writer) *NDJSONWriter {
	enc := json.NewEncoder(w)
	// 保持内容原样，不对 HTML 字符做转义
	enc.SetEscapeHTML(false)
	flusher, _ := w.(http.Flusher)
	return &NDJSONWriter{enc: enc, flusher: flusher}
}

// WriteEvent 写出一行事件。
func (w *NDJSONWriter) WriteEvent(ev Event) error {
	if err := w.enc.Encode(ev); err != nil {
		return fmt.Errorf("failed to write %s event: %w", ev.Type, err)
	}
	if w.flusher != nil {
		w.flusher.Flush()
	}
	return nil
}
