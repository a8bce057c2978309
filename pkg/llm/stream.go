package llm

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"chat-relay-go/pkg/log"
)

const (
	// frameMarker 是上游事件行的前缀，其余行（注释、心跳）一律忽略。
	frameMarker = "data:"
	// doneSentinel 表示上游显式结束流。
	doneSentinel = "[DONE]"
	// readChunkSize 与上游一次读取的块大小对齐。
	readChunkSize = 1024
	// maxFrameSize 是单行帧的上限，超出的行整体丢弃。
	maxFrameSize = 1 << 20
)

// ProviderError 是上游在流中途下发的错误帧。
type ProviderError struct {
	Message string
	Code    interface{}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider stream error: %s (code=%v)", e.Message, e.Code)
}

type streamFrame struct {
	Choices []struct {
		Delta struct {
			Content *string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string      `json:"message"`
		Code    interface{} `json:"code"`
	} `json:"error"`
}

// StreamReader 将上游分块的响应体拆分为内容增量。
// 块边界与行边界不对齐，未读完的半行保留在缓冲区中，和下一块拼接后再解析。
// 序列是有限且不可重放的：EOF、[DONE] 或读错误之后 Next 永远返回 false。
type StreamReader struct {
	body    io.ReadCloser
	reader  *bufio.Reader
	maxLine int
	current string
	err     error
	done    bool
	closed  bool
	dropped int
}

// NewStreamReader 包装上游响应体。
func NewStreamReader(body io.ReadCloser) *StreamReader {
	return &StreamReader{
		body:    body,
		reader:  bufio.NewReaderSize(body, readChunkSize),
		maxLine: maxFrameSize,
	}
}

// Next 前进到下一个内容增量，没有更多增量时返回 false。
func (s *StreamReader) Next() bool {
	for !s.done {
		line, oversize, readErr := s.readLine()
		if oversize {
			s.dropped++
			log.Warnf("丢弃超过 %d 字节的上游帧", s.maxLine)
			if readErr != nil {
				s.finish(readErr)
			}
			continue
		}
		// EOF 时最后一行可能没有换行符，仍需解析
		if line != "" {
			delta, ok := s.parseLine(line)
			if readErr != nil {
				s.finish(readErr)
			}
			if ok {
				s.current = delta
				return true
			}
			continue
		}
		if readErr != nil {
			s.finish(readErr)
		}
	}
	s.current = ""
	return false
}

// Current 返回最近一次 Next 得到的增量。
func (s *StreamReader) Current() string {
	return s.current
}

// Err 返回使流提前结束的错误；正常结束（EOF 或 [DONE]）时为 nil。
func (s *StreamReader) Err() error {
	return s.err
}

// Dropped 返回因 JSON 损坏而被丢弃的帧数。
func (s *StreamReader) Dropped() int {
	return s.dropped
}

// Close 关闭底层响应体，之后 Next 返回 false。
func (s *StreamReader) Close() error {
	s.done = true
	if s.closed {
		return nil
	}
	s.closed = true
	return s.body.Close()
}

// readLine 读取一整行。行长超过 maxLine 时继续读到行尾但不再保留内容，oversize 为 true。
func (s *StreamReader) readLine() (line string, oversize bool, err error) {
	var buf []byte
	for {
		chunk, readErr := s.reader.ReadSlice('\n')
		if !oversize {
			if len(buf)+len(chunk) > s.maxLine {
				oversize = true
				buf = nil
			} else {
				buf = append(buf, chunk...)
			}
		}
		if readErr == bufio.ErrBufferFull {
			continue
		}
		return string(buf), oversize, readErr
	}
}

func (s *StreamReader) finish(err error) {
	s.done = true
	if err != nil && !errors.Is(err, io.EOF) && s.err == nil {
		s.err = err
	}
}

// parseLine 解析一行完整的帧，返回增量以及该行是否携带增量。
func (s *StreamReader) parseLine(line string) (string, bool) {
	line = strings.TrimSpace(line)
	if !strings.HasPrefix(line, frameMarker) {
		return "", false
	}
	payload := strings.TrimSpace(strings.TrimPrefix(line, frameMarker))
	if payload == "" {
		return "", false
	}
	if payload == doneSentinel {
		s.finish(nil)
		return "", false
	}

	var frame streamFrame
	if err := json.Unmarshal([]byte(payload), &frame); err != nil {
		// 单帧损坏只丢弃该帧，不能中断整个流
		s.dropped++
		log.Debugf("丢弃无法解析的上游帧: %v", err)
		return "", false
	}
	if frame.Error != nil {
		s.finish(&ProviderError{Message: frame.Error.Message, Code: frame.Error.Code})
		return "", false
	}
	if len(frame.Choices) == 0 || frame.Choices[0].Delta.Content == nil {
		// 只含元数据的事件
		return "", false
	}
	return *frame.Choices[0].Delta.Content, true
}
