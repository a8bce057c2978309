package service

import (
	"context"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"chat-relay-go/internal/model"
	"chat-relay-go/internal/repository"
	"chat-relay-go/internal/stream"
	"chat-relay-go/pkg/llm"
	"chat-relay-go/pkg/tasks"
)

var errStoreDown = errors.New("store unavailable")

// fakeChatRepo 是内存中的转录存储，可以注入写入失败。
type fakeChatRepo struct {
	mu       sync.Mutex
	chats    map[string]*model.Chat
	messages map[string][]model.Message
	nextID   uint

	// failAppends > 0 时接下来的若干次 AppendMessage 返回 errStoreDown；-1 表示一直失败
	failAppends    int
	failCreates    int
	appendFailRole string
	appendCalls    int
	createCalls    int
	deleteCalls    int
}

func newFakeChatRepo() *fakeChatRepo {
	return &fakeChatRepo{
		chats:    map[string]*model.Chat{},
		messages: map[string][]model.Message{},
	}
}

func (r *fakeChatRepo) CreateChat(_ context.Context, chat *model.Chat) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.createCalls++
	if r.failCreates != 0 {
		if r.failCreates > 0 {
			r.failCreates--
		}
		return errStoreDown
	}
	c := *chat
	c.CreatedAt = time.Now()
	r.chats[c.ID] = &c
	return nil
}

func (r *fakeChatRepo) FindChat(_ context.Context, userID, chatID string) (*model.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, repository.ErrChatNotFound
	}
	cp := *c
	return &cp, nil
}

func (r *fakeChatRepo) AppendMessage(_ context.Context, userID, chatID string, msg *model.Message) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.appendCalls++
	if r.failAppends != 0 && (r.appendFailRole == "" || r.appendFailRole == msg.Role) {
		if r.failAppends > 0 {
			r.failAppends--
		}
		return errStoreDown
	}
	c, ok := r.chats[chatID]
	if !ok || c.UserID != userID {
		return repository.ErrChatNotFound
	}
	r.nextID++
	msg.ID = r.nextID
	msg.ChatID = chatID
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	r.messages[chatID] = append(r.messages[chatID], *msg)
	return nil
}

// inTurnOrder 按与 gorm 实现相同的键排序：轮次（用户消息 ID），再按追加顺序。
func inTurnOrder(msgs []model.Message) []model.Message {
	out := append([]model.Message(nil), msgs...)
	turn := func(m model.Message) uint {
		if m.ReplyTo != 0 {
			return m.ReplyTo
		}
		return m.ID
	}
	sort.SliceStable(out, func(i, j int) bool {
		if ti, tj := turn(out[i]), turn(out[j]); ti != tj {
			return ti < tj
		}
		return out[i].ID < out[j].ID
	})
	return out
}

func (r *fakeChatRepo) ListChats(_ context.Context, userID string) ([]model.Chat, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []model.Chat
	for _, c := range r.chats {
		if c.UserID == userID {
			cp := *c
			cp.Messages = inTurnOrder(r.messages[c.ID])
			out = append(out, cp)
		}
	}
	return out, nil
}

func (r *fakeChatRepo) ListMessages(_ context.Context, userID, chatID string, limit int) ([]model.Message, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok || c.UserID != userID {
		return nil, repository.ErrChatNotFound
	}
	msgs := inTurnOrder(r.messages[chatID])
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	return msgs, nil
}

func (r *fakeChatRepo) RenameChat(_ context.Context, userID, chatID, title string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.chats[chatID]
	if !ok || c.UserID != userID {
		return repository.ErrChatNotFound
	}
	c.Title = title
	return nil
}

func (r *fakeChatRepo) DeleteChat(_ context.Context, userID, chatID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.deleteCalls++
	c, ok := r.chats[chatID]
	if !ok || c.UserID != userID {
		return repository.ErrChatNotFound
	}
	delete(r.chats, chatID)
	delete(r.messages, chatID)
	return nil
}

func (r *fakeChatRepo) transcript(chatID string) []model.Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return inTurnOrder(r.messages[chatID])
}

// fakeLLM 把预先准备好的 SSE 正文包装成 StreamReader。
type fakeLLM struct {
	body     string
	reader   io.Reader
	err      error
	calls    int
	messages []llm.Message
	// onStart 在 StartStream 时调用，用于检查调用顺序
	onStart func()
}

func (f *fakeLLM) StartStream(_ context.Context, messages []llm.Message, _ *llm.GenerationParams) (*llm.StreamReader, error) {
	f.calls++
	f.messages = messages
	if f.onStart != nil {
		f.onStart()
	}
	if f.err != nil {
		return nil, f.err
	}
	r := f.reader
	if r == nil {
		r = strings.NewReader(f.body)
	}
	return llm.NewStreamReader(io.NopCloser(r)), nil
}

func sse(deltas ...string) string {
	var b strings.Builder
	for _, d := range deltas {
		b.WriteString(`data: {"choices":[{"delta":{"content":"` + d + `"}}]}` + "\n\n")
	}
	b.WriteString("data: [DONE]\n\n")
	return b.String()
}

// recordingWriter 记录所有事件，failAfter >= 0 时第 failAfter+1 次写入开始失败。
type recordingWriter struct {
	events    []stream.Event
	failAfter int
}

func newRecordingWriter() *recordingWriter {
	return &recordingWriter{failAfter: -1}
}

func (w *recordingWriter) WriteEvent(ev stream.Event) error {
	if w.failAfter >= 0 && len(w.events) >= w.failAfter {
		return errors.New("broken pipe")
	}
	w.events = append(w.events, ev)
	return nil
}

type fakeQueue struct {
	mu    sync.Mutex
	tasks []tasks.TranscriptAppendTask
	err   error
}

func (q *fakeQueue) EnqueueAppend(_ context.Context, task tasks.TranscriptAppendTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.err != nil {
		return q.err
	}
	q.tasks = append(q.tasks, task)
	return nil
}

type fakeIndexer struct {
	mu   sync.Mutex
	docs []model.MessageDocument
	done chan struct{}
}

func newFakeIndexer() *fakeIndexer {
	return &fakeIndexer{done: make(chan struct{}, 16)}
}

func (f *fakeIndexer) IndexMessage(_ context.Context, doc model.MessageDocument) error {
	f.mu.Lock()
	f.docs = append(f.docs, doc)
	f.mu.Unlock()
	f.done <- struct{}{}
	return nil
}

func fixedID(id string) func() string {
	return func() string { return id }
}
