// Package tasks defines the structure for tasks that are sent to Kafka.
package tasks

import "time"

// TranscriptAppendTask is an assistant reply whose synchronous commit failed
// and must be appended to the chat transcript later. ReplyTo is the id of the
// user message it answers, CreatedAt the time the stream ended.
type TranscriptAppendTask struct {
	ExchangeID string    `json:"exchange_id"`
	UserID     string    `json:"user_id"`
	ChatID     string    `json:"chat_id"`
	ReplyTo    uint      `json:"reply_to"`
	Role       string    `json:"role"`
	Content    string    `json:"content"`
	CreatedAt  time.Time `json:"created_at"`
}
