// Package sse encodes chat stream events and writes them to a text/event-stream response
package sse

import (
	"time"
)

const (
	TypeChunk     = "chunk"
	TypeHeartbeat = "heartbeat"
	TypeTitle     = "title"
	TypeComplete  = "complete"
	TypeError     = "error"
)

// Event is anything that can be pushed down a chat stream
type Event interface {
	EventType() string
}

type ChunkEvent struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Tokens  int64  `json:"tokens"`
}

type HeartbeatEvent struct {
	Type      string `json:"type"`
	Timestamp int64  `json:"timestamp"`
}

type TitleEvent struct {
	Type  string `json:"type"`
	Title string `json:"title"`
}

type CompleteEvent struct {
	Type             string `json:"type"`
	TokensUsed       int64  `json:"tokensUsed"`
	RemainingBalance int64  `json:"remainingBalance"`
}

type ErrorEvent struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Code    int    `json:"code"`
}

func (ChunkEvent) EventType() string     { return TypeChunk }
func (HeartbeatEvent) EventType() string { return TypeHeartbeat }
func (TitleEvent) EventType() string     { return TypeTitle }
func (CompleteEvent) EventType() string  { return TypeComplete }
func (ErrorEvent) EventType() string     { return TypeError }

func Chunk(content string, tokens int64) ChunkEvent {
	return ChunkEvent{Type: TypeChunk, Content: content, Tokens: tokens}
}

func Heartbeat(at time.Time) HeartbeatEvent {
	return HeartbeatEvent{Type: TypeHeartbeat, Timestamp: at.UnixMilli()}
}

func Title(title string) TitleEvent {
	return TitleEvent{Type: TypeTitle, Title: title}
}

func Complete(tokensUsed, remaining int64) CompleteEvent {
	return CompleteEvent{Type: TypeComplete, TokensUsed: tokensUsed, RemainingBalance: remaining}
}

func Error(message string, code int) ErrorEvent {
	return ErrorEvent{Type: TypeError, Message: message, Code: code}
}
