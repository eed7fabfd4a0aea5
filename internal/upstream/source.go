// Package upstream adapts generation backends to a pull based chunk stream
package upstream

import (
	"context"

	"chatstream-api/internal/shared"
)

// Chunk is one element of a generation. Usage is set on whichever chunk
// carries upstream token accounting, usually the last.
type Chunk struct {
	Content string
	Usage   *shared.Usage
}

// Stream is a finite, non restartable sequence of chunks. Next returns
// io.EOF once the upstream finished normally. Close tells the upstream to
// stop producing and releases its resources; it is safe to call more than
// once and concurrently with Next.
type Stream interface {
	Next(ctx context.Context) (Chunk, error)
	Close() error
}

type Request struct {
	UserID    uint64
	Model     *Model
	Messages  []shared.ChatMessage
	ImageURLs []string
}

// Source starts generations
type Source interface {
	Generate(ctx context.Context, req *Request) (Stream, error)
}
