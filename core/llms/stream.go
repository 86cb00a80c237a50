package llms

import "context"

// StreamingLLM is implemented by every response backend. The returned stream
// is lazy: no request is made until Chunks is iterated.
type StreamingLLM interface {
	Send(ctx context.Context, conversation Conversation, opts ...SendOption) Stream
}

// Stream is a finite sequence of response chunks. Each Stream is meant to be
// iterated once; iterating it again issues a new request.
type Stream interface {
	Chunks(context.Context) func(func(StreamChunk, error) bool)
}

type StreamChunk interface {
	FinishReason() *string
}

type StreamContentChunk interface {
	StreamChunk
	Content() string
}

// ContentChunk is the content delta shared by all backends.
type ContentChunk struct {
	finishReason *string
	content      string
}

func NewContentChunk(content string) ContentChunk {
	return ContentChunk{content: content}
}

func NewFinalContentChunk(content string, finishReason string) ContentChunk {
	return ContentChunk{content: content, finishReason: &finishReason}
}

func (c ContentChunk) FinishReason() *string {
	return c.finishReason
}

func (c ContentChunk) Content() string {
	return c.content
}

// StreamFunc adapts a plain iterator function to the Stream interface.
type StreamFunc func(context.Context) func(func(StreamChunk, error) bool)

func (f StreamFunc) Chunks(ctx context.Context) func(func(StreamChunk, error) bool) {
	return f(ctx)
}
