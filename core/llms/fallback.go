package llms

import (
	"context"
	"fmt"
	"strings"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
)

var fallbackCounter, _ = meter.Int64Counter("llm.fallbacks",
	metric.WithDescription("Responses replaced or completed by a fallback message"))

// WithApologyFallback guarantees the wrapped stream always says something.
// Content is forwarded as it arrives. A provider error is logged and replaced
// by a single apology chunk, and a stream that ends without any content or
// tool call yields a single fallback chunk. Errors never reach the consumer.
func WithApologyFallback(stream Stream, opts ...FallbackOption) Stream {
	options := FallbackOptions{
		EmptyResponse: FallbackEmptyResponse,
		ProviderError: FallbackProviderError,
	}
	for _, opt := range opts {
		opt(&options)
	}

	return StreamFunc(func(ctx context.Context) func(func(StreamChunk, error) bool) {
		return func(yield func(StreamChunk, error) bool) {
			ctx, span := tracer.Start(ctx, "stream with fallback")
			defer span.End()
			span.SetAttributes(attribute.String("llm.backend", options.Backend))

			hasContent := false
			for chunk, err := range stream.Chunks(ctx) {
				if err != nil {
					err = fmt.Errorf("provider stream failed: %w", err)
					span.RecordError(err)
					span.SetStatus(codes.Error, err.Error())
					logger.ErrorContext(ctx, "llm provider failed mid-stream, sending apology",
						"backend", options.Backend, "error", err)
					fallbackCounter.Add(ctx, 1, metric.WithAttributes(
						attribute.String("backend", options.Backend),
						attribute.String("kind", "provider_error")))
					yield(NewFinalContentChunk(options.ProviderError, "error"), nil)
					return
				}

				switch chunk := chunk.(type) {
				case StreamContentChunk:
					if strings.TrimSpace(chunk.Content()) != "" {
						hasContent = true
					}
				case StreamToolCallChunk:
					hasContent = true
				}
				if !yield(chunk, nil) {
					return
				}
			}

			if !hasContent {
				logger.WarnContext(ctx, "llm returned an empty response, sending fallback",
					"backend", options.Backend)
				fallbackCounter.Add(ctx, 1, metric.WithAttributes(
					attribute.String("backend", options.Backend),
					attribute.String("kind", "empty_response")))
				span.AddEvent("empty response replaced")
				yield(NewFinalContentChunk(options.EmptyResponse, "stop"), nil)
			}
		}
	})
}

// Response is a fully drained stream.
type Response struct {
	Content   string
	ToolCalls []ToolCall
}

// CollectResponse drains the stream into its content and tool calls. It
// stops at the first error.
func CollectResponse(ctx context.Context, stream Stream) (Response, error) {
	var (
		content   strings.Builder
		toolCalls []ToolCall
	)
	for chunk, err := range stream.Chunks(ctx) {
		if err != nil {
			return Response{Content: content.String(), ToolCalls: toolCalls}, err
		}
		switch chunk := chunk.(type) {
		case StreamContentChunk:
			content.WriteString(chunk.Content())
		case StreamToolCallChunk:
			toolCalls = append(toolCalls, chunk.ToolCall())
		}
	}
	return Response{Content: content.String(), ToolCalls: toolCalls}, nil
}

// Collect drains the stream and returns the concatenated content. It stops at
// the first error.
func Collect(ctx context.Context, stream Stream) (string, error) {
	response, err := CollectResponse(ctx, stream)
	return response.Content, err
}
