package groq

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/koscakluka/ema-calls/core/llms"
	"github.com/koscakluka/ema-calls/internal/utils"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

type Stream struct {
	apiKey string
	url    string

	model       string
	temperature float64
	maxTokens   int
	messages    []message
	tools       []tool

	httpClient *http.Client
}

func (s *Stream) Chunks(ctx context.Context) func(func(llms.StreamChunk, error) bool) {
	requestToFirstTokenTime := time.Time{}
	setRequestToFirstTokenTime := func(span trace.Span) {
		if requestToFirstTokenTime.IsZero() {
			return
		}
		span.SetAttributes(attribute.Float64("response.request_to_first_token_time", time.Since(requestToFirstTokenTime).Seconds()))
		span.AddEvent("received first chunk")
		requestToFirstTokenTime = time.Time{}
	}

	return func(yield func(llms.StreamChunk, error) bool) {
		ctx, span := tracer.Start(ctx, "prompt llm stream")
		defer span.End()
		span.SetAttributes(attribute.String("request.model", s.model))
		span.SetAttributes(attribute.Int("request.messages", len(s.messages)))

		fail := func(err error) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			yield(nil, err)
		}

		reqBody := requestBody{
			Model:       s.model,
			Messages:    s.messages,
			Stream:      true,
			Temperature: s.temperature,
			MaxTokens:   s.maxTokens,
		}
		if len(s.tools) > 0 {
			reqBody.Tools = s.tools
			reqBody.ToolChoice = utils.Ptr(toolChoiceAuto)
			span.SetAttributes(attribute.Int("request.tools", len(s.tools)))
		}

		requestBodyBytes, err := json.Marshal(reqBody)
		if err != nil {
			fail(fmt.Errorf("error marshalling JSON: %w", err))
			return
		}

		req, err := http.NewRequestWithContext(ctx, "POST", s.url, bytes.NewBuffer(requestBodyBytes))
		if err != nil {
			fail(fmt.Errorf("error creating HTTP request: %w", err))
			return
		}

		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Authorization", "Bearer "+s.apiKey)

		span.SetAttributes(attribute.String("request.url", req.URL.String()))
		requestToFirstTokenTime = time.Now()
		span.AddEvent("request started")
		resp, err := s.httpClient.Do(req)
		if err != nil {
			fail(fmt.Errorf("error sending request: %w", err))
			return
		}
		defer resp.Body.Close()

		span.SetAttributes(attribute.Int("response.status_code", resp.StatusCode))
		if resp.StatusCode != http.StatusOK {
			if errorBody, err := io.ReadAll(resp.Body); err != nil {
				span.RecordError(fmt.Errorf("error reading error body: %w", err))
			} else {
				span.SetAttributes(attribute.String("response.error", string(errorBody)))
			}

			fail(fmt.Errorf("non-OK HTTP status: %s", resp.Status))
			return
		}

		// Tool calls arrive as deltas keyed by index and are only yielded
		// once the stream is done.
		var toolCalls []toolCall
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			chunk := strings.TrimSpace(strings.TrimPrefix(scanner.Text(), chunkPrefix))
			setRequestToFirstTokenTime(span)

			if len(chunk) == 0 {
				continue
			}

			if chunk == endMessage {
				break
			}

			var responseBody streamingResponseBody
			if err := json.Unmarshal([]byte(chunk), &responseBody); err != nil {
				fail(fmt.Errorf("error unmarshalling JSON: %w", err))
				return
			}

			if responseBody.XGroq != nil && responseBody.XGroq.Usage != nil {
				usage := responseBody.XGroq.Usage
				span.SetAttributes(attribute.Int("usage.prompt", usage.PromptTokens))
				span.SetAttributes(attribute.Int("usage.completion", usage.CompletionTokens))
				span.SetAttributes(attribute.Int("usage.total", usage.TotalTokens))
				span.SetAttributes(attribute.Float64("usage.total_time", usage.TotalTime))
			}

			if len(responseBody.Choices) == 0 {
				continue
			}

			choice := responseBody.Choices[0]
			for _, delta := range choice.Delta.ToolCalls {
				toolCalls = mergeToolCallDelta(toolCalls, delta)
			}
			if choice.Delta.Content == "" {
				continue
			}
			if !yield(llms.NewContentChunk(choice.Delta.Content), nil) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			fail(fmt.Errorf("error reading streamed response: %w", err))
			return
		}

		for _, call := range toolCalls {
			if call.Function.Name == "" {
				continue
			}
			span.AddEvent("tool call requested", trace.WithAttributes(
				attribute.String("tool.name", call.Function.Name)))
			if !yield(llms.NewToolCallChunk(llms.ToolCall{
				ID:        call.ID,
				Name:      call.Function.Name,
				Arguments: call.Function.Arguments,
			}), nil) {
				return
			}
		}
	}
}

func mergeToolCallDelta(toolCalls []toolCall, delta toolCallDelta) []toolCall {
	if delta.Index < 0 {
		return toolCalls
	}
	for len(toolCalls) <= delta.Index {
		toolCalls = append(toolCalls, toolCall{Type: toolTypeFunction})
	}
	call := &toolCalls[delta.Index]
	if delta.ID != "" {
		call.ID = delta.ID
	}
	if delta.Function.Name != "" {
		call.Function.Name = delta.Function.Name
	}
	call.Function.Arguments += delta.Function.Arguments
	return toolCalls
}

type requestBody struct {
	Model       string    `json:"model"`
	Messages    []message `json:"messages"`
	Stream      bool      `json:"stream"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens,omitempty"`
	Tools       []tool    `json:"tools,omitempty"`
	ToolChoice  *string   `json:"tool_choice,omitempty"`
}

const toolChoiceAuto = "auto"

type toolCallDelta struct {
	Index    int              `json:"index"`
	ID       string           `json:"id,omitempty"`
	Function toolCallFunction `json:"function"`
}

type streamingResponseBody struct {
	Choices []struct {
		Delta struct {
			Role      string          `json:"role,omitempty"`
			Content   string          `json:"content,omitempty"`
			ToolCalls []toolCallDelta `json:"tool_calls,omitempty"`
		} `json:"delta"`
		FinishReason *string `json:"finish_reason"`
	} `json:"choices"`
	XGroq *struct {
		Usage *responseUsage `json:"usage"`
	} `json:"x_groq,omitempty"`
}

type responseUsage struct {
	PromptTokens     int     `json:"prompt_tokens"`
	CompletionTokens int     `json:"completion_tokens"`
	TotalTokens      int     `json:"total_tokens"`
	TotalTime        float64 `json:"total_time"`
}
